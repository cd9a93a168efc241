package guildhall

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	gsessions "github.com/gorilla/sessions"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sessionName       = "guildhall"
	sessionUserKey    = "user"
	sessionStateKey   = "oauth_state"
	ginSessionUserKey = "session_user"

	// maxSessionGuilds caps the guild list kept in the session cookie
	maxSessionGuilds     = 25
	maxSessionGuildName  = 40
	maxListedSuggestions = 100

	pprofPrefix = "/debug/pprof"
)

var oauthScopes = []string{"identify", "guilds"}

//go:embed templates/*.html
var templateFS embed.FS

// builtinRegistry is a registry of the built-in commands, used by the
// dashboard to reject custom command names and when the bridge is down
var builtinRegistry = sync.OnceValues(
	func() (*Registry, error) {
		return NewRegistry(builtinCommands()...)
	},
)

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// sessionGuild is a guild from the user's OAuth2 guild list
type sessionGuild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Owner       bool   `json:"owner"`
	Permissions int64  `json:"permissions,string"`
}

func (g sessionGuild) manageable() bool {
	return canManageGuild(g.Owner, g.Permissions)
}

// sessionUser is stored JSON-encoded in the session cookie at login
type sessionUser struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	Avatar   string         `json:"avatar,omitempty"`
	Guilds   []sessionGuild `json:"guilds"`
}

func (u *sessionUser) guild(guildID string) (sessionGuild, bool) {
	for _, g := range u.Guilds {
		if g.ID == guildID {
			return g, true
		}
	}
	return sessionGuild{}, false
}

// Dashboard is the web dashboard: Discord OAuth2 login, server-rendered
// pages and the REST API for guild settings. It works against the same
// store as the bot, and reaches the bot process through the bridge.
type Dashboard struct {
	config       *DashboardConfig
	store        Store
	bridge       *BridgeClient
	oauth        *oauth2.Config
	discordAPI   *resty.Client
	httpClient   *http.Client
	sessionStore CookieStore
	loginLimiter *rate.Limiter
	httpServer   *http.Server
	listener     net.Listener
	engine       *gin.Engine
	logger       *slog.Logger

	// defaultPrefix is shown for guilds without a prefix set
	defaultPrefix string
}

func NewDashboard(config *Config, store Store) (*Dashboard, error) {
	cfg := config.Dashboard
	if cfg == nil {
		return nil, errors.New("dashboard config missing")
	}
	var level slog.Leveler = DefaultDashboardLogLevel
	if cfg.LogLevel != nil {
		level = cfg.LogLevel
	}
	logger := newComponentLogger(defaultLogWriter, level, "dashboard")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var secretKey []byte
	switch sk := cfg.Secret; {
	case sk == "":
		logger.Warn(
			"dashboard secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}
	sessionStore := NewCookieStore(secretKey)
	sameSite := http.SameSiteLaxMode
	if cfg.Development {
		sameSite = http.SameSiteNoneMode
	}
	sessionStore.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(cfg.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)

	authURL := cfg.OAuth.AuthURL
	if authURL == "" {
		authURL = DefaultOAuthAuthURL
	}
	tokenURL := cfg.OAuth.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultOAuthTokenURL
	}
	apiURL := cfg.OAuth.APIURL
	if apiURL == "" {
		apiURL = DefaultDiscordAPIURL
	}

	r := gin.New()
	d := &Dashboard{
		config: cfg,
		store:  store,
		oauth: &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
			Scopes:       oauthScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		discordAPI: resty.NewWithClient(httpClient).
			SetBaseURL(apiURL).
			SetTimeout(DefaultBridgeTimeout),
		httpClient:   httpClient,
		sessionStore: sessionStore,
		loginLimiter: rate.NewLimiter(rate.Limit(1), 5),
		engine:       r,
		logger:       logger,

		defaultPrefix: DefaultDiscordPrefix,
	}
	if config.Discord != nil && config.Discord.DefaultPrefix != "" {
		d.defaultPrefix = config.Discord.DefaultPrefix
	}
	if config.Bridge != nil && config.Bridge.URL != "" {
		d.bridge = NewBridgeClient(config.Bridge, httpClient, logger)
	}

	d.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if cfg.SSL.Enabled() {
		tlsCfg, err := tlsConfig(cfg.SSL.Cert, cfg.SSL.Key, cfg.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		d.httpServer.TLSConfig = tlsCfg
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("error parsing templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	corsConfig := cfg.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && cfg.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !cfg.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		sessions.Sessions(sessionName, sessionStore),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	if cfg.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET("/login", d.loginHandler)
	r.GET("/callback", d.callbackHandler)
	r.POST("/logout", d.logoutHandler)

	r.GET("/", d.optionalSession(), d.indexPage)
	r.GET("/guilds/:id", d.requireSession(false), d.guildAccess(false), d.guildPage)

	api := r.Group("/api")
	api.GET("/stats", d.stats)
	api.GET("/commands", d.commands)
	api.GET("/users/:id", d.userProfile)
	api.GET("/me", d.requireSession(true), d.me)

	guild := api.Group("/guilds/:id", d.requireSession(true), d.guildAccess(true))
	guild.GET("/channels", d.guildChannels)
	guild.GET("/roles", d.guildRoles)
	guild.GET("/settings", d.getSettings)
	guild.PATCH("/settings", d.patchSettings)
	guild.GET("/auto-responses", d.listAutoResponses)
	guild.POST("/auto-responses", d.createAutoResponse)
	guild.DELETE("/auto-responses/:trigger", d.deleteAutoResponse)
	guild.GET("/custom-commands", d.listCustomCommands)
	guild.POST("/custom-commands", d.createCustomCommand)
	guild.DELETE("/custom-commands/:name", d.deleteCustomCommand)
	guild.GET("/temp-vc", d.getTempVC)
	guild.PATCH("/temp-vc", d.patchTempVC)
	guild.GET("/suggestions", d.getSuggestions)
	guild.PATCH("/suggestions", d.patchSuggestions)
	guild.GET("/alt-detector", d.getAltDetector)
	guild.PATCH("/alt-detector", d.patchAltDetector)

	r.NoRoute(
		func(c *gin.Context) {
			ginReplyError(c, http.StatusNotFound, "not found")
		},
	)
	return d, nil
}

// Run serves the dashboard until ctx is canceled, then shuts the server
// down gracefully
func (d *Dashboard) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := listen(ctx, d.listener, d.config.ListenNetwork, d.config.Listen)
	if err != nil {
		return err
	}
	d.listener = ln

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			d.logger.InfoContext(ctx, "dashboard listening", "addr", ln.Addr().String())
			var serveErr error
			if d.httpServer.TLSConfig != nil {
				serveErr = d.httpServer.ServeTLS(ln, "", "")
			} else {
				d.logger.WarnContext(ctx, "starting dashboard without TLS")
				serveErr = d.httpServer.Serve(ln)
			}
			if errors.Is(serveErr, http.ErrServerClosed) {
				return nil
			}
			return serveErr
		},
	)
	g.Go(
		func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			d.logger.Warn("shutting down dashboard")
			return d.httpServer.Shutdown(shutdownCtx)
		},
	)
	return g.Wait()
}

// sessionUserFrom decodes the user stored in the request's session
func sessionUserFrom(c *gin.Context) (*sessionUser, bool) {
	raw, ok := sessions.Default(c).Get(sessionUserKey).(string)
	if !ok || raw == "" {
		return nil, false
	}
	var u sessionUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		ginContextLogger(c).WarnContext(c, "invalid session user", tint.Err(err))
		return nil, false
	}
	return &u, u.ID != ""
}

// currentUser returns the user set by requireSession or optionalSession
func currentUser(c *gin.Context) *sessionUser {
	if v, ok := c.Get(ginSessionUserKey); ok {
		if u, ok := v.(*sessionUser); ok {
			return u
		}
	}
	return nil
}

func (d *Dashboard) optionalSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if u, ok := sessionUserFrom(c); ok {
			c.Set(ginSessionUserKey, u)
		}
		c.Next()
	}
}

// requireSession rejects requests without a logged-in user. API requests
// get a 401, pages are redirected to the login flow.
func (d *Dashboard) requireSession(api bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := sessionUserFrom(c)
		if !ok {
			if api {
				ginReplyError(c, http.StatusUnauthorized, "unauthorized")
				return
			}
			c.Redirect(http.StatusFound, "/login")
			c.Abort()
			return
		}
		c.Set(ginSessionUserKey, u)
		c.Next()
	}
}

// guildAccess allows the request if the session's guild list shows the
// user owns the guild, or has Manage Server or Administrator in it
func (d *Dashboard) guildAccess(api bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := currentUser(c)
		guildID := c.Param("id")
		if g, ok := u.guild(guildID); ok && g.manageable() {
			c.Next()
			return
		}
		ginContextLogger(c).WarnContext(
			c,
			"guild access denied",
			"user_id", u.ID,
			"guild_id", guildID,
		)
		if api {
			ginReplyError(c, http.StatusForbidden, "you don't have permission to manage this guild")
			return
		}
		c.String(http.StatusForbidden, "you don't have permission to manage this guild")
		c.Abort()
	}
}

func (d *Dashboard) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !d.loginLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	state, err := generateRandomHexString(32)
	if err != nil {
		logger.Error("error generating oauth state", tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	session := sessions.Default(c)
	session.Set(sessionStateKey, state)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	c.Redirect(http.StatusFound, d.oauth.AuthCodeURL(state))
}

// oauthGuild is an entry from discord's /users/@me/guilds
type oauthGuild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Owner       bool   `json:"owner"`
	Permissions string `json:"permissions"`
}

type oauthUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
}

func (d *Dashboard) callbackHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)

	wantState, _ := session.Get(sessionStateKey).(string)
	if wantState == "" || c.Query("state") != wantState {
		logger.Warn("oauth state mismatch")
		ginReplyError(c, http.StatusBadRequest, "invalid oauth state")
		return
	}
	session.Delete(sessionStateKey)
	if err := session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if errMsg := c.Query("error"); errMsg != "" {
		ginReplyError(c, http.StatusUnauthorized, "login canceled: "+errMsg)
		return
	}
	code := c.Query("code")
	if code == "" {
		ginReplyError(c, http.StatusBadRequest, "missing code")
		return
	}

	ctx := context.WithValue(c.Request.Context(), oauth2.HTTPClient, d.httpClient)
	token, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		logger.Error("error exchanging oauth code", tint.Err(err))
		ginReplyError(c, http.StatusBadGateway, "error logging in with discord")
		return
	}

	user, err := d.fetchSessionUser(ctx, token.AccessToken)
	if err != nil {
		logger.Error("error fetching discord user", tint.Err(err))
		ginReplyError(c, http.StatusBadGateway, "error logging in with discord")
		return
	}
	encoded, err := json.Marshal(user)
	if err != nil {
		ginReplyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	session.Set(sessionUserKey, string(encoded))
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	logger.Info("user logged in", "user_id", user.ID, "guilds", len(user.Guilds))
	c.Redirect(http.StatusFound, "/")
}

// fetchSessionUser gets the user and their manageable guilds with an
// OAuth2 access token
func (d *Dashboard) fetchSessionUser(ctx context.Context, accessToken string) (*sessionUser, error) {
	var me oauthUser
	var guilds []oauthGuild

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return d.discordGet(gctx, accessToken, "/users/@me", &me)
		},
	)
	g.Go(
		func() error {
			return d.discordGet(gctx, accessToken, "/users/@me/guilds", &guilds)
		},
	)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, errors.New("discord returned no user")
	}

	u := &sessionUser{ID: me.ID, Username: me.Username, Avatar: me.Avatar}
	if me.GlobalName != "" {
		u.Username = me.GlobalName
	}
	for _, og := range guilds {
		perms, err := strconv.ParseInt(og.Permissions, 10, 64)
		if err != nil {
			perms = 0
		}
		sg := sessionGuild{
			ID:          og.ID,
			Name:        truncate(og.Name, maxSessionGuildName),
			Owner:       og.Owner,
			Permissions: perms,
		}
		if !sg.manageable() {
			continue
		}
		if len(u.Guilds) == maxSessionGuilds {
			break
		}
		u.Guilds = append(u.Guilds, sg)
	}
	return u, nil
}

func (d *Dashboard) discordGet(ctx context.Context, accessToken string, path string, result any) error {
	resp, err := d.discordAPI.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord returned %d for %s", resp.StatusCode(), path)
	}
	return nil
}

func (d *Dashboard) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving session", tint.Err(err))
	}
	ginReplyOK(c, gin.H{"message": "logged out"})
}

func (d *Dashboard) indexPage(c *gin.Context) {
	data := gin.H{"Title": "Home", "User": currentUser(c)}
	if d.bridge != nil {
		if stats, err := d.bridge.Stats(c); err == nil {
			data["Stats"] = stats
			data["Uptime"] = humanDuration(time.Duration(stats.UptimeSeconds) * time.Second)
		}
	}
	c.HTML(http.StatusOK, "index.html", data)
}

type featureRow struct {
	Name    string
	Enabled bool
}

func (d *Dashboard) guildPage(c *gin.Context) {
	guildID := c.Param("id")
	u := currentUser(c)
	sg, _ := u.guild(guildID)

	var (
		cfg            GuildConfig
		tempVC         TempVCConfig
		suggestions    SuggestionSettings
		autoResponses  []AutoResponse
		customCommands []CustomCommand
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() (err error) { cfg, err = d.store.GuildConfig(ctx, guildID); return err })
	g.Go(func() (err error) { tempVC, err = d.store.TempVCConfig(ctx, guildID); return err })
	g.Go(func() (err error) { suggestions, err = d.store.SuggestionSettings(ctx, guildID); return err })
	g.Go(func() (err error) { autoResponses, err = d.store.AutoResponses(ctx, guildID); return err })
	g.Go(func() (err error) { customCommands, err = d.store.CustomCommands(ctx, guildID); return err })
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error loading guild", tint.Err(err))
		c.String(http.StatusInternalServerError, "internal server error")
		return
	}

	features := make([]featureRow, 0, len(featureNames))
	for _, name := range featureNames {
		features = append(features, featureRow{Name: name, Enabled: cfg.Features.Enabled(name)})
	}
	c.HTML(
		http.StatusOK,
		"guild.html",
		gin.H{
			"Title":          sg.Name,
			"User":           u,
			"Guild":          sg,
			"Prefix":         cfg.EffectivePrefix(d.defaultPrefix),
			"Features":       features,
			"Config":         cfg,
			"TempVC":         tempVC,
			"Suggestions":    suggestions,
			"AutoResponses":  autoResponses,
			"CustomCommands": customCommands,
		},
	)
}

func (d *Dashboard) me(c *gin.Context) {
	ginReplyOK(c, gin.H{"user": currentUser(c)})
}

// stats reports command usage from the store, and the bot process's
// status from the bridge when it's reachable
func (d *Dashboard) stats(c *gin.Context) {
	var (
		botStats  BridgeStats
		botOnline bool
		cmdStats  CommandStats
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	if d.bridge != nil {
		g.Go(
			func() error {
				s, err := d.bridge.Stats(ctx)
				if err != nil {
					ginContextLogger(c).Warn("bridge unavailable", tint.Err(err))
					return nil
				}
				botStats, botOnline = s, true
				return nil
			},
		)
	}
	g.Go(
		func() (err error) {
			cmdStats, err = d.store.CommandStats(ctx)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		ginReplyStoreError(c, err)
		return
	}
	rv := gin.H{"bot_online": botOnline, "commands": cmdStats, "bot": nil}
	if botOnline {
		rv["bot"] = botStats
	}
	ginReplyOK(c, rv)
}

// commands lists command metadata from the running bot, or from the
// built-in definitions if the bridge can't be reached
func (d *Dashboard) commands(c *gin.Context) {
	if d.bridge != nil {
		cmds, err := d.bridge.Commands(c)
		if err == nil {
			ginReplyOK(c, gin.H{"commands": cmds})
			return
		}
		ginContextLogger(c).Warn("bridge unavailable, using built-in command list", tint.Err(err))
	}
	registry, err := builtinRegistry()
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"commands": registry.Info()})
}

type userProfile struct {
	UserID   string `json:"user_id"`
	Wallet   int64  `json:"wallet"`
	Bank     int64  `json:"bank"`
	NetWorth int64  `json:"net_worth"`
	Premium  bool   `json:"premium"`
}

func (d *Dashboard) userProfile(c *gin.Context) {
	userID := c.Param("id")
	if _, err := snowflakeTime(userID); err != nil {
		ginReplyError(c, http.StatusBadRequest, "invalid user id")
		return
	}
	acct, err := d.store.Account(c, userID)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(
		c,
		gin.H{
			"user": userProfile{
				UserID:   acct.UserID,
				Wallet:   acct.Wallet,
				Bank:     acct.Bank,
				NetWorth: acct.Wallet + acct.Bank,
				Premium:  acct.Premium,
			},
		},
	)
}

func (d *Dashboard) replyBridgeError(c *gin.Context, err error) {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		switch bridgeErr.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			ginReplyError(c, bridgeErr.StatusCode, bridgeErr.Message)
			return
		}
	}
	ginContextLogger(c).Error("bridge request failed", tint.Err(err))
	ginReplyError(c, http.StatusBadGateway, "bot unavailable")
}

func (d *Dashboard) guildChannels(c *gin.Context) {
	if d.bridge == nil {
		ginReplyError(c, http.StatusServiceUnavailable, "bot bridge not configured")
		return
	}
	channels, err := d.bridge.Channels(c, c.Param("id"))
	if err != nil {
		d.replyBridgeError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"channels": channels})
}

func (d *Dashboard) guildRoles(c *gin.Context) {
	if d.bridge == nil {
		ginReplyError(c, http.StatusServiceUnavailable, "bot bridge not configured")
		return
	}
	roles, err := d.bridge.Roles(c, c.Param("id"))
	if err != nil {
		d.replyBridgeError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"roles": roles})
}

// readPatch reads the request body, which must be a JSON object
func readPatch(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil || len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		ginReplyError(c, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	if bytes.TrimSpace(body)[0] != '{' {
		ginReplyError(c, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	return body, true
}

// mergePatch decodes body over doc, so only the fields present in body
// change, then validates the result
func mergePatch(body []byte, doc any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return userErrorf("invalid request: %s", err)
	}
	if err := structValidator.Struct(doc); err != nil {
		return validationError(err)
	}
	return nil
}

func (d *Dashboard) getSettings(c *gin.Context) {
	cfg, err := d.store.GuildConfig(c, c.Param("id"))
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"settings": cfg})
}

func (d *Dashboard) patchSettings(c *gin.Context) {
	body, ok := readPatch(c)
	if !ok {
		return
	}
	guildID := c.Param("id")
	cfg, err := d.store.UpdateGuildConfig(
		c, guildID, func(g *GuildConfig) error {
			meta := g.ModelUnixTime
			if err := mergePatch(body, g); err != nil {
				return err
			}
			if strings.ContainsAny(g.Prefix, " \t\n") {
				return userErrorf("prefix can't contain whitespace")
			}
			g.GuildID = guildID
			g.ModelUnixTime = meta
			return nil
		},
	)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginContextLogger(c).Info(
		"guild settings updated",
		"guild_id", guildID,
		"user_id", currentUser(c).ID,
	)
	ginReplyOK(c, gin.H{"settings": cfg})
}

func (d *Dashboard) listAutoResponses(c *gin.Context) {
	rv, err := d.store.AutoResponses(c, c.Param("id"))
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"auto_responses": rv})
}

type autoResponseRequest struct {
	Trigger   string `json:"trigger" binding:"required,max=100"`
	Response  string `json:"response" binding:"required,max=1900"`
	MatchMode string `json:"match_mode" binding:"omitempty,oneof=exact contains"`
}

func (d *Dashboard) createAutoResponse(c *gin.Context) {
	var req autoResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ginReplyError(c, http.StatusBadRequest, validationError(err).Error())
		return
	}
	if strings.TrimSpace(req.Trigger) == "" {
		ginReplyError(c, http.StatusBadRequest, "trigger can't be blank")
		return
	}
	if req.MatchMode == "" {
		req.MatchMode = MatchModeContains
	}
	ar, created, err := d.store.UpsertAutoResponse(
		c,
		AutoResponse{
			GuildID:   c.Param("id"),
			Trigger:   req.Trigger,
			Response:  req.Response,
			MatchMode: req.MatchMode,
			CreatedBy: currentUser(c).ID,
		},
	)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"auto_response": ar, "created": created})
}

func (d *Dashboard) deleteAutoResponse(c *gin.Context) {
	if err := d.store.DeleteAutoResponse(c, c.Param("id"), c.Param("trigger")); err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, nil)
}

func (d *Dashboard) listCustomCommands(c *gin.Context) {
	rv, err := d.store.CustomCommands(c, c.Param("id"))
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"custom_commands": rv})
}

type customCommandRequest struct {
	Name     string `json:"name" binding:"required,max=32"`
	Response string `json:"response" binding:"required,max=1900"`
}

func (d *Dashboard) createCustomCommand(c *gin.Context) {
	var req customCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ginReplyError(c, http.StatusBadRequest, validationError(err).Error())
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if !commandNamePattern.MatchString(name) {
		ginReplyError(c, http.StatusBadRequest, "command names may only use a-z, 0-9, - and _")
		return
	}
	registry, err := builtinRegistry()
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	if _, builtin := registry.Lookup(name); builtin {
		ginReplyError(c, http.StatusBadRequest, fmt.Sprintf("%q is a built-in command", name))
		return
	}
	cmd, created, err := d.store.UpsertCustomCommand(
		c,
		CustomCommand{
			GuildID:   c.Param("id"),
			Name:      name,
			Response:  req.Response,
			CreatedBy: currentUser(c).ID,
		},
	)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"custom_command": cmd, "created": created})
}

func (d *Dashboard) deleteCustomCommand(c *gin.Context) {
	name := strings.ToLower(c.Param("name"))
	if err := d.store.DeleteCustomCommand(c, c.Param("id"), name); err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, nil)
}

func (d *Dashboard) getTempVC(c *gin.Context) {
	cfg, err := d.store.TempVCConfig(c, c.Param("id"))
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"temp_vc": cfg})
}

// patchTempVC updates the temp voice settings. The tracked channel list
// is owned by the bot and can't be changed here.
func (d *Dashboard) patchTempVC(c *gin.Context) {
	body, ok := readPatch(c)
	if !ok {
		return
	}
	guildID := c.Param("id")
	cfg, err := d.store.UpdateTempVCConfig(
		c, guildID, func(t *TempVCConfig) error {
			meta, channels := t.ModelUnixTime, t.Channels
			if err := mergePatch(body, t); err != nil {
				return err
			}
			t.GuildID = guildID
			t.ModelUnixTime = meta
			t.Channels = channels
			return nil
		},
	)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"temp_vc": cfg})
}

func (d *Dashboard) getSuggestions(c *gin.Context) {
	guildID := c.Param("id")
	status := c.Query("status")
	if status != "" && status != SuggestionStatusPending && !isResolvedStatus(status) {
		ginReplyError(c, http.StatusBadRequest, "invalid status")
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxListedSuggestions {
			ginReplyError(c, http.StatusBadRequest, fmt.Sprintf("limit must be 1-%d", maxListedSuggestions))
			return
		}
		limit = n
	}

	var (
		settings SuggestionSettings
		list     []Suggestion
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() (err error) { settings, err = d.store.SuggestionSettings(ctx, guildID); return err })
	g.Go(func() (err error) { list, err = d.store.Suggestions(ctx, guildID, status, limit); return err })
	if err := g.Wait(); err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"settings": settings, "suggestions": list})
}

// patchSuggestions updates the suggestion settings. The suggestion
// counter can't be changed.
func (d *Dashboard) patchSuggestions(c *gin.Context) {
	body, ok := readPatch(c)
	if !ok {
		return
	}
	guildID := c.Param("id")
	settings, err := d.store.UpdateSuggestionSettings(
		c, guildID, func(s *SuggestionSettings) error {
			meta, counter := s.ModelUnixTime, s.Counter
			if err := mergePatch(body, s); err != nil {
				return err
			}
			s.GuildID = guildID
			s.ModelUnixTime = meta
			s.Counter = counter
			return nil
		},
	)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"settings": settings})
}

func (d *Dashboard) getAltDetector(c *gin.Context) {
	cfg, err := d.store.GuildConfig(c, c.Param("id"))
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"alt_detector": cfg.AltDetector})
}

func (d *Dashboard) patchAltDetector(c *gin.Context) {
	body, ok := readPatch(c)
	if !ok {
		return
	}
	cfg, err := d.store.UpdateGuildConfig(
		c, c.Param("id"), func(g *GuildConfig) error {
			return mergePatch(body, &g.AltDetector)
		},
	)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyOK(c, gin.H{"alt_detector": cfg.AltDetector})
}
