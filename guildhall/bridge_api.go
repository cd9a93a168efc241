package guildhall

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	bridgePrefix          = "/internal"
	bridgePathHealth      = "/healthz"
	bridgePathChannels    = "/guilds/:id/channels"
	bridgePathRoles       = "/guilds/:id/roles"
	bridgePathStats       = "/stats"
	bridgePathCommands    = "/commands"
	bridgeFailedAuthRate  = rate.Limit(1)
	bridgeFailedAuthBurst = 5
)

// GuildChannel is a channel as reported by the bridge
type GuildChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
	Position int    `json:"position"`
}

// GuildRole is a role as reported by the bridge
type GuildRole struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    int    `json:"color"`
	Position int    `json:"position"`
	Managed  bool   `json:"managed"`
}

// BridgeStats is the bot process status served at /internal/stats
type BridgeStats struct {
	Guilds           int       `json:"guilds"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	Commands         int       `json:"commands"`
	CommandsExecuted int64     `json:"commands_executed"`
	EventsHandled    int64     `json:"events_handled"`
	GatewayConnected bool      `json:"gateway_connected"`
	Maintenance      bool      `json:"maintenance"`
	Version          string    `json:"version"`
}

// BridgeAPI is the internal REST API served by the bot process, giving
// the dashboard access to gateway state. Every request must carry the
// bridge key as a bearer token.
type BridgeAPI struct {
	bot        *Bot
	config     *BridgeConfig
	store      Store
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	// failedAuth throttles requests with a bad key
	failedAuth *rate.Limiter

	// acceptedMu guards accepted, a sha256 of the last stored hash and
	// key pair to verify, so repeat requests skip argon2
	acceptedMu sync.Mutex
	accepted   [sha256.Size]byte
}

func newBridgeAPI(b *Bot, config *BridgeConfig) (*BridgeAPI, error) {
	var level slog.Leveler = DefaultBridgeLogLevel
	if config.LogLevel != nil {
		level = config.LogLevel
	}
	logger := newComponentLogger(defaultLogWriter, level, "bridge")

	if config.Key == "" {
		logger.Warn("bridge key not set, requests will be rejected until one is stored with `init`")
	}

	r := gin.New()
	api := &BridgeAPI{
		bot:        b,
		config:     config,
		store:      b.store,
		engine:     r,
		logger:     logger,
		failedAuth: rate.NewLimiter(bridgeFailedAuthRate, bridgeFailedAuthBurst),
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	internal := r.Group(bridgePrefix)
	internal.Use(api.authMiddleware())
	internal.GET(bridgePathHealth, api.healthCheck)
	internal.GET(bridgePathChannels, api.guildChannels)
	internal.GET(bridgePathRoles, api.guildRoles)
	internal.GET(bridgePathStats, api.stats)
	internal.GET(bridgePathCommands, api.commands)

	return api, nil
}

func (a *BridgeAPI) Serve(ctx context.Context) error {
	ln, err := listen(ctx, a.listener, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "bridge listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

func (a *BridgeAPI) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// verifyKey reports whether key matches the bridge key hash in the store
func (a *BridgeAPI) verifyKey(ctx context.Context, key string) (bool, error) {
	settings, err := a.store.BotSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("error getting bot settings: %w", err)
	}
	if settings.APIKeyHash == "" || key == "" {
		return false, nil
	}

	sum := sha256.Sum256([]byte(settings.APIKeyHash + "\x00" + key))
	a.acceptedMu.Lock()
	cached := a.accepted
	a.acceptedMu.Unlock()
	if subtle.ConstantTimeCompare(sum[:], cached[:]) == 1 {
		return true, nil
	}

	ok, err := verifyPassword(settings.APIKeyHash, key)
	if err != nil || !ok {
		return false, err
	}
	a.acceptedMu.Lock()
	a.accepted = sum
	a.acceptedMu.Unlock()
	return true, nil
}

func (a *BridgeAPI) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		key, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found {
			ginReplyError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		ok, err := a.verifyKey(c, strings.TrimSpace(key))
		if err != nil {
			logger.ErrorContext(c, "error verifying bridge key", tint.Err(err))
			ginReplyError(c, http.StatusInternalServerError, "internal server error")
			return
		}
		if !ok {
			if !a.failedAuth.Allow() {
				logger.WarnContext(c, "bridge auth rate limited")
				ginReplyError(c, http.StatusTooManyRequests, "too many requests")
				return
			}
			logger.WarnContext(c, "invalid bridge key")
			ginReplyError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

func (a *BridgeAPI) healthCheck(c *gin.Context) {
	ginReplyOK(c, gin.H{"gateway_connected": a.bot.discord.connected.Load()})
}

// guildChannels lists a guild's channels from the gateway state, falling
// back to a REST request for guilds not in the cache
func (a *BridgeAPI) guildChannels(c *gin.Context) {
	guildID := c.Param("id")
	session := a.bot.session()

	var channels []*discordgo.Channel
	if guild, err := session.StateGuild(guildID); err == nil {
		channels = guild.Channels
	} else {
		channels, err = session.GuildChannels(guildID, discordgo.WithContext(c))
		if err != nil {
			a.replyDiscordError(c, err)
			return
		}
	}

	rv := make([]GuildChannel, 0, len(channels))
	for _, ch := range channels {
		rv = append(
			rv,
			GuildChannel{
				ID:       ch.ID,
				Name:     ch.Name,
				Type:     int(ch.Type),
				ParentID: ch.ParentID,
				Position: ch.Position,
			},
		)
	}
	slices.SortFunc(
		rv, func(x, y GuildChannel) int {
			if x.Position != y.Position {
				return x.Position - y.Position
			}
			return strings.Compare(x.ID, y.ID)
		},
	)
	ginReplyOK(c, gin.H{"channels": rv})
}

func (a *BridgeAPI) guildRoles(c *gin.Context) {
	guildID := c.Param("id")
	session := a.bot.session()

	var roles []*discordgo.Role
	if guild, err := session.StateGuild(guildID); err == nil {
		roles = guild.Roles
	} else {
		roles, err = session.GuildRoles(guildID, discordgo.WithContext(c))
		if err != nil {
			a.replyDiscordError(c, err)
			return
		}
	}

	rv := make([]GuildRole, 0, len(roles))
	for _, r := range roles {
		rv = append(
			rv,
			GuildRole{
				ID:       r.ID,
				Name:     r.Name,
				Color:    r.Color,
				Position: r.Position,
				Managed:  r.Managed,
			},
		)
	}
	slices.SortFunc(
		rv, func(x, y GuildRole) int {
			return y.Position - x.Position
		},
	)
	ginReplyOK(c, gin.H{"roles": rv})
}

func (a *BridgeAPI) stats(c *gin.Context) {
	ginReplyOK(c, gin.H{"stats": a.bot.Stats()})
}

func (a *BridgeAPI) commands(c *gin.Context) {
	registry := a.bot.Registry()
	if registry == nil {
		ginReplyError(c, http.StatusServiceUnavailable, "commands not loaded")
		return
	}
	ginReplyOK(c, gin.H{"commands": registry.Info()})
}

// replyDiscordError passes through discord's 404 and 403 responses, and
// replies 502 for anything else
func (a *BridgeAPI) replyDiscordError(c *gin.Context, err error) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			ginReplyError(c, http.StatusNotFound, "guild not found")
			return
		case http.StatusForbidden:
			ginReplyError(c, http.StatusForbidden, "bot can't access guild")
			return
		}
	}
	ginContextLogger(c).ErrorContext(c, "discord request failed", tint.Err(err))
	ginReplyError(c, http.StatusBadGateway, "discord request failed")
}

// SetBridgeKey stores the argon2id hash of key as the bridge key,
// replacing any existing one
func SetBridgeKey(ctx context.Context, store Store, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("bridge key can't be empty")
	}
	settings, err := store.BotSettings(ctx)
	if err != nil {
		return fmt.Errorf("error getting bot settings: %w", err)
	}
	hash, err := hashPassword(key)
	if err != nil {
		return fmt.Errorf("error hashing bridge key: %w", err)
	}
	settings.APIKeyHash = hash
	if err = store.SaveBotSettings(ctx, settings); err != nil {
		return fmt.Errorf("error saving bridge key: %w", err)
	}
	return nil
}

// GenerateBridgeKey returns a random 64-character hex key
func GenerateBridgeKey() (string, error) {
	return generateRandomHexString(64)
}

// VerifyBridgeKey reports whether key matches the stored bridge key hash.
// It returns false when no hash has been stored.
func VerifyBridgeKey(ctx context.Context, store Store, key string) (bool, error) {
	settings, err := store.BotSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("error getting bot settings: %w", err)
	}
	if settings.APIKeyHash == "" || key == "" {
		return false, nil
	}
	return verifyPassword(settings.APIKeyHash, key)
}

// Stats returns the current process statistics
func (b *Bot) Stats() BridgeStats {
	s := BridgeStats{
		StartedAt:        b.state.StartedAt(),
		UptimeSeconds:    int64(b.state.Uptime() / time.Second),
		CommandsExecuted: b.state.CommandsExecuted(),
		EventsHandled:    b.state.EventsHandled(),
		GatewayConnected: b.discord.connected.Load(),
		Maintenance:      b.state.Maintenance(),
		Version:          Version,
	}
	if b.discord.session != nil {
		s.Guilds = b.session().StateGuildCount()
	}
	if b.registry != nil {
		s.Commands = b.registry.Len()
	}
	return s
}
