package guildhall

import (
	"context"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

const (
	testAccessToken       = "test-access-token"
	testDashboardUserID   = "300000000000000001"
	testOwnedGuildID      = "200000000000000050"
	testUnmanagedGuildID  = "200000000000000051"
	testDashboardClientID = "100000000000000001"
)

// discordOAuthStub serves the OAuth2 token endpoint and the user
// endpoints the dashboard calls at login
func discordOAuthStub(t testing.TB) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/api/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(
				[]byte(`{"access_token":"` + testAccessToken + `","token_type":"Bearer","expires_in":604800}`),
			)
		},
	)
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		w.Header().Set("Content-Type", "application/json")
		return true
	}
	mux.HandleFunc(
		"/api/users/@me", func(w http.ResponseWriter, r *http.Request) {
			if !authorized(w, r) {
				return
			}
			_, _ = w.Write([]byte(`{"id":"` + testDashboardUserID + `","username":"alice","global_name":"Alice"}`))
		},
	)
	mux.HandleFunc(
		"/api/users/@me/guilds", func(w http.ResponseWriter, r *http.Request) {
			if !authorized(w, r) {
				return
			}
			_ = json.NewEncoder(w).Encode(
				[]oauthGuild{
					{ID: testGuildID, Name: "Guild Hall", Permissions: "32"},
					{ID: testOwnedGuildID, Name: "Mine", Owner: true, Permissions: "0"},
					{ID: testUnmanagedGuildID, Name: "Elsewhere", Permissions: "3072"},
				},
			)
		},
	)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// dashboardClient drives a Dashboard's handlers, carrying cookies between
// requests like a browser
type dashboardClient struct {
	t       testing.TB
	d       *Dashboard
	store   Store
	cookies map[string]*http.Cookie
}

func newTestDashboard(t testing.TB, bridgeURL string) *dashboardClient {
	t.Helper()
	stub := discordOAuthStub(t)

	cfg := DefaultTestConfig(t)
	cfg.HTTPClient = stub.Client()
	cfg.Dashboard.Secret = "dashboard-test-secret"
	cfg.Dashboard.OAuth = OAuthConfig{
		ClientID:     testDashboardClientID,
		ClientSecret: "client-secret",
		RedirectURL:  "https://dashboard.example.com/callback",
		AuthURL:      stub.URL + "/oauth2/authorize",
		TokenURL:     stub.URL + "/api/oauth2/token",
		APIURL:       stub.URL + "/api",
	}
	cfg.Bridge.URL = bridgeURL
	cfg.Bridge.Key = testBridgeKey

	store := newTestStore(t, cfg)
	d, err := NewDashboard(cfg, store)
	require.NoError(t, err)
	return &dashboardClient{t: t, d: d, store: store, cookies: map[string]*http.Cookie{}}
}

func (dc *dashboardClient) do(method string, target string, body string) *httptest.ResponseRecorder {
	dc.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range dc.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	dc.d.engine.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(dc.cookies, c.Name)
			continue
		}
		dc.cookies[c.Name] = c
	}
	return w
}

func (dc *dashboardClient) login() {
	dc.t.Helper()
	w := dc.do(http.MethodGet, "/login", "")
	require.Equal(dc.t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(dc.t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(dc.t, state)

	w = dc.do(http.MethodGet, "/callback?state="+state+"&code=good-code", "")
	require.Equal(dc.t, http.StatusFound, w.Code, w.Body.String())
	require.Equal(dc.t, "/", w.Header().Get("Location"))
}

func TestDashboardLogin(t *testing.T) {
	dc := newTestDashboard(t, "")

	w := dc.do(http.MethodGet, "/api/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = dc.do(http.MethodGet, "/login", "")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/authorize", loc.Path)
	assert.Equal(t, testDashboardClientID, loc.Query().Get("client_id"))
	assert.Equal(t, "identify guilds", loc.Query().Get("scope"))

	sessionCookie := dc.cookies[sessionName]
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, sessionCookie.SameSite)

	dc.login()

	w = dc.do(http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		User sessionUser `json:"user"`
	}
	decodeBody(t, w, &me)
	assert.Equal(t, testDashboardUserID, me.User.ID)
	assert.Equal(t, "Alice", me.User.Username)

	// only guilds the user can manage are kept
	var ids []string
	for _, g := range me.User.Guilds {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{testGuildID, testOwnedGuildID}, ids)

	w = dc.do(http.MethodPost, "/logout", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = dc.do(http.MethodGet, "/api/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDashboardCallbackRejectsBadState(t *testing.T) {
	dc := newTestDashboard(t, "")

	w := dc.do(http.MethodGet, "/callback?state=nope&code=good-code", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = dc.do(http.MethodGet, "/login", "")
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")

	w = dc.do(http.MethodGet, "/callback?state="+state+"&code=bad-code", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// the state is single use
	w = dc.do(http.MethodGet, "/callback?state="+state+"&code=good-code", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDashboardGuildAccess(t *testing.T) {
	dc := newTestDashboard(t, "")

	w := dc.do(http.MethodGet, "/api/guilds/"+testGuildID+"/settings", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = dc.do(http.MethodGet, "/guilds/"+testGuildID, "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	dc.login()

	w = dc.do(http.MethodGet, "/api/guilds/"+testUnmanagedGuildID+"/settings", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = dc.do(http.MethodGet, "/api/guilds/200000000000000099/settings", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = dc.do(http.MethodGet, "/api/guilds/"+testOwnedGuildID+"/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rv struct {
		Settings GuildConfig `json:"settings"`
	}
	decodeBody(t, w, &rv)
	assert.Equal(t, testOwnedGuildID, rv.Settings.GuildID)
	assert.Equal(t, DefaultWelcomeMessage, rv.Settings.Welcome.Message)

	w = dc.do(http.MethodGet, "/guilds/"+testGuildID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Guild Hall")
}

func TestDashboardPatchSettings(t *testing.T) {
	dc := newTestDashboard(t, "")
	dc.login()
	ctx := context.Background()
	path := "/api/guilds/" + testGuildID + "/settings"

	w := dc.do(
		http.MethodPatch,
		path,
		`{"guild_id":"1","prefix":"?","features":{"suggestions":true},"revision":99}`,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cfg, err := dc.store.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testGuildID, cfg.GuildID)
	assert.Equal(t, "?", cfg.Prefix)
	assert.True(t, cfg.Features.Suggestions)
	assert.False(t, cfg.Features.Welcome)
	assert.Equal(t, DefaultWelcomeMessage, cfg.Welcome.Message)
	assert.NotEqual(t, int64(99), cfg.Revision)

	tests := []struct {
		body string
		msg  string
	}{
		{`[]`, "request body must be a JSON object"},
		{`not json`, "request body must be a JSON object"},
		{`{"colour":1}`, "invalid request"},
		{`{"prefix":"a b"}`, "prefix can't contain whitespace"},
		{`{"prefix":"toolong"}`, "prefix"},
	}
	for _, tc := range tests {
		w = dc.do(http.MethodPatch, path, tc.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.body)
		var apiErr apiError
		decodeBody(t, w, &apiErr)
		assert.Contains(t, apiErr.Error, tc.msg, tc.body)
	}

	cfg, err = dc.store.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "?", cfg.Prefix)
}

func TestDashboardPatchPreservesBotOwnedFields(t *testing.T) {
	dc := newTestDashboard(t, "")
	dc.login()
	ctx := context.Background()

	_, err := dc.store.UpdateTempVCConfig(
		ctx, testGuildID, func(c *TempVCConfig) error {
			c.Channels = []TempChannel{{ChannelID: "200000000000000060", OwnerID: testDashboardUserID}}
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(
		t,
		dc.store.CreateSuggestion(ctx, &Suggestion{GuildID: testGuildID, AuthorID: testDashboardUserID, Content: "more channels"}),
	)

	w := dc.do(
		http.MethodPatch,
		"/api/guilds/"+testGuildID+"/temp-vc",
		`{"default_limit":5,"channels":[]}`,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tvc, err := dc.store.TempVCConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 5, tvc.DefaultLimit)
	require.Len(t, tvc.Channels, 1)
	assert.Equal(t, "200000000000000060", tvc.Channels[0].ChannelID)

	w = dc.do(
		http.MethodPatch,
		"/api/guilds/"+testGuildID+"/suggestions",
		`{"channel_id":"200000000000000010","counter":0}`,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ss, err := dc.store.SuggestionSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "200000000000000010", ss.ChannelID)
	assert.Equal(t, int64(1), ss.Counter)

	w = dc.do(
		http.MethodPatch,
		"/api/guilds/"+testGuildID+"/alt-detector",
		`{"enabled":true,"min_account_age_days":0}`,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDashboardAutoResponsesAndCustomCommands(t *testing.T) {
	dc := newTestDashboard(t, "")
	dc.login()
	base := "/api/guilds/" + testGuildID

	w := dc.do(http.MethodPost, base+"/auto-responses", `{"trigger":"hello","response":"hi!"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created struct {
		AutoResponse AutoResponse `json:"auto_response"`
		Created      bool         `json:"created"`
	}
	decodeBody(t, w, &created)
	assert.True(t, created.Created)
	assert.Equal(t, MatchModeContains, created.AutoResponse.MatchMode)
	assert.Equal(t, testDashboardUserID, created.AutoResponse.CreatedBy)

	w = dc.do(http.MethodPost, base+"/auto-responses", `{"trigger":"hello","response":"hi","match_mode":"regex"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = dc.do(http.MethodGet, base+"/auto-responses", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		AutoResponses []AutoResponse `json:"auto_responses"`
	}
	decodeBody(t, w, &list)
	assert.Len(t, list.AutoResponses, 1)

	w = dc.do(http.MethodDelete, base+"/auto-responses/hello", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = dc.do(http.MethodDelete, base+"/auto-responses/hello", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = dc.do(http.MethodPost, base+"/custom-commands", `{"name":"Rules","response":"be nice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cmd, err := dc.store.CustomCommand(context.Background(), testGuildID, "rules")
	require.NoError(t, err)
	assert.Equal(t, "be nice", cmd.Response)

	w = dc.do(http.MethodPost, base+"/custom-commands", `{"name":"balance","response":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var apiErr apiError
	decodeBody(t, w, &apiErr)
	assert.Equal(t, `"balance" is a built-in command`, apiErr.Error)

	w = dc.do(http.MethodPost, base+"/custom-commands", `{"name":"no spaces","response":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = dc.do(http.MethodDelete, base+"/custom-commands/RULES", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDashboardPublicAPI(t *testing.T) {
	dc := newTestDashboard(t, "")
	ctx := context.Background()

	// no bridge, so commands come from the built-in definitions
	w := dc.do(http.MethodGet, "/api/commands", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cmds struct {
		Commands []CommandInfo `json:"commands"`
	}
	decodeBody(t, w, &cmds)
	registry, err := builtinRegistry()
	require.NoError(t, err)
	assert.Len(t, cmds.Commands, registry.Len())

	w = dc.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		BotOnline bool         `json:"bot_online"`
		Commands  CommandStats `json:"commands"`
	}
	decodeBody(t, w, &stats)
	assert.False(t, stats.BotOnline)

	w = dc.do(http.MethodGet, "/api/users/"+testDashboardUserID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = dc.do(http.MethodGet, "/api/users/alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err = dc.store.UpdateAccount(
		ctx, testDashboardUserID, func(a *UserAccount) error {
			a.Wallet = 150
			a.Bank = 50
			a.Warnings = []Warning{{GuildID: testGuildID, Reason: "private"}}
			return nil
		},
	)
	require.NoError(t, err)

	w = dc.do(http.MethodGet, "/api/users/"+testDashboardUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "private")
	var profile struct {
		User userProfile `json:"user"`
	}
	decodeBody(t, w, &profile)
	assert.Equal(t, int64(200), profile.User.NetWorth)

	w = dc.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardUsesBridge(t *testing.T) {
	tb := newTestBot(t)
	api := newTestBridge(t, tb)
	tb.mock.calls.setStateGuild(
		&discordgo.Guild{
			ID:       testGuildID,
			Channels: []*discordgo.Channel{{ID: "1", Name: "general"}},
		},
	)
	bridgeSrv := httptest.NewServer(api.engine)
	t.Cleanup(bridgeSrv.Close)

	dc := newTestDashboard(t, bridgeSrv.URL)
	dc.login()

	w := dc.do(http.MethodGet, "/api/guilds/"+testGuildID+"/channels", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv struct {
		Channels []GuildChannel `json:"channels"`
	}
	decodeBody(t, w, &rv)
	require.Len(t, rv.Channels, 1)
	assert.Equal(t, "general", rv.Channels[0].Name)

	// the bot isn't in the owned guild
	w = dc.do(http.MethodGet, "/api/guilds/"+testOwnedGuildID+"/channels", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = dc.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		BotOnline bool        `json:"bot_online"`
		Bot       BridgeStats `json:"bot"`
	}
	decodeBody(t, w, &stats)
	assert.True(t, stats.BotOnline)
	assert.Equal(t, 1, stats.Bot.Guilds)

	bridgeSrv.Close()
	w = dc.do(http.MethodGet, "/api/guilds/"+testGuildID+"/roles", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
