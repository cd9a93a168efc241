package cmd

import (
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// resetConfig restores the package-level config state once the test ends,
// since viper overrides set by initConfig persist between executions
func resetConfig(t testing.TB) {
	t.Helper()
	t.Cleanup(
		func() {
			viper.Reset()
			cfg = guildhall.DefaultConfig()
			configFile = ""
			commandsFormat = "yaml"
			rootCmd.SetArgs(nil)
		},
	)
}

// clearEnv empties the environment for the duration of the test
func clearEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

GH_DATABASE=/home/foo/guildhall.sqlite3
GH_DATABASE_TYPE=sqlite
GH_DATABASE_LOG_LEVEL=INFO
GH_DATABASE_SLOW_THRESHOLD=250ms
GH_LOG_LEVEL=DEBUG
GH_STARTUP_TIMEOUT=30s
GH_SHUTDOWN_TIMEOUT=60s

# Discord bot config

GH_DISCORD_TOKEN=your-discord-bot-token
GH_DISCORD_APPLICATION_ID=your-discord-bot-app-id
GH_DISCORD_GUILD_ID=
GH_DISCORD_LOG_LEVEL=WARN
GH_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
GH_DISCORD_GATEWAY_INTENTS=3243773
GH_DISCORD_OWNER_IDS=111111111111111111 222222222222222222
GH_DISCORD_DEFAULT_PREFIX=?
GH_DISCORD_PRESENCE_INTERVAL=5m

# Economy

GH_ECONOMY_DAILY_AMOUNT=500
GH_ECONOMY_DAILY_COOLDOWN=12h
GH_ECONOMY_WORK_MIN=10
GH_ECONOMY_WORK_MAX=20

# Bridge

GH_BRIDGE_LISTEN=127.0.0.1:6100
GH_BRIDGE_URL=http://127.0.0.1:6100
GH_BRIDGE_KEY=your-bridge-key
GH_BRIDGE_LOG_LEVEL=WARN
GH_BRIDGE_TIMEOUT=2s

# Dashboard

GH_DASHBOARD_LISTEN=127.0.0.1:6000
GH_DASHBOARD_SECRET=your-dashboard-secret
GH_DASHBOARD_LOG_LEVEL=DEBUG
GH_DASHBOARD_SSL_CERT=/etc/ssl/cert.pem
GH_DASHBOARD_SSL_KEY=/etc/ssl/key.pem
GH_DASHBOARD_SSL_TLS_MIN_VERSION=772
GH_DASHBOARD_SESSION_MAX_AGE=2h
GH_DASHBOARD_DEVELOPMENT=true
GH_DASHBOARD_OAUTH_CLIENT_ID=your-client-id
GH_DASHBOARD_OAUTH_CLIENT_SECRET=your-client-secret
GH_DASHBOARD_OAUTH_REDIRECT_URL=https://127.0.0.1:6000/callback
GH_DASHBOARD_CORS_ALLOW_ORIGINS=https://127.0.0.1:6000 https://localhost:6000
GH_DASHBOARD_CORS_ALLOW_METHODS=GET POST PATCH DELETE
GH_DASHBOARD_CORS_MAX_AGE=1h

# OpenAI

GH_OPENAI_TOKEN=your-openai-token
GH_OPENAI_MODEL=gpt-4o
GH_OPENAI_MAX_REQUESTS_PER_SECOND=0.5

# Alerts and reminders

GH_ALERTS_WEBHOOK_URL=https://discord.com/api/webhooks/1/abc
GH_ALERTS_MIN_INTERVAL=1m
GH_REMINDERS_POLL_INTERVAL=15s
GH_REMINDERS_BATCH_SIZE=10
`

	err := os.WriteFile(envFile, []byte(envContent), 0o644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/guildhall.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("bridge.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("dashboard.log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))
	assert.Equal(
		t,
		[]string{"111111111111111111", "222222222222222222"},
		viper.GetStringSlice("discord.owner_ids"),
	)
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("dashboard.ssl.cert"))
	assert.Equal(t, 772, viper.GetInt("dashboard.ssl.tls_min_version"))
	assert.Equal(
		t,
		"https://discord.com/api/webhooks/1/abc",
		viper.GetString("alerts.webhook_url"),
	)

	assert.Equal(t, "/home/foo/guildhall.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.Equal(
		t,
		[]string{"111111111111111111", "222222222222222222"},
		cfg.Discord.OwnerIDs,
	)
	assert.Equal(t, "?", cfg.Discord.DefaultPrefix)
	assert.Equal(t, guildhall.DefaultDiscordPresence, cfg.Discord.Presence)
	assert.Equal(t, 5*time.Minute, cfg.Discord.PresenceInterval)

	assert.Equal(t, int64(500), cfg.Economy.DailyAmount)
	assert.Equal(t, 12*time.Hour, cfg.Economy.DailyCooldown)
	assert.Equal(t, int64(10), cfg.Economy.WorkMin)
	assert.Equal(t, int64(20), cfg.Economy.WorkMax)
	assert.Equal(t, guildhall.DefaultEconomyWorkCooldown, cfg.Economy.WorkCooldown)

	assert.Equal(t, "127.0.0.1:6100", cfg.Bridge.Listen)
	assert.Equal(t, "tcp", cfg.Bridge.ListenNetwork)
	assert.Equal(t, "http://127.0.0.1:6100", cfg.Bridge.URL)
	assert.Equal(t, "your-bridge-key", cfg.Bridge.Key)
	assert.Equal(t, slog.LevelWarn, cfg.Bridge.LogLevel.Level())
	assert.Equal(t, 2*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, guildhall.DefaultWriteTimeout, cfg.Bridge.WriteTimeout)

	assert.Equal(t, "127.0.0.1:6000", cfg.Dashboard.Listen)
	assert.Equal(t, "your-dashboard-secret", cfg.Dashboard.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.Dashboard.LogLevel.Level())
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.Dashboard.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.Dashboard.SSL.Key)
	assert.Equal(t, uint16(772), cfg.Dashboard.SSL.TLSMinVersion)
	assert.True(t, cfg.Dashboard.SSL.Enabled())
	assert.Equal(t, 2*time.Hour, cfg.Dashboard.SessionMaxAge)
	assert.True(t, cfg.Dashboard.Development)
	assert.Equal(t, "your-client-id", cfg.Dashboard.OAuth.ClientID)
	assert.Equal(t, "your-client-secret", cfg.Dashboard.OAuth.ClientSecret)
	assert.Equal(t, "https://127.0.0.1:6000/callback", cfg.Dashboard.OAuth.RedirectURL)
	assert.Equal(t, guildhall.DefaultOAuthTokenURL, cfg.Dashboard.OAuth.TokenURL)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:6000", "https://localhost:6000"},
		cfg.Dashboard.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PATCH", "DELETE"},
		cfg.Dashboard.CORS.AllowMethods,
	)
	assert.Equal(t, guildhall.DefaultCORSAllowHeaders, cfg.Dashboard.CORS.AllowHeaders)
	assert.Equal(t, time.Hour, cfg.Dashboard.CORS.MaxAge)

	assert.Equal(t, "your-openai-token", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 0.5, cfg.OpenAI.MaxRequestsPerSecond)

	assert.Equal(t, "https://discord.com/api/webhooks/1/abc", cfg.Alerts.WebhookURL)
	assert.Equal(t, time.Minute, cfg.Alerts.MinInterval)
	assert.Equal(t, 15*time.Second, cfg.Reminders.PollInterval)
	assert.Equal(t, 10, cfg.Reminders.BatchSize)

	// A fresh unmarshal should agree with what PersistentPreRun loaded
	var config guildhall.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	assert.Equal(t, cfg.Database, config.Database)
	assert.Equal(t, cfg.Discord.OwnerIDs, config.Discord.OwnerIDs)
	assert.Equal(t, slog.LevelDebug, config.Dashboard.LogLevel.Level())
}

func TestShorterSliceOverridesDefaults(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	require.NoError(t, os.Setenv("GH_DISCORD_PRESENCE", "hello"))
	require.NoError(t, os.Setenv("GH_DASHBOARD_CORS_ALLOW_HEADERS", "Content-Type"))

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	require.Greater(t, len(guildhall.DefaultDiscordPresence), 1)
	assert.Equal(t, []string{"hello"}, cfg.Discord.Presence)
	assert.Equal(t, []string{"Content-Type"}, cfg.Dashboard.CORS.AllowHeaders)
	assert.Equal(t, guildhall.DefaultCORSAllowMethods, cfg.Dashboard.CORS.AllowMethods)
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	defaults := guildhall.DefaultConfig()
	assert.Equal(t, defaults.Database, cfg.Database)
	assert.Equal(t, defaults.DatabaseType, cfg.DatabaseType)
	assert.Equal(t, defaults.LogLevel.Level(), cfg.LogLevel.Level())
	assert.Equal(t, defaults.Discord.DefaultPrefix, cfg.Discord.DefaultPrefix)
	assert.Equal(t, defaults.Discord.GatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, defaults.Economy.DailyAmount, cfg.Economy.DailyAmount)
	assert.Equal(t, defaults.Bridge.Listen, cfg.Bridge.Listen)
	assert.Equal(t, defaults.Dashboard.SessionMaxAge, cfg.Dashboard.SessionMaxAge)
	assert.Equal(t, defaults.Dashboard.SSL.TLSMinVersion, cfg.Dashboard.SSL.TLSMinVersion)
	assert.Empty(t, cfg.Dashboard.CORS.AllowOrigins)
	assert.Equal(t, defaults.Reminders.BatchSize, cfg.Reminders.BatchSize)
}

func TestLevelToStringHookFunc(t *testing.T) {
	var target struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &target,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "warn"}))
	assert.Equal(t, slog.LevelWarn, target.Level.Level())

	err = decoder.Decode(map[string]any{"level": "loud"})
	assert.Error(t, err)
}
