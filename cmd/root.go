package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = guildhall.DefaultConfig()
	configFile string
)

// logLevelKeys are converted from strings to *slog.LevelVar before
// unmarshalling
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"bridge.log_level",
	"dashboard.log_level",
	"openai.log_level",
}

// stringSliceKeys may be set from the environment as space-separated
// strings
var stringSliceKeys = []string{
	"discord.owner_ids",
	"discord.presence",
	"dashboard.cors.allow_origins",
	"dashboard.cors.allow_methods",
	"dashboard.cors.allow_headers",
	"dashboard.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "guildhall [flags]",
	Short: "Discord community bot with a web dashboard",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		clearSliceFields(cfg)
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// clearSliceFields drops the slice values DefaultConfig populated.
// mapstructure writes decoded slices over the existing elements without
// truncating, so a shorter configured list would keep the defaults' tail.
// Every stringSliceKeys entry has a viper default, so nothing is lost.
func clearSliceFields(c *guildhall.Config) {
	if c.Discord != nil {
		c.Discord.OwnerIDs = nil
		c.Discord.Presence = nil
	}
	if c.Dashboard != nil {
		c.Dashboard.CORS.AllowOrigins = nil
		c.Dashboard.CORS.AllowMethods = nil
		c.Dashboard.CORS.AllowHeaders = nil
		c.Dashboard.CORS.ExposeHeaders = nil
	}
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names like "DEBUG" into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", guildhall.DefaultDatabase)
	viper.SetDefault("database_type", guildhall.DefaultDatabaseType)
	viper.SetDefault("database_name", guildhall.DefaultDatabaseName)
	viper.SetDefault(
		"database_slow_threshold",
		guildhall.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		guildhall.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", guildhall.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", guildhall.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildhall.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		guildhall.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		guildhall.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		guildhall.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.default_prefix", guildhall.DefaultDiscordPrefix)
	viper.SetDefault("discord.presence", guildhall.DefaultDiscordPresence)
	viper.SetDefault(
		"discord.presence_interval",
		guildhall.DefaultDiscordPresenceInterval,
	)

	// Economy
	viper.SetDefault("economy.daily_amount", guildhall.DefaultEconomyDailyAmount)
	viper.SetDefault(
		"economy.daily_cooldown",
		guildhall.DefaultEconomyDailyCooldown,
	)
	viper.SetDefault("economy.work_min", guildhall.DefaultEconomyWorkMin)
	viper.SetDefault("economy.work_max", guildhall.DefaultEconomyWorkMax)
	viper.SetDefault("economy.work_cooldown", guildhall.DefaultEconomyWorkCooldown)

	// Bridge
	viper.SetDefault("bridge.listen", guildhall.DefaultBridgeListen)
	viper.SetDefault("bridge.listen_network", "tcp")
	viper.SetDefault("bridge.key", "")
	viper.SetDefault("bridge.url", guildhall.DefaultBridgeURL)
	viper.SetDefault("bridge.log_level", guildhall.DefaultBridgeLogLevel.String())
	viper.SetDefault("bridge.timeout", guildhall.DefaultBridgeTimeout)
	viper.SetDefault("bridge.read_timeout", guildhall.DefaultReadTimeout)
	viper.SetDefault(
		"bridge.read_header_timeout",
		guildhall.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("bridge.write_timeout", guildhall.DefaultWriteTimeout)
	viper.SetDefault("bridge.idle_timeout", guildhall.DefaultIdleTimeout)

	// Dashboard
	viper.SetDefault("dashboard.listen", guildhall.DefaultDashboardListen)
	viper.SetDefault("dashboard.listen_network", "tcp")
	viper.SetDefault("dashboard.secret", "")
	viper.SetDefault(
		"dashboard.log_level",
		guildhall.DefaultDashboardLogLevel.String(),
	)
	viper.SetDefault(
		"dashboard.session_max_age",
		guildhall.DefaultDashboardSessionMaxAge,
	)
	viper.SetDefault("dashboard.read_timeout", guildhall.DefaultReadTimeout)
	viper.SetDefault(
		"dashboard.read_header_timeout",
		guildhall.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("dashboard.write_timeout", guildhall.DefaultWriteTimeout)
	viper.SetDefault("dashboard.idle_timeout", guildhall.DefaultIdleTimeout)
	viper.SetDefault("dashboard.development", false)

	// Dashboard: OAuth
	viper.SetDefault("dashboard.oauth.client_id", "")
	viper.SetDefault("dashboard.oauth.client_secret", "")
	viper.SetDefault("dashboard.oauth.redirect_url", "")
	viper.SetDefault("dashboard.oauth.auth_url", guildhall.DefaultOAuthAuthURL)
	viper.SetDefault("dashboard.oauth.token_url", guildhall.DefaultOAuthTokenURL)
	viper.SetDefault("dashboard.oauth.api_url", guildhall.DefaultDiscordAPIURL)

	// Dashboard: CORS
	viper.SetDefault(
		"dashboard.cors.allow_headers",
		guildhall.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"dashboard.cors.allow_methods",
		guildhall.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"dashboard.cors.expose_headers",
		guildhall.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("dashboard.cors.allow_origins", []string{})
	viper.SetDefault("dashboard.cors.max_age", guildhall.DefaultCORSMaxAge)
	viper.SetDefault(
		"dashboard.cors.allow_credentials",
		guildhall.DefaultDashboardCORSCredentials,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Dashboard: SSL
	fatalErr(viper.BindEnv("dashboard.ssl.cert"))
	fatalErr(viper.BindEnv("dashboard.ssl.key"))
	viper.SetDefault(
		"dashboard.ssl.tls_min_version",
		guildhall.DefaultDashboardTLSMinVersion,
	)

	// OpenAI
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", guildhall.DefaultOpenAIModel)
	viper.SetDefault(
		"openai.max_requests_per_second",
		guildhall.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", guildhall.DefaultOpenAILogLevel.String())

	// Alerts
	fatalErr(viper.BindEnv("alerts.webhook_url"))
	viper.SetDefault("alerts.min_interval", guildhall.DefaultAlertsMinInterval)

	// Reminders
	viper.SetDefault(
		"reminders.poll_interval",
		guildhall.DefaultReminderPollInterval,
	)
	viper.SetDefault("reminders.batch_size", guildhall.DefaultReminderBatchSize)

	envPrefix := os.Getenv(guildhall.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildhall.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
