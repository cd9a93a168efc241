//nolint:lll // struct tags can't be split
package guildhall

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "GUILDHALL_ENV_PREFIX"
	DefaultEnvPrefix      = "GH"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "guildhall.sqlite3"
	DefaultDatabaseName   = "guildhall"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultDiscordPrefix           = "!"
	DefaultDiscordPresenceInterval = 2 * time.Minute
	DefaultDiscordGatewayIntent    = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages

	DefaultEconomyDailyAmount   = 1000
	DefaultEconomyDailyCooldown = 24 * time.Hour
	DefaultEconomyWorkMin       = 100
	DefaultEconomyWorkMax       = 400
	DefaultEconomyWorkCooldown  = time.Hour

	DefaultBridgeListen   = "127.0.0.1:5100"
	DefaultBridgeURL      = "http://127.0.0.1:5100"
	DefaultBridgeLogLevel = slog.LevelInfo
	DefaultBridgeTimeout  = 5 * time.Second

	DefaultDashboardListen          = "127.0.0.1:5000"
	DefaultDashboardLogLevel        = slog.LevelInfo
	DefaultDashboardSessionMaxAge   = 6 * time.Hour
	DefaultDashboardTLSMinVersion   = tls.VersionTLS12
	DefaultDashboardCORSCredentials = true
	DefaultOAuthAuthURL             = "https://discord.com/oauth2/authorize"
	DefaultOAuthTokenURL            = "https://discord.com/api/oauth2/token"
	DefaultDiscordAPIURL            = "https://discord.com/api/v10"

	DefaultOpenAIModel                = openai.GPT4oMini
	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAILogLevel             = slog.LevelInfo

	DefaultAlertsMinInterval = 10 * time.Second

	DefaultReminderPollInterval = 30 * time.Second
	DefaultReminderBatchSize    = 50

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	defaultListenNetwork         = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour

	DefaultDiscordPresence = []string{"!help", "/help", "type !help for commands"}
)

type Config struct {
	// Database connection string, SQLite file path or MongoDB URI
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database: 'sqlite', 'postgres' or 'mongodb'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres mongodb"`

	// DatabaseName is the MongoDB database to use. Ignored for SQL databases.
	DatabaseName string `yaml:"database_name" mapstructure:"database_name" json:"database_name" binding:"required_if=DatabaseType mongodb"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to the database and the gateway. If this is passed, startup
	// is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight event handlers to
	// finish before connections are forcibly closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord"`
	Economy   *EconomyConfig   `yaml:"economy" mapstructure:"economy" json:"economy"`
	Bridge    *BridgeConfig    `yaml:"bridge" mapstructure:"bridge" json:"bridge"`
	Dashboard *DashboardConfig `yaml:"dashboard" mapstructure:"dashboard" json:"dashboard"`
	OpenAI    *OpenAIConfig    `yaml:"openai" mapstructure:"openai" json:"openai"`
	Alerts    *AlertsConfig    `yaml:"alerts" mapstructure:"alerts" json:"alerts"`
	Reminders *RemindersConfig `yaml:"reminders" mapstructure:"reminders" json:"reminders"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the gateway bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// OwnerIDs are seeded as bot owners on ready. When empty, the
	// application owner is used.
	OwnerIDs []string `yaml:"owner_ids" mapstructure:"owner_ids" json:"owner_ids"`

	// DefaultPrefix is used for text commands in guilds that haven't set one
	DefaultPrefix string `yaml:"default_prefix" mapstructure:"default_prefix" json:"default_prefix" binding:"required,max=5"`

	// Presence messages rotated every PresenceInterval
	Presence         []string      `yaml:"presence" mapstructure:"presence" json:"presence"`
	PresenceInterval time.Duration `yaml:"presence_interval" mapstructure:"presence_interval" json:"presence_interval" binding:"min=10s"`

	httpClient *http.Client
}

// EconomyConfig sets payouts and cooldowns for the economy commands
type EconomyConfig struct {
	DailyAmount   int64         `yaml:"daily_amount" mapstructure:"daily_amount" json:"daily_amount" binding:"min=1"`
	DailyCooldown time.Duration `yaml:"daily_cooldown" mapstructure:"daily_cooldown" json:"daily_cooldown"`
	WorkMin       int64         `yaml:"work_min" mapstructure:"work_min" json:"work_min" binding:"min=1"`
	WorkMax       int64         `yaml:"work_max" mapstructure:"work_max" json:"work_max" binding:"gtefield=WorkMin"`
	WorkCooldown  time.Duration `yaml:"work_cooldown" mapstructure:"work_cooldown" json:"work_cooldown"`
}

// BridgeConfig configures the internal API served by the bot process, and
// the client the dashboard uses to reach it.
type BridgeConfig struct {
	// The address and port on which the bot should listen (e.g., "127.0.0.1:5100").
	// Leave empty to disable the bridge.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Key is the shared bearer key. The bot stores its argon2 hash on
	// startup if no hash has been stored by `init`.
	Key string `yaml:"key" mapstructure:"key" json:"key" log:"[redacted]"`

	// URL the dashboard uses to reach the bridge
	URL string `yaml:"url" mapstructure:"url" json:"url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Timeout for dashboard requests to the bridge
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DashboardConfig configures the web dashboard
type DashboardConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. TLS is enabled when both Cert and Key are set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the dashboard server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	OAuth OAuthConfig `yaml:"oauth" mapstructure:"oauth" json:"oauth"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', CORS allows any origin and pprof is registered.
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// OAuthConfig holds the Discord OAuth2 application credentials. The URL
// fields only need to be set when pointing at something other than Discord.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id" json:"client_id" binding:"required"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret" json:"client_secret" log:"[redacted]" binding:"required"`
	RedirectURL  string `yaml:"redirect_url" mapstructure:"redirect_url" json:"redirect_url" binding:"required,url"`
	AuthURL      string `yaml:"auth_url" mapstructure:"auth_url" json:"auth_url" binding:"omitempty,url"`
	TokenURL     string `yaml:"token_url" mapstructure:"token_url" json:"token_url" binding:"omitempty,url"`
	APIURL       string `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"omitempty,url"`
}

// OpenAIConfig configures the `ask` command. The command replies with an
// error when Token is empty.
type OpenAIConfig struct {
	Token                string         `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	Model                string         `yaml:"model" mapstructure:"model" json:"model"`
	MaxRequestsPerSecond float64        `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
	LogLevel             *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// AlertsConfig configures the webhook that receives recovered panics and
// command failures
type AlertsConfig struct {
	WebhookURL  string        `yaml:"webhook_url" mapstructure:"webhook_url" json:"webhook_url" log:"[redacted]" binding:"omitempty,url"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval" json:"min_interval"`
}

type RemindersConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size" binding:"min=1"`
}

func validateEconomyConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(EconomyConfig)
	if c.DailyCooldown < 0 {
		sl.ReportError(c.DailyCooldown, "DailyCooldown", "daily_cooldown", "min", "0")
	}
	if c.WorkCooldown < 0 {
		sl.ReportError(c.WorkCooldown, "WorkCooldown", "work_cooldown", "min", "0")
	}
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultDashboardCORSCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	bridgeLogLevel := &slog.LevelVar{}
	dashboardLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	bridgeLogLevel.Set(DefaultBridgeLogLevel)
	dashboardLogLevel.Set(DefaultDashboardLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)

	presence := make([]string, len(DefaultDiscordPresence))
	copy(presence, DefaultDiscordPresence)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseName:          DefaultDatabaseName,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			DefaultPrefix:     DefaultDiscordPrefix,
			Presence:          presence,
			PresenceInterval:  DefaultDiscordPresenceInterval,
		},
		Economy: &EconomyConfig{
			DailyAmount:   DefaultEconomyDailyAmount,
			DailyCooldown: DefaultEconomyDailyCooldown,
			WorkMin:       DefaultEconomyWorkMin,
			WorkMax:       DefaultEconomyWorkMax,
			WorkCooldown:  DefaultEconomyWorkCooldown,
		},
		Bridge: &BridgeConfig{
			Listen:            DefaultBridgeListen,
			ListenNetwork:     defaultListenNetwork,
			URL:               DefaultBridgeURL,
			LogLevel:          bridgeLogLevel,
			Timeout:           DefaultBridgeTimeout,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		Dashboard: &DashboardConfig{
			Listen:        DefaultDashboardListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultDashboardTLSMinVersion,
			},
			LogLevel:          dashboardLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultDashboardSessionMaxAge,
			CORS:              DefaultCORSConfig(),
			OAuth: OAuthConfig{
				AuthURL:  DefaultOAuthAuthURL,
				TokenURL: DefaultOAuthTokenURL,
				APIURL:   DefaultDiscordAPIURL,
			},
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		Alerts: &AlertsConfig{
			MinInterval: DefaultAlertsMinInterval,
		},
		Reminders: &RemindersConfig{
			PollInterval: DefaultReminderPollInterval,
			BatchSize:    DefaultReminderBatchSize,
		},
	}
}
