package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bot is the gateway-connected process. It owns the store, the gateway
// session, the command registry and pipeline, the event dispatcher and the
// bridge API.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	// Handler for gorm and store logs, at the database log level
	dbLogHandler slog.Handler

	discord *Discord
	store   Store

	registry  *Registry
	cooldowns *CooldownTracker
	state     *ProcessState
	events    *EventDispatcher
	pipeline  *Pipeline
	alerts    *AlertSink
	bridge    *BridgeAPI
	openai    *OpenAI
	reminders *ReminderPoller

	ledger      *Ledger
	suggestions *SuggestionBoard
	tempVoice   *TempVoice

	now  func() time.Time
	draw func(n int) int

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// tracks event handler goroutines, so shutdown can wait on them
	runtimeWG sync.WaitGroup

	// signalReady has a value sent on it once the gateway session is open
	// and background workers have started
	signalReady chan struct{}
}

// New returns a Bot for config. Configuration problems found here are
// joined into the returned error, but the Bot is returned either way.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres, dbTypeMongoDB:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be 'sqlite', 'postgres' or 'mongodb')",
				config.DatabaseType,
			),
		)
	}
	if config.Discord == nil {
		return nil, errors.New("discord config missing")
	}
	if config.Economy == nil {
		errs = append(errs, errors.New("economy config missing"))
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		now:         time.Now,
		draw:        rand.IntN,
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.dbLogHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		newComponentLogger(defaultLogWriter, config.Discord.LogLevel, "discord"),
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.alerts = NewAlertSink(config.Alerts, config.HTTPClient, b.logger)
	b.state = NewProcessState(b.now())
	b.cooldowns = NewCooldownTracker(nil)

	if config.OpenAI != nil {
		b.openai = newOpenAI(config.OpenAI, config.HTTPClient)
	}

	if config.Bridge != nil && config.Bridge.Listen != "" {
		bridge, err := newBridgeAPI(b, config.Bridge)
		errs = append(errs, err)
		b.bridge = bridge
	}

	return b, errors.Join(errs...)
}

// ValidateConfig validates the sections of the config used by the bot
func (b *Bot) ValidateConfig() error {
	errs := []error{structValidator.Struct(b.config.Discord)}
	if b.config.Economy != nil {
		errs = append(errs, structValidator.Struct(b.config.Economy))
	}
	if b.config.Reminders != nil {
		errs = append(errs, structValidator.Struct(b.config.Reminders))
	}
	if b.config.Alerts != nil {
		errs = append(errs, structValidator.Struct(b.config.Alerts))
	}
	return errors.Join(errs...)
}

func (b *Bot) session() DiscordSessionHandler {
	return b.discord.session
}

// Registry returns the command registry, once Run has started
func (b *Bot) Registry() *Registry {
	return b.registry
}

// wire builds the registry, pipeline and feature services, and registers
// every event listener. The store and gateway session must already be set.
func (b *Bot) wire() error {
	registry, err := NewRegistry(builtinCommands()...)
	if err != nil {
		return fmt.Errorf("invalid command set: %w", err)
	}
	b.registry = registry

	b.events = NewEventDispatcher(
		b.logger.With(loggerNameKey, "events"),
		b.alerts,
		b.state,
	)
	b.pipeline = &Pipeline{
		bot:       b,
		registry:  registry,
		cooldowns: b.cooldowns,
		state:     b.state,
		store:     b.store,
		session:   b.session(),
		alerts:    b.alerts,
		logger:    b.logger.With(loggerNameKey, "pipeline"),
		now:       b.now,
	}

	b.ledger = NewLedger(b.store, b.config.Economy, b.now, b.draw)
	b.suggestions = NewSuggestionBoard(b.store, b.session(), b.now)
	b.tempVoice = NewTempVoice(
		b.store,
		b.session(),
		b.now,
		b.logger.With(loggerNameKey, "temp_voice"),
	)
	if b.config.Reminders != nil {
		b.reminders = NewReminderPoller(
			b.store,
			b.session(),
			b.config.Reminders,
			b.logger.With(loggerNameKey, "reminders"),
		)
	}

	b.registerListeners()
	return nil
}

// Run connects to the database and the discord gateway, and handles
// events until ctx is canceled
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	b.state = NewProcessState(b.now())
	if b.pipeline != nil {
		b.pipeline.state = b.state
	}

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if b.store == nil {
		store, err := OpenStore(startCtx, b.config, b.dbLogHandler)
		if err != nil {
			logger.ErrorContext(ctx, "error opening store", tint.Err(err))
			return fmt.Errorf("error opening store: %w", err)
		}
		b.store = store
	}

	if err := b.ensureBridgeKey(startCtx); err != nil {
		return err
	}
	if err := b.loadOwners(startCtx); err != nil {
		return err
	}

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	if err := b.wire(); err != nil {
		logger.ErrorContext(ctx, "error building commands", tint.Err(err))
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.bridge != nil {
		b.bridge.store = b.store
		go func() {
			if err := b.bridge.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving bridge API", tint.Err(err))
				cancel()
			}
		}()
	}

	b.addSessionHandlers(ctx)

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.session().Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if b.reminders != nil {
		b.spawn(ctx, "reminder_poller", b.reminders.Run)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return b.shutdown(ctx)
}

// addSessionHandlers registers the gateway handlers. Each event is handed
// to the dispatcher on its own goroutine.
func (b *Bot) addSessionHandlers(ctx context.Context) {
	session := b.session()
	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect),
		session.AddHandler(b.discord.handlerDisconnect),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				b.spawn(ctx, eventReady, func(ctx context.Context) {
					b.events.DispatchReady(ctx, r)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.spawn(ctx, eventMessage, func(ctx context.Context) {
					b.events.DispatchMessage(ctx, m)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				b.spawn(ctx, eventMemberJoin, func(ctx context.Context) {
					b.events.DispatchMemberJoin(ctx, m)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
				b.spawn(ctx, eventVoiceState, func(ctx context.Context) {
					b.events.DispatchVoiceState(ctx, v)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.spawn(ctx, eventInteraction, func(ctx context.Context) {
					b.events.DispatchInteraction(ctx, i)
				})
			},
		),
	}
}

// spawn runs fn on a goroutine tracked by the runtime WaitGroup. Panics
// are recovered and logged.
func (b *Bot) spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		defer func() {
			if r := recover(); r != nil {
				b.handleRecover(ctx, name, r)
			}
		}()
		fn(ctx)
	}()
}

// ensureBridgeKey stores the hash of the configured bridge key, if one is
// configured and it doesn't match the stored hash
func (b *Bot) ensureBridgeKey(ctx context.Context) error {
	if b.config.Bridge == nil || b.config.Bridge.Key == "" {
		return nil
	}
	ok, err := VerifyBridgeKey(ctx, b.store, b.config.Bridge.Key)
	if err != nil {
		b.logger.WarnContext(ctx, "error verifying stored bridge key", tint.Err(err))
	}
	if ok {
		return nil
	}
	b.logger.InfoContext(ctx, "storing hash of configured bridge key")
	return SetBridgeKey(ctx, b.store, b.config.Bridge.Key)
}

// loadOwners loads stored and configured bot owners into the process state
func (b *Bot) loadOwners(ctx context.Context) error {
	owners, err := b.store.BotOwners(ctx)
	if err != nil {
		return fmt.Errorf("error loading bot owners: %w", err)
	}
	for _, o := range owners {
		b.state.AddOwners(o.UserID)
	}
	b.state.AddOwners(b.config.Discord.OwnerIDs...)
	return nil
}

// prefixFor returns the text command prefix for the guild, or the default
// prefix for DMs or when the guild config can't be read
func (b *Bot) prefixFor(ctx context.Context, guildID string) string {
	fallback := b.config.Discord.DefaultPrefix
	if guildID == "" {
		return fallback
	}
	cfg, err := b.store.GuildConfig(ctx, guildID)
	if err != nil {
		loggerFrom(ctx, b.logger).WarnContext(
			ctx,
			"error getting guild config, using default prefix",
			tint.Err(err),
			"guild_id", guildID,
		)
		return fallback
	}
	return cfg.EffectivePrefix(fallback)
}

func (b *Bot) botUserID() string {
	if u := b.session().StateUser(); u != nil {
		return u.ID
	}
	return ""
}

// shutdown waits for in-flight handlers, up to the configured shutdown
// timeout, then closes the session and the store
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.WarnContext(ctx, "shutting down", "shutdown_timeout", b.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error

	if b.bridge != nil {
		if err := b.bridge.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down bridge: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		errs = append(errs, errors.New("in-flight handlers did not finish in time"))
	}

	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	if err := b.session().Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}

	b.alerts.Wait()

	if err := b.store.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("error closing store: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	}
	return err
}

// handleRecover logs a recovered panic with its stack, and forwards it to
// the alert webhook
func (b *Bot) handleRecover(ctx context.Context, name string, rc any) {
	logger := loggerFrom(ctx, b.logger)
	stackTrace := string(debug.Stack())

	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"goroutine", name,
		"stack_trace", stackTrace,
	)
	b.alerts.Notify(
		ctx,
		fmt.Sprintf("panic in `%s`", name),
		fmt.Sprintf("%s\n%s", err, truncate(stackTrace, 1500)),
	)
}
