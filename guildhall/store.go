package guildhall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflicting concurrent update")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyResolved   = errors.New("suggestion already resolved")

	// errSkipWrite can be returned from an update function to leave the
	// stored document unchanged
	errSkipWrite = errors.New("skip write")
)

// Store persists every guildhall document. Update methods take a function
// which receives the current document (or its defaults, if it doesn't
// exist yet) and mutates it in place. The function may be called more than
// once if a concurrent writer wins, so it must not have side effects beyond
// the document.
type Store interface {
	GuildConfig(ctx context.Context, guildID string) (GuildConfig, error)
	UpdateGuildConfig(
		ctx context.Context,
		guildID string,
		fn func(*GuildConfig) error,
	) (GuildConfig, error)

	Account(ctx context.Context, userID string) (UserAccount, error)
	GetOrCreateAccount(ctx context.Context, userID string) (UserAccount, error)
	UpdateAccount(
		ctx context.Context,
		userID string,
		fn func(*UserAccount) error,
	) (UserAccount, error)
	// Transfer moves amount from one wallet to another. ErrInsufficientFunds
	// is returned if the sender's wallet can't cover it.
	Transfer(
		ctx context.Context,
		fromUserID string,
		toUserID string,
		amount int64,
	) (from UserAccount, to UserAccount, err error)

	// UpsertAutoResponse creates the response for (guild, trigger), or
	// updates the existing one. created reports whether it was new.
	UpsertAutoResponse(ctx context.Context, ar AutoResponse) (
		result AutoResponse,
		created bool,
		err error,
	)
	DeleteAutoResponse(ctx context.Context, guildID string, trigger string) error
	AutoResponses(ctx context.Context, guildID string) ([]AutoResponse, error)

	UpsertCustomCommand(ctx context.Context, cc CustomCommand) (
		result CustomCommand,
		created bool,
		err error,
	)
	DeleteCustomCommand(ctx context.Context, guildID string, name string) error
	CustomCommands(ctx context.Context, guildID string) ([]CustomCommand, error)
	CustomCommand(ctx context.Context, guildID string, name string) (
		CustomCommand,
		error,
	)
	IncrementCustomCommandUses(ctx context.Context, guildID string, name string) error

	SuggestionSettings(ctx context.Context, guildID string) (SuggestionSettings, error)
	UpdateSuggestionSettings(
		ctx context.Context,
		guildID string,
		fn func(*SuggestionSettings) error,
	) (SuggestionSettings, error)
	// CreateSuggestion assigns the next per-guild SuggestionID and stores s
	CreateSuggestion(ctx context.Context, s *Suggestion) error
	Suggestion(ctx context.Context, guildID string, suggestionID int64) (
		Suggestion,
		error,
	)
	UpdateSuggestion(
		ctx context.Context,
		guildID string,
		suggestionID int64,
		fn func(*Suggestion) error,
	) (Suggestion, error)
	// DeleteSuggestion removes the suggestion. The guild's counter isn't
	// rolled back, so its number is never reused.
	DeleteSuggestion(ctx context.Context, guildID string, suggestionID int64) error
	// Suggestions lists a guild's suggestions, newest first. An empty
	// status matches all statuses.
	Suggestions(
		ctx context.Context,
		guildID string,
		status string,
		limit int,
	) ([]Suggestion, error)

	TempVCConfig(ctx context.Context, guildID string) (TempVCConfig, error)
	UpdateTempVCConfig(
		ctx context.Context,
		guildID string,
		fn func(*TempVCConfig) error,
	) (TempVCConfig, error)

	CreateReminder(ctx context.Context, r *Reminder) error
	// DueReminders returns reminders due at or before now, including those
	// already delivered but not yet deleted
	DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	MarkReminderDelivered(ctx context.Context, id string, at time.Time) error
	DeleteReminder(ctx context.Context, id string) error
	UserReminders(ctx context.Context, userID string) ([]Reminder, error)

	AFK(ctx context.Context, userID string) (AFKStatus, error)
	SetAFK(ctx context.Context, status AFKStatus) error
	// ClearAFK removes the user's AFK status, reporting whether one existed
	ClearAFK(ctx context.Context, userID string) (bool, error)

	BotOwners(ctx context.Context) ([]BotOwner, error)
	AddBotOwner(ctx context.Context, userID string) error
	BotSettings(ctx context.Context) (BotSettings, error)
	SaveBotSettings(ctx context.Context, settings BotSettings) error

	LogCommand(ctx context.Context, entry CommandLog) error
	CommandStats(ctx context.Context) (CommandStats, error)

	Close(ctx context.Context) error
}

// OpenStore connects to the database configured by cfg, migrating or
// indexing it as needed
func OpenStore(ctx context.Context, cfg *Config, handler slog.Handler) (
	Store,
	error,
) {
	logger := slog.New(handler).With(loggerNameKey, "store")
	switch cfg.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		db, err := CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			handler,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, err
		}
		return NewGormStore(db, cfg.DatabaseType, logger), nil
	case dbTypeMongoDB:
		return OpenMongoStore(ctx, cfg.Database, cfg.DatabaseName, logger)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.DatabaseType)
	}
}
