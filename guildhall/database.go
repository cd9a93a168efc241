package guildhall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
	dbTypeMongoDB  = "mongodb"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// database wraps a gorm connection. When concurrent writes are disabled
// (SQLite), every write is serialized through mu.
type database struct {
	db                     *gorm.DB
	dbType                 string
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
	now                    func() time.Time
}

func newDatabase(db *gorm.DB, dbType string, logger *slog.Logger) *database {
	if logger == nil {
		logger = slog.Default()
	}
	return &database{
		db:                     db,
		dbType:                 dbType,
		logger:                 logger.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: dbType != dbTypeSQLite,
		now:                    time.Now,
	}
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// operationContext applies dbOperationTimeout if ctx has no deadline
func operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) reader(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := operationContext(ctx)
	return d.db.WithContext(ctx), cancel
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := operationContext(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := operationContext(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := operationContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := operationContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// txUpdate reads the row matching conds inside tx (locking it on
// postgres), applies fn and writes it back. When no row matches, fn
// receives the value from init and the row is created.
func txUpdate[T any, PT interface {
	*T
	document
}](
	tx *gorm.DB,
	d *database,
	init func() T,
	fn func(PT) error,
	conds ...any,
) (result T, created bool, err error) {
	var current T
	q := tx
	if d.dbType == dbTypePostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	res := q.Limit(1).Find(&current, conds...)
	if res.Error != nil {
		return result, false, res.Error
	}
	isNew := res.RowsAffected == 0
	if isNew {
		current = init()
	}

	if err = fn(PT(&current)); err != nil {
		if errors.Is(err, errSkipWrite) {
			return current, false, nil
		}
		return current, false, err
	}

	PT(&current).touch(d.now())
	if isNew {
		return current, true, tx.Create(&current).Error
	}
	return current, false, tx.Save(&current).Error
}

// gormUpdate runs txUpdate in its own transaction, retrying once if a
// concurrent insert claimed the same unique key first
func gormUpdate[T any, PT interface {
	*T
	document
}](
	ctx context.Context,
	d *database,
	init func() T,
	fn func(PT) error,
	conds ...any,
) (result T, created bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		err = d.Transaction(
			ctx, func(tx *gorm.DB) error {
				var txErr error
				result, created, txErr = txUpdate[T, PT](tx, d, init, fn, conds...)
				return txErr
			},
		)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	return result, created, err
}

// gormStore implements Store for SQLite and PostgreSQL
type gormStore struct {
	d *database
}

// NewGormStore returns a Store backed by db, which should already be
// migrated (see CreateDB)
func NewGormStore(db *gorm.DB, dbType string, logger *slog.Logger) Store {
	return &gormStore{d: newDatabase(db, dbType, logger)}
}

func (s *gormStore) GuildConfig(ctx context.Context, guildID string) (
	GuildConfig,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var cfg GuildConfig
	rv := db.Limit(1).Find(&cfg, "guild_id = ?", guildID)
	if rv.Error != nil {
		return cfg, rv.Error
	}
	if rv.RowsAffected == 0 {
		return DefaultGuildConfig(guildID), nil
	}
	return cfg, nil
}

func (s *gormStore) UpdateGuildConfig(
	ctx context.Context,
	guildID string,
	fn func(*GuildConfig) error,
) (GuildConfig, error) {
	cfg, _, err := gormUpdate[GuildConfig](
		ctx, s.d,
		func() GuildConfig { return DefaultGuildConfig(guildID) },
		fn,
		"guild_id = ?", guildID,
	)
	return cfg, err
}

func (s *gormStore) Account(ctx context.Context, userID string) (
	UserAccount,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var acct UserAccount
	rv := db.Limit(1).Find(&acct, "user_id = ?", userID)
	if rv.Error != nil {
		return acct, rv.Error
	}
	if rv.RowsAffected == 0 {
		return acct, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return acct, nil
}

func (s *gormStore) GetOrCreateAccount(ctx context.Context, userID string) (
	UserAccount,
	error,
) {
	acct := UserAccount{UserID: userID}
	acct.touch(s.d.now())
	err := s.d.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
				return err
			}
			return tx.Take(&acct, "user_id = ?", userID).Error
		},
	)
	return acct, err
}

func (s *gormStore) UpdateAccount(
	ctx context.Context,
	userID string,
	fn func(*UserAccount) error,
) (UserAccount, error) {
	acct, _, err := gormUpdate[UserAccount](
		ctx, s.d,
		func() UserAccount { return UserAccount{UserID: userID} },
		fn,
		"user_id = ?", userID,
	)
	return acct, err
}

func (s *gormStore) Transfer(
	ctx context.Context,
	fromUserID string,
	toUserID string,
	amount int64,
) (from UserAccount, to UserAccount, err error) {
	if amount <= 0 {
		return from, to, fmt.Errorf("invalid transfer amount: %d", amount)
	}
	if fromUserID == toUserID {
		return from, to, errors.New("cannot transfer to the same account")
	}

	debit := func(a *UserAccount) error {
		if a.Wallet < amount {
			return ErrInsufficientFunds
		}
		a.Wallet -= amount
		return nil
	}
	credit := func(a *UserAccount) error {
		a.Wallet += amount
		return nil
	}

	err = s.d.Transaction(
		ctx, func(tx *gorm.DB) error {
			// rows are always locked in ID order, so concurrent opposing
			// transfers can't deadlock on postgres
			ids := []string{fromUserID, toUserID}
			slices.Sort(ids)
			for _, id := range ids {
				var txErr error
				if id == fromUserID {
					from, _, txErr = txUpdate[UserAccount](
						tx, s.d,
						func() UserAccount { return UserAccount{UserID: fromUserID} },
						debit,
						"user_id = ?", fromUserID,
					)
				} else {
					to, _, txErr = txUpdate[UserAccount](
						tx, s.d,
						func() UserAccount { return UserAccount{UserID: toUserID} },
						credit,
						"user_id = ?", toUserID,
					)
				}
				if txErr != nil {
					return txErr
				}
			}
			return nil
		},
	)
	return from, to, err
}

func (s *gormStore) UpsertAutoResponse(ctx context.Context, ar AutoResponse) (
	AutoResponse,
	bool,
	error,
) {
	ar.Trigger = normalizeKey(ar.Trigger)
	if ar.MatchMode == "" {
		ar.MatchMode = MatchModeContains
	}
	return gormUpdate[AutoResponse](
		ctx, s.d,
		func() AutoResponse {
			return AutoResponse{
				GuildID:   ar.GuildID,
				Trigger:   ar.Trigger,
				CreatedBy: ar.CreatedBy,
			}
		},
		func(existing *AutoResponse) error {
			existing.Response = ar.Response
			existing.MatchMode = ar.MatchMode
			return nil
		},
		"guild_id = ? AND trigger_text = ?", ar.GuildID, ar.Trigger,
	)
}

func (s *gormStore) DeleteAutoResponse(
	ctx context.Context,
	guildID string,
	trigger string,
) error {
	n, err := s.d.Delete(
		ctx,
		&AutoResponse{},
		"guild_id = ? AND trigger_text = ?", guildID, normalizeKey(trigger),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("auto-response %q: %w", trigger, ErrNotFound)
	}
	return nil
}

func (s *gormStore) AutoResponses(ctx context.Context, guildID string) (
	[]AutoResponse,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv []AutoResponse
	err := db.Where("guild_id = ?", guildID).Order("id").Find(&rv).Error
	return rv, err
}

func (s *gormStore) UpsertCustomCommand(ctx context.Context, cc CustomCommand) (
	CustomCommand,
	bool,
	error,
) {
	cc.Name = normalizeKey(cc.Name)
	return gormUpdate[CustomCommand](
		ctx, s.d,
		func() CustomCommand {
			return CustomCommand{
				GuildID:   cc.GuildID,
				Name:      cc.Name,
				CreatedBy: cc.CreatedBy,
			}
		},
		func(existing *CustomCommand) error {
			existing.Response = cc.Response
			return nil
		},
		"guild_id = ? AND name = ?", cc.GuildID, cc.Name,
	)
}

func (s *gormStore) DeleteCustomCommand(
	ctx context.Context,
	guildID string,
	name string,
) error {
	n, err := s.d.Delete(
		ctx,
		&CustomCommand{},
		"guild_id = ? AND name = ?", guildID, normalizeKey(name),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("custom command %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *gormStore) CustomCommands(ctx context.Context, guildID string) (
	[]CustomCommand,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv []CustomCommand
	err := db.Where("guild_id = ?", guildID).Order("name").Find(&rv).Error
	return rv, err
}

func (s *gormStore) CustomCommand(
	ctx context.Context,
	guildID string,
	name string,
) (CustomCommand, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var cc CustomCommand
	rv := db.Limit(1).Find(&cc, "guild_id = ? AND name = ?", guildID, normalizeKey(name))
	if rv.Error != nil {
		return cc, rv.Error
	}
	if rv.RowsAffected == 0 {
		return cc, fmt.Errorf("custom command %q: %w", name, ErrNotFound)
	}
	return cc, nil
}

func (s *gormStore) IncrementCustomCommandUses(
	ctx context.Context,
	guildID string,
	name string,
) error {
	defer s.d.lock()()
	ctx, cancel := operationContext(ctx)
	defer cancel()

	return s.d.db.WithContext(ctx).
		Model(&CustomCommand{}).
		Where("guild_id = ? AND name = ?", guildID, normalizeKey(name)).
		UpdateColumn("uses", gorm.Expr("uses + ?", 1)).Error
}

func (s *gormStore) SuggestionSettings(ctx context.Context, guildID string) (
	SuggestionSettings,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv SuggestionSettings
	res := db.Limit(1).Find(&rv, "guild_id = ?", guildID)
	if res.Error != nil {
		return rv, res.Error
	}
	if res.RowsAffected == 0 {
		return DefaultSuggestionSettings(guildID), nil
	}
	return rv, nil
}

func (s *gormStore) UpdateSuggestionSettings(
	ctx context.Context,
	guildID string,
	fn func(*SuggestionSettings) error,
) (SuggestionSettings, error) {
	rv, _, err := gormUpdate[SuggestionSettings](
		ctx, s.d,
		func() SuggestionSettings { return DefaultSuggestionSettings(guildID) },
		fn,
		"guild_id = ?", guildID,
	)
	return rv, err
}

// CreateSuggestion increments the guild's counter and inserts the
// suggestion in one transaction
func (s *gormStore) CreateSuggestion(ctx context.Context, sg *Suggestion) error {
	return s.d.Transaction(
		ctx, func(tx *gorm.DB) error {
			settings, _, err := txUpdate[SuggestionSettings](
				tx, s.d,
				func() SuggestionSettings { return DefaultSuggestionSettings(sg.GuildID) },
				func(ss *SuggestionSettings) error {
					ss.Counter++
					return nil
				},
				"guild_id = ?", sg.GuildID,
			)
			if err != nil {
				return err
			}
			sg.SuggestionID = settings.Counter
			if sg.Status == "" {
				sg.Status = SuggestionStatusPending
			}
			sg.touch(s.d.now())
			return tx.Create(sg).Error
		},
	)
}

func (s *gormStore) DeleteSuggestion(
	ctx context.Context,
	guildID string,
	suggestionID int64,
) error {
	n, err := s.d.Delete(
		ctx,
		&Suggestion{},
		"guild_id = ? AND suggestion_id = ?", guildID, suggestionID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("suggestion #%d: %w", suggestionID, ErrNotFound)
	}
	return nil
}

func (s *gormStore) Suggestion(
	ctx context.Context,
	guildID string,
	suggestionID int64,
) (Suggestion, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv Suggestion
	res := db.Limit(1).Find(
		&rv,
		"guild_id = ? AND suggestion_id = ?", guildID, suggestionID,
	)
	if res.Error != nil {
		return rv, res.Error
	}
	if res.RowsAffected == 0 {
		return rv, fmt.Errorf("suggestion #%d: %w", suggestionID, ErrNotFound)
	}
	return rv, nil
}

func (s *gormStore) UpdateSuggestion(
	ctx context.Context,
	guildID string,
	suggestionID int64,
	fn func(*Suggestion) error,
) (Suggestion, error) {
	rv, _, err := gormUpdate[Suggestion](
		ctx, s.d,
		func() Suggestion { return Suggestion{} },
		func(sg *Suggestion) error {
			if sg.ID == 0 {
				return fmt.Errorf("suggestion #%d: %w", suggestionID, ErrNotFound)
			}
			return fn(sg)
		},
		"guild_id = ? AND suggestion_id = ?", guildID, suggestionID,
	)
	return rv, err
}

func (s *gormStore) Suggestions(
	ctx context.Context,
	guildID string,
	status string,
	limit int,
) ([]Suggestion, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	q := db.Where("guild_id = ?", guildID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rv []Suggestion
	err := q.Order("suggestion_id desc").Find(&rv).Error
	return rv, err
}

func (s *gormStore) TempVCConfig(ctx context.Context, guildID string) (
	TempVCConfig,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv TempVCConfig
	res := db.Limit(1).Find(&rv, "guild_id = ?", guildID)
	if res.Error != nil {
		return rv, res.Error
	}
	if res.RowsAffected == 0 {
		return DefaultTempVCConfig(guildID), nil
	}
	return rv, nil
}

func (s *gormStore) UpdateTempVCConfig(
	ctx context.Context,
	guildID string,
	fn func(*TempVCConfig) error,
) (TempVCConfig, error) {
	rv, _, err := gormUpdate[TempVCConfig](
		ctx, s.d,
		func() TempVCConfig { return DefaultTempVCConfig(guildID) },
		fn,
		"guild_id = ?", guildID,
	)
	return rv, err
}

func (s *gormStore) CreateReminder(ctx context.Context, r *Reminder) error {
	r.touch(s.d.now())
	_, err := s.d.Create(ctx, r)
	return err
}

func (s *gormStore) DueReminders(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]Reminder, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv []Reminder
	err := db.Where("due_at <= ?", now.UnixMilli()).
		Order("due_at").
		Limit(limit).
		Find(&rv).Error
	return rv, err
}

func (s *gormStore) MarkReminderDelivered(
	ctx context.Context,
	id string,
	at time.Time,
) error {
	n, err := s.d.Update(ctx, &Reminder{ID: id}, "delivered_at", at.UnixMilli())
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *gormStore) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.d.Delete(ctx, &Reminder{}, "id = ?", id)
	return err
}

func (s *gormStore) UserReminders(ctx context.Context, userID string) (
	[]Reminder,
	error,
) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv []Reminder
	err := db.Where("user_id = ? AND delivered_at = 0", userID).
		Order("due_at").
		Find(&rv).Error
	return rv, err
}

func (s *gormStore) AFK(ctx context.Context, userID string) (AFKStatus, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv AFKStatus
	res := db.Limit(1).Find(&rv, "user_id = ?", userID)
	if res.Error != nil {
		return rv, res.Error
	}
	if res.RowsAffected == 0 {
		return rv, fmt.Errorf("afk %s: %w", userID, ErrNotFound)
	}
	return rv, nil
}

func (s *gormStore) SetAFK(ctx context.Context, status AFKStatus) error {
	_, _, err := gormUpdate[AFKStatus](
		ctx, s.d,
		func() AFKStatus { return AFKStatus{UserID: status.UserID} },
		func(a *AFKStatus) error {
			a.Reason = status.Reason
			a.Since = status.Since
			return nil
		},
		"user_id = ?", status.UserID,
	)
	return err
}

func (s *gormStore) ClearAFK(ctx context.Context, userID string) (bool, error) {
	n, err := s.d.Delete(ctx, &AFKStatus{}, "user_id = ?", userID)
	return n > 0, err
}

func (s *gormStore) BotOwners(ctx context.Context) ([]BotOwner, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	var rv []BotOwner
	err := db.Order("user_id").Find(&rv).Error
	return rv, err
}

func (s *gormStore) AddBotOwner(ctx context.Context, userID string) error {
	owner := BotOwner{UserID: userID}
	owner.touch(s.d.now())

	defer s.d.lock()()
	ctx, cancel := operationContext(ctx)
	defer cancel()
	return s.d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&owner).Error
}

func (s *gormStore) BotSettings(ctx context.Context) (BotSettings, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	rv := BotSettings{ID: botSettingsID}
	err := db.Limit(1).Find(&rv, "id = ?", botSettingsID).Error
	return rv, err
}

func (s *gormStore) SaveBotSettings(ctx context.Context, settings BotSettings) error {
	_, _, err := gormUpdate[BotSettings](
		ctx, s.d,
		func() BotSettings { return BotSettings{ID: botSettingsID} },
		func(b *BotSettings) error {
			b.APIKeyHash = settings.APIKeyHash
			return nil
		},
		"id = ?", botSettingsID,
	)
	return err
}

func (s *gormStore) LogCommand(ctx context.Context, entry CommandLog) error {
	_, err := s.d.Create(ctx, &entry)
	return err
}

func (s *gormStore) CommandStats(ctx context.Context) (CommandStats, error) {
	db, cancel := s.d.reader(ctx)
	defer cancel()

	stats := CommandStats{ByCommand: map[string]int64{}}
	if err := db.Model(&CommandLog{}).Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&CommandLog{}).
		Where("outcome = ?", string(OutcomeFailed)).
		Count(&stats.Failures).Error; err != nil {
		return stats, err
	}

	var rows []struct {
		CommandName string
		Count       int64
	}
	err := db.Model(&CommandLog{}).
		Select("command_name, count(*) as count").
		Group("command_name").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.ByCommand[r.CommandName] = r.Count
	}
	return stats, nil
}

func (s *gormStore) Close(_ context.Context) error {
	sqlDB, err := s.d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// normalizeKey lower-cases and trims trigger and command names
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CreateDB opens the database, applies SQLite connection settings and
// runs migrations in a single transaction.
//
// Parameters:
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return db, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return db, pragmaErr
		}
	}

	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return db, txn.Error
	}
	if err = txn.Migrator().AutoMigrate(allModels()...); err != nil {
		txn.Rollback()
		return db, fmt.Errorf("migration failed: %w", err)
	}

	if err = txn.Commit().Error; err != nil {
		return db, err
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
