package guildhall

import (
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"log/slog"
	"time"
)

const (
	collectionGuildConfigs       = "guild_configs"
	collectionUserAccounts       = "user_accounts"
	collectionAutoResponses      = "auto_responses"
	collectionCustomCommands     = "custom_commands"
	collectionSuggestionSettings = "suggestion_settings"
	collectionSuggestions        = "suggestions"
	collectionTempVCConfigs      = "temp_vc_configs"
	collectionReminders          = "reminders"
	collectionAFKStatuses        = "afk_statuses"
	collectionBotOwners          = "bot_owners"
	collectionBotSettings        = "bot_settings"
	collectionCommandLogs        = "command_logs"

	mongoConnectTimeout     = 10 * time.Second
	mongoMaxUpdateAttempts  = 5
	mongoDefaultSuggestions = 25
)

// mongoStore implements Store on MongoDB. Single-document updates are
// guarded by the document revision. Operations touching two documents
// (Transfer, CreateSuggestion) are two sequential conditional writes.
type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
	now    func() time.Time
}

// OpenMongoStore connects to uri, verifies the connection and ensures the
// indexes used by the store exist
func OpenMongoStore(
	ctx context.Context,
	uri string,
	dbName string,
	logger *slog.Logger,
) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &mongoStore{
		client: client,
		db:     client.Database(dbName),
		logger: logger.With(loggerNameKey, "mongodb"),
		now:    time.Now,
	}
	if err = s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collectionAutoResponses: {
			{
				Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "trigger", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collectionCustomCommands: {
			{
				Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collectionSuggestions: {
			{
				Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "suggestion_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "guild_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		collectionReminders: {
			{Keys: bson.D{{Key: "due_at", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		collectionCommandLogs: {
			{Keys: bson.D{{Key: "command_name", Value: 1}}},
		},
	}

	var errs []error
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			errs = append(errs, fmt.Errorf("creating indexes on %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *mongoStore) c(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// mongoUpdate reads the document matching filter, applies fn, and writes
// it back only if the stored revision is unchanged, retrying otherwise.
// A nil init means the document must already exist.
func mongoUpdate[T any, PT interface {
	*T
	document
}](
	ctx context.Context,
	s *mongoStore,
	coll *mongo.Collection,
	filter bson.M,
	init func() T,
	fn func(PT) error,
) (result T, created bool, err error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	for attempt := 0; attempt < mongoMaxUpdateAttempts; attempt++ {
		var current T
		isNew := false

		findErr := coll.FindOne(ctx, filter).Decode(&current)
		switch {
		case errors.Is(findErr, mongo.ErrNoDocuments):
			if init == nil {
				return current, false, ErrNotFound
			}
			current = init()
			isNew = true
		case findErr != nil:
			return current, false, findErr
		}

		prevRevision := PT(&current).currentRevision()
		if err = fn(PT(&current)); err != nil {
			if errors.Is(err, errSkipWrite) {
				return current, false, nil
			}
			return current, false, err
		}
		PT(&current).touch(s.now())

		if isNew {
			_, err = coll.InsertOne(ctx, &current)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return current, err == nil, err
		}

		guarded := bson.M{"revision": prevRevision}
		for k, v := range filter {
			guarded[k] = v
		}
		res, replaceErr := coll.ReplaceOne(ctx, guarded, &current)
		if replaceErr != nil {
			return current, false, replaceErr
		}
		if res.MatchedCount == 0 {
			s.logger.DebugContext(
				ctx,
				"revision changed, retrying update",
				"collection", coll.Name(),
				"attempt", attempt+1,
			)
			continue
		}
		return current, false, nil
	}
	return result, false, ErrConflict
}

func findOne[T any](
	ctx context.Context,
	coll *mongo.Collection,
	filter bson.M,
) (T, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	var rv T
	err := coll.FindOne(ctx, filter).Decode(&rv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return rv, ErrNotFound
	}
	return rv, err
}

func findMany[T any](
	ctx context.Context,
	coll *mongo.Collection,
	filter bson.M,
	opts ...*options.FindOptions,
) ([]T, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	var rv []T
	if err = cursor.All(ctx, &rv); err != nil {
		return nil, err
	}
	return rv, nil
}

func (s *mongoStore) GuildConfig(ctx context.Context, guildID string) (
	GuildConfig,
	error,
) {
	cfg, err := findOne[GuildConfig](ctx, s.c(collectionGuildConfigs), bson.M{"_id": guildID})
	if errors.Is(err, ErrNotFound) {
		return DefaultGuildConfig(guildID), nil
	}
	return cfg, err
}

func (s *mongoStore) UpdateGuildConfig(
	ctx context.Context,
	guildID string,
	fn func(*GuildConfig) error,
) (GuildConfig, error) {
	cfg, _, err := mongoUpdate[GuildConfig](
		ctx, s, s.c(collectionGuildConfigs),
		bson.M{"_id": guildID},
		func() GuildConfig { return DefaultGuildConfig(guildID) },
		fn,
	)
	return cfg, err
}

func (s *mongoStore) Account(ctx context.Context, userID string) (
	UserAccount,
	error,
) {
	acct, err := findOne[UserAccount](ctx, s.c(collectionUserAccounts), bson.M{"_id": userID})
	if errors.Is(err, ErrNotFound) {
		return acct, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return acct, err
}

func (s *mongoStore) GetOrCreateAccount(ctx context.Context, userID string) (
	UserAccount,
	error,
) {
	if err := s.ensureAccount(ctx, userID); err != nil {
		return UserAccount{}, err
	}
	return s.Account(ctx, userID)
}

func (s *mongoStore) ensureAccount(ctx context.Context, userID string) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	now := s.now().UnixMilli()
	_, err := s.c(collectionUserAccounts).UpdateOne(
		ctx,
		bson.M{"_id": userID},
		bson.M{
			"$setOnInsert": bson.M{
				"wallet":     int64(0),
				"bank":       int64(0),
				"premium":    false,
				"created_at": now,
				"updated_at": now,
				"revision":   int64(1),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) UpdateAccount(
	ctx context.Context,
	userID string,
	fn func(*UserAccount) error,
) (UserAccount, error) {
	acct, _, err := mongoUpdate[UserAccount](
		ctx, s, s.c(collectionUserAccounts),
		bson.M{"_id": userID},
		func() UserAccount { return UserAccount{UserID: userID} },
		fn,
	)
	return acct, err
}

// Transfer debits the sender with a wallet guard, then credits the
// recipient. If the credit fails, the debit is reversed. A crash between
// the two writes loses the amount.
func (s *mongoStore) Transfer(
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

	opCtx, cancel := operationContext(ctx)
	defer cancel()

	accounts := s.c(collectionUserAccounts)
	now := s.now().UnixMilli()

	res, err := accounts.UpdateOne(
		opCtx,
		bson.M{"_id": fromUserID, "wallet": bson.M{"$gte": amount}},
		bson.M{
			"$inc": bson.M{"wallet": -amount, "revision": 1},
			"$set": bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return from, to, err
	}
	if res.MatchedCount == 0 {
		return from, to, ErrInsufficientFunds
	}

	_, err = accounts.UpdateOne(
		opCtx,
		bson.M{"_id": toUserID},
		bson.M{
			"$inc": bson.M{"wallet": amount, "revision": 1},
			"$set": bson.M{"updated_at": now},
			"$setOnInsert": bson.M{
				"bank":       int64(0),
				"premium":    false,
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		_, refundErr := accounts.UpdateOne(
			opCtx,
			bson.M{"_id": fromUserID},
			bson.M{"$inc": bson.M{"wallet": amount, "revision": 1}},
		)
		if refundErr != nil {
			s.logger.ErrorContext(
				ctx,
				"transfer credit and refund both failed",
				"from", fromUserID,
				"to", toUserID,
				"amount", amount,
				"credit_error", err,
				"refund_error", refundErr,
			)
		}
		return from, to, err
	}

	if from, err = s.Account(ctx, fromUserID); err != nil {
		return from, to, err
	}
	to, err = s.Account(ctx, toUserID)
	return from, to, err
}

func (s *mongoStore) UpsertAutoResponse(ctx context.Context, ar AutoResponse) (
	AutoResponse,
	bool,
	error,
) {
	ar.Trigger = normalizeKey(ar.Trigger)
	if ar.MatchMode == "" {
		ar.MatchMode = MatchModeContains
	}
	filter := bson.M{"guild_id": ar.GuildID, "trigger": ar.Trigger}
	now := s.now().UnixMilli()
	created, err := s.upsert(
		ctx,
		s.c(collectionAutoResponses),
		filter,
		bson.M{
			"response":   ar.Response,
			"match_mode": ar.MatchMode,
			"updated_at": now,
		},
		bson.M{"created_by": ar.CreatedBy, "created_at": now},
	)
	if err != nil {
		return ar, false, err
	}
	rv, err := findOne[AutoResponse](ctx, s.c(collectionAutoResponses), filter)
	return rv, created, err
}

// upsert applies set to the document matching filter, inserting it with
// the setOnInsert fields if it doesn't exist
func (s *mongoStore) upsert(
	ctx context.Context,
	coll *mongo.Collection,
	filter bson.M,
	set bson.M,
	setOnInsert bson.M,
) (created bool, err error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	res, err := coll.UpdateOne(
		ctx,
		filter,
		bson.M{
			"$set":         set,
			"$setOnInsert": setOnInsert,
			"$inc":         bson.M{"revision": 1},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (s *mongoStore) deleteOne(
	ctx context.Context,
	coll *mongo.Collection,
	filter bson.M,
) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	res, err := coll.DeleteOne(ctx, filter)
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *mongoStore) DeleteAutoResponse(
	ctx context.Context,
	guildID string,
	trigger string,
) error {
	deleted, err := s.deleteOne(
		ctx,
		s.c(collectionAutoResponses),
		bson.M{"guild_id": guildID, "trigger": normalizeKey(trigger)},
	)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("auto-response %q: %w", trigger, ErrNotFound)
	}
	return nil
}

func (s *mongoStore) AutoResponses(ctx context.Context, guildID string) (
	[]AutoResponse,
	error,
) {
	return findMany[AutoResponse](
		ctx,
		s.c(collectionAutoResponses),
		bson.M{"guild_id": guildID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

func (s *mongoStore) UpsertCustomCommand(ctx context.Context, cc CustomCommand) (
	CustomCommand,
	bool,
	error,
) {
	cc.Name = normalizeKey(cc.Name)
	filter := bson.M{"guild_id": cc.GuildID, "name": cc.Name}
	now := s.now().UnixMilli()
	created, err := s.upsert(
		ctx,
		s.c(collectionCustomCommands),
		filter,
		bson.M{"response": cc.Response, "updated_at": now},
		bson.M{"created_by": cc.CreatedBy, "created_at": now, "uses": int64(0)},
	)
	if err != nil {
		return cc, false, err
	}
	rv, err := findOne[CustomCommand](ctx, s.c(collectionCustomCommands), filter)
	return rv, created, err
}

func (s *mongoStore) DeleteCustomCommand(
	ctx context.Context,
	guildID string,
	name string,
) error {
	deleted, err := s.deleteOne(
		ctx,
		s.c(collectionCustomCommands),
		bson.M{"guild_id": guildID, "name": normalizeKey(name)},
	)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("custom command %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *mongoStore) CustomCommands(ctx context.Context, guildID string) (
	[]CustomCommand,
	error,
) {
	return findMany[CustomCommand](
		ctx,
		s.c(collectionCustomCommands),
		bson.M{"guild_id": guildID},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
}

func (s *mongoStore) CustomCommand(
	ctx context.Context,
	guildID string,
	name string,
) (CustomCommand, error) {
	cc, err := findOne[CustomCommand](
		ctx,
		s.c(collectionCustomCommands),
		bson.M{"guild_id": guildID, "name": normalizeKey(name)},
	)
	if errors.Is(err, ErrNotFound) {
		return cc, fmt.Errorf("custom command %q: %w", name, ErrNotFound)
	}
	return cc, err
}

func (s *mongoStore) IncrementCustomCommandUses(
	ctx context.Context,
	guildID string,
	name string,
) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	_, err := s.c(collectionCustomCommands).UpdateOne(
		ctx,
		bson.M{"guild_id": guildID, "name": normalizeKey(name)},
		bson.M{"$inc": bson.M{"uses": 1}},
	)
	return err
}

func (s *mongoStore) SuggestionSettings(ctx context.Context, guildID string) (
	SuggestionSettings,
	error,
) {
	rv, err := findOne[SuggestionSettings](
		ctx,
		s.c(collectionSuggestionSettings),
		bson.M{"_id": guildID},
	)
	if errors.Is(err, ErrNotFound) {
		return DefaultSuggestionSettings(guildID), nil
	}
	return rv, err
}

func (s *mongoStore) UpdateSuggestionSettings(
	ctx context.Context,
	guildID string,
	fn func(*SuggestionSettings) error,
) (SuggestionSettings, error) {
	rv, _, err := mongoUpdate[SuggestionSettings](
		ctx, s, s.c(collectionSuggestionSettings),
		bson.M{"_id": guildID},
		func() SuggestionSettings { return DefaultSuggestionSettings(guildID) },
		fn,
	)
	return rv, err
}

// CreateSuggestion atomically increments the guild counter, then inserts
// the suggestion. If the insert fails, that counter value is skipped.
func (s *mongoStore) CreateSuggestion(ctx context.Context, sg *Suggestion) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	now := s.now().UnixMilli()
	defaults := DefaultSuggestionSettings(sg.GuildID)

	var settings SuggestionSettings
	err := s.c(collectionSuggestionSettings).FindOneAndUpdate(
		ctx,
		bson.M{"_id": sg.GuildID},
		bson.M{
			"$inc": bson.M{"counter": 1, "revision": 1},
			"$set": bson.M{"updated_at": now},
			"$setOnInsert": bson.M{
				"channel_id":        defaults.ChannelID,
				"allow_self_vote":   defaults.AllowSelfVote,
				"allow_change_vote": defaults.AllowChangeVote,
				"notify_author":     defaults.NotifyAuthor,
				"created_at":        now,
			},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&settings)
	if err != nil {
		return fmt.Errorf("incrementing suggestion counter: %w", err)
	}

	sg.SuggestionID = settings.Counter
	if sg.Status == "" {
		sg.Status = SuggestionStatusPending
	}
	sg.touch(s.now())
	_, err = s.c(collectionSuggestions).InsertOne(ctx, sg)
	return err
}

func (s *mongoStore) DeleteSuggestion(
	ctx context.Context,
	guildID string,
	suggestionID int64,
) error {
	deleted, err := s.deleteOne(
		ctx,
		s.c(collectionSuggestions),
		bson.M{"guild_id": guildID, "suggestion_id": suggestionID},
	)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("suggestion #%d: %w", suggestionID, ErrNotFound)
	}
	return nil
}

func (s *mongoStore) Suggestion(
	ctx context.Context,
	guildID string,
	suggestionID int64,
) (Suggestion, error) {
	rv, err := findOne[Suggestion](
		ctx,
		s.c(collectionSuggestions),
		bson.M{"guild_id": guildID, "suggestion_id": suggestionID},
	)
	if errors.Is(err, ErrNotFound) {
		return rv, fmt.Errorf("suggestion #%d: %w", suggestionID, ErrNotFound)
	}
	return rv, err
}

func (s *mongoStore) UpdateSuggestion(
	ctx context.Context,
	guildID string,
	suggestionID int64,
	fn func(*Suggestion) error,
) (Suggestion, error) {
	rv, _, err := mongoUpdate[Suggestion](
		ctx, s, s.c(collectionSuggestions),
		bson.M{"guild_id": guildID, "suggestion_id": suggestionID},
		nil,
		fn,
	)
	if errors.Is(err, ErrNotFound) {
		return rv, fmt.Errorf("suggestion #%d: %w", suggestionID, ErrNotFound)
	}
	return rv, err
}

func (s *mongoStore) Suggestions(
	ctx context.Context,
	guildID string,
	status string,
	limit int,
) ([]Suggestion, error) {
	filter := bson.M{"guild_id": guildID}
	if status != "" {
		filter["status"] = status
	}
	if limit <= 0 {
		limit = mongoDefaultSuggestions
	}
	return findMany[Suggestion](
		ctx,
		s.c(collectionSuggestions),
		filter,
		options.Find().
			SetSort(bson.D{{Key: "suggestion_id", Value: -1}}).
			SetLimit(int64(limit)),
	)
}

func (s *mongoStore) TempVCConfig(ctx context.Context, guildID string) (
	TempVCConfig,
	error,
) {
	rv, err := findOne[TempVCConfig](ctx, s.c(collectionTempVCConfigs), bson.M{"_id": guildID})
	if errors.Is(err, ErrNotFound) {
		return DefaultTempVCConfig(guildID), nil
	}
	return rv, err
}

func (s *mongoStore) UpdateTempVCConfig(
	ctx context.Context,
	guildID string,
	fn func(*TempVCConfig) error,
) (TempVCConfig, error) {
	rv, _, err := mongoUpdate[TempVCConfig](
		ctx, s, s.c(collectionTempVCConfigs),
		bson.M{"_id": guildID},
		func() TempVCConfig { return DefaultTempVCConfig(guildID) },
		fn,
	)
	return rv, err
}

func (s *mongoStore) CreateReminder(ctx context.Context, r *Reminder) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	r.touch(s.now())
	_, err := s.c(collectionReminders).InsertOne(ctx, r)
	return err
}

func (s *mongoStore) DueReminders(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]Reminder, error) {
	return findMany[Reminder](
		ctx,
		s.c(collectionReminders),
		bson.M{"due_at": bson.M{"$lte": now.UnixMilli()}},
		options.Find().
			SetSort(bson.D{{Key: "due_at", Value: 1}}).
			SetLimit(int64(limit)),
	)
}

func (s *mongoStore) MarkReminderDelivered(
	ctx context.Context,
	id string,
	at time.Time,
) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	res, err := s.c(collectionReminders).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"delivered_at": at.UnixMilli(), "updated_at": s.now().UnixMilli()},
			"$inc": bson.M{"revision": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *mongoStore) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.deleteOne(ctx, s.c(collectionReminders), bson.M{"_id": id})
	return err
}

func (s *mongoStore) UserReminders(ctx context.Context, userID string) (
	[]Reminder,
	error,
) {
	return findMany[Reminder](
		ctx,
		s.c(collectionReminders),
		bson.M{"user_id": userID, "delivered_at": int64(0)},
		options.Find().SetSort(bson.D{{Key: "due_at", Value: 1}}),
	)
}

func (s *mongoStore) AFK(ctx context.Context, userID string) (AFKStatus, error) {
	rv, err := findOne[AFKStatus](ctx, s.c(collectionAFKStatuses), bson.M{"_id": userID})
	if errors.Is(err, ErrNotFound) {
		return rv, fmt.Errorf("afk %s: %w", userID, ErrNotFound)
	}
	return rv, err
}

func (s *mongoStore) SetAFK(ctx context.Context, status AFKStatus) error {
	_, _, err := mongoUpdate[AFKStatus](
		ctx, s, s.c(collectionAFKStatuses),
		bson.M{"_id": status.UserID},
		func() AFKStatus { return AFKStatus{UserID: status.UserID} },
		func(a *AFKStatus) error {
			a.Reason = status.Reason
			a.Since = status.Since
			return nil
		},
	)
	return err
}

func (s *mongoStore) ClearAFK(ctx context.Context, userID string) (bool, error) {
	return s.deleteOne(ctx, s.c(collectionAFKStatuses), bson.M{"_id": userID})
}

func (s *mongoStore) BotOwners(ctx context.Context) ([]BotOwner, error) {
	return findMany[BotOwner](
		ctx,
		s.c(collectionBotOwners),
		bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
}

func (s *mongoStore) AddBotOwner(ctx context.Context, userID string) error {
	now := s.now().UnixMilli()
	_, err := s.upsert(
		ctx,
		s.c(collectionBotOwners),
		bson.M{"_id": userID},
		bson.M{"updated_at": now},
		bson.M{"created_at": now},
	)
	return err
}

func (s *mongoStore) BotSettings(ctx context.Context) (BotSettings, error) {
	rv, err := findOne[BotSettings](ctx, s.c(collectionBotSettings), bson.M{"_id": botSettingsID})
	if errors.Is(err, ErrNotFound) {
		return BotSettings{ID: botSettingsID}, nil
	}
	return rv, err
}

func (s *mongoStore) SaveBotSettings(ctx context.Context, settings BotSettings) error {
	_, _, err := mongoUpdate[BotSettings](
		ctx, s, s.c(collectionBotSettings),
		bson.M{"_id": botSettingsID},
		func() BotSettings { return BotSettings{ID: botSettingsID} },
		func(b *BotSettings) error {
			b.APIKeyHash = settings.APIKeyHash
			return nil
		},
	)
	return err
}

func (s *mongoStore) LogCommand(ctx context.Context, entry CommandLog) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	if entry.CreatedAt == 0 {
		entry.CreatedAt = s.now().UnixMilli()
	}
	_, err := s.c(collectionCommandLogs).InsertOne(ctx, entry)
	return err
}

func (s *mongoStore) CommandStats(ctx context.Context) (CommandStats, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	logs := s.c(collectionCommandLogs)
	stats := CommandStats{ByCommand: map[string]int64{}}

	var err error
	if stats.Total, err = logs.CountDocuments(ctx, bson.M{}); err != nil {
		return stats, err
	}
	if stats.Failures, err = logs.CountDocuments(
		ctx,
		bson.M{"outcome": string(OutcomeFailed)},
	); err != nil {
		return stats, err
	}

	cursor, err := logs.Aggregate(
		ctx,
		mongo.Pipeline{
			{{
				Key: "$group", Value: bson.D{
					{Key: "_id", Value: "$command_name"},
					{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
				},
			}},
		},
	)
	if err != nil {
		return stats, err
	}
	var rows []struct {
		CommandName string `bson:"_id"`
		Count       int64  `bson:"count"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.ByCommand[r.CommandName] = r.Count
	}
	return stats, nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
