package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// envvarTestMongoURI enables the MongoDB store tests when set
const envvarTestMongoURI = "GH_TEST_MONGODB_URI"

// storeFactories returns a constructor for each store implementation
// available to the test run
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		dbTypeSQLite: func(t *testing.T) Store {
			return newTestStore(t, DefaultTestConfig(t))
		},
	}
	if uri := os.Getenv(envvarTestMongoURI); uri != "" {
		factories[dbTypeMongoDB] = func(t *testing.T) Store {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			dbName := "guildhall_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			store, err := OpenMongoStore(ctx, uri, dbName, slog.New(testLogHandler()))
			require.NoError(t, err)
			t.Cleanup(
				func() {
					_ = store.Close(context.Background())
				},
			)
			return store
		}
	}
	return factories
}

func TestStore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fn   func(t *testing.T, store Store)
	}{
		{"guild config defaults", testStoreGuildConfigDefaults},
		{"account not found", testStoreAccountNotFound},
		{"update account", testStoreUpdateAccount},
		{"transfer", testStoreTransfer},
		{"concurrent transfers", testStoreConcurrentTransfers},
		{"auto responses", testStoreAutoResponses},
		{"custom commands", testStoreCustomCommands},
		{"suggestions", testStoreSuggestions},
		{"temp vc config", testStoreTempVCConfig},
		{"reminders", testStoreReminders},
		{"afk", testStoreAFK},
		{"bot owners and settings", testStoreBotOwnersAndSettings},
		{"command log", testStoreCommandLog},
	}

	for dbType, factory := range storeFactories(t) {
		factory := factory
		t.Run(
			dbType, func(t *testing.T) {
				t.Parallel()
				for _, tc := range tests {
					tc := tc
					t.Run(
						tc.name, func(t *testing.T) {
							t.Parallel()
							tc.fn(t, factory(t))
						},
					)
				}
			},
		)
	}
}

func testStoreGuildConfigDefaults(t *testing.T, store Store) {
	ctx := context.Background()

	cfg, err := store.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, DefaultGuildConfig(testGuildID), cfg)

	settings, err := store.SuggestionSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.True(t, settings.AllowChangeVote)
	assert.True(t, settings.NotifyAuthor)
	assert.False(t, settings.AllowSelfVote)

	vc, err := store.TempVCConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, DefaultTempVCNameTemplate, vc.NameTemplate)

	updated, err := store.UpdateGuildConfig(
		ctx, testGuildID, func(c *GuildConfig) error {
			c.Prefix = "?"
			c.Features.Welcome = true
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "?", updated.Prefix)
	assert.Equal(t, DefaultWelcomeMessage, updated.Welcome.Message)
	assert.Equal(t, int64(1), updated.Revision)

	cfg, err = store.GuildConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "?", cfg.Prefix)
	assert.True(t, cfg.Features.Welcome)
	assert.False(t, cfg.Features.Moderation)
}

func testStoreAccountNotFound(t *testing.T, store Store) {
	ctx := context.Background()
	_, err := store.Account(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	acct, err := store.GetOrCreateAccount(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", acct.UserID)
	assert.Zero(t, acct.Wallet)

	again, err := store.GetOrCreateAccount(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, acct.CreatedAt, again.CreatedAt)
}

func testStoreUpdateAccount(t *testing.T, store Store) {
	ctx := context.Background()

	acct, err := store.UpdateAccount(
		ctx, "u1", func(a *UserAccount) error {
			a.Wallet += 500
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Wallet)

	// errors from the update function are returned as-is, and nothing is
	// written
	_, err = store.UpdateAccount(
		ctx, "u1", func(a *UserAccount) error {
			a.Wallet = 0
			return userErrorf("nope")
		},
	)
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "nope", ue.Message)

	acct, err = store.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Wallet)

	skipped, err := store.UpdateAccount(
		ctx, "u1", func(a *UserAccount) error {
			a.Wallet = 1
			return errSkipWrite
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), skipped.Wallet)

	acct, err = store.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Wallet)
}

func testStoreTransfer(t *testing.T, store Store) {
	ctx := context.Background()
	_, err := store.UpdateAccount(
		ctx, "payer", func(a *UserAccount) error {
			a.Wallet = 300
			return nil
		},
	)
	require.NoError(t, err)

	from, to, err := store.Transfer(ctx, "payer", "payee", 120)
	require.NoError(t, err)
	assert.Equal(t, int64(180), from.Wallet)
	assert.Equal(t, int64(120), to.Wallet)

	_, _, err = store.Transfer(ctx, "payer", "payee", 181)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	payer, err := store.Account(ctx, "payer")
	require.NoError(t, err)
	payee, err := store.Account(ctx, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(300), payer.Wallet+payee.Wallet)

	_, _, err = store.Transfer(ctx, "payer", "payer", 1)
	assert.Error(t, err)
	_, _, err = store.Transfer(ctx, "payer", "payee", 0)
	assert.Error(t, err)
}

func testStoreConcurrentTransfers(t *testing.T, store Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := store.UpdateAccount(
			ctx, id, func(a *UserAccount) error {
				a.Wallet = 100
				return nil
			},
		)
		require.NoError(t, err)
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = store.Transfer(ctx, "a", "b", 7)
		}()
		go func() {
			defer wg.Done()
			_, _, _ = store.Transfer(ctx, "b", "a", 3)
		}()
	}
	wg.Wait()

	a, err := store.Account(ctx, "a")
	require.NoError(t, err)
	b, err := store.Account(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(200), a.Wallet+b.Wallet)
	assert.GreaterOrEqual(t, a.Wallet, int64(0))
	assert.GreaterOrEqual(t, b.Wallet, int64(0))
}

func testStoreAutoResponses(t *testing.T, store Store) {
	ctx := context.Background()

	ar, created, err := store.UpsertAutoResponse(
		ctx,
		AutoResponse{GuildID: testGuildID, Trigger: "  Hello ", Response: "hi!"},
	)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "hello", ar.Trigger)
	assert.Equal(t, MatchModeContains, ar.MatchMode)

	ar, created, err = store.UpsertAutoResponse(
		ctx,
		AutoResponse{
			GuildID:   testGuildID,
			Trigger:   "HELLO",
			Response:  "hey",
			MatchMode: MatchModeExact,
		},
	)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "hey", ar.Response)

	list, err := store.AutoResponses(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, MatchModeExact, list[0].MatchMode)

	require.NoError(t, store.DeleteAutoResponse(ctx, testGuildID, "Hello"))
	assert.ErrorIs(t, store.DeleteAutoResponse(ctx, testGuildID, "hello"), ErrNotFound)
}

func testStoreCustomCommands(t *testing.T, store Store) {
	ctx := context.Background()

	_, created, err := store.UpsertCustomCommand(
		ctx,
		CustomCommand{GuildID: testGuildID, Name: "Rules", Response: "be nice"},
	)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, store.IncrementCustomCommandUses(ctx, testGuildID, "rules"))
	require.NoError(t, store.IncrementCustomCommandUses(ctx, testGuildID, "RULES"))

	cmd, err := store.CustomCommand(ctx, testGuildID, "rules")
	require.NoError(t, err)
	assert.Equal(t, "be nice", cmd.Response)
	assert.Equal(t, int64(2), cmd.Uses)

	_, err = store.CustomCommand(ctx, "other-guild", "rules")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.CustomCommands(ctx, testGuildID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteCustomCommand(ctx, testGuildID, "rules"))
	assert.ErrorIs(t, store.DeleteCustomCommand(ctx, testGuildID, "rules"), ErrNotFound)
}

func testStoreSuggestions(t *testing.T, store Store) {
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		sg := &Suggestion{
			GuildID:  testGuildID,
			AuthorID: "author",
			Content:  fmt.Sprintf("suggestion number %d", i),
		}
		require.NoError(t, store.CreateSuggestion(ctx, sg))
		ids = append(ids, sg.SuggestionID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)

	// numbering is per guild
	other := &Suggestion{GuildID: "other-guild", AuthorID: "author", Content: "elsewhere"}
	require.NoError(t, store.CreateSuggestion(ctx, other))
	assert.Equal(t, int64(1), other.SuggestionID)

	settings, err := store.SuggestionSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), settings.Counter)

	sg, err := store.UpdateSuggestion(
		ctx, testGuildID, 2, func(s *Suggestion) error {
			s.Status = SuggestionStatusApproved
			s.Upvotes = 4
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, SuggestionStatusApproved, sg.Status)

	_, err = store.UpdateSuggestion(
		ctx, testGuildID, 99, func(s *Suggestion) error {
			return nil
		},
	)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := store.Suggestions(ctx, testGuildID, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].SuggestionID)
	assert.Equal(t, int64(1), all[2].SuggestionID)

	pending, err := store.Suggestions(ctx, testGuildID, SuggestionStatusPending, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].SuggestionID)

	got, err := store.Suggestion(ctx, testGuildID, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Upvotes)
}

func testStoreTempVCConfig(t *testing.T, store Store) {
	ctx := context.Background()
	cfg, err := store.UpdateTempVCConfig(
		ctx, testGuildID, func(c *TempVCConfig) error {
			c.TriggerChannelID = "trigger"
			c.Channels = append(c.Channels, TempChannel{ChannelID: "vc1", OwnerID: "u1"})
			return nil
		},
	)
	require.NoError(t, err)
	assert.Len(t, cfg.Channels, 1)

	cfg, err = store.TempVCConfig(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "trigger", cfg.TriggerChannelID)
	ch, ok := cfg.channel("vc1")
	require.True(t, ok)
	assert.Equal(t, "u1", ch.OwnerID)
}

func testStoreReminders(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now()

	due := &Reminder{ID: uuid.NewString(), UserID: "u1", Content: "due", DueAt: now.Add(-time.Minute).UnixMilli()}
	later := &Reminder{ID: uuid.NewString(), UserID: "u1", Content: "later", DueAt: now.Add(time.Hour).UnixMilli()}
	require.NoError(t, store.CreateReminder(ctx, due))
	require.NoError(t, store.CreateReminder(ctx, later))

	found, err := store.DueReminders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, due.ID, found[0].ID)

	require.NoError(t, store.MarkReminderDelivered(ctx, due.ID, now))

	// delivered reminders are still due until deleted, but are no longer
	// listed as pending
	found, err = store.DueReminders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotZero(t, found[0].DeliveredAt)

	pending, err := store.UserReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)

	require.NoError(t, store.DeleteReminder(ctx, due.ID))
	found, err = store.DueReminders(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.ErrorIs(t, store.MarkReminderDelivered(ctx, "missing", now), ErrNotFound)
}

func testStoreAFK(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.AFK(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetAFK(ctx, AFKStatus{UserID: "u1", Reason: "lunch", Since: 1000}))
	require.NoError(t, store.SetAFK(ctx, AFKStatus{UserID: "u1", Reason: "dinner", Since: 2000}))

	status, err := store.AFK(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "dinner", status.Reason)
	assert.Equal(t, int64(2000), status.Since)

	cleared, err := store.ClearAFK(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = store.ClearAFK(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func testStoreBotOwnersAndSettings(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.AddBotOwner(ctx, "222"))
	require.NoError(t, store.AddBotOwner(ctx, "111"))
	require.NoError(t, store.AddBotOwner(ctx, "222"))

	owners, err := store.BotOwners(ctx)
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, "111", owners[0].UserID)

	settings, err := store.BotSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings.APIKeyHash)

	settings.APIKeyHash = "hash"
	require.NoError(t, store.SaveBotSettings(ctx, settings))
	settings, err = store.BotSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash", settings.APIKeyHash)
}

func testStoreCommandLog(t *testing.T, store Store) {
	ctx := context.Background()
	entries := []CommandLog{
		{CommandName: "daily", UserID: "u1", Outcome: string(OutcomeReplied)},
		{CommandName: "daily", UserID: "u2", Outcome: string(OutcomeRejected)},
		{CommandName: "gamble", UserID: "u1", Outcome: string(OutcomeFailed)},
	}
	for _, e := range entries {
		require.NoError(t, store.LogCommand(ctx, e))
	}

	stats, err := store.CommandStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, map[string]int64{"daily": 2, "gamble": 1}, stats.ByCommand)
}

func TestOpenStoreUnsupportedType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "redis"
	_, err := OpenStore(context.Background(), cfg, testLogHandler())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
