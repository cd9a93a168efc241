package guildhall

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

const testModLogChannelID = "200000000000000040"

func warningIDs(warnings []Warning) []int {
	ids := make([]int, 0, len(warnings))
	for _, w := range warnings {
		ids = append(ids, w.ID)
	}
	return ids
}

func TestWarningsResequence(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	now := tb.clock.Now()
	userID := "300000000000000001"

	for _, reason := range []string{"spam", "caps", "links"} {
		_, err := AddWarning(ctx, tb.store, testGuildID, userID, "mod", reason, now)
		require.NoError(t, err)
	}
	// warnings in another guild are numbered separately
	other, err := AddWarning(ctx, tb.store, "otherguild", userID, "mod", "spam", now)
	require.NoError(t, err)
	assert.Equal(t, 1, other.ID)

	acct, err := tb.store.GetOrCreateAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, warningIDs(acct.GuildWarnings(testGuildID)))

	acct, err = RemoveWarning(ctx, tb.store, testGuildID, userID, 2)
	require.NoError(t, err)
	warnings := acct.GuildWarnings(testGuildID)
	assert.Equal(t, []int{1, 2}, warningIDs(warnings))
	assert.Equal(t, "links", warnings[1].Reason)

	_, err = RemoveWarning(ctx, tb.store, testGuildID, userID, 3)
	var uerr *UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "warning #3 not found", uerr.Error())

	n, err := ClearWarnings(ctx, tb.store, testGuildID, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ClearWarnings(ctx, tb.store, testGuildID, userID)
	require.NoError(t, err)
	assert.Zero(t, n)

	acct, err = tb.store.GetOrCreateAccount(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, acct.GuildWarnings("otherguild"), 1)
}

func TestWarnCommands(t *testing.T) {
	tb := newTestBot(t)
	mod := testUser("300000000000000005", "mod")
	target := "300000000000000001"
	tb.mock.calls.setPermissions(mod.ID, PermModerateMembers)

	tb.sendMessage(mod, "!warn <@"+target+"> spamming the   general channel")
	assert.Equal(t, "warned <@"+target+"> (warning #1): spamming the   general channel", tb.lastReply(t))

	tb.clock.Advance(time.Minute)
	tb.sendMessage(mod, "!warn "+target+" caps")
	assert.Equal(t, "warned <@"+target+"> (warning #2): caps", tb.lastReply(t))

	tb.sendMessage(mod, "!warnings <@"+target+">")
	msg := tb.mock.calls.lastSent(t, testChannelID)
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, "Warnings (2)", msg.Embeds[0].Title)
	assert.Contains(t, msg.Embeds[0].Description, "**#2**")

	tb.sendMessage(mod, "!delwarn <@"+target+"> 1")
	assert.Equal(t, "removed warning #1 from <@"+target+">, 1 remaining", tb.lastReply(t))

	tb.sendMessage(mod, "!delwarn <@"+target+"> 5")
	assert.Equal(t, "warning #5 not found", tb.lastReply(t))

	tb.sendMessage(mod, "!clearwarns <@"+target+">")
	assert.Equal(t, "cleared 1 warning(s) from <@"+target+">", tb.lastReply(t))

	tb.sendMessage(mod, "!warnings <@"+target+">")
	assert.Equal(t, "<@"+target+"> has no warnings", tb.lastReply(t))
}

func TestWarnRejectsSelfAndBots(t *testing.T) {
	tb := newTestBot(t)
	mod := testUser("300000000000000005", "mod")
	tb.mock.calls.setPermissions(mod.ID, PermModerateMembers)

	tb.sendMessage(mod, "!warn <@"+mod.ID+"> testing")
	assert.Equal(t, "you can't warn yourself", tb.lastReply(t))

	tb.sendMessage(mod, "!warn <@"+tb.mock.calls.botUser.ID+"> testing")
	assert.Equal(t, "you can't warn bots", tb.lastReply(t))
}

func TestWarnRequiresModerateMembers(t *testing.T) {
	tb := newTestBot(t)
	user := testUser("300000000000000001", "alice")

	tb.sendMessage(user, "!warn <@300000000000000002> rude")
	assert.Equal(t, "you need the following permission(s): Timeout Members", tb.lastReply(t))
}

func TestModerationLog(t *testing.T) {
	tb := newTestBot(t)
	mod := testUser("300000000000000005", "mod")
	target := "300000000000000001"
	tb.mock.calls.setPermissions(mod.ID, PermModerateMembers)
	_, err := tb.store.UpdateGuildConfig(
		context.Background(), testGuildID, func(c *GuildConfig) error {
			c.Moderation.LogChannelID = testModLogChannelID
			return nil
		},
	)
	require.NoError(t, err)

	// logging is off until the feature is enabled
	tb.sendMessage(mod, "!warn <@"+target+"> spam")
	assert.Empty(t, tb.mock.calls.sentTo(testModLogChannelID))

	tb.enableFeature(t, FeatureLogging)
	tb.sendMessage(mod, "!warn <@"+target+"> spam")

	logged := tb.mock.calls.lastSent(t, testModLogChannelID)
	require.Len(t, logged.Embeds, 1)
	embed := logged.Embeds[0]
	assert.Equal(t, "Member warned", embed.Title)
	assert.Equal(t, "#2", embed.Fields[0].Value)
	assert.Equal(t, tb.clock.Now().UTC().Format(time.RFC3339), embed.Timestamp)
}
