package guildhall

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestCustomCommands(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	mod := testUser("300000000000000005", "mod")
	user := testUser("300000000000000001", "alice")
	tb.mock.calls.setPermissions(mod.ID, PermManageGuild)

	tb.sendMessage(mod, "!cc add Rules be nice, no spam")
	assert.Equal(t, "added `!rules`", tb.lastReply(t))

	tb.sendMessage(user, "!rules")
	assert.Equal(t, "be nice, no spam", tb.lastReply(t))
	tb.sendMessage(user, "!RULES please")
	assert.Equal(t, "be nice, no spam", tb.lastReply(t))

	cmd, err := tb.store.CustomCommand(ctx, testGuildID, "rules")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cmd.Uses)

	tb.sendMessage(mod, "!cc add rules be nice")
	assert.Equal(t, "updated `!rules`", tb.lastReply(t))

	tb.sendMessage(mod, "!cc add ping pong")
	assert.Equal(t, "`ping` is a built-in command", tb.lastReply(t))

	tb.sendMessage(mod, "!cc add bad!name hi")
	assert.Contains(t, tb.lastReply(t), "command names may only use")

	tb.sendMessage(mod, "!cc remove rules")
	assert.Equal(t, "removed `!rules`", tb.lastReply(t))

	sent := tb.mock.calls.sentCount()
	tb.sendMessage(user, "!rules")
	assert.Equal(t, sent, tb.mock.calls.sentCount())
}

func TestCustomCommandsRequireManageGuild(t *testing.T) {
	tb := newTestBot(t)
	user := testUser("300000000000000001", "alice")

	tb.sendMessage(user, "!customcommand add rules be nice")
	assert.Equal(t, "you need the following permission(s): Manage Server", tb.lastReply(t))
}

func TestCustomCommandsUseGuildPrefix(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	_, err := tb.store.UpdateGuildConfig(
		ctx, testGuildID, func(c *GuildConfig) error {
			c.Prefix = "?"
			return nil
		},
	)
	require.NoError(t, err)
	_, _, err = tb.store.UpsertCustomCommand(
		ctx,
		CustomCommand{GuildID: testGuildID, Name: "rules", Response: "be nice"},
	)
	require.NoError(t, err)

	user := testUser("300000000000000001", "alice")
	sent := tb.mock.calls.sentCount()
	tb.sendMessage(user, "!rules")
	assert.Equal(t, sent, tb.mock.calls.sentCount())

	tb.sendMessage(user, "?rules")
	assert.Equal(t, "be nice", tb.lastReply(t))
}
