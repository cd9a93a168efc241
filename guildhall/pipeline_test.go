package guildhall

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync/atomic"
	"testing"
	"time"
)

// newTestPipeline returns a pipeline over cmds, sharing the test bot's
// store, session, clock and process state
func newTestPipeline(t testing.TB, tb *testBot, cmds ...*Command) *Pipeline {
	t.Helper()
	registry, err := NewRegistry(cmds...)
	require.NoError(t, err)
	return &Pipeline{
		bot:       tb.Bot,
		registry:  registry,
		cooldowns: tb.cooldowns,
		state:     tb.state,
		store:     tb.store,
		session:   tb.mock,
		logger:    tb.logger,
		now:       tb.clock.Now,
	}
}

// textInv parses content as a guild text invocation from user
func textInv(t testing.TB, tb *testBot, user *discordgo.User, guildID string, content string) *invocation {
	t.Helper()
	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "400000000000000001",
			GuildID:   guildID,
			ChannelID: testChannelID,
			Content:   content,
			Author:    user,
		},
	}
	inv, ok := textInvocation(tb.mock, m, DefaultDiscordPrefix, tb.mock.calls.botUser.ID)
	require.True(t, ok)
	return inv
}

func TestPipelineRunsCommand(t *testing.T) {
	tb := newTestBot(t)
	cmd := testCommand("echo")
	cmd.Options = []Option{{Name: "text", Type: OptionString, Required: true, Rest: true}}
	cmd.Run = func(ctx context.Context, cc *CommandContext) error {
		return cc.Replyf(ctx, "you said: %s", cc.Args.String("text"))
	}
	p := newTestPipeline(t, tb, cmd)

	user := testUser("300000000000000001", "alice")
	outcome := p.Execute(context.Background(), textInv(t, tb, user, testGuildID, "!echo hello  there"), "!")
	assert.Equal(t, OutcomeReplied, outcome)

	reply := tb.mock.calls.lastSent(t, testChannelID)
	assert.Equal(t, "you said: hello  there", reply.Content)
	require.NotNil(t, reply.Reference)
	assert.Equal(t, "400000000000000001", reply.Reference.MessageID)
	assert.Equal(t, int64(1), tb.state.CommandsExecuted())

	stats, err := tb.store.CommandStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.ByCommand["echo"])
}

func TestPipelineIgnoresUnknownCommands(t *testing.T) {
	tb := newTestBot(t)
	p := newTestPipeline(t, tb, testCommand("echo"))

	user := testUser("300000000000000001", "alice")
	outcome := p.Execute(context.Background(), textInv(t, tb, user, testGuildID, "!nope"), "!")
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, tb.mock.calls.sentCount())
}

func TestPipelineIgnoresWrongSurface(t *testing.T) {
	tb := newTestBot(t)
	cmd := testCommand("slashonly")
	cmd.Surfaces = SurfaceSlash
	p := newTestPipeline(t, tb, cmd)

	user := testUser("300000000000000001", "alice")
	outcome := p.Execute(context.Background(), textInv(t, tb, user, testGuildID, "!slashonly"), "!")
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestPipelinePrechecks(t *testing.T) {
	owner := testUser("300000000000000009", "owner")
	user := testUser("300000000000000001", "alice")

	tests := []struct {
		name    string
		setup   func(tb *testBot, cmd *Command)
		user    *discordgo.User
		guildID string
		want    Outcome
		reply   string
	}{
		{
			name:  "maintenance",
			setup: func(tb *testBot, _ *Command) { tb.state.SetMaintenance(true) },
			user:  user,
			want:  OutcomeRejected,
			reply: "the bot is in maintenance mode, try again later",
		},
		{
			name:  "maintenance owner bypass",
			setup: func(tb *testBot, _ *Command) { tb.state.SetMaintenance(true) },
			user:  owner,
			want:  OutcomeReplied,
			reply: "ok",
		},
		{
			name:  "owner only",
			setup: func(_ *testBot, cmd *Command) { cmd.OwnerOnly = true },
			user:  user,
			want:  OutcomeRejected,
			reply: "this command can only be used by the bot owner",
		},
		{
			name:    "guild only in DM",
			setup:   func(_ *testBot, cmd *Command) { cmd.GuildOnly = true },
			user:    user,
			guildID: "-",
			want:    OutcomeRejected,
			reply:   "this command can only be used in a server",
		},
		{
			name: "user permissions",
			setup: func(_ *testBot, cmd *Command) {
				cmd.UserPermissions = PermManageGuild | PermKickMembers
			},
			user:  user,
			want:  OutcomeRejected,
			reply: "you need the following permission(s): Kick Members, Manage Server",
		},
		{
			name: "user permissions via administrator",
			setup: func(tb *testBot, cmd *Command) {
				cmd.UserPermissions = PermManageGuild
				tb.mock.calls.setPermissions(user.ID, PermAdministrator)
			},
			user:  user,
			want:  OutcomeReplied,
			reply: "ok",
		},
		{
			name: "bot permissions",
			setup: func(tb *testBot, cmd *Command) {
				cmd.BotPermissions = PermEmbedLinks
				tb.mock.calls.setPermissions(tb.mock.calls.botUser.ID, PermSendMessages)
			},
			user:  user,
			want:  OutcomeRejected,
			reply: "I need the following permission(s): Embed Links",
		},
		{
			name:  "premium",
			setup: func(_ *testBot, cmd *Command) { cmd.PremiumOnly = true },
			user:  user,
			want:  OutcomeRejected,
			reply: "`guarded` is a premium command",
		},
		{
			name: "premium account",
			setup: func(tb *testBot, cmd *Command) {
				cmd.PremiumOnly = true
				_, err := tb.store.UpdateAccount(
					context.Background(), user.ID, func(a *UserAccount) error {
						a.Premium = true
						return nil
					},
				)
				require.NoError(t, err)
			},
			user:  user,
			want:  OutcomeReplied,
			reply: "ok",
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				tb := newTestBot(t)
				tb.state.AddOwners(owner.ID)

				cmd := testCommand("guarded")
				cmd.Run = func(ctx context.Context, cc *CommandContext) error {
					return cc.Replyf(ctx, "ok")
				}
				tc.setup(tb, cmd)
				p := newTestPipeline(t, tb, cmd)

				guildID := testGuildID
				if tc.guildID == "-" {
					guildID = ""
				}
				outcome := p.Execute(
					context.Background(),
					textInv(t, tb, tc.user, guildID, "!guarded"),
					"!",
				)
				assert.Equal(t, tc.want, outcome)
				assert.Equal(t, tc.reply, tb.lastReply(t))
			},
		)
	}
}

func TestPipelineCooldown(t *testing.T) {
	tb := newTestBot(t)
	var runs atomic.Int32
	cmd := testCommand("slow")
	cmd.Cooldown = 5 * time.Second
	cmd.Run = func(ctx context.Context, cc *CommandContext) error {
		runs.Add(1)
		return cc.Replyf(ctx, "ran")
	}
	p := newTestPipeline(t, tb, cmd)
	user := testUser("300000000000000001", "alice")
	ctx := context.Background()

	assert.Equal(t, OutcomeReplied, p.Execute(ctx, textInv(t, tb, user, testGuildID, "!slow"), "!"))

	tb.clock.Advance(2 * time.Second)
	assert.Equal(t, OutcomeRejected, p.Execute(ctx, textInv(t, tb, user, testGuildID, "!slow"), "!"))
	assert.Equal(t, "you're on cooldown for `slow`, try again in 3s", tb.lastReply(t))

	other := testUser("300000000000000002", "bob")
	assert.Equal(t, OutcomeReplied, p.Execute(ctx, textInv(t, tb, other, testGuildID, "!slow"), "!"))

	tb.clock.Advance(3 * time.Second)
	assert.Equal(t, OutcomeReplied, p.Execute(ctx, textInv(t, tb, user, testGuildID, "!slow"), "!"))
	assert.Equal(t, int32(3), runs.Load())
}

func TestPipelineRejectedArgumentsSkipCooldown(t *testing.T) {
	tb := newTestBot(t)
	cmd := testCommand("num")
	cmd.Cooldown = time.Minute
	cmd.Options = []Option{{Name: "n", Type: OptionInteger, Required: true}}
	p := newTestPipeline(t, tb, cmd)
	user := testUser("300000000000000001", "alice")
	ctx := context.Background()

	assert.Equal(t, OutcomeRejected, p.Execute(ctx, textInv(t, tb, user, testGuildID, "!num"), "!"))
	assert.Equal(t, "missing argument `n`", tb.lastReply(t))
	assert.Zero(t, tb.cooldowns.Remaining("num", user.ID, cmd.Cooldown))

	assert.Equal(t, OutcomeReplied, p.Execute(ctx, textInv(t, tb, user, testGuildID, "!num 4"), "!"))
}

func TestPipelineUserError(t *testing.T) {
	tb := newTestBot(t)
	cmd := testCommand("fussy")
	cmd.Run = func(ctx context.Context, cc *CommandContext) error {
		return userErrorf("not like that, %s", cc.User.Username)
	}
	p := newTestPipeline(t, tb, cmd)
	user := testUser("300000000000000001", "alice")

	outcome := p.Execute(context.Background(), textInv(t, tb, user, testGuildID, "!fussy"), "!")
	assert.Equal(t, OutcomeReplied, outcome)
	assert.Equal(t, "not like that, alice", tb.lastReply(t))
}

func TestPipelineFailures(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, cc *CommandContext) error
	}{
		{
			name: "error",
			run: func(context.Context, *CommandContext) error {
				return errors.New("database on fire")
			},
		},
		{
			name: "panic",
			run: func(context.Context, *CommandContext) error {
				panic("unreachable")
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				tb := newTestBot(t)
				cmd := testCommand("broken")
				cmd.Run = tc.run
				p := newTestPipeline(t, tb, cmd)
				user := testUser("300000000000000001", "alice")

				outcome := p.Execute(
					context.Background(),
					textInv(t, tb, user, testGuildID, "!broken"),
					"!",
				)
				assert.Equal(t, OutcomeFailed, outcome)
				assert.Equal(t, genericErrorReply, tb.lastReply(t))

				stats, err := tb.store.CommandStats(context.Background())
				require.NoError(t, err)
				assert.Equal(t, int64(1), stats.Failures)
			},
		)
	}
}

func TestPipelineSlashReplies(t *testing.T) {
	tb := newTestBot(t)
	cmd := testCommand("twice")
	cmd.Run = func(ctx context.Context, cc *CommandContext) error {
		if err := cc.Replyf(ctx, "first"); err != nil {
			return err
		}
		return cc.Replyf(ctx, "second")
	}
	p := newTestPipeline(t, tb, cmd)

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "500000000000000001",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member: &discordgo.Member{
				User: testUser("300000000000000001", "alice"),
			},
			Data: discordgo.ApplicationCommandInteractionData{Name: "twice"},
		},
	}
	inv, ok := slashInvocation(tb.mock, i)
	require.True(t, ok)

	assert.Equal(t, OutcomeReplied, p.Execute(context.Background(), inv, "!"))
	resp := tb.mock.calls.lastResponse(t)
	assert.Equal(t, "first", resp.Data.Content)

	tb.mock.calls.mu.Lock()
	defer tb.mock.calls.mu.Unlock()
	require.Len(t, tb.mock.calls.followups, 1)
	assert.Equal(t, "second", tb.mock.calls.followups[0].Content)
}
