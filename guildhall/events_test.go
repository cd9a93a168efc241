package guildhall

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"log/slog"
	"testing"
)

func TestDispatcherIsolatesListeners(t *testing.T) {
	t.Parallel()

	state := NewProcessState(newTestClock().Now())
	d := NewEventDispatcher(slog.New(testLogHandler()), nil, state)

	var ran []string
	d.OnMessage(
		"first", func(context.Context, *discordgo.MessageCreate) error {
			ran = append(ran, "first")
			return errors.New("first failed")
		},
	)
	d.OnMessage(
		"second", func(context.Context, *discordgo.MessageCreate) error {
			ran = append(ran, "second")
			panic("second panicked")
		},
	)
	d.OnMessage(
		"third", func(ctx context.Context, _ *discordgo.MessageCreate) error {
			ran = append(ran, "third")
			_, ok := ContextLogger(ctx)
			assert.True(t, ok)
			return nil
		},
	)

	d.DispatchMessage(
		context.Background(),
		&discordgo.MessageCreate{Message: &discordgo.Message{Content: "hi"}},
	)
	assert.Equal(t, []string{"first", "second", "third"}, ran)
	assert.Equal(t, int64(1), state.EventsHandled())
}

func TestDispatchReadyRunsOnce(t *testing.T) {
	t.Parallel()

	d := NewEventDispatcher(slog.New(testLogHandler()), nil, nil)
	var count int
	d.OnReady(
		"count", func(context.Context, *discordgo.Ready) error {
			count++
			return nil
		},
	)

	d.DispatchReady(context.Background(), &discordgo.Ready{})
	d.DispatchReady(context.Background(), &discordgo.Ready{})
	assert.Equal(t, 1, count)
}

func TestReadyListeners(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.OwnerIDs = nil
	tb := newTestBotWithConfig(t, cfg)
	ctx := context.Background()

	tb.events.DispatchReady(ctx, &discordgo.Ready{})

	tb.mock.calls.mu.Lock()
	overwritten := len(tb.mock.calls.overwritten)
	tb.mock.calls.mu.Unlock()
	assert.Equal(t, 1, overwritten)

	// with no configured owners, the application owner is seeded
	assert.True(t, tb.state.IsOwner("100000000000000003"))
	owners, err := tb.store.BotOwners(ctx)
	assert.NoError(t, err)
	assert.Len(t, owners, 1)
}

func TestInteractionComponentsRouteSuggestionButtons(t *testing.T) {
	tb := newTestBot(t)

	// unrelated components are ignored
	tb.events.DispatchInteraction(
		context.Background(), &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				Type: discordgo.InteractionMessageComponent,
				Data: discordgo.MessageComponentInteractionData{CustomID: "other:thing"},
				Member: &discordgo.Member{
					User: testUser("300000000000000001", "alice"),
				},
			},
		},
	)
	tb.mock.calls.mu.Lock()
	defer tb.mock.calls.mu.Unlock()
	assert.Empty(t, tb.mock.calls.responses)
}
