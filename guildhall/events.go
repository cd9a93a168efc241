package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"sync"
)

const (
	eventMessage     = "message"
	eventMemberJoin  = "member_join"
	eventVoiceState  = "voice_state"
	eventInteraction = "interaction"
	eventReady       = "ready"
)

type listener[T any] struct {
	name   string
	handle func(ctx context.Context, ev T) error
}

type listenerList[T any] struct {
	mu        sync.RWMutex
	listeners []listener[T]
}

func (l *listenerList[T]) add(name string, fn func(ctx context.Context, ev T) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener[T]{name: name, handle: fn})
}

func (l *listenerList[T]) snapshot() []listener[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rv := make([]listener[T], len(l.listeners))
	copy(rv, l.listeners)
	return rv
}

func (l *listenerList[T]) names() []string {
	var rv []string
	for _, ls := range l.snapshot() {
		rv = append(rv, ls.name)
	}
	return rv
}

// EventDispatcher fans gateway events out to named listeners. Listeners
// for an event run in registration order, and an error or panic in one
// doesn't prevent the rest from running.
type EventDispatcher struct {
	logger *slog.Logger
	alerts *AlertSink
	state  *ProcessState

	messageReceived     listenerList[*discordgo.MessageCreate]
	memberJoined        listenerList[*discordgo.GuildMemberAdd]
	voiceStateChanged   listenerList[*discordgo.VoiceStateUpdate]
	interactionReceived listenerList[*discordgo.InteractionCreate]
	clientReady         listenerList[*discordgo.Ready]

	readyOnce sync.Once
}

func NewEventDispatcher(
	logger *slog.Logger,
	alerts *AlertSink,
	state *ProcessState,
) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{logger: logger, alerts: alerts, state: state}
}

func (d *EventDispatcher) OnMessage(
	name string,
	fn func(ctx context.Context, ev *discordgo.MessageCreate) error,
) {
	d.messageReceived.add(name, fn)
}

func (d *EventDispatcher) OnMemberJoin(
	name string,
	fn func(ctx context.Context, ev *discordgo.GuildMemberAdd) error,
) {
	d.memberJoined.add(name, fn)
}

func (d *EventDispatcher) OnVoiceState(
	name string,
	fn func(ctx context.Context, ev *discordgo.VoiceStateUpdate) error,
) {
	d.voiceStateChanged.add(name, fn)
}

func (d *EventDispatcher) OnInteraction(
	name string,
	fn func(ctx context.Context, ev *discordgo.InteractionCreate) error,
) {
	d.interactionReceived.add(name, fn)
}

// OnReady adds a listener run on the first Ready event only
func (d *EventDispatcher) OnReady(
	name string,
	fn func(ctx context.Context, ev *discordgo.Ready) error,
) {
	d.clientReady.add(name, fn)
}

func (d *EventDispatcher) DispatchMessage(ctx context.Context, ev *discordgo.MessageCreate) {
	dispatch(ctx, d, eventMessage, &d.messageReceived, ev)
}

func (d *EventDispatcher) DispatchMemberJoin(ctx context.Context, ev *discordgo.GuildMemberAdd) {
	dispatch(ctx, d, eventMemberJoin, &d.memberJoined, ev)
}

func (d *EventDispatcher) DispatchVoiceState(ctx context.Context, ev *discordgo.VoiceStateUpdate) {
	dispatch(ctx, d, eventVoiceState, &d.voiceStateChanged, ev)
}

func (d *EventDispatcher) DispatchInteraction(
	ctx context.Context,
	ev *discordgo.InteractionCreate,
) {
	dispatch(ctx, d, eventInteraction, &d.interactionReceived, ev)
}

// DispatchReady runs the ready listeners the first time it's called.
// Later calls (from gateway reconnects) are no-ops.
func (d *EventDispatcher) DispatchReady(ctx context.Context, ev *discordgo.Ready) {
	d.readyOnce.Do(
		func() {
			dispatch(ctx, d, eventReady, &d.clientReady, ev)
		},
	)
}

// Listeners returns the names of each event's listeners, in order
func (d *EventDispatcher) Listeners() map[string][]string {
	return map[string][]string{
		eventMessage:     d.messageReceived.names(),
		eventMemberJoin:  d.memberJoined.names(),
		eventVoiceState:  d.voiceStateChanged.names(),
		eventInteraction: d.interactionReceived.names(),
		eventReady:       d.clientReady.names(),
	}
}

func dispatch[T any](
	ctx context.Context,
	d *EventDispatcher,
	event string,
	list *listenerList[T],
	ev T,
) {
	if d.state != nil {
		d.state.eventsHandled.Add(1)
	}
	for _, l := range list.snapshot() {
		d.runListener(ctx, event, l.name, func(ctx context.Context) error {
			return l.handle(ctx, ev)
		})
	}
}

func (d *EventDispatcher) runListener(
	ctx context.Context,
	event string,
	name string,
	fn func(ctx context.Context) error,
) {
	logger := d.logger.With("event", event, "listener", name)
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			logger.ErrorContext(ctx, "recovered panic in listener", "panic", r, "stack", stack)
			d.alerts.Notify(
				ctx,
				fmt.Sprintf("panic in %s listener `%s`", event, name),
				fmt.Sprintf("%v\n%s", r, truncate(stack, 1500)),
			)
		}
	}()

	if err := fn(WithLogger(ctx, logger)); err != nil {
		logger.ErrorContext(ctx, "listener error", tint.Err(err))
		d.alerts.Notify(
			ctx,
			fmt.Sprintf("error in %s listener `%s`", event, name),
			err.Error(),
		)
	}
}
