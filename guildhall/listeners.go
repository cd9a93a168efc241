package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"time"
)

func (b *Bot) registerListeners() {
	d := b.events

	d.OnMessage("commands", b.onMessageCommand)
	d.OnMessage("afk", b.onMessageAFK)
	d.OnMessage("auto_responses", b.onMessageAutoResponse)
	d.OnMessage("custom_commands", b.onMessageCustomCommand)

	d.OnMemberJoin("welcome", b.onMemberJoinWelcome)
	d.OnMemberJoin("alt_detector", b.onMemberJoinAltDetector)

	d.OnVoiceState("temp_voice", b.tempVoice.HandleVoiceState)

	d.OnInteraction("commands", b.onInteractionCommand)
	d.OnInteraction("components", b.onInteractionComponent)

	d.OnReady("register_commands", b.onReadyRegisterCommands)
	d.OnReady("seed_owner", b.onReadySeedOwner)
	d.OnReady("presence", b.onReadyPresence)
}

// fromUser reports whether the message was sent by a (non-bot) user
func fromUser(m *discordgo.MessageCreate) bool {
	return m.Author != nil && !m.Author.Bot
}

func (b *Bot) onMessageCommand(ctx context.Context, m *discordgo.MessageCreate) error {
	if !fromUser(m) {
		return nil
	}
	prefix := b.prefixFor(ctx, m.GuildID)
	inv, ok := textInvocation(b.session(), m, prefix, b.botUserID())
	if !ok {
		return nil
	}
	b.pipeline.Execute(ctx, inv, prefix)
	return nil
}

func (b *Bot) onInteractionCommand(ctx context.Context, i *discordgo.InteractionCreate) error {
	inv, ok := slashInvocation(b.session(), i)
	if !ok {
		return nil
	}
	prefix := b.prefixFor(ctx, i.GuildID)
	b.pipeline.Execute(ctx, inv, prefix)
	return nil
}

func (b *Bot) onInteractionComponent(ctx context.Context, i *discordgo.InteractionCreate) error {
	if i.Type != discordgo.InteractionMessageComponent {
		return nil
	}
	customID := i.MessageComponentData().CustomID
	if !strings.HasPrefix(customID, suggestionButtonPrefix) {
		return nil
	}
	return b.suggestions.HandleButton(ctx, i)
}

// onReadyRegisterCommands overwrites the application's slash commands with
// the registry's
func (b *Bot) onReadyRegisterCommands(ctx context.Context, _ *discordgo.Ready) error {
	cmds := b.registry.ApplicationCommands()
	registered, err := b.discord.registerCommands(cmds)
	if err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	loggerFrom(ctx, b.logger).InfoContext(
		ctx,
		"slash commands registered",
		"count", len(registered),
	)
	return nil
}

// onReadySeedOwner stores the configured owners, or the application owner
// if none are configured
func (b *Bot) onReadySeedOwner(ctx context.Context, _ *discordgo.Ready) error {
	owners := b.config.Discord.OwnerIDs
	if len(owners) == 0 {
		app, err := b.session().Application(b.config.Discord.ApplicationID)
		if err != nil {
			return fmt.Errorf("error getting application: %w", err)
		}
		if app.Owner == nil {
			loggerFrom(ctx, b.logger).WarnContext(ctx, "application has no owner, no bot owners seeded")
			return nil
		}
		owners = []string{app.Owner.ID}
	}
	for _, id := range owners {
		if err := b.store.AddBotOwner(ctx, id); err != nil {
			return fmt.Errorf("error adding bot owner %s: %w", id, err)
		}
		b.state.AddOwners(id)
	}
	return nil
}

// onReadyPresence starts the presence rotation, which runs until the
// runtime context is canceled
func (b *Bot) onReadyPresence(ctx context.Context, _ *discordgo.Ready) error {
	messages := b.config.Discord.Presence
	if len(messages) == 0 {
		return nil
	}
	interval := b.config.Discord.PresenceInterval
	if interval <= 0 {
		interval = DefaultDiscordPresenceInterval
	}

	b.spawn(ctx, "presence", func(ctx context.Context) {
		b.rotatePresence(ctx, messages, interval)
	})
	return nil
}

func (b *Bot) rotatePresence(ctx context.Context, messages []string, interval time.Duration) {
	logger := loggerFrom(ctx, b.logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for idx := 0; ; idx = (idx + 1) % len(messages) {
		err := b.session().UpdateStatusComplex(
			discordgo.UpdateStatusData{
				Status: string(discordgo.StatusOnline),
				Activities: []*discordgo.Activity{
					{Name: messages[idx], Type: discordgo.ActivityTypeGame},
				},
			},
		)
		if err != nil {
			logger.WarnContext(ctx, "error updating presence", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
