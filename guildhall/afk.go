package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
)

const (
	defaultAFKReason = "AFK"
	maxAFKReason     = 200
)

// onMessageAFK clears the AFK status of returning authors, and tells the
// channel when a message mentions someone who is AFK
func (b *Bot) onMessageAFK(ctx context.Context, m *discordgo.MessageCreate) error {
	if !fromUser(m) {
		return nil
	}
	var lines []string

	if !b.isAFKCommand(ctx, m) {
		cleared, err := b.store.ClearAFK(ctx, m.Author.ID)
		if err != nil {
			return fmt.Errorf("error clearing AFK status: %w", err)
		}
		if cleared {
			lines = append(lines, fmt.Sprintf("welcome back %s, I removed your AFK status", m.Author.Mention()))
		}
	}

	seen := map[string]bool{m.Author.ID: true}
	for _, u := range m.Mentions {
		if u == nil || u.Bot || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		status, err := b.store.AFK(ctx, u.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error getting AFK status: %w", err)
		}
		lines = append(
			lines,
			fmt.Sprintf("**%s** is AFK: %s (<t:%d:R>)", u.Username, status.Reason, status.Since/1000),
		)
	}

	if len(lines) == 0 {
		return nil
	}
	_, err := b.session().ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:         shortenString(strings.Join(lines, "\n"), discordMaxMessageLength),
			Reference:       m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{Users: []string{m.Author.ID}},
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// isAFKCommand reports whether the message invokes the afk command, which
// shouldn't immediately clear the status it sets
func (b *Bot) isAFKCommand(ctx context.Context, m *discordgo.MessageCreate) bool {
	line, ok := stripPrefix(m.Content, b.prefixFor(ctx, m.GuildID), b.botUserID())
	if !ok {
		return false
	}
	tokens := splitArgs(line)
	if len(tokens) == 0 {
		return false
	}
	cmd, found := b.registry.Lookup(tokens[0].text)
	return found && cmd.Name == "afk"
}

func afkCommand() *Command {
	return &Command{
		Name:        "afk",
		Category:    categoryUtility,
		Description: "Set an AFK status, shown when you're mentioned",
		Surfaces:    SurfaceAll,
		Options: []Option{
			{Name: "reason", Type: OptionString, Description: "Reason", Rest: true},
		},
		Run: func(ctx context.Context, cc *CommandContext) error {
			reason := strings.TrimSpace(cc.Args.String("reason"))
			if reason == "" {
				reason = defaultAFKReason
			}
			reason = truncate(reason, maxAFKReason)
			err := cc.Bot.store.SetAFK(
				ctx,
				AFKStatus{
					UserID: cc.User.ID,
					Reason: reason,
					Since:  cc.Bot.now().UnixMilli(),
				},
			)
			if err != nil {
				return err
			}
			return cc.Replyf(ctx, "you're now AFK: %s", reason)
		},
	}
}
