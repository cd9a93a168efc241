package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"time"
)

const (
	categoryModeration = "moderation"
	moderationColor    = 0xE67E22
	maxWarnReason      = 500
)

// AddWarning appends a warning to the user's account and returns it, with
// its per-guild ID assigned
func AddWarning(
	ctx context.Context,
	store Store,
	guildID string,
	userID string,
	moderatorID string,
	reason string,
	now time.Time,
) (Warning, error) {
	var added Warning
	_, err := store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			a.Warnings = append(
				a.Warnings,
				Warning{
					GuildID:     guildID,
					Reason:      reason,
					ModeratorID: moderatorID,
					CreatedAt:   now.UnixMilli(),
				},
			)
			a.Warnings = resequenceWarnings(a.Warnings)
			added = a.Warnings[len(a.Warnings)-1]
			return nil
		},
	)
	return added, err
}

// RemoveWarning deletes the guild warning with the given ID, and
// re-sequences the remaining warnings
func RemoveWarning(
	ctx context.Context,
	store Store,
	guildID string,
	userID string,
	warningID int,
) (UserAccount, error) {
	return store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			idx := -1
			for i, w := range a.Warnings {
				if w.GuildID == guildID && w.ID == warningID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return userErrorf("warning #%d not found", warningID)
			}
			a.Warnings = append(a.Warnings[:idx], a.Warnings[idx+1:]...)
			a.Warnings = resequenceWarnings(a.Warnings)
			return nil
		},
	)
}

// ClearWarnings removes all of the user's warnings in the guild,
// returning how many were removed
func ClearWarnings(ctx context.Context, store Store, guildID string, userID string) (
	int,
	error,
) {
	removed := 0
	_, err := store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			kept := a.Warnings[:0]
			removed = 0
			for _, w := range a.Warnings {
				if w.GuildID == guildID {
					removed++
					continue
				}
				kept = append(kept, w)
			}
			if removed == 0 {
				return errSkipWrite
			}
			a.Warnings = resequenceWarnings(kept)
			return nil
		},
	)
	return removed, err
}

func moderationCommands() []*Command {
	return []*Command{
		{
			Name:            "warn",
			Category:        categoryModeration,
			Description:     "Warn a member",
			UserPermissions: PermModerateMembers,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "Member to warn", Required: true},
				{Name: "reason", Type: OptionString, Description: "Reason", Required: true, Rest: true},
			},
			Run: runWarn,
		},
		{
			Name:            "warnings",
			Category:        categoryModeration,
			Description:     "List a member's warnings",
			UserPermissions: PermModerateMembers,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "Member", Required: true},
			},
			Run: runWarnings,
		},
		{
			Name:            "delwarn",
			Category:        categoryModeration,
			Description:     "Delete one of a member's warnings",
			UserPermissions: PermModerateMembers,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "Member", Required: true},
				{Name: "id", Type: OptionInteger, Description: "Warning number", Required: true},
			},
			Run: runDelWarn,
		},
		{
			Name:            "clearwarns",
			Category:        categoryModeration,
			Description:     "Delete all of a member's warnings",
			UserPermissions: PermModerateMembers,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "Member", Required: true},
			},
			Run: runClearWarns,
		},
	}
}

func runWarn(ctx context.Context, cc *CommandContext) error {
	target, err := resolveUser(ctx, cc, cc.Args.String("user"))
	if err != nil {
		return err
	}
	if target.ID == cc.User.ID {
		return userErrorf("you can't warn yourself")
	}
	if target.Bot {
		return userErrorf("you can't warn bots")
	}
	reason := truncate(cc.Args.String("reason"), maxWarnReason)

	w, err := AddWarning(ctx, cc.Bot.store, cc.GuildID, target.ID, cc.User.ID, reason, cc.Bot.now())
	if err != nil {
		return err
	}
	cc.Bot.logModeration(
		ctx,
		cc.GuildID,
		&discordgo.MessageEmbed{
			Title:       "Member warned",
			Color:       moderationColor,
			Description: fmt.Sprintf("<@%s> was warned by <@%s>", target.ID, cc.User.ID),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Warning", Value: fmt.Sprintf("#%d", w.ID), Inline: true},
				{Name: "Reason", Value: reason},
			},
		},
	)
	return cc.Replyf(ctx, "warned <@%s> (warning #%d): %s", target.ID, w.ID, reason)
}

func runWarnings(ctx context.Context, cc *CommandContext) error {
	userID := cc.Args.String("user")
	acct, err := cc.Bot.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return err
	}
	warnings := acct.GuildWarnings(cc.GuildID)
	if len(warnings) == 0 {
		return cc.Replyf(ctx, "<@%s> has no warnings", userID)
	}
	var sb strings.Builder
	for _, w := range warnings {
		fmt.Fprintf(
			&sb,
			"**#%d** <t:%d:d> by <@%s>: %s\n",
			w.ID, w.CreatedAt/1000, w.ModeratorID, w.Reason,
		)
	}
	return cc.ReplyEmbed(
		ctx,
		&discordgo.MessageEmbed{
			Title:       fmt.Sprintf("Warnings (%d)", len(warnings)),
			Color:       moderationColor,
			Description: shortenString(sb.String(), 4000),
		},
	)
}

func runDelWarn(ctx context.Context, cc *CommandContext) error {
	userID := cc.Args.String("user")
	id, _ := cc.Args.Int("id")
	acct, err := RemoveWarning(ctx, cc.Bot.store, cc.GuildID, userID, int(id))
	if err != nil {
		return err
	}
	cc.Bot.logModeration(
		ctx,
		cc.GuildID,
		&discordgo.MessageEmbed{
			Title:       "Warning removed",
			Color:       moderationColor,
			Description: fmt.Sprintf("<@%s> removed warning #%d from <@%s>", cc.User.ID, id, userID),
		},
	)
	return cc.Replyf(
		ctx,
		"removed warning #%d from <@%s>, %d remaining",
		id, userID, len(acct.GuildWarnings(cc.GuildID)),
	)
}

func runClearWarns(ctx context.Context, cc *CommandContext) error {
	userID := cc.Args.String("user")
	n, err := ClearWarnings(ctx, cc.Bot.store, cc.GuildID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return cc.Replyf(ctx, "<@%s> has no warnings", userID)
	}
	cc.Bot.logModeration(
		ctx,
		cc.GuildID,
		&discordgo.MessageEmbed{
			Title:       "Warnings cleared",
			Color:       moderationColor,
			Description: fmt.Sprintf("<@%s> cleared %d warning(s) from <@%s>", cc.User.ID, n, userID),
		},
	)
	return cc.Replyf(ctx, "cleared %d warning(s) from <@%s>", n, userID)
}

// logModeration posts embed to the guild's moderation log channel, when
// the logging feature is on. Failures are logged only.
func (b *Bot) logModeration(ctx context.Context, guildID string, embed *discordgo.MessageEmbed) {
	logger := loggerFrom(ctx, b.logger)
	cfg, err := b.store.GuildConfig(ctx, guildID)
	if err != nil {
		logger.WarnContext(ctx, "error getting guild config", tint.Err(err))
		return
	}
	if !cfg.Features.Logging {
		return
	}
	channelID := cfg.Moderation.LogChannelID
	if channelID == "" {
		channelID = cfg.Logging.ChannelID
	}
	if channelID == "" {
		return
	}
	embed.Timestamp = b.now().UTC().Format(time.RFC3339)
	if _, err := b.session().ChannelMessageSendEmbed(
		channelID,
		embed,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(
			ctx,
			"error sending moderation log",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}
