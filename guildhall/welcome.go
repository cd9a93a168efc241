package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const altDetectorColor = 0xED4245

// expandWelcome fills in the welcome template placeholders
func expandWelcome(template string, user *discordgo.User, guildName string, memberCount int) string {
	count := "?"
	if memberCount > 0 {
		count = strconv.Itoa(memberCount)
	}
	return strings.NewReplacer(
		"{user}", user.Mention(),
		"{username}", user.Username,
		"{server}", guildName,
		"{memberCount}", count,
	).Replace(template)
}

func (b *Bot) onMemberJoinWelcome(ctx context.Context, m *discordgo.GuildMemberAdd) error {
	if m.Member == nil || m.User == nil {
		return nil
	}
	cfg, err := b.store.GuildConfig(ctx, m.GuildID)
	if err != nil {
		return fmt.Errorf("error getting guild config: %w", err)
	}
	if !cfg.Features.Welcome {
		return nil
	}

	var errs []error
	if cfg.Welcome.ChannelID != "" {
		guildName, memberCount := "the server", 0
		if g, err := b.session().StateGuild(m.GuildID); err == nil {
			guildName, memberCount = g.Name, g.MemberCount
		}
		template := cfg.Welcome.Message
		if template == "" {
			template = DefaultWelcomeMessage
		}
		_, err = b.session().ChannelMessageSendComplex(
			cfg.Welcome.ChannelID,
			&discordgo.MessageSend{
				Content: m.User.Mention(),
				Embeds: []*discordgo.MessageEmbed{
					{
						Description: expandWelcome(template, m.User, guildName, memberCount),
						Color:       cfg.Welcome.Color,
						Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: m.User.AvatarURL("")},
					},
				},
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Users: []string{m.User.ID},
				},
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("error sending welcome message: %w", err))
		}
	}

	if cfg.Welcome.RoleID != "" && !m.User.Bot {
		if err := b.session().GuildMemberRoleAdd(
			m.GuildID,
			m.User.ID,
			cfg.Welcome.RoleID,
			discordgo.WithContext(ctx),
		); err != nil {
			errs = append(errs, fmt.Errorf("error adding welcome role: %w", err))
		}
	}
	return errors.Join(errs...)
}

// onMemberJoinAltDetector flags accounts younger than the guild's minimum
// account age, and kicks them if configured to
func (b *Bot) onMemberJoinAltDetector(ctx context.Context, m *discordgo.GuildMemberAdd) error {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return nil
	}
	cfg, err := b.store.GuildConfig(ctx, m.GuildID)
	if err != nil {
		return fmt.Errorf("error getting guild config: %w", err)
	}
	alt := cfg.AltDetector
	if !alt.Enabled {
		return nil
	}
	created, err := snowflakeTime(m.User.ID)
	if err != nil {
		return err
	}
	minAge := time.Duration(alt.MinAccountAgeDays) * 24 * time.Hour
	age := b.now().Sub(created)
	if age >= minAge {
		return nil
	}

	logger := loggerFrom(ctx, b.logger).With(userLogAttrs(m.User)...)
	logger.InfoContext(ctx, "young account joined", "account_age", age, "action", alt.Action)

	kicked := false
	if alt.Action == AltActionKick {
		reason := fmt.Sprintf("account younger than %d days", alt.MinAccountAgeDays)
		if err := b.session().GuildMemberDeleteWithReason(
			m.GuildID,
			m.User.ID,
			reason,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.WarnContext(ctx, "error kicking young account", tint.Err(err))
		} else {
			kicked = true
		}
	}

	if alt.LogChannelID == "" {
		return nil
	}
	action := "logged"
	if kicked {
		action = "kicked"
	}
	_, err = b.session().ChannelMessageSendEmbed(
		alt.LogChannelID,
		&discordgo.MessageEmbed{
			Title:       "Possible alt account",
			Color:       altDetectorColor,
			Description: fmt.Sprintf("%s (%s) joined", m.User.Mention(), m.User.Username),
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Account created", Value: fmt.Sprintf("<t:%d:R>", created.Unix()), Inline: true},
				{Name: "Action", Value: action, Inline: true},
			},
			Timestamp: b.now().UTC().Format(time.RFC3339),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending alt detector log: %w", err)
	}
	return nil
}

func welcomeCommand() *Command {
	return &Command{
		Name:            "welcome",
		Category:        categoryConfig,
		Description:     "Configure welcome messages",
		UserPermissions: PermManageGuild,
		GuildOnly:       true,
		Surfaces:        SurfaceAll,
		Subcommands: []Subcommand{
			{
				Name:        "channel",
				Description: "Set the welcome channel",
				Options:     []Option{{Name: "channel", Type: OptionChannel, Required: true}},
			},
			{
				Name:        "message",
				Description: "Set the message ({user} {username} {server} {memberCount})",
				Options:     []Option{{Name: "message", Type: OptionString, Required: true, Rest: true}},
			},
			{
				Name:        "role",
				Description: "Set the role given to new members, or clear it",
				Options:     []Option{{Name: "role", Type: OptionRole}},
			},
		},
		Run: func(ctx context.Context, cc *CommandContext) error {
			cfg, err := cc.Bot.store.UpdateGuildConfig(
				ctx, cc.GuildID, func(g *GuildConfig) error {
					switch cc.Subcommand {
					case "channel":
						g.Welcome.ChannelID = cc.Args.String("channel")
					case "message":
						msg := cc.Args.String("message")
						if utf8.RuneCountInString(msg) > maxResponseLength {
							return userErrorf("welcome messages can be at most %d characters", maxResponseLength)
						}
						g.Welcome.Message = msg
					case "role":
						g.Welcome.RoleID = cc.Args.String("role")
					}
					return nil
				},
			)
			if err != nil {
				return err
			}
			return cc.ReplyEmbed(
				ctx,
				&discordgo.MessageEmbed{
					Title: "Welcome settings",
					Color: cfg.Welcome.Color,
					Fields: []*discordgo.MessageEmbedField{
						{Name: "Enabled", Value: onOff(cfg.Features.Welcome), Inline: true},
						{Name: "Channel", Value: channelMention(cfg.Welcome.ChannelID), Inline: true},
						{Name: "Role", Value: roleMention(cfg.Welcome.RoleID), Inline: true},
						{Name: "Message", Value: cfg.Welcome.Message},
					},
				},
			)
		},
	}
}

func altDetectorCommand() *Command {
	return &Command{
		Name:            "altdetector",
		Category:        categoryConfig,
		Description:     "Configure the alt account detector",
		UserPermissions: PermManageGuild,
		GuildOnly:       true,
		Surfaces:        SurfaceAll,
		Subcommands: []Subcommand{
			{Name: "enable", Description: "Turn on the alt detector"},
			{Name: "disable", Description: "Turn off the alt detector"},
			{
				Name:        "age",
				Description: "Set the minimum account age, in days",
				Options:     []Option{{Name: "days", Type: OptionInteger, Required: true}},
			},
			{
				Name:        "action",
				Description: "Set the action for young accounts (log or kick)",
				Options:     []Option{{Name: "action", Type: OptionString, Required: true}},
			},
			{
				Name:        "channel",
				Description: "Set the alt detector log channel",
				Options:     []Option{{Name: "channel", Type: OptionChannel, Required: true}},
			},
		},
		Run: func(ctx context.Context, cc *CommandContext) error {
			cfg, err := cc.Bot.store.UpdateGuildConfig(
				ctx, cc.GuildID, func(g *GuildConfig) error {
					switch cc.Subcommand {
					case "enable":
						g.AltDetector.Enabled = true
					case "disable":
						g.AltDetector.Enabled = false
					case "age":
						days, _ := cc.Args.Int("days")
						if days < 1 || days > 365 {
							return userErrorf("minimum account age must be between 1 and 365 days")
						}
						g.AltDetector.MinAccountAgeDays = int(days)
					case "action":
						action := strings.ToLower(cc.Args.String("action"))
						if action != AltActionLog && action != AltActionKick {
							return userErrorf("action must be `%s` or `%s`", AltActionLog, AltActionKick)
						}
						g.AltDetector.Action = action
					case "channel":
						g.AltDetector.LogChannelID = cc.Args.String("channel")
					}
					return nil
				},
			)
			if err != nil {
				return err
			}
			alt := cfg.AltDetector
			return cc.ReplyEmbed(
				ctx,
				&discordgo.MessageEmbed{
					Title: "Alt detector settings",
					Color: altDetectorColor,
					Fields: []*discordgo.MessageEmbedField{
						{Name: "Enabled", Value: onOff(alt.Enabled), Inline: true},
						{Name: "Minimum age", Value: fmt.Sprintf("%d days", alt.MinAccountAgeDays), Inline: true},
						{Name: "Action", Value: alt.Action, Inline: true},
						{Name: "Log channel", Value: channelMention(alt.LogChannelID), Inline: true},
					},
				},
			)
		},
	}
}
