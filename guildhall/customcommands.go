package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

// onMessageCustomCommand answers prefixed messages naming one of the
// guild's custom commands. Built-in commands take precedence.
func (b *Bot) onMessageCustomCommand(ctx context.Context, m *discordgo.MessageCreate) error {
	if !fromUser(m) || m.GuildID == "" {
		return nil
	}
	line, ok := stripPrefix(m.Content, b.prefixFor(ctx, m.GuildID), b.botUserID())
	if !ok {
		return nil
	}
	tokens := splitArgs(line)
	if len(tokens) == 0 {
		return nil
	}
	name := strings.ToLower(tokens[0].text)
	if _, builtin := b.registry.Lookup(name); builtin {
		return nil
	}

	cmd, err := b.store.CustomCommand(ctx, m.GuildID, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error getting custom command: %w", err)
	}

	if _, err = b.session().ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   cmd.Response,
			Reference: m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		},
		discordgo.WithContext(ctx),
	); err != nil {
		return err
	}
	if err = b.store.IncrementCustomCommandUses(ctx, m.GuildID, name); err != nil {
		loggerFrom(ctx, b.logger).WarnContext(
			ctx,
			"error counting custom command use",
			tint.Err(err),
			"name", name,
		)
	}
	return nil
}

func customCommandCommand() *Command {
	return &Command{
		Name:            "customcommand",
		Aliases:         []string{"cc"},
		Category:        categoryConfig,
		Description:     "Manage custom text commands",
		UserPermissions: PermManageGuild,
		GuildOnly:       true,
		Surfaces:        SurfaceAll,
		Subcommands: []Subcommand{
			{
				Name:        "add",
				Description: "Add or update a custom command",
				Options: []Option{
					{Name: "name", Type: OptionString, Description: "Command name", Required: true},
					{Name: "response", Type: OptionString, Description: "Response", Required: true, Rest: true},
				},
			},
			{
				Name:        "remove",
				Description: "Remove a custom command",
				Options:     []Option{{Name: "name", Type: OptionString, Required: true}},
			},
			{Name: "list", Description: "List custom commands"},
		},
		Run: runCustomCommand,
	}
}

func runCustomCommand(ctx context.Context, cc *CommandContext) error {
	store := cc.Bot.store
	name := strings.ToLower(strings.TrimSpace(cc.Args.String("name")))

	switch cc.Subcommand {
	case "add":
		if !commandNamePattern.MatchString(name) {
			return userErrorf("command names may only use a-z, 0-9, `-` and `_`, up to 32 characters")
		}
		if _, builtin := cc.Bot.registry.Lookup(name); builtin {
			return userErrorf("`%s` is a built-in command", name)
		}
		custom := CustomCommand{
			GuildID:   cc.GuildID,
			Name:      name,
			Response:  cc.Args.String("response"),
			CreatedBy: cc.User.ID,
		}
		if err := structValidator.Struct(custom); err != nil {
			return validationError(err)
		}
		_, created, err := store.UpsertCustomCommand(ctx, custom)
		if err != nil {
			return err
		}
		if created {
			return cc.Replyf(ctx, "added `%s%s`", cc.Prefix, name)
		}
		return cc.Replyf(ctx, "updated `%s%s`", cc.Prefix, name)
	case "remove":
		err := store.DeleteCustomCommand(ctx, cc.GuildID, name)
		if errors.Is(err, ErrNotFound) {
			return userErrorf("no custom command named `%s`", name)
		}
		if err != nil {
			return err
		}
		return cc.Replyf(ctx, "removed `%s%s`", cc.Prefix, name)
	default:
		cmds, err := store.CustomCommands(ctx, cc.GuildID)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			return cc.Replyf(ctx, "no custom commands set")
		}
		var sb strings.Builder
		for i, c := range cmds {
			if i == maxListedEntries {
				fmt.Fprintf(&sb, "...and %d more", len(cmds)-i)
				break
			}
			fmt.Fprintf(&sb, "`%s%s` (%d uses)\n", cc.Prefix, c.Name, c.Uses)
		}
		return cc.ReplyEmbed(
			ctx,
			&discordgo.MessageEmbed{
				Title:       fmt.Sprintf("Custom commands (%d)", len(cmds)),
				Color:       configColor,
				Description: sb.String(),
			},
		)
	}
}
