package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"time"
)

const (
	categoryUtility = "utility"
	utilityColor    = 0x3498DB
)

func utilityCommands() []*Command {
	cmds := []*Command{
		{
			Name:        "help",
			Aliases:     []string{"h", "commands"},
			Category:    categoryUtility,
			Description: "List commands, or show help for one",
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "command", Type: OptionString, Description: "Command name"},
			},
			Run: runHelp,
		},
		{
			Name:        "ping",
			Category:    categoryUtility,
			Description: "Check the bot's latency",
			Surfaces:    SurfaceAll,
			Run: func(ctx context.Context, cc *CommandContext) error {
				latency := cc.Bot.session().HeartbeatLatency().Round(time.Millisecond)
				return cc.Replyf(ctx, "pong! gateway latency: %s", latency)
			},
		},
		{
			Name:        "botinfo",
			Aliases:     []string{"stats"},
			Category:    categoryUtility,
			Description: "Show bot statistics",
			Surfaces:    SurfaceAll,
			Run:         runBotInfo,
		},
		afkCommand(),
		askCommand(),
	}
	return append(cmds, reminderCommands()...)
}

func runHelp(ctx context.Context, cc *CommandContext) error {
	registry := cc.Bot.registry
	if name := cc.Args.String("command"); name != "" {
		cmd, ok := registry.Lookup(strings.TrimPrefix(name, cc.Prefix))
		if !ok {
			return userErrorf("no command named `%s`", name)
		}
		return cc.ReplyEmbed(ctx, commandHelpEmbed(cmd, cc.Prefix))
	}

	embed := &discordgo.MessageEmbed{
		Title: "Commands",
		Color: utilityColor,
		Description: fmt.Sprintf(
			"Use `%shelp <command>` or `/help` for details on a command.",
			cc.Prefix,
		),
	}
	byCategory := registry.ByCategory()
	for _, category := range registry.Categories() {
		var names []string
		for _, c := range byCategory[category] {
			if c.OwnerOnly && !cc.Bot.state.IsOwner(cc.User.ID) {
				continue
			}
			names = append(names, "`"+c.Name+"`")
		}
		if len(names) == 0 {
			continue
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  category,
				Value: truncate(strings.Join(names, " "), 1024),
			},
		)
	}
	return cc.ReplyEmbed(ctx, embed)
}

func commandHelpEmbed(cmd *Command, prefix string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       prefix + cmd.Name,
		Color:       utilityColor,
		Description: cmd.Description,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Usage", Value: "`" + prefix + cmd.UsageString() + "`"},
			{Name: "Category", Value: cmd.Category, Inline: true},
		},
	}
	if len(cmd.Aliases) > 0 {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Aliases", Value: strings.Join(cmd.Aliases, ", "), Inline: true},
		)
	}
	if cmd.Cooldown > 0 {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Cooldown", Value: humanDuration(cmd.Cooldown), Inline: true},
		)
	}
	if cmd.UserPermissions != 0 {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Permissions", Value: permissionNamesOf(cmd.UserPermissions), Inline: true},
		)
	}
	if len(cmd.Subcommands) > 0 {
		var sb strings.Builder
		for _, s := range cmd.Subcommands {
			fmt.Fprintf(&sb, "`%s %s` %s\n", s.Name, optionsUsage(s.Options), s.Description)
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Subcommands", Value: truncate(sb.String(), 1024)},
		)
	}
	var notes []string
	if cmd.GuildOnly {
		notes = append(notes, "server only")
	}
	if cmd.PremiumOnly {
		notes = append(notes, "premium")
	}
	if cmd.OwnerOnly {
		notes = append(notes, "bot owner only")
	}
	if len(notes) > 0 {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: strings.Join(notes, " · ")}
	}
	return embed
}

func runBotInfo(ctx context.Context, cc *CommandContext) error {
	b := cc.Bot
	return cc.ReplyEmbed(
		ctx,
		&discordgo.MessageEmbed{
			Title: "Bot info",
			Color: utilityColor,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Servers", Value: fmt.Sprint(b.session().StateGuildCount()), Inline: true},
				{Name: "Commands", Value: fmt.Sprint(b.registry.Len()), Inline: true},
				{Name: "Uptime", Value: humanDuration(b.state.Uptime()), Inline: true},
				{Name: "Commands run", Value: fmt.Sprint(b.state.CommandsExecuted()), Inline: true},
				{Name: "Events handled", Value: fmt.Sprint(b.state.EventsHandled()), Inline: true},
				{Name: "Version", Value: Version, Inline: true},
			},
		},
	)
}
