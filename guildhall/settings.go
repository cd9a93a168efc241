package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"unicode"
)

const (
	categoryConfig = "config"
	configColor    = 0x95A5A6

	maxPrefixLength = 5

	// maxResponseLength bounds stored message templates and responses,
	// leaving room for mentions within the message length limit
	maxResponseLength = 1900
)

func channelMention(id string) string {
	if id == "" {
		return "not set"
	}
	return "<#" + id + ">"
}

func roleMention(id string) string {
	if id == "" {
		return "not set"
	}
	return "<@&" + id + ">"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func settingsCommands() []*Command {
	return []*Command{
		{
			Name:            "prefix",
			Category:        categoryConfig,
			Description:     "Show or change the text command prefix",
			UserPermissions: PermManageGuild,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Options: []Option{
				{Name: "prefix", Type: OptionString, Description: "New prefix (up to 5 characters)"},
			},
			Run: runPrefix,
		},
		{
			Name:            "feature",
			Category:        categoryConfig,
			Description:     "Turn a feature on or off",
			UserPermissions: PermManageGuild,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Options: []Option{
				{Name: "name", Type: OptionString, Description: strings.Join(featureNames, ", ")},
				{Name: "enabled", Type: OptionBoolean, Description: "on or off"},
			},
			Run: runFeature,
		},
		welcomeCommand(),
		altDetectorCommand(),
		autoResponseCommand(),
		customCommandCommand(),
		tempVCCommand(),
	}
}

func runPrefix(ctx context.Context, cc *CommandContext) error {
	if !cc.Args.Has("prefix") {
		return cc.Replyf(ctx, "the prefix here is `%s`", cc.Prefix)
	}
	prefix := cc.Args.String("prefix")
	if len([]rune(prefix)) > maxPrefixLength {
		return userErrorf("prefixes can be at most %d characters", maxPrefixLength)
	}
	if strings.IndexFunc(prefix, unicode.IsSpace) >= 0 {
		return userErrorf("prefixes can't contain spaces")
	}
	if _, err := cc.Bot.store.UpdateGuildConfig(
		ctx, cc.GuildID, func(g *GuildConfig) error {
			g.Prefix = prefix
			return nil
		},
	); err != nil {
		return err
	}
	return cc.Replyf(ctx, "prefix set to `%s`", prefix)
}

func runFeature(ctx context.Context, cc *CommandContext) error {
	if !cc.Args.Has("name") {
		cfg, err := cc.Bot.store.GuildConfig(ctx, cc.GuildID)
		if err != nil {
			return err
		}
		return cc.ReplyEmbed(ctx, featuresEmbed(cfg.Features))
	}
	if !cc.Args.Has("enabled") {
		return userErrorf("usage: `%s%s`", cc.Prefix, "feature <name> <on|off>")
	}

	name := strings.ToLower(cc.Args.String("name"))
	enabled := cc.Args.Bool("enabled")
	cfg, err := cc.Bot.store.UpdateGuildConfig(
		ctx, cc.GuildID, func(g *GuildConfig) error {
			if err := g.Features.Set(name, enabled); err != nil {
				return &UserError{Message: err.Error()}
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	return cc.ReplyEmbed(ctx, featuresEmbed(cfg.Features))
}

func featuresEmbed(f GuildFeatures) *discordgo.MessageEmbed {
	var sb strings.Builder
	for _, name := range featureNames {
		fmt.Fprintf(&sb, "`%s`: %s\n", name, onOff(f.Enabled(name)))
	}
	return &discordgo.MessageEmbed{
		Title:       "Features",
		Color:       configColor,
		Description: sb.String(),
	}
}
