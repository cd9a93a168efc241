package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	maxTempVCNameLength = 100
	maxTempVCUserLimit  = 99

	// tempVCCreateGrace is how long a new channel is kept while empty, so
	// the state cache can catch up with the owner's move into it
	tempVCCreateGrace = 15 * time.Second
)

// TempVoice creates a voice channel for each user joining a guild's
// trigger channel, and deletes tracked channels once they're empty
type TempVoice struct {
	store   Store
	session DiscordSessionHandler
	now     func() time.Time
	logger  *slog.Logger
}

func NewTempVoice(
	store Store,
	session DiscordSessionHandler,
	now func() time.Time,
	logger *slog.Logger,
) *TempVoice {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TempVoice{store: store, session: session, now: now, logger: logger}
}

// HandleVoiceState creates a channel when the user joined the trigger
// channel, then cleans up empty tracked channels
func (t *TempVoice) HandleVoiceState(ctx context.Context, v *discordgo.VoiceStateUpdate) error {
	if v.VoiceState == nil || v.GuildID == "" {
		return nil
	}
	cfg, err := t.store.TempVCConfig(ctx, v.GuildID)
	if err != nil {
		return fmt.Errorf("error getting temp VC config: %w", err)
	}

	var errs []error
	joinedTrigger := cfg.TriggerChannelID != "" &&
		v.ChannelID == cfg.TriggerChannelID &&
		(v.BeforeUpdate == nil || v.BeforeUpdate.ChannelID != cfg.TriggerChannelID)
	if joinedTrigger {
		guildCfg, err := t.store.GuildConfig(ctx, v.GuildID)
		switch {
		case err != nil:
			errs = append(errs, err)
		case guildCfg.Features.TempVoice:
			if _, err := t.create(ctx, cfg, v); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(cfg.Channels) > 0 {
		if _, err := t.Cleanup(ctx, v.GuildID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// create makes a channel for the member in v, moves them into it and
// records it. The channel is deleted if the member can't be moved.
func (t *TempVoice) create(
	ctx context.Context,
	cfg TempVCConfig,
	v *discordgo.VoiceStateUpdate,
) (TempChannel, error) {
	logger := loggerFrom(ctx, t.logger)
	user, err := t.voiceUser(ctx, v)
	if err != nil {
		return TempChannel{}, err
	}

	var game string
	if guild, err := t.session.StateGuild(v.GuildID); err == nil {
		game = playing(guild, user.ID)
	}
	name := expandTempVCName(cfg.NameTemplate, user, game, len(cfg.Channels)+1)

	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:    user.ID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: PermManageChannels | PermMoveMembers | PermConnect,
		},
	}
	if cfg.Private {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:   v.GuildID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: PermConnect,
			},
		)
	}

	ch, err := t.session.GuildChannelCreateComplex(
		v.GuildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildVoice,
			ParentID:             cfg.CategoryID,
			UserLimit:            cfg.DefaultLimit,
			PermissionOverwrites: overwrites,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return TempChannel{}, fmt.Errorf("error creating temp channel: %w", err)
	}
	logger = logger.With("channel_id", ch.ID, "user_id", user.ID)

	if err = t.session.GuildMemberMove(v.GuildID, user.ID, &ch.ID, discordgo.WithContext(ctx)); err != nil {
		t.deleteChannel(ctx, ch.ID)
		return TempChannel{}, fmt.Errorf("error moving member to temp channel: %w", err)
	}

	tc := TempChannel{ChannelID: ch.ID, OwnerID: user.ID, CreatedAt: t.now().UnixMilli()}
	_, err = t.store.UpdateTempVCConfig(
		ctx, v.GuildID, func(c *TempVCConfig) error {
			c.Channels = append(c.Channels, tc)
			return nil
		},
	)
	if err != nil {
		t.deleteChannel(ctx, ch.ID)
		return TempChannel{}, fmt.Errorf("error recording temp channel: %w", err)
	}
	logger.InfoContext(ctx, "created temp channel", "name", name)
	return tc, nil
}

func (t *TempVoice) voiceUser(ctx context.Context, v *discordgo.VoiceStateUpdate) (
	*discordgo.User,
	error,
) {
	if v.Member != nil && v.Member.User != nil {
		return v.Member.User, nil
	}
	u, err := t.session.User(v.UserID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error getting user %s: %w", v.UserID, err)
	}
	return u, nil
}

// Cleanup removes every empty tracked channel from the guild's config in
// a single update, then deletes the channels that update removed. Channels
// younger than tempVCCreateGrace are kept. Returns the IDs of the deleted
// channels.
func (t *TempVoice) Cleanup(ctx context.Context, guildID string) ([]string, error) {
	guild, err := t.session.StateGuild(guildID)
	if err != nil {
		return nil, fmt.Errorf("error getting guild state: %w", err)
	}
	occupancy := voiceOccupancy(guild)
	graceStart := t.now().Add(-tempVCCreateGrace).UnixMilli()

	var removed []string
	_, err = t.store.UpdateTempVCConfig(
		ctx, guildID, func(c *TempVCConfig) error {
			removed = removed[:0]
			kept := make([]TempChannel, 0, len(c.Channels))
			for _, ch := range c.Channels {
				if occupancy[ch.ChannelID] == 0 && ch.CreatedAt <= graceStart {
					removed = append(removed, ch.ChannelID)
					continue
				}
				kept = append(kept, ch)
			}
			if len(removed) == 0 {
				return errSkipWrite
			}
			c.Channels = kept
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error updating temp channels: %w", err)
	}
	for _, id := range removed {
		t.deleteChannel(ctx, id)
	}
	return removed, nil
}

func (t *TempVoice) deleteChannel(ctx context.Context, channelID string) {
	if _, err := t.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		loggerFrom(ctx, t.logger).WarnContext(
			ctx,
			"error deleting temp channel",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}

// voiceOccupancy counts the members in each of the guild's voice channels
func voiceOccupancy(guild *discordgo.Guild) map[string]int {
	rv := map[string]int{}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != "" {
			rv[vs.ChannelID]++
		}
	}
	return rv
}

// voiceChannelOf returns the voice channel the user is connected to
func voiceChannelOf(guild *discordgo.Guild, userID string) string {
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

// playing returns the name of the game the user is playing, if their
// presence is known
func playing(guild *discordgo.Guild, userID string) string {
	for _, p := range guild.Presences {
		if p.User == nil || p.User.ID != userID {
			continue
		}
		for _, a := range p.Activities {
			if a.Type == discordgo.ActivityTypeGame {
				return a.Name
			}
		}
	}
	return ""
}

func expandTempVCName(template string, user *discordgo.User, game string, count int) string {
	if template == "" {
		template = DefaultTempVCNameTemplate
	}
	name := user.GlobalName
	if name == "" {
		name = user.Username
	}
	if game == "" {
		game = "General"
	}
	out := strings.NewReplacer(
		"{username}", name,
		"{game}", game,
		"{count}", strconv.Itoa(count),
	).Replace(template)
	return truncate(strings.TrimSpace(out), maxTempVCNameLength)
}

func tempVCCommand() *Command {
	return &Command{
		Name:        "tempvc",
		Category:    categoryConfig,
		Description: "Set up and manage temporary voice channels",
		GuildOnly:   true,
		Surfaces:    SurfaceAll,
		Subcommands: []Subcommand{
			{
				Name:        "setup",
				Description: "Set the join-to-create channel",
				Options: []Option{
					{Name: "trigger", Type: OptionChannel, Description: "Join-to-create voice channel", Required: true},
					{Name: "category", Type: OptionChannel, Description: "Category for new channels"},
					{Name: "limit", Type: OptionInteger, Description: "Default user limit (0 for none)"},
					{Name: "private", Type: OptionBoolean, Description: "Deny @everyone Connect"},
				},
			},
			{Name: "disable", Description: "Turn off temporary voice channels"},
			{Name: "claim", Description: "Claim your channel if its owner left"},
			{
				Name:        "rename",
				Description: "Rename your channel",
				Options:     []Option{{Name: "name", Type: OptionString, Required: true, Rest: true}},
			},
			{
				Name:        "limit",
				Description: "Set your channel's user limit",
				Options:     []Option{{Name: "limit", Type: OptionInteger, Required: true}},
			},
			{Name: "lock", Description: "Stop others from joining your channel"},
			{Name: "unlock", Description: "Let others join your channel"},
			{
				Name:        "kick",
				Description: "Disconnect a member from your channel",
				Options:     []Option{{Name: "user", Type: OptionUser, Required: true}},
			},
		},
		Run: runTempVC,
	}
}

func runTempVC(ctx context.Context, cc *CommandContext) error {
	switch cc.Subcommand {
	case "setup", "disable":
		perms, err := invokerPermissions(cc)
		if err != nil {
			return err
		}
		if missing := missingPermissions(perms, PermManageChannels); missing != 0 {
			return userErrorf("you need the following permission(s): %s", permissionNamesOf(missing))
		}
		if cc.Subcommand == "setup" {
			return runTempVCSetup(ctx, cc)
		}
		return runTempVCDisable(ctx, cc)
	}

	guild, err := cc.Bot.session().StateGuild(cc.GuildID)
	if err != nil {
		return fmt.Errorf("error getting guild state: %w", err)
	}
	channelID := voiceChannelOf(guild, cc.User.ID)
	if channelID == "" {
		return userErrorf("you're not in a voice channel")
	}
	cfg, err := cc.Bot.store.TempVCConfig(ctx, cc.GuildID)
	if err != nil {
		return err
	}
	tc, ok := cfg.channel(channelID)
	if !ok {
		return userErrorf("you're not in a temporary voice channel")
	}

	if cc.Subcommand == "claim" {
		return runTempVCClaim(ctx, cc, guild, tc)
	}

	if tc.OwnerID != cc.User.ID {
		perms, err := invokerPermissions(cc)
		if err != nil {
			return err
		}
		if missingPermissions(perms, PermManageChannels) != 0 {
			return userErrorf("only the channel owner can do that")
		}
	}

	session := cc.Bot.session()
	switch cc.Subcommand {
	case "rename":
		name := truncate(cc.Args.String("name"), maxTempVCNameLength)
		if _, err := session.ChannelEdit(
			channelID,
			&discordgo.ChannelEdit{Name: name},
			discordgo.WithContext(ctx),
		); err != nil {
			return err
		}
		return cc.Replyf(ctx, "channel renamed to **%s**", name)
	case "limit":
		limit, _ := cc.Args.Int("limit")
		if limit < 1 || limit > maxTempVCUserLimit {
			return userErrorf("limit must be between 1 and %d", maxTempVCUserLimit)
		}
		if _, err := session.ChannelEdit(
			channelID,
			&discordgo.ChannelEdit{UserLimit: int(limit)},
			discordgo.WithContext(ctx),
		); err != nil {
			return err
		}
		return cc.Replyf(ctx, "user limit set to %d", limit)
	case "lock", "unlock":
		var deny int64
		if cc.Subcommand == "lock" {
			deny = PermConnect
		}
		if err := session.ChannelPermissionSet(
			channelID,
			cc.GuildID,
			discordgo.PermissionOverwriteTypeRole,
			0,
			deny,
			discordgo.WithContext(ctx),
		); err != nil {
			return err
		}
		return cc.Replyf(ctx, "channel %sed", cc.Subcommand)
	case "kick":
		target := cc.Args.String("user")
		if target == cc.User.ID {
			return userErrorf("you can't kick yourself")
		}
		if voiceChannelOf(guild, target) != channelID {
			return userErrorf("<@%s> isn't in your channel", target)
		}
		if err := session.GuildMemberMove(cc.GuildID, target, nil, discordgo.WithContext(ctx)); err != nil {
			return err
		}
		return cc.Replyf(ctx, "disconnected <@%s>", target)
	}
	return userErrorf("unknown subcommand `%s`", cc.Subcommand)
}

func runTempVCClaim(
	ctx context.Context,
	cc *CommandContext,
	guild *discordgo.Guild,
	tc TempChannel,
) error {
	if tc.OwnerID == cc.User.ID {
		return userErrorf("you already own this channel")
	}
	if voiceChannelOf(guild, tc.OwnerID) == tc.ChannelID {
		return userErrorf("the owner is still in the channel")
	}
	_, err := cc.Bot.store.UpdateTempVCConfig(
		ctx, cc.GuildID, func(c *TempVCConfig) error {
			for i := range c.Channels {
				if c.Channels[i].ChannelID != tc.ChannelID {
					continue
				}
				if c.Channels[i].OwnerID != tc.OwnerID {
					return userErrorf("this channel was just claimed by someone else")
				}
				c.Channels[i].OwnerID = cc.User.ID
				return nil
			}
			return userErrorf("this channel no longer exists")
		},
	)
	if err != nil {
		return err
	}
	if err := cc.Bot.session().ChannelPermissionSet(
		tc.ChannelID,
		cc.User.ID,
		discordgo.PermissionOverwriteTypeMember,
		PermManageChannels|PermMoveMembers|PermConnect,
		0,
		discordgo.WithContext(ctx),
	); err != nil {
		cc.Logger.WarnContext(ctx, "error granting claimed channel permissions", tint.Err(err))
	}
	return cc.Replyf(ctx, "you now own <#%s>", tc.ChannelID)
}

func runTempVCSetup(ctx context.Context, cc *CommandContext) error {
	limit, _ := cc.Args.Int("limit")
	if limit < 0 || limit > maxTempVCUserLimit {
		return userErrorf("limit must be between 0 and %d", maxTempVCUserLimit)
	}
	cfg, err := cc.Bot.store.UpdateTempVCConfig(
		ctx, cc.GuildID, func(c *TempVCConfig) error {
			c.TriggerChannelID = cc.Args.String("trigger")
			c.CategoryID = cc.Args.String("category")
			c.DefaultLimit = int(limit)
			c.Private = cc.Args.Bool("private")
			if c.NameTemplate == "" {
				c.NameTemplate = DefaultTempVCNameTemplate
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	if _, err = cc.Bot.store.UpdateGuildConfig(
		ctx, cc.GuildID, func(g *GuildConfig) error {
			g.Features.TempVoice = true
			return nil
		},
	); err != nil {
		return err
	}
	return cc.Replyf(
		ctx,
		"temporary voice channels enabled: join <#%s> to create one",
		cfg.TriggerChannelID,
	)
}

func runTempVCDisable(ctx context.Context, cc *CommandContext) error {
	if _, err := cc.Bot.store.UpdateTempVCConfig(
		ctx, cc.GuildID, func(c *TempVCConfig) error {
			c.TriggerChannelID = ""
			return nil
		},
	); err != nil {
		return err
	}
	if _, err := cc.Bot.store.UpdateGuildConfig(
		ctx, cc.GuildID, func(g *GuildConfig) error {
			g.Features.TempVoice = false
			return nil
		},
	); err != nil {
		return err
	}
	return cc.Replyf(ctx, "temporary voice channels disabled")
}

// invokerPermissions returns the invoker's permissions in the channel the
// command was used in
func invokerPermissions(cc *CommandContext) (int64, error) {
	if cc.Surface == SurfaceSlash && cc.Member != nil {
		return cc.Member.Permissions, nil
	}
	perms, err := cc.Bot.session().UserChannelPermissions(cc.User.ID, cc.ChannelID)
	if err != nil {
		return 0, fmt.Errorf("error getting user permissions: %w", err)
	}
	return perms, nil
}
