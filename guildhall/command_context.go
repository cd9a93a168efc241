package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"
)

var mentionPattern = regexp.MustCompile(`^<(?:@!?|#|@&)(\d+)>$`)

// Arguments holds the bound, string-encoded arguments of an invocation.
// Values have already been validated against their option types.
type Arguments map[string]string

func (a Arguments) String(name string) string {
	return a[name]
}

func (a Arguments) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a Arguments) Int(name string) (int64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func (a Arguments) Bool(name string) bool {
	return a[name] == "true"
}

// Reply is a message sent in response to a command
type Reply struct {
	Content    string
	Embeds     []*discordgo.MessageEmbed
	Components []discordgo.MessageComponent

	// Ephemeral replies are only visible to the invoker. Ignored for
	// text invocations.
	Ephemeral bool
}

// Responder delivers replies on the surface the command was invoked from
type Responder interface {
	Reply(ctx context.Context, r Reply) error
}

// CommandContext is the normalized form of a slash or text invocation
type CommandContext struct {
	Bot     *Bot
	Command *Command
	Surface Surface

	GuildID   string
	ChannelID string
	User      *discordgo.User
	Member    *discordgo.Member

	Subcommand string
	Args       Arguments

	// Prefix is the text command prefix in effect for the guild
	Prefix string
	Logger *slog.Logger

	responder Responder
	replied   atomic.Bool
}

func (c *CommandContext) InGuild() bool {
	return c.GuildID != ""
}

// Reply sends r to the invoker
func (c *CommandContext) Reply(ctx context.Context, r Reply) error {
	c.replied.Store(true)
	r.Content = shortenString(r.Content, discordMaxMessageLength)
	return c.responder.Reply(ctx, r)
}

func (c *CommandContext) Replyf(ctx context.Context, format string, args ...any) error {
	return c.Reply(ctx, Reply{Content: fmt.Sprintf(format, args...)})
}

func (c *CommandContext) ReplyEmbed(ctx context.Context, embed *discordgo.MessageEmbed) error {
	return c.Reply(ctx, Reply{Embeds: []*discordgo.MessageEmbed{embed}})
}

// Defer acknowledges the invocation ahead of a slow reply. It's a no-op on
// surfaces that don't need acknowledging.
func (c *CommandContext) Defer(ctx context.Context) error {
	if d, ok := c.responder.(deferrer); ok {
		return d.Defer(ctx)
	}
	return nil
}

// Replied reports whether anything has been sent to the invoker
func (c *CommandContext) Replied() bool {
	return c.replied.Load()
}

type deferrer interface {
	Defer(ctx context.Context) error
}

type slashResponder struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
	responded   atomic.Bool
}

// Reply responds to the interaction the first time it's called, and sends
// a followup message after that
func (r *slashResponder) Reply(ctx context.Context, rep Reply) error {
	var flags discordgo.MessageFlags
	if rep.Ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	if r.responded.CompareAndSwap(false, true) {
		return r.session.InteractionRespond(
			r.interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content:    rep.Content,
					Embeds:     rep.Embeds,
					Components: rep.Components,
					Flags:      flags,
				},
			},
			discordgo.WithContext(ctx),
		)
	}
	_, err := r.session.FollowupMessageCreate(
		r.interaction,
		true,
		&discordgo.WebhookParams{
			Content:    rep.Content,
			Embeds:     rep.Embeds,
			Components: rep.Components,
			Flags:      flags,
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// Defer sends a deferred response, so later replies are sent as followups
func (r *slashResponder) Defer(ctx context.Context) error {
	if !r.responded.CompareAndSwap(false, true) {
		return nil
	}
	return r.session.InteractionRespond(
		r.interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
		discordgo.WithContext(ctx),
	)
}

type textResponder struct {
	session   DiscordSessionHandler
	channelID string
	guildID   string
	messageID string
}

// Reply sends rep as a reply to the invoking message
func (r *textResponder) Reply(ctx context.Context, rep Reply) error {
	_, err := r.session.ChannelMessageSendComplex(
		r.channelID,
		&discordgo.MessageSend{
			Content:    rep.Content,
			Embeds:     rep.Embeds,
			Components: rep.Components,
			Reference: &discordgo.MessageReference{
				MessageID: r.messageID,
				ChannelID: r.channelID,
				GuildID:   r.guildID,
			},
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// invocation is a command request from either surface, before the
// command is resolved and its arguments are bound
type invocation struct {
	name      string
	surface   Surface
	guildID   string
	channelID string
	user      *discordgo.User
	member    *discordgo.Member
	responder Responder

	// text invocations
	raw    string
	tokens []argToken

	// slash invocations
	options []*discordgo.ApplicationCommandInteractionDataOption

	// memberPermissions is set for slash invocations, which carry the
	// invoker's and the bot's channel permissions
	memberPermissions *int64
	appPermissions    *int64
}

// argToken is a whitespace delimited word and its offset in the raw line
type argToken struct {
	text  string
	start int
}

// splitArgs splits s on whitespace, keeping the offset of each word
func splitArgs(s string) []argToken {
	var tokens []argToken
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, argToken{text: s[start:i], start: start})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, argToken{text: s[start:], start: start})
	}
	return tokens
}

// normalizeMention converts user, channel and role mentions to their IDs
func normalizeMention(s string) string {
	if m := mentionPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// stripPrefix returns the message content following prefix or a mention
// of the bot, and whether either was found
func stripPrefix(content string, prefix string, botID string) (string, bool) {
	content = strings.TrimSpace(content)
	if prefix != "" && strings.HasPrefix(content, prefix) {
		return content[len(prefix):], true
	}
	if botID != "" {
		for _, mention := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
			if strings.HasPrefix(content, mention) {
				return strings.TrimSpace(content[len(mention):]), true
			}
		}
	}
	return "", false
}

// textInvocation parses a prefixed message. It returns false if the
// message isn't addressed to the bot.
func textInvocation(
	session DiscordSessionHandler,
	m *discordgo.MessageCreate,
	prefix string,
	botID string,
) (*invocation, bool) {
	if m.Author == nil || m.Author.Bot {
		return nil, false
	}
	line, ok := stripPrefix(m.Content, prefix, botID)
	if !ok {
		return nil, false
	}
	tokens := splitArgs(line)
	if len(tokens) == 0 {
		return nil, false
	}
	inv := &invocation{
		name:      strings.ToLower(tokens[0].text),
		surface:   SurfaceText,
		guildID:   m.GuildID,
		channelID: m.ChannelID,
		user:      m.Author,
		member:    m.Member,
		raw:       line,
		tokens:    tokens[1:],
		responder: &textResponder{
			session:   session,
			channelID: m.ChannelID,
			guildID:   m.GuildID,
			messageID: m.ID,
		},
	}
	if inv.member != nil && inv.member.User == nil {
		inv.member.User = m.Author
	}
	return inv, true
}

// slashInvocation converts an application command interaction
func slashInvocation(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
) (*invocation, bool) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return nil, false
	}
	data := i.ApplicationCommandData()
	inv := &invocation{
		name:      strings.ToLower(data.Name),
		surface:   SurfaceSlash,
		guildID:   i.GuildID,
		channelID: i.ChannelID,
		user:      getDiscordUser(i),
		member:    i.Member,
		options:   data.Options,
		responder: &slashResponder{session: session, interaction: i.Interaction},
	}
	if i.Member != nil {
		perms := i.Member.Permissions
		inv.memberPermissions = &perms
	}
	if i.AppPermissions != 0 {
		perms := i.AppPermissions
		inv.appPermissions = &perms
	}
	return inv, true
}

// bindArguments validates the invocation's arguments against the command
// definition, returning the selected subcommand (if any) and the bound
// arguments
func bindArguments(cmd *Command, inv *invocation) (string, Arguments, error) {
	if inv.surface == SurfaceSlash {
		return bindSlashArgs(cmd, inv.options)
	}
	return bindTextArgs(cmd, inv.raw, inv.tokens)
}

func bindTextArgs(cmd *Command, raw string, tokens []argToken) (
	string,
	Arguments,
	error,
) {
	opts := cmd.Options
	var sub string
	if len(cmd.Subcommands) > 0 {
		if len(tokens) == 0 {
			return "", nil, userErrorf("usage: `%s`", cmd.UsageString())
		}
		sc, ok := cmd.subcommand(tokens[0].text)
		if !ok {
			return "", nil, userErrorf(
				"unknown subcommand `%s`. usage: `%s`",
				tokens[0].text,
				cmd.UsageString(),
			)
		}
		sub = sc.Name
		opts = sc.Options
		tokens = tokens[1:]
	}

	args := Arguments{}
	for idx, opt := range opts {
		if idx >= len(tokens) {
			if opt.Required {
				return sub, nil, userErrorf("missing argument `%s`", opt.Name)
			}
			continue
		}
		var value string
		if opt.Rest {
			value = strings.TrimSpace(raw[tokens[idx].start:])
		} else {
			value = normalizeMention(tokens[idx].text)
		}
		v, err := coerceOption(opt, value)
		if err != nil {
			return sub, nil, err
		}
		args[opt.Name] = v
	}
	return sub, args, nil
}

func bindSlashArgs(
	cmd *Command,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) (string, Arguments, error) {
	opts := cmd.Options
	var sub string
	if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		sc, ok := cmd.subcommand(options[0].Name)
		if !ok {
			return "", nil, userErrorf("unknown subcommand `%s`", options[0].Name)
		}
		sub = sc.Name
		opts = sc.Options
		options = options[0].Options
	} else if len(cmd.Subcommands) > 0 {
		return "", nil, userErrorf("usage: `%s`", cmd.UsageString())
	}

	given := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, o := range options {
		given[o.Name] = o
	}

	args := Arguments{}
	for _, opt := range opts {
		o, ok := given[opt.Name]
		if !ok {
			if opt.Required {
				return sub, nil, userErrorf("missing argument `%s`", opt.Name)
			}
			continue
		}
		var value string
		switch o.Type {
		case discordgo.ApplicationCommandOptionInteger:
			value = strconv.FormatInt(o.IntValue(), 10)
		case discordgo.ApplicationCommandOptionBoolean:
			value = strconv.FormatBool(o.BoolValue())
		default:
			value = fmt.Sprint(o.Value)
		}
		v, err := coerceOption(opt, value)
		if err != nil {
			return sub, nil, err
		}
		args[opt.Name] = v
	}
	return sub, args, nil
}

// coerceOption validates value against the option type, returning its
// canonical string form
func coerceOption(opt Option, value string) (string, error) {
	switch opt.Type {
	case OptionInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return "", userErrorf("`%s` must be a whole number", opt.Name)
		}
	case OptionBoolean:
		switch strings.ToLower(value) {
		case "true", "on", "yes", "enable", "enabled", "1":
			return "true", nil
		case "false", "off", "no", "disable", "disabled", "0":
			return "false", nil
		default:
			return "", userErrorf("`%s` must be on or off", opt.Name)
		}
	case OptionUser, OptionChannel, OptionRole:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return "", userErrorf("`%s` must be a %s mention or ID", opt.Name, opt.Type)
		}
	case OptionString:
		if value == "" && opt.Required {
			return "", userErrorf("missing argument `%s`", opt.Name)
		}
	}
	return value, nil
}
