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

const (
	categorySuggestions = "suggestions"

	// suggestionButtonPrefix prefixes the custom IDs of suggestion vote
	// buttons: suggestion:<up|down>:<suggestion id>
	suggestionButtonPrefix = "suggestion:"

	minSuggestionLength = 10
	maxSuggestionLength = 1900
)

var suggestionColors = map[string]int{
	SuggestionStatusPending:     0x5865F2,
	SuggestionStatusApproved:    0x57F287,
	SuggestionStatusRejected:    0xED4245,
	SuggestionStatusImplemented: 0x1ABC9C,
	SuggestionStatusConsidered:  0xFEE75C,
}

// resolveActions maps `suggestion` subcommands to the status they set
var resolveActions = map[string]string{
	"approve":   SuggestionStatusApproved,
	"reject":    SuggestionStatusRejected,
	"implement": SuggestionStatusImplemented,
	"consider":  SuggestionStatusConsidered,
}

// SuggestionBoard handles suggestion submission, voting and resolution
type SuggestionBoard struct {
	store   Store
	session DiscordSessionHandler
	now     func() time.Time
}

func NewSuggestionBoard(
	store Store,
	session DiscordSessionHandler,
	now func() time.Time,
) *SuggestionBoard {
	if now == nil {
		now = time.Now
	}
	return &SuggestionBoard{store: store, session: session, now: now}
}

// Submit creates a suggestion and posts it to the guild's suggestion
// channel. Nothing is stored if suggestions aren't enabled for the guild.
func (s *SuggestionBoard) Submit(
	ctx context.Context,
	guildID string,
	author *discordgo.User,
	content string,
) (Suggestion, error) {
	cfg, err := s.store.GuildConfig(ctx, guildID)
	if err != nil {
		return Suggestion{}, err
	}
	settings, err := s.store.SuggestionSettings(ctx, guildID)
	if err != nil {
		return Suggestion{}, err
	}
	if !cfg.Features.Suggestions || settings.ChannelID == "" {
		return Suggestion{}, userErrorf("suggestions not enabled")
	}

	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n < minSuggestionLength || n > maxSuggestionLength {
		return Suggestion{}, userErrorf(
			"suggestions must be between %d and %d characters",
			minSuggestionLength,
			maxSuggestionLength,
		)
	}

	sg := &Suggestion{
		GuildID:   guildID,
		AuthorID:  author.ID,
		Content:   content,
		Status:    SuggestionStatusPending,
		ChannelID: settings.ChannelID,
	}
	if err = s.store.CreateSuggestion(ctx, sg); err != nil {
		return Suggestion{}, fmt.Errorf("error creating suggestion: %w", err)
	}

	msg, err := s.session.ChannelMessageSendComplex(
		settings.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{suggestionEmbed(*sg, author)},
			Components: suggestionComponents(*sg),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		// nobody can vote on a suggestion that was never posted
		if delErr := s.store.DeleteSuggestion(ctx, guildID, sg.SuggestionID); delErr != nil {
			err = errors.Join(err, fmt.Errorf("error removing unposted suggestion: %w", delErr))
		}
		return Suggestion{}, fmt.Errorf("error posting suggestion #%d: %w", sg.SuggestionID, err)
	}

	return s.store.UpdateSuggestion(
		ctx, guildID, sg.SuggestionID, func(doc *Suggestion) error {
			doc.MessageID = msg.ID
			return nil
		},
	)
}

// Vote records userID's vote. A vote in the other direction moves the
// voter and both counters in the same update.
func (s *SuggestionBoard) Vote(
	ctx context.Context,
	guildID string,
	suggestionID int64,
	userID string,
	direction string,
) (Suggestion, error) {
	if direction != VoteUp && direction != VoteDown {
		return Suggestion{}, fmt.Errorf("invalid vote direction %q", direction)
	}
	settings, err := s.store.SuggestionSettings(ctx, guildID)
	if err != nil {
		return Suggestion{}, err
	}

	sg, err := s.store.UpdateSuggestion(
		ctx, guildID, suggestionID, func(doc *Suggestion) error {
			if doc.Status != SuggestionStatusPending {
				return userErrorf("suggestion #%d has already been %s", doc.SuggestionID, doc.Status)
			}
			if doc.AuthorID == userID && !settings.AllowSelfVote {
				return userErrorf("you can't vote on your own suggestion")
			}
			switch previous := doc.voterDirection(userID); previous {
			case direction:
				return userErrorf("you already voted %s on this suggestion", direction)
			case "":
				doc.Voters = append(doc.Voters, SuggestionVoter{UserID: userID, Direction: direction})
			default:
				if !settings.AllowChangeVote {
					return userErrorf("you can't change your vote on this suggestion")
				}
				for i := range doc.Voters {
					if doc.Voters[i].UserID == userID {
						doc.Voters[i].Direction = direction
					}
				}
				adjustVotes(doc, previous, -1)
			}
			adjustVotes(doc, direction, 1)
			return nil
		},
	)
	if errors.Is(err, ErrNotFound) {
		return sg, userErrorf("suggestion #%d not found", suggestionID)
	}
	return sg, err
}

func adjustVotes(s *Suggestion, direction string, delta int) {
	if direction == VoteUp {
		s.Upvotes += delta
	} else {
		s.Downvotes += delta
	}
}

// Resolve moves a pending suggestion to status. Resolved suggestions can't
// be resolved again.
func (s *SuggestionBoard) Resolve(
	ctx context.Context,
	guildID string,
	suggestionID int64,
	resolverID string,
	status string,
	reason string,
) (Suggestion, error) {
	if !isResolvedStatus(status) {
		return Suggestion{}, fmt.Errorf("invalid resolution %q", status)
	}
	logger := loggerFrom(ctx, nil)

	sg, err := s.store.UpdateSuggestion(
		ctx, guildID, suggestionID, func(doc *Suggestion) error {
			if doc.Status != SuggestionStatusPending {
				return ErrAlreadyResolved
			}
			doc.Status = status
			doc.ResolvedBy = resolverID
			doc.Reason = reason
			doc.ResolvedAt = s.now().UnixMilli()
			return nil
		},
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return sg, userErrorf("suggestion #%d not found", suggestionID)
	case errors.Is(err, ErrAlreadyResolved):
		return sg, userErrorf("suggestion #%d has already been resolved", suggestionID)
	case err != nil:
		return sg, err
	}

	s.refresh(ctx, sg)

	settings, err := s.store.SuggestionSettings(ctx, guildID)
	if err != nil {
		logger.WarnContext(ctx, "error getting suggestion settings", tint.Err(err))
		return sg, nil
	}
	if settings.NotifyAuthor {
		if err := s.notifyAuthor(ctx, sg); err != nil {
			logger.DebugContext(
				ctx,
				"unable to DM suggestion author",
				tint.Err(err),
				"author_id", sg.AuthorID,
			)
		}
	}
	return sg, nil
}

// refresh edits the posted suggestion embed. Failures are logged only.
func (s *SuggestionBoard) refresh(ctx context.Context, sg Suggestion) {
	if sg.MessageID == "" || sg.ChannelID == "" {
		return
	}
	_, err := s.session.ChannelMessageEditEmbed(
		sg.ChannelID,
		sg.MessageID,
		suggestionEmbed(sg, nil),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		loggerFrom(ctx, nil).WarnContext(
			ctx,
			"error refreshing suggestion embed",
			tint.Err(err),
			"suggestion_id", sg.SuggestionID,
		)
	}
}

func (s *SuggestionBoard) notifyAuthor(ctx context.Context, sg Suggestion) error {
	ch, err := s.session.UserChannelCreate(sg.AuthorID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	embed := suggestionEmbed(sg, nil)
	embed.Title = fmt.Sprintf("Your suggestion #%d was %s", sg.SuggestionID, sg.Status)
	_, err = s.session.ChannelMessageSendEmbed(ch.ID, embed, discordgo.WithContext(ctx))
	return err
}

// parseSuggestionButton extracts the vote direction and suggestion ID
// from a vote button's custom ID
func parseSuggestionButton(customID string) (string, int64, error) {
	rest, ok := strings.CutPrefix(customID, suggestionButtonPrefix)
	if !ok {
		return "", 0, fmt.Errorf("not a suggestion button: %q", customID)
	}
	direction, idStr, ok := strings.Cut(rest, ":")
	if !ok || (direction != VoteUp && direction != VoteDown) {
		return "", 0, fmt.Errorf("invalid suggestion button: %q", customID)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid suggestion button: %q", customID)
	}
	return direction, id, nil
}

// HandleButton records a vote from a suggestion button, and updates the
// message the button is attached to
func (s *SuggestionBoard) HandleButton(ctx context.Context, i *discordgo.InteractionCreate) error {
	direction, id, err := parseSuggestionButton(i.MessageComponentData().CustomID)
	if err != nil {
		return err
	}
	user := getDiscordUser(i)
	if user == nil || i.GuildID == "" {
		return nil
	}

	sg, err := s.Vote(ctx, i.GuildID, id, user.ID, direction)
	if err != nil {
		msg := genericErrorReply
		var ue *UserError
		if errors.As(err, &ue) {
			msg = ue.Message
			err = nil
		}
		respErr := s.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: msg,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
			discordgo.WithContext(ctx),
		)
		return errors.Join(err, respErr)
	}

	var embeds []*discordgo.MessageEmbed
	if i.Message != nil && len(i.Message.Embeds) > 0 {
		embeds = []*discordgo.MessageEmbed{withVoteCounts(i.Message.Embeds[0], sg)}
	} else {
		embeds = []*discordgo.MessageEmbed{suggestionEmbed(sg, nil)}
	}
	return s.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     embeds,
				Components: suggestionComponents(sg),
			},
		},
		discordgo.WithContext(ctx),
	)
}

func suggestionEmbed(sg Suggestion, author *discordgo.User) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Suggestion #%d", sg.SuggestionID),
		Description: sg.Content,
		Color:       suggestionColors[sg.Status],
		Footer:      &discordgo.MessageEmbedFooter{Text: "Status: " + sg.Status},
	}
	if author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    author.Username,
			IconURL: author.AvatarURL(""),
		}
	} else {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Author", Value: "<@" + sg.AuthorID + ">", Inline: true},
		)
	}
	embed = withVoteCounts(embed, sg)
	if sg.Reason != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Reason", Value: sg.Reason},
		)
	}
	return embed
}

// withVoteCounts returns a copy of embed with its vote fields and status
// set from sg
func withVoteCounts(embed *discordgo.MessageEmbed, sg Suggestion) *discordgo.MessageEmbed {
	e := *embed
	e.Color = suggestionColors[sg.Status]
	e.Footer = &discordgo.MessageEmbedFooter{Text: "Status: " + sg.Status}
	fields := make([]*discordgo.MessageEmbedField, 0, len(embed.Fields)+2)
	for _, f := range embed.Fields {
		if f.Name != "Upvotes" && f.Name != "Downvotes" {
			fields = append(fields, f)
		}
	}
	e.Fields = append(
		fields,
		&discordgo.MessageEmbedField{Name: "Upvotes", Value: strconv.Itoa(sg.Upvotes), Inline: true},
		&discordgo.MessageEmbedField{Name: "Downvotes", Value: strconv.Itoa(sg.Downvotes), Inline: true},
	)
	return &e
}

func suggestionComponents(sg Suggestion) []discordgo.MessageComponent {
	if sg.Status != SuggestionStatusPending {
		return []discordgo.MessageComponent{}
	}
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			Label:    strconv.Itoa(sg.Upvotes),
			Emoji:    &discordgo.ComponentEmoji{Name: "👍"},
			Style:    discordgo.SuccessButton,
			CustomID: fmt.Sprintf("%s%s:%d", suggestionButtonPrefix, VoteUp, sg.SuggestionID),
		},
		discordgo.Button{
			Label:    strconv.Itoa(sg.Downvotes),
			Emoji:    &discordgo.ComponentEmoji{Name: "👎"},
			Style:    discordgo.DangerButton,
			CustomID: fmt.Sprintf("%s%s:%d", suggestionButtonPrefix, VoteDown, sg.SuggestionID),
		},
	}
	var rows []discordgo.MessageComponent
	for _, row := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}
	return rows
}

func suggestionCommands() []*Command {
	resolveOptions := []Option{
		{Name: "id", Type: OptionInteger, Description: "Suggestion number", Required: true},
		{Name: "reason", Type: OptionString, Description: "Reason", Rest: true},
	}
	var resolveSubs []Subcommand
	for _, name := range []string{"approve", "reject", "implement", "consider"} {
		resolveSubs = append(
			resolveSubs,
			Subcommand{
				Name:        name,
				Description: fmt.Sprintf("Mark a suggestion as %s", resolveActions[name]),
				Options:     resolveOptions,
			},
		)
	}

	return []*Command{
		{
			Name:        "suggest",
			Category:    categorySuggestions,
			Description: "Submit a suggestion",
			Cooldown:    30 * time.Second,
			GuildOnly:   true,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "content", Type: OptionString, Description: "Your suggestion", Required: true, Rest: true},
			},
			Run: runSuggest,
		},
		{
			Name:            "suggestion",
			Category:        categorySuggestions,
			Description:     "Resolve a suggestion",
			UserPermissions: PermManageGuild,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Subcommands:     resolveSubs,
			Run:             runResolveSuggestion,
		},
		{
			Name:            "suggestions",
			Category:        categoryConfig,
			Description:     "Configure suggestions",
			UserPermissions: PermManageGuild,
			GuildOnly:       true,
			Surfaces:        SurfaceAll,
			Subcommands: []Subcommand{
				{
					Name:        "channel",
					Description: "Set the suggestion channel",
					Options:     []Option{{Name: "channel", Type: OptionChannel, Required: true}},
				},
				{
					Name:        "selfvote",
					Description: "Allow authors to vote on their own suggestions",
					Options:     []Option{{Name: "enabled", Type: OptionBoolean, Required: true}},
				},
				{
					Name:        "changevote",
					Description: "Allow voters to change their vote",
					Options:     []Option{{Name: "enabled", Type: OptionBoolean, Required: true}},
				},
				{
					Name:        "notify",
					Description: "DM authors when their suggestion is resolved",
					Options:     []Option{{Name: "enabled", Type: OptionBoolean, Required: true}},
				},
			},
			Run: runSuggestionSettings,
		},
	}
}

func runSuggest(ctx context.Context, cc *CommandContext) error {
	sg, err := cc.Bot.suggestions.Submit(ctx, cc.GuildID, cc.User, cc.Args.String("content"))
	if err != nil {
		return err
	}
	return cc.Reply(
		ctx,
		Reply{
			Content:   fmt.Sprintf("suggestion #%d submitted to <#%s>", sg.SuggestionID, sg.ChannelID),
			Ephemeral: true,
		},
	)
}

func runResolveSuggestion(ctx context.Context, cc *CommandContext) error {
	id, _ := cc.Args.Int("id")
	status := resolveActions[cc.Subcommand]
	sg, err := cc.Bot.suggestions.Resolve(
		ctx,
		cc.GuildID,
		id,
		cc.User.ID,
		status,
		truncate(cc.Args.String("reason"), 1000),
	)
	if err != nil {
		return err
	}
	return cc.Replyf(ctx, "suggestion #%d marked as %s", sg.SuggestionID, sg.Status)
}

func runSuggestionSettings(ctx context.Context, cc *CommandContext) error {
	settings, err := cc.Bot.store.UpdateSuggestionSettings(
		ctx, cc.GuildID, func(s *SuggestionSettings) error {
			switch cc.Subcommand {
			case "channel":
				s.ChannelID = cc.Args.String("channel")
			case "selfvote":
				s.AllowSelfVote = cc.Args.Bool("enabled")
			case "changevote":
				s.AllowChangeVote = cc.Args.Bool("enabled")
			case "notify":
				s.NotifyAuthor = cc.Args.Bool("enabled")
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
			Title: "Suggestion settings",
			Color: suggestionColors[SuggestionStatusPending],
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Channel", Value: channelMention(settings.ChannelID), Inline: true},
				{Name: "Self votes", Value: onOff(settings.AllowSelfVote), Inline: true},
				{Name: "Vote changes", Value: onOff(settings.AllowChangeVote), Inline: true},
				{Name: "Notify authors", Value: onOff(settings.NotifyAuthor), Inline: true},
			},
		},
	)
}
