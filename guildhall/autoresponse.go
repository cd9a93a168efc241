package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"strings"
)

const maxListedEntries = 25

// onMessageAutoResponse replies with the first auto-response whose
// trigger matches the message. Prefixed messages are left to the command
// listeners.
func (b *Bot) onMessageAutoResponse(ctx context.Context, m *discordgo.MessageCreate) error {
	if !fromUser(m) || m.GuildID == "" || m.Content == "" {
		return nil
	}
	if _, ok := stripPrefix(m.Content, b.prefixFor(ctx, m.GuildID), b.botUserID()); ok {
		return nil
	}
	responses, err := b.store.AutoResponses(ctx, m.GuildID)
	if err != nil {
		return fmt.Errorf("error getting auto-responses: %w", err)
	}
	for _, ar := range responses {
		if !ar.Matches(m.Content) {
			continue
		}
		_, err = b.session().ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:   ar.Response,
				Reference: m.Reference(),
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
				},
			},
			discordgo.WithContext(ctx),
		)
		return err
	}
	return nil
}

// validationError converts struct validation failures to a user error
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "min":
			msgs = append(msgs, fmt.Sprintf("`%s` is too short", strings.ToLower(fe.Field())))
		case "max":
			msgs = append(msgs, fmt.Sprintf("`%s` can be at most %s characters", strings.ToLower(fe.Field()), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("`%s` must be one of: %s", strings.ToLower(fe.Field()), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("`%s` is invalid", strings.ToLower(fe.Field())))
		}
	}
	return userErrorf("%s", strings.Join(msgs, "; "))
}

func autoResponseCommand() *Command {
	addOptions := []Option{
		{Name: "trigger", Type: OptionString, Description: "Trigger word", Required: true},
		{Name: "response", Type: OptionString, Description: "Response", Required: true, Rest: true},
	}
	return &Command{
		Name:            "autoresponse",
		Aliases:         []string{"ar"},
		Category:        categoryConfig,
		Description:     "Manage automatic responses",
		UserPermissions: PermManageGuild,
		GuildOnly:       true,
		Surfaces:        SurfaceAll,
		Subcommands: []Subcommand{
			{Name: "add", Description: "Respond to messages containing a trigger", Options: addOptions},
			{Name: "exact", Description: "Respond to messages matching a trigger exactly", Options: addOptions},
			{
				Name:        "remove",
				Description: "Remove an auto-response",
				Options:     []Option{{Name: "trigger", Type: OptionString, Required: true, Rest: true}},
			},
			{Name: "list", Description: "List auto-responses"},
		},
		Run: runAutoResponse,
	}
}

func runAutoResponse(ctx context.Context, cc *CommandContext) error {
	store := cc.Bot.store
	switch cc.Subcommand {
	case "add", "exact":
		ar := AutoResponse{
			GuildID:   cc.GuildID,
			Trigger:   strings.ToLower(strings.TrimSpace(cc.Args.String("trigger"))),
			Response:  cc.Args.String("response"),
			MatchMode: MatchModeContains,
			CreatedBy: cc.User.ID,
		}
		if cc.Subcommand == "exact" {
			ar.MatchMode = MatchModeExact
		}
		if err := structValidator.Struct(ar); err != nil {
			return validationError(err)
		}
		saved, created, err := store.UpsertAutoResponse(ctx, ar)
		if err != nil {
			return err
		}
		verb := "updated"
		if created {
			verb = "added"
		}
		return cc.Replyf(ctx, "%s auto-response for `%s` (%s)", verb, saved.Trigger, saved.MatchMode)
	case "remove":
		trigger := strings.ToLower(strings.TrimSpace(cc.Args.String("trigger")))
		err := store.DeleteAutoResponse(ctx, cc.GuildID, trigger)
		if errors.Is(err, ErrNotFound) {
			return userErrorf("no auto-response for `%s`", trigger)
		}
		if err != nil {
			return err
		}
		return cc.Replyf(ctx, "removed auto-response for `%s`", trigger)
	default:
		responses, err := store.AutoResponses(ctx, cc.GuildID)
		if err != nil {
			return err
		}
		if len(responses) == 0 {
			return cc.Replyf(ctx, "no auto-responses set")
		}
		var sb strings.Builder
		for i, ar := range responses {
			if i == maxListedEntries {
				fmt.Fprintf(&sb, "...and %d more", len(responses)-i)
				break
			}
			fmt.Fprintf(&sb, "`%s` (%s): %s\n", ar.Trigger, ar.MatchMode, truncate(ar.Response, 60))
		}
		return cc.ReplyEmbed(
			ctx,
			&discordgo.MessageEmbed{
				Title:       fmt.Sprintf("Auto-responses (%d)", len(responses)),
				Color:       configColor,
				Description: sb.String(),
			},
		)
	}
}
