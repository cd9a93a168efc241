package guildhall

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	minReminderDelay      = time.Minute
	maxReminderDelay      = 365 * 24 * time.Hour
	maxReminderLength     = 1000
	maxRemindersPerUser   = 25
	reminderDeliveryLimit = 10 * time.Second
)

// ReminderPoller delivers due reminders. Each reminder is sent, marked
// delivered, then deleted. A reminder found already marked delivered is
// only deleted, so a failure after sending re-sends at most once per
// failed mark.
type ReminderPoller struct {
	store    Store
	session  DiscordSessionHandler
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
}

func NewReminderPoller(
	store Store,
	session DiscordSessionHandler,
	cfg *RemindersConfig,
	logger *slog.Logger,
) *ReminderPoller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ReminderPoller{
		store:    store,
		session:  session,
		interval: DefaultReminderPollInterval,
		batch:    DefaultReminderBatchSize,
		logger:   logger,
		now:      time.Now,
	}
	if cfg != nil {
		if cfg.PollInterval > 0 {
			p.interval = cfg.PollInterval
		}
		if cfg.BatchSize > 0 {
			p.batch = cfg.BatchSize
		}
	}
	return p
}

// Run polls until ctx is canceled
func (p *ReminderPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.InfoContext(ctx, "reminder poller started", "interval", p.interval)

	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.ErrorContext(ctx, "error polling reminders", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "reminder poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll handles one batch of due reminders, returning the number delivered
func (p *ReminderPoller) Poll(ctx context.Context) (int, error) {
	due, err := p.store.DueReminders(ctx, p.now(), p.batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, r := range due {
		logger := p.logger.With("reminder_id", r.ID, "user_id", r.UserID)
		if r.DeliveredAt == 0 {
			if err := p.deliver(ctx, r); err != nil {
				logger.WarnContext(ctx, "error delivering reminder, will retry", tint.Err(err))
				continue
			}
			delivered++
			if err := p.store.MarkReminderDelivered(ctx, r.ID, p.now()); err != nil {
				logger.ErrorContext(ctx, "error marking reminder delivered", tint.Err(err))
				continue
			}
		}
		if err := p.store.DeleteReminder(ctx, r.ID); err != nil {
			logger.ErrorContext(ctx, "error deleting reminder", tint.Err(err))
		}
	}
	return delivered, nil
}

// deliver sends the reminder to the channel it was set in, falling back
// to a DM
func (p *ReminderPoller) deliver(ctx context.Context, r Reminder) error {
	ctx, cancel := context.WithTimeout(ctx, reminderDeliveryLimit)
	defer cancel()

	content := fmt.Sprintf(
		"<@%s> reminder from <t:%d:R>: %s",
		r.UserID,
		r.CreatedAt/1000,
		r.Content,
	)
	var channelErr error
	if r.ChannelID != "" {
		_, channelErr = p.session.ChannelMessageSendComplex(
			r.ChannelID,
			&discordgo.MessageSend{
				Content:         content,
				AllowedMentions: &discordgo.MessageAllowedMentions{Users: []string{r.UserID}},
			},
			discordgo.WithContext(ctx),
		)
		if channelErr == nil {
			return nil
		}
	}

	dm, err := p.session.UserChannelCreate(r.UserID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error opening DM (channel error: %v): %w", channelErr, err)
	}
	if _, err = p.session.ChannelMessageSend(dm.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error sending DM (channel error: %v): %w", channelErr, err)
	}
	return nil
}

func reminderCommands() []*Command {
	return []*Command{
		{
			Name:        "remind",
			Aliases:     []string{"remindme"},
			Category:    categoryUtility,
			Description: "Set a reminder",
			Usage:       "<duration, e.g. 10m, 2h, 3d> <text>",
			Cooldown:    3 * time.Second,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "duration", Type: OptionString, Description: "When, e.g. 10m, 2h or 3d", Required: true},
				{Name: "text", Type: OptionString, Description: "What to remind you of", Required: true, Rest: true},
			},
			Run: runRemind,
		},
		{
			Name:        "reminders",
			Category:    categoryUtility,
			Description: "List your pending reminders",
			Surfaces:    SurfaceAll,
			Run:         runReminders,
		},
	}
}

func runRemind(ctx context.Context, cc *CommandContext) error {
	d, err := parseHumanDuration(cc.Args.String("duration"))
	if err != nil {
		return userErrorf("`%s` isn't a duration, try something like 10m, 2h or 3d", cc.Args.String("duration"))
	}
	if d < minReminderDelay || d > maxReminderDelay {
		return userErrorf("reminders must be between 1 minute and 365 days away")
	}
	text := strings.TrimSpace(cc.Args.String("text"))
	if text == "" {
		return userErrorf("missing argument `text`")
	}

	pending, err := cc.Bot.store.UserReminders(ctx, cc.User.ID)
	if err != nil {
		return err
	}
	if len(pending) >= maxRemindersPerUser {
		return userErrorf("you can have at most %d pending reminders", maxRemindersPerUser)
	}

	due := cc.Bot.now().Add(d)
	r := &Reminder{
		ID:        uuid.NewString(),
		UserID:    cc.User.ID,
		ChannelID: cc.ChannelID,
		GuildID:   cc.GuildID,
		Content:   truncate(text, maxReminderLength),
		DueAt:     due.UnixMilli(),
	}
	if err = cc.Bot.store.CreateReminder(ctx, r); err != nil {
		return err
	}
	return cc.Replyf(ctx, "I'll remind you <t:%d:R>", due.Unix())
}

func runReminders(ctx context.Context, cc *CommandContext) error {
	pending, err := cc.Bot.store.UserReminders(ctx, cc.User.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return cc.Reply(ctx, Reply{Content: "you have no pending reminders", Ephemeral: true})
	}
	var sb strings.Builder
	for _, r := range pending {
		fmt.Fprintf(&sb, "<t:%d:R>: %s\n", r.DueAt/1000, truncate(r.Content, 100))
	}
	return cc.Reply(
		ctx,
		Reply{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       fmt.Sprintf("Reminders (%d)", len(pending)),
					Color:       utilityColor,
					Description: shortenString(sb.String(), 4000),
				},
			},
			Ephemeral: true,
		},
	)
}
