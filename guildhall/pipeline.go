package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"time"
)

// Outcome is the terminal state of a command invocation
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
	OutcomeReplied  Outcome = "replied"
	OutcomeFailed   Outcome = "failed"
)

const genericErrorReply = "there was an error executing this command"

// Pipeline resolves, checks and runs command invocations from either
// surface
type Pipeline struct {
	bot       *Bot
	registry  *Registry
	cooldowns *CooldownTracker
	state     *ProcessState
	store     Store
	session   DiscordSessionHandler
	alerts    *AlertSink
	logger    *slog.Logger
	now       func() time.Time
}

type precheckError struct {
	reason string
}

func (e *precheckError) Error() string {
	return e.reason
}

func rejectf(format string, args ...any) error {
	return &precheckError{reason: fmt.Sprintf(format, args...)}
}

func cooldownReason(command string, remaining time.Duration) string {
	return fmt.Sprintf("you're on cooldown for `%s`, try again in %s", command, humanDuration(remaining))
}

// Execute runs inv through resolution, prechecks, argument binding and
// the command handler
func (p *Pipeline) Execute(ctx context.Context, inv *invocation, prefix string) Outcome {
	if inv.user == nil {
		return OutcomeIgnored
	}
	cmd, ok := p.registry.Lookup(inv.name)
	if !ok || cmd.Surfaces&inv.surface == 0 {
		return OutcomeIgnored
	}

	logger := p.logger.With(
		"command", cmd.Name,
		"surface", inv.surface.String(),
		"user_id", inv.user.ID,
		"guild_id", inv.guildID,
	)
	ctx = WithLogger(ctx, logger)
	start := p.now()

	cc := &CommandContext{
		Bot:       p.bot,
		Command:   cmd,
		Surface:   inv.surface,
		GuildID:   inv.guildID,
		ChannelID: inv.channelID,
		User:      inv.user,
		Member:    inv.member,
		Prefix:    prefix,
		Logger:    logger,
		responder: inv.responder,
	}

	outcome, runErr := p.execute(ctx, cmd, inv, cc)
	p.audit(ctx, cc, outcome, runErr, p.now().Sub(start))
	return outcome
}

func (p *Pipeline) execute(
	ctx context.Context,
	cmd *Command,
	inv *invocation,
	cc *CommandContext,
) (Outcome, error) {
	logger := cc.Logger

	if err := p.precheck(ctx, cmd, inv); err != nil {
		var rejected *precheckError
		if errors.As(err, &rejected) {
			logger.InfoContext(ctx, "command rejected", "reason", rejected.reason)
			_ = cc.Reply(ctx, Reply{Content: rejected.reason, Ephemeral: true})
			return OutcomeRejected, err
		}
		return p.fail(ctx, cc, err), err
	}

	sub, args, err := bindArguments(cmd, inv)
	if err != nil {
		var ue *UserError
		if errors.As(err, &ue) {
			_ = cc.Reply(ctx, Reply{Content: ue.Message, Ephemeral: true})
			return OutcomeRejected, err
		}
		return p.fail(ctx, cc, err), err
	}
	cc.Subcommand = sub
	cc.Args = args

	if remaining, ok := p.cooldowns.TryAcquire(cmd.Name, inv.user.ID, cmd.Cooldown); !ok {
		// another invocation got past the precheck first
		reason := cooldownReason(cmd.Name, remaining)
		logger.InfoContext(ctx, "command rejected", "reason", reason)
		_ = cc.Reply(ctx, Reply{Content: reason, Ephemeral: true})
		return OutcomeRejected, &precheckError{reason: reason}
	}
	p.state.commandsExecuted.Add(1)
	logger.DebugContext(ctx, "executing command", "subcommand", sub)

	err = p.run(ctx, cc)
	if err == nil {
		return OutcomeReplied, nil
	}

	var ue *UserError
	if errors.As(err, &ue) {
		_ = cc.Reply(ctx, Reply{Content: ue.Message, Ephemeral: true})
		return OutcomeReplied, nil
	}
	return p.fail(ctx, cc, err), err
}

// fail logs and alerts an unexpected error, and sends the generic reply
func (p *Pipeline) fail(ctx context.Context, cc *CommandContext, err error) Outcome {
	cc.Logger.ErrorContext(ctx, "error executing command", tint.Err(err))
	p.alerts.Notify(
		ctx,
		fmt.Sprintf("command `%s` failed", cc.Command.Name),
		fmt.Sprintf("user: %s\nguild: %s\n%s", cc.User.ID, cc.GuildID, err),
	)
	if replyErr := cc.Reply(ctx, Reply{Content: genericErrorReply, Ephemeral: true}); replyErr != nil {
		cc.Logger.WarnContext(ctx, "error sending error reply", tint.Err(replyErr))
	}
	return OutcomeFailed
}

// run calls the handler, converting a panic into an error
func (p *Pipeline) run(ctx context.Context, cc *CommandContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in command %s: %v\n%s", cc.Command.Name, r, debug.Stack())
		}
	}()
	return cc.Command.Run(ctx, cc)
}

// precheck returns a *precheckError if the invocation isn't allowed, or
// another error if permissions couldn't be determined
func (p *Pipeline) precheck(ctx context.Context, cmd *Command, inv *invocation) error {
	owner := p.state.IsOwner(inv.user.ID)

	if p.state.Maintenance() && !owner {
		return rejectf("the bot is in maintenance mode, try again later")
	}
	if cmd.OwnerOnly && !owner {
		return rejectf("this command can only be used by the bot owner")
	}
	if cmd.GuildOnly && inv.guildID == "" {
		return rejectf("this command can only be used in a server")
	}
	if remaining := p.cooldowns.Remaining(cmd.Name, inv.user.ID, cmd.Cooldown); remaining > 0 {
		return &precheckError{reason: cooldownReason(cmd.Name, remaining)}
	}

	if inv.guildID != "" && cmd.UserPermissions != 0 {
		have, err := p.userPermissions(inv)
		if err != nil {
			return fmt.Errorf("error getting user permissions: %w", err)
		}
		if missing := missingPermissions(have, cmd.UserPermissions); missing != 0 {
			return rejectf("you need the following permission(s): %s", permissionNamesOf(missing))
		}
	}
	if inv.guildID != "" && cmd.BotPermissions != 0 {
		have, err := p.botPermissions(inv)
		if err != nil {
			return fmt.Errorf("error getting bot permissions: %w", err)
		}
		if missing := missingPermissions(have, cmd.BotPermissions); missing != 0 {
			return rejectf("I need the following permission(s): %s", permissionNamesOf(missing))
		}
	}

	if cmd.PremiumOnly && !owner {
		acct, err := p.store.Account(ctx, inv.user.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("error getting account: %w", err)
		}
		if !acct.Premium {
			return rejectf("`%s` is a premium command", cmd.Name)
		}
	}
	return nil
}

func (p *Pipeline) userPermissions(inv *invocation) (int64, error) {
	if inv.memberPermissions != nil {
		return *inv.memberPermissions, nil
	}
	return p.session.UserChannelPermissions(inv.user.ID, inv.channelID)
}

func (p *Pipeline) botPermissions(inv *invocation) (int64, error) {
	if inv.appPermissions != nil {
		return *inv.appPermissions, nil
	}
	me := p.session.StateUser()
	if me == nil {
		return 0, errors.New("bot user unknown")
	}
	return p.session.UserChannelPermissions(me.ID, inv.channelID)
}

// audit writes the command log entry. Failures are logged, not returned.
func (p *Pipeline) audit(
	ctx context.Context,
	cc *CommandContext,
	outcome Outcome,
	runErr error,
	elapsed time.Duration,
) {
	entry := CommandLog{
		CommandName: cc.Command.Name,
		UserID:      cc.User.ID,
		GuildID:     cc.GuildID,
		ChannelID:   cc.ChannelID,
		Surface:     cc.Surface.String(),
		Outcome:     string(outcome),
		DurationMS:  elapsed.Milliseconds(),
		CreatedAt:   p.now().UnixMilli(),
	}
	if runErr != nil {
		entry.Error = truncate(runErr.Error(), 500)
	}
	if err := p.store.LogCommand(context.WithoutCancel(ctx), entry); err != nil {
		cc.Logger.WarnContext(ctx, "error writing command log", tint.Err(err))
	}
}
