package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
	"time"
)

const (
	categoryEconomy = "economy"
	currencyName    = "coins"
	economyColor    = 0xF1C40F
)

// Ledger implements the economy operations. Every operation other than
// Pay is a single document update.
type Ledger struct {
	store  Store
	config *EconomyConfig
	now    func() time.Time

	// draw returns a number in [0, n)
	draw func(n int) int
}

func NewLedger(
	store Store,
	config *EconomyConfig,
	now func() time.Time,
	draw func(n int) int,
) *Ledger {
	if config == nil {
		config = DefaultConfig().Economy
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, config: config, now: now, draw: draw}
}

// ParseAmount parses a positive whole number, or "all", which resolves to
// available
func ParseAmount(s string, available int64) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "all" {
		if available <= 0 {
			return 0, userErrorf("you don't have any %s", currencyName)
		}
		return available, nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil || n <= 0 {
		return 0, userErrorf("amount must be a positive whole number or `all`")
	}
	return n, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (UserAccount, error) {
	return l.store.GetOrCreateAccount(ctx, userID)
}

// Deposit moves amount from the wallet to the bank
func (l *Ledger) Deposit(ctx context.Context, userID string, amount string) (
	acct UserAccount,
	moved int64,
	err error,
) {
	acct, err = l.store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			n, parseErr := ParseAmount(amount, a.Wallet)
			if parseErr != nil {
				return parseErr
			}
			if n > a.Wallet {
				return userErrorf("you only have %d %s in your wallet", a.Wallet, currencyName)
			}
			a.Wallet -= n
			a.Bank += n
			moved = n
			return nil
		},
	)
	return acct, moved, err
}

// Withdraw moves amount from the bank to the wallet
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount string) (
	acct UserAccount,
	moved int64,
	err error,
) {
	acct, err = l.store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			n, parseErr := ParseAmount(amount, a.Bank)
			if parseErr != nil {
				return parseErr
			}
			if n > a.Bank {
				return userErrorf("you only have %d %s in the bank", a.Bank, currencyName)
			}
			a.Bank -= n
			a.Wallet += n
			moved = n
			return nil
		},
	)
	return acct, moved, err
}

// Pay moves amount from the sender's wallet to the recipient's
func (l *Ledger) Pay(
	ctx context.Context,
	from *discordgo.User,
	to *discordgo.User,
	amount string,
) (sender UserAccount, recipient UserAccount, paid int64, err error) {
	if from.ID == to.ID {
		return sender, recipient, 0, userErrorf("you can't pay yourself")
	}
	if to.Bot {
		return sender, recipient, 0, userErrorf("you can't pay bots")
	}

	current, err := l.store.GetOrCreateAccount(ctx, from.ID)
	if err != nil {
		return sender, recipient, 0, err
	}
	paid, err = ParseAmount(amount, current.Wallet)
	if err != nil {
		return sender, recipient, 0, err
	}

	sender, recipient, err = l.store.Transfer(ctx, from.ID, to.ID, paid)
	if errors.Is(err, ErrInsufficientFunds) {
		return sender, recipient, 0, userErrorf(
			"you don't have %d %s in your wallet",
			paid,
			currencyName,
		)
	}
	return sender, recipient, paid, err
}

// Daily pays the daily reward, if the cooldown has passed since the last
// claim
func (l *Ledger) Daily(ctx context.Context, userID string) (UserAccount, error) {
	now := l.now()
	return l.store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			if remaining := cooldownRemaining(a.LastDaily, l.config.DailyCooldown, now); remaining > 0 {
				return userErrorf(
					"you already claimed your daily reward, try again in %s",
					humanDuration(remaining),
				)
			}
			a.Wallet += l.config.DailyAmount
			a.LastDaily = now.UnixMilli()
			return nil
		},
	)
}

// Work pays a random amount in [WorkMin, WorkMax]
func (l *Ledger) Work(ctx context.Context, userID string) (UserAccount, int64, error) {
	now := l.now()
	earned := l.config.WorkMin
	if spread := l.config.WorkMax - l.config.WorkMin; spread > 0 {
		earned += int64(l.draw(int(spread + 1)))
	}
	acct, err := l.store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			if remaining := cooldownRemaining(a.LastWork, l.config.WorkCooldown, now); remaining > 0 {
				return userErrorf(
					"you're tired, you can work again in %s",
					humanDuration(remaining),
				)
			}
			a.Wallet += earned
			a.LastWork = now.UnixMilli()
			return nil
		},
	)
	return acct, earned, err
}

// GambleResult is the outcome of a single bet
type GambleResult struct {
	Roll       int
	Stake      int64
	Multiplier string

	// Net is the change to the wallet: negative for a loss
	Net     int64
	Account UserAccount
}

// gambleNet returns the wallet change for a roll in [0, 100)
func gambleNet(roll int, stake int64) (int64, string) {
	switch {
	case roll < 40:
		return -stake, "x0"
	case roll < 85:
		return stake*3/2 - stake, "x1.5"
	case roll < 95:
		return stake, "x2"
	default:
		return 2 * stake, "x3"
	}
}

func (l *Ledger) Gamble(ctx context.Context, userID string, amount string) (
	GambleResult,
	error,
) {
	roll := l.draw(100)
	result := GambleResult{Roll: roll}

	acct, err := l.store.UpdateAccount(
		ctx, userID, func(a *UserAccount) error {
			stake, parseErr := ParseAmount(amount, a.Wallet)
			if parseErr != nil {
				return parseErr
			}
			if stake > a.Wallet {
				return userErrorf("you only have %d %s in your wallet", a.Wallet, currencyName)
			}
			result.Stake = stake
			result.Net, result.Multiplier = gambleNet(roll, stake)
			a.Wallet += result.Net
			return nil
		},
	)
	result.Account = acct
	return result, err
}

// cooldownRemaining returns the time left on a cooldown that started at
// lastMillis, or zero if it has passed or never started
func cooldownRemaining(lastMillis int64, cooldown time.Duration, now time.Time) time.Duration {
	if lastMillis == 0 || cooldown <= 0 {
		return 0
	}
	remaining := time.UnixMilli(lastMillis).Add(cooldown).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// resolveUser returns the user with the given ID, from the invoking member
// when it's the invoker, otherwise from the API
func resolveUser(ctx context.Context, cc *CommandContext, userID string) (
	*discordgo.User,
	error,
) {
	if cc.User != nil && cc.User.ID == userID {
		return cc.User, nil
	}
	u, err := cc.Bot.session().User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, userErrorf("couldn't find that user")
	}
	return u, nil
}

func economyCommands() []*Command {
	return []*Command{
		{
			Name:        "balance",
			Aliases:     []string{"bal"},
			Category:    categoryEconomy,
			Description: "Show your wallet and bank balance",
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "Whose balance to show"},
			},
			Run: runBalance,
		},
		{
			Name:        "deposit",
			Aliases:     []string{"dep"},
			Category:    categoryEconomy,
			Description: "Move coins from your wallet to the bank",
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "amount", Type: OptionString, Description: "Amount, or 'all'", Required: true},
			},
			Run: runDeposit,
		},
		{
			Name:        "withdraw",
			Aliases:     []string{"with"},
			Category:    categoryEconomy,
			Description: "Move coins from the bank to your wallet",
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "amount", Type: OptionString, Description: "Amount, or 'all'", Required: true},
			},
			Run: runWithdraw,
		},
		{
			Name:        "pay",
			Category:    categoryEconomy,
			Description: "Give coins to another user",
			Cooldown:    5 * time.Second,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "Who to pay", Required: true},
				{Name: "amount", Type: OptionString, Description: "Amount, or 'all'", Required: true},
			},
			Run: runPay,
		},
		{
			Name:        "daily",
			Category:    categoryEconomy,
			Description: "Claim your daily reward",
			Surfaces:    SurfaceAll,
			Run:         runDaily,
		},
		{
			Name:        "work",
			Category:    categoryEconomy,
			Description: "Work for some coins",
			Surfaces:    SurfaceAll,
			Run:         runWork,
		},
		{
			Name:        "gamble",
			Aliases:     []string{"bet"},
			Category:    categoryEconomy,
			Description: "Bet coins from your wallet",
			Cooldown:    3 * time.Second,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "amount", Type: OptionString, Description: "Amount, or 'all'", Required: true},
			},
			Run: runGamble,
		},
	}
}

func runBalance(ctx context.Context, cc *CommandContext) error {
	user := cc.User
	if id := cc.Args.String("user"); id != "" {
		u, err := resolveUser(ctx, cc, id)
		if err != nil {
			return err
		}
		user = u
	}
	acct, err := cc.Bot.ledger.Balance(ctx, user.ID)
	if err != nil {
		return err
	}
	return cc.ReplyEmbed(
		ctx,
		&discordgo.MessageEmbed{
			Title: fmt.Sprintf("%s's balance", user.Username),
			Color: economyColor,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Wallet", Value: strconv.FormatInt(acct.Wallet, 10), Inline: true},
				{Name: "Bank", Value: strconv.FormatInt(acct.Bank, 10), Inline: true},
				{Name: "Total", Value: strconv.FormatInt(acct.Wallet+acct.Bank, 10), Inline: true},
			},
		},
	)
}

func runDeposit(ctx context.Context, cc *CommandContext) error {
	acct, moved, err := cc.Bot.ledger.Deposit(ctx, cc.User.ID, cc.Args.String("amount"))
	if err != nil {
		return err
	}
	return cc.Replyf(
		ctx,
		"deposited %d %s. wallet: %d, bank: %d",
		moved, currencyName, acct.Wallet, acct.Bank,
	)
}

func runWithdraw(ctx context.Context, cc *CommandContext) error {
	acct, moved, err := cc.Bot.ledger.Withdraw(ctx, cc.User.ID, cc.Args.String("amount"))
	if err != nil {
		return err
	}
	return cc.Replyf(
		ctx,
		"withdrew %d %s. wallet: %d, bank: %d",
		moved, currencyName, acct.Wallet, acct.Bank,
	)
}

func runPay(ctx context.Context, cc *CommandContext) error {
	to, err := resolveUser(ctx, cc, cc.Args.String("user"))
	if err != nil {
		return err
	}
	sender, _, paid, err := cc.Bot.ledger.Pay(ctx, cc.User, to, cc.Args.String("amount"))
	if err != nil {
		return err
	}
	return cc.Replyf(
		ctx,
		"paid <@%s> %d %s. your wallet: %d",
		to.ID, paid, currencyName, sender.Wallet,
	)
}

func runDaily(ctx context.Context, cc *CommandContext) error {
	acct, err := cc.Bot.ledger.Daily(ctx, cc.User.ID)
	if err != nil {
		return err
	}
	return cc.Replyf(
		ctx,
		"you claimed %d %s! wallet: %d",
		cc.Bot.ledger.config.DailyAmount, currencyName, acct.Wallet,
	)
}

func runWork(ctx context.Context, cc *CommandContext) error {
	acct, earned, err := cc.Bot.ledger.Work(ctx, cc.User.ID)
	if err != nil {
		return err
	}
	return cc.Replyf(ctx, "you worked and earned %d %s. wallet: %d", earned, currencyName, acct.Wallet)
}

func runGamble(ctx context.Context, cc *CommandContext) error {
	res, err := cc.Bot.ledger.Gamble(ctx, cc.User.ID, cc.Args.String("amount"))
	if err != nil {
		return err
	}
	if res.Net < 0 {
		return cc.Replyf(
			ctx,
			"you rolled %d and lost %d %s. wallet: %d",
			res.Roll, res.Stake, currencyName, res.Account.Wallet,
		)
	}
	return cc.Replyf(
		ctx,
		"you rolled %d (%s) and won %d %s! wallet: %d",
		res.Roll, res.Multiplier, res.Net, currencyName, res.Account.Wallet,
	)
}
