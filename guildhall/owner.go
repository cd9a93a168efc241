package guildhall

import (
	"context"
	"strings"
)

const categoryOwner = "owner"

func ownerCommands() []*Command {
	return []*Command{
		{
			Name:        "reload",
			Category:    categoryOwner,
			Description: "Reload a command's definition",
			OwnerOnly:   true,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "command", Type: OptionString, Description: "Command name", Required: true},
			},
			Run: runReload,
		},
		{
			Name:        "maintenance",
			Category:    categoryOwner,
			Description: "Turn maintenance mode on or off",
			OwnerOnly:   true,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "enabled", Type: OptionBoolean, Description: "on or off", Required: true},
			},
			Run: func(ctx context.Context, cc *CommandContext) error {
				on := cc.Args.Bool("enabled")
				cc.Bot.state.SetMaintenance(on)
				cc.Logger.WarnContext(ctx, "maintenance mode changed", "maintenance", on)
				return cc.Replyf(ctx, "maintenance mode %s", onOff(on))
			},
		},
		{
			Name:        "premium",
			Category:    categoryOwner,
			Description: "Grant or revoke premium for a user",
			OwnerOnly:   true,
			Surfaces:    SurfaceAll,
			Options: []Option{
				{Name: "user", Type: OptionUser, Description: "User", Required: true},
				{Name: "enabled", Type: OptionBoolean, Description: "on or off", Required: true},
			},
			Run: func(ctx context.Context, cc *CommandContext) error {
				userID := cc.Args.String("user")
				on := cc.Args.Bool("enabled")
				if _, err := cc.Bot.store.UpdateAccount(
					ctx, userID, func(a *UserAccount) error {
						a.Premium = on
						return nil
					},
				); err != nil {
					return err
				}
				return cc.Replyf(ctx, "premium %s for <@%s>", onOff(on), userID)
			},
		},
	}
}

// runReload swaps the registered definition of a command for a freshly
// built one, and clears its cooldowns
func runReload(ctx context.Context, cc *CommandContext) error {
	name := strings.ToLower(cc.Args.String("command"))
	existing, ok := cc.Bot.registry.Lookup(name)
	if !ok {
		return userErrorf("no command named `%s`", name)
	}
	for _, fresh := range builtinCommands() {
		if fresh.Name != existing.Name {
			continue
		}
		if err := cc.Bot.registry.Replace(fresh); err != nil {
			return err
		}
		cc.Bot.cooldowns.ResetCommand(fresh.Name)
		cc.Logger.InfoContext(ctx, "command reloaded", "reloaded", fresh.Name)
		return cc.Replyf(ctx, "reloaded `%s`", fresh.Name)
	}
	return userErrorf("`%s` has no built-in definition to reload", existing.Name)
}
