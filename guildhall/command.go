package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Surface is a bitmask of the ways a command can be invoked
type Surface uint8

const (
	SurfaceSlash Surface = 1 << iota
	SurfaceText

	SurfaceAll = SurfaceSlash | SurfaceText
)

func (s Surface) String() string {
	switch s {
	case SurfaceSlash:
		return "slash"
	case SurfaceText:
		return "text"
	case SurfaceAll:
		return "slash|text"
	default:
		return "none"
	}
}

// OptionType is the type of a command argument
type OptionType string

const (
	OptionString  OptionType = "string"
	OptionInteger OptionType = "integer"
	OptionBoolean OptionType = "boolean"
	OptionUser    OptionType = "user"
	OptionChannel OptionType = "channel"
	OptionRole    OptionType = "role"
)

var discordOptionTypes = map[OptionType]discordgo.ApplicationCommandOptionType{
	OptionString:  discordgo.ApplicationCommandOptionString,
	OptionInteger: discordgo.ApplicationCommandOptionInteger,
	OptionBoolean: discordgo.ApplicationCommandOptionBoolean,
	OptionUser:    discordgo.ApplicationCommandOptionUser,
	OptionChannel: discordgo.ApplicationCommandOptionChannel,
	OptionRole:    discordgo.ApplicationCommandOptionRole,
}

var commandNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Option describes a single command argument. For text invocations,
// options are positional in the order given. A Rest option must be last,
// and consumes the remainder of the line.
type Option struct {
	Name        string
	Type        OptionType
	Description string
	Required    bool
	Rest        bool
}

// Subcommand is a named group of options under a command
type Subcommand struct {
	Name        string
	Description string
	Options     []Option
}

// Command is a command definition, shared by the slash and text surfaces
type Command struct {
	Name        string
	Aliases     []string
	Category    string
	Description string
	Usage       string
	Cooldown    time.Duration

	// UserPermissions and BotPermissions are the permission bits the
	// invoker and the bot need in the channel
	UserPermissions int64
	BotPermissions  int64

	OwnerOnly   bool
	GuildOnly   bool
	PremiumOnly bool
	Surfaces    Surface

	Options     []Option
	Subcommands []Subcommand

	Run func(ctx context.Context, cc *CommandContext) error
}

// Validate reports problems with the definition
func (c *Command) Validate() error {
	var errs []error
	if !commandNamePattern.MatchString(c.Name) {
		errs = append(errs, fmt.Errorf("invalid command name %q", c.Name))
	}
	if c.Run == nil {
		errs = append(errs, fmt.Errorf("command %q has no handler", c.Name))
	}
	if c.Surfaces&SurfaceAll == 0 {
		errs = append(errs, fmt.Errorf("command %q has no surfaces", c.Name))
	}
	if l := len(c.Description); l == 0 || l > 100 {
		errs = append(errs, fmt.Errorf("command %q: description must be 1-100 characters", c.Name))
	}
	if len(c.Subcommands) > 0 && len(c.Options) > 0 {
		errs = append(errs, fmt.Errorf("command %q: can't have both options and subcommands", c.Name))
	}
	errs = append(errs, validateOptions(c.Name, c.Options))
	for _, sub := range c.Subcommands {
		if !commandNamePattern.MatchString(sub.Name) {
			errs = append(errs, fmt.Errorf("command %q: invalid subcommand name %q", c.Name, sub.Name))
		}
		errs = append(errs, validateOptions(c.Name+" "+sub.Name, sub.Options))
	}
	for _, alias := range c.Aliases {
		if !commandNamePattern.MatchString(alias) {
			errs = append(errs, fmt.Errorf("command %q: invalid alias %q", c.Name, alias))
		}
	}
	return errors.Join(errs...)
}

func validateOptions(name string, opts []Option) error {
	var errs []error
	optional := false
	for i, o := range opts {
		if _, ok := discordOptionTypes[o.Type]; !ok {
			errs = append(errs, fmt.Errorf("%s: option %q has unknown type %q", name, o.Name, o.Type))
		}
		if o.Rest && i != len(opts)-1 {
			errs = append(errs, fmt.Errorf("%s: rest option %q must be last", name, o.Name))
		}
		if o.Rest && o.Type != OptionString {
			errs = append(errs, fmt.Errorf("%s: rest option %q must be a string", name, o.Name))
		}
		if o.Required && optional {
			errs = append(errs, fmt.Errorf("%s: required option %q follows an optional one", name, o.Name))
		}
		if !o.Required {
			optional = true
		}
	}
	return errors.Join(errs...)
}

func (c *Command) subcommand(name string) (Subcommand, bool) {
	for _, s := range c.Subcommands {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Subcommand{}, false
}

// UsageString returns the usage line for text invocations, without the
// prefix
func (c *Command) UsageString() string {
	if c.Usage != "" {
		return c.Name + " " + c.Usage
	}
	if len(c.Subcommands) > 0 {
		names := make([]string, 0, len(c.Subcommands))
		for _, s := range c.Subcommands {
			names = append(names, s.Name)
		}
		return fmt.Sprintf("%s <%s>", c.Name, strings.Join(names, "|"))
	}
	return strings.TrimSpace(c.Name + " " + optionsUsage(c.Options))
}

func optionsUsage(opts []Option) string {
	parts := make([]string, 0, len(opts))
	for _, o := range opts {
		if o.Required {
			parts = append(parts, "<"+o.Name+">")
		} else {
			parts = append(parts, "["+o.Name+"]")
		}
	}
	return strings.Join(parts, " ")
}

func (c *Command) applicationCommand() *discordgo.ApplicationCommand {
	ac := &discordgo.ApplicationCommand{
		Name:        c.Name,
		Description: c.Description,
		Type:        discordgo.ChatApplicationCommand,
	}
	if c.GuildOnly {
		dm := false
		ac.DMPermission = &dm
	}
	if c.UserPermissions != 0 {
		perms := c.UserPermissions
		ac.DefaultMemberPermissions = &perms
	}
	if len(c.Subcommands) > 0 {
		for _, sub := range c.Subcommands {
			desc := sub.Description
			if desc == "" {
				desc = sub.Name
			}
			ac.Options = append(
				ac.Options,
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        sub.Name,
					Description: desc,
					Options:     slashOptions(sub.Options),
				},
			)
		}
		return ac
	}
	ac.Options = slashOptions(c.Options)
	return ac
}

func slashOptions(opts []Option) []*discordgo.ApplicationCommandOption {
	rv := make([]*discordgo.ApplicationCommandOption, 0, len(opts))
	for _, o := range opts {
		desc := o.Description
		if desc == "" {
			desc = o.Name
		}
		rv = append(
			rv,
			&discordgo.ApplicationCommandOption{
				Type:        discordOptionTypes[o.Type],
				Name:        o.Name,
				Description: desc,
				Required:    o.Required,
			},
		)
	}
	return rv
}

// CommandInfo is the exported metadata of a command, as served by the
// bridge and dashboard APIs and the `commands` CLI
type CommandInfo struct {
	Name        string   `json:"name" yaml:"name"`
	Aliases     []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Category    string   `json:"category" yaml:"category"`
	Description string   `json:"description" yaml:"description"`
	Usage       string   `json:"usage" yaml:"usage"`
	Cooldown    string   `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	Surfaces    string   `json:"surfaces" yaml:"surfaces"`
	Subcommands []string `json:"subcommands,omitempty" yaml:"subcommands,omitempty"`
	GuildOnly   bool     `json:"guild_only,omitempty" yaml:"guild_only,omitempty"`
	OwnerOnly   bool     `json:"owner_only,omitempty" yaml:"owner_only,omitempty"`
	PremiumOnly bool     `json:"premium_only,omitempty" yaml:"premium_only,omitempty"`
}

func (c *Command) Info() CommandInfo {
	info := CommandInfo{
		Name:        c.Name,
		Aliases:     c.Aliases,
		Category:    c.Category,
		Description: c.Description,
		Usage:       c.UsageString(),
		Surfaces:    c.Surfaces.String(),
		GuildOnly:   c.GuildOnly,
		OwnerOnly:   c.OwnerOnly,
		PremiumOnly: c.PremiumOnly,
	}
	if c.Cooldown > 0 {
		info.Cooldown = c.Cooldown.String()
	}
	for _, s := range c.Subcommands {
		info.Subcommands = append(info.Subcommands, s.Name)
	}
	return info
}

// Registry holds the command set, indexed by name and alias
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
}

// NewRegistry validates and indexes cmds. Any invalid definition, or any
// name or alias used more than once, is an error.
func NewRegistry(cmds ...*Command) (*Registry, error) {
	r := &Registry{
		commands: make(map[string]*Command, len(cmds)),
		aliases:  map[string]string{},
	}
	var errs []error
	for _, cmd := range cmds {
		if err := r.add(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) claimed(key string) (string, bool) {
	if _, ok := r.commands[key]; ok {
		return key, true
	}
	owner, ok := r.aliases[key]
	return owner, ok
}

func (r *Registry) add(cmd *Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	keys := append([]string{cmd.Name}, cmd.Aliases...)
	seen := map[string]bool{}
	for _, k := range keys {
		k = strings.ToLower(k)
		if seen[k] {
			return fmt.Errorf("command %q: %q is listed twice", cmd.Name, k)
		}
		seen[k] = true
		if owner, ok := r.claimed(k); ok {
			return fmt.Errorf("command %q: %q is already registered by %q", cmd.Name, k, owner)
		}
	}
	r.commands[strings.ToLower(cmd.Name)] = cmd
	for _, a := range cmd.Aliases {
		r.aliases[strings.ToLower(a)] = cmd.Name
	}
	return nil
}

// Lookup finds a command by name, then by alias. Case is ignored.
func (r *Registry) Lookup(name string) (*Command, bool) {
	name = strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if owner, ok := r.aliases[name]; ok {
		return r.commands[owner], true
	}
	return nil, false
}

// Replace swaps the definition of an existing command. The replacement
// may drop aliases, but may not claim ones used by other commands.
func (r *Registry) Replace(cmd *Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	name := strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.commands[name]
	if !ok {
		return fmt.Errorf("command %q: %w", cmd.Name, ErrNotFound)
	}
	for _, a := range cmd.Aliases {
		a = strings.ToLower(a)
		if owner, claimed := r.claimed(a); claimed && owner != old.Name {
			return fmt.Errorf("command %q: alias %q is already registered by %q", cmd.Name, a, owner)
		}
	}
	for _, a := range old.Aliases {
		delete(r.aliases, strings.ToLower(a))
	}
	for _, a := range cmd.Aliases {
		r.aliases[strings.ToLower(a)] = cmd.Name
	}
	r.commands[name] = cmd
	return nil
}

// Commands returns every command, sorted by name
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		rv = append(rv, c)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Name < rv[j].Name })
	return rv
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// ByCategory groups commands by category, each sorted by name
func (r *Registry) ByCategory() map[string][]*Command {
	rv := map[string][]*Command{}
	for _, c := range r.Commands() {
		rv[c.Category] = append(rv[c.Category], c)
	}
	return rv
}

// Categories returns the sorted category names
func (r *Registry) Categories() []string {
	var rv []string
	for k := range r.ByCategory() {
		rv = append(rv, k)
	}
	slices.Sort(rv)
	return rv
}

func (r *Registry) Info() []CommandInfo {
	cmds := r.Commands()
	rv := make([]CommandInfo, 0, len(cmds))
	for _, c := range cmds {
		rv = append(rv, c.Info())
	}
	return rv
}

// ApplicationCommands builds the slash command metadata for every command
// available on the slash surface
func (r *Registry) ApplicationCommands() []*discordgo.ApplicationCommand {
	var rv []*discordgo.ApplicationCommand
	for _, c := range r.Commands() {
		if c.Surfaces&SurfaceSlash != 0 {
			rv = append(rv, c.applicationCommand())
		}
	}
	return rv
}

// UserError is an error whose message is shown to the user as-is
type UserError struct {
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

func userErrorf(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}
