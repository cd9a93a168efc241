package guildhall

// builtinCommands returns fresh definitions of every built-in command
func builtinCommands() []*Command {
	var cmds []*Command
	for _, group := range [][]*Command{
		economyCommands(),
		moderationCommands(),
		settingsCommands(),
		suggestionCommands(),
		utilityCommands(),
		ownerCommands(),
	} {
		cmds = append(cmds, group...)
	}
	return cmds
}

// BuiltinCommandInfo describes every built-in command
func BuiltinCommandInfo() ([]CommandInfo, error) {
	registry, err := builtinRegistry()
	if err != nil {
		return nil, err
	}
	return registry.Info(), nil
}
