package cmd

import (
	"encoding/json"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var commandsFormat string

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Print the built-in commands as YAML or JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		info, err := guildhall.BuiltinCommandInfo()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch commandsFormat {
		case "yaml":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err = enc.Encode(info); err != nil {
				return err
			}
			return enc.Close()
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		default:
			return fmt.Errorf("unknown format %q (must be yaml or json)", commandsFormat)
		}
	},
}

//nolint:gochecknoinits
func init() {
	commandsCmd.Flags().StringVarP(
		&commandsFormat,
		"format",
		"f",
		"yaml",
		"Output format (yaml or json)",
	)
	rootCmd.AddCommand(commandsCmd)
}
