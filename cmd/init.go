package cmd

import (
	"bufio"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"log"
	"strconv"
	"strings"
	"syscall"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, set the bridge key and add a bot owner",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GH_DATABASE_TYPE not set (must be one of: sqlite, postgres, mongodb)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GH_DATABASE not set (must be a valid " +
					"database connection string, sqlite file path or mongodb URI)",
			)
		}

		out := cmd.OutOrStdout()
		handler := tint.NewHandler(
			cmd.ErrOrStderr(),
			&tint.Options{Level: cfg.DatabaseLogLevel},
		)
		store, err := guildhall.OpenStore(ctx, cfg, handler)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer func() {
			if closeErr := store.Close(ctx); closeErr != nil {
				log.Printf("Error closing database: %v", closeErr)
			}
		}()

		settings, err := store.BotSettings(ctx)
		if err != nil {
			log.Fatalf("Error retrieving bot settings: %v", err)
		}

		reader := bufio.NewReader(cmd.InOrStdin())

		if settings.APIKeyHash == "" {
			fmt.Fprintln(out, "Bridge key is not set. Let's set it up.")
			key := cfg.Bridge.Key
			if key != "" {
				fmt.Fprintln(out, "Using the bridge key from GH_BRIDGE_KEY.")
			} else {
				key = promptBridgeKey(cmd)
			}
			if err = guildhall.SetBridgeKey(ctx, store, key); err != nil {
				log.Fatalf("Error setting bridge key: %v", err)
			}
			fmt.Fprintln(out, "Bridge key set successfully.")
		} else {
			fmt.Fprintln(out, "Bridge key is already set.")
		}

		fmt.Fprint(out, "Enter a bot owner user ID (leave blank to skip): ")
		ownerID, _ := reader.ReadString('\n')
		ownerID = strings.TrimSpace(ownerID)
		if ownerID != "" {
			if _, err = strconv.ParseUint(ownerID, 10, 64); err != nil {
				log.Fatalf("Invalid user ID %q: must be a numeric discord ID", ownerID)
			}
			if err = store.AddBotOwner(ctx, ownerID); err != nil {
				log.Fatalf("Error adding bot owner: %v", err)
			}
			fmt.Fprintf(out, "Added %s as a bot owner.\n", ownerID)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptBridgeKey reads the bridge key twice, until both entries match. An
// empty entry generates a random key, which is printed once.
func promptBridgeKey(cmd *cobra.Command) string {
	out := cmd.OutOrStdout()
	if customPasswordReader == nil {
		customPasswordReader = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter bridge key (leave blank to generate one): ")
		keyBytes, _ := customPasswordReader()
		key := string(keyBytes)
		fmt.Fprintln(out)

		if key == "" {
			generated, err := guildhall.GenerateBridgeKey()
			if err != nil {
				log.Fatalf("Error generating bridge key: %v", err)
			}
			fmt.Fprintf(
				out,
				"Generated bridge key (set it as GH_BRIDGE_KEY for the bot and dashboard): %s\n",
				generated,
			)
			return generated
		}

		fmt.Fprint(out, "Confirm bridge key: ")
		confirmBytes, _ := customPasswordReader()
		fmt.Fprintln(out)

		if key == string(confirmBytes) {
			return key
		}
		fmt.Fprintln(out, "Keys do not match. Please try again.")
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
