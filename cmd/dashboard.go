package cmd

import (
	"github.com/arcward/guildhall/guildhall"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"log"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard [flags]",
	Short: "Starts the web dashboard",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		handler := tint.NewHandler(
			cmd.ErrOrStderr(),
			&tint.Options{Level: cfg.DatabaseLogLevel},
		)
		store, err := guildhall.OpenStore(ctx, cfg, handler)
		if err != nil {
			log.Fatalf("error opening database: %s", err.Error())
		}
		defer func() {
			if closeErr := store.Close(ctx); closeErr != nil {
				log.Printf("error closing database: %s", closeErr.Error())
			}
		}()

		dashboard, err := guildhall.NewDashboard(cfg, store)
		if err != nil {
			log.Fatalf("error creating dashboard: %s", err.Error())
		}
		if err = dashboard.Run(ctx, cfg.ShutdownTimeout); err != nil {
			log.Printf("error running dashboard: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(dashboardCmd)
}
