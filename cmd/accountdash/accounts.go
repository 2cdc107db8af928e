package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newAccountsCmd() *cobra.Command {
	var output, email, apiKey string

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Print a one-shot snapshot of all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()

			key, err := resolveAPIKey(cfg, apiKey, email)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			accounts := newFetcher(cfg, key).Snapshot(ctx)
			return renderAccounts(cmd.OutOrStdout(), accounts, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().StringVar(&email, "email", "", "use the API key of this configured user")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "MetaCopier API key (overrides config)")
	return cmd
}
