package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/accountdash/pkg/dashboard"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var email, apiKey string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Render the live account table until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()

			key, err := resolveAPIKey(cfg, apiKey, email)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessions := dashboard.NewManager(newSessionFactory(cfg), logger)
			defer sessions.Close()

			session, err := sessions.Acquire(ctx, key)
			if err != nil {
				return err
			}

			updates := make(chan []models.Account, 1)
			unsubscribe := session.Subscribe(func(accounts []models.Account) {
				select {
				case <-updates:
				default:
				}
				updates <- accounts
			})
			defer unsubscribe()

			out := cmd.OutOrStdout()
			accounts := session.Accounts()
			for {
				fmt.Fprint(out, "\033[H\033[2J")
				fmt.Fprintf(out, "Live: %t\n", session.Live())
				if err := renderAccounts(out, accounts, "table"); err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return nil
				case accounts = <-updates:
				}
			}
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "use the API key of this configured user")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "MetaCopier API key (overrides config)")
	return cmd
}
