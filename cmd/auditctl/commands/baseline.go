package commands

import (
	"context"
	"errors"
	"fmt"

	"audit-ledger/internal/app"
	"audit-ledger/internal/ledger"

	"github.com/spf13/cobra"
)

func newBaselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect and maintain per-user behavioral baselines",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get USER_ID",
			Short: "Print a user's baseline",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLedger(cmd, func(ctx context.Context, a *app.App) error {
					b, err := a.Ledger.GetBaseline(ctx, args[0])
					if errors.Is(err, ledger.ErrBaselineNotFound) {
						return fmt.Errorf("no baseline for %s", args[0])
					}
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), b)
				})
			},
		},
		&cobra.Command{
			Use:   "reset USER_ID",
			Short: "Discard a user's baseline",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLedger(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Ledger.ResetBaseline(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Baseline for %s reset\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rebuild USER_ID",
			Short: "Recompute a user's baseline from ledger history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLedger(cmd, func(ctx context.Context, a *app.App) error {
					b, err := a.Ledger.RebuildBaseline(ctx, args[0])
					if errors.Is(err, ledger.ErrBaselineNotFound) {
						return fmt.Errorf("no history for %s", args[0])
					}
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), b)
				})
			},
		},
	)
	return cmd
}
