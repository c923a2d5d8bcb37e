package commands

import (
	"context"
	"errors"
	"fmt"

	"audit-ledger/internal/app"
	"audit-ledger/internal/audit"

	"github.com/spf13/cobra"
)

var errChainBroken = errors.New("audit chain integrity check failed")

func newVerifyCmd() *cobra.Command {
	var from, to uint64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify sequence continuity, hash linkage, content and signatures",
		Example: `  auditctl verify
  auditctl verify --from 1000 --to 2000
  auditctl verify --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Ledger.Verify(ctx, audit.VerifyRange{From: from, To: to})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if err := printJSON(out, res); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(out, "Records checked: %d\n", res.RecordsChecked)
					if res.LastValidSequence != nil {
						fmt.Fprintf(out, "Last valid sequence: %d\n", *res.LastValidSequence)
					}
					if res.IsValid {
						fmt.Fprintln(out, "Chain is intact")
					} else {
						fmt.Fprintf(out, "Chain broken at sequence %d\n", *res.BrokenChainAt)
						for _, issue := range res.Issues {
							fmt.Fprintf(out, "  - %s\n", issue)
						}
					}
				}
				if !res.IsValid {
					return errChainBroken
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence number (default 1)")
	cmd.Flags().Uint64Var(&to, "to", 0, "last sequence number (default current tail)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}
