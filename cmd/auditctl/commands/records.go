package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"audit-ledger/internal/app"
	"audit-ledger/internal/audit"
	"audit-ledger/internal/ledger"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var user, eventType, action, since string
	var minRisk, limit int
	var after uint64
	var asc, asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query ledger records",
		Example: `  auditctl list --user u-42 --since 24h
  auditctl list --min-risk 70
  auditctl list --asc --after 1500 --limit 500 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := audit.RecordFilter{
				UserID:        user,
				EventType:     audit.EventType(eventType),
				Action:        audit.Action(strings.ToUpper(action)),
				MinRiskScore:  minRisk,
				AfterSequence: after,
				Ascending:     asc,
				Limit:         limit,
			}
			if f.EventType != "" && !f.EventType.Valid() {
				return fmt.Errorf("unknown event type %q", eventType)
			}
			if f.Action != "" && !f.Action.Valid() {
				return fmt.Errorf("unknown action %q", action)
			}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				f.Since = time.Now().Add(-dur)
			}

			return withLedger(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Ledger.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "No audit records found.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "SEQ\tTIME\tUSER\tACTION\tRESOURCE\tTYPE\tRISK\tANOMALY\tINDICATORS\n")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						r.SequenceNumber, r.Timestamp.Format(time.RFC3339), dash(r.UserID), r.Action,
						r.Resource, r.EventType, r.RiskScore, r.AnomalyScore, dash(strings.Join(r.ThreatIndicators, ",")))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	cmd.Flags().StringVar(&eventType, "event-type", "", "filter by event type")
	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&since, "since", "", "only records newer than this duration (e.g. 1h)")
	cmd.Flags().IntVar(&minRisk, "min-risk", 0, "minimum risk score")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records (capped at 1000)")
	cmd.Flags().Uint64Var(&after, "after", 0, "only records after this sequence number")
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newHeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Print the current chain tail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, a *app.App) error {
				h, err := a.Ledger.Head(ctx)
				if err != nil {
					return err
				}
				if h.Sequence == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Ledger is empty")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", h.Sequence, h.Hash)
				return nil
			})
		},
	}
}

func newRecordDeletionCmd() *cobra.Command {
	var actor, resource, resourceID, ip string
	var phi bool

	cmd := &cobra.Command{
		Use:   "record-deletion",
		Short: "Record a retention-driven deletion in the ledger",
		Example: `  auditctl record-deletion --actor retention-job --resource client_records --id c-19 --phi`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Ledger.RecordDeletion(ctx, ledger.DeletionEvent{
					ActorID:     actor,
					Resource:    resource,
					ResourceID:  resourceID,
					IPAddress:   ip,
					PHIAccessed: phi,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded deletion as sequence %d (risk %d)\n", rec.SequenceNumber, rec.RiskScore)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "user or job performing the deletion")
	cmd.Flags().StringVar(&resource, "resource", "", "resource type deleted")
	cmd.Flags().StringVar(&resourceID, "id", "", "resource id deleted")
	cmd.Flags().StringVar(&ip, "ip", "", "origin address")
	cmd.Flags().BoolVar(&phi, "phi", false, "the deleted data contained PHI")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
