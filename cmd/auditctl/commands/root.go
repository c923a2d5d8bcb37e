package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"audit-ledger/internal/app"
	"audit-ledger/internal/config"
	"audit-ledger/pkg/logger"

	"github.com/spf13/cobra"
)

// openLedger is replaced in tests.
var openLedger = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadLedger()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger.NewTo(os.Stderr, cfg.App.Env))
}

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Operate the tamper-evident audit ledger",
		Long: "auditctl reads the same environment as the API and works directly against the " +
			"configured store: integrity verification, record queries, baseline maintenance and tokens.",
		SilenceUsage: true,
	}

	root.AddCommand(
		newVerifyCmd(),
		newListCmd(),
		newHeadCmd(),
		newBaselineCmd(),
		newRecordDeletionCmd(),
		newTokenCmd(),
	)
	return root
}

// withLedger opens the ledger, runs fn and closes it, joining errors.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
