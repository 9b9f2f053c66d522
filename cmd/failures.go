package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/crmsync"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/report"
	"github.com/sells-group/ident-sync/internal/store"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Export and re-drive per-record sync failures",
}

var failuresExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write failures of recent runs to an XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		hours, _ := cmd.Flags().GetInt("hours")
		runID, _ := cmd.Flags().GetString("run")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var runs []model.RunSummary
		if runID != "" {
			run, err := st.GetRun(ctx, runID)
			if err != nil {
				return eris.Wrapf(err, "failures export: run %s", runID)
			}
			runs = []model.RunSummary{*run}
		} else {
			since := time.Now().Add(-time.Duration(hours) * time.Hour)
			if runs, err = st.ListRuns(ctx, store.RunFilter{Since: &since, Limit: 1000}); err != nil {
				return eris.Wrap(err, "failures export: list runs")
			}
		}

		rows := report.Rows(runs)
		if err := report.WriteXLSX(out, rows); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d failure(s) from %d run(s) to %s\n", len(rows), len(runs), out)
		return nil
	},
}

var failuresRedriveCmd = &cobra.Command{
	Use:   "redrive <file.xlsx>",
	Short: "Sync every reception listed in a failures export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := report.ReceptionIDs(args[0])
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "No reception failures in file.")
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSyncEnv(ctx, "sync", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		var res redriveResult
		err = withRunLock(ctx, env, func(ctx context.Context) error {
			res = redrive(ctx, env.Engine, ids)
			return res.err
		})
		fmt.Fprintf(os.Stdout, "Re-driven %d of %d reception(s): %s\n", res.done, len(ids), formatCounts(res.counts))
		if len(res.failures) > 0 {
			formatFailures(os.Stdout, res.failures)
		}
		return err
	},
}

type redriveResult struct {
	done     int
	counts   model.Counts
	failures []model.Failure
	err      error
}

type receptionSyncer interface {
	SyncReception(ctx context.Context, id int64) (*model.RunSummary, error)
}

// redrive syncs ids one at a time and stops at the first run-level error.
func redrive(ctx context.Context, eng receptionSyncer, ids []int64) redriveResult {
	log := zap.L().With(zap.String("component", "redrive"))
	var res redriveResult
	for _, id := range ids {
		if ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}
		summary, err := eng.SyncReception(ctx, id)
		if summary != nil && summary.Receptions.Total() > 0 {
			res.done++
			res.counts.Created += summary.Receptions.Created
			res.counts.Updated += summary.Receptions.Updated
			res.counts.Skipped += summary.Receptions.Skipped
			res.counts.Failed += summary.Receptions.Failed
			res.failures = append(res.failures, summary.Failures...)
		}
		if err == nil {
			continue
		}
		var recErr *crmsync.RecordError
		if errors.As(err, &recErr) && !crmsync.IsRunFatal(recErr.Kind) {
			// The reception itself could not be loaded; keep going.
			log.Warn("reception not re-driven", zap.Int64("reception_id", id), zap.Error(err))
			res.failures = append(res.failures, model.Failure{
				Entity:   model.EntityReception,
				RecordID: recErr.RecordID,
				Kind:     recErr.Kind,
				Message:  recErr.Error(),
			})
			continue
		}
		res.err = err
		return res
	}
	return res
}

func init() {
	failuresExportCmd.Flags().String("out", "ident-sync-failures.xlsx", "output file")
	failuresExportCmd.Flags().Int("hours", 24, "export failures of runs started within this many hours")
	failuresExportCmd.Flags().String("run", "", "export a single run by id")
	failuresCmd.AddCommand(failuresExportCmd, failuresRedriveCmd)
	rootCmd.AddCommand(failuresCmd)
}
