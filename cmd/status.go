package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/monitoring"
	"github.com/sells-group/ident-sync/internal/store"
)

var (
	statusHours int
	statusLimit int
	statusJSON  bool
)

type statusReport struct {
	Snapshot *monitoring.Snapshot `json:"snapshot"`
	Marks    []store.Mark         `json:"marks"`
	Runs     []model.RunSummary   `json:"runs"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync statistics, high-water marks and recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		hours := statusHours
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackHours
		}
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return err
		}
		marks, err := st.ListMarks(ctx)
		if err != nil {
			return eris.Wrap(err, "status: list marks")
		}
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: statusLimit})
		if err != nil {
			return eris.Wrap(err, "status: list runs")
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(statusReport{Snapshot: snap, Marks: marks, Runs: runs})
		}

		formatSnapshot(os.Stdout, snap)
		fmt.Println()
		formatMarks(os.Stdout, marks)
		if len(runs) > 0 {
			fmt.Println()
			formatRunsList(os.Stdout, runs)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusHours, "hours", 0, "statistics window in hours (default monitoring.lookback_hours)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent runs to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of tables")
	rootCmd.AddCommand(statusCmd)
}
