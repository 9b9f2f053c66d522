package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ident-sync/internal/crmsync"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/runlock"
	"github.com/sells-group/ident-sync/internal/scheduler"
)

var syncSince string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long:  "Runs a single incremental, deep or single-reception sync. Holds the same run lock as the service.",
}

var syncIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Sync records changed since the last completed run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		loc, err := syncLocation()
		if err != nil {
			return err
		}
		since, err := parseSince(syncSince, loc)
		if err != nil {
			return err
		}
		return runSync(cmd, crmsync.RunOpts{Mode: model.RunIncremental, Since: since})
	},
}

var syncDeepCmd = &cobra.Command{
	Use:   "deep",
	Short: "Re-check every patient and reception",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd, crmsync.RunOpts{Mode: model.RunDeep})
	},
}

var syncReceptionCmd = &cobra.Command{
	Use:   "reception <id>",
	Short: "Sync one reception by IDENT id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("invalid reception id %q", args[0])
		}
		return runSync(cmd, crmsync.RunOpts{Mode: model.RunSingle, ReceptionID: id})
	},
}

func runSync(cmd *cobra.Command, opts crmsync.RunOpts) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initSyncEnv(ctx, "sync", nil)
	if err != nil {
		return err
	}
	defer env.Close()

	var summary *model.RunSummary
	err = withRunLock(ctx, env, func(ctx context.Context) error {
		var runErr error
		summary, runErr = env.Engine.Run(ctx, opts)
		return runErr
	})
	if summary != nil {
		formatSummary(os.Stdout, summary)
	}
	return err
}

func withRunLock(ctx context.Context, env *syncEnv, fn func(ctx context.Context) error) error {
	err := env.Lock.WithLock(ctx, scheduler.LockName, fn)
	if errors.Is(err, runlock.ErrLockNotAcquired) {
		return eris.New("another ident-sync process is syncing; try again later")
	}
	return err
}

// parseSince accepts RFC 3339, "2006-01-02 15:04" or "2006-01-02". The last
// two are read in loc.
func parseSince(s string, loc *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	return nil, eris.Errorf("invalid --since %q: use RFC 3339, YYYY-MM-DD HH:MM or YYYY-MM-DD", s)
}

func init() {
	syncIncrementalCmd.Flags().StringVar(&syncSince, "since", "", "override the high-water mark (RFC 3339 or YYYY-MM-DD)")
	syncCmd.AddCommand(syncIncrementalCmd, syncDeepCmd, syncReceptionCmd)
	rootCmd.AddCommand(syncCmd)
}
