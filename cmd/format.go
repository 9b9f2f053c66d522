package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/monitoring"
	"github.com/sells-group/ident-sync/internal/store"
)

const maxFailuresShown = 20

func formatSummary(w io.Writer, s *model.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Mode:\t%s\n", s.Mode)
	fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
	if s.Since != nil {
		fmt.Fprintf(tw, "Since:\t%s\n", s.Since.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Duration:\t%s\n", runDuration(s))
	fmt.Fprintf(tw, "Receptions:\t%s\n", formatCounts(s.Receptions))
	if s.Patients.Total() > 0 {
		fmt.Fprintf(tw, "Patients:\t%s\n", formatCounts(s.Patients))
	}
	fmt.Fprintf(tw, "New deals:\tprimary %d, secondary %d\n", s.Primary, s.Secondary)
	if s.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", s.Error)
	}
	tw.Flush() //nolint:errcheck

	if len(s.Failures) == 0 {
		return
	}
	fmt.Fprintf(w, "\nFailures (%d):\n", len(s.Failures))
	formatFailures(w, s.Failures)
}

func formatFailures(w io.Writer, failures []model.Failure) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tID\tKIND\tMESSAGE")
	for i, f := range failures {
		if i == maxFailuresShown {
			fmt.Fprintf(tw, "...\t\t\t%d more\n", len(failures)-maxFailuresShown)
			break
		}
		kind := string(f.Kind)
		if f.Partial {
			kind += " (partial)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Entity, f.RecordID, kind, truncate(f.Message, 80))
	}
	tw.Flush() //nolint:errcheck
}

func formatRunsList(w io.Writer, runs []model.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tSTATUS\tCREATED\tUPDATED\tSKIPPED\tFAILED\tDURATION\tID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Mode,
			r.Status,
			r.Receptions.Created,
			r.Receptions.Updated,
			r.Receptions.Skipped,
			r.Receptions.Failed,
			runDuration(&r),
			r.ID,
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatMarks(w io.Writer, marks []store.Mark) {
	if len(marks) == 0 {
		fmt.Fprintln(w, "High-water marks: none (next incremental run uses the initial lookback)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tMARK\tUPDATED")
	for _, m := range marks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Scope, m.At.Format(time.RFC3339), m.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush() //nolint:errcheck
}

func formatSnapshot(w io.Writer, snap *monitoring.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Window:\tlast %dh\n", snap.LookbackHours)
	fmt.Fprintf(tw, "Runs:\t%d (completed %d, failed %d, cancelled %d, running %d)\n",
		snap.RunsTotal, snap.RunsCompleted, snap.RunsFailed, snap.RunsCancelled, snap.RunsRunning)
	fmt.Fprintf(tw, "Records:\t%s\n", formatCounts(snap.Records))
	fmt.Fprintf(tw, "Failure rate:\t%.1f%%\n", snap.FailureRate*100)
	fmt.Fprintf(tw, "New deals by funnel:\t%s\n", funnelSplit(snap.Primary, snap.Secondary))
	if snap.LastCompletedAt != nil {
		fmt.Fprintf(tw, "Last completed run:\t%s (%s ago)\n",
			snap.LastCompletedAt.Format(time.RFC3339), snap.CollectedAt.Sub(*snap.LastCompletedAt).Round(time.Minute))
	} else {
		fmt.Fprintln(tw, "Last completed run:\tnever")
	}
	if snap.LastFailedError != "" {
		fmt.Fprintf(tw, "Last failure:\t%s\n", snap.LastFailedError)
	}
	tw.Flush() //nolint:errcheck
}

func formatCounts(c model.Counts) string {
	return fmt.Sprintf("created %d, updated %d, skipped %d, failed %d", c.Created, c.Updated, c.Skipped, c.Failed)
}

func funnelSplit(primary, secondary int) string {
	total := primary + secondary
	if total == 0 {
		return "primary 0, secondary 0"
	}
	return fmt.Sprintf("primary %d (%.0f%%), secondary %d (%.0f%%)",
		primary, float64(primary)*100/float64(total),
		secondary, float64(secondary)*100/float64(total))
}

func runDuration(r *model.RunSummary) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
