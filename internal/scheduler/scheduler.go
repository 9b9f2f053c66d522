// Package scheduler triggers incremental and deep sync runs on a clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/crmsync"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/runlock"
)

// LockName is the run lock shared by every process that syncs the same
// amoCRM account.
const LockName = "sync"

// ErrBusy is returned when an incremental tick finds another run active.
var ErrBusy = errors.New("scheduler: a run is already active")

// Runner executes one sync run.
type Runner interface {
	Run(ctx context.Context, opts crmsync.RunOpts) (*model.RunSummary, error)
}

// Config sets the schedule.
type Config struct {
	Interval  time.Duration
	DeepHours []int
	Location  *time.Location
}

// Scheduler runs incremental syncs every Interval and deep syncs at the
// configured hours. Incremental ticks are dropped while any run is active;
// deep runs wait for the active run to finish.
type Scheduler struct {
	runner Runner
	lock   runlock.Locker
	cfg    Config

	mu  sync.Mutex
	log *zap.Logger
}

// New creates a Scheduler.
func New(runner Runner, lock runlock.Locker, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		runner: runner,
		lock:   lock,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// DeepSpec returns the cron spec firing at minute 0 of each hour, or "" when
// hours is empty.
func DeepSpec(hours []int) string {
	if len(hours) == 0 {
		return ""
	}
	sorted := append([]int(nil), hours...)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	for i, h := range sorted {
		if i > 0 && h == sorted[i-1] {
			continue
		}
		parts = append(parts, strconv.Itoa(h))
	}
	return "0 " + strings.Join(parts, ",") + " * * *"
}

// Run starts the schedule, fires one incremental run immediately and blocks
// until ctx is cancelled. It returns after in-flight runs finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return eris.New("scheduler: interval must be positive")
	}

	c := cron.New(cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		_ = s.Trigger(ctx, model.RunIncremental)
	}); err != nil {
		return eris.Wrap(err, "scheduler: add incremental job")
	}
	if spec := DeepSpec(s.cfg.DeepHours); spec != "" {
		if _, err := c.AddFunc(spec, func() {
			_ = s.Trigger(ctx, model.RunDeep)
		}); err != nil {
			return eris.Wrapf(err, "scheduler: add deep job %q", spec)
		}
	}

	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Ints("deep_hours", s.cfg.DeepHours),
		zap.String("timezone", s.cfg.Location.String()),
	)
	c.Start()

	var initial sync.WaitGroup
	initial.Add(1)
	go func() {
		defer initial.Done()
		_ = s.Trigger(ctx, model.RunIncremental)
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	initial.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// Trigger performs one run of the given mode under the run lock.
func (s *Scheduler) Trigger(ctx context.Context, mode model.RunMode) error {
	if mode == model.RunDeep {
		s.mu.Lock()
	} else if !s.mu.TryLock() {
		s.log.Debug("skipping tick, run active", zap.String("mode", string(mode)))
		return ErrBusy
	}
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.lock.WithLock(ctx, LockName, func(ctx context.Context) error {
		_, err := s.runner.Run(ctx, crmsync.RunOpts{Mode: mode})
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, runlock.ErrLockNotAcquired), errors.Is(err, crmsync.ErrRunInProgress):
		s.log.Info("run skipped, another instance is syncing", zap.String("mode", string(mode)))
	case errors.Is(err, context.Canceled):
		s.log.Info("run cancelled", zap.String("mode", string(mode)))
	default:
		s.log.Error("scheduled run failed", zap.String("mode", string(mode)), zap.Error(err))
	}
	return err
}
