// Package schedule runs recurring voice commands on cron expressions.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/voxflow/internal/config"
)

// RunFunc feeds a due utterance into the engine.
type RunFunc func(ctx context.Context, utterance string) error

// Runner ticks once a minute and fires due schedule entries.
type Runner struct {
	mu    sync.RWMutex
	specs []config.ScheduleSpec
	gron  *gronx.Gronx
	run   RunFunc

	tick time.Duration
}

func New(specs []config.ScheduleSpec, run RunFunc) *Runner {
	return &Runner{
		specs: specs,
		gron:  gronx.New(),
		run:   run,
		tick:  time.Minute,
	}
}

// SetSpecs replaces the schedule list (config hot reload).
func (r *Runner) SetSpecs(specs []config.ScheduleSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = specs
}

// Start blocks until ctx is done, firing due entries each minute.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	slog.Info("schedule.started", "entries", len(r.specs))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, spec := range r.due(now) {
				go r.fire(ctx, spec)
			}
		}
	}
}

// due returns the enabled entries whose cron expression matches now.
func (r *Runner) due(now time.Time) []config.ScheduleSpec {
	// Entries match at minute granularity; ticks do not land on second zero.
	now = now.Truncate(time.Minute)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []config.ScheduleSpec
	for _, spec := range r.specs {
		if !spec.Enabled {
			continue
		}
		ok, err := r.gron.IsDue(spec.CronExpr, now)
		if err != nil {
			slog.Warn("schedule.bad_expression", "id", spec.ID, "cron", spec.CronExpr, "error", err)
			continue
		}
		if ok {
			out = append(out, spec)
		}
	}
	return out
}

func (r *Runner) fire(ctx context.Context, spec config.ScheduleSpec) {
	slog.Info("schedule.firing", "id", spec.ID, "utterance", spec.Utterance)
	if err := r.run(ctx, spec.Utterance); err != nil {
		slog.Error("schedule.run_failed", "id", spec.ID, "error", err)
	}
}
