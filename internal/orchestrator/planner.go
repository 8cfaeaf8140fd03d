package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
)

// Planner defaults
const (
	DefaultRefreshInterval = 60 * time.Second
	DefaultStaleTTL        = 60 * time.Second
	refreshOverlap         = 7 * 24 * time.Hour
)

// Refresh priorities
const (
	PriorityFirstFetch = 10
	PriorityStale      = 5
	PriorityFinalClose = 1
)

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Interval time.Duration
	StaleTTL time.Duration
}

// Planner periodically submits refresh tasks for the watchlist and runs
// other scheduled jobs on the same cron.
type Planner struct {
	cfg    PlannerConfig
	cron   *cron.Cron
	orch   *Orchestrator
	cal    calendar.Calendar
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	watch []core.CanonicalID
	jobs  map[string]cron.EntryID
}

// NewPlanner creates a Planner.
func NewPlanner(cfg PlannerConfig, orch *Orchestrator, cal calendar.Calendar, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRefreshInterval
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = DefaultStaleTTL
	}
	return &Planner{
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		orch:   orch,
		cal:    cal,
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]cron.EntryID),
	}
}

// SetWatchlist replaces the refreshed symbols.
func (p *Planner) SetWatchlist(ids []core.CanonicalID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watch = append([]core.CanonicalID(nil), ids...)
	p.orch.metrics.SetWatchlistSize(len(ids))
}

// Watchlist returns the refreshed symbols.
func (p *Planner) Watchlist() []core.CanonicalID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]core.CanonicalID(nil), p.watch...)
}

// AddJob schedules fn under a cron spec. Names must be unique.
func (p *Planner) AddJob(ctx context.Context, name, spec string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}
	id, err := p.cron.AddFunc(spec, func() {
		began := time.Now()
		if err := fn(ctx); err != nil {
			p.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		p.logger.Debug("job done", zap.String("job", name), zap.Duration("duration", time.Since(began)))
	})
	if err != nil {
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("schedule job %s: %w", name, err))
	}
	p.jobs[name] = id
	p.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// Start schedules the watchlist refresh and starts the cron.
func (p *Planner) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", p.cfg.Interval)
	if err := p.AddJob(ctx, "refresh", spec, func(ctx context.Context) error {
		p.Tick(ctx)
		return nil
	}); err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop stops the cron and waits for running jobs.
func (p *Planner) Stop() {
	<-p.cron.Stop().Done()
}

// Plan returns the daily refresh tasks due at now.
func (p *Planner) Plan(ctx context.Context, now time.Time) []Task {
	var tasks []Task
	for _, id := range p.Watchlist() {
		t := Task{ID: id, Kind: TaskDaily}
		last := p.orch.lastSuccess(ctx, t)
		if !NeedsRefresh(p.cal, last, id.Market(), p.cfg.StaleTTL, now) {
			continue
		}
		switch {
		case last.IsZero():
			t.Priority = PriorityFirstFetch
		case IsStale(p.cal, last, id.Market(), p.cfg.StaleTTL, now):
			t.Priority = PriorityStale
			t.Since = last.Add(-refreshOverlap)
		default:
			t.Priority = PriorityFinalClose
			t.Since = last.Add(-refreshOverlap)
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Tick submits the due refresh tasks and returns how many were queued.
func (p *Planner) Tick(ctx context.Context) int {
	n := 0
	for _, t := range p.Plan(ctx, p.now()) {
		if p.orch.Submit(t) {
			n++
		}
	}
	if n > 0 {
		p.logger.Debug("refresh tasks queued", zap.Int("count", n))
	}
	return n
}
