// Package orchestrator schedules fetch work across source adapters under a
// process-wide rate limit, persists what the adapters return as raw payloads
// and hands them to the ETL pipeline.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/metrics"
	"github.com/newthinker/quantbase/internal/source"
)

// Defaults
const (
	DefaultWorkers      = 4
	MaxWorkers          = 16
	DefaultFetchTimeout = 30 * time.Second
)

// RawStore persists fetched payloads.
type RawStore interface {
	Insert(ctx context.Context, p core.RawPayload) (int64, error)
	LastSuccess(ctx context.Context, id core.CanonicalID, period core.Period) (time.Time, error)
}

// Enqueuer receives the ids of newly stored payloads.
type Enqueuer interface {
	Enqueue(rawID int64)
}

// Mirror copies stored payloads to cold storage.
type Mirror interface {
	Mirror(ctx context.Context, p core.RawPayload) error
}

// Config configures an Orchestrator.
type Config struct {
	Workers      int
	FetchTimeout time.Duration
	Retry        RetryPolicy
}

// Result is the outcome of one task.
type Result struct {
	Task        Task
	Source      string
	RawID       int64
	Records     int
	Err         error
	LastSuccess time.Time
	Duration    time.Duration
}

// OK reports whether the task succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Orchestrator runs fetch tasks.
type Orchestrator struct {
	cfg     Config
	sources *source.Registry
	raw     RawStore
	limiter *Limiter
	queue   *Queue
	etl     Enqueuer
	mirror  Mirror
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	last     map[string]time.Time
	onResult func(Result)
}

// New creates an Orchestrator.
func New(cfg Config, sources *source.Registry, raw RawStore, limiter *Limiter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Workers > MaxWorkers {
		cfg.Workers = MaxWorkers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	cfg.Retry = cfg.Retry.normalized()
	if limiter == nil {
		limiter = NewLimiter(LimiterConfig{}, nil)
	}
	return &Orchestrator{
		cfg:     cfg,
		sources: sources,
		raw:     raw,
		limiter: limiter,
		queue:   NewQueue(),
		logger:  logger,
		now:     time.Now,
		last:    make(map[string]time.Time),
	}
}

// SetETL sets the consumer of stored payload ids.
func (o *Orchestrator) SetETL(e Enqueuer) { o.etl = e }

// SetMirror enables mirroring stored payloads to cold storage.
func (o *Orchestrator) SetMirror(m Mirror) { o.mirror = m }

// SetMetrics attaches a metrics registry.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) { o.metrics = m }

// OnResult registers a callback invoked by Run workers after every task.
func (o *Orchestrator) OnResult(fn func(Result)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onResult = fn
}

// Submit queues a task for the Run workers.
func (o *Orchestrator) Submit(t Task) bool {
	return o.queue.Push(t)
}

// Pending returns the number of queued tasks.
func (o *Orchestrator) Pending() int { return o.queue.Len() }

// LastFetch returns when a task with this key last succeeded in this
// process, or the zero time.
func (o *Orchestrator) LastFetch(t Task) time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last[t.Key()]
}

// Run consumes submitted tasks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.work(ctx, o.queue, o.report)
			return nil
		})
	}
	o.metrics.SetWorkersActive("fetch", o.cfg.Workers)
	o.logger.Info("fetch workers started", zap.Int("workers", o.cfg.Workers))
	err := g.Wait()
	o.metrics.SetWorkersActive("fetch", 0)
	return err
}

// RunTasks executes tasks on a private queue and returns their results
// once all are done, ordered by task key.
func (o *Orchestrator) RunTasks(ctx context.Context, tasks []Task) []Result {
	q := NewQueue()
	for _, t := range tasks {
		q.Push(t)
	}
	q.Close()

	workers := min(o.cfg.Workers, max(q.Len(), 1))
	var (
		mu      sync.Mutex
		results []Result
	)
	collect := func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			o.work(gctx, q, collect)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Task.Key() < results[j].Task.Key() })
	return results
}

func (o *Orchestrator) work(ctx context.Context, q *Queue, done func(Result)) {
	for {
		t, ok := q.Pop(ctx)
		if !ok {
			return
		}
		done(o.Execute(ctx, t))
	}
}

func (o *Orchestrator) report(r Result) {
	if r.OK() {
		o.logger.Debug("task done",
			zap.String("canonical_id", string(r.Task.ID)),
			zap.String("kind", string(r.Task.Kind)),
			zap.String("source", r.Source),
			zap.Int64("raw_id", r.RawID),
			zap.Int("records", r.Records))
	} else {
		o.logger.Warn("task failed",
			zap.String("canonical_id", string(r.Task.ID)),
			zap.String("kind", string(r.Task.Kind)),
			zap.String("code", core.Code(r.Err)),
			zap.Time("last_success", r.LastSuccess),
			zap.Error(r.Err))
	}
	o.mu.RLock()
	fn := o.onResult
	o.mu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

// fetcher is one candidate adapter bound to a task.
type fetcher struct {
	name  string
	fetch func(ctx context.Context) (source.Payload, int, error)
}

func (o *Orchestrator) plan(t Task) ([]fetcher, error) {
	var out []fetcher
	if t.Kind == TaskFX {
		if t.From == "" || t.To == "" {
			return nil, core.Errorf(core.ErrConfigInvalid, "fx task without currency pair")
		}
		for _, s := range source.Only(o.sources.FxSources(), t.Source) {
			s := s // per-iteration copy; module targets go 1.21 loop semantics
			out = append(out, fetcher{s.Name(), func(ctx context.Context) (source.Payload, int, error) {
				p, rates, err := s.FetchHistory(ctx, t.From, t.To, t.Start, t.End)
				return p, len(rates), err
			}})
		}
		return out, nil
	}

	m, k := t.ID.Market(), t.ID.Kind()
	switch t.Kind {
	case TaskDaily:
		for _, s := range source.Only(o.sources.PriceSources(m, k), t.Source) {
			s := s // per-iteration copy; module targets go 1.21 loop semantics
			out = append(out, fetcher{s.Name(), func(ctx context.Context) (source.Payload, int, error) {
				p, bars, err := s.FetchDaily(ctx, t.ID, t.Since)
				return p, len(bars), err
			}})
		}
	case TaskIntraday:
		if !t.Interval.IsMinute() {
			return nil, core.Errorf(core.ErrConfigInvalid, "intraday interval %q", t.Interval)
		}
		for _, s := range source.Only(o.sources.PriceSources(m, k), t.Source) {
			s := s // per-iteration copy; module targets go 1.21 loop semantics
			out = append(out, fetcher{s.Name(), func(ctx context.Context) (source.Payload, int, error) {
				p, bars, err := s.FetchIntraday(ctx, t.ID, t.Interval)
				return p, len(bars), err
			}})
		}
	case TaskFundamentals:
		for _, s := range source.Only(o.sources.FundamentalsSources(m, k), t.Source) {
			s := s // per-iteration copy; module targets go 1.21 loop semantics
			out = append(out, fetcher{s.Name(), func(ctx context.Context) (source.Payload, int, error) {
				p, reports, err := s.FetchReports(ctx, t.ID)
				return p, len(reports), err
			}})
		}
	case TaskActions:
		for _, s := range source.Only(o.sources.ActionSources(m, k), t.Source) {
			s := s // per-iteration copy; module targets go 1.21 loop semantics
			out = append(out, fetcher{s.Name(), func(ctx context.Context) (source.Payload, int, error) {
				p, splits, divs, err := s.FetchActions(ctx, t.ID, t.Since)
				return p, len(splits) + len(divs), err
			}})
		}
	default:
		return nil, core.Errorf(core.ErrConfigInvalid, "unknown task kind %q", t.Kind)
	}
	return out, nil
}

// Execute runs one task synchronously: each candidate adapter in dispatch
// order is tried until one succeeds.
func (o *Orchestrator) Execute(ctx context.Context, t Task) Result {
	start := o.now()
	res := Result{Task: t}
	defer func() { res.Duration = o.now().Sub(start) }()

	fetchers, err := o.plan(t)
	if err == nil && len(fetchers) == 0 {
		err = core.Errorf(core.ErrNoAdapter, "no %s adapter for %s", t.Kind, t.limitKey())
		if t.Source != "" {
			err = core.Errorf(core.ErrNoAdapter, "source %q cannot serve %s for %s", t.Source, t.Kind, t.limitKey())
		}
	}
	if err != nil {
		res.Err = err
		res.LastSuccess = o.lastSuccess(ctx, t)
		return res
	}

	for i, f := range fetchers {
		rawID, n, err := o.try(ctx, t, f)
		if rawID > 0 {
			res.RawID = rawID
		}
		if err == nil {
			res.Source, res.Records, res.Err = f.name, n, nil
			res.LastSuccess = o.now()
			o.mu.Lock()
			o.last[t.Key()] = res.LastSuccess
			o.mu.Unlock()
			return res
		}
		res.Source, res.Err = f.name, err
		if errors.Is(err, core.ErrCancelled) || ctx.Err() != nil {
			break
		}
		if i < len(fetchers)-1 {
			o.logger.Info("falling back to next source",
				zap.String("canonical_id", string(t.ID)),
				zap.String("source", f.name),
				zap.String("next", fetchers[i+1].name),
				zap.Error(err))
		}
	}
	res.LastSuccess = o.lastSuccess(context.WithoutCancel(ctx), t)
	return res
}

// try fetches through one adapter with retries and stores whatever payload
// came back, including malformed ones.
func (o *Orchestrator) try(ctx context.Context, t Task, f fetcher) (int64, int, error) {
	key := t.limitKey()
	if err := o.limiter.WaitIfNeeded(ctx, key, f.name); err != nil {
		return 0, 0, err
	}

	var (
		payload source.Payload
		count   int
	)
	err := Retry(ctx, o.cfg.Retry, func(attempt int) error {
		if attempt > 1 {
			o.limiter.Release(key)
			if err := o.limiter.WaitIfNeeded(ctx, key, f.name); err != nil {
				return err
			}
		}
		fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()

		began := o.now()
		p, n, err := f.fetch(fctx)
		o.metrics.RecordFetch(f.name, string(t.Kind), fetchStatus(err), o.now().Sub(began).Seconds())
		payload, count = p, n
		if err != nil && core.IsTransient(err) {
			o.logger.Warn("fetch attempt failed",
				zap.String("canonical_id", string(t.ID)),
				zap.String("source", f.name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		o.limiter.Release(key)
	}

	if len(payload.Body) == 0 {
		return 0, count, err
	}
	rawID, serr := o.store(ctx, payload)
	if serr != nil {
		if err == nil {
			err = serr
		}
		return 0, count, err
	}
	return rawID, count, err
}

func (o *Orchestrator) store(ctx context.Context, p source.Payload) (int64, error) {
	raw, err := p.Raw(o.now().UTC())
	if err != nil {
		return 0, err
	}
	id, err := o.raw.Insert(context.WithoutCancel(ctx), raw)
	if err != nil {
		return 0, err
	}
	raw.ID = id
	if o.etl != nil {
		o.etl.Enqueue(id)
	}
	if o.mirror != nil {
		if err := o.mirror.Mirror(context.WithoutCancel(ctx), raw); err != nil {
			o.logger.Warn("archive mirror failed", zap.Int64("raw_id", id), zap.Error(err))
		}
	}
	return id, nil
}

func (o *Orchestrator) lastSuccess(ctx context.Context, t Task) time.Time {
	last := o.LastFetch(t)
	if t.Kind == TaskFX || o.raw == nil {
		return last
	}
	stored, err := o.raw.LastSuccess(ctx, t.ID, t.period())
	if err == nil && stored.After(last) {
		return stored
	}
	return last
}

func (t Task) period() core.Period {
	switch t.Kind {
	case TaskIntraday:
		return t.Interval
	case TaskFundamentals:
		return core.PeriodFundamentals
	case TaskActions:
		return core.PeriodActions
	case TaskFX:
		return core.PeriodFX
	}
	return core.Period1d
}

func fetchStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return core.Code(err)
}
