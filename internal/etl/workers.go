package etl

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/storage"
)

// Stats counts the outcomes of a batch run.
type Stats struct {
	Processed int
	Failed    int
	Retried   int
}

func (s *Stats) add(err error) {
	switch {
	case err == nil:
		s.Processed++
	case permanent(err):
		s.Failed++
	default:
		s.Retried++
	}
}

// Workers consume a Queue with a fixed number of goroutines.
type Workers struct {
	pipeline *Pipeline
	queue    *Queue
	n        int
	logger   *zap.Logger
}

// NewWorkers creates n consumers of q. n below 1 means one worker.
func NewWorkers(p *Pipeline, q *Queue, n int, logger *zap.Logger) *Workers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workers{pipeline: p, queue: q, n: max(n, 1), logger: logger}
}

// Run processes queued ids until ctx is cancelled or the queue is closed
// and drained. Failed payloads are logged and the worker moves on.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.n; i++ {
		g.Go(func() error {
			for {
				id, ok := w.queue.Pop(ctx)
				if !ok {
					return nil
				}
				if err := w.pipeline.ProcessRaw(ctx, id); err != nil && !errors.Is(err, core.ErrCancelled) {
					w.logger.Debug("etl worker continues after failure", zap.Int64("raw_id", id), zap.Error(err))
				}
			}
		})
	}
	w.pipeline.metrics.SetWorkersActive("etl", w.n)
	w.logger.Info("etl workers started", zap.Int("workers", w.n))
	err := g.Wait()
	w.pipeline.metrics.SetWorkersActive("etl", 0)
	return err
}

// Recover queues every pending payload below maxAttempts, e.g. after a
// restart, and returns how many were queued.
func (p *Pipeline) Recover(ctx context.Context, q *Queue, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ids, err := p.store.Raw.ListUnprocessed(ctx, maxAttempts, 10000)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		q.Enqueue(id)
	}
	if len(ids) > 0 {
		p.logger.Info("pending payloads recovered", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Drain synchronously processes pending payloads until none below
// maxAttempts is left. Each payload is tried at most once per call.
func (p *Pipeline) Drain(ctx context.Context, maxAttempts int) (Stats, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var stats Stats
	tried := make(map[int64]bool)
	for {
		ids, err := p.store.Raw.ListUnprocessed(ctx, maxAttempts, 500)
		if err != nil {
			return stats, err
		}
		fresh := 0
		for _, id := range ids {
			if tried[id] {
				continue
			}
			tried[id] = true
			fresh++
			err := p.ProcessRaw(ctx, id)
			if errors.Is(err, core.ErrCancelled) {
				return stats, err
			}
			stats.add(err)
		}
		if fresh == 0 {
			return stats, nil
		}
	}
}

// Reprocess re-applies the given payloads, including ones already
// processed or marked failed. Refined rows are upserted, so the result
// equals the first run.
func (p *Pipeline) Reprocess(ctx context.Context, ids []int64) (Stats, error) {
	var stats Stats
	for _, id := range ids {
		err := p.process(ctx, id, true)
		if errors.Is(err, core.ErrCancelled) {
			return stats, err
		}
		stats.add(err)
	}
	return stats, nil
}

// Rechain recomputes prev_close, change and pct_change across the whole
// stored daily series of id and returns how many bars were rewritten.
func (p *Pipeline) Rechain(ctx context.Context, id core.CanonicalID) (int, error) {
	unlock := p.locks.Lock(string(id) + "|" + string(id.Market()))
	defer unlock()
	return rechainAll(ctx, p.store, id, id.Market())
}

func rechainAll(ctx context.Context, s *storage.Store, id core.CanonicalID, m core.Market) (int, error) {
	return rechain(barStoreFor(ctx, s, id, m, core.Period1d), time.Time{}, time.Time{})
}
