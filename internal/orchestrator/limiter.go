package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/metrics"
)

// Limiter defaults
const (
	DefaultSymbolInterval = 10 * time.Second
	DefaultSourceRPM      = 5
	sourceWindow          = time.Minute
)

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	SymbolInterval time.Duration
	SourceRPM      int
	// PerSource overrides SourceRPM for named sources.
	PerSource map[string]int
}

// Limiter is the process-wide fetch throttle: a minimum interval between
// fetches of one symbol and a sliding one-minute window per source.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	rpm      int
	perSrc   map[string]int
	lastSym  map[string]time.Time
	prevSym  map[string]time.Time
	srcHits  map[string][]time.Time
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewLimiter creates a Limiter. Zero values fall back to the defaults.
func NewLimiter(cfg LimiterConfig, m *metrics.Registry) *Limiter {
	if cfg.SymbolInterval <= 0 {
		cfg.SymbolInterval = DefaultSymbolInterval
	}
	if cfg.SourceRPM <= 0 {
		cfg.SourceRPM = DefaultSourceRPM
	}
	per := make(map[string]int, len(cfg.PerSource))
	for k, v := range cfg.PerSource {
		if v > 0 {
			per[k] = v
		}
	}
	return &Limiter{
		interval: cfg.SymbolInterval,
		rpm:      cfg.SourceRPM,
		perSrc:   per,
		lastSym:  make(map[string]time.Time),
		prevSym:  make(map[string]time.Time),
		srcHits:  make(map[string][]time.Time),
		metrics:  m,
		now:      time.Now,
	}
}

// CanRequest reports whether key may be fetched from source now. When it
// may not, the returned duration is how long to wait.
func (l *Limiter) CanRequest(key, source string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wait, _ := l.check(key, source, l.now())
	return wait <= 0, wait
}

// check returns the wait for (key, source) and which scope imposes it.
func (l *Limiter) check(key, source string, now time.Time) (time.Duration, string) {
	var wait time.Duration
	scope := ""
	if last, ok := l.lastSym[key]; ok {
		if d := last.Add(l.interval).Sub(now); d > wait {
			wait, scope = d, "symbol"
		}
	}

	hits := l.prune(source, now)
	if limit := l.limitFor(source); len(hits) >= limit {
		if d := hits[len(hits)-limit].Add(sourceWindow).Sub(now); d > wait {
			wait, scope = d, "source"
		}
	}
	return wait, scope
}

func (l *Limiter) limitFor(source string) int {
	if n, ok := l.perSrc[source]; ok {
		return n
	}
	return l.rpm
}

func (l *Limiter) prune(source string, now time.Time) []time.Time {
	hits := l.srcHits[source]
	cut := 0
	for cut < len(hits) && !hits[cut].Add(sourceWindow).After(now) {
		cut++
	}
	if cut > 0 {
		hits = append(hits[:0], hits[cut:]...)
		l.srcHits[source] = hits
	}
	return hits
}

// WaitIfNeeded blocks until (key, source) may be fetched and reserves the
// slot. It returns core.ErrCancelled when ctx ends first.
func (l *Limiter) WaitIfNeeded(ctx context.Context, key, source string) error {
	for {
		l.mu.Lock()
		now := l.now()
		wait, scope := l.check(key, source, now)
		if wait <= 0 {
			l.prevSym[key] = l.lastSym[key]
			l.lastSym[key] = now
			l.srcHits[source] = append(l.srcHits[source], now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		l.metrics.RecordRateLimitWait(scope, wait.Seconds())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.WrapError(core.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release gives back the symbol reservation of a fetch that did not
// succeed, so a fallback or retry for the same key is not held back. Source
// window hits are kept since the upstream was still called.
func (l *Limiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.prevSym[key]
	if !ok {
		return
	}
	if prev.IsZero() {
		delete(l.lastSym, key)
	} else {
		l.lastSym[key] = prev
	}
	delete(l.prevSym, key)
}
