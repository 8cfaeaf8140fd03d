// Package router filters assessment alerts and forwards them to notifiers.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/metrics"
	"github.com/newthinker/quantbase/internal/notifier"
	"github.com/newthinker/quantbase/internal/rules"
)

// Config holds router configuration
type Config struct {
	MinLevel rules.Level
	Cooldown time.Duration
}

// DefaultConfig returns default router configuration
func DefaultConfig() Config {
	return Config{
		MinLevel: rules.LevelAlert,
		Cooldown: 24 * time.Hour,
	}
}

// Router routes alerts to notifiers, suppressing repeats of the same flag on
// the same asset within the cooldown.
type Router struct {
	cfg       Config
	registry  *notifier.Registry
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time
	cooldowns map[string]time.Time // asset|flag -> last routed
	mu        sync.RWMutex
}

// New creates a new alert router
func New(cfg Config, registry *notifier.Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinLevel == "" {
		cfg.MinLevel = rules.LevelAlert
	}
	return &Router{
		cfg:       cfg,
		registry:  registry,
		logger:    logger.With(zap.String("component", "router")),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// SetMetrics attaches a metrics registry.
func (r *Router) SetMetrics(m *metrics.Registry) { r.metrics = m }

// Route sends one alert through the filters.
func (r *Router) Route(ctx context.Context, alert notifier.Alert) int {
	return r.RouteBatch(ctx, []notifier.Alert{alert})
}

// RouteBatch filters alerts and sends the survivors to every notifier, one
// message per notifier. It returns how many alerts passed.
func (r *Router) RouteBatch(ctx context.Context, alerts []notifier.Alert) int {
	var passed []notifier.Alert
	for _, a := range alerts {
		if !r.admit(a) {
			r.logger.Debug("alert filtered out",
				zap.String("canonical_id", string(a.ID)),
				zap.String("code", a.Code),
				zap.String("level", a.Level))
			continue
		}
		passed = append(passed, a)
	}
	if len(passed) == 0 || r.registry == nil {
		return len(passed)
	}

	var results map[string]error
	if len(passed) == 1 {
		results = r.registry.NotifyAll(ctx, passed[0])
	} else {
		results = r.registry.NotifyAllBatch(ctx, passed)
	}

	failed := 0
	for name, err := range results {
		status := "ok"
		if err != nil {
			status = "error"
			failed++
			r.logger.Error("notifier failed", zap.String("notifier", name), zap.Error(err))
		}
		r.metrics.RecordAlertRouted(name, status)
	}

	r.logger.Info("alerts routed",
		zap.Int("total", len(alerts)),
		zap.Int("routed", len(passed)),
		zap.Int("notifiers", len(results)),
		zap.Int("errors", failed))
	return len(passed)
}

// admit applies the level and cooldown filters and starts the cooldown of
// an admitted alert.
func (r *Router) admit(a notifier.Alert) bool {
	if !rules.Level(a.Level).AtLeast(r.cfg.MinLevel) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if last, ok := r.cooldowns[a.Key()]; ok && now.Sub(last) < r.cfg.Cooldown {
		return false
	}
	r.cooldowns[a.Key()] = now
	return true
}

// ClearCooldown removes the cooldown of one alert key
func (r *Router) ClearCooldown(key string) {
	r.mu.Lock()
	delete(r.cooldowns, key)
	r.mu.Unlock()
}

// ClearAllCooldowns removes all cooldowns
func (r *Router) ClearAllCooldowns() {
	r.mu.Lock()
	r.cooldowns = make(map[string]time.Time)
	r.mu.Unlock()
}

// CleanupExpiredCooldowns removes cooldown entries older than 2x the cooldown duration.
func (r *Router) CleanupExpiredCooldowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	expiry := r.cfg.Cooldown * 2
	removed := 0

	for key, last := range r.cooldowns {
		if now.Sub(last) > expiry {
			delete(r.cooldowns, key)
			removed++
		}
	}

	return removed
}

// StartCleanupRoutine starts a background goroutine that periodically cleans up expired cooldowns.
func (r *Router) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.CleanupExpiredCooldowns(); removed > 0 {
					r.logger.Debug("cleaned up expired cooldowns", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// GetStats returns router statistics
func (r *Router) GetStats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]any{
		"cooldowns_active": len(r.cooldowns),
		"min_level":        string(r.cfg.MinLevel),
		"cooldown_seconds": r.cfg.Cooldown.Seconds(),
	}
}
