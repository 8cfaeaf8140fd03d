package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/notifier"
	"github.com/newthinker/quantbase/internal/rules"
)

// Assessment is the combined analytics view of one asset on one date.
type Assessment struct {
	ID        core.CanonicalID       `json:"canonical_id"`
	AsOf      time.Time              `json:"as_of"`
	Snapshot  *core.Snapshot         `json:"snapshot,omitempty"`
	Valuation core.ValuationSnapshot `json:"valuation"`
	Risk      core.RiskSnapshot      `json:"risk"`
	Earnings  rules.EarningsState    `json:"earnings"`
	Behavior  rules.Decision         `json:"behavior"`
	Flags     []rules.Flag           `json:"flags"`
	Dividend  rules.DividendSafety   `json:"dividend"`
}

// Assess values id, assesses its risk and applies the rules. The valuation
// and risk snapshots are persisted. Flags are filtered by the configured
// profile.
func (a *App) Assess(ctx context.Context, id core.CanonicalID, date time.Time) (Assessment, error) {
	if err := a.resolver.Canonical(id); err != nil {
		return Assessment{}, err
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}
	out := Assessment{ID: id, AsOf: date}

	if snap, err := a.store.Snapshots.Get(ctx, id, id.Market()); err == nil {
		out.Snapshot = &snap
	} else if !isMissing(err) {
		return out, err
	}

	val, err := a.valuation.Value(ctx, id, date)
	if err != nil {
		return out, fmt.Errorf("valuation of %s: %w", id, err)
	}
	out.Valuation = val

	rs, err := a.risk.Assess(ctx, id, date)
	if err != nil {
		return out, fmt.Errorf("risk of %s: %w", id, err)
	}
	out.Risk = rs

	points, err := a.valuation.EPSHistory(ctx, id, date)
	if err != nil && !isMissing(err) {
		return out, err
	}
	out.Earnings, _ = rules.ClassifyEarnings(points, a.rules.Earnings)

	out.Behavior = rules.SelectBehavior(rules.BehaviorInput{
		DState:          rs.DState,
		Quadrant:        rs.Quadrant,
		ValuationStatus: val.Status,
		Bucket:          val.Bucket,
		Quality:         rs.QualityBuffer,
	}, a.rules)

	in := rules.FlagInput{
		DState:     rs.DState,
		Quality:    rs.QualityBuffer,
		Bucket:     val.Bucket,
		Percentile: val.Percentile,
		Earnings:   out.Earnings,
	}
	if rs.Market != nil {
		in.MarketDState = rs.Market.DState
	}
	if rs.Sector != nil {
		in.SectorRS = rs.Sector.RSVsMarket
		in.StockVsSector = rs.Sector.StockVsSector
	}
	out.Flags = a.rules.Filter(rules.InteractionFlags(in, a.rules.Flags), a.cfg.Rules.Profile)

	out.Dividend, err = a.valuation.DividendSafety(ctx, id, date, val.EPSTTM)
	if err != nil && !isMissing(err) {
		return out, err
	}

	a.logger.Debug("asset assessed",
		zap.String("id", string(id)),
		zap.String("d_state", string(rs.DState)),
		zap.String("bucket", string(val.Bucket)),
		zap.String("action", out.Behavior.Action.Code),
		zap.Int("flags", len(out.Flags)))
	return out, nil
}

// Alerts converts the flags of an assessment into notifier alerts.
func (s Assessment) Alerts() []notifier.Alert {
	alerts := make([]notifier.Alert, 0, len(s.Flags))
	for _, f := range s.Flags {
		alerts = append(alerts, notifier.Alert{
			ID:        s.ID,
			Code:      f.Code,
			Dimension: f.Dimension,
			Level:     string(f.Level),
			Message:   f.Message,
			Action:    s.Behavior.Action.Code,
			DState:    s.Risk.DState,
			AsOf:      s.AsOf,
		})
	}
	return alerts
}

// Notify routes the flags of s. Only flags at or above the router level
// outside their cooldown are sent.
func (a *App) Notify(ctx context.Context, s Assessment) int {
	return a.router.RouteBatch(ctx, s.Alerts())
}

// AssessWatchlist assesses every watchlist asset on date and routes all
// resulting alerts in one batch. Assets that cannot be assessed are logged
// and skipped.
func (a *App) AssessWatchlist(ctx context.Context, date time.Time) (int, error) {
	var alerts []notifier.Alert
	done := 0
	for _, id := range a.Watchlist(ctx) {
		if err := ctx.Err(); err != nil {
			return done, core.WrapError(core.ErrCancelled, err)
		}
		s, err := a.Assess(ctx, id, date)
		if err != nil {
			a.logger.Warn("assessment skipped",
				zap.String("id", string(id)),
				zap.String("code", core.Code(err)),
				zap.Error(err))
			continue
		}
		done++
		alerts = append(alerts, s.Alerts()...)
	}
	routed := a.router.RouteBatch(ctx, alerts)
	a.logger.Info("watchlist assessed", zap.Int("assets", done), zap.Int("alerts_routed", routed))
	return done, nil
}
