package risk

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/metrics"
	"github.com/newthinker/quantbase/internal/rules"
	"github.com/newthinker/quantbase/internal/series"
	"github.com/newthinker/quantbase/internal/storage"
)

// minCloses is the shortest series a drawdown state is computed on.
const minCloses = 2

// Engine assesses assets from the stored daily series.
type Engine struct {
	store   *storage.Store
	rules   *rules.Config
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewEngine creates a risk engine.
func NewEngine(store *storage.Store, cfg *rules.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = rules.Default()
	}
	return &Engine{
		store:  store,
		rules:  cfg,
		logger: logger.With(zap.String("component", "risk")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetMetrics enables snapshot counters.
func (e *Engine) SetMetrics(m *metrics.Registry) { e.metrics = m }

// Assess computes the risk snapshot of id on date and persists it with its
// overlays in one transaction.
func (e *Engine) Assess(ctx context.Context, id core.CanonicalID, date time.Time) (core.RiskSnapshot, error) {
	snap, err := e.Compute(ctx, id, date)
	if err != nil {
		return snap, err
	}
	if err := e.store.Risk.Insert(ctx, snap); err != nil {
		return snap, err
	}
	e.metrics.RecordRiskSnapshot()
	e.logger.Debug("risk snapshot stored",
		zap.String("id", string(id)),
		zap.String("uuid", snap.UUID),
		zap.String("d_state", string(snap.DState)))
	return snap, nil
}

// Compute builds the snapshot without persisting it. Overlays whose inputs
// are missing are left nil.
func (e *Engine) Compute(ctx context.Context, id core.CanonicalID, date time.Time) (core.RiskSnapshot, error) {
	full, err := e.load(ctx, id, date, e.historyYears())
	if err != nil {
		return core.RiskSnapshot{}, err
	}
	window := full.Since(date.AddDate(-e.rules.Risk.LookbackYears, 0, 0))
	if len(window) < minCloses {
		return core.RiskSnapshot{}, core.Errorf(core.ErrInsufficientData, "%s has %d closes in the lookback window", id, len(window))
	}

	closes := window.Closes()
	dd := Drawdown(closes)
	path, vol := PathRisk(closes, dd.CurrentPct, e.rules.Risk.Path)

	snap := core.RiskSnapshot{
		UUID:             e.newID(),
		ID:               id,
		AsOf:             dateOnly(date),
		DState:           ClassifyD(dd.CurrentPct, e.rules.Risk.DThresholds),
		PathRisk:         path,
		DrawdownPct:      dd.CurrentPct,
		MaxDrawdownPct:   dd.MaxPct,
		RecoveryProgress: dd.Recovery,
		Volatility:       vol,
		CreatedAt:        e.now().UTC(),
	}

	if q, err := Quadrant(full.Closes(), e.rules.Quadrant); err == nil {
		snap.Quadrant = q
	} else {
		e.logger.Debug("quadrant unavailable", zap.String("id", string(id)), zap.Error(err))
	}

	flags, err := e.store.Quality.Get(ctx, id)
	if err != nil {
		return core.RiskSnapshot{}, err
	}
	if snap.QualityBuffer, err = QualityBuffer(flags, e.rules.Quality); err != nil {
		return core.RiskSnapshot{}, err
	}

	index := e.marketIndex(id.Market())
	var indexSeries series.Series
	if index != "" && index != id {
		mr, s, err := e.marketRisk(ctx, index, date)
		switch {
		case err == nil:
			indexSeries = s
			snap.Market = &core.MarketOverlay{
				IndexID:       index,
				DState:        mr.DState,
				PathRisk:      mr.PathRisk,
				DrawdownPct:   mr.DrawdownPct,
				PositionPct:   mr.PositionPct,
				Amplification: Amplification(full, s, e.rules.Risk.BetaWindow),
			}
		case isMissing(err):
			e.logger.Debug("market overlay skipped", zap.String("index", string(index)), zap.Error(err))
		default:
			return core.RiskSnapshot{}, err
		}
	}

	sector, err := e.sectorOverlay(ctx, id, full, indexSeries, date)
	switch {
	case err == nil:
		snap.Sector = sector
	case isMissing(err):
		e.logger.Debug("sector overlay skipped", zap.String("id", string(id)), zap.Error(err))
	default:
		return core.RiskSnapshot{}, err
	}
	return snap, nil
}

// MarketRisk returns the state of a market index on date, computing and
// caching it on first use.
func (e *Engine) MarketRisk(ctx context.Context, index core.CanonicalID, date time.Time) (core.MarketRisk, error) {
	mr, _, err := e.marketRisk(ctx, index, date)
	return mr, err
}

func (e *Engine) marketRisk(ctx context.Context, index core.CanonicalID, date time.Time) (core.MarketRisk, series.Series, error) {
	full, err := e.load(ctx, index, date, e.historyYears())
	if err != nil {
		return core.MarketRisk{}, nil, err
	}

	cached, err := e.store.Risk.MarketRisk(ctx, index, date)
	if err == nil {
		return cached, full, nil
	}
	if !errors.Is(err, core.ErrNoData) {
		return core.MarketRisk{}, nil, err
	}

	window := full.Since(date.AddDate(-e.rules.Risk.LookbackYears, 0, 0))
	if len(window) < minCloses {
		return core.MarketRisk{}, nil, core.Errorf(core.ErrInsufficientData, "index %s has %d closes", index, len(window))
	}
	closes := window.Closes()
	dd := Drawdown(closes)
	path, vol := PathRisk(closes, dd.CurrentPct, e.rules.Risk.Path)
	mr := core.MarketRisk{
		IndexID:          index,
		AsOf:             dateOnly(date),
		DState:           ClassifyD(dd.CurrentPct, e.rules.Risk.DThresholds),
		PathRisk:         path,
		DrawdownPct:      dd.CurrentPct,
		MaxDrawdownPct:   dd.MaxPct,
		RecoveryProgress: dd.Recovery,
		Volatility:       vol,
		PositionPct:      PositionPercentile(e.positionWindow(full, date).Closes()),
		CreatedAt:        e.now().UTC(),
	}
	if err := e.store.Risk.PutMarketRisk(ctx, mr); err != nil {
		return core.MarketRisk{}, nil, err
	}
	return mr, full, nil
}

func (e *Engine) sectorOverlay(ctx context.Context, id core.CanonicalID, stock, index series.Series, date time.Time) (*core.SectorOverlay, error) {
	cls, err := e.store.Classifications.Active(ctx, id, e.rules.Risk.SectorScheme)
	if err != nil {
		return nil, err
	}
	proxy, err := e.store.Classifications.Proxy(ctx, cls.Scheme, cls.SectorCode, id.Market())
	if err != nil {
		return nil, err
	}
	etf, err := e.load(ctx, proxy.ProxyETF, date, e.historyYears())
	if err != nil {
		return nil, err
	}
	window := etf.Since(date.AddDate(-e.rules.Risk.LookbackYears, 0, 0))
	if len(window) < minCloses {
		return nil, core.Errorf(core.ErrInsufficientData, "sector proxy %s has %d closes", proxy.ProxyETF, len(window))
	}
	dd := Drawdown(window.Closes())

	if proxy.MarketIndex != "" && proxy.MarketIndex != e.marketIndex(id.Market()) {
		if s, err := e.load(ctx, proxy.MarketIndex, date, e.historyYears()); err == nil {
			index = s
		}
	}
	return &core.SectorOverlay{
		Scheme:        cls.Scheme,
		SectorCode:    cls.SectorCode,
		ProxyETF:      proxy.ProxyETF,
		DState:        ClassifyD(dd.CurrentPct, e.rules.Risk.DThresholds),
		DrawdownPct:   dd.CurrentPct,
		PositionPct:   PositionPercentile(e.positionWindow(etf, date).Closes()),
		RSVsMarket:    RelativeStrength(etf, index, e.rules.Risk.RSWindow),
		StockVsSector: RelativeStrength(stock, etf, e.rules.Risk.RSWindow),
	}, nil
}

// load returns the split-adjusted daily closes of id for the years up to
// date.
func (e *Engine) load(ctx context.Context, id core.CanonicalID, date time.Time, years int) (series.Series, error) {
	s, err := e.store.Bars.LoadPriceSeries(ctx, id, date.AddDate(-years, 0, 0), date)
	if err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, core.Errorf(core.ErrNoData, "no daily closes for %s", id)
	}
	splits, err := e.store.Actions.Splits(ctx, id)
	if err != nil {
		return nil, err
	}
	return series.AdjustForSplits(s, splits), nil
}

func (e *Engine) positionWindow(s series.Series, date time.Time) series.Series {
	return s.Since(date.AddDate(-e.rules.Risk.PositionYears, 0, 0))
}

func (e *Engine) historyYears() int {
	return max(e.rules.Risk.LookbackYears, e.rules.Risk.PositionYears)
}

func (e *Engine) marketIndex(m core.Market) core.CanonicalID {
	return core.CanonicalID(e.rules.Risk.MarketIndexes[string(m)])
}

func isMissing(err error) bool {
	return errors.Is(err, core.ErrNoData) || errors.Is(err, core.ErrInsufficientData)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
