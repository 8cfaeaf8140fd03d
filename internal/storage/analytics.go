package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// QualityRepo persists the per-asset quality flags.
type QualityRepo struct {
	s *Store
}

// Upsert replaces the given flags of id.
func (r *QualityRepo) Upsert(ctx context.Context, id core.CanonicalID, flags map[string]string, asOf time.Time) error {
	if err := r.s.requireAsset(ctx, id); err != nil {
		return err
	}
	for flag, value := range flags {
		_, err := r.s.c.exec(ctx, `
			INSERT INTO quality_flags (canonical_id, flag, value, as_of_date)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (canonical_id, flag) DO UPDATE SET
				value = excluded.value,
				as_of_date = excluded.as_of_date`,
			string(id), flag, value, formatDate(asOf))
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the flags of id; empty when none are recorded.
func (r *QualityRepo) Get(ctx context.Context, id core.CanonicalID) (map[string]string, error) {
	rows, err := r.s.c.query(ctx, `SELECT flag, value FROM quality_flags WHERE canonical_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var flag, value string
		if err := rows.Scan(&flag, &value); err != nil {
			return nil, err
		}
		out[flag] = value
	}
	return out, rows.Err()
}

// ValuationRepo appends valuation snapshots.
type ValuationRepo struct {
	s *Store
}

// Insert appends v.
func (r *ValuationRepo) Insert(ctx context.Context, v core.ValuationSnapshot) error {
	if err := r.s.requireAsset(ctx, v.ID); err != nil {
		return err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO valuation_snapshots (canonical_id, as_of_date, close, eps_ttm, pe, pb, dividend_yield,
			percentile, status, bucket, ttm_method, currency, fx_missing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(v.ID), formatDate(v.AsOf), v.Close, nullFloat(v.EPSTTM), nullFloat(v.PE), nullFloat(v.PB),
		nullFloat(v.DividendYield), nullFloat(v.Percentile), v.Status, string(v.Bucket), v.TTMMethod,
		v.Currency, v.FXMissing, formatTime(v.CreatedAt.UTC()))
	return err
}

// Latest returns the newest valuation snapshot of id, or core.ErrNoData.
func (r *ValuationRepo) Latest(ctx context.Context, id core.CanonicalID) (core.ValuationSnapshot, error) {
	var (
		v                     core.ValuationSnapshot
		asOf, bucket, created string
		eps, pe, pb, dy, pct  sql.NullFloat64
	)
	err := r.s.c.queryRow(ctx, `
		SELECT as_of_date, close, eps_ttm, pe, pb, dividend_yield, percentile, status, bucket,
			ttm_method, currency, fx_missing, created_at
		FROM valuation_snapshots WHERE canonical_id = ?
		ORDER BY as_of_date DESC, id DESC LIMIT 1`, string(id)).Scan(
		&asOf, &v.Close, &eps, &pe, &pb, &dy, &pct, &v.Status, &bucket, &v.TTMMethod, &v.Currency, &v.FXMissing, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ValuationSnapshot{}, core.Errorf(core.ErrNoData, "no valuation for %s", id)
	}
	if err != nil {
		return core.ValuationSnapshot{}, err
	}
	v.ID = id
	if v.AsOf, err = parseDate(asOf); err != nil {
		return core.ValuationSnapshot{}, err
	}
	v.EPSTTM, v.PE, v.PB, v.DividendYield, v.Percentile = fromNull(eps), fromNull(pe), fromNull(pb), fromNull(dy), fromNull(pct)
	v.Bucket = core.Bucket(bucket)
	v.CreatedAt = parseUTC(created)
	return v, nil
}

// RiskRepo persists risk snapshots with their overlays and the market-risk cache.
type RiskRepo struct {
	s *Store
}

// Insert writes the parent row and any overlay children atomically.
func (r *RiskRepo) Insert(ctx context.Context, snap core.RiskSnapshot) error {
	if snap.UUID == "" {
		return core.Errorf(core.ErrETLIntegrity, "risk snapshot without uuid")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	return r.s.WithTx(ctx, func(tx *Store) error {
		if err := tx.requireAsset(ctx, snap.ID); err != nil {
			return err
		}
		if _, err := tx.c.exec(ctx, `
			INSERT INTO risk_snapshots (uuid, canonical_id, as_of_date, d_state, path_risk, drawdown_pct,
				max_drawdown_pct, recovery_progress, volatility, quadrant, quality_buffer, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.UUID, string(snap.ID), formatDate(snap.AsOf), string(snap.DState), string(snap.PathRisk),
			snap.DrawdownPct, snap.MaxDrawdownPct, snap.RecoveryProgress, snap.Volatility,
			string(snap.Quadrant), string(snap.QualityBuffer), formatTime(snap.CreatedAt.UTC())); err != nil {
			return err
		}
		if m := snap.Market; m != nil {
			if _, err := tx.c.exec(ctx, `
				INSERT INTO risk_market_overlays (snapshot_uuid, index_id, d_state, path_risk, drawdown_pct,
					position_pct, amplification)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				snap.UUID, string(m.IndexID), string(m.DState), string(m.PathRisk), m.DrawdownPct,
				nullFloat(m.PositionPct), nullFloat(m.Amplification)); err != nil {
				return err
			}
		}
		if sec := snap.Sector; sec != nil {
			if _, err := tx.c.exec(ctx, `
				INSERT INTO risk_sector_overlays (snapshot_uuid, scheme, sector_code, proxy_etf_id, d_state,
					drawdown_pct, position_pct, rs_vs_market, stock_vs_sector)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				snap.UUID, sec.Scheme, sec.SectorCode, string(sec.ProxyETF), string(sec.DState),
				sec.DrawdownPct, nullFloat(sec.PositionPct), nullFloat(sec.RSVsMarket), nullFloat(sec.StockVsSector)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest returns the newest risk snapshot of id with its overlays.
func (r *RiskRepo) Latest(ctx context.Context, id core.CanonicalID) (core.RiskSnapshot, error) {
	var (
		snap                                  core.RiskSnapshot
		asOf, dstate, path, quad, qb, created string
	)
	err := r.s.c.queryRow(ctx, `
		SELECT uuid, as_of_date, d_state, path_risk, drawdown_pct, max_drawdown_pct, recovery_progress,
			volatility, quadrant, quality_buffer, created_at
		FROM risk_snapshots WHERE canonical_id = ?
		ORDER BY as_of_date DESC, created_at DESC LIMIT 1`, string(id)).Scan(
		&snap.UUID, &asOf, &dstate, &path, &snap.DrawdownPct, &snap.MaxDrawdownPct, &snap.RecoveryProgress,
		&snap.Volatility, &quad, &qb, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RiskSnapshot{}, core.Errorf(core.ErrNoData, "no risk snapshot for %s", id)
	}
	if err != nil {
		return core.RiskSnapshot{}, err
	}
	snap.ID = id
	if snap.AsOf, err = parseDate(asOf); err != nil {
		return core.RiskSnapshot{}, err
	}
	snap.DState, snap.PathRisk = core.DState(dstate), core.PathRisk(path)
	snap.Quadrant, snap.QualityBuffer = core.Quadrant(quad), core.QualityLevel(qb)
	snap.CreatedAt = parseUTC(created)

	var (
		mo               core.MarketOverlay
		idx, mstate, mpr string
		mpos, amp        sql.NullFloat64
	)
	err = r.s.c.queryRow(ctx, `
		SELECT index_id, d_state, path_risk, drawdown_pct, position_pct, amplification
		FROM risk_market_overlays WHERE snapshot_uuid = ?`, snap.UUID).Scan(
		&idx, &mstate, &mpr, &mo.DrawdownPct, &mpos, &amp)
	switch {
	case err == nil:
		mo.IndexID, mo.DState, mo.PathRisk = core.CanonicalID(idx), core.DState(mstate), core.PathRisk(mpr)
		mo.PositionPct, mo.Amplification = fromNull(mpos), fromNull(amp)
		snap.Market = &mo
	case !errors.Is(err, sql.ErrNoRows):
		return core.RiskSnapshot{}, err
	}

	var (
		so             core.SectorOverlay
		etf, sstate    string
		spos, rsm, rss sql.NullFloat64
	)
	err = r.s.c.queryRow(ctx, `
		SELECT scheme, sector_code, proxy_etf_id, d_state, drawdown_pct, position_pct, rs_vs_market, stock_vs_sector
		FROM risk_sector_overlays WHERE snapshot_uuid = ?`, snap.UUID).Scan(
		&so.Scheme, &so.SectorCode, &etf, &sstate, &so.DrawdownPct, &spos, &rsm, &rss)
	switch {
	case err == nil:
		so.ProxyETF, so.DState = core.CanonicalID(etf), core.DState(sstate)
		so.PositionPct, so.RSVsMarket, so.StockVsSector = fromNull(spos), fromNull(rsm), fromNull(rss)
		snap.Sector = &so
	case !errors.Is(err, sql.ErrNoRows):
		return core.RiskSnapshot{}, err
	}
	return snap, nil
}

// PutMarketRisk caches the market-risk state of an index on a date.
func (r *RiskRepo) PutMarketRisk(ctx context.Context, mr core.MarketRisk) error {
	if mr.CreatedAt.IsZero() {
		mr.CreatedAt = time.Now().UTC()
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO market_risk_snapshots (index_id, as_of_date, d_state, path_risk, drawdown_pct,
			max_drawdown_pct, recovery_progress, volatility, position_pct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (index_id, as_of_date) DO UPDATE SET
			d_state = excluded.d_state,
			path_risk = excluded.path_risk,
			drawdown_pct = excluded.drawdown_pct,
			max_drawdown_pct = excluded.max_drawdown_pct,
			recovery_progress = excluded.recovery_progress,
			volatility = excluded.volatility,
			position_pct = excluded.position_pct,
			created_at = excluded.created_at`,
		string(mr.IndexID), formatDate(mr.AsOf), string(mr.DState), string(mr.PathRisk), mr.DrawdownPct,
		mr.MaxDrawdownPct, mr.RecoveryProgress, mr.Volatility, nullFloat(mr.PositionPct), formatTime(mr.CreatedAt.UTC()))
	return err
}

// MarketRisk returns the cached state of index on date, or core.ErrNoData.
func (r *RiskRepo) MarketRisk(ctx context.Context, index core.CanonicalID, date time.Time) (core.MarketRisk, error) {
	mr := core.MarketRisk{IndexID: index}
	var (
		asOf, dstate, path, created string
		pos                         sql.NullFloat64
	)
	err := r.s.c.queryRow(ctx, `
		SELECT as_of_date, d_state, path_risk, drawdown_pct, max_drawdown_pct, recovery_progress,
			volatility, position_pct, created_at
		FROM market_risk_snapshots WHERE index_id = ? AND as_of_date = ?`,
		string(index), formatDate(date)).Scan(
		&asOf, &dstate, &path, &mr.DrawdownPct, &mr.MaxDrawdownPct, &mr.RecoveryProgress, &mr.Volatility, &pos, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MarketRisk{}, core.Errorf(core.ErrNoData, "no market risk for %s on %s", index, formatDate(date))
	}
	if err != nil {
		return core.MarketRisk{}, err
	}
	if mr.AsOf, err = parseDate(asOf); err != nil {
		return core.MarketRisk{}, err
	}
	mr.DState, mr.PathRisk = core.DState(dstate), core.PathRisk(path)
	mr.PositionPct = fromNull(pos)
	mr.CreatedAt = parseUTC(created)
	return mr, nil
}
