package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// SnapshotRepo holds the latest quote per asset.
type SnapshotRepo struct {
	s *Store
}

// Upsert overwrites the snapshot of (id, market).
func (r *SnapshotRepo) Upsert(ctx context.Context, snap core.Snapshot) error {
	if err := r.s.requireAsset(ctx, snap.ID); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO snapshots (canonical_id, market, timestamp, open, high, low, close, volume,
			prev_close, change, pct_change, pe, eps, market_cap, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id, market) DO UPDATE SET
			timestamp = excluded.timestamp,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			prev_close = excluded.prev_close,
			change = excluded.change,
			pct_change = excluded.pct_change,
			pe = excluded.pe,
			eps = excluded.eps,
			market_cap = excluded.market_cap,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		string(snap.ID), string(snap.Market), marketStamp(snap.Time, snap.Market),
		snap.Open, snap.High, snap.Low, snap.Close, snap.Volume,
		nullFloat(snap.PrevClose), nullFloat(snap.Change), nullFloat(snap.PctChange),
		nullFloat(snap.PE), nullFloat(snap.EPS), nullFloat(snap.MarketCap),
		snap.Source, formatTime(snap.UpdatedAt.UTC()),
	)
	return err
}

// Get returns the snapshot or core.ErrNoData.
func (r *SnapshotRepo) Get(ctx context.Context, id core.CanonicalID, m core.Market) (core.Snapshot, error) {
	var (
		snap                 core.Snapshot
		cid, market, ts, upd string
		prev, chg, pct       sql.NullFloat64
		pe, eps, mcap        sql.NullFloat64
	)
	err := r.s.c.queryRow(ctx, `
		SELECT canonical_id, market, timestamp, open, high, low, close, volume,
			prev_close, change, pct_change, pe, eps, market_cap, source, updated_at
		FROM snapshots WHERE canonical_id = ? AND market = ?`, string(id), string(m)).Scan(
		&cid, &market, &ts, &snap.Open, &snap.High, &snap.Low, &snap.Close, &snap.Volume,
		&prev, &chg, &pct, &pe, &eps, &mcap, &snap.Source, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Snapshot{}, core.Errorf(core.ErrNoData, "snapshot %s", id)
	}
	if err != nil {
		return core.Snapshot{}, err
	}
	snap.ID = core.CanonicalID(cid)
	snap.Market = core.Market(market)
	if snap.Time, err = parseMarketTime(ts, snap.Market); err != nil {
		return core.Snapshot{}, err
	}
	snap.PrevClose, snap.Change, snap.PctChange = fromNull(prev), fromNull(chg), fromNull(pct)
	snap.PE, snap.EPS, snap.MarketCap = fromNull(pe), fromNull(eps), fromNull(mcap)
	snap.UpdatedAt = parseUTC(upd)
	return snap, nil
}
