package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// AssetRepo persists assets and the symbol map. It satisfies identity.Store.
type AssetRepo struct {
	s *Store
}

// EnsureAsset inserts a if no row with its id exists.
func (r *AssetRepo) EnsureAsset(ctx context.Context, a core.Asset) error {
	if a.ADRRatio == 0 {
		a.ADRRatio = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO assets (canonical_id, market, kind, code, name, currency, adr_ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id) DO NOTHING`,
		string(a.ID), string(a.Market), string(a.Kind), a.Code, a.Name, a.Currency, a.ADRRatio, formatTime(a.CreatedAt),
	)
	return err
}

// Update overwrites the descriptive columns of an existing asset.
func (r *AssetRepo) Update(ctx context.Context, a core.Asset) error {
	_, err := r.s.c.exec(ctx, `
		UPDATE assets SET name = ?, currency = ?, adr_ratio = ? WHERE canonical_id = ?`,
		a.Name, a.Currency, a.ADRRatio, string(a.ID),
	)
	return err
}

// Get returns one asset or core.ErrNoData.
func (r *AssetRepo) Get(ctx context.Context, id core.CanonicalID) (core.Asset, error) {
	row := r.s.c.queryRow(ctx, `
		SELECT canonical_id, market, kind, code, name, currency, adr_ratio, created_at
		FROM assets WHERE canonical_id = ?`, string(id))
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Asset{}, core.Errorf(core.ErrNoData, "asset %s", id)
	}
	return a, err
}

// List returns all assets, optionally filtered by market.
func (r *AssetRepo) List(ctx context.Context, market core.Market) ([]core.Asset, error) {
	q := `SELECT canonical_id, market, kind, code, name, currency, adr_ratio, created_at FROM assets`
	var args []any
	if market != "" {
		q += ` WHERE market = ?`
		args = append(args, string(market))
	}
	q += ` ORDER BY canonical_id`

	rows, err := r.s.c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(sc scanner) (core.Asset, error) {
	var (
		a                           core.Asset
		id, market, kind, createdAt string
	)
	if err := sc.Scan(&id, &market, &kind, &a.Code, &a.Name, &a.Currency, &a.ADRRatio, &createdAt); err != nil {
		return core.Asset{}, err
	}
	a.ID = core.CanonicalID(id)
	a.Market = core.Market(market)
	a.Kind = core.Kind(kind)
	a.CreatedAt = parseUTC(createdAt)
	return a, nil
}

// LookupAlias returns the highest-priority active mapping of raw.
func (r *AssetRepo) LookupAlias(ctx context.Context, raw, source string) (core.CanonicalID, error) {
	q := `SELECT canonical_id FROM symbol_map WHERE raw_symbol = ? AND is_active = ?`
	args := []any{raw, true}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY priority DESC, id ASC LIMIT 1`

	var id string
	err := r.s.c.queryRow(ctx, q, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNoData
	}
	if err != nil {
		return "", err
	}
	return core.CanonicalID(id), nil
}

// UpsertAlias inserts or replaces the (raw_symbol, source) mapping.
func (r *AssetRepo) UpsertAlias(ctx context.Context, a core.Alias) error {
	if err := r.s.requireAsset(ctx, a.ID); err != nil {
		return err
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO symbol_map (canonical_id, raw_symbol, source, priority, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (raw_symbol, source) DO UPDATE SET
			canonical_id = excluded.canonical_id,
			priority = excluded.priority,
			is_active = excluded.is_active`,
		string(a.ID), a.RawSymbol, a.Source, a.Priority, a.Active,
	)
	return err
}

// ListAliases returns every mapping onto id, highest priority first.
func (r *AssetRepo) ListAliases(ctx context.Context, id core.CanonicalID) ([]core.Alias, error) {
	rows, err := r.s.c.query(ctx, `
		SELECT canonical_id, raw_symbol, source, priority, is_active
		FROM symbol_map WHERE canonical_id = ?
		ORDER BY priority DESC, id ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Alias
	for rows.Next() {
		var (
			a   core.Alias
			cid string
		)
		if err := rows.Scan(&cid, &a.RawSymbol, &a.Source, &a.Priority, &a.Active); err != nil {
			return nil, err
		}
		a.ID = core.CanonicalID(cid)
		out = append(out, a)
	}
	return out, rows.Err()
}
