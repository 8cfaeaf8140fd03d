package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/newthinker/quantbase/internal/core"
)

// ClassificationRepo persists sector assignments and sector proxies.
type ClassificationRepo struct {
	s *Store
}

// Upsert records a classification. Activating one deactivates older rows of
// the same scheme.
func (r *ClassificationRepo) Upsert(ctx context.Context, c core.Classification) error {
	if err := r.s.requireAsset(ctx, c.ID); err != nil {
		return err
	}
	if c.Active {
		if _, err := r.s.c.exec(ctx, `
			UPDATE classifications SET is_active = ? WHERE canonical_id = ? AND scheme = ? AND as_of_date <> ?`,
			false, string(c.ID), c.Scheme, formatDate(c.AsOf)); err != nil {
			return err
		}
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO classifications (canonical_id, scheme, sector_code, sector_name, industry_name, as_of_date, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id, scheme, as_of_date) DO UPDATE SET
			sector_code = excluded.sector_code,
			sector_name = excluded.sector_name,
			industry_name = excluded.industry_name,
			is_active = excluded.is_active`,
		string(c.ID), c.Scheme, c.SectorCode, c.SectorName, c.IndustryName, formatDate(c.AsOf), c.Active)
	return err
}

// Active returns the active classification of id under scheme. An empty
// scheme picks any active row. Returns core.ErrNoData when none.
func (r *ClassificationRepo) Active(ctx context.Context, id core.CanonicalID, scheme string) (core.Classification, error) {
	q := `SELECT scheme, sector_code, sector_name, industry_name, as_of_date
		FROM classifications WHERE canonical_id = ? AND is_active = ?`
	args := []any{string(id), true}
	if scheme != "" {
		q += ` AND scheme = ?`
		args = append(args, scheme)
	}
	q += ` ORDER BY as_of_date DESC, scheme ASC LIMIT 1`

	c := core.Classification{ID: id, Active: true}
	var asOf string
	err := r.s.c.queryRow(ctx, q, args...).Scan(&c.Scheme, &c.SectorCode, &c.SectorName, &c.IndustryName, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Classification{}, core.Errorf(core.ErrNoData, "no active classification for %s", id)
	}
	if err != nil {
		return core.Classification{}, err
	}
	if c.AsOf, err = parseDate(asOf); err != nil {
		return core.Classification{}, err
	}
	return c, nil
}

// UpsertProxy records the proxy ETF and market index of a sector.
func (r *ClassificationRepo) UpsertProxy(ctx context.Context, p core.SectorProxy) error {
	if err := r.s.requireAsset(ctx, p.ProxyETF); err != nil {
		return err
	}
	if err := r.s.requireAsset(ctx, p.MarketIndex); err != nil {
		return err
	}
	_, err := r.s.c.exec(ctx, `
		INSERT INTO sector_proxies (scheme, sector_code, proxy_etf_id, market_index_id, market)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scheme, sector_code, market) DO UPDATE SET
			proxy_etf_id = excluded.proxy_etf_id,
			market_index_id = excluded.market_index_id`,
		p.Scheme, p.SectorCode, string(p.ProxyETF), string(p.MarketIndex), string(p.Market))
	return err
}

// Proxy looks up the proxy of (scheme, sector, market), or core.ErrNoData.
func (r *ClassificationRepo) Proxy(ctx context.Context, scheme, sector string, m core.Market) (core.SectorProxy, error) {
	p := core.SectorProxy{Scheme: scheme, SectorCode: sector, Market: m}
	var etf, index string
	err := r.s.c.queryRow(ctx, `
		SELECT proxy_etf_id, market_index_id FROM sector_proxies
		WHERE scheme = ? AND sector_code = ? AND market = ?`, scheme, sector, string(m)).Scan(&etf, &index)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SectorProxy{}, core.Errorf(core.ErrNoData, "no proxy for %s/%s in %s", scheme, sector, m)
	}
	if err != nil {
		return core.SectorProxy{}, err
	}
	p.ProxyETF = core.CanonicalID(etf)
	p.MarketIndex = core.CanonicalID(index)
	return p, nil
}
