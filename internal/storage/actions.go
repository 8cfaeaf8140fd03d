package storage

import (
	"context"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// ActionRepo persists splits and dividends.
type ActionRepo struct {
	s *Store
}

// UpsertSplits inserts or replaces splits on (canonical_id, effective_date).
func (r *ActionRepo) UpsertSplits(ctx context.Context, splits []core.Split) error {
	for _, sp := range splits {
		if err := r.s.requireAsset(ctx, sp.ID); err != nil {
			return err
		}
		if sp.Factor <= 0 {
			return core.Errorf(core.ErrETLIntegrity, "split factor %v for %s", sp.Factor, sp.ID)
		}
		_, err := r.s.c.exec(ctx, `
			INSERT INTO splits (canonical_id, effective_date, split_factor, source)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (canonical_id, effective_date) DO UPDATE SET
				split_factor = excluded.split_factor,
				source = excluded.source`,
			string(sp.ID), formatDate(sp.EffectiveDate), sp.Factor, sp.Source)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpsertDividends inserts or replaces dividends on (canonical_id, ex_date).
func (r *ActionRepo) UpsertDividends(ctx context.Context, divs []core.Dividend) error {
	for _, d := range divs {
		if err := r.s.requireAsset(ctx, d.ID); err != nil {
			return err
		}
		_, err := r.s.c.exec(ctx, `
			INSERT INTO dividends (canonical_id, ex_date, cash_dividend, currency, source)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (canonical_id, ex_date) DO UPDATE SET
				cash_dividend = excluded.cash_dividend,
				currency = excluded.currency,
				source = excluded.source`,
			string(d.ID), formatDate(d.ExDate), d.Cash, d.Currency, d.Source)
		if err != nil {
			return err
		}
	}
	return nil
}

// Splits returns all splits of id ordered by date.
func (r *ActionRepo) Splits(ctx context.Context, id core.CanonicalID) ([]core.Split, error) {
	rows, err := r.s.c.query(ctx, `
		SELECT effective_date, split_factor, source FROM splits
		WHERE canonical_id = ? ORDER BY effective_date ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Split
	for rows.Next() {
		sp := core.Split{ID: id}
		var date string
		if err := rows.Scan(&date, &sp.Factor, &sp.Source); err != nil {
			return nil, err
		}
		if sp.EffectiveDate, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// Dividends returns dividends of id with ex_date in [start, end]; zero bounds are open.
func (r *ActionRepo) Dividends(ctx context.Context, id core.CanonicalID, start, end time.Time) ([]core.Dividend, error) {
	q := `SELECT ex_date, cash_dividend, currency, source FROM dividends WHERE canonical_id = ?`
	args := []any{string(id)}
	if !start.IsZero() {
		q += ` AND ex_date >= ?`
		args = append(args, formatDate(start))
	}
	if !end.IsZero() {
		q += ` AND ex_date <= ?`
		args = append(args, formatDate(end))
	}
	q += ` ORDER BY ex_date ASC`

	rows, err := r.s.c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Dividend
	for rows.Next() {
		d := core.Dividend{ID: id}
		var date string
		if err := rows.Scan(&date, &d.Cash, &d.Currency, &d.Source); err != nil {
			return nil, err
		}
		if d.ExDate, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
