package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// FXRepo persists daily currency rates.
type FXRepo struct {
	s *Store
}

// Upsert inserts or replaces rates on (date, from, to).
func (r *FXRepo) Upsert(ctx context.Context, rates []core.FxRate) error {
	for _, fx := range rates {
		if fx.Rate <= 0 {
			return core.Errorf(core.ErrETLIntegrity, "fx rate %v for %s/%s", fx.Rate, fx.From, fx.To)
		}
		_, err := r.s.c.exec(ctx, `
			INSERT INTO fx_rates (date, from_currency, to_currency, rate, source)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (date, from_currency, to_currency) DO UPDATE SET
				rate = excluded.rate,
				source = excluded.source`,
			formatDate(fx.Date), strings.ToUpper(fx.From), strings.ToUpper(fx.To), fx.Rate, fx.Source)
		if err != nil {
			return err
		}
	}
	return nil
}

// OnOrBefore returns the most recent from→to rate dated on or before date,
// or core.ErrMissingFX.
func (r *FXRepo) OnOrBefore(ctx context.Context, from, to string, date time.Time) (core.FxRate, error) {
	fx := core.FxRate{From: strings.ToUpper(from), To: strings.ToUpper(to)}
	var d string
	err := r.s.c.queryRow(ctx, `
		SELECT date, rate, source FROM fx_rates
		WHERE from_currency = ? AND to_currency = ? AND date <= ?
		ORDER BY date DESC LIMIT 1`,
		fx.From, fx.To, formatDate(date)).Scan(&d, &fx.Rate, &fx.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return core.FxRate{}, core.Errorf(core.ErrMissingFX, "%s/%s on or before %s", fx.From, fx.To, formatDate(date))
	}
	if err != nil {
		return core.FxRate{}, err
	}
	if fx.Date, err = parseDate(d); err != nil {
		return core.FxRate{}, err
	}
	return fx, nil
}
