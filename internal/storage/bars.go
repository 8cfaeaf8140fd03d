package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/series"
)

// BarRepo persists daily and minute bars.
type BarRepo struct {
	s *Store
}

const dailyColumns = `canonical_id, market, timestamp, open, high, low, close, volume, turnover,
	prev_close, change, pct_change, pe, pb, ps, dividend_yield, eps, market_cap, updated_at`

const minuteColumns = `canonical_id, market, period, timestamp, open, high, low, close, volume, turnover,
	prev_close, change, pct_change, updated_at`

func marketStamp(t time.Time, m core.Market) string {
	return formatTime(t.In(calendar.Location(m)))
}

func dayStart(t time.Time) string {
	return t.Format(core.DateLayout)
}

func dayEnd(t time.Time) string {
	return t.Format(core.DateLayout) + " 23:59:59"
}

// UpsertDaily inserts or replaces daily bars on (canonical_id, market, timestamp).
// Stored valuation fields survive a row that omits them.
func (r *BarRepo) UpsertDaily(ctx context.Context, bars []core.Bar) error {
	for _, b := range bars {
		if err := r.s.requireAsset(ctx, b.ID); err != nil {
			return err
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = time.Now().UTC()
		}
		_, err := r.s.c.exec(ctx, `
			INSERT INTO daily_bars (`+dailyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (canonical_id, market, timestamp) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume,
				turnover = excluded.turnover,
				prev_close = excluded.prev_close,
				change = excluded.change,
				pct_change = excluded.pct_change,
				pe = COALESCE(excluded.pe, daily_bars.pe),
				pb = COALESCE(excluded.pb, daily_bars.pb),
				ps = COALESCE(excluded.ps, daily_bars.ps),
				dividend_yield = COALESCE(excluded.dividend_yield, daily_bars.dividend_yield),
				eps = COALESCE(excluded.eps, daily_bars.eps),
				market_cap = COALESCE(excluded.market_cap, daily_bars.market_cap),
				updated_at = excluded.updated_at`,
			string(b.ID), string(b.Market), marketStamp(b.Time, b.Market),
			b.Open, b.High, b.Low, b.Close, b.Volume, nullFloat(b.Turnover),
			nullFloat(b.PrevClose), nullFloat(b.Change), nullFloat(b.PctChange),
			nullFloat(b.PE), nullFloat(b.PB), nullFloat(b.PS), nullFloat(b.DividendYield),
			nullFloat(b.EPS), nullFloat(b.MarketCap), formatTime(b.UpdatedAt.UTC()),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpsertMinute inserts or replaces minute bars on (canonical_id, market, period, timestamp).
func (r *BarRepo) UpsertMinute(ctx context.Context, bars []core.Bar) error {
	for _, b := range bars {
		if err := r.s.requireAsset(ctx, b.ID); err != nil {
			return err
		}
		if !b.Period.IsMinute() {
			return core.Errorf(core.ErrETLIntegrity, "minute bar with period %q", b.Period)
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = time.Now().UTC()
		}
		_, err := r.s.c.exec(ctx, `
			INSERT INTO minute_bars (`+minuteColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (canonical_id, market, period, timestamp) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume,
				turnover = excluded.turnover,
				prev_close = excluded.prev_close,
				change = excluded.change,
				pct_change = excluded.pct_change,
				updated_at = excluded.updated_at`,
			string(b.ID), string(b.Market), string(b.Period), marketStamp(b.Time, b.Market),
			b.Open, b.High, b.Low, b.Close, b.Volume, nullFloat(b.Turnover),
			nullFloat(b.PrevClose), nullFloat(b.Change), nullFloat(b.PctChange),
			formatTime(b.UpdatedAt.UTC()),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// PriorDaily returns the last daily bar strictly before t, or nil.
func (r *BarRepo) PriorDaily(ctx context.Context, id core.CanonicalID, m core.Market, t time.Time) (*core.Bar, error) {
	return r.oneDaily(ctx, `
		SELECT `+dailyColumns+` FROM daily_bars
		WHERE canonical_id = ? AND market = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT 1`, string(id), string(m), marketStamp(t, m))
}

// NextDaily returns the first daily bar strictly after t, or nil.
func (r *BarRepo) NextDaily(ctx context.Context, id core.CanonicalID, m core.Market, t time.Time) (*core.Bar, error) {
	return r.oneDaily(ctx, `
		SELECT `+dailyColumns+` FROM daily_bars
		WHERE canonical_id = ? AND market = ? AND timestamp > ?
		ORDER BY timestamp ASC LIMIT 1`, string(id), string(m), marketStamp(t, m))
}

// LatestDaily returns the newest daily bar, or nil.
func (r *BarRepo) LatestDaily(ctx context.Context, id core.CanonicalID, m core.Market) (*core.Bar, error) {
	return r.oneDaily(ctx, `
		SELECT `+dailyColumns+` FROM daily_bars
		WHERE canonical_id = ? AND market = ?
		ORDER BY timestamp DESC LIMIT 1`, string(id), string(m))
}

// DailyOn returns the last daily bar dated on or before day, or nil.
func (r *BarRepo) DailyOn(ctx context.Context, id core.CanonicalID, m core.Market, day time.Time) (*core.Bar, error) {
	return r.oneDaily(ctx, `
		SELECT `+dailyColumns+` FROM daily_bars
		WHERE canonical_id = ? AND market = ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1`, string(id), string(m), dayEnd(day))
}

func (r *BarRepo) oneDaily(ctx context.Context, q string, args ...any) (*core.Bar, error) {
	b, err := scanDaily(r.s.c.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Daily returns bars dated within [start, end]; zero bounds are open.
func (r *BarRepo) Daily(ctx context.Context, id core.CanonicalID, m core.Market, start, end time.Time) ([]core.Bar, error) {
	q := `SELECT ` + dailyColumns + ` FROM daily_bars WHERE canonical_id = ? AND market = ?`
	args := []any{string(id), string(m)}
	if !start.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, dayStart(start))
	}
	if !end.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, dayEnd(end))
	}
	q += ` ORDER BY timestamp ASC`

	rows, err := r.s.c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		b, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdatePE sets the pe column of one stored daily bar.
func (r *BarRepo) UpdatePE(ctx context.Context, id core.CanonicalID, m core.Market, t time.Time, pe *float64) error {
	_, err := r.s.c.exec(ctx, `
		UPDATE daily_bars SET pe = ?, updated_at = ?
		WHERE canonical_id = ? AND market = ? AND timestamp = ?`,
		nullFloat(pe), formatTime(time.Now().UTC()), string(id), string(m), marketStamp(t, m))
	return err
}

// LoadPriceSeries returns the ordered daily close series of id in its home market.
func (r *BarRepo) LoadPriceSeries(ctx context.Context, id core.CanonicalID, start, end time.Time) (series.Series, error) {
	bars, err := r.Daily(ctx, id, id.Market(), start, end)
	if err != nil {
		return nil, err
	}
	out := make(series.Series, len(bars))
	for i, b := range bars {
		out[i] = series.Point{Time: b.Time, Close: b.Close}
	}
	return out, nil
}

// PriorMinute returns the last minute bar of period strictly before t, or nil.
func (r *BarRepo) PriorMinute(ctx context.Context, id core.CanonicalID, m core.Market, p core.Period, t time.Time) (*core.Bar, error) {
	return r.oneMinute(ctx, `
		SELECT `+minuteColumns+` FROM minute_bars
		WHERE canonical_id = ? AND market = ? AND period = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT 1`, string(id), string(m), string(p), marketStamp(t, m))
}

// NextMinute returns the first minute bar of period strictly after t, or nil.
func (r *BarRepo) NextMinute(ctx context.Context, id core.CanonicalID, m core.Market, p core.Period, t time.Time) (*core.Bar, error) {
	return r.oneMinute(ctx, `
		SELECT `+minuteColumns+` FROM minute_bars
		WHERE canonical_id = ? AND market = ? AND period = ? AND timestamp > ?
		ORDER BY timestamp ASC LIMIT 1`, string(id), string(m), string(p), marketStamp(t, m))
}

func (r *BarRepo) oneMinute(ctx context.Context, q string, args ...any) (*core.Bar, error) {
	b, err := scanMinute(r.s.c.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Minute returns minute bars of period between start and end inclusive;
// zero bounds are open.
func (r *BarRepo) Minute(ctx context.Context, id core.CanonicalID, m core.Market, p core.Period, start, end time.Time) ([]core.Bar, error) {
	q := `SELECT ` + minuteColumns + ` FROM minute_bars WHERE canonical_id = ? AND market = ? AND period = ?`
	args := []any{string(id), string(m), string(p)}
	if !start.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, marketStamp(start, m))
	}
	if !end.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, marketStamp(end, m))
	}
	q += ` ORDER BY timestamp ASC`

	rows, err := r.s.c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		b, err := scanMinute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanDaily(sc scanner) (core.Bar, error) {
	var (
		b                         core.Bar
		id, market, ts, updated   string
		turnover, prev, chg, pct  sql.NullFloat64
		pe, pb, ps, dy, eps, mcap sql.NullFloat64
	)
	err := sc.Scan(&id, &market, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &turnover,
		&prev, &chg, &pct, &pe, &pb, &ps, &dy, &eps, &mcap, &updated)
	if err != nil {
		return core.Bar{}, err
	}
	b.ID = core.CanonicalID(id)
	b.Market = core.Market(market)
	b.Period = core.Period1d
	if b.Time, err = parseMarketTime(ts, b.Market); err != nil {
		return core.Bar{}, err
	}
	b.Turnover, b.PrevClose, b.Change, b.PctChange = fromNull(turnover), fromNull(prev), fromNull(chg), fromNull(pct)
	b.PE, b.PB, b.PS, b.DividendYield = fromNull(pe), fromNull(pb), fromNull(ps), fromNull(dy)
	b.EPS, b.MarketCap = fromNull(eps), fromNull(mcap)
	b.UpdatedAt = parseUTC(updated)
	return b, nil
}

func scanMinute(sc scanner) (core.Bar, error) {
	var (
		b                               core.Bar
		id, market, period, ts, updated string
		turnover, prev, chg, pct        sql.NullFloat64
	)
	err := sc.Scan(&id, &market, &period, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &turnover,
		&prev, &chg, &pct, &updated)
	if err != nil {
		return core.Bar{}, err
	}
	b.ID = core.CanonicalID(id)
	b.Market = core.Market(market)
	b.Period = core.Period(period)
	if b.Time, err = parseMarketTime(ts, b.Market); err != nil {
		return core.Bar{}, err
	}
	b.Turnover, b.PrevClose, b.Change, b.PctChange = fromNull(turnover), fromNull(prev), fromNull(chg), fromNull(pct)
	b.UpdatedAt = parseUTC(updated)
	return b, nil
}
