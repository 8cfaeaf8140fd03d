package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// RawRepo is the append-only raw payload log.
type RawRepo struct {
	s *Store
}

const rawColumns = `id, source, canonical_id, market, period, fetch_time, payload, processed, status, attempts, last_error, processed_at`

// Insert appends p and returns its id. Payloads are stored even when the
// asset is not yet registered; FX payloads carry no asset.
func (r *RawRepo) Insert(ctx context.Context, p core.RawPayload) (int64, error) {
	if p.FetchTime.IsZero() {
		p.FetchTime = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = core.RawPending
	}
	var id int64
	err := r.s.c.queryRow(ctx, `
		INSERT INTO raw_payloads (source, canonical_id, market, period, fetch_time, payload, processed, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '')
		RETURNING id`,
		p.Source, string(p.AssetID), string(p.Market), string(p.Period), formatTime(p.FetchTime.UTC()), p.Payload, false, string(p.Status),
	).Scan(&id)
	return id, err
}

// Get returns one payload or core.ErrNoData.
func (r *RawRepo) Get(ctx context.Context, id int64) (core.RawPayload, error) {
	row := r.s.c.queryRow(ctx, `SELECT `+rawColumns+` FROM raw_payloads WHERE id = ?`, id)
	p, err := scanRaw(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RawPayload{}, core.Errorf(core.ErrNoData, "raw payload %d", id)
	}
	return p, err
}

// MarkProcessed flags a payload as successfully applied.
func (r *RawRepo) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.s.c.exec(ctx, `
		UPDATE raw_payloads SET processed = ?, status = ?, last_error = '', processed_at = ? WHERE id = ?`,
		true, string(core.RawDone), formatTime(at.UTC()), id)
	return err
}

// MarkFailed flags a payload as permanently unusable. It stays unprocessed.
func (r *RawRepo) MarkFailed(ctx context.Context, id int64, msg string) error {
	_, err := r.s.c.exec(ctx, `
		UPDATE raw_payloads SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		string(core.RawFailed), msg, id)
	return err
}

// RecordAttempt counts a failed attempt that may be retried.
func (r *RawRepo) RecordAttempt(ctx context.Context, id int64, msg string) error {
	_, err := r.s.c.exec(ctx, `
		UPDATE raw_payloads SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	return err
}

// ListUnprocessed returns ids of pending payloads with fewer than
// maxAttempts attempts, oldest first.
func (r *RawRepo) ListUnprocessed(ctx context.Context, maxAttempts, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.s.c.query(ctx, `
		SELECT id FROM raw_payloads
		WHERE processed = ? AND status = ? AND attempts < ?
		ORDER BY id ASC LIMIT ?`,
		false, string(core.RawPending), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFetchedBefore returns payloads fetched before t with id > afterID,
// oldest first, for archival.
func (r *RawRepo) ListFetchedBefore(ctx context.Context, t time.Time, afterID int64, limit int) ([]core.RawPayload, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.s.c.query(ctx, `
		SELECT `+rawColumns+` FROM raw_payloads
		WHERE fetch_time < ? AND id > ?
		ORDER BY id ASC LIMIT ?`,
		formatTime(t.UTC()), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RawPayload
	for rows.Next() {
		p, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastSuccess returns the latest fetch time of a processed payload for id,
// or the zero time when none exists.
func (r *RawRepo) LastSuccess(ctx context.Context, id core.CanonicalID, period core.Period) (time.Time, error) {
	var ts sql.NullString
	err := r.s.c.queryRow(ctx, `
		SELECT MAX(fetch_time) FROM raw_payloads
		WHERE canonical_id = ? AND period = ? AND status = ?`,
		string(id), string(period), string(core.RawDone)).Scan(&ts)
	if err != nil || !ts.Valid {
		return time.Time{}, err
	}
	return parseUTC(ts.String), nil
}

// CountByStatus reports the number of payloads per status.
func (r *RawRepo) CountByStatus(ctx context.Context) (map[core.RawStatus]int, error) {
	rows, err := r.s.c.query(ctx, `SELECT status, COUNT(*) FROM raw_payloads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[core.RawStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[core.RawStatus(status)] = n
	}
	return out, rows.Err()
}

func scanRaw(sc scanner) (core.RawPayload, error) {
	var (
		p                                 core.RawPayload
		id, market, period, fetch, status string
		processedAt                       sql.NullString
	)
	err := sc.Scan(&p.ID, &p.Source, &id, &market, &period, &fetch, &p.Payload, &p.Processed, &status, &p.Attempts, &p.LastError, &processedAt)
	if err != nil {
		return core.RawPayload{}, err
	}
	p.AssetID = core.CanonicalID(id)
	p.Market = core.Market(market)
	p.Period = core.Period(period)
	p.Status = core.RawStatus(status)
	p.FetchTime = parseUTC(fetch)
	if processedAt.Valid {
		t := parseUTC(processedAt.String)
		p.ProcessedAt = &t
	}
	return p, nil
}
