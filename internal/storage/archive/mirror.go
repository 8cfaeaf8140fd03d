package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// Mirror copies raw payloads into a Storage under
// raw/<source>/<fetch date>/<id>.json.
type Mirror struct {
	store Storage
}

// NewMirror creates a mirror over store.
func NewMirror(store Storage) *Mirror {
	return &Mirror{store: store}
}

// Record is the archived form of a raw payload.
type Record struct {
	ID        int64            `json:"id"`
	Source    string           `json:"source"`
	AssetID   core.CanonicalID `json:"canonical_id,omitempty"`
	Market    core.Market      `json:"market,omitempty"`
	Period    core.Period      `json:"period"`
	FetchTime time.Time        `json:"fetch_time"`
	Payload   json.RawMessage  `json:"payload"`
}

// PayloadPath returns the archive path of p.
func PayloadPath(p core.RawPayload) string {
	src := strings.ToLower(p.Source)
	if src == "" {
		src = "unknown"
	}
	return path.Join("raw", src, p.FetchTime.UTC().Format(core.DateLayout), fmt.Sprintf("%d.json", p.ID))
}

// Mirror writes p unless it is already archived.
func (m *Mirror) Mirror(ctx context.Context, p core.RawPayload) error {
	_, err := m.put(ctx, p)
	return err
}

// put reports whether p was written.
func (m *Mirror) put(ctx context.Context, p core.RawPayload) (bool, error) {
	dst := PayloadPath(p)
	exists, err := m.store.Exists(ctx, dst)
	if err != nil {
		return false, fmt.Errorf("archive: check %s: %w", dst, err)
	}
	if exists {
		return false, nil
	}

	rec := Record{
		ID:        p.ID,
		Source:    p.Source,
		AssetID:   p.AssetID,
		Market:    p.Market,
		Period:    p.Period,
		FetchTime: p.FetchTime.UTC(),
		Payload:   p.Payload,
	}
	if !json.Valid(p.Payload) {
		quoted, _ := json.Marshal(string(p.Payload))
		rec.Payload = quoted
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("archive: encode payload %d: %w", p.ID, err)
	}
	if err := m.store.Write(ctx, dst, data); err != nil {
		return false, fmt.Errorf("archive: write %s: %w", dst, err)
	}
	return true, nil
}

// Load reads an archived record back.
func (m *Mirror) Load(ctx context.Context, p core.RawPayload) (Record, error) {
	data, err := m.store.Read(ctx, PayloadPath(p))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("archive: decode %s: %w", PayloadPath(p), err)
	}
	return rec, nil
}

// RawLister pages through stored raw payloads.
type RawLister interface {
	ListFetchedBefore(ctx context.Context, t time.Time, afterID int64, limit int) ([]core.RawPayload, error)
}

// Stats counts the outcome of a backfill.
type Stats struct {
	Written int
	Skipped int
}

// Backfill mirrors every payload fetched before t, oldest first. Payloads
// already archived are skipped.
func (m *Mirror) Backfill(ctx context.Context, raw RawLister, before time.Time, pageSize int) (Stats, error) {
	var (
		st    Stats
		after int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return st, core.WrapError(core.ErrCancelled, err)
		}
		page, err := raw.ListFetchedBefore(ctx, before, after, pageSize)
		if err != nil {
			return st, err
		}
		if len(page) == 0 {
			return st, nil
		}
		for _, p := range page {
			wrote, err := m.put(ctx, p)
			if err != nil {
				return st, err
			}
			if wrote {
				st.Written++
			} else {
				st.Skipped++
			}
			after = p.ID
		}
	}
}
