// Package source defines the upstream provider capabilities and the
// versioned raw payload envelope adapters hand to the orchestrator.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// Source is implemented by every adapter.
type Source interface {
	// Name returns the canonical source tag, e.g. "yahoo".
	Name() string

	// Supports reports whether the adapter can serve assets of (market, kind).
	Supports(m core.Market, k core.Kind) bool
}

// PriceSource fetches daily and intraday bars.
type PriceSource interface {
	Source
	FetchDaily(ctx context.Context, id core.CanonicalID, since time.Time) (Payload, []core.Bar, error)
	FetchIntraday(ctx context.Context, id core.CanonicalID, period core.Period) (Payload, []core.Bar, error)
}

// FundamentalsSource fetches financial reports.
type FundamentalsSource interface {
	Source
	FetchReports(ctx context.Context, id core.CanonicalID) (Payload, []core.Fundamental, error)
}

// CorporateActionSource fetches splits and dividends.
type CorporateActionSource interface {
	Source
	FetchActions(ctx context.Context, id core.CanonicalID, since time.Time) (Payload, []core.Split, []core.Dividend, error)
}

// FxSource fetches exchange rate history.
type FxSource interface {
	Source
	FetchHistory(ctx context.Context, from, to string, start, end time.Time) (Payload, []core.FxRate, error)
}

// Decoder turns a stored payload back into normalized records. Adapters
// decode their own fetches through it, so a reprocessed payload yields the
// same records as the original fetch.
type Decoder interface {
	Decode(p Payload) (Records, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(p Payload) (Records, error)

func (f DecoderFunc) Decode(p Payload) (Records, error) { return f(p) }

// Records is the normalized content of one payload.
type Records struct {
	Bars         []core.Bar
	Splits       []core.Split
	Dividends    []core.Dividend
	Fundamentals []core.Fundamental
	Rates        []core.FxRate
}

// Empty reports whether no record was decoded.
func (r Records) Empty() bool {
	return len(r.Bars) == 0 && len(r.Splits) == 0 && len(r.Dividends) == 0 &&
		len(r.Fundamentals) == 0 && len(r.Rates) == 0
}

// Payload is the versioned envelope stored in raw_payloads. Body holds the
// upstream response as received; its schema is owned by the adapter and
// identified by (Source, Version).
type Payload struct {
	Source  string            `json:"source"`
	Version int               `json:"version"`
	Period  core.Period       `json:"period"`
	AssetID core.CanonicalID  `json:"canonical_id,omitempty"`
	Market  core.Market       `json:"market"`
	Params  map[string]string `json:"params,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// Param returns a request parameter recorded in the envelope.
func (p Payload) Param(key string) string {
	if p.Params == nil {
		return ""
	}
	return p.Params[key]
}

// Encode serializes the envelope. A body that is not valid JSON is kept as
// a JSON string so malformed upstream responses are still retained.
func (p Payload) Encode() ([]byte, error) {
	if !json.Valid(p.Body) {
		quoted, err := json.Marshal(string(p.Body))
		if err != nil {
			return nil, err
		}
		p.Body = quoted
	}
	return json.Marshal(p)
}

// Raw converts the envelope into a raw payload row.
func (p Payload) Raw(fetched time.Time) (core.RawPayload, error) {
	b, err := p.Encode()
	if err != nil {
		return core.RawPayload{}, fmt.Errorf("encode payload: %w", err)
	}
	return core.RawPayload{
		Source:    p.Source,
		AssetID:   p.AssetID,
		Market:    p.Market,
		Period:    p.Period,
		FetchTime: fetched,
		Payload:   b,
		Status:    core.RawPending,
	}, nil
}

// DecodePayload parses a stored envelope.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, core.WrapError(core.ErrSourceBadData, fmt.Errorf("decode envelope: %w", err))
	}
	if p.Source == "" {
		return Payload{}, core.Errorf(core.ErrSourceBadData, "envelope without source tag")
	}
	return p, nil
}
