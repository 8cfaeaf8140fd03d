// Package binance adapts the Binance spot kline API for WORLD crypto assets.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

const (
	// Name is the source tag.
	Name = "binance"

	baseURL        = "https://api.binance.com"
	payloadVersion = 1
	historyYears   = 10

	pageLimit = 1000
	maxPages  = 5

	// QuoteAsset is the stable coin every canonical crypto is priced in.
	QuoteAsset = "USDT"
)

// Binance implements PriceSource for WORLD crypto assets.
type Binance struct {
	client  *httpx.Client
	baseURL string
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Binance adapter.
func New(cfg source.Config, logger *zap.Logger) *Binance {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Binance{
		client: httpx.New(Name,
			httpx.WithTimeout(cfg.Timeout),
			httpx.WithRequestsPerMinute(cfg.RequestsPerMinute),
			httpx.WithLogger(logger)),
		baseURL: baseURL,
		now:     time.Now,
		logger:  logger.Named(Name),
	}
	if cfg.BaseURL != "" {
		b.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return b
}

// NewWithBaseURL creates a Binance adapter with custom base URL (for testing)
func NewWithBaseURL(url string) *Binance {
	return New(source.Config{BaseURL: url}, nil)
}

func (b *Binance) Name() string {
	return Name
}

// Supports reports WORLD crypto.
func (b *Binance) Supports(m core.Market, k core.Kind) bool {
	return m == core.MarketWorld && k == core.KindCrypto
}

// Symbol returns the Binance trading pair of a canonical crypto id.
func Symbol(id core.CanonicalID) (string, error) {
	if id.Market() != core.MarketWorld || id.Kind() != core.KindCrypto {
		return "", core.Errorf(core.ErrNoAdapter, "binance: %s is not a crypto asset", id)
	}
	return strings.ToUpper(id.Code()) + QuoteAsset, nil
}

func toInterval(p core.Period) (string, error) {
	switch p {
	case core.Period1m, core.Period5m, core.Period15m, core.Period30m:
		return string(p), nil
	case core.Period60m:
		return "1h", nil
	case core.Period1d:
		return "1d", nil
	}
	return "", core.Errorf(core.ErrSourceBadData, "binance: unsupported period %q", p)
}

// FetchDaily fetches daily klines since the given date.
func (b *Binance) FetchDaily(ctx context.Context, id core.CanonicalID, since time.Time) (source.Payload, []core.Bar, error) {
	start, end := source.Window(b.now(), since, historyYears)
	return b.fetch(ctx, id, core.Period1d, start, end)
}

// FetchIntraday fetches the latest page of minute klines.
func (b *Binance) FetchIntraday(ctx context.Context, id core.CanonicalID, period core.Period) (source.Payload, []core.Bar, error) {
	if !period.IsMinute() {
		return source.Payload{}, nil, core.Errorf(core.ErrSourceBadData, "binance: %q is not an intraday period", period)
	}
	end := b.now()
	return b.fetch(ctx, id, period, end.Add(-pageLimit*period.Duration()), end)
}

// fetch pages through klines in [start, end] and stores all pages as one
// JSON array.
func (b *Binance) fetch(ctx context.Context, id core.CanonicalID, period core.Period, start, end time.Time) (source.Payload, []core.Bar, error) {
	sym, err := Symbol(id)
	if err != nil {
		return source.Payload{}, nil, err
	}
	interval, err := toInterval(period)
	if err != nil {
		return source.Payload{}, nil, err
	}

	var all []json.RawMessage
	from := start.UnixMilli()
	for page := 0; page < maxPages && from <= end.UnixMilli(); page++ {
		url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
			b.baseURL, sym, interval, from, end.UnixMilli(), pageLimit)
		body, err := b.client.Get(ctx, url)
		if err != nil {
			return source.Payload{}, nil, err
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			p := b.envelope(id, period, sym, interval, body)
			return p, nil, httpx.BadData(Name, fmt.Errorf("decoding klines: %w", err))
		}
		all = append(all, rows...)
		if len(rows) < pageLimit {
			break
		}
		last, err := openTime(rows[len(rows)-1])
		if err != nil {
			break
		}
		from = last + 1
	}

	body, err := json.Marshal(all)
	if err != nil {
		return source.Payload{}, nil, err
	}
	p := b.envelope(id, period, sym, interval, body)
	rec, err := Decode(p)
	if err != nil {
		b.logger.Warn("undecodable response", zap.String("canonical_id", string(id)), zap.Error(err))
	}
	return p, rec.Bars, err
}

func (b *Binance) envelope(id core.CanonicalID, period core.Period, sym, interval string, body []byte) source.Payload {
	return source.Payload{
		Source:  Name,
		Version: payloadVersion,
		Period:  period,
		AssetID: id,
		Market:  id.Market(),
		Params:  map[string]string{"symbol": sym, "interval": interval},
		Body:    body,
	}
}

func openTime(row json.RawMessage) (int64, error) {
	var k []any
	if err := json.Unmarshal(row, &k); err != nil || len(k) == 0 {
		return 0, fmt.Errorf("bad kline")
	}
	t, ok := k[0].(float64)
	if !ok {
		return 0, fmt.Errorf("bad kline open time")
	}
	return int64(t), nil
}

// Decode turns a Binance payload into records.
func (b *Binance) Decode(p source.Payload) (source.Records, error) {
	return Decode(p)
}

// Decode is the stateless decoder of Binance payloads.
func Decode(p source.Payload) (source.Records, error) {
	if p.Version != payloadVersion || !p.Period.IsBar() {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "binance: unsupported payload %d/%s", p.Version, p.Period)
	}
	var klines [][]any
	if err := json.Unmarshal(p.Body, &klines); err != nil {
		return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding klines: %w", err))
	}
	if len(klines) == 0 {
		return source.Records{}, core.Errorf(core.ErrNoData, "binance: no klines for %s", p.AssetID)
	}

	bars := make([]core.Bar, 0, len(klines))
	for _, k := range klines {
		if len(k) < 8 {
			return source.Records{}, core.Errorf(core.ErrSourceBadData, "binance: short kline")
		}
		openMs, ok := k[0].(float64)
		if !ok {
			return source.Records{}, core.Errorf(core.ErrSourceBadData, "binance: kline open time %v", k[0])
		}
		var nums [6]float64
		for i, idx := range []int{1, 2, 3, 4, 5, 7} {
			s, _ := k[idx].(string)
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return source.Records{}, core.Errorf(core.ErrSourceBadData, "binance: kline field %d %q", idx, s)
			}
			nums[i] = v
		}
		open := time.UnixMilli(int64(openMs)).UTC()
		var stamp time.Time
		if p.Period == core.Period1d {
			stamp = source.DailyStamp(p.Market, open)
		} else {
			stamp = source.MinuteStamp(p.Market, open, p.Period)
		}
		bars = append(bars, core.Bar{
			ID:       p.AssetID,
			Market:   p.Market,
			Period:   p.Period,
			Time:     stamp,
			Open:     nums[0],
			High:     nums[1],
			Low:      nums[2],
			Close:    nums[3],
			Volume:   nums[4],
			Turnover: core.Float64(nums[5]),
		})
	}
	return source.Records{Bars: bars}, nil
}
