// Package eastmoney adapts the Eastmoney kline API for mainland A-shares,
// ETFs and indices.
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

const (
	// Name is the source tag.
	Name = "eastmoney"

	baseURL        = "https://push2his.eastmoney.com"
	payloadVersion = 1
	historyYears   = 10

	// klines report volume in lots of 100 shares
	lotSize = 100
)

// Eastmoney implements PriceSource for the CN market.
type Eastmoney struct {
	client  *httpx.Client
	baseURL string
	now     func() time.Time
	logger  *zap.Logger
}

// New creates an Eastmoney adapter.
func New(cfg source.Config, logger *zap.Logger) *Eastmoney {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Eastmoney{
		client: httpx.New(Name,
			httpx.WithTimeout(cfg.Timeout),
			httpx.WithRequestsPerMinute(cfg.RequestsPerMinute),
			httpx.WithHeader("Referer", "https://quote.eastmoney.com/"),
			httpx.WithLogger(logger)),
		baseURL: baseURL,
		now:     time.Now,
		logger:  logger.Named(Name),
	}
	if cfg.BaseURL != "" {
		e.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return e
}

// NewWithBaseURL creates an adapter with a custom base URL (for testing)
func NewWithBaseURL(u string) *Eastmoney {
	return New(source.Config{BaseURL: u}, nil)
}

func (e *Eastmoney) Name() string {
	return Name
}

// Supports reports CN stocks, ETFs and indices.
func (e *Eastmoney) Supports(m core.Market, k core.Kind) bool {
	return m == core.MarketCN && (k == core.KindStock || k == core.KindETF || k == core.KindIndex)
}

// SecID returns the Eastmoney security id: 1.<code> for Shanghai,
// 0.<code> for Shenzhen and Beijing.
func SecID(id core.CanonicalID) (string, error) {
	if id.Market() != core.MarketCN {
		return "", core.Errorf(core.ErrNoAdapter, "eastmoney: %s is not a CN asset", id)
	}
	code := id.Code()
	if identity.CNExchange(code, id.Kind()) == "SH" {
		return "1." + code, nil
	}
	return "0." + code, nil
}

func klineType(p core.Period) (string, error) {
	switch p {
	case core.Period1m:
		return "1", nil
	case core.Period5m:
		return "5", nil
	case core.Period15m:
		return "15", nil
	case core.Period30m:
		return "30", nil
	case core.Period60m:
		return "60", nil
	case core.Period1d:
		return "101", nil
	}
	return "", core.Errorf(core.ErrSourceBadData, "eastmoney: unsupported period %q", p)
}

// FetchDaily fetches unadjusted (fqt=0) daily klines.
func (e *Eastmoney) FetchDaily(ctx context.Context, id core.CanonicalID, since time.Time) (source.Payload, []core.Bar, error) {
	start, end := source.Window(e.now(), since, historyYears)
	return e.fetch(ctx, id, core.Period1d, start, end)
}

// FetchIntraday fetches the recent klines of a minute period.
func (e *Eastmoney) FetchIntraday(ctx context.Context, id core.CanonicalID, period core.Period) (source.Payload, []core.Bar, error) {
	if !period.IsMinute() {
		return source.Payload{}, nil, core.Errorf(core.ErrSourceBadData, "eastmoney: %q is not an intraday period", period)
	}
	end := e.now()
	return e.fetch(ctx, id, period, end.AddDate(0, 0, -5), end)
}

func (e *Eastmoney) fetch(ctx context.Context, id core.CanonicalID, period core.Period, start, end time.Time) (source.Payload, []core.Bar, error) {
	secid, err := SecID(id)
	if err != nil {
		return source.Payload{}, nil, err
	}
	klt, err := klineType(period)
	if err != nil {
		return source.Payload{}, nil, err
	}
	loc := calendar.Location(core.MarketCN)
	url := fmt.Sprintf("%s/api/qt/stock/kline/get?secid=%s&klt=%s&fqt=0&beg=%s&end=%s&fields1=f1,f2,f3,f4,f5,f6&fields2=f51,f52,f53,f54,f55,f56,f57",
		e.baseURL, secid, klt, start.In(loc).Format("20060102"), end.In(loc).Format("20060102"))

	body, err := e.client.Get(ctx, url)
	if err != nil {
		return source.Payload{}, nil, err
	}
	p := source.Payload{
		Source:  Name,
		Version: payloadVersion,
		Period:  period,
		AssetID: id,
		Market:  id.Market(),
		Params:  map[string]string{"secid": secid, "klt": klt},
		Body:    body,
	}
	rec, err := Decode(p)
	if err != nil {
		e.logger.Warn("undecodable response", zap.String("canonical_id", string(id)), zap.Error(err))
	}
	return p, rec.Bars, err
}

type klineResponse struct {
	RC   int        `json:"rc"`
	Data *klineData `json:"data"`
}

type klineData struct {
	Code   string   `json:"code"`
	Name   string   `json:"name"`
	Klines []string `json:"klines"`
}

// Decode turns an Eastmoney payload into records.
func (e *Eastmoney) Decode(p source.Payload) (source.Records, error) {
	return Decode(p)
}

// Decode is the stateless decoder of Eastmoney payloads.
func Decode(p source.Payload) (source.Records, error) {
	if p.Version != payloadVersion {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "eastmoney: unsupported payload version %d", p.Version)
	}
	if !p.Period.IsBar() {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "eastmoney: unsupported period %q", p.Period)
	}
	var resp klineResponse
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding klines: %w", err))
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return source.Records{}, core.Errorf(core.ErrNoData, "eastmoney: no klines for %s", p.AssetID)
	}

	loc := calendar.Location(core.MarketCN)
	bars := make([]core.Bar, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		b, err := parseKline(line, p, loc)
		if err != nil {
			return source.Records{}, err
		}
		bars = append(bars, b)
	}
	return source.Records{Bars: bars}, nil
}

// parseKline reads "date,open,close,high,low,volume,amount".
func parseKline(line string, p source.Payload, loc *time.Location) (core.Bar, error) {
	f := strings.Split(line, ",")
	if len(f) < 6 {
		return core.Bar{}, core.Errorf(core.ErrSourceBadData, "eastmoney: short kline %q", line)
	}
	nums := make([]float64, 0, 6)
	for _, s := range f[1:] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return core.Bar{}, core.Errorf(core.ErrSourceBadData, "eastmoney: kline %q: %v", line, err)
		}
		nums = append(nums, v)
	}

	b := core.Bar{
		ID:     p.AssetID,
		Market: p.Market,
		Period: p.Period,
		Open:   nums[0],
		Close:  nums[1],
		High:   nums[2],
		Low:    nums[3],
		Volume: nums[4] * lotSize,
	}
	if len(nums) > 5 {
		b.Turnover = core.Float64(nums[5])
	}

	if p.Period == core.Period1d {
		d, err := time.Parse(core.DateLayout, f[0])
		if err != nil {
			return core.Bar{}, core.Errorf(core.ErrSourceBadData, "eastmoney: kline date %q", f[0])
		}
		b.Time = source.DailyStamp(p.Market, d)
		return b, nil
	}
	// minute klines are stamped at bar close
	t, err := time.ParseInLocation("2006-01-02 15:04", f[0], loc)
	if err != nil {
		return core.Bar{}, core.Errorf(core.ErrSourceBadData, "eastmoney: kline time %q", f[0])
	}
	b.Time = t
	return b, nil
}
