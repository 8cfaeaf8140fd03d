// Package yahoo adapts the Yahoo Finance chart and fundamentals-timeseries
// APIs. It serves prices for every market, corporate actions from chart
// events, FX pairs and discrete (single period) fundamentals.
package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

const (
	// Name is the source tag.
	Name = "yahoo"

	baseURL        = "https://query1.finance.yahoo.com"
	payloadVersion = 1
	historyYears   = 10
)

var fundamentalTypes = []string{
	"TotalRevenue", "NetIncome", "OperatingCashFlow",
	"DilutedAverageShares", "DilutedEPS", "StockholdersEquity",
}

// Yahoo implements the price, fundamentals, corporate action and FX
// capabilities.
type Yahoo struct {
	client  *httpx.Client
	baseURL string
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Yahoo adapter from its configuration.
func New(cfg source.Config, logger *zap.Logger) *Yahoo {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []httpx.Option{
		httpx.WithTimeout(cfg.Timeout),
		httpx.WithRequestsPerMinute(cfg.RequestsPerMinute),
		httpx.WithHeader("User-Agent", "Mozilla/5.0"),
		httpx.WithLogger(logger),
	}
	y := &Yahoo{
		client:  httpx.New(Name, opts...),
		baseURL: baseURL,
		now:     time.Now,
		logger:  logger.Named(Name),
	}
	if cfg.BaseURL != "" {
		y.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return y
}

// NewWithBaseURL creates an adapter with a custom base URL (for testing)
func NewWithBaseURL(u string) *Yahoo {
	return New(source.Config{BaseURL: u}, nil)
}

func (y *Yahoo) Name() string {
	return Name
}

// Supports reports the markets and kinds Yahoo lists.
func (y *Yahoo) Supports(m core.Market, k core.Kind) bool {
	switch m {
	case core.MarketUS:
		return k != core.KindCrypto
	case core.MarketHK, core.MarketCN:
		return k == core.KindStock || k == core.KindETF || k == core.KindIndex
	case core.MarketWorld:
		return k == core.KindCrypto
	}
	return false
}

// Symbol converts a canonical id to the Yahoo ticker.
func Symbol(id core.CanonicalID) (string, error) {
	code := id.Code()
	switch id.Market() {
	case core.MarketUS:
		if id.Kind() == core.KindIndex {
			return "^" + code, nil
		}
		return strings.ReplaceAll(code, ".", "-"), nil
	case core.MarketHK:
		if id.Kind() == core.KindIndex {
			return "^" + code, nil
		}
		// Yahoo lists HK codes with four digits
		if len(code) == 5 && code[0] == '0' {
			code = code[1:]
		}
		return code + ".HK", nil
	case core.MarketCN:
		switch identity.CNExchange(code, id.Kind()) {
		case "SH":
			return code + ".SS", nil
		case "SZ":
			return code + ".SZ", nil
		case "BJ":
			return code + ".BJ", nil
		}
	case core.MarketWorld:
		return code + "-USD", nil
	}
	return "", core.Errorf(core.ErrNoAdapter, "yahoo: no ticker for %s", id)
}

// FXSymbol returns the Yahoo ticker of a currency pair.
func FXSymbol(from, to string) string {
	return strings.ToUpper(from) + strings.ToUpper(to) + "=X"
}

func (y *Yahoo) chartURL(sym, interval string, start, end time.Time) string {
	return fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&period1=%d&period2=%d&events=%s",
		y.baseURL, url.PathEscape(sym), interval, start.Unix(), end.Unix(), url.QueryEscape("div|split"))
}

// FetchDaily fetches unadjusted daily bars since the given date together
// with the split and dividend events of the window.
func (y *Yahoo) FetchDaily(ctx context.Context, id core.CanonicalID, since time.Time) (source.Payload, []core.Bar, error) {
	sym, err := Symbol(id)
	if err != nil {
		return source.Payload{}, nil, err
	}
	start, end := source.Window(y.now(), since, historyYears)
	p := y.envelope(id, core.Period1d, map[string]string{"symbol": sym})
	p, rec, err := y.fetch(ctx, y.chartURL(sym, "1d", start, end), p)
	return p, rec.Bars, err
}

// FetchIntraday fetches the recent bars of a minute period.
func (y *Yahoo) FetchIntraday(ctx context.Context, id core.CanonicalID, period core.Period) (source.Payload, []core.Bar, error) {
	if !period.IsMinute() {
		return source.Payload{}, nil, core.Errorf(core.ErrSourceBadData, "yahoo: %q is not an intraday period", period)
	}
	sym, err := Symbol(id)
	if err != nil {
		return source.Payload{}, nil, err
	}
	days := 60
	if period == core.Period1m {
		days = 7
	}
	end := y.now()
	p := y.envelope(id, period, map[string]string{"symbol": sym, "interval": string(period)})
	p, rec, err := y.fetch(ctx, y.chartURL(sym, intervalOf(period), end.AddDate(0, 0, -days), end), p)
	return p, rec.Bars, err
}

// FetchActions fetches split and dividend events since the given date.
func (y *Yahoo) FetchActions(ctx context.Context, id core.CanonicalID, since time.Time) (source.Payload, []core.Split, []core.Dividend, error) {
	sym, err := Symbol(id)
	if err != nil {
		return source.Payload{}, nil, nil, err
	}
	start, end := source.Window(y.now(), since, historyYears)
	p := y.envelope(id, core.PeriodActions, map[string]string{"symbol": sym})
	p, rec, err := y.fetch(ctx, y.chartURL(sym, "1d", start, end), p)
	return p, rec.Splits, rec.Dividends, err
}

// FetchHistory fetches daily FX closes of from→to.
func (y *Yahoo) FetchHistory(ctx context.Context, from, to string, start, end time.Time) (source.Payload, []core.FxRate, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	sym := FXSymbol(from, to)
	p := source.Payload{
		Source:  Name,
		Version: payloadVersion,
		Period:  core.PeriodFX,
		Market:  core.MarketWorld,
		Params:  map[string]string{"symbol": sym, "from": from, "to": to},
	}
	p, rec, err := y.fetch(ctx, y.chartURL(sym, "1d", start, end), p)
	return p, rec.Rates, err
}

// FetchReports fetches quarterly and annual reports from the
// fundamentals-timeseries endpoint.
func (y *Yahoo) FetchReports(ctx context.Context, id core.CanonicalID) (source.Payload, []core.Fundamental, error) {
	sym, err := Symbol(id)
	if err != nil {
		return source.Payload{}, nil, err
	}
	types := make([]string, 0, 2*len(fundamentalTypes))
	for _, t := range fundamentalTypes {
		types = append(types, "quarterly"+t, "annual"+t)
	}
	end := y.now()
	u := fmt.Sprintf("%s/ws/fundamentals-timeseries/v1/finance/timeseries/%s?symbol=%s&type=%s&period1=%d&period2=%d",
		y.baseURL, url.PathEscape(sym), url.QueryEscape(sym), strings.Join(types, ","),
		end.AddDate(-historyYears, 0, 0).Unix(), end.Unix())
	p := y.envelope(id, core.PeriodFundamentals, map[string]string{"symbol": sym})
	p, rec, err := y.fetch(ctx, u, p)
	return p, rec.Fundamentals, err
}

func (y *Yahoo) envelope(id core.CanonicalID, period core.Period, params map[string]string) source.Payload {
	return source.Payload{
		Source:  Name,
		Version: payloadVersion,
		Period:  period,
		AssetID: id,
		Market:  id.Market(),
		Params:  params,
	}
}

// fetch downloads u into p.Body and decodes it. The payload is returned
// with its body even when decoding fails so it can be retained.
func (y *Yahoo) fetch(ctx context.Context, u string, p source.Payload) (source.Payload, source.Records, error) {
	body, err := y.client.Get(ctx, u)
	if err != nil {
		return source.Payload{}, source.Records{}, err
	}
	p.Body = body
	rec, err := y.Decode(p)
	if err != nil {
		y.logger.Warn("undecodable response",
			zap.String("canonical_id", string(p.AssetID)),
			zap.String("period", string(p.Period)),
			zap.Error(err))
	}
	return p, rec, err
}

func intervalOf(p core.Period) string {
	switch p {
	case core.Period60m:
		return "60m"
	case core.Period1d:
		return "1d"
	}
	return string(p)
}
