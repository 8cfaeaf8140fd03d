package yahoo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/series"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

// Yahoo API response types
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *apiError     `json:"error"`
	} `json:"chart"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Meta       chartMeta   `json:"meta"`
	Timestamp  []int64     `json:"timestamp"`
	Events     chartEvents `json:"events"`
	Indicators indicators  `json:"indicators"`
}

type chartMeta struct {
	Symbol               string  `json:"symbol"`
	Currency             string  `json:"currency"`
	ExchangeTimezoneName string  `json:"exchangeTimezoneName"`
	RegularMarketPrice   float64 `json:"regularMarketPrice"`
}

type chartEvents struct {
	Dividends map[string]struct {
		Amount float64 `json:"amount"`
		Date   int64   `json:"date"`
	} `json:"dividends"`
	Splits map[string]struct {
		Date        int64   `json:"date"`
		Numerator   float64 `json:"numerator"`
		Denominator float64 `json:"denominator"`
	} `json:"splits"`
}

type indicators struct {
	Quote []quoteIndicator `json:"quote"`
}

type quoteIndicator struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*float64 `json:"volume"`
}

type timeseriesResponse struct {
	Timeseries struct {
		Result []map[string]json.RawMessage `json:"result"`
		Error  *apiError                    `json:"error"`
	} `json:"timeseries"`
}

type timeseriesMeta struct {
	Type []string `json:"type"`
}

type timeseriesPoint struct {
	AsOfDate      string `json:"asOfDate"`
	PeriodType    string `json:"periodType"`
	CurrencyCode  string `json:"currencyCode"`
	ReportedValue struct {
		Raw float64 `json:"raw"`
	} `json:"reportedValue"`
}

// Decode turns a Yahoo payload into records.
func (y *Yahoo) Decode(p source.Payload) (source.Records, error) {
	return Decode(p)
}

// Decode is the stateless decoder of Yahoo payloads.
func Decode(p source.Payload) (source.Records, error) {
	if p.Version != payloadVersion {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "yahoo: unsupported payload version %d", p.Version)
	}
	if p.Period == core.PeriodFundamentals {
		return decodeTimeseries(p)
	}
	r, err := decodeChart(p.Body)
	if err != nil {
		return source.Records{}, err
	}

	switch {
	case p.Period == core.PeriodFX:
		rates := decodeRates(r, p.Param("from"), p.Param("to"))
		if len(rates) == 0 {
			return source.Records{}, core.Errorf(core.ErrNoData, "yahoo: no rates for %s", p.Param("symbol"))
		}
		return source.Records{Rates: rates}, nil
	case p.Period == core.PeriodActions:
		splits, divs := decodeEvents(r, p.AssetID)
		return source.Records{Splits: splits, Dividends: divs}, nil
	case p.Period.IsBar():
		splits, divs := decodeEvents(r, p.AssetID)
		bars, err := decodeBars(r, p.AssetID, p.Market, p.Period, splits)
		if err != nil {
			return source.Records{}, err
		}
		if len(bars) == 0 {
			return source.Records{}, core.Errorf(core.ErrNoData, "yahoo: no bars for %s", p.AssetID)
		}
		rec := source.Records{Bars: bars}
		if p.Period == core.Period1d {
			rec.Splits, rec.Dividends = splits, divs
		}
		return rec, nil
	}
	return source.Records{}, core.Errorf(core.ErrSourceBadData, "yahoo: unknown period %q", p.Period)
}

func decodeChart(body []byte) (chartResult, error) {
	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return chartResult{}, httpx.BadData(Name, fmt.Errorf("decoding chart: %w", err))
	}
	if resp.Chart.Error != nil {
		return chartResult{}, core.Errorf(core.ErrSourceBadData, "yahoo: %s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return chartResult{}, core.Errorf(core.ErrNoData, "yahoo: empty chart")
	}
	return resp.Chart.Result[0], nil
}

func zoneOf(meta chartMeta) *time.Location {
	if meta.ExchangeTimezoneName != "" {
		if loc, err := time.LoadLocation(meta.ExchangeTimezoneName); err == nil {
			return loc
		}
	}
	return time.UTC
}

// decodeEvents extracts splits and dividends, oldest first. Dividend
// amounts are restated to the unadjusted share count.
func decodeEvents(r chartResult, id core.CanonicalID) ([]core.Split, []core.Dividend) {
	loc := zoneOf(r.Meta)
	var splits []core.Split
	for _, s := range r.Events.Splits {
		if s.Numerator <= 0 || s.Denominator <= 0 {
			continue
		}
		splits = append(splits, core.Split{
			ID:            id,
			EffectiveDate: dateIn(s.Date, loc),
			Factor:        s.Numerator / s.Denominator,
			Source:        Name,
		})
	}
	sort.Slice(splits, func(i, j int) bool { return splits[i].EffectiveDate.Before(splits[j].EffectiveDate) })

	var divs []core.Dividend
	for _, d := range r.Events.Dividends {
		if d.Amount <= 0 {
			continue
		}
		day := dateIn(d.Date, loc)
		divs = append(divs, core.Dividend{
			ID:       id,
			ExDate:   day,
			Cash:     d.Amount * series.SplitFactor(day, splits),
			Currency: r.Meta.Currency,
			Source:   Name,
		})
	}
	sort.Slice(divs, func(i, j int) bool { return divs[i].ExDate.Before(divs[j].ExDate) })
	return splits, divs
}

// decodeBars converts the quote arrays. Yahoo restates history for splits;
// prices are multiplied back by the factors of later splits so the stored
// series is unadjusted.
func decodeBars(r chartResult, id core.CanonicalID, m core.Market, period core.Period, splits []core.Split) ([]core.Bar, error) {
	if len(r.Indicators.Quote) == 0 {
		return nil, nil
	}
	q := r.Indicators.Quote[0]
	n := len(r.Timestamp)
	if len(q.Open) < n || len(q.High) < n || len(q.Low) < n || len(q.Close) < n {
		return nil, core.Errorf(core.ErrSourceBadData, "yahoo: quote arrays shorter than timestamps")
	}

	bars := make([]core.Bar, 0, n)
	for i, ts := range r.Timestamp {
		if q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil || q.Close[i] == nil {
			continue // Skip missing data
		}
		start := time.Unix(ts, 0)
		var stamp time.Time
		if period == core.Period1d {
			stamp = source.DailyStampInZone(m, start)
		} else {
			stamp = source.MinuteStamp(m, start, period)
		}
		f := series.SplitFactor(stamp, splits)
		b := core.Bar{
			ID:     id,
			Market: m,
			Period: period,
			Time:   stamp,
			Open:   *q.Open[i] * f,
			High:   *q.High[i] * f,
			Low:    *q.Low[i] * f,
			Close:  *q.Close[i] * f,
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			b.Volume = *q.Volume[i] / f
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func decodeRates(r chartResult, from, to string) []core.FxRate {
	loc := zoneOf(r.Meta)
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]
	byDate := make(map[string]core.FxRate)
	for i, ts := range r.Timestamp {
		if i >= len(q.Close) || q.Close[i] == nil || *q.Close[i] <= 0 {
			continue
		}
		day := dateIn(ts, loc)
		byDate[day.Format(core.DateLayout)] = core.FxRate{Date: day, From: from, To: to, Rate: *q.Close[i], Source: Name}
	}
	rates := make([]core.FxRate, 0, len(byDate))
	for _, fx := range byDate {
		rates = append(rates, fx)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Date.Before(rates[j].Date) })
	return rates
}

// dateIn returns the calendar date of a unix instant in loc, as UTC midnight.
func dateIn(ts int64, loc *time.Location) time.Time {
	y, m, d := time.Unix(ts, 0).In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func decodeTimeseries(p source.Payload) (source.Records, error) {
	var resp timeseriesResponse
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding timeseries: %w", err))
	}
	if resp.Timeseries.Error != nil {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "yahoo: %s", resp.Timeseries.Error.Description)
	}

	type key struct {
		date  string
		rtype core.ReportType
	}
	reports := make(map[key]*core.Fundamental)
	for _, res := range resp.Timeseries.Result {
		var meta timeseriesMeta
		if err := json.Unmarshal(res["meta"], &meta); err != nil || len(meta.Type) == 0 {
			continue
		}
		typ := meta.Type[0]
		var rtype core.ReportType
		var field string
		switch {
		case strings.HasPrefix(typ, "quarterly"):
			rtype, field = core.ReportQuarterly, strings.TrimPrefix(typ, "quarterly")
		case strings.HasPrefix(typ, "annual"):
			rtype, field = core.ReportAnnual, strings.TrimPrefix(typ, "annual")
		default:
			continue
		}
		var points []*timeseriesPoint
		if raw, ok := res[typ]; ok {
			if err := json.Unmarshal(raw, &points); err != nil {
				return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding %s: %w", typ, err))
			}
		}
		for _, pt := range points {
			if pt == nil || pt.AsOfDate == "" || !source.Finite(pt.ReportedValue.Raw) {
				continue
			}
			asOf, err := time.Parse(core.DateLayout, pt.AsOfDate)
			if err != nil {
				continue
			}
			k := key{pt.AsOfDate, rtype}
			f, ok := reports[k]
			if !ok {
				f = &core.Fundamental{ID: p.AssetID, AsOf: asOf, ReportType: rtype, DataSource: Name}
				reports[k] = f
			}
			if pt.CurrencyCode != "" && field != "DilutedAverageShares" {
				f.Currency = pt.CurrencyCode
			}
			v := core.Float64(pt.ReportedValue.Raw)
			switch field {
			case "TotalRevenue":
				f.Revenue = v
			case "NetIncome":
				f.NetIncome = v
			case "OperatingCashFlow":
				f.OperatingCashflow = v
			case "DilutedAverageShares":
				f.SharesDiluted = v
			case "DilutedEPS":
				f.EPS = v
			case "StockholdersEquity":
				f.TotalEquity = v
			}
		}
	}
	if len(reports) == 0 {
		return source.Records{}, core.Errorf(core.ErrNoData, "yahoo: no reports for %s", p.AssetID)
	}

	out := make([]core.Fundamental, 0, len(reports))
	for _, f := range reports {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AsOf.Equal(out[j].AsOf) {
			return out[i].AsOf.Before(out[j].AsOf)
		}
		return out[i].ReportType < out[j].ReportType
	})
	return source.Records{Fundamentals: out}, nil
}
