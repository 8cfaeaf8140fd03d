// Package lixinger adapts the Lixinger open API for A-share financial
// statements. Statement values follow the A-share cumulative year-to-date
// convention.
package lixinger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

const (
	// Name is the source tag.
	Name = "lixinger"

	baseURL        = "https://open.lixinger.com/api"
	payloadVersion = 1
	historyYears   = 6
)

// statement metrics, cumulative ("t") values
var metrics = []string{
	"q.ps.toi.t",      // total operating income
	"q.ps.npatoopc.t", // net profit attributable to owners of the parent
	"q.ps.beps.t",     // basic EPS
	"q.cfs.ncffoa.t",  // net cash flow from operating activities
	"q.bs.tetoopc.t",  // equity attributable to owners of the parent
}

// Lixinger implements FundamentalsSource for CN stocks.
type Lixinger struct {
	apiKey  string
	client  *httpx.Client
	baseURL string
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Lixinger adapter. The API key is required for fetching.
func New(cfg source.Config, logger *zap.Logger) *Lixinger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lixinger{
		apiKey: cfg.APIKey,
		client: httpx.New(Name,
			httpx.WithTimeout(cfg.Timeout),
			httpx.WithRequestsPerMinute(cfg.RequestsPerMinute),
			httpx.WithLogger(logger)),
		baseURL: baseURL,
		now:     time.Now,
		logger:  logger.Named(Name),
	}
	if cfg.BaseURL != "" {
		l.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return l
}

// NewWithBaseURL creates an adapter with a custom base URL (for testing)
func NewWithBaseURL(u, apiKey string) *Lixinger {
	return New(source.Config{BaseURL: u, APIKey: apiKey}, nil)
}

func (l *Lixinger) Name() string { return Name }

// Supports reports CN stocks.
func (l *Lixinger) Supports(m core.Market, k core.Kind) bool {
	return m == core.MarketCN && k == core.KindStock
}

// HasAPIKey returns true if the adapter has an API key configured
func (l *Lixinger) HasAPIKey() bool {
	return l.apiKey != ""
}

type statementRequest struct {
	Token       string   `json:"token"`
	StockCodes  []string `json:"stockCodes"`
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	MetricsList []string `json:"metricsList"`
}

// body is the payload schema: the statement response plus the valuation
// rows used for report-date price and PE.
type body struct {
	Statements  json.RawMessage `json:"fs"`
	Fundamental json.RawMessage `json:"fundamental"`
}

// FetchReports fetches cumulative statements and report-date valuation.
func (l *Lixinger) FetchReports(ctx context.Context, id core.CanonicalID) (source.Payload, []core.Fundamental, error) {
	if !l.HasAPIKey() {
		return source.Payload{}, nil, core.Errorf(core.ErrConfigMissing, "lixinger: api_key is required")
	}
	if !l.Supports(id.Market(), id.Kind()) {
		return source.Payload{}, nil, core.Errorf(core.ErrNoAdapter, "lixinger: %s is not a CN stock", id)
	}
	code := id.Code()
	end := l.now()
	start := end.AddDate(-historyYears, 0, 0)

	fs, err := l.client.PostJSON(ctx, l.baseURL+"/cn/company/fs/non_financial", statementRequest{
		Token:       l.apiKey,
		StockCodes:  []string{code},
		StartDate:   start.Format(core.DateLayout),
		EndDate:     end.Format(core.DateLayout),
		MetricsList: metrics,
	})
	if err != nil {
		return source.Payload{}, nil, err
	}
	fund, err := l.client.PostJSON(ctx, l.baseURL+"/cn/company/fundamental/non_financial", statementRequest{
		Token:       l.apiKey,
		StockCodes:  []string{code},
		StartDate:   start.Format(core.DateLayout),
		EndDate:     end.Format(core.DateLayout),
		MetricsList: []string{"pe_ttm", "sp", "mc"},
	})
	if err != nil {
		return source.Payload{}, nil, err
	}

	raw, err := json.Marshal(body{Statements: asJSON(fs), Fundamental: asJSON(fund)})
	if err != nil {
		return source.Payload{}, nil, err
	}
	p := source.Payload{
		Source:  Name,
		Version: payloadVersion,
		Period:  core.PeriodFundamentals,
		AssetID: id,
		Market:  id.Market(),
		Params:  map[string]string{"code": code},
		Body:    raw,
	}
	rec, err := Decode(p)
	if err != nil {
		l.logger.Warn("undecodable response", zap.String("canonical_id", string(id)), zap.Error(err))
	}
	return p, rec.Fundamentals, err
}

func asJSON(b []byte) json.RawMessage {
	if !json.Valid(b) {
		quoted, _ := json.Marshal(string(b))
		return quoted
	}
	return b
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    []T    `json:"data"`
}

type metric struct {
	T *float64 `json:"t"`
}

type statementRow struct {
	Date       string `json:"date"`
	ReportType string `json:"reportType"`
	Currency   string `json:"currency"`
	Q          struct {
		PS struct {
			TOI      metric `json:"toi"`
			NPATOOPC metric `json:"npatoopc"`
			BEPS     metric `json:"beps"`
		} `json:"ps"`
		CFS struct {
			NCFFOA metric `json:"ncffoa"`
		} `json:"cfs"`
		BS struct {
			TETOOPC metric `json:"tetoopc"`
		} `json:"bs"`
	} `json:"q"`
}

type valuationRow struct {
	Date  string   `json:"date"`
	PETTM *float64 `json:"pe_ttm"`
	SP    *float64 `json:"sp"`
	MC    *float64 `json:"mc"`
}

// Decode turns a Lixinger payload into records.
func (l *Lixinger) Decode(p source.Payload) (source.Records, error) {
	return Decode(p)
}

// Decode is the stateless decoder of Lixinger payloads.
func Decode(p source.Payload) (source.Records, error) {
	if p.Version != payloadVersion || p.Period != core.PeriodFundamentals {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "lixinger: unsupported payload %d/%s", p.Version, p.Period)
	}
	var b body
	if err := json.Unmarshal(p.Body, &b); err != nil {
		return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding payload: %w", err))
	}
	var fs envelope[statementRow]
	if err := json.Unmarshal(b.Statements, &fs); err != nil {
		return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding statements: %w", err))
	}
	if fs.Code != 0 {
		return source.Records{}, core.Errorf(core.ErrSourceBadData, "lixinger: API error: %s", fs.Message)
	}
	var val envelope[valuationRow]
	if len(b.Fundamental) > 0 && string(b.Fundamental) != "null" {
		if err := json.Unmarshal(b.Fundamental, &val); err != nil {
			return source.Records{}, httpx.BadData(Name, fmt.Errorf("decoding fundamental: %w", err))
		}
	}

	vals := make([]valuationRow, 0, len(val.Data))
	for _, v := range val.Data {
		if len(v.Date) >= 10 {
			v.Date = v.Date[:10]
			vals = append(vals, v)
		}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].Date < vals[j].Date })

	out := make([]core.Fundamental, 0, len(fs.Data))
	for _, row := range fs.Data {
		if len(row.Date) < 10 {
			continue
		}
		asOf, err := time.Parse(core.DateLayout, row.Date[:10])
		if err != nil {
			return source.Records{}, core.Errorf(core.ErrSourceBadData, "lixinger: report date %q", row.Date)
		}
		rtype := core.ReportQuarterly
		if row.ReportType == "annual_report" {
			rtype = core.ReportAnnual
		}
		currency := row.Currency
		if currency == "" {
			currency = "CNY"
		}
		f := core.Fundamental{
			ID:                p.AssetID,
			AsOf:              asOf,
			ReportType:        rtype,
			Revenue:           row.Q.PS.TOI.T,
			NetIncome:         row.Q.PS.NPATOOPC.T,
			EPS:               row.Q.PS.BEPS.T,
			OperatingCashflow: row.Q.CFS.NCFFOA.T,
			TotalEquity:       row.Q.BS.TETOOPC.T,
			Currency:          currency,
			DataSource:        Name,
		}
		if v, ok := onOrBefore(vals, row.Date[:10]); ok {
			f.ReportPrice = v.SP
			f.ReportPE = v.PETTM
			if v.MC != nil && v.SP != nil && *v.SP > 0 {
				f.SharesDiluted = core.Float64(*v.MC / *v.SP)
			}
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return source.Records{}, core.Errorf(core.ErrNoData, "lixinger: no statements for %s", p.AssetID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOf.Before(out[j].AsOf) })
	return source.Records{Fundamentals: out}, nil
}

// onOrBefore returns the last valuation row dated on or before date.
func onOrBefore(rows []valuationRow, date string) (valuationRow, bool) {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Date > date })
	if i == 0 {
		return valuationRow{}, false
	}
	return rows[i-1], true
}
