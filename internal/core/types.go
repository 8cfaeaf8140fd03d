package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Market represents a trading market
type Market string

const (
	MarketUS    Market = "US"
	MarketHK    Market = "HK"
	MarketCN    Market = "CN"
	MarketWorld Market = "WORLD"
)

// Markets lists every supported market
var Markets = []Market{MarketUS, MarketHK, MarketCN, MarketWorld}

// Valid reports whether m is a known market
func (m Market) Valid() bool {
	for _, k := range Markets {
		if m == k {
			return true
		}
	}
	return false
}

// Currency returns the default trading currency of the market
func (m Market) Currency() string {
	switch m {
	case MarketHK:
		return "HKD"
	case MarketCN:
		return "CNY"
	default:
		return "USD"
	}
}

// Kind represents the type of financial asset
type Kind string

const (
	KindStock  Kind = "STOCK"
	KindETF    Kind = "ETF"
	KindIndex  Kind = "INDEX"
	KindCrypto Kind = "CRYPTO"
	KindTrust  Kind = "TRUST"
)

// Kinds lists every supported asset kind
var Kinds = []Kind{KindStock, KindETF, KindIndex, KindCrypto, KindTrust}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// CanonicalID is the MARKET:KIND:CODE identifier every entity is keyed by.
type CanonicalID string

var canonicalPattern = regexp.MustCompile(`^(?i)(US|HK|CN|WORLD):(STOCK|ETF|INDEX|CRYPTO|TRUST):([A-Za-z0-9.\-_^]{1,32})$`)

// NewCanonicalID builds an id from its parts. The code is used as given.
func NewCanonicalID(m Market, k Kind, code string) CanonicalID {
	return CanonicalID(fmt.Sprintf("%s:%s:%s", m, k, code))
}

// LooksCanonical reports whether s has the MARKET:KIND:CODE shape
func LooksCanonical(s string) bool {
	return canonicalPattern.MatchString(strings.TrimSpace(s))
}

// SplitCanonical splits s into its market, kind and raw code segment.
func SplitCanonical(s string) (Market, Kind, string, error) {
	m := canonicalPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", "", WrapError(ErrUnknownSymbol, fmt.Errorf("not a canonical id: %q", s))
	}
	return Market(strings.ToUpper(m[1])), Kind(strings.ToUpper(m[2])), m[3], nil
}

func (id CanonicalID) String() string { return string(id) }

func (id CanonicalID) parts() []string {
	return strings.SplitN(string(id), ":", 3)
}

// Market returns the market segment
func (id CanonicalID) Market() Market {
	p := id.parts()
	if len(p) != 3 {
		return ""
	}
	return Market(p[0])
}

// Kind returns the kind segment
func (id CanonicalID) Kind() Kind {
	p := id.parts()
	if len(p) != 3 {
		return ""
	}
	return Kind(p[1])
}

// Code returns the code segment
func (id CanonicalID) Code() string {
	p := id.parts()
	if len(p) != 3 {
		return ""
	}
	return p[2]
}

// Period is the granularity of a raw payload or bar.
type Period string

const (
	Period1d  Period = "1d"
	Period1m  Period = "1m"
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period30m Period = "30m"
	Period60m Period = "60m"

	// Non-bar payload periods
	PeriodFundamentals Period = "fundamentals"
	PeriodActions      Period = "actions"
	PeriodFX           Period = "fx"
)

// MinutePeriods lists the intraday periods a minute bar may carry
var MinutePeriods = []Period{Period1m, Period5m, Period15m, Period30m, Period60m}

// IsMinute reports whether p is an intraday bar period
func (p Period) IsMinute() bool {
	for _, m := range MinutePeriods {
		if p == m {
			return true
		}
	}
	return false
}

// IsBar reports whether payloads of this period carry bars
func (p Period) IsBar() bool {
	return p == Period1d || p.IsMinute()
}

// Duration returns the bar length for bar periods
func (p Period) Duration() time.Duration {
	switch p {
	case Period1m:
		return time.Minute
	case Period5m:
		return 5 * time.Minute
	case Period15m:
		return 15 * time.Minute
	case Period30m:
		return 30 * time.Minute
	case Period60m:
		return time.Hour
	case Period1d:
		return 24 * time.Hour
	}
	return 0
}

// Storage layouts
const (
	TimestampLayout = "2006-01-02 15:04:05"
	DateLayout      = "2006-01-02"
)

// Asset is a registered instrument
type Asset struct {
	ID        CanonicalID
	Market    Market
	Kind      Kind
	Code      string
	Name      string
	Currency  string
	ADRRatio  float64
	CreatedAt time.Time
}

// Alias is a symbol-map row
type Alias struct {
	ID        CanonicalID
	RawSymbol string
	Source    string
	Priority  int
	Active    bool
}

// Bar represents a daily or intraday OHLCV row. Time is market-local close time.
type Bar struct {
	ID        CanonicalID
	Market    Market
	Period    Period
	Time      time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  *float64
	PrevClose *float64
	Change    *float64
	PctChange *float64

	// Valuation fields, daily bars only
	PE            *float64
	PB            *float64
	PS            *float64
	DividendYield *float64
	EPS           *float64
	MarketCap     *float64

	UpdatedAt time.Time
}

// Snapshot is the latest live quote per asset
type Snapshot struct {
	ID        CanonicalID
	Market    Market
	Time      time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	PrevClose *float64
	Change    *float64
	PctChange *float64
	PE        *float64
	EPS       *float64
	MarketCap *float64
	Source    string
	UpdatedAt time.Time
}

// ReportType distinguishes quarterly from annual filings
type ReportType string

const (
	ReportQuarterly ReportType = "quarterly"
	ReportAnnual    ReportType = "annual"
)

// Fundamental is one financial report row. For cumulative sources (A-share
// convention) the flow fields hold year-to-date values; otherwise they hold the
// single period value (quarter or full year).
type Fundamental struct {
	ID                CanonicalID
	AsOf              time.Time
	ReportType        ReportType
	Revenue           *float64
	NetIncome         *float64
	OperatingCashflow *float64
	SharesDiluted     *float64
	EPS               *float64
	TotalEquity       *float64
	ReportPrice       *float64
	ReportPE          *float64
	Currency          string
	DataSource        string
}

// Split is a share split event; Factor is new shares per old share.
type Split struct {
	ID            CanonicalID
	EffectiveDate time.Time
	Factor        float64
	Source        string
}

// Dividend is a cash dividend per share
type Dividend struct {
	ID       CanonicalID
	ExDate   time.Time
	Cash     float64
	Currency string
	Source   string
}

// FxRate is units of To per unit of From on Date
type FxRate struct {
	Date   time.Time
	From   string
	To     string
	Rate   float64
	Source string
}

// Classification assigns an asset to a sector under a scheme
type Classification struct {
	ID           CanonicalID
	Scheme       string
	SectorCode   string
	SectorName   string
	IndustryName string
	AsOf         time.Time
	Active       bool
}

// SectorProxy maps a sector to its representative ETF and market index
type SectorProxy struct {
	Scheme      string
	SectorCode  string
	ProxyETF    CanonicalID
	MarketIndex CanonicalID
	Market      Market
}

// RawStatus tracks the ETL lifecycle of a raw payload
type RawStatus string

const (
	RawPending RawStatus = "pending"
	RawDone    RawStatus = "done"
	RawFailed  RawStatus = "failed"
)

// RawPayload is an append-only upstream record
type RawPayload struct {
	ID          int64
	Source      string
	AssetID     CanonicalID
	Market      Market
	Period      Period
	FetchTime   time.Time
	Payload     []byte
	Processed   bool
	Status      RawStatus
	Attempts    int
	LastError   string
	ProcessedAt *time.Time
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 {
	return &v
}

// Value dereferences p, returning 0 for nil
func Value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
