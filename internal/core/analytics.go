package core

import (
	"fmt"
	"time"
)

// DState is the ordinal drawdown state, D1 healthy through D5 fragile.
type DState string

const (
	D1 DState = "D1"
	D2 DState = "D2"
	D3 DState = "D3"
	D4 DState = "D4"
	D5 DState = "D5"
)

// Level returns 1..5, or 0 for an unknown state.
func (d DState) Level() int {
	switch d {
	case D1:
		return 1
	case D2:
		return 2
	case D3:
		return 3
	case D4:
		return 4
	case D5:
		return 5
	}
	return 0
}

// DStateFromLevel clamps level into 1..5.
func DStateFromLevel(level int) DState {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return DState(fmt.Sprintf("D%d", level))
}

// IndexLabel maps D_i to the I_i label used for indices.
func (d DState) IndexLabel() string {
	if d.Level() == 0 {
		return ""
	}
	return fmt.Sprintf("I%d", d.Level())
}

// DStateFromIndexLabel maps I_i back to D_i.
func DStateFromIndexLabel(label string) (DState, bool) {
	var n int
	if _, err := fmt.Sscanf(label, "I%d", &n); err != nil || n < 1 || n > 5 {
		return "", false
	}
	return DStateFromLevel(n), true
}

// PathRisk grades how dangerous the recent price path is.
type PathRisk string

const (
	PathLow  PathRisk = "LOW"
	PathMed  PathRisk = "MED"
	PathHigh PathRisk = "HIGH"
)

// QualityLevel is the quality-buffer bucket.
type QualityLevel string

const (
	QualityStrong   QualityLevel = "STRONG"
	QualityModerate QualityLevel = "MODERATE"
	QualityWeak     QualityLevel = "WEAK"
)

// Bucket is the coarse valuation bucket.
type Bucket string

const (
	BucketCheap     Bucket = "CHEAP"
	BucketNeutral   Bucket = "NEUTRAL"
	BucketExpensive Bucket = "EXPENSIVE"
)

// Special valuation statuses; any other status is a band key.
const (
	StatusNoPE                = "NO_PE"
	StatusInsufficientHistory = "INSUFFICIENT_HISTORY"
)

// Quadrant is the (trend, momentum) 2x2 cell.
type Quadrant string

const (
	Q1 Quadrant = "Q1" // uptrend, positive momentum
	Q2 Quadrant = "Q2" // uptrend, negative momentum
	Q3 Quadrant = "Q3" // downtrend, negative momentum
	Q4 Quadrant = "Q4" // downtrend, positive momentum
)

// ValuationSnapshot is a persisted valuation result.
type ValuationSnapshot struct {
	ID            CanonicalID
	AsOf          time.Time
	Close         float64
	EPSTTM        *float64
	PE            *float64
	PB            *float64
	DividendYield *float64
	Percentile    *float64
	Status        string
	Bucket        Bucket
	TTMMethod     string
	Currency      string
	FXMissing     bool
	CreatedAt     time.Time
}

// RiskSnapshot is the immutable parent row of one risk run.
type RiskSnapshot struct {
	UUID             string
	ID               CanonicalID
	AsOf             time.Time
	DState           DState
	PathRisk         PathRisk
	DrawdownPct      float64
	MaxDrawdownPct   float64
	RecoveryProgress float64
	Volatility       float64
	Quadrant         Quadrant
	QualityBuffer    QualityLevel
	CreatedAt        time.Time

	Market *MarketOverlay
	Sector *SectorOverlay
}

// MarketOverlay is the market child row of a risk snapshot.
type MarketOverlay struct {
	IndexID       CanonicalID
	DState        DState
	PathRisk      PathRisk
	DrawdownPct   float64
	PositionPct   *float64
	Amplification *float64
}

// SectorOverlay is the sector child row of a risk snapshot.
type SectorOverlay struct {
	Scheme        string
	SectorCode    string
	ProxyETF      CanonicalID
	DState        DState
	DrawdownPct   float64
	PositionPct   *float64
	RSVsMarket    *float64
	StockVsSector *float64
}

// MarketRisk is the cached risk state of a market index on a date.
type MarketRisk struct {
	IndexID          CanonicalID
	AsOf             time.Time
	DState           DState
	PathRisk         PathRisk
	DrawdownPct      float64
	MaxDrawdownPct   float64
	RecoveryProgress float64
	Volatility       float64
	PositionPct      *float64
	CreatedAt        time.Time
}
