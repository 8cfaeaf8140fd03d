package rules

import (
	"fmt"
	"slices"

	"github.com/newthinker/quantbase/internal/core"
)

// Level is a flag severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelAlert Level = "ALERT"
)

func (l Level) rank() int {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelAlert:
		return 3
	}
	return 0
}

// AtLeast reports whether l is as severe as other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// Flag dimensions.
const (
	DimRisk      = "risk"
	DimValuation = "valuation"
	DimEarnings  = "earnings"
	DimSector    = "sector"
	DimMarket    = "market"
)

// Flag codes.
const (
	FlagDeepDrawdownWeakQuality = "DEEP_DRAWDOWN_WEAK_QUALITY"
	FlagBubbleRisk              = "BUBBLE_RISK"
	FlagQualityRiskInfo         = "QUALITY_RISK_INFO"
	FlagSectorDrag              = "SECTOR_DRAG"
	FlagMarketStress            = "MARKET_STRESS"
	FlagValueTrap               = "VALUE_TRAP"
)

// Flag is a cross-dimension observation.
type Flag struct {
	Code      string `json:"code"`
	Dimension string `json:"dimension"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// FlagInput gathers the dimensions interaction flags look at. Nil overlays
// disable the flags that need them.
type FlagInput struct {
	DState        core.DState
	Quality       core.QualityLevel
	Bucket        core.Bucket
	Percentile    *float64
	Earnings      EarningsState
	MarketDState  core.DState
	SectorRS      *float64
	StockVsSector *float64
}

// InteractionFlags evaluates every flag rule against in, in a fixed order.
func InteractionFlags(in FlagInput, cfg FlagConfig) []Flag {
	var flags []Flag
	level := in.DState.Level()

	if level >= cfg.DeepDrawdown.Level() && in.Quality == core.QualityWeak {
		flags = append(flags, Flag{FlagDeepDrawdownWeakQuality, DimRisk, LevelAlert,
			fmt.Sprintf("%s drawdown with weak quality buffer", in.DState)})
	}
	if in.Bucket == core.BucketExpensive && in.Percentile != nil && *in.Percentile >= cfg.BubblePercentile &&
		in.Quality == core.QualityWeak {
		flags = append(flags, Flag{FlagBubbleRisk, DimValuation, LevelWarn,
			fmt.Sprintf("PE at the %.0fth percentile with weak quality", *in.Percentile)})
	}
	if level >= cfg.QualityRiskFrom.Level() && in.Quality == core.QualityStrong {
		flags = append(flags, Flag{FlagQualityRiskInfo, DimRisk, LevelInfo,
			fmt.Sprintf("%s drawdown, quality buffer strong", in.DState)})
	}
	if in.SectorRS != nil && *in.SectorRS < cfg.SectorDragRS && level >= core.D3.Level() {
		flags = append(flags, Flag{FlagSectorDrag, DimSector, LevelWarn,
			fmt.Sprintf("sector lagging the market (RS %.2f)", *in.SectorRS)})
	}
	if in.MarketDState != "" && in.MarketDState.Level() >= cfg.MarketStress.Level() {
		flags = append(flags, Flag{FlagMarketStress, DimMarket, LevelWarn,
			fmt.Sprintf("market index in %s", in.MarketDState.IndexLabel())})
	}
	if in.Bucket == core.BucketCheap && slices.Contains(cfg.ValueTrapEarnings, string(in.Earnings)) {
		flags = append(flags, Flag{FlagValueTrap, DimEarnings, LevelAlert,
			fmt.Sprintf("cheap while earnings are %s", in.Earnings)})
	}
	return flags
}

// Filter keeps the flags a profile displays. An unknown profile keeps all.
func (c *Config) Filter(flags []Flag, profile string) []Flag {
	p, ok := c.Profiles[profile]
	if !ok {
		return flags
	}
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		if !f.Level.AtLeast(p.MinLevel) {
			continue
		}
		if len(p.Dimensions) > 0 && !slices.Contains(p.Dimensions, f.Dimension) {
			continue
		}
		out = append(out, f)
	}
	return out
}
