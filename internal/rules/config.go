// Package rules holds the static decision tables: valuation bands, risk and
// quality thresholds, earnings states, behavior rules, interaction flags,
// dividend safety scoring and display profiles.
package rules

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/newthinker/quantbase/internal/core"
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Valuation ValuationConfig    `mapstructure:"valuation" validate:"required"`
	Risk      RiskConfig         `mapstructure:"risk" validate:"required"`
	Quadrant  QuadrantConfig     `mapstructure:"quadrant" validate:"required"`
	Quality   QualityConfig      `mapstructure:"quality" validate:"required"`
	Earnings  EarningsConfig     `mapstructure:"earnings" validate:"required"`
	DGroups   map[string]string  `mapstructure:"d_groups" validate:"required,len=5,dive,keys,oneof=D1 D2 D3 D4 D5,endkeys,oneof=STABLE PULLBACK STRESSED"`
	Behavior  []BehaviorRule     `mapstructure:"behavior" validate:"dive"`
	Flags     FlagConfig         `mapstructure:"flags" validate:"required"`
	Dividend  DividendConfig     `mapstructure:"dividend" validate:"required"`
	Profiles  map[string]Profile `mapstructure:"profiles" validate:"dive"`
}

// Band maps a percentile range onto a bucket. Ranges are [Min, Max) except
// the top band, which includes 100.
type Band struct {
	Key    string      `mapstructure:"key" validate:"required"`
	Min    float64     `mapstructure:"min" validate:"gte=0,lte=100"`
	Max    float64     `mapstructure:"max" validate:"gte=0,lte=100,gtfield=Min"`
	Bucket core.Bucket `mapstructure:"bucket" validate:"oneof=CHEAP NEUTRAL EXPENSIVE"`
}

// ValuationConfig configures the PE percentile bands.
type ValuationConfig struct {
	MinHistoryPoints int    `mapstructure:"min_history_points" validate:"gte=1"`
	HistoryYears     int    `mapstructure:"history_years" validate:"gte=1,lte=30"`
	Bands            []Band `mapstructure:"bands" validate:"required,min=1,dive"`
}

// RiskConfig configures drawdown states, path risk and overlays.
type RiskConfig struct {
	// DThresholds are the drawdown percentages (negative, descending) at
	// which D2, D3, D4 and D5 begin.
	DThresholds   []float64         `mapstructure:"d_thresholds" validate:"len=4,dive,lte=0"`
	Path          PathRiskConfig    `mapstructure:"path" validate:"required"`
	LookbackYears int               `mapstructure:"lookback_years" validate:"gte=1"`
	PositionYears int               `mapstructure:"position_years" validate:"gte=1"`
	BetaWindow    int               `mapstructure:"beta_window" validate:"gte=20"`
	RSWindow      int               `mapstructure:"rs_window" validate:"gte=5"`
	MarketIndexes map[string]string `mapstructure:"market_indexes"`
	SectorScheme  string            `mapstructure:"sector_scheme"`
}

// PathRiskConfig weighs drawdown depth, annualized volatility and recent
// velocity into a score in [0, 1].
type PathRiskConfig struct {
	DepthCap       float64 `mapstructure:"depth_cap" validate:"gt=0"`
	VolCap         float64 `mapstructure:"vol_cap" validate:"gt=0"`
	VelocityCap    float64 `mapstructure:"velocity_cap" validate:"gt=0"`
	VolWindow      int     `mapstructure:"vol_window" validate:"gte=5"`
	VelocityWindow int     `mapstructure:"velocity_window" validate:"gte=2"`
	DepthWeight    float64 `mapstructure:"depth_weight" validate:"gte=0"`
	VolWeight      float64 `mapstructure:"vol_weight" validate:"gte=0"`
	VelocityWeight float64 `mapstructure:"velocity_weight" validate:"gte=0"`
	LowMax         float64 `mapstructure:"low_max" validate:"gt=0,lt=1"`
	MedMax         float64 `mapstructure:"med_max" validate:"gtfield=LowMax,lte=1"`
}

// QuadrantConfig sets the trend and momentum windows.
type QuadrantConfig struct {
	TrendSMA       int `mapstructure:"trend_sma" validate:"gte=2"`
	MomentumWindow int `mapstructure:"momentum_window" validate:"gte=2"`
}

// QualityConfig buckets the summed quality flag scores.
type QualityConfig struct {
	StrongMin    int `mapstructure:"strong_min"`
	WeakMax      int `mapstructure:"weak_max" validate:"ltfield=StrongMin"`
	WeakBadCount int `mapstructure:"weak_bad_count" validate:"gte=1"`
}

// EarningsConfig holds the YoY growth thresholds of the earnings states.
type EarningsConfig struct {
	StrongGrowth float64 `mapstructure:"strong_growth" validate:"gt=0"`
	SlowdownMax  float64 `mapstructure:"slowdown_max" validate:"gt=0,ltfield=StrongGrowth"`
	MildDecline  float64 `mapstructure:"mild_decline" validate:"lt=0"`
	DeepDecline  float64 `mapstructure:"deep_decline" validate:"ltfield=MildDecline"`
	Consecutive  int     `mapstructure:"consecutive" validate:"gte=1"`
	MinPoints    int     `mapstructure:"min_points" validate:"gte=1"`
	AlignDays    int     `mapstructure:"align_days" validate:"gte=1,lte=60"`
}

// Predicate matches behavior inputs. Empty lists match anything.
type Predicate struct {
	DGroups   []string            `mapstructure:"d_groups" validate:"dive,oneof=STABLE PULLBACK STRESSED"`
	Quadrants []core.Quadrant     `mapstructure:"quadrants" validate:"dive,oneof=Q1 Q2 Q3 Q4"`
	Valuation []core.Bucket       `mapstructure:"valuation" validate:"dive,oneof=CHEAP NEUTRAL EXPENSIVE"`
	Quality   []core.QualityLevel `mapstructure:"quality" validate:"dive,oneof=STRONG MODERATE WEAK"`
}

// Action is what a behavior rule emits.
type Action struct {
	Code  string `mapstructure:"code" json:"code" validate:"required"`
	Label string `mapstructure:"label" json:"label"`
	Note  string `mapstructure:"note" json:"note,omitempty"`
}

// BehaviorRule is one prioritized behavior table row.
type BehaviorRule struct {
	Name     string    `mapstructure:"name" validate:"required"`
	Priority int       `mapstructure:"priority"`
	When     Predicate `mapstructure:"when"`
	Action   Action    `mapstructure:"action"`
}

// FlagConfig holds interaction flag thresholds.
type FlagConfig struct {
	DeepDrawdown      core.DState `mapstructure:"deep_drawdown" validate:"oneof=D1 D2 D3 D4 D5"`
	QualityRiskFrom   core.DState `mapstructure:"quality_risk_from" validate:"oneof=D1 D2 D3 D4 D5"`
	BubblePercentile  float64     `mapstructure:"bubble_percentile" validate:"gte=0,lte=100"`
	SectorDragRS      float64     `mapstructure:"sector_drag_rs" validate:"gt=0"`
	MarketStress      core.DState `mapstructure:"market_stress" validate:"oneof=D1 D2 D3 D4 D5"`
	ValueTrapEarnings []string    `mapstructure:"value_trap_earnings" validate:"dive,oneof=E0 E1 E2 E3 E4 E5 E6"`
}

// DividendConfig scores dividend safety.
type DividendConfig struct {
	SafePayout   float64 `mapstructure:"safe_payout" validate:"gt=0"`
	WatchPayout  float64 `mapstructure:"watch_payout" validate:"gtfield=SafePayout"`
	MinCoverage  float64 `mapstructure:"min_coverage" validate:"gt=0"`
	MinYearsPaid int     `mapstructure:"min_years_paid" validate:"gte=1"`
	SafeScore    int     `mapstructure:"safe_score"`
	WatchScore   int     `mapstructure:"watch_score" validate:"ltfield=SafeScore"`
}

// Profile filters flags for display.
type Profile struct {
	MinLevel   Level    `mapstructure:"min_level" validate:"oneof=INFO WARN ALERT"`
	Dimensions []string `mapstructure:"dimensions"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Valuation: ValuationConfig{
			MinHistoryPoints: 60,
			HistoryYears:     10,
			Bands: []Band{
				{Key: "VERY_CHEAP", Min: 0, Max: 20, Bucket: core.BucketCheap},
				{Key: "CHEAP", Min: 20, Max: 40, Bucket: core.BucketCheap},
				{Key: "FAIR", Min: 40, Max: 60, Bucket: core.BucketNeutral},
				{Key: "EXPENSIVE", Min: 60, Max: 80, Bucket: core.BucketExpensive},
				{Key: "VERY_EXPENSIVE", Min: 80, Max: 100, Bucket: core.BucketExpensive},
			},
		},
		Risk: RiskConfig{
			DThresholds: []float64{-5, -12, -20, -35},
			Path: PathRiskConfig{
				DepthCap:       35,
				VolCap:         0.6,
				VelocityCap:    0.2,
				VolWindow:      63,
				VelocityWindow: 21,
				DepthWeight:    0.4,
				VolWeight:      0.3,
				VelocityWeight: 0.3,
				LowMax:         0.33,
				MedMax:         0.66,
			},
			LookbackYears: 3,
			PositionYears: 10,
			BetaWindow:    252,
			RSWindow:      63,
			MarketIndexes: map[string]string{
				"US": "US:INDEX:SPX",
				"HK": "HK:INDEX:HSI",
				"CN": "CN:INDEX:000300",
			},
			SectorScheme: "GICS",
		},
		Quadrant: QuadrantConfig{TrendSMA: 200, MomentumWindow: 63},
		Quality:  QualityConfig{StrongMin: 4, WeakMax: -1, WeakBadCount: 3},
		Earnings: EarningsConfig{
			StrongGrowth: 0.20,
			SlowdownMax:  0.10,
			MildDecline:  -0.05,
			DeepDecline:  -0.30,
			Consecutive:  2,
			MinPoints:    4,
			AlignDays:    20,
		},
		DGroups: map[string]string{
			"D1": GroupStable, "D2": GroupStable,
			"D3": GroupPullback,
			"D4": GroupStressed, "D5": GroupStressed,
		},
		Behavior: defaultBehavior(),
		Flags: FlagConfig{
			DeepDrawdown:      core.D4,
			QualityRiskFrom:   core.D3,
			BubblePercentile:  80,
			SectorDragRS:      0.95,
			MarketStress:      core.D4,
			ValueTrapEarnings: []string{string(E4), string(E5)},
		},
		Dividend: DividendConfig{
			SafePayout:   0.6,
			WatchPayout:  0.9,
			MinCoverage:  1.5,
			MinYearsPaid: 5,
			SafeScore:    2,
			WatchScore:   0,
		},
		Profiles: map[string]Profile{
			"conservative": {MinLevel: LevelInfo},
			"balanced":     {MinLevel: LevelWarn},
			"aggressive":   {MinLevel: LevelAlert, Dimensions: []string{DimRisk, DimEarnings}},
		},
	}
}

func defaultBehavior() []BehaviorRule {
	return []BehaviorRule{
		{Name: "stressed-weak", Priority: 100,
			When:   Predicate{DGroups: []string{GroupStressed}, Quality: []core.QualityLevel{core.QualityWeak}},
			Action: Action{Code: "AVOID", Label: "Avoid", Note: "deep drawdown without a quality buffer"}},
		{Name: "stressed-cheap-strong", Priority: 90,
			When:   Predicate{DGroups: []string{GroupStressed}, Valuation: []core.Bucket{core.BucketCheap}, Quality: []core.QualityLevel{core.QualityStrong}},
			Action: Action{Code: "ACCUMULATE_CAUTIOUSLY", Label: "Accumulate cautiously", Note: "stage entries, the trend is still down"}},
		{Name: "stressed-expensive", Priority: 80,
			When:   Predicate{DGroups: []string{GroupStressed}, Valuation: []core.Bucket{core.BucketExpensive}},
			Action: Action{Code: "REDUCE", Label: "Reduce", Note: "falling and still expensive"}},
		{Name: "pullback-cheap-quality", Priority: 70,
			When: Predicate{DGroups: []string{GroupPullback}, Valuation: []core.Bucket{core.BucketCheap},
				Quality: []core.QualityLevel{core.QualityStrong, core.QualityModerate}, Quadrants: []core.Quadrant{core.Q1, core.Q4}},
			Action: Action{Code: "ACCUMULATE", Label: "Accumulate"}},
		{Name: "stable-expensive-fading", Priority: 60,
			When:   Predicate{DGroups: []string{GroupStable}, Valuation: []core.Bucket{core.BucketExpensive}, Quadrants: []core.Quadrant{core.Q2}},
			Action: Action{Code: "TRIM", Label: "Trim", Note: "momentum fading at a rich valuation"}},
		{Name: "stable-uptrend", Priority: 50,
			When:   Predicate{DGroups: []string{GroupStable}, Quadrants: []core.Quadrant{core.Q1}, Valuation: []core.Bucket{core.BucketCheap, core.BucketNeutral}},
			Action: Action{Code: "HOLD", Label: "Hold"}},
		{Name: "pullback-neutral", Priority: 40,
			When:   Predicate{DGroups: []string{GroupPullback}, Valuation: []core.Bucket{core.BucketNeutral}},
			Action: Action{Code: "HOLD", Label: "Hold", Note: "wait for a better price"}},
	}
}

// Load reads a rules file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("rules file: %w", err))
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("reading rules: %w", err))
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("parsing rules: %w", err))
	}
	// viper lowercases map keys; the file's entries win over the defaults
	cfg.DGroups = upperKeys(cfg.DGroups)
	cfg.Risk.MarketIndexes = upperKeys(cfg.Risk.MarketIndexes)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the valuation bands tile
// [0, 100] without gaps or overlaps.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return core.Errorf(core.ErrConfigInvalid, "rules: %s", strings.Join(msgs, "; "))
		}
		return core.WrapError(core.ErrConfigInvalid, err)
	}

	bands := append([]Band(nil), c.Valuation.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })
	if bands[0].Min != 0 || bands[len(bands)-1].Max != 100 {
		return core.Errorf(core.ErrConfigInvalid, "valuation bands must span 0..100")
	}
	for i := 1; i < len(bands); i++ {
		if bands[i].Min != bands[i-1].Max {
			return core.Errorf(core.ErrConfigInvalid, "valuation bands %s and %s are not contiguous", bands[i-1].Key, bands[i].Key)
		}
	}

	th := c.Risk.DThresholds
	for i := 1; i < len(th); i++ {
		if th[i] >= th[i-1] {
			return core.Errorf(core.ErrConfigInvalid, "risk d_thresholds must be strictly descending")
		}
	}
	return nil
}

func upperKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k == strings.ToUpper(k) {
			out[k] = v
		}
	}
	for k, v := range m {
		if k != strings.ToUpper(k) {
			out[strings.ToUpper(k)] = v
		}
	}
	return out
}

// Group returns the configured D-state group of d.
func (c *Config) Group(d core.DState) string {
	return c.DGroups[string(d)]
}
