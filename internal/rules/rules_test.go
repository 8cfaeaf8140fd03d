package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
valuation:
  min_history_points: 30
d_groups:
  D3: STRESSED
profiles:
  quiet:
    min_level: ALERT
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Valuation.MinHistoryPoints)
	assert.Equal(t, 10, cfg.Valuation.HistoryYears)
	assert.Equal(t, GroupStressed, cfg.Group(core.D3))
	assert.Equal(t, GroupStable, cfg.Group(core.D1))
	assert.Equal(t, LevelAlert, cfg.Profiles["quiet"].MinLevel)
	assert.Len(t, cfg.Valuation.Bands, 5)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, core.ErrConfigMissing)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quality:\n  weak_bad_count: 0\n"), 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestValidate_Bands(t *testing.T) {
	cfg := Default()
	cfg.Valuation.Bands = []Band{
		{Key: "LOW", Min: 0, Max: 40, Bucket: core.BucketCheap},
		{Key: "HIGH", Min: 50, Max: 100, Bucket: core.BucketExpensive},
	}
	assert.ErrorIs(t, cfg.Validate(), core.ErrConfigInvalid)

	cfg.Valuation.Bands[1].Min = 40
	assert.NoError(t, cfg.Validate())

	cfg.Risk.DThresholds = []float64{-5, -20, -12, -35}
	assert.ErrorIs(t, cfg.Validate(), core.ErrConfigInvalid)
}

func history(n int, start float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)
	}
	return out
}

func TestComputeValuationStatus(t *testing.T) {
	cfg := Default().Valuation

	tests := []struct {
		name    string
		pe      *float64
		history []float64
		status  string
		bucket  core.Bucket
		pct     float64
	}{
		{"no pe", nil, history(100, 1), core.StatusNoPE, core.BucketNeutral, -1},
		{"negative pe", core.Float64(-3), history(100, 1), core.StatusNoPE, core.BucketNeutral, -1},
		{"59 points", core.Float64(10), history(59, 1), core.StatusInsufficientHistory, core.BucketNeutral, -1},
		{"60 points", core.Float64(10), history(60, 1), "VERY_CHEAP", core.BucketCheap, 10.0 / 60 * 100},
		{"middle", core.Float64(50), history(100, 1), "FAIR", core.BucketNeutral, 50},
		{"top inclusive", core.Float64(1000), history(100, 1), "VERY_EXPENSIVE", core.BucketExpensive, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeValuationStatus(tt.pe, tt.history, cfg)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.bucket, got.Bucket)
			if tt.pct < 0 {
				assert.Nil(t, got.Percentile)
				return
			}
			require.NotNil(t, got.Percentile)
			assert.InDelta(t, tt.pct, *got.Percentile, 1e-9)
		})
	}
}

func TestPercentile(t *testing.T) {
	pct, ok := Percentile(3, []float64{1, 2, 3, 4})
	require.True(t, ok)
	assert.Equal(t, 75.0, pct)

	_, ok = Percentile(3, nil)
	assert.False(t, ok)
}

func quarters(eps ...float64) []EPSPoint {
	start := time.Date(2020, 3, 31, 0, 0, 0, 0, time.UTC)
	out := make([]EPSPoint, len(eps))
	for i, e := range eps {
		out[i] = EPSPoint{Date: start.AddDate(0, 3*i, 0), EPS: e}
	}
	return out
}

func TestClassifyEarnings(t *testing.T) {
	cfg := Default().Earnings

	tests := []struct {
		name string
		eps  []float64
		want EarningsState
	}{
		{"too few points", []float64{1, 1, 1, 1, 1, 1, 1}, E0},
		{"loss", []float64{1, 1, 1, 1, 1, 1, 1, -0.2}, E5},
		{"deep decline", []float64{1, 1, 1, 1, 1, 1, 0.6, 0.5}, E5},
		{"mild decline", []float64{1, 1, 1, 1, 1, 1, 0.9, 0.85}, E4},
		{"recovery", []float64{1, 1, 1, 1, 1, 0.8, 1.1, 1.05}, E6},
		{"strong", []float64{1, 1, 1, 1, 1.1, 1.1, 1.3, 1.3}, E1},
		{"slowdown", []float64{1, 1, 1, 1, 1.1, 1.1, 1.3, 1.05}, E3},
		{"stable", []float64{1, 1, 1, 1, 1.05, 1.05, 1.05, 1.05}, E2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ClassifyEarnings(quarters(tt.eps...), cfg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestYoYGrowth_AlignsWithinTolerance(t *testing.T) {
	pts := []EPSPoint{
		{Date: time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC), EPS: 2},
		{Date: time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), EPS: 3},
		{Date: time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC), EPS: 1},
	}
	g := YoYGrowth(pts, 20)
	require.Len(t, g, 1)
	assert.Equal(t, 0.5, g[0].Value)
}

func TestSelectBehavior(t *testing.T) {
	cfg := Default()

	d := SelectBehavior(BehaviorInput{
		DState: core.D4, Quadrant: core.Q3, Bucket: core.BucketCheap,
		ValuationStatus: "CHEAP", Quality: core.QualityStrong,
	}, cfg)
	assert.Equal(t, "ACCUMULATE_CAUTIOUSLY", d.Action.Code)
	assert.Equal(t, GroupStressed, d.Group)

	weak := SelectBehavior(BehaviorInput{
		DState: core.D5, Quadrant: core.Q3, Bucket: core.BucketCheap, Quality: core.QualityWeak,
	}, cfg)
	assert.Equal(t, "AVOID", weak.Action.Code, "higher priority wins")

	noPE := SelectBehavior(BehaviorInput{
		DState: core.D4, Quadrant: core.Q3, Bucket: core.BucketCheap,
		ValuationStatus: core.StatusNoPE, Quality: core.QualityStrong,
	}, cfg)
	assert.Equal(t, core.BucketNeutral, noPE.Bucket)
	assert.Equal(t, Fallback, noPE.Action)

	short := SelectBehavior(BehaviorInput{
		DState: core.D3, Quadrant: core.Q2, Bucket: core.BucketExpensive,
		ValuationStatus: core.StatusInsufficientHistory, Quality: core.QualityModerate,
	}, cfg)
	assert.Equal(t, core.BucketNeutral, short.Bucket)
	assert.Equal(t, "HOLD", short.Action.Code)
}

func TestSelectBehavior_EqualPriorityKeepsOrder(t *testing.T) {
	cfg := Default()
	cfg.Behavior = []BehaviorRule{
		{Name: "first", Priority: 1, Action: Action{Code: "A"}},
		{Name: "second", Priority: 1, Action: Action{Code: "B"}},
	}
	assert.Equal(t, "first", SelectBehavior(BehaviorInput{DState: core.D1}, cfg).Rule)
}

func TestInteractionFlags(t *testing.T) {
	cfg := Default()

	flags := InteractionFlags(FlagInput{DState: core.D4, Quality: core.QualityStrong, Bucket: core.BucketCheap}, cfg.Flags)
	require.Len(t, flags, 1)
	assert.Equal(t, FlagQualityRiskInfo, flags[0].Code)
	assert.Equal(t, LevelInfo, flags[0].Level)

	flags = InteractionFlags(FlagInput{
		DState:       core.D5,
		Quality:      core.QualityWeak,
		Bucket:       core.BucketCheap,
		Earnings:     E5,
		MarketDState: core.D4,
		SectorRS:     core.Float64(0.9),
	}, cfg.Flags)
	codes := make([]string, len(flags))
	for i, f := range flags {
		codes[i] = f.Code
	}
	assert.Equal(t, []string{FlagDeepDrawdownWeakQuality, FlagSectorDrag, FlagMarketStress, FlagValueTrap}, codes)

	bubble := InteractionFlags(FlagInput{
		DState: core.D1, Quality: core.QualityWeak, Bucket: core.BucketExpensive, Percentile: core.Float64(92),
	}, cfg.Flags)
	require.Len(t, bubble, 1)
	assert.Equal(t, FlagBubbleRisk, bubble[0].Code)
}

func TestFilterByProfile(t *testing.T) {
	cfg := Default()
	flags := []Flag{
		{Code: "a", Dimension: DimRisk, Level: LevelInfo},
		{Code: "b", Dimension: DimMarket, Level: LevelWarn},
		{Code: "c", Dimension: DimMarket, Level: LevelAlert},
		{Code: "d", Dimension: DimRisk, Level: LevelAlert},
	}
	assert.Len(t, cfg.Filter(flags, "conservative"), 4)
	assert.Len(t, cfg.Filter(flags, "balanced"), 3)

	aggressive := cfg.Filter(flags, "aggressive")
	require.Len(t, aggressive, 1)
	assert.Equal(t, "d", aggressive[0].Code)

	assert.Len(t, cfg.Filter(flags, "unknown"), 4)
}

func TestScoreDividend(t *testing.T) {
	cfg := Default().Dividend

	tests := []struct {
		name string
		in   DividendInput
		want string
	}{
		{"non payer", DividendInput{}, DividendNone},
		{"safe", DividendInput{PaysDividend: true, PayoutRatio: core.Float64(0.4), Coverage: core.Float64(2), YearsPaid: 10}, DividendSafe},
		{"stretched", DividendInput{PaysDividend: true, PayoutRatio: core.Float64(0.8), Coverage: core.Float64(1.2), YearsPaid: 3}, DividendWatch},
		{"losses", DividendInput{PaysDividend: true, EPS: core.Float64(-1), Coverage: core.Float64(0.5), YearsPaid: 1}, DividendAtRisk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreDividend(tt.in, cfg).Level)
		})
	}
}
