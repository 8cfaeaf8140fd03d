package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/rules"
)

// Quality flag values.
const (
	FlagGood    = "GOOD"
	FlagNeutral = "NEUTRAL"
	FlagBad     = "BAD"
)

// QualityFlags are the nine business-quality judgments of an asset. Each is
// GOOD, NEUTRAL or BAD, or a boolean for flags with a natural yes/no reading.
// For risk-type flags (cyclicality, leverage, dilution, regulatory
// dependence) "true" means the risk is present.
type QualityFlags struct {
	RevenueStability     string `json:"revenue_stability,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	Cyclicality          string `json:"cyclicality,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	MoatProxy            string `json:"moat_proxy,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	BalanceSheet         string `json:"balance_sheet,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	CashflowCoverage     string `json:"cashflow_coverage,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	Leverage             string `json:"leverage,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	PayoutConsistency    string `json:"payout_consistency,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	Dilution             string `json:"dilution,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
	RegulatoryDependence string `json:"regulatory_dependence,omitempty" validate:"omitempty,oneof=GOOD NEUTRAL BAD TRUE FALSE"`
}

type qualityFlag struct {
	field    func(*QualityFlags) *string
	riskType bool
}

var qualityFlags = map[string]qualityFlag{
	"revenue_stability":     {func(q *QualityFlags) *string { return &q.RevenueStability }, false},
	"cyclicality":           {func(q *QualityFlags) *string { return &q.Cyclicality }, true},
	"moat_proxy":            {func(q *QualityFlags) *string { return &q.MoatProxy }, false},
	"balance_sheet":         {func(q *QualityFlags) *string { return &q.BalanceSheet }, false},
	"cashflow_coverage":     {func(q *QualityFlags) *string { return &q.CashflowCoverage }, false},
	"leverage":              {func(q *QualityFlags) *string { return &q.Leverage }, true},
	"payout_consistency":    {func(q *QualityFlags) *string { return &q.PayoutConsistency }, false},
	"dilution":              {func(q *QualityFlags) *string { return &q.Dilution }, true},
	"regulatory_dependence": {func(q *QualityFlags) *string { return &q.RegulatoryDependence }, true},
}

// QualityFlagNames lists the accepted flag names in order.
func QualityFlagNames() []string {
	names := make([]string, 0, len(qualityFlags))
	for n := range qualityFlags {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var validate = validator.New()

// ParseQualityFlags checks raw flag values against the whitelist. Names and
// values are case-insensitive.
func ParseQualityFlags(raw map[string]string) (QualityFlags, error) {
	var q QualityFlags
	for name, value := range raw {
		f, ok := qualityFlags[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return QualityFlags{}, core.Errorf(core.ErrConfigInvalid, "unknown quality flag %q", name)
		}
		*f.field(&q) = strings.ToUpper(strings.TrimSpace(value))
	}
	if err := validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return QualityFlags{}, core.Errorf(core.ErrConfigInvalid, "quality flag %s: %q not allowed", verrs[0].Field(), fmt.Sprint(verrs[0].Value()))
		}
		return QualityFlags{}, core.WrapError(core.ErrConfigInvalid, err)
	}
	return q, nil
}

// Score returns the summed flag score and the number of BAD flags. Missing
// flags count as NEUTRAL.
func (q QualityFlags) Score() (score, bad int) {
	for _, f := range qualityFlags {
		switch normalize(*f.field(&q), f.riskType) {
		case FlagGood:
			score++
		case FlagBad:
			score--
			bad++
		}
	}
	return score, bad
}

func normalize(v string, riskType bool) string {
	switch v {
	case "TRUE":
		if riskType {
			return FlagBad
		}
		return FlagGood
	case "FALSE":
		if riskType {
			return FlagGood
		}
		return FlagBad
	case "":
		return FlagNeutral
	}
	return v
}

// QualityBuffer validates raw flags and buckets them into STRONG, MODERATE
// or WEAK.
func QualityBuffer(raw map[string]string, cfg rules.QualityConfig) (core.QualityLevel, error) {
	q, err := ParseQualityFlags(raw)
	if err != nil {
		return "", err
	}
	score, bad := q.Score()
	switch {
	case bad >= cfg.WeakBadCount || score <= cfg.WeakMax:
		return core.QualityWeak, nil
	case score >= cfg.StrongMin:
		return core.QualityStrong, nil
	}
	return core.QualityModerate, nil
}
