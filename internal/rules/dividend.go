package rules

// Dividend safety levels.
const (
	DividendSafe   = "SAFE"
	DividendWatch  = "WATCH"
	DividendAtRisk = "AT_RISK"
	DividendNone   = "NONE"
)

// DividendInput describes a payer. PayoutRatio is dividends over earnings,
// Coverage is operating cash flow over dividends paid.
type DividendInput struct {
	PaysDividend bool
	PayoutRatio  *float64
	Coverage     *float64
	EPS          *float64
	YearsPaid    int
}

// DividendSafety is the scored verdict.
type DividendSafety struct {
	Level   string   `json:"level"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// ScoreDividend rates how sustainable a dividend is. Missing inputs score
// zero.
func ScoreDividend(in DividendInput, cfg DividendConfig) DividendSafety {
	if !in.PaysDividend {
		return DividendSafety{Level: DividendNone}
	}
	var out DividendSafety
	add := func(n int, reason string) {
		out.Score += n
		if reason != "" {
			out.Reasons = append(out.Reasons, reason)
		}
	}

	switch {
	case in.EPS != nil && *in.EPS <= 0:
		add(-2, "paid out of losses")
	case in.PayoutRatio == nil:
	case *in.PayoutRatio <= cfg.SafePayout:
		add(1, "")
	case *in.PayoutRatio <= cfg.WatchPayout:
		add(0, "payout ratio elevated")
	default:
		add(-1, "payout ratio above earnings capacity")
	}

	if in.Coverage != nil {
		switch {
		case *in.Coverage >= cfg.MinCoverage:
			add(1, "")
		case *in.Coverage < 1:
			add(-1, "cash flow does not cover the dividend")
		}
	}

	switch {
	case in.YearsPaid >= cfg.MinYearsPaid:
		add(1, "")
	case in.YearsPaid <= 1:
		add(-1, "no payment record")
	}

	switch {
	case out.Score >= cfg.SafeScore:
		out.Level = DividendSafe
	case out.Score >= cfg.WatchScore:
		out.Level = DividendWatch
	default:
		out.Level = DividendAtRisk
	}
	return out
}
