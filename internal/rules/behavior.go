package rules

import (
	"slices"
	"sort"

	"github.com/newthinker/quantbase/internal/core"
)

// D-state groups used by behavior predicates.
const (
	GroupStable   = "STABLE"
	GroupPullback = "PULLBACK"
	GroupStressed = "STRESSED"
)

// Fallback is emitted when no behavior rule matches.
var Fallback = Action{Code: "WATCH", Label: "Watch", Note: "no rule matched"}

// BehaviorInput is the state a behavior rule is matched against.
type BehaviorInput struct {
	DState          core.DState
	Quadrant        core.Quadrant
	ValuationStatus string
	Bucket          core.Bucket
	Quality         core.QualityLevel
}

// Decision is the selected action and the rule that produced it.
type Decision struct {
	Action Action      `json:"action"`
	Rule   string      `json:"rule,omitempty"`
	Group  string      `json:"d_group"`
	Bucket core.Bucket `json:"bucket"`
}

// SelectBehavior returns the highest-priority rule matching in. Rules with
// equal priority keep their configured order. A valuation without a usable
// PE or history counts as NEUTRAL.
func SelectBehavior(in BehaviorInput, cfg *Config) Decision {
	bucket := in.Bucket
	if in.ValuationStatus == core.StatusNoPE || in.ValuationStatus == core.StatusInsufficientHistory || bucket == "" {
		bucket = core.BucketNeutral
	}
	group := cfg.Group(in.DState)

	ordered := make([]BehaviorRule, len(cfg.Behavior))
	copy(ordered, cfg.Behavior)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	for _, r := range ordered {
		w := r.When
		if matches(w.DGroups, group) && matches(w.Quadrants, in.Quadrant) &&
			matches(w.Valuation, bucket) && matches(w.Quality, in.Quality) {
			return Decision{Action: r.Action, Rule: r.Name, Group: group, Bucket: bucket}
		}
	}
	return Decision{Action: Fallback, Group: group, Bucket: bucket}
}

func matches[T comparable](allowed []T, v T) bool {
	return len(allowed) == 0 || slices.Contains(allowed, v)
}
