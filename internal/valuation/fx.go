package valuation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/newthinker/quantbase/internal/core"
)

// RateSource returns the most recent from→to rate on or before a date.
type RateSource interface {
	OnOrBefore(ctx context.Context, from, to string, date time.Time) (core.FxRate, error)
}

// FX memoizes rate lookups. A pair with no direct rate falls back to the
// inverse of the opposite pair.
type FX struct {
	rates RateSource
	cache *cache.Cache
}

// NewFX wraps rates with a cache whose entries live for ttl.
func NewFX(rates RateSource, ttl time.Duration) *FX {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FX{rates: rates, cache: cache.New(ttl, 2*ttl)}
}

// Rate converts one unit of from into to as of date. Identical currencies
// return 1. A missing pair returns core.ErrMissingFX.
func (f *FX) Rate(ctx context.Context, from, to string, date time.Time) (float64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == "" || to == "" || from == to {
		return 1, nil
	}
	key := from + to + "|" + date.Format(core.DateLayout)
	if v, ok := f.cache.Get(key); ok {
		return v.(float64), nil
	}

	rate, err := f.lookup(ctx, from, to, date)
	if err != nil {
		return 0, err
	}
	f.cache.SetDefault(key, rate)
	return rate, nil
}

func (f *FX) lookup(ctx context.Context, from, to string, date time.Time) (float64, error) {
	fx, err := f.rates.OnOrBefore(ctx, from, to, date)
	if err == nil && fx.Rate > 0 {
		return fx.Rate, nil
	}
	if err != nil && !errors.Is(err, core.ErrMissingFX) {
		return 0, err
	}

	inv, err := f.rates.OnOrBefore(ctx, to, from, date)
	if err == nil && inv.Rate > 0 {
		return 1 / inv.Rate, nil
	}
	if err != nil && !errors.Is(err, core.ErrMissingFX) {
		return 0, err
	}
	return 0, core.Errorf(core.ErrMissingFX, "%s/%s on or before %s", from, to, date.Format(core.DateLayout))
}

// Flush drops every memoized rate, e.g. after new rates were ingested.
func (f *FX) Flush() { f.cache.Flush() }
