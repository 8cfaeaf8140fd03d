// Package identity maps raw provider symbols onto canonical asset ids.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
)

// SourceInferred tags symbol-map rows created by inference.
const SourceInferred = "inferred"

// Store is the persistence the resolver needs.
type Store interface {
	EnsureAsset(ctx context.Context, a core.Asset) error
	// LookupAlias returns the highest-priority active mapping for raw,
	// restricted to source when non-empty. Returns core.ErrNoData when absent.
	LookupAlias(ctx context.Context, raw, source string) (core.CanonicalID, error)
	UpsertAlias(ctx context.Context, a core.Alias) error
	ListAliases(ctx context.Context, id core.CanonicalID) ([]core.Alias, error)
}

// Resolver resolves symbols to canonical ids, registering new ones on demand.
type Resolver struct {
	store     Store
	logger    *zap.Logger
	adrRatios map[string]float64

	mu    sync.RWMutex
	known map[core.CanonicalID]struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithADRRatios seeds adr_ratio on assets registered by the resolver.
func WithADRRatios(ratios map[string]float64) Option {
	return func(r *Resolver) {
		for k, v := range ratios {
			r.adrRatios[strings.ToUpper(k)] = v
		}
	}
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		store:     store,
		logger:    logger,
		adrRatios: map[string]float64{},
		known:     make(map[core.CanonicalID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the canonical id and market for symbol.
func (r *Resolver) Resolve(ctx context.Context, symbol string, hints Hints) (core.CanonicalID, core.Market, error) {
	raw := strings.TrimSpace(symbol)
	if raw == "" {
		return "", "", core.Errorf(core.ErrUnknownSymbol, "empty symbol")
	}

	if core.LooksCanonical(raw) {
		id, err := Normalize(raw)
		if err != nil {
			return "", "", err
		}
		if err := r.ensure(ctx, id); err != nil {
			return "", "", err
		}
		return id, id.Market(), nil
	}

	if id, err := r.lookup(ctx, raw, hints.Source); err == nil {
		return id, id.Market(), nil
	} else if !errors.Is(err, core.ErrNoData) {
		return "", "", err
	}

	id, err := Infer(raw, hints)
	if err != nil {
		return "", "", err
	}
	if err := r.ensure(ctx, id); err != nil {
		return "", "", err
	}
	source := hints.Source
	if source == "" {
		source = SourceInferred
	}
	if err := r.store.UpsertAlias(ctx, core.Alias{ID: id, RawSymbol: raw, Source: source, Priority: 0, Active: true}); err != nil {
		return "", "", err
	}
	r.logger.Debug("registered inferred symbol",
		zap.String("raw", raw),
		zap.String("canonical_id", id.String()),
		zap.String("source", source),
	)
	return id, id.Market(), nil
}

func (r *Resolver) lookup(ctx context.Context, raw, source string) (core.CanonicalID, error) {
	id, err := r.store.LookupAlias(ctx, raw, source)
	if err == nil || !errors.Is(err, core.ErrNoData) {
		return id, err
	}
	if upper := strings.ToUpper(raw); upper != raw {
		return r.store.LookupAlias(ctx, upper, source)
	}
	return "", err
}

// Aliases returns every known alias of id ordered by priority, highest first.
func (r *Resolver) Aliases(ctx context.Context, id core.CanonicalID) ([]core.Alias, error) {
	norm, err := Normalize(string(id))
	if err != nil {
		return nil, err
	}
	return r.store.ListAliases(ctx, norm)
}

// Register records an explicit alias for id.
func (r *Resolver) Register(ctx context.Context, id core.CanonicalID, raw, source string, priority int) error {
	norm, err := Normalize(string(id))
	if err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || source == "" {
		return core.Errorf(core.ErrUnknownSymbol, "alias and source are required")
	}
	if err := r.ensure(ctx, norm); err != nil {
		return err
	}
	return r.store.UpsertAlias(ctx, core.Alias{ID: norm, RawSymbol: raw, Source: source, Priority: priority, Active: true})
}

// Canonical accepts only ids already in normalized canonical form.
func Canonical(id core.CanonicalID) error {
	norm, err := Normalize(string(id))
	if err != nil {
		return err
	}
	if norm != id {
		return core.Errorf(core.ErrUnknownSymbol, "%q is not in canonical form (want %q)", id, norm)
	}
	return nil
}

// Canonical reports whether id is canonical. See the package-level Canonical.
func (r *Resolver) Canonical(id core.CanonicalID) error {
	return Canonical(id)
}

// EnsureCanonical checks id and makes sure its asset row exists.
func (r *Resolver) EnsureCanonical(ctx context.Context, id core.CanonicalID) error {
	if err := Canonical(id); err != nil {
		return err
	}
	return r.ensure(ctx, id)
}

func (r *Resolver) ensure(ctx context.Context, id core.CanonicalID) error {
	r.mu.RLock()
	_, ok := r.known[id]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	asset := core.Asset{
		ID:        id,
		Market:    id.Market(),
		Kind:      id.Kind(),
		Code:      id.Code(),
		Currency:  id.Market().Currency(),
		ADRRatio:  1,
		CreatedAt: time.Now().UTC(),
	}
	if ratio, ok := r.adrRatios[id.Code()]; ok && id.Market() == core.MarketUS {
		asset.ADRRatio = ratio
	}
	if err := r.store.EnsureAsset(ctx, asset); err != nil {
		return err
	}

	r.mu.Lock()
	r.known[id] = struct{}{}
	r.mu.Unlock()
	return nil
}
