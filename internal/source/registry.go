package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/newthinker/quantbase/internal/core"
)

// DefaultDispatch is the source preference per MARKET:KIND. A "*" kind
// matches every kind of the market.
var DefaultDispatch = map[string][]string{
	"US:*":         {"yahoo"},
	"HK:*":         {"yahoo"},
	"CN:*":         {"eastmoney", "lixinger", "yahoo"},
	"WORLD:CRYPTO": {"binance", "yahoo"},
}

// Registry holds the configured adapters, their decoders and the dispatch
// table used to pick adapters per (market, kind).
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]Source
	decoders map[string]Decoder
	dispatch map[string][]string
}

// NewRegistry creates a registry using DefaultDispatch.
func NewRegistry() *Registry {
	r := &Registry{
		sources:  make(map[string]Source),
		decoders: make(map[string]Decoder),
		dispatch: make(map[string][]string),
	}
	for k, v := range DefaultDispatch {
		r.dispatch[k] = append([]string(nil), v...)
	}
	return r
}

// Register adds an adapter. Adapters that implement Decoder also register
// as the decoder of their source tag.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Name()] = s
	if d, ok := s.(Decoder); ok {
		r.decoders[s.Name()] = d
	}
}

// RegisterDecoder sets the decoder for a source tag. Payloads of disabled
// sources stay decodable this way.
func (r *Registry) RegisterDecoder(tag string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[tag] = d
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	return s, ok
}

// GetAll returns all adapters ordered by name.
func (r *Registry) GetAll() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// SetDispatch merges table into the dispatch table. Keys are MARKET:KIND
// or MARKET:*.
func (r *Registry) SetDispatch(table map[string][]string) error {
	for key := range table {
		m, k, ok := strings.Cut(strings.ToUpper(key), ":")
		if !ok || !core.Market(m).Valid() || (k != "*" && !core.Kind(k).Valid()) {
			return core.Errorf(core.ErrConfigInvalid, "dispatch key %q: want MARKET:KIND or MARKET:*", key)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, names := range table {
		r.dispatch[strings.ToUpper(key)] = append([]string(nil), names...)
	}
	return nil
}

// Decode turns a stored payload into records using the decoder of its
// source tag.
func (r *Registry) Decode(p Payload) (Records, error) {
	r.mu.RLock()
	d, ok := r.decoders[p.Source]
	r.mu.RUnlock()
	if !ok {
		return Records{}, core.Errorf(core.ErrSourceBadData, "no decoder for source %q", p.Source)
	}
	return d.Decode(p)
}

// candidates returns adapters for (m, k): the dispatch order of MARKET:KIND,
// then MARKET:*, then any other registered adapter that supports the pair.
func (r *Registry) candidates(m core.Market, k core.Kind) []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Source
	add := func(name string) {
		s, ok := r.sources[name]
		if !ok || seen[name] || !s.Supports(m, k) {
			return
		}
		seen[name] = true
		out = append(out, s)
	}
	for _, name := range r.dispatch[fmt.Sprintf("%s:%s", m, k)] {
		add(name)
	}
	for _, name := range r.dispatch[fmt.Sprintf("%s:*", m)] {
		add(name)
	}
	rest := make([]string, 0, len(r.sources))
	for name := range r.sources {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}
	return out
}

// PriceSources returns price adapters for (m, k) in preference order.
func (r *Registry) PriceSources(m core.Market, k core.Kind) []PriceSource {
	var out []PriceSource
	for _, s := range r.candidates(m, k) {
		if p, ok := s.(PriceSource); ok {
			out = append(out, p)
		}
	}
	return out
}

// FundamentalsSources returns fundamentals adapters for (m, k).
func (r *Registry) FundamentalsSources(m core.Market, k core.Kind) []FundamentalsSource {
	var out []FundamentalsSource
	for _, s := range r.candidates(m, k) {
		if f, ok := s.(FundamentalsSource); ok {
			out = append(out, f)
		}
	}
	return out
}

// ActionSources returns corporate-action adapters for (m, k).
func (r *Registry) ActionSources(m core.Market, k core.Kind) []CorporateActionSource {
	var out []CorporateActionSource
	for _, s := range r.candidates(m, k) {
		if a, ok := s.(CorporateActionSource); ok {
			out = append(out, a)
		}
	}
	return out
}

// FxSources returns every FX adapter ordered by name.
func (r *Registry) FxSources() []FxSource {
	var out []FxSource
	for _, s := range r.GetAll() {
		if f, ok := s.(FxSource); ok {
			out = append(out, f)
		}
	}
	return out
}

// Only narrows a candidate list to the named adapter. An empty name keeps
// the list unchanged.
func Only[T Source](list []T, name string) []T {
	if name == "" {
		return list
	}
	for _, s := range list {
		if s.Name() == name {
			return []T{s}
		}
	}
	return nil
}
