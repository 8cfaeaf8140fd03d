// Package etl turns raw payloads into refined rows: bars with their change
// fields, snapshots, fundamentals, corporate actions and FX rates.
package etl

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/metrics"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/storage"
)

// DefaultMaxAttempts bounds how often a payload is retried.
const DefaultMaxAttempts = 3

// Decoder maps a stored payload back to records by its source tag.
type Decoder interface {
	Decode(p source.Payload) (source.Records, error)
}

// Pipeline applies raw payloads to the refined tables.
type Pipeline struct {
	store   *storage.Store
	decoder Decoder
	locks   *keyedMutex
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(store *storage.Store, decoder Decoder, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:   store,
		decoder: decoder,
		locks:   newKeyedMutex(),
		logger:  logger,
		now:     time.Now,
	}
}

// SetMetrics attaches a metrics registry.
func (p *Pipeline) SetMetrics(m *metrics.Registry) { p.metrics = m }

// ProcessRaw applies one raw payload in a single transaction and marks it
// processed. Payloads already processed or marked failed are skipped.
func (p *Pipeline) ProcessRaw(ctx context.Context, rawID int64) error {
	return p.process(ctx, rawID, false)
}

func (p *Pipeline) process(ctx context.Context, rawID int64, force bool) error {
	raw, err := p.store.Raw.Get(ctx, rawID)
	if err != nil {
		return err
	}
	if !force && raw.Status != core.RawPending {
		return nil
	}

	payload, recs, err := p.decode(raw)
	if err != nil {
		return p.fail(ctx, raw, err)
	}

	unlock := p.locks.Lock(lockKey(payload))
	defer unlock()

	err = p.store.WithTx(ctx, func(tx *storage.Store) error {
		if err := p.apply(ctx, tx, payload, recs); err != nil {
			return err
		}
		return tx.Raw.MarkProcessed(ctx, raw.ID, p.now())
	})
	if err != nil {
		return p.fail(ctx, raw, err)
	}

	p.metrics.RecordETL("ok")
	p.logger.Debug("raw payload processed",
		zap.Int64("raw_id", raw.ID),
		zap.String("source", raw.Source),
		zap.String("canonical_id", string(raw.AssetID)),
		zap.String("period", string(raw.Period)))
	return nil
}

func (p *Pipeline) decode(raw core.RawPayload) (source.Payload, source.Records, error) {
	payload, err := source.DecodePayload(raw.Payload)
	if err != nil {
		return source.Payload{}, source.Records{}, err
	}
	recs, err := p.decoder.Decode(payload)
	if err != nil {
		return payload, source.Records{}, err
	}
	if recs.Empty() {
		return payload, recs, core.Errorf(core.ErrNoData, "payload %d decoded to no records", raw.ID)
	}
	return payload, recs, nil
}

// fail records the outcome of a failed payload. Malformed payloads are
// marked failed for good; anything else counts an attempt and stays
// pending. Cancellation leaves the row untouched.
func (p *Pipeline) fail(ctx context.Context, raw core.RawPayload, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, core.ErrCancelled) {
		return core.WrapError(core.ErrCancelled, cause)
	}
	bg := context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.Int64("raw_id", raw.ID),
		zap.String("source", raw.Source),
		zap.String("canonical_id", string(raw.AssetID)),
		zap.Error(cause),
	}

	if permanent(cause) {
		if err := p.store.Raw.MarkFailed(bg, raw.ID, cause.Error()); err != nil {
			return errors.Join(cause, err)
		}
		p.metrics.RecordETL("failed")
		p.logger.Warn("raw payload failed", fields...)
		return cause
	}

	if err := p.store.Raw.RecordAttempt(bg, raw.ID, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	p.metrics.RecordETL("retry")
	p.logger.Error("raw payload rolled back", append(fields, zap.Int("attempt", raw.Attempts+1))...)
	return cause
}

func permanent(err error) bool {
	return errors.Is(err, core.ErrSourceBadData) || errors.Is(err, core.ErrNoData) || errors.Is(err, core.ErrUnknownSymbol)
}

func lockKey(p source.Payload) string {
	if p.AssetID == "" {
		return "fx"
	}
	return string(p.AssetID) + "|" + string(p.Market)
}

func (p *Pipeline) apply(ctx context.Context, tx *storage.Store, payload source.Payload, recs source.Records) error {
	id, m := payload.AssetID, payload.Market
	if len(recs.Bars) > 0 {
		if id == "" {
			return core.Errorf(core.ErrETLIntegrity, "bars in a payload without asset")
		}
		period := payload.Period
		if !period.IsBar() {
			period = core.Period1d
		}
		if err := p.applyBars(ctx, tx, payload.Source, id, m, period, recs.Bars); err != nil {
			return err
		}
	}

	if len(recs.Splits) > 0 {
		for i := range recs.Splits {
			fillAsset(&recs.Splits[i].ID, id)
			fillSource(&recs.Splits[i].Source, payload.Source)
		}
		if err := tx.Actions.UpsertSplits(ctx, recs.Splits); err != nil {
			return err
		}
	}
	if len(recs.Dividends) > 0 {
		for i := range recs.Dividends {
			fillAsset(&recs.Dividends[i].ID, id)
			fillSource(&recs.Dividends[i].Source, payload.Source)
		}
		if err := tx.Actions.UpsertDividends(ctx, recs.Dividends); err != nil {
			return err
		}
	}
	if len(recs.Fundamentals) > 0 {
		for i := range recs.Fundamentals {
			fillAsset(&recs.Fundamentals[i].ID, id)
			fillSource(&recs.Fundamentals[i].DataSource, payload.Source)
		}
		if err := tx.Fundamentals.Upsert(ctx, recs.Fundamentals); err != nil {
			return err
		}
	}
	if len(recs.Rates) > 0 {
		for i := range recs.Rates {
			fillSource(&recs.Rates[i].Source, payload.Source)
		}
		if err := tx.FX.Upsert(ctx, recs.Rates); err != nil {
			return err
		}
	}
	return nil
}

func fillAsset(dst *core.CanonicalID, id core.CanonicalID) {
	if *dst == "" {
		*dst = id
	}
}

func fillSource(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func (p *Pipeline) applyBars(ctx context.Context, tx *storage.Store, src string, id core.CanonicalID, m core.Market, period core.Period, raw []core.Bar) error {
	bars, err := NormalizeBars(raw, id, m, period)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	bs := barStoreFor(ctx, tx, id, m, period)

	prior, err := bs.prior(bars[0].Time)
	if err != nil {
		return err
	}
	Chain(prior, bars)
	if period == core.Period1d {
		for i := range bars {
			FillPE(&bars[i])
		}
	}
	if err := bs.upsert(bars); err != nil {
		return err
	}
	if _, err := rechain(bs, bars[0].Time, bars[len(bars)-1].Time); err != nil {
		return err
	}

	if period == core.Period1d {
		return p.dailySnapshot(ctx, tx, src, id, m)
	}
	return p.sessionSnapshot(ctx, tx, src, id, m, period, bars[len(bars)-1])
}

// dailySnapshot refreshes the snapshot from the latest daily bar unless a
// newer intraday snapshot exists.
func (p *Pipeline) dailySnapshot(ctx context.Context, tx *storage.Store, src string, id core.CanonicalID, m core.Market) error {
	latest, err := tx.Bars.LatestDaily(ctx, id, m)
	if err != nil || latest == nil {
		return err
	}
	if cur, err := tx.Snapshots.Get(ctx, id, m); err == nil && cur.Time.After(latest.Time) {
		return nil
	}
	return tx.Snapshots.Upsert(ctx, SnapshotFrom(*latest, src))
}

func (p *Pipeline) sessionSnapshot(ctx context.Context, tx *storage.Store, src string, id core.CanonicalID, m core.Market, period core.Period, last core.Bar) error {
	if cur, err := tx.Snapshots.Get(ctx, id, m); err == nil && !last.Time.After(cur.Time) {
		return nil
	}
	local := last.Time.In(calendar.Location(m))
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	session, err := tx.Bars.Minute(ctx, id, m, period, dayStart, last.Time)
	if err != nil {
		return err
	}
	if len(session) == 0 {
		return nil
	}
	prior, err := tx.Bars.PriorDaily(ctx, id, m, calendar.CloseTime(m, local))
	if err != nil {
		return err
	}
	snap, err := SessionSnapshot(session, prior, src)
	if err != nil {
		return err
	}
	return tx.Snapshots.Upsert(ctx, snap)
}

// barStore abstracts the daily and minute tables for chaining.
type barStore struct {
	prior  func(t time.Time) (*core.Bar, error)
	window func(from, to time.Time) ([]core.Bar, error)
	next   func(t time.Time) (*core.Bar, error)
	upsert func(bars []core.Bar) error
}

func barStoreFor(ctx context.Context, s *storage.Store, id core.CanonicalID, m core.Market, period core.Period) barStore {
	if period == core.Period1d {
		return barStore{
			prior:  func(t time.Time) (*core.Bar, error) { return s.Bars.PriorDaily(ctx, id, m, t) },
			window: func(from, to time.Time) ([]core.Bar, error) { return s.Bars.Daily(ctx, id, m, from, to) },
			next:   func(t time.Time) (*core.Bar, error) { return s.Bars.NextDaily(ctx, id, m, t) },
			upsert: func(bars []core.Bar) error { return s.Bars.UpsertDaily(ctx, bars) },
		}
	}
	return barStore{
		prior:  func(t time.Time) (*core.Bar, error) { return s.Bars.PriorMinute(ctx, id, m, period, t) },
		window: func(from, to time.Time) ([]core.Bar, error) { return s.Bars.Minute(ctx, id, m, period, from, to) },
		next:   func(t time.Time) (*core.Bar, error) { return s.Bars.NextMinute(ctx, id, m, period, t) },
		upsert: func(bars []core.Bar) error { return s.Bars.UpsertMinute(ctx, bars) },
	}
}

// rechain recomputes the change fields of the stored bars in [from, to] and
// of the first bar after to, writing only rows that changed. Zero bounds
// cover the whole series.
func rechain(bs barStore, from, to time.Time) (int, error) {
	var prior *core.Bar
	if !from.IsZero() {
		var err error
		if prior, err = bs.prior(from); err != nil {
			return 0, err
		}
	}
	window, err := bs.window(from, to)
	if err != nil {
		return 0, err
	}
	if len(window) == 0 {
		return 0, nil
	}
	if !to.IsZero() {
		next, err := bs.next(window[len(window)-1].Time)
		if err != nil {
			return 0, err
		}
		if next != nil {
			window = append(window, *next)
		}
	}

	idx := Chain(prior, window)
	if len(idx) == 0 {
		return 0, nil
	}
	changed := make([]core.Bar, 0, len(idx))
	for _, i := range idx {
		changed = append(changed, window[i])
	}
	return len(changed), bs.upsert(changed)
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
