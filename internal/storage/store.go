package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
)

// Canonicalizer validates that an id is in canonical form before any refined
// row referencing it is written.
type Canonicalizer interface {
	Canonical(id core.CanonicalID) error
}

// CanonicalizerFunc adapts a function to Canonicalizer.
type CanonicalizerFunc func(id core.CanonicalID) error

func (f CanonicalizerFunc) Canonical(id core.CanonicalID) error { return f(id) }

// Store groups the typed repositories over one connection or transaction.
type Store struct {
	c     conn
	canon Canonicalizer
	known *sync.Map

	Assets          *AssetRepo
	Raw             *RawRepo
	Bars            *BarRepo
	Snapshots       *SnapshotRepo
	Fundamentals    *FundamentalRepo
	Actions         *ActionRepo
	FX              *FXRepo
	Classifications *ClassificationRepo
	Quality         *QualityRepo
	Valuations      *ValuationRepo
	Risk            *RiskRepo
}

// New builds a Store over db. canon is consulted before every refined write.
func New(db *DB, canon Canonicalizer) *Store {
	return bind(conn{db: db, q: db.sql}, canon, &sync.Map{})
}

func bind(c conn, canon Canonicalizer, known *sync.Map) *Store {
	s := &Store{c: c, canon: canon, known: known}
	s.Assets = &AssetRepo{s: s}
	s.Raw = &RawRepo{s: s}
	s.Bars = &BarRepo{s: s}
	s.Snapshots = &SnapshotRepo{s: s}
	s.Fundamentals = &FundamentalRepo{s: s}
	s.Actions = &ActionRepo{s: s}
	s.FX = &FXRepo{s: s}
	s.Classifications = &ClassificationRepo{s: s}
	s.Quality = &QualityRepo{s: s}
	s.Valuations = &ValuationRepo{s: s}
	s.Risk = &RiskRepo{s: s}
	return s
}

// DB returns the underlying database.
func (s *Store) DB() *DB { return s.c.db }

// WithTx runs fn inside a transaction bounded by the configured tx timeout.
// The Store passed to fn must not escape it.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.c.tx {
		return fn(s)
	}
	ctx, cancel := context.WithTimeout(ctx, s.c.db.txTimeout)
	defer cancel()

	tx, err := s.c.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := bind(conn{db: s.c.db, q: tx, tx: true}, s.canon, s.known)
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// requireAsset enforces that id is canonical and registered.
func (s *Store) requireAsset(ctx context.Context, id core.CanonicalID) error {
	if s.canon != nil {
		if err := s.canon.Canonical(id); err != nil {
			return err
		}
	}
	if _, ok := s.known.Load(id); ok {
		return nil
	}
	var one int
	err := s.c.queryRow(ctx, `SELECT 1 FROM assets WHERE canonical_id = ?`, string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Errorf(core.ErrUnknownSymbol, "asset %s is not registered", id)
	}
	if err != nil {
		return err
	}
	if !s.c.tx {
		s.known.Store(id, struct{}{})
	}
	return nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func formatTime(t time.Time) string {
	return t.Format(core.TimestampLayout)
}

func formatDate(t time.Time) string {
	return t.Format(core.DateLayout)
}

// parseMarketTime reads a stored timestamp as wall time in the market's zone.
func parseMarketTime(s string, m core.Market) (time.Time, error) {
	return time.ParseInLocation(core.TimestampLayout, s, calendar.Location(m))
}

func parseDate(s string) (time.Time, error) {
	if len(s) > len(core.DateLayout) {
		s = s[:len(core.DateLayout)]
	}
	return time.Parse(core.DateLayout, s)
}

func parseUTC(s string) time.Time {
	t, err := time.Parse(core.TimestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
