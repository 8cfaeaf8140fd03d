package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/config"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/etl"
	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/metrics"
	"github.com/newthinker/quantbase/internal/notifier"
	"github.com/newthinker/quantbase/internal/notifier/telegram"
	"github.com/newthinker/quantbase/internal/notifier/webhook"
	"github.com/newthinker/quantbase/internal/orchestrator"
	"github.com/newthinker/quantbase/internal/risk"
	"github.com/newthinker/quantbase/internal/router"
	"github.com/newthinker/quantbase/internal/rules"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/source/binance"
	"github.com/newthinker/quantbase/internal/source/eastmoney"
	"github.com/newthinker/quantbase/internal/source/lixinger"
	"github.com/newthinker/quantbase/internal/source/yahoo"
	"github.com/newthinker/quantbase/internal/storage"
	"github.com/newthinker/quantbase/internal/storage/archive"
	"github.com/newthinker/quantbase/internal/valuation"
)

// App owns every component of one process. Components are created in New
// and released in Close; configuration is read-only afterwards.
type App struct {
	cfg     *config.Config
	rules   *rules.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	db       *storage.DB
	store    *storage.Store
	resolver *identity.Resolver
	calendar *calendar.Sessions

	sources *source.Registry
	limiter *orchestrator.Limiter
	orch    *orchestrator.Orchestrator
	planner *orchestrator.Planner

	etlQueue *etl.Queue
	pipeline *etl.Pipeline

	valuation *valuation.Engine
	risk      *risk.Engine

	notifiers *notifier.Registry
	router    *router.Router
	mirror    *archive.Mirror
}

// adapter builds one source and decodes its payloads.
type adapter struct {
	build  func(cfg source.Config, logger *zap.Logger) source.Source
	decode source.DecoderFunc
}

var adapters = map[string]adapter{
	yahoo.Name: {
		build:  func(cfg source.Config, l *zap.Logger) source.Source { return yahoo.New(cfg, l) },
		decode: yahoo.Decode,
	},
	eastmoney.Name: {
		build:  func(cfg source.Config, l *zap.Logger) source.Source { return eastmoney.New(cfg, l) },
		decode: eastmoney.Decode,
	},
	lixinger.Name: {
		build:  func(cfg source.Config, l *zap.Logger) source.Source { return lixinger.New(cfg, l) },
		decode: lixinger.Decode,
	},
	binance.Name: {
		build:  func(cfg source.Config, l *zap.Logger) source.Source { return binance.New(cfg, l) },
		decode: binance.Decode,
	},
}

// New validates cfg, opens and migrates the database and wires the
// components.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rulesCfg, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, err
	}

	holidays := make(map[core.Market][]string, len(cfg.Orchestrator.Holidays))
	for m, days := range cfg.Orchestrator.Holidays {
		holidays[core.Market(m)] = days
	}
	cal, err := calendar.New(holidays)
	if err != nil {
		return nil, core.WrapError(core.ErrConfigInvalid, err)
	}

	db, err := storage.Open(ctx, cfg.Database.URL, storage.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		TxTimeout:       cfg.Database.TxTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		rules:    rulesCfg,
		logger:   logger,
		metrics:  metrics.NewRegistry(),
		db:       db,
		calendar: cal,
	}
	a.store = storage.New(db, storage.CanonicalizerFunc(identity.Canonical))
	a.resolver = identity.NewResolver(a.store.Assets, logger, identity.WithADRRatios(cfg.Valuation.ADRRatios))

	if a.sources, err = buildSources(cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	a.limiter = orchestrator.NewLimiter(orchestrator.LimiterConfig{
		SymbolInterval: cfg.Orchestrator.SymbolInterval,
		SourceRPM:      cfg.Orchestrator.SourceRPM,
		PerSource:      cfg.PerSourceRPM(),
	}, a.metrics)

	retry := cfg.Orchestrator.Retry
	a.orch = orchestrator.New(orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		FetchTimeout: cfg.Orchestrator.FetchTimeout,
		Retry: orchestrator.RetryPolicy{
			Base:        retry.Base,
			Factor:      retry.Factor,
			Cap:         retry.Cap,
			MaxAttempts: retry.MaxAttempts,
		},
	}, a.sources, a.store.Raw, a.limiter, logger)
	a.orch.SetMetrics(a.metrics)

	a.etlQueue = etl.NewQueue(a.metrics)
	a.orch.SetETL(a.etlQueue)
	a.pipeline = etl.NewPipeline(a.store, a.sources, logger)
	a.pipeline.SetMetrics(a.metrics)

	if cfg.Archive.Type != "" {
		cold, err := archive.New(archive.Config{
			Type: cfg.Archive.Type,
			Path: cfg.Archive.Path,
			S3:   archive.S3Config(cfg.Archive.S3),
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.mirror = archive.NewMirror(cold)
		a.orch.SetMirror(a.mirror)
	}

	a.planner = orchestrator.NewPlanner(orchestrator.PlannerConfig{
		Interval: cfg.Orchestrator.RefreshInterval,
		StaleTTL: cfg.Orchestrator.StaleTTL,
	}, a.orch, cal, logger)

	a.valuation = valuation.NewEngine(a.store, rulesCfg, valuation.Options{
		CumulativeSources: cfg.Valuation.CumulativeSources,
		FXCacheTTL:        cfg.Valuation.FXCacheTTL,
	}, logger)
	a.risk = risk.NewEngine(a.store, rulesCfg, logger)
	a.risk.SetMetrics(a.metrics)

	if a.notifiers, err = buildNotifiers(cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.router = router.New(router.Config{
		MinLevel: rules.Level(cfg.Router.MinLevel),
		Cooldown: cfg.Router.Cooldown,
	}, a.notifiers, logger)
	a.router.SetMetrics(a.metrics)

	logger.Info("quantbase initialized",
		zap.String("dialect", string(db.Dialect())),
		zap.Int("sources", len(a.sources.GetAll())),
		zap.Int("notifiers", a.notifiers.Len()),
		zap.Bool("archive", a.mirror != nil))
	return a, nil
}

// buildSources registers the enabled adapters. Decoders are registered for
// every known source so stored payloads of disabled ones stay processable.
func buildSources(cfg *config.Config, logger *zap.Logger) (*source.Registry, error) {
	reg := source.NewRegistry()
	for name, ad := range adapters {
		reg.RegisterDecoder(name, ad.decode)
	}

	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.EnabledSources() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ad, ok := adapters[name]
		if !ok {
			logger.Warn("unknown source in config, skipping", zap.String("source", name))
			continue
		}
		sc := cfg.Sources[name]
		reg.Register(ad.build(source.Config{
			Enabled:           sc.Enabled,
			APIKey:            sc.APIKey,
			BaseURL:           sc.BaseURL,
			RequestsPerMinute: sc.RequestsPerMinute,
			Timeout:           sc.Timeout,
		}, logger))
	}

	if len(cfg.Dispatch) > 0 {
		if err := reg.SetDispatch(cfg.Dispatch); err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, err)
		}
	}
	return reg, nil
}

func buildNotifiers(cfg *config.Config, logger *zap.Logger) (*notifier.Registry, error) {
	reg := notifier.NewRegistry()
	for name, nc := range cfg.Notifiers {
		if !nc.Enabled {
			continue
		}
		var (
			n   notifier.Notifier
			err error
		)
		switch name {
		case "webhook":
			n, err = webhook.New(nc.URL, nc.Headers, logger)
		case "telegram":
			n, err = telegram.New(nc.BotToken, nc.ChatID, logger)
		default:
			err = core.Errorf(core.ErrConfigInvalid, "unknown notifier %q", name)
		}
		if err != nil {
			return nil, err
		}
		if err := reg.Register(n); err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, err)
		}
	}
	return reg, nil
}

// Close releases the database. Workers must have stopped.
func (a *App) Close() error {
	a.etlQueue.Close()
	return a.db.Close()
}

// Store returns the repositories.
func (a *App) Store() *storage.Store { return a.store }

// Metrics returns the metrics registry.
func (a *App) Metrics() *metrics.Registry { return a.metrics }

// Rules returns the loaded rules configuration.
func (a *App) Rules() *rules.Config { return a.rules }

// Dialect reports the database engine.
func (a *App) Dialect() storage.Dialect { return a.db.Dialect() }

// Resolve maps a raw symbol onto its canonical id.
func (a *App) Resolve(ctx context.Context, symbol string, hints identity.Hints) (core.CanonicalID, core.Market, error) {
	return a.resolver.Resolve(ctx, symbol, hints)
}

// Aliases lists the raw symbols mapped to id.
func (a *App) Aliases(ctx context.Context, id core.CanonicalID) ([]core.Alias, error) {
	return a.resolver.Aliases(ctx, id)
}

// Watchlist resolves the configured watchlist. Unresolvable entries are
// logged and skipped.
func (a *App) Watchlist(ctx context.Context) []core.CanonicalID {
	seen := make(map[core.CanonicalID]struct{}, len(a.cfg.Watchlist))
	ids := make([]core.CanonicalID, 0, len(a.cfg.Watchlist))
	for _, item := range a.cfg.Watchlist {
		id, _, err := a.resolver.Resolve(ctx, item.Symbol, identity.Hints{
			Market: core.Market(strings.ToUpper(item.Market)),
			Kind:   core.Kind(strings.ToUpper(item.Kind)),
			Source: item.Source,
		})
		if err != nil {
			a.logger.Warn("watchlist symbol skipped",
				zap.String("symbol", item.Symbol),
				zap.String("code", core.Code(err)),
				zap.Error(err))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Fetch runs tasks to completion and returns one result per task.
func (a *App) Fetch(ctx context.Context, tasks []orchestrator.Task) []orchestrator.Result {
	for _, t := range tasks {
		if t.Kind == orchestrator.TaskFX {
			continue
		}
		if err := a.resolver.EnsureCanonical(ctx, t.ID); err != nil {
			a.logger.Warn("registering asset failed", zap.String("id", string(t.ID)), zap.Error(err))
		}
	}
	return a.orch.RunTasks(ctx, tasks)
}

// ProcessRaw synchronously applies one stored payload.
func (a *App) ProcessRaw(ctx context.Context, rawID int64) error {
	return a.pipeline.ProcessRaw(ctx, rawID)
}

// Drain applies every pending payload below the attempt limit.
func (a *App) Drain(ctx context.Context) (etl.Stats, error) {
	return a.pipeline.Drain(ctx, a.cfg.ETL.MaxAttempts)
}

// Rechain recomputes the chained fields of every bar of id.
func (a *App) Rechain(ctx context.Context, id core.CanonicalID) (int, error) {
	return a.pipeline.Rechain(ctx, id)
}

// BackfillPE recomputes the PE column of the daily bars of id in
// [start, end].
func (a *App) BackfillPE(ctx context.Context, id core.CanonicalID, start, end time.Time) (int, error) {
	return a.valuation.BackfillPE(ctx, id, start, end)
}

// ErrNoArchive is returned by ArchiveRaw when no archive is configured.
var ErrNoArchive = core.Errorf(core.ErrConfigMissing, "archive is not configured")

// ArchiveRaw copies raw payloads fetched before the cutoff to the archive.
// Rows stay in the database.
func (a *App) ArchiveRaw(ctx context.Context, before time.Time) (archive.Stats, error) {
	if a.mirror == nil {
		return archive.Stats{}, ErrNoArchive
	}
	stats, err := a.mirror.Backfill(ctx, a.store.Raw, before, 500)
	if err != nil {
		return stats, fmt.Errorf("archiving raw payloads: %w", err)
	}
	a.logger.Info("raw payloads archived",
		zap.Time("before", before),
		zap.Int("written", stats.Written),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// RawStatus counts raw payloads per processing status.
func (a *App) RawStatus(ctx context.Context) (map[core.RawStatus]int, error) {
	return a.store.Raw.CountByStatus(ctx)
}

func isMissing(err error) bool {
	return errors.Is(err, core.ErrNoData) || errors.Is(err, core.ErrInsufficientData)
}
