package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fraud-anomaly-scoring/internal/alerting"
	"fraud-anomaly-scoring/internal/api"
	"fraud-anomaly-scoring/internal/artifact"
	"fraud-anomaly-scoring/internal/cache"
	"fraud-anomaly-scoring/internal/config"
	"fraud-anomaly-scoring/internal/geo"
	"fraud-anomaly-scoring/internal/ingest"
	"fraud-anomaly-scoring/internal/metrics"
	"fraud-anomaly-scoring/internal/pipeline"
	"fraud-anomaly-scoring/internal/scheduler"
	"fraud-anomaly-scoring/internal/scoring"
	"fraud-anomaly-scoring/internal/storage"
	"fraud-anomaly-scoring/internal/stream"
	"fraud-anomaly-scoring/internal/tracing"
	"fraud-anomaly-scoring/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime holds the collaborators opened for one command and closes them in reverse order.
type runtime struct {
	repo     storage.Repository
	pool     *pgxpool.Pool
	pipeline *pipeline.Pipeline
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}
	return storage.NewPool(ctx, a.Config.Database)
}

// requirePool is for commands that only make sense against the database.
func (a *App) requirePool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := a.openPool(ctx)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("database.dsn 未配置")
	}
	return pool, nil
}

func (a *App) newNotifiers() map[string]alerting.Notifier {
	notifiers := map[string]alerting.Notifier{
		"log": alerting.NewLogNotifier(a.Logger),
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers["telegram"] = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return notifiers
}

func (a *App) newAlerter(store alerting.Store) *alerting.Alerter {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	cfg := a.Config.Alerting
	return alerting.NewAlerter(alerting.Options{
		MinRisk:   cfg.MinRisk,
		Cooldown:  cfg.Cooldown,
		Retention: cfg.Retention,
		Channels:  cfg.Channels,
	}, store, a.newNotifiers(), a.Logger)
}

// open builds the repository, pipeline and optional integrations. With no
// DSN all state lives in process memory.
func (a *App) open(ctx context.Context) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	pool, err := a.openPool(ctx)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		rt.pool = pool
		rt.closers = append(rt.closers, pool.Close)
		if a.Config.Database.AutoMigrate {
			if err := storage.Migrate(ctx, pool, "up"); err != nil {
				return nil, err
			}
		}
		rt.repo = storage.NewStore(pool)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		rt.repo = storage.NewMemoryStore()
	}

	var resolver geo.Resolver
	if path := a.Config.GeoIP.CityDB; path != "" {
		mm, err := geo.OpenMaxMind(path, a.Logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = mm.Close() })
		resolver = mm
	}
	normalizer, err := ingest.NewNormalizer(a.Config.Ingest.Timezone, resolver)
	if err != nil {
		return nil, err
	}

	var scoreCache cache.ScoreCache
	if a.Config.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cache.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
			TTL:      a.Config.Redis.TTL,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rc.Close() })
		scoreCache = rc
	}

	rt.pipeline = pipeline.New(rt.repo, scoring.NewRegistry(), normalizer, pipeline.Options{
		ArtifactDir:     a.Config.Model.ArtifactDir,
		ArtifactOptions: artifact.Options{ONNXLibraryPath: a.Config.Model.ONNXLibraryPath},
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
		Cache:           scoreCache,
		Alerter:         a.newAlerter(rt.repo),
	}, a.Logger)

	ok = true
	return rt, nil
}

// loadModel publishes the artifact bundle if one exists. Without it the
// pipeline still ingests but scoring reports ErrArtifactMissing.
func (a *App) loadModel(ctx context.Context, p *pipeline.Pipeline) {
	run, err := p.Reload(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Str("dir", a.Config.Model.ArtifactDir).Msg("model artifact not loaded")
		return
	}
	a.Logger.Info().Str("model_version", run.Version).Msg("model loaded")
}

// Run executes the long-running scoring service: HTTP API, optional Kafka
// consumer and the background scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, a.Config.Tracing, a.Config.App.Name, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	a.loadModel(ctx, rt.pipeline)
	metrics.StartPoolStatsCollector(ctx, rt.pool, 15*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.HTTP.Enabled {
		server := api.New(a.Config.HTTP, rt.pipeline, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	if a.Config.Kafka.Enabled {
		consumer, err := stream.NewKafka(a.Config.Kafka, rt.pipeline, a.Logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	jobs := a.backgroundJobs(rt)
	if len(jobs) > 0 {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
		g.Go(func() error { return sched.RunJobs(gctx, jobs...) })
	}

	a.Logger.Info().Str("version", version.Version).Msg("fraudwatcher started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fraudwatcher stopped")
	return nil
}

func (a *App) backgroundJobs(rt *runtime) []scheduler.Job {
	var jobs []scheduler.Job
	if a.Config.Model.Watch {
		jobs = append(jobs, scheduler.Job{Name: "artifact_watch", Tick: rt.pipeline.WatchArtifacts})
	}
	if alerter := a.newAlerter(rt.repo); alerter != nil && a.Config.Alerting.Retention > 0 {
		jobs = append(jobs, scheduler.Job{Name: "alert_retention", Tick: alerter.Prune})
	}
	return jobs
}

// ExportOptions hold parameters for exporting scored events.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit       int
	FlaggedOnly bool
	MinRisk     float64
	UserID      string
}

// IngestOptions configure NDJSON replay.
type IngestOptions struct {
	Path    string
	Score   bool
	Workers int
}
