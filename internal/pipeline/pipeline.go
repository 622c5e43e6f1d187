// Package pipeline sequences ingestion, feature computation, scoring and
// explanation for single events and persists the outcomes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"fraud-anomaly-scoring/internal/alerting"
	"fraud-anomaly-scoring/internal/artifact"
	"fraud-anomaly-scoring/internal/cache"
	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/features"
	"fraud-anomaly-scoring/internal/ingest"
	"fraud-anomaly-scoring/internal/metrics"
	"fraud-anomaly-scoring/internal/reasons"
	"fraud-anomaly-scoring/internal/scoring"
	"fraud-anomaly-scoring/internal/storage"
	"fraud-anomaly-scoring/internal/tracing"
)

// Options carry the optional collaborators of a Pipeline.
type Options struct {
	ArtifactDir     string
	ArtifactOptions artifact.Options
	// LockKey guards model-run recording across instances; 0 disables locking.
	LockKey int64
	Cache   cache.ScoreCache
	Alerter *alerting.Alerter
}

// Pipeline is the orchestrator behind every adapter (HTTP, Kafka, CLI).
type Pipeline struct {
	repo       storage.Repository
	registry   *scoring.Registry
	normalizer *ingest.Normalizer
	cache      cache.ScoreCache
	alerter    *alerting.Alerter
	logger     zerolog.Logger

	artifactDir string
	loadOpts    artifact.Options
	lockKey     int64

	ingestGroup singleflight.Group
	scoreGroup  singleflight.Group

	mu          sync.Mutex
	fingerprint string
}

// IngestResult is the stored event and its feature vector.
type IngestResult struct {
	domain.IngestedEvent
	// Duplicate is true when the event ID had already been ingested.
	Duplicate bool
}

// ScoreOutcome is the full verdict for one event.
type ScoreOutcome struct {
	Event    domain.Event
	Features domain.FeatureVector
	Score    domain.ScoreRecord
	// Cached is true when the outcome was served from the result cache.
	Cached bool
}

// New constructs the pipeline.
func New(repo storage.Repository, registry *scoring.Registry, normalizer *ingest.Normalizer, opts Options, logger zerolog.Logger) *Pipeline {
	if registry == nil {
		registry = scoring.NewRegistry()
	}
	if normalizer == nil {
		normalizer = &ingest.Normalizer{}
	}
	return &Pipeline{
		repo:        repo,
		registry:    registry,
		normalizer:  normalizer,
		cache:       opts.Cache,
		alerter:     opts.Alerter,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		artifactDir: opts.ArtifactDir,
		loadOpts:    opts.ArtifactOptions,
		lockKey:     opts.LockKey,
	}
}

// Registry exposes the model registry.
func (p *Pipeline) Registry() *scoring.Registry {
	return p.registry
}

// Ingest validates req, computes its feature vector and stores both.
// Re-submitting an event ID returns the stored vector unchanged.
func (p *Pipeline) Ingest(ctx context.Context, req ingest.Request) (IngestResult, error) {
	ev, err := p.normalizer.Normalize(req)
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return IngestResult{}, err
	}
	return p.IngestEvent(ctx, ev)
}

// IngestEvent is Ingest for an already validated event.
func (p *Pipeline) IngestEvent(ctx context.Context, ev domain.Event) (res IngestResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.ingest", tracing.EventID(ev.ID), tracing.UserID(ev.UserID))
	defer func() { tracing.EndSpan(span, err) }()

	// 同一 event_id 的并发请求合并为一次计算
	v, err, _ := p.ingestGroup.Do(ev.ID, func() (any, error) {
		return p.ingestOnce(ctx, ev)
	})
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("failed").Inc()
		metrics.PipelineErrorsTotal.WithLabelValues("ingest", domain.ErrorClass(err)).Inc()
		return IngestResult{}, err
	}
	return v.(IngestResult), nil
}

func (p *Pipeline) ingestOnce(ctx context.Context, ev domain.Event) (IngestResult, error) {
	existing, err := p.repo.GetEvent(ctx, ev.ID)
	switch {
	case err == nil:
		metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		return IngestResult{IngestedEvent: existing, Duplicate: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return IngestResult{}, fmt.Errorf("lookup event: %w", err)
	}

	fv, err := features.Compute(ctx, p.repo, ev)
	if err != nil {
		return IngestResult{}, err
	}

	stored, inserted, err := p.repo.InsertEvent(ctx, ev, fv)
	if err != nil {
		return IngestResult{}, fmt.Errorf("store event: %w", err)
	}
	if !inserted {
		// 另一实例抢先写入，返回已存储的特征
		metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		return IngestResult{IngestedEvent: stored, Duplicate: true}, nil
	}

	metrics.EventsIngestedTotal.WithLabelValues("stored").Inc()
	p.logger.Debug().Str("event_id", ev.ID).Str("user_id", ev.UserID).Msg("event ingested")
	return IngestResult{IngestedEvent: stored}, nil
}

// Score ingests req and scores it against the active model. When no model
// is published the event is not ingested and ErrArtifactMissing is returned.
func (p *Pipeline) Score(ctx context.Context, req ingest.Request) (ScoreOutcome, error) {
	if _, err := p.registry.Current(); err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("score", domain.ErrorClass(err)).Inc()
		return ScoreOutcome{}, err
	}
	started := time.Now()
	ingested, err := p.Ingest(ctx, req)
	if err != nil {
		return ScoreOutcome{}, err
	}
	out, err := p.scoreIngested(ctx, ingested.IngestedEvent)
	if err == nil {
		metrics.ScoreDuration.Observe(time.Since(started).Seconds())
	}
	return out, err
}

// ScoreEvent is Score for an already validated event.
func (p *Pipeline) ScoreEvent(ctx context.Context, ev domain.Event) (ScoreOutcome, error) {
	if _, err := p.registry.Current(); err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("score", domain.ErrorClass(err)).Inc()
		return ScoreOutcome{}, err
	}
	ingested, err := p.IngestEvent(ctx, ev)
	if err != nil {
		return ScoreOutcome{}, err
	}
	return p.scoreIngested(ctx, ingested.IngestedEvent)
}

// ScoreByEventID scores a previously ingested event. Unknown IDs are ErrNotFound.
func (p *Pipeline) ScoreByEventID(ctx context.Context, eventID string) (ScoreOutcome, error) {
	ingested, err := p.repo.GetEvent(ctx, eventID)
	if err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("score", domain.ErrorClass(err)).Inc()
		return ScoreOutcome{}, err
	}
	return p.scoreIngested(ctx, ingested)
}

func (p *Pipeline) scoreIngested(ctx context.Context, ie domain.IngestedEvent) (out ScoreOutcome, err error) {
	snap, err := p.registry.Current()
	if err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("score", domain.ErrorClass(err)).Inc()
		return ScoreOutcome{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "pipeline.score",
		tracing.EventID(ie.Event.ID), tracing.ModelVersion(snap.Version))
	defer func() { tracing.EndSpan(span, err) }()

	key := ie.Event.ID + "@" + snap.Version
	v, err, _ := p.scoreGroup.Do(key, func() (any, error) {
		return p.scoreOnce(ctx, ie, snap)
	})
	if err != nil {
		metrics.PipelineErrorsTotal.WithLabelValues("score", domain.ErrorClass(err)).Inc()
		p.logger.Error().Err(err).Str("event_id", ie.Event.ID).Str("model_version", snap.Version).Msg("scoring failed")
		return ScoreOutcome{}, err
	}
	return v.(ScoreOutcome), nil
}

func (p *Pipeline) scoreOnce(ctx context.Context, ie domain.IngestedEvent, snap *scoring.Snapshot) (ScoreOutcome, error) {
	out := ScoreOutcome{Event: ie.Event, Features: ie.Features}

	if rec, ok := p.cachedScore(ctx, ie.Event.ID, snap.Version); ok {
		out.Score = rec
		out.Cached = true
		return out, nil
	}

	// 同一模型版本下的结果不可变
	stored, err := p.repo.GetScore(ctx, ie.Event.ID, snap.Version)
	if err == nil {
		out.Score = stored
		p.storeCache(ctx, stored)
		return out, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return ScoreOutcome{}, fmt.Errorf("lookup score: %w", err)
	}

	result, err := scoring.Score(ie.Features, snap)
	if err != nil {
		return ScoreOutcome{}, err
	}
	explained, err := reasons.Explain(ctx, p.repo, ie.Event, ie.Features)
	if err != nil {
		return ScoreOutcome{}, err
	}

	rec := domain.ScoreRecord{
		EventID:      ie.Event.ID,
		ModelVersion: snap.Version,
		Result:       result,
		Reasons:      explained,
	}
	stored, inserted, err := p.repo.InsertScore(ctx, rec)
	if err != nil {
		return ScoreOutcome{}, fmt.Errorf("store score: %w", err)
	}
	out.Score = stored

	if inserted {
		metrics.ScoresTotal.WithLabelValues(strconv.FormatBool(stored.Result.Flagged)).Inc()
		for _, r := range stored.Reasons {
			metrics.ReasonsTotal.WithLabelValues(r.Kind.String()).Inc()
		}
		p.logger.Info().Str("event_id", ie.Event.ID).
			Str("user_id", ie.Event.UserID).
			Str("model_version", snap.Version).
			Float64("risk_score", stored.Result.RiskScore).
			Bool("flagged", stored.Result.Flagged).
			Int("reasons", len(stored.Reasons)).
			Msg("event scored")
		p.maybeAlert(ctx, ie.Event, stored)
	}
	p.storeCache(ctx, stored)
	return out, nil
}

func (p *Pipeline) maybeAlert(ctx context.Context, ev domain.Event, rec domain.ScoreRecord) {
	if p.alerter == nil {
		return
	}
	if _, err := p.alerter.Consider(ctx, ev, rec); err != nil {
		p.logger.Error().Err(err).Str("event_id", ev.ID).Msg("alert evaluation failed")
	}
}

func (p *Pipeline) cachedScore(ctx context.Context, eventID, version string) (domain.ScoreRecord, bool) {
	if p.cache == nil {
		return domain.ScoreRecord{}, false
	}
	rec, ok, err := p.cache.Get(ctx, eventID, version)
	switch {
	case err != nil:
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Str("event_id", eventID).Msg("score cache lookup failed")
		return domain.ScoreRecord{}, false
	case !ok:
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return domain.ScoreRecord{}, false
	default:
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return rec, true
	}
}

func (p *Pipeline) storeCache(ctx context.Context, rec domain.ScoreRecord) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, rec); err != nil {
		p.logger.Warn().Err(err).Str("event_id", rec.EventID).Msg("score cache write failed")
	}
}

// ListEvents returns stored events, newest first.
func (p *Pipeline) ListEvents(ctx context.Context, filter storage.EventFilter) ([]domain.IngestedEvent, error) {
	return p.repo.ListEvents(ctx, filter)
}

// ListScores returns scored events, most recently scored first.
func (p *Pipeline) ListScores(ctx context.Context, filter storage.ScoreFilter) ([]storage.ScoredEvent, error) {
	return p.repo.ListScores(ctx, filter)
}

// ListScoresBetween returns scores for events with from <= ts < to.
func (p *Pipeline) ListScoresBetween(ctx context.Context, from, to time.Time) ([]storage.ScoredEvent, error) {
	return p.repo.ListScoresBetween(ctx, from, to)
}

// ListModelRuns returns published model versions, newest first.
func (p *Pipeline) ListModelRuns(ctx context.Context, limit int) ([]domain.ModelRun, error) {
	return p.repo.ListModelRuns(ctx, limit)
}

// ListAlerts returns the most recent alert records.
func (p *Pipeline) ListAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	return p.repo.ListRecentAlerts(ctx, limit)
}
