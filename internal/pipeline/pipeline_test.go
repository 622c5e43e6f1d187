package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraud-anomaly-scoring/internal/alerting"
	"fraud-anomaly-scoring/internal/artifact"
	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/ingest"
	"fraud-anomaly-scoring/internal/scoring"
	"fraud-anomaly-scoring/internal/storage"
)

type constScorer float64

func (c constScorer) RawScore([]float64) (float64, error) { return float64(c), nil }

func snapshot(version string, raw, threshold float64) *scoring.Snapshot {
	return &scoring.Snapshot{
		Version:   version,
		ModelType: "test",
		Columns:   domain.FeatureColumns(),
		Threshold: threshold,
		Scorer:    constScorer(raw),
		LoadedAt:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newPipeline(t *testing.T, opts Options) (*Pipeline, *storage.MemoryStore) {
	t.Helper()
	repo := storage.NewMemoryStore()
	norm, err := ingest.NewNormalizer("UTC", nil)
	require.NoError(t, err)
	return New(repo, scoring.NewRegistry(), norm, opts, zerolog.Nop()), repo
}

func request(id, ts string, amount int64, lat, lon float64) ingest.Request {
	return ingest.Request{
		EventID:    id,
		UserID:     "u-1",
		MerchantID: "m-1",
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USD",
		Timestamp:  ts,
		Lat:        &lat,
		Lon:        &lon,
		DeviceID:   "d-1",
		IP:         "10.0.0.1",
		Channel:    "web",
	}
}

func TestScoreWithoutModelDoesNotIngest(t *testing.T) {
	p, repo := newPipeline(t, Options{})
	ctx := context.Background()

	_, err := p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.ErrorIs(t, err, domain.ErrArtifactMissing)

	_, err = repo.GetEvent(ctx, "e-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestRejectsInvalidRequest(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	req := request("", "2024-03-04T10:00:00", 10, 0, 0)

	_, err := p.Ingest(context.Background(), req)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event_id", verr.Field)
}

func TestIngestIsIdempotent(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	ctx := context.Background()

	first, err := p.Ingest(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, first.Features.IsNewMerchant)

	// 相同 event_id、不同金额：返回首次存储的结果
	second, err := p.Ingest(ctx, request("e-1", "2024-03-04T10:00:00", 9999, 10, 10))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Features, second.Features)
	assert.True(t, second.Event.Amount.Equal(decimal.NewFromInt(10)))
}

func TestConcurrentIngestYieldsOneVector(t *testing.T) {
	p, repo := newPipeline(t, Options{})
	ctx := context.Background()

	_, err := p.Ingest(ctx, request("e-0", "2024-03-04T09:59:00", 10, 0, 0))
	require.NoError(t, err)

	const workers = 32
	results := make([]domain.FeatureVector, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Ingest(ctx, request("e-1", "2024-03-04T10:00:00", int64(10+i), 0, 0))
			assert.NoError(t, err)
			results[i] = res.Features
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 2, repo.Len("u-1"))
	assert.Equal(t, 1, results[0].TxCount5m)
}

func TestScoreFirstEventScenario(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	ctx := context.Background()
	_, err := p.PublishModel(ctx, snapshot("v1", 1.0, 2.0))
	require.NoError(t, err)

	out, err := p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, 0, out.Features.TxCount5m)
	assert.Equal(t, 0, out.Features.TxCount1h)
	assert.Equal(t, 1, out.Features.IsNewDevice)
	assert.Equal(t, 1, out.Features.IsNewIP)
	assert.Equal(t, 1, out.Features.IsNewMerchant)
	assert.Zero(t, out.Features.DistanceFromLastKm)
	assert.Zero(t, out.Features.SpeedKmph)

	assert.Equal(t, "v1", out.Score.ModelVersion)
	assert.InDelta(t, 50.0, out.Score.Result.RiskScore, 1e-9)
	assert.False(t, out.Score.Result.Flagged)
	require.Len(t, out.Score.Reasons, 3)
	assert.Equal(t, domain.ReasonNewDevice, out.Score.Reasons[0].Kind)
	assert.Equal(t, domain.ReasonNewIP, out.Score.Reasons[1].Kind)
	assert.Equal(t, domain.ReasonNewMerchant, out.Score.Reasons[2].Kind)
}

func TestScoreImpossibleTravelScenario(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	ctx := context.Background()
	_, err := p.PublishModel(ctx, snapshot("v1", 1.0, 1.0))
	require.NoError(t, err)

	_, err = p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)
	// 4.5 度经度约 500 km，10 分钟后
	out, err := p.Score(ctx, request("e-2", "2024-03-04T10:10:00", 10, 0, 4.5))
	require.NoError(t, err)

	assert.InDelta(t, 3000, out.Features.SpeedKmph, 10)
	require.NotEmpty(t, out.Score.Reasons)
	assert.Equal(t, domain.ReasonImpossibleTravel, out.Score.Reasons[0].Kind)
	assert.Equal(t, 95, out.Score.Reasons[0].Severity)
	assert.True(t, out.Score.Result.Flagged)
}

func TestScoreIsImmutablePerModelVersion(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	ctx := context.Background()
	_, err := p.PublishModel(ctx, snapshot("v1", 1.0, 2.0))
	require.NoError(t, err)

	first, err := p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)

	again, err := p.ScoreByEventID(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, first.Score, again.Score)

	_, err = p.PublishModel(ctx, snapshot("v2", 2.0, 2.0))
	require.NoError(t, err)
	rescored, err := p.ScoreByEventID(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", rescored.Score.ModelVersion)
	assert.InDelta(t, 100.0, rescored.Score.Result.RiskScore, 1e-9)
	assert.True(t, rescored.Score.Result.Flagged)

	runs, err := p.ListModelRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestScoreByEventIDUnknown(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	_, err := p.PublishModel(context.Background(), snapshot("v1", 1, 1))
	require.NoError(t, err)

	_, err = p.ScoreByEventID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScoreMismatchedArtifact(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	ctx := context.Background()
	_, err := p.Ingest(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)

	snap := snapshot("v1", 1, 1)
	snap.Columns = []string{"log_amount"}
	_, err = p.PublishModel(ctx, snap)
	assert.ErrorIs(t, err, domain.ErrArtifactMismatch)
}

func TestFlaggedScoreRaisesAlert(t *testing.T) {
	repo := storage.NewMemoryStore()
	notifier := &countingNotifier{}
	alerter := alerting.NewAlerter(alerting.Options{MinRisk: 90, Channels: []string{"test"}},
		repo, map[string]alerting.Notifier{"test": notifier}, zerolog.Nop())
	norm, err := ingest.NewNormalizer("UTC", nil)
	require.NoError(t, err)
	p := New(repo, nil, norm, Options{Alerter: alerter}, zerolog.Nop())
	ctx := context.Background()

	_, err = p.PublishModel(ctx, snapshot("v1", 3, 1))
	require.NoError(t, err)
	_, err = p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)
	// 重复评分不再告警
	_, err = p.ScoreByEventID(ctx, "e-1")
	require.NoError(t, err)

	alerts, err := p.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "e-1", alerts[0].EventID)
	assert.Equal(t, 1, notifier.count())
}

func TestScoreUsesCache(t *testing.T) {
	c := &memoryCache{records: map[string]domain.ScoreRecord{}}
	p, _ := newPipeline(t, Options{Cache: c})
	ctx := context.Background()
	_, err := p.PublishModel(ctx, snapshot("v1", 1, 2))
	require.NoError(t, err)

	first, err := p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := p.ScoreByEventID(ctx, "e-1")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Score, second.Score)
}

func TestReloadAndWatchArtifacts(t *testing.T) {
	dir := t.TempDir()
	p, _ := newPipeline(t, Options{ArtifactDir: dir})
	ctx := context.Background()

	// 目录为空时 watcher 不报错
	require.NoError(t, p.WatchArtifacts(ctx, time.Now()))
	_, err := p.Registry().Current()
	require.ErrorIs(t, err, domain.ErrArtifactMissing)

	writeBundle(t, dir, "v1", 0.5)
	require.NoError(t, p.WatchArtifacts(ctx, time.Now()))
	snap, err := p.Registry().Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Version)

	// 未变化时不重复发布
	require.NoError(t, p.WatchArtifacts(ctx, time.Now()))
	same, err := p.Registry().Current()
	require.NoError(t, err)
	assert.Same(t, snap, same)

	writeBundle(t, dir, "v2", 0.6)
	require.NoError(t, p.WatchArtifacts(ctx, time.Now()))
	snap, err = p.Registry().Current()
	require.NoError(t, err)
	assert.Equal(t, "v2", snap.Version)

	out, err := p.Score(ctx, request("e-1", "2024-03-04T10:00:00", 10, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "v2", out.Score.ModelVersion)
}

func TestReloadWithoutDirectory(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	_, err := p.Reload(context.Background())
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}

func writeBundle(t *testing.T, dir, version string, threshold float64) {
	t.Helper()
	cols := domain.FeatureColumns()
	mean := make([]float64, len(cols))
	scale := make([]float64, len(cols))
	for i := range scale {
		scale[i] = 1
	}
	write := func(name string, v any) {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	}
	write(artifact.ScalerFile, map[string]any{"mean": mean, "scale": scale})
	write(artifact.ForestFile, map[string]any{
		"max_samples": 2,
		"trees": []any{map[string]any{"nodes": []any{
			map[string]any{"feature": 0, "threshold": 0, "left": 1, "right": 2, "n_samples": 3},
			map[string]any{"feature": -1, "n_samples": 1},
			map[string]any{"feature": -1, "n_samples": 2},
		}}},
	})
	write(artifact.ThresholdFile, artifact.Metadata{
		Version:        version,
		ModelType:      artifact.ModelIsolationForest,
		Threshold:      threshold,
		Percentile:     99,
		TrainedRows:    100,
		FeatureColumns: cols,
	})
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context, alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type memoryCache struct {
	mu      sync.Mutex
	records map[string]domain.ScoreRecord
}

func (m *memoryCache) Get(_ context.Context, eventID, version string) (domain.ScoreRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID+"@"+version]
	return rec, ok, nil
}

func (m *memoryCache) Set(_ context.Context, rec domain.ScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.EventID+"@"+rec.ModelVersion] = rec
	return nil
}
