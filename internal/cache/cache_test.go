package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"fraud-anomaly-scoring/internal/domain"
)

func TestKeyLayout(t *testing.T) {
	r := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), Options{}, zerolog.Nop())
	assert.Equal(t, "fraudwatcher:score:v1:evt-9", r.Key("evt-9", "v1"))
	assert.Equal(t, 24*time.Hour, r.ttl)
}

func startRedis(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	r, err := NewRedis(ctx, Options{Addr: endpoint, TTL: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisRoundTrip(t *testing.T) {
	r := startRedis(t)
	ctx := context.Background()

	_, found, err := r.Get(ctx, "evt-1", "v1")
	require.NoError(t, err)
	assert.False(t, found)

	rec := domain.ScoreRecord{
		EventID:      "evt-1",
		ModelVersion: "v1",
		Result:       domain.ScoreResult{AnomalyScore: 0.71, RiskScore: 100, Flagged: true},
		Reasons:      []domain.Reason{{Kind: domain.ReasonHighVelocity5m, Detail: "4 transactions in 5 minutes", Severity: 90}},
		CreatedAt:    time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Set(ctx, rec))

	// Second write must not replace the first.
	other := rec
	other.Result.RiskScore = 1
	require.NoError(t, r.Set(ctx, other))

	got, found, err := r.Get(ctx, "evt-1", "v1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)
}
