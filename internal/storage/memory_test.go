package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraud-anomaly-scoring/internal/domain"
)

var base = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func sampleEvent(id, user string, at time.Time) domain.Event {
	return domain.Event{
		ID:         id,
		UserID:     user,
		MerchantID: "m-1",
		Amount:     decimal.RequireFromString("42.10"),
		Currency:   "USD",
		Timestamp:  at,
		Lat:        40.7,
		Lon:        -74.0,
		DeviceID:   "d-1",
		IP:         "198.51.100.4",
		Channel:    "app",
	}
}

func TestMemoryInsertEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, inserted, err := m.InsertEvent(ctx, sampleEvent("e1", "u1", base), domain.FeatureVector{TxCount1h: 1})
	require.NoError(t, err)
	assert.True(t, inserted)

	// The retry carries different features; the stored vector wins.
	again, inserted, err := m.InsertEvent(ctx, sampleEvent("e1", "u1", base), domain.FeatureVector{TxCount1h: 9})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, m.Len("u1"))
}

func TestMemoryHistoryVisibleAfterInsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, _, err := m.InsertEvent(ctx, sampleEvent("e1", "u1", base), domain.FeatureVector{})
	require.NoError(t, err)

	events, err := m.EventsInWindow(ctx, "u1", base.Add(-time.Hour), base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, events, 1)

	seen, err := m.ExistsPriorWithDevice(ctx, "u1", "d-1", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryGetEventNotFound(t *testing.T) {
	_, err := NewMemoryStore().GetEvent(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryListEventsFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for i, user := range []string{"u1", "u2", "u1"} {
		ev := sampleEvent(string(rune('a'+i)), user, base.Add(time.Duration(i)*time.Minute))
		_, _, err := m.InsertEvent(ctx, ev, domain.FeatureVector{})
		require.NoError(t, err)
	}

	all, err := m.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Event.ID)

	u1, err := m.ListEvents(ctx, EventFilter{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, u1, 1)
	assert.Equal(t, "c", u1[0].Event.ID)
}

func TestMemoryScoresKeyedByVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, _, err := m.InsertEvent(ctx, sampleEvent("e1", "u1", base), domain.FeatureVector{})
	require.NoError(t, err)

	rec := domain.ScoreRecord{EventID: "e1", ModelVersion: "v1", Result: domain.ScoreResult{RiskScore: 80, Flagged: true}}
	stored, inserted, err := m.InsertScore(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotNil(t, stored.Reasons)

	rec.Result.RiskScore = 10
	again, inserted, err := m.InsertScore(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 80.0, again.Result.RiskScore)

	rec.ModelVersion = "v2"
	_, inserted, err = m.InsertScore(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, _, err = m.InsertScore(ctx, domain.ScoreRecord{EventID: "ghost", ModelVersion: "v1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryListScoresQueue(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for i, risk := range []float64{20, 95, 70} {
		id := string(rune('a' + i))
		_, _, err := m.InsertEvent(ctx, sampleEvent(id, "u1", base), domain.FeatureVector{})
		require.NoError(t, err)
		_, _, err = m.InsertScore(ctx, domain.ScoreRecord{
			EventID:      id,
			ModelVersion: "v1",
			Result:       domain.ScoreResult{RiskScore: risk, Flagged: risk >= 70},
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	flagged, err := m.ListScores(ctx, ScoreFilter{FlaggedOnly: true})
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	assert.Equal(t, "c", flagged[0].Score.EventID)

	high, err := m.ListScores(ctx, ScoreFilter{MinRisk: 90})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "b", high[0].Event.ID)

	none, err := m.ListScores(ctx, ScoreFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Empty(t, none)

	window, err := m.ListScoresBetween(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, window, 3)
}

func TestMemoryModelRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.InsertModelRun(ctx, domain.ModelRun{Version: "old", CreatedAt: base}))
	require.NoError(t, m.InsertModelRun(ctx, domain.ModelRun{Version: "new", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, m.InsertModelRun(ctx, domain.ModelRun{Version: "old", CreatedAt: base.Add(2 * time.Hour)}))

	runs, err := m.ListModelRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].Version)
}

func TestMemoryAlertsAndRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, found, err := m.LastAlertForUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = m.InsertAlert(ctx, domain.AlertRecord{EventID: "e1", UserID: "u1", CreatedAt: base})
	require.NoError(t, err)
	rec, err := m.InsertAlert(ctx, domain.AlertRecord{EventID: "e2", UserID: "u1", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ID)

	last, found, err := m.LastAlertForUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, base.Add(time.Hour), last)

	require.NoError(t, m.DeleteAlertsBefore(ctx, base.Add(time.Minute)))
	alerts, err := m.ListRecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "e2", alerts[0].EventID)
}

func TestMemoryAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	unlock, ok, err := m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock()
	_, ok, err = m.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}
