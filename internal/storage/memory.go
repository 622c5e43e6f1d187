package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/history"
)

// MemoryStore is a process-local Repository for tests, replays and runs
// without a database. History queries are served by a history.MemoryIndex.
type MemoryStore struct {
	*history.MemoryIndex

	mu      sync.RWMutex
	events  map[string]domain.IngestedEvent
	order   []string // event IDs in insertion order
	scores  map[scoreKey]domain.ScoreRecord
	runs    map[string]domain.ModelRun
	alerts  []domain.AlertRecord
	nextID  int64
	locks   map[int64]bool
	nowFunc func() time.Time
}

type scoreKey struct {
	eventID string
	version string
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryIndex: history.NewMemoryIndex(),
		events:      make(map[string]domain.IngestedEvent),
		scores:      make(map[scoreKey]domain.ScoreRecord),
		runs:        make(map[string]domain.ModelRun),
		locks:       make(map[int64]bool),
		nowFunc:     time.Now,
	}
}

func (m *MemoryStore) now() time.Time {
	return m.nowFunc().UTC()
}

// InsertEvent implements EventRepository.
func (m *MemoryStore) InsertEvent(_ context.Context, ev domain.Event, fv domain.FeatureVector) (domain.IngestedEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.events[ev.ID]; ok {
		return stored, false, nil
	}
	ev.Timestamp = naive(ev.Timestamp)
	ie := domain.IngestedEvent{Event: ev, Features: fv, IngestedAt: m.now()}
	m.events[ev.ID] = ie
	m.order = append(m.order, ev.ID)
	m.MemoryIndex.Append(ev)
	return ie, true, nil
}

// GetEvent implements EventRepository.
func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (domain.IngestedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ie, ok := m.events[eventID]
	if !ok {
		return domain.IngestedEvent{}, fmt.Errorf("event %s: %w", eventID, domain.ErrNotFound)
	}
	return ie, nil
}

// ListEvents implements EventRepository, newest event time first.
func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]domain.IngestedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.IngestedEvent, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		ie := m.events[m.order[i]]
		if filter.UserID != "" && ie.Event.UserID != filter.UserID {
			continue
		}
		out = append(out, ie)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Event.Timestamp.After(out[j].Event.Timestamp)
	})
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertScore implements ScoreRepository.
func (m *MemoryStore) InsertScore(_ context.Context, rec domain.ScoreRecord) (domain.ScoreRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scoreKey{eventID: rec.EventID, version: rec.ModelVersion}
	if stored, ok := m.scores[key]; ok {
		return stored, false, nil
	}
	if _, ok := m.events[rec.EventID]; !ok {
		return domain.ScoreRecord{}, false, fmt.Errorf("insert score: event %s: %w", rec.EventID, domain.ErrNotFound)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	if rec.Reasons == nil {
		rec.Reasons = []domain.Reason{}
	}
	m.scores[key] = rec
	return rec, true, nil
}

// GetScore implements ScoreRepository.
func (m *MemoryStore) GetScore(_ context.Context, eventID, modelVersion string) (domain.ScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scores[scoreKey{eventID: eventID, version: modelVersion}]
	if !ok {
		return domain.ScoreRecord{}, fmt.Errorf("score %s@%s: %w", eventID, modelVersion, domain.ErrNotFound)
	}
	return rec, nil
}

// ListScores implements ScoreRepository, most recently scored first.
func (m *MemoryStore) ListScores(_ context.Context, filter ScoreFilter) ([]ScoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ScoredEvent, 0)
	for _, rec := range m.scores {
		ev := m.events[rec.EventID].Event
		if filter.FlaggedOnly && !rec.Result.Flagged {
			continue
		}
		if rec.Result.RiskScore < filter.MinRisk {
			continue
		}
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		out = append(out, ScoredEvent{Event: ev, Score: rec})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Score, out[j].Score
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		return a.ModelVersion < b.ModelVersion
	})
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListScoresBetween implements ScoreRepository for events with from <= ts < to.
func (m *MemoryStore) ListScoresBetween(_ context.Context, from, to time.Time) ([]ScoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from, to = naive(from), naive(to)
	out := make([]ScoredEvent, 0)
	for _, rec := range m.scores {
		ev := m.events[rec.EventID].Event
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ScoredEvent{Event: ev, Score: rec})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Event.Timestamp.Equal(b.Event.Timestamp) {
			return a.Event.Timestamp.Before(b.Event.Timestamp)
		}
		return a.Score.CreatedAt.Before(b.Score.CreatedAt)
	})
	return out, nil
}

// InsertModelRun implements ModelRunRepository.
func (m *MemoryStore) InsertModelRun(_ context.Context, run domain.ModelRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.Version]; !ok {
		m.runs[run.Version] = run
	}
	return nil
}

// ListModelRuns implements ModelRunRepository.
func (m *MemoryStore) ListModelRuns(_ context.Context, limit int) ([]domain.ModelRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ModelRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = limitOrDefault(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertAlert implements AlertStore.
func (m *MemoryStore) InsertAlert(_ context.Context, alert domain.AlertRecord) (domain.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	alert.ID = m.nextID
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

// ListRecentAlerts implements AlertStore.
func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]domain.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = limitOrDefault(limit)
	out := make([]domain.AlertRecord, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

// LastAlertForUser implements AlertStore.
func (m *MemoryStore) LastAlertForUser(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].UserID == userID {
			return m.alerts[i].CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

// DeleteAlertsBefore implements AlertStore.
func (m *MemoryStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return nil
}

// TryAdvisoryLock implements AdvisoryLocker within the process.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}, true, nil
}
