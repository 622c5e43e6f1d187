package storage

import (
	"time"

	"fraud-anomaly-scoring/internal/domain"
)

// EventFilter narrows ListEvents. A zero UserID matches every user.
type EventFilter struct {
	Limit  int
	UserID string
}

// ScoreFilter narrows ListScores, mirroring the analyst review queue.
type ScoreFilter struct {
	Limit       int
	FlaggedOnly bool
	MinRisk     float64
	UserID      string
}

// ScoredEvent joins a score row with the event it belongs to.
type ScoredEvent struct {
	Event domain.Event
	Score domain.ScoreRecord
}

// DefaultListLimit applies when a filter leaves Limit at zero.
const DefaultListLimit = 100

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// naive strips any zone so values round-trip through TIMESTAMP columns unchanged.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
