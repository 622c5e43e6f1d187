// Package history defines the narrow per-user event history queries the
// feature and reason engines read from, plus an in-memory index implementing them.
package history

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
)

// DefaultRecentAmounts is the sample size used for the amount spike baseline.
const DefaultRecentAmounts = 30

// Store answers history queries for a single user. All queries only see
// events with a timestamp strictly before the bound they are given, so the
// event being scored never counts against itself.
type Store interface {
	// EventsInWindow returns events with start <= timestamp < end, oldest first.
	EventsInWindow(ctx context.Context, userID string, start, end time.Time) ([]domain.Event, error)
	// MostRecentEventBefore returns the latest event strictly before t.
	MostRecentEventBefore(ctx context.Context, userID string, t time.Time) (domain.Event, bool, error)
	ExistsPriorWithMerchant(ctx context.Context, userID, merchantID string, t time.Time) (bool, error)
	ExistsPriorWithDevice(ctx context.Context, userID, deviceID string, t time.Time) (bool, error)
	ExistsPriorWithIP(ctx context.Context, userID, ip string, t time.Time) (bool, error)
	// RecentAmounts returns up to limit amounts strictly before t, most recent first.
	RecentAmounts(ctx context.Context, userID string, t time.Time, limit int) ([]decimal.Decimal, error)
}
