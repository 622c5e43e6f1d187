package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
)

// MemoryIndex keeps each user's events sorted by timestamp. Appends are
// visible to readers only once fully written.
type MemoryIndex struct {
	users sync.Map // map[string]*userLog
}

type userLog struct {
	mu       sync.RWMutex
	events   []domain.Event
	merchant map[string]time.Time // earliest timestamp per value
	device   map[string]time.Time
	ip       map[string]time.Time
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Append inserts ev in timestamp order. Events sharing a timestamp keep
// their arrival order.
func (m *MemoryIndex) Append(ev domain.Event) {
	log := m.getLog(ev.UserID)
	log.mu.Lock()
	defer log.mu.Unlock()

	idx := sort.Search(len(log.events), func(i int) bool {
		return log.events[i].Timestamp.After(ev.Timestamp)
	})
	log.events = append(log.events, domain.Event{})
	copy(log.events[idx+1:], log.events[idx:])
	log.events[idx] = ev

	noteFirstSeen(log.merchant, ev.MerchantID, ev.Timestamp)
	noteFirstSeen(log.device, ev.DeviceID, ev.Timestamp)
	noteFirstSeen(log.ip, ev.IP, ev.Timestamp)
}

// Len reports how many events are indexed for userID.
func (m *MemoryIndex) Len(userID string) int {
	v, ok := m.users.Load(userID)
	if !ok {
		return 0
	}
	log := v.(*userLog)
	log.mu.RLock()
	defer log.mu.RUnlock()
	return len(log.events)
}

func (m *MemoryIndex) getLog(userID string) *userLog {
	if v, ok := m.users.Load(userID); ok {
		return v.(*userLog)
	}
	v, _ := m.users.LoadOrStore(userID, &userLog{
		merchant: make(map[string]time.Time),
		device:   make(map[string]time.Time),
		ip:       make(map[string]time.Time),
	})
	return v.(*userLog)
}

func (m *MemoryIndex) readLog(userID string) (*userLog, bool) {
	v, ok := m.users.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*userLog), true
}

func noteFirstSeen(seen map[string]time.Time, value string, ts time.Time) {
	if first, ok := seen[value]; !ok || ts.Before(first) {
		seen[value] = ts
	}
}

// firstBefore returns the number of events with timestamp < t (caller holds lock).
func (l *userLog) firstBefore(t time.Time) int {
	return sort.Search(len(l.events), func(i int) bool {
		return !l.events[i].Timestamp.Before(t)
	})
}

// EventsInWindow implements Store.
func (m *MemoryIndex) EventsInWindow(ctx context.Context, userID string, start, end time.Time) ([]domain.Event, error) {
	log, ok := m.readLog(userID)
	if !ok {
		return nil, nil
	}
	log.mu.RLock()
	defer log.mu.RUnlock()

	lo := log.firstBefore(start)
	hi := log.firstBefore(end)
	if lo >= hi {
		return nil, nil
	}
	out := make([]domain.Event, hi-lo)
	copy(out, log.events[lo:hi])
	return out, nil
}

// MostRecentEventBefore implements Store.
func (m *MemoryIndex) MostRecentEventBefore(ctx context.Context, userID string, t time.Time) (domain.Event, bool, error) {
	log, ok := m.readLog(userID)
	if !ok {
		return domain.Event{}, false, nil
	}
	log.mu.RLock()
	defer log.mu.RUnlock()

	n := log.firstBefore(t)
	if n == 0 {
		return domain.Event{}, false, nil
	}
	return log.events[n-1], true, nil
}

// ExistsPriorWithMerchant implements Store.
func (m *MemoryIndex) ExistsPriorWithMerchant(ctx context.Context, userID, merchantID string, t time.Time) (bool, error) {
	return m.seenBefore(userID, t, func(l *userLog) map[string]time.Time { return l.merchant }, merchantID), nil
}

// ExistsPriorWithDevice implements Store.
func (m *MemoryIndex) ExistsPriorWithDevice(ctx context.Context, userID, deviceID string, t time.Time) (bool, error) {
	return m.seenBefore(userID, t, func(l *userLog) map[string]time.Time { return l.device }, deviceID), nil
}

// ExistsPriorWithIP implements Store.
func (m *MemoryIndex) ExistsPriorWithIP(ctx context.Context, userID, ip string, t time.Time) (bool, error) {
	return m.seenBefore(userID, t, func(l *userLog) map[string]time.Time { return l.ip }, ip), nil
}

func (m *MemoryIndex) seenBefore(userID string, t time.Time, pick func(*userLog) map[string]time.Time, value string) bool {
	log, ok := m.readLog(userID)
	if !ok {
		return false
	}
	log.mu.RLock()
	defer log.mu.RUnlock()

	first, ok := pick(log)[value]
	return ok && first.Before(t)
}

// RecentAmounts implements Store.
func (m *MemoryIndex) RecentAmounts(ctx context.Context, userID string, t time.Time, limit int) ([]decimal.Decimal, error) {
	if limit <= 0 {
		return nil, nil
	}
	log, ok := m.readLog(userID)
	if !ok {
		return nil, nil
	}
	log.mu.RLock()
	defer log.mu.RUnlock()

	n := log.firstBefore(t)
	count := n
	if count > limit {
		count = limit
	}
	out := make([]decimal.Decimal, 0, count)
	for i := n - 1; i >= 0 && len(out) < count; i-- {
		out = append(out, log.events[i].Amount)
	}
	return out, nil
}

var _ Store = (*MemoryIndex)(nil)
