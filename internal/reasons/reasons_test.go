package reasons

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/features"
	"fraud-anomaly-scoring/internal/history"
)

var now = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func event(id string, at time.Time, amount string) domain.Event {
	return domain.Event{
		ID:         id,
		UserID:     "user-1",
		MerchantID: "merchant-1",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		Timestamp:  at,
		DeviceID:   "device-1",
		IP:         "10.0.0.1",
		Channel:    "web",
	}
}

func amounts(values ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func kinds(rs []domain.Reason) []domain.ReasonKind {
	out := make([]domain.ReasonKind, len(rs))
	for i, r := range rs {
		out[i] = r.Kind
	}
	return out
}

func TestNoReasonsForQuietEvent(t *testing.T) {
	got := Evaluate(event("e", now, "10"), domain.FeatureVector{}, nil)
	assert.Empty(t, got)
}

func TestImpossibleTravelFromHistory(t *testing.T) {
	idx := history.NewMemoryIndex()
	prev := event("prev", now.Add(-10*time.Minute), "10")
	idx.Append(prev)

	cur := event("cur", now, "10")
	cur.Lat = 500 / (features.EarthRadiusKm * math.Pi / 180)

	fv, err := features.Compute(context.Background(), idx, cur)
	require.NoError(t, err)

	got, err := Explain(context.Background(), idx, cur, fv)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.ReasonImpossibleTravel, got[0].Kind)
	assert.Equal(t, 95, got[0].Severity)
	assert.Equal(t, "Travel speed 3000 km/h", got[0].Detail)
}

func TestAmountSpikeFires(t *testing.T) {
	prior := amounts(50, 50, 50, 50, 50, 50, 50, 50, 50, 50)
	got := Evaluate(event("e", now, "250"), domain.FeatureVector{}, prior)

	require.Len(t, got, 1)
	assert.Equal(t, domain.ReasonAmountSpike, got[0].Kind)
	assert.Equal(t, 75, got[0].Severity)
	assert.Equal(t, "Amount $250.00 is >= 4x user median $50.00", got[0].Detail)
}

func TestAmountSpikeBoundaryInclusive(t *testing.T) {
	prior := amounts(50, 50, 50, 50, 50, 50, 50, 50, 50, 50)
	assert.Len(t, Evaluate(event("e", now, "200"), domain.FeatureVector{}, prior), 1)
	assert.Empty(t, Evaluate(event("e", now, "199.99"), domain.FeatureVector{}, prior))
}

func TestAmountSpikeNeedsTenPriorAmounts(t *testing.T) {
	prior := amounts(50, 50, 50, 50, 50, 50, 50, 50, 50)
	assert.Empty(t, Evaluate(event("e", now, "10000"), domain.FeatureVector{}, prior))
}

func TestAmountSpikeZeroMedian(t *testing.T) {
	prior := amounts(0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	assert.Empty(t, Evaluate(event("e", now, "10"), domain.FeatureVector{}, prior))
}

func TestLowerMedian(t *testing.T) {
	assert.True(t, LowerMedian(amounts(5, 1, 3)).Equal(decimal.NewFromInt(3)))
	// Even count picks sorted[n/2], not the mean of the middle pair.
	assert.True(t, LowerMedian(amounts(4, 1, 3, 2)).Equal(decimal.NewFromInt(3)))
	assert.True(t, LowerMedian(nil).IsZero())
}

func TestCappedAtThreeBySeverity(t *testing.T) {
	fv := domain.FeatureVector{
		IsNewDevice:   1,
		IsNewIP:       1,
		IsNewMerchant: 1,
		SpeedKmph:     1200,
		TxCount5m:     4,
		Spend1h:       900,
	}
	got := Evaluate(event("e", now, "10"), fv, nil)

	assert.Equal(t, []domain.ReasonKind{
		domain.ReasonImpossibleTravel,
		domain.ReasonHighVelocity5m,
		domain.ReasonNewDevice,
	}, kinds(got))
}

func TestFullOrderingWithoutCap(t *testing.T) {
	fv := domain.FeatureVector{IsNewMerchant: 1, Spend1h: 800}
	prior := amounts(10, 10, 10, 10, 10, 10, 10, 10, 10, 10)
	got := Evaluate(event("e", now, "40"), fv, prior)

	assert.Equal(t, []domain.ReasonKind{
		domain.ReasonAmountSpike,
		domain.ReasonHighSpend1h,
		domain.ReasonNewMerchant,
	}, kinds(got))
	assert.Equal(t, "$800.00 spend in last hour", got[1].Detail)
}

func TestEqualSeverityKeepsRuleOrder(t *testing.T) {
	saved := rules
	t.Cleanup(func() { rules = saved })

	always := func(in input) (string, bool) { return "x", true }
	rules = []rule{
		{domain.ReasonHighSpend1h, 50, always},
		{domain.ReasonNewIP, 50, always},
		{domain.ReasonNewDevice, 50, always},
		{domain.ReasonNewMerchant, 50, always},
	}
	got := Evaluate(event("e", now, "1"), domain.FeatureVector{}, nil)
	assert.Equal(t, []domain.ReasonKind{
		domain.ReasonHighSpend1h,
		domain.ReasonNewIP,
		domain.ReasonNewDevice,
	}, kinds(got))
}

type brokenAmounts struct {
	history.Store
}

func (brokenAmounts) RecentAmounts(context.Context, string, time.Time, int) ([]decimal.Decimal, error) {
	return nil, errors.New("timeout")
}

func TestExplainPropagatesHistoryErrors(t *testing.T) {
	_, err := Explain(context.Background(), brokenAmounts{}, event("e", now, "1"), domain.FeatureVector{})

	var hse *domain.HistoryStoreError
	require.ErrorAs(t, err, &hse)
	assert.Equal(t, "recent_amounts", hse.Op)
}
