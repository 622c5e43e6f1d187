// Package reasons explains a scored event with a short, ranked list of the
// behavioral rules it tripped.
package reasons

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/history"
	"fraud-anomaly-scoring/internal/tracing"
)

const (
	// MaxReasons caps how many reasons one pass returns.
	MaxReasons = 3

	ImpossibleTravelKmph = 900.0
	HighVelocity5m       = 3
	HighSpend1h          = 800.0

	// amount_spike baseline: sample size, minimum history and multiplier.
	SpikeSample     = history.DefaultRecentAmounts
	SpikeMinHistory = 10
	SpikeFactor     = 4
)

var spikeFactor = decimal.NewFromInt(SpikeFactor)

type input struct {
	event    domain.Event
	features domain.FeatureVector
	amounts  []decimal.Decimal
}

type rule struct {
	kind     domain.ReasonKind
	severity int
	eval     func(in input) (string, bool)
}

// rules are evaluated in this order; the position breaks severity ties.
var rules = []rule{
	{domain.ReasonNewDevice, 85, func(in input) (string, bool) {
		return "Device not seen before for this user", in.features.IsNewDevice == 1
	}},
	{domain.ReasonNewIP, 80, func(in input) (string, bool) {
		return "IP address not seen before for this user", in.features.IsNewIP == 1
	}},
	{domain.ReasonNewMerchant, 65, func(in input) (string, bool) {
		return "Merchant not seen before for this user", in.features.IsNewMerchant == 1
	}},
	{domain.ReasonImpossibleTravel, 95, func(in input) (string, bool) {
		speed := in.features.SpeedKmph
		return fmt.Sprintf("Travel speed %.0f km/h", speed), speed >= ImpossibleTravelKmph
	}},
	{domain.ReasonHighVelocity5m, 90, func(in input) (string, bool) {
		n := in.features.TxCount5m
		return fmt.Sprintf("%d transactions in 5 minutes", n), n >= HighVelocity5m
	}},
	{domain.ReasonHighSpend1h, 70, func(in input) (string, bool) {
		spend := in.features.Spend1h
		return fmt.Sprintf("$%.2f spend in last hour", spend), spend >= HighSpend1h
	}},
	{domain.ReasonAmountSpike, 75, amountSpike},
}

func amountSpike(in input) (string, bool) {
	if len(in.amounts) < SpikeMinHistory {
		return "", false
	}
	median := LowerMedian(in.amounts)
	if !median.IsPositive() || in.event.Amount.LessThan(median.Mul(spikeFactor)) {
		return "", false
	}
	return fmt.Sprintf("Amount $%.2f is >= 4x user median $%.2f",
		in.event.Amount.InexactFloat64(), median.InexactFloat64()), true
}

// Explain evaluates every rule against ev and its feature vector and returns
// at most MaxReasons, highest severity first. The only history it reads is
// the recent amount sample for the spike rule.
func Explain(ctx context.Context, hist history.Store, ev domain.Event, fv domain.FeatureVector) (out []domain.Reason, err error) {
	ctx, span := tracing.StartSpan(ctx, "reasons.explain", tracing.EventID(ev.ID), tracing.UserID(ev.UserID))
	defer func() { tracing.EndSpan(span, err) }()

	amounts, err := hist.RecentAmounts(ctx, ev.UserID, ev.Timestamp, SpikeSample)
	if err != nil {
		return nil, domain.WrapHistory("recent_amounts", err)
	}
	return Evaluate(ev, fv, amounts), nil
}

// Evaluate is the pure part of Explain: amounts are the prior amounts, most
// recent first, at most SpikeSample of them.
func Evaluate(ev domain.Event, fv domain.FeatureVector, amounts []decimal.Decimal) []domain.Reason {
	in := input{event: ev, features: fv, amounts: amounts}

	type fired struct {
		index  int
		reason domain.Reason
	}
	var hits []fired
	for i, r := range rules {
		detail, ok := r.eval(in)
		if !ok {
			continue
		}
		hits = append(hits, fired{index: i, reason: domain.Reason{Kind: r.kind, Detail: detail, Severity: r.severity}})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].reason.Severity != hits[b].reason.Severity {
			return hits[a].reason.Severity > hits[b].reason.Severity
		}
		return hits[a].index < hits[b].index
	})
	if len(hits) > MaxReasons {
		hits = hits[:MaxReasons]
	}

	out := make([]domain.Reason, len(hits))
	for i, h := range hits {
		out[i] = h.reason
	}
	return out
}

// LowerMedian returns sorted[n/2]: for even n this is the upper of the two
// middle values of the ascending sort, never their mean.
func LowerMedian(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	return sorted[len(sorted)/2]
}
