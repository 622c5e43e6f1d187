// Package features turns one event plus its user's history into a feature vector.
package features

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/history"
	"fraud-anomaly-scoring/internal/tracing"
)

const (
	// EarthRadiusKm is the sphere radius used for great-circle distance.
	EarthRadiusKm = 6371.0

	Window5m = 5 * time.Minute
	Window1h = time.Hour
)

// Compute derives the feature vector for ev. It holds no state; the result
// depends only on ev and what hist returns for events strictly before
// ev.Timestamp.
func Compute(ctx context.Context, hist history.Store, ev domain.Event) (fv domain.FeatureVector, err error) {
	ctx, span := tracing.StartSpan(ctx, "features.compute", tracing.EventID(ev.ID), tracing.UserID(ev.UserID))
	defer func() { tracing.EndSpan(span, err) }()

	t := ev.Timestamp

	recent5m, err := hist.EventsInWindow(ctx, ev.UserID, t.Add(-Window5m), t)
	if err != nil {
		return domain.FeatureVector{}, domain.WrapHistory("events_in_window", err)
	}
	recent1h, err := hist.EventsInWindow(ctx, ev.UserID, t.Add(-Window1h), t)
	if err != nil {
		return domain.FeatureVector{}, domain.WrapHistory("events_in_window", err)
	}

	spend := decimal.Zero
	for _, e := range recent1h {
		spend = spend.Add(e.Amount)
	}

	newMerchant, err := novelty(hist.ExistsPriorWithMerchant(ctx, ev.UserID, ev.MerchantID, t))
	if err != nil {
		return domain.FeatureVector{}, domain.WrapHistory("exists_prior_merchant", err)
	}
	newDevice, err := novelty(hist.ExistsPriorWithDevice(ctx, ev.UserID, ev.DeviceID, t))
	if err != nil {
		return domain.FeatureVector{}, domain.WrapHistory("exists_prior_device", err)
	}
	newIP, err := novelty(hist.ExistsPriorWithIP(ctx, ev.UserID, ev.IP, t))
	if err != nil {
		return domain.FeatureVector{}, domain.WrapHistory("exists_prior_ip", err)
	}

	last, found, err := hist.MostRecentEventBefore(ctx, ev.UserID, t)
	if err != nil {
		return domain.FeatureVector{}, domain.WrapHistory("most_recent_event_before", err)
	}
	var distance, speed float64
	if found {
		distance = HaversineKm(last.Lat, last.Lon, ev.Lat, ev.Lon)
		speed = SpeedKmph(distance, t.Sub(last.Timestamp))
	}

	return domain.FeatureVector{
		LogAmount:          LogAmount(ev.Amount),
		TxCount5m:          len(recent5m),
		TxCount1h:          len(recent1h),
		Spend1h:            spend.InexactFloat64(),
		IsNewMerchant:      newMerchant,
		IsNewDevice:        newDevice,
		IsNewIP:            newIP,
		DistanceFromLastKm: distance,
		SpeedKmph:          speed,
		HourOfDay:          t.Hour(),
		DayOfWeek:          ISOWeekday(t),
	}, nil
}

func novelty(seen bool, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if seen {
		return 0, nil
	}
	return 1, nil
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Pow(math.Sin(dLon/2), 2)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

// SpeedKmph is distance over elapsed hours; zero unless elapsed is strictly positive.
func SpeedKmph(distanceKm float64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return distanceKm / (seconds / 3600.0)
}

// LogAmount is ln(amount) for positive amounts and 0 otherwise.
func LogAmount(amount decimal.Decimal) float64 {
	if !amount.IsPositive() {
		return 0
	}
	return math.Log(amount.InexactFloat64())
}

// ISOWeekday maps the timestamp's weekday onto 0=Monday..6=Sunday.
func ISOWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
