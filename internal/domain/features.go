package domain

import "fmt"

// Feature column names, in the order FeatureVector declares them.
const (
	ColLogAmount     = "log_amount"
	ColTxCount5m     = "tx_count_5m"
	ColTxCount1h     = "tx_count_1h"
	ColSpend1h       = "spend_1h"
	ColIsNewMerchant = "is_new_merchant"
	ColIsNewDevice   = "is_new_device"
	ColIsNewIP       = "is_new_ip"
	ColDistanceKm    = "distance_from_last_km"
	ColSpeedKmph     = "speed_kmph"
	ColHourOfDay     = "hour_of_day"
	ColDayOfWeek     = "day_of_week"
)

// FeatureColumns returns the canonical feature column order.
func FeatureColumns() []string {
	return []string{
		ColLogAmount,
		ColTxCount5m,
		ColTxCount1h,
		ColSpend1h,
		ColIsNewMerchant,
		ColIsNewDevice,
		ColIsNewIP,
		ColDistanceKm,
		ColSpeedKmph,
		ColHourOfDay,
		ColDayOfWeek,
	}
}

// FeatureVector is the immutable behavioral snapshot computed for one event.
type FeatureVector struct {
	LogAmount          float64 `json:"log_amount"`
	TxCount5m          int     `json:"tx_count_5m"`
	TxCount1h          int     `json:"tx_count_1h"`
	Spend1h            float64 `json:"spend_1h"`
	IsNewMerchant      int     `json:"is_new_merchant"`
	IsNewDevice        int     `json:"is_new_device"`
	IsNewIP            int     `json:"is_new_ip"`
	DistanceFromLastKm float64 `json:"distance_from_last_km"`
	SpeedKmph          float64 `json:"speed_kmph"`
	HourOfDay          int     `json:"hour_of_day"`
	DayOfWeek          int     `json:"day_of_week"`
}

// Value looks up a single column by name.
func (v FeatureVector) Value(column string) (float64, bool) {
	switch column {
	case ColLogAmount:
		return v.LogAmount, true
	case ColTxCount5m:
		return float64(v.TxCount5m), true
	case ColTxCount1h:
		return float64(v.TxCount1h), true
	case ColSpend1h:
		return v.Spend1h, true
	case ColIsNewMerchant:
		return float64(v.IsNewMerchant), true
	case ColIsNewDevice:
		return float64(v.IsNewDevice), true
	case ColIsNewIP:
		return float64(v.IsNewIP), true
	case ColDistanceKm:
		return v.DistanceFromLastKm, true
	case ColSpeedKmph:
		return v.SpeedKmph, true
	case ColHourOfDay:
		return float64(v.HourOfDay), true
	case ColDayOfWeek:
		return float64(v.DayOfWeek), true
	default:
		return 0, false
	}
}

// Ordered returns the vector's values in the given column order. Unknown
// columns are an ArtifactMismatch, never zero-filled.
func (v FeatureVector) Ordered(columns []string) ([]float64, error) {
	values := make([]float64, len(columns))
	for i, col := range columns {
		value, ok := v.Value(col)
		if !ok {
			return nil, fmt.Errorf("%w: unknown feature column %q", ErrArtifactMismatch, col)
		}
		values[i] = value
	}
	return values, nil
}

// ValidateColumns checks that columns name exactly the produced feature set,
// in any order and without repeats.
func ValidateColumns(columns []string) error {
	produced := FeatureColumns()
	if len(columns) != len(produced) {
		return fmt.Errorf("%w: expected %d feature columns, artifact declares %d", ErrArtifactMismatch, len(produced), len(columns))
	}
	seen := make(map[string]struct{}, len(columns))
	var probe FeatureVector
	for _, col := range columns {
		if _, ok := probe.Value(col); !ok {
			return fmt.Errorf("%w: unknown feature column %q", ErrArtifactMismatch, col)
		}
		if _, dup := seen[col]; dup {
			return fmt.Errorf("%w: duplicate feature column %q", ErrArtifactMismatch, col)
		}
		seen[col] = struct{}{}
	}
	return nil
}
