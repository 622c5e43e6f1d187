package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is one transaction attempt. Timestamp carries a naive wall clock
// expressed in the UTC location; no zone arithmetic is applied to it.
type Event struct {
	ID         string          `json:"event_id"`
	UserID     string          `json:"user_id"`
	MerchantID string          `json:"merchant_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Timestamp  time.Time       `json:"timestamp"`
	Lat        float64         `json:"lat"`
	Lon        float64         `json:"lon"`
	DeviceID   string          `json:"device_id"`
	IP         string          `json:"ip"`
	Channel    string          `json:"channel"`
}

// IngestedEvent pairs a stored event with the feature vector computed for it.
type IngestedEvent struct {
	Event      Event         `json:"event"`
	Features   FeatureVector `json:"features"`
	IngestedAt time.Time     `json:"ingested_at"`
}

// ScoreRecord is a persisted scoring outcome for one event under one model version.
type ScoreRecord struct {
	EventID      string      `json:"event_id"`
	ModelVersion string      `json:"model_version"`
	Result       ScoreResult `json:"result"`
	Reasons      []Reason    `json:"reasons"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ModelRun records a published model artifact.
type ModelRun struct {
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at_utc"`
	ModelType      string    `json:"model_type"`
	TrainedRows    int       `json:"trained_rows"`
	Threshold      float64   `json:"threshold"`
	Percentile     float64   `json:"percentile"`
	FeatureColumns []string  `json:"feature_columns"`
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	RiskScore float64   `json:"risk_score"`
	Reasons   []Reason  `json:"reasons"`
	Channels  []string  `json:"channels"`
	CreatedAt time.Time `json:"created_at"`
}
