package api

import (
	"time"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/pipeline"
	"fraud-anomaly-scoring/internal/storage"
)

type ingestResponse struct {
	EventID   string `json:"stored_event_id"`
	Duplicate bool   `json:"duplicate"`
	domain.FeatureVector
}

type scoreResponse struct {
	EventID      string          `json:"event_id"`
	ModelVersion string          `json:"model_version"`
	AnomalyScore float64         `json:"anomaly_score"`
	RiskScore    float64         `json:"risk_score"`
	Flagged      bool            `json:"flagged"`
	Reasons      []domain.Reason `json:"reasons"`
	Cached       bool            `json:"cached,omitempty"`
}

type scoreByEventIDRequest struct {
	EventID string `json:"event_id" binding:"required"`
}

type eventResponse struct {
	EventID    string  `json:"event_id"`
	UserID     string  `json:"user_id"`
	MerchantID string  `json:"merchant_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Timestamp  string  `json:"timestamp"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	DeviceID   string  `json:"device_id"`
	IP         string  `json:"ip"`
	Channel    string  `json:"channel"`
	domain.FeatureVector
}

type scoreQueueItem struct {
	EventID      string          `json:"event_id"`
	UserID       string          `json:"user_id"`
	MerchantID   string          `json:"merchant_id"`
	Amount       float64         `json:"amount"`
	Currency     string          `json:"currency"`
	Timestamp    string          `json:"timestamp"`
	DeviceID     string          `json:"device_id"`
	IP           string          `json:"ip"`
	Channel      string          `json:"channel"`
	ModelVersion string          `json:"model_version"`
	AnomalyScore float64         `json:"anomaly_score"`
	RiskScore    float64         `json:"risk_score"`
	Flagged      bool            `json:"flagged"`
	Reasons      []domain.Reason `json:"reasons"`
	ScoredAtUTC  string          `json:"scored_at_utc"`
}

type modelRunItem struct {
	Version        string   `json:"version"`
	CreatedAtUTC   string   `json:"created_at_utc"`
	ModelType      string   `json:"model_type"`
	TrainedRows    int      `json:"trained_rows"`
	Threshold      float64  `json:"threshold"`
	Percentile     float64  `json:"percentile"`
	FeatureColumns []string `json:"feature_columns"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// isoformat renders naive timestamps without a zone suffix; microseconds are
// shown only when present.
func isoformat(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02T15:04:05")
	}
	return t.Format("2006-01-02T15:04:05.000000")
}

func toScoreResponse(out pipeline.ScoreOutcome) scoreResponse {
	reasons := out.Score.Reasons
	if reasons == nil {
		reasons = []domain.Reason{}
	}
	return scoreResponse{
		EventID:      out.Event.ID,
		ModelVersion: out.Score.ModelVersion,
		AnomalyScore: out.Score.Result.AnomalyScore,
		RiskScore:    out.Score.Result.RiskScore,
		Flagged:      out.Score.Result.Flagged,
		Reasons:      reasons,
		Cached:       out.Cached,
	}
}

func toEventResponse(ie domain.IngestedEvent) eventResponse {
	ev := ie.Event
	return eventResponse{
		EventID:       ev.ID,
		UserID:        ev.UserID,
		MerchantID:    ev.MerchantID,
		Amount:        ev.Amount.InexactFloat64(),
		Currency:      ev.Currency,
		Timestamp:     isoformat(ev.Timestamp),
		Lat:           ev.Lat,
		Lon:           ev.Lon,
		DeviceID:      ev.DeviceID,
		IP:            ev.IP,
		Channel:       ev.Channel,
		FeatureVector: ie.Features,
	}
}

func toScoreQueueItem(se storage.ScoredEvent) scoreQueueItem {
	ev, sc := se.Event, se.Score
	reasons := sc.Reasons
	if reasons == nil {
		reasons = []domain.Reason{}
	}
	return scoreQueueItem{
		EventID:      ev.ID,
		UserID:       ev.UserID,
		MerchantID:   ev.MerchantID,
		Amount:       ev.Amount.InexactFloat64(),
		Currency:     ev.Currency,
		Timestamp:    isoformat(ev.Timestamp),
		DeviceID:     ev.DeviceID,
		IP:           ev.IP,
		Channel:      ev.Channel,
		ModelVersion: sc.ModelVersion,
		AnomalyScore: sc.Result.AnomalyScore,
		RiskScore:    sc.Result.RiskScore,
		Flagged:      sc.Result.Flagged,
		Reasons:      reasons,
		ScoredAtUTC:  isoformat(sc.CreatedAt.UTC()),
	}
}

func toModelRunItem(run domain.ModelRun) modelRunItem {
	cols := run.FeatureColumns
	if cols == nil {
		cols = []string{}
	}
	return modelRunItem{
		Version:        run.Version,
		CreatedAtUTC:   isoformat(run.CreatedAt.UTC()),
		ModelType:      run.ModelType,
		TrainedRows:    run.TrainedRows,
		Threshold:      run.Threshold,
		Percentile:     run.Percentile,
		FeatureColumns: cols,
	}
}
