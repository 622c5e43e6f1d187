// Package scoring maps feature vectors through the published model snapshot
// onto a raw anomaly score, a bounded risk score and a flag.
package scoring

import (
	"fmt"
	"time"

	"fraud-anomaly-scoring/internal/domain"
)

// Scorer is the opaque model: larger raw scores are more anomalous.
type Scorer interface {
	RawScore(values []float64) (float64, error)
}

// Scaler standardises values column-wise before they reach the scorer.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform returns (x - mean) / scale. A zero scale is treated as 1.
func (s *Scaler) Transform(values []float64) ([]float64, error) {
	if s == nil {
		return values, nil
	}
	if len(s.Mean) != len(values) || len(s.Scale) != len(values) {
		return nil, fmt.Errorf("%w: scaler expects %d values, got %d", domain.ErrArtifactMismatch, len(s.Mean), len(values))
	}
	out := make([]float64, len(values))
	for i, v := range values {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

// Snapshot is one published model version. It is never modified after
// publication; a new artifact produces a new Snapshot.
type Snapshot struct {
	Version     string
	ModelType   string
	Columns     []string
	Threshold   float64
	Percentile  float64
	TrainedRows int
	TrainedAt   string
	Scaler      *Scaler
	Scorer      Scorer
	LoadedAt    time.Time
}

// Validate checks the snapshot is complete and agrees with the feature engine.
func (s *Snapshot) Validate() error {
	if s == nil || s.Scorer == nil {
		return domain.ErrArtifactMissing
	}
	if err := domain.ValidateColumns(s.Columns); err != nil {
		return err
	}
	if s.Scaler != nil && (len(s.Scaler.Mean) != len(s.Columns) || len(s.Scaler.Scale) != len(s.Columns)) {
		return fmt.Errorf("%w: scaler has %d/%d entries for %d columns", domain.ErrArtifactMismatch, len(s.Scaler.Mean), len(s.Scaler.Scale), len(s.Columns))
	}
	return nil
}

// ModelRun describes the snapshot for the model run ledger.
func (s *Snapshot) ModelRun() domain.ModelRun {
	cols := make([]string, len(s.Columns))
	copy(cols, s.Columns)
	return domain.ModelRun{
		Version:        s.Version,
		CreatedAt:      s.LoadedAt,
		ModelType:      s.ModelType,
		TrainedRows:    s.TrainedRows,
		Threshold:      s.Threshold,
		Percentile:     s.Percentile,
		FeatureColumns: cols,
	}
}

// Score runs vector through snap. A nil snapshot means nothing has been
// published and fails with ErrArtifactMissing rather than scoring zero.
func Score(vector domain.FeatureVector, snap *Snapshot) (domain.ScoreResult, error) {
	if snap == nil || snap.Scorer == nil {
		return domain.ScoreResult{}, domain.ErrArtifactMissing
	}

	values, err := vector.Ordered(snap.Columns)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	scaled, err := snap.Scaler.Transform(values)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	raw, err := snap.Scorer.RawScore(scaled)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("model %s raw score: %w", snap.Version, err)
	}

	return domain.ScoreResult{
		AnomalyScore: raw,
		RiskScore:    Normalize(raw, snap.Threshold),
		Flagged:      raw >= snap.Threshold,
	}, nil
}

// Normalize rescales raw against threshold into [0, 100]. A non-positive
// threshold marks an untrained model and yields 0.
func Normalize(raw, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	risk := 100.0 * raw / threshold
	if risk < 0 {
		return 0
	}
	if risk > 100 {
		return 100
	}
	return risk
}
