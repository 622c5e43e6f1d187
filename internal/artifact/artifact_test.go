package artifact

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/scoring"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

// stump splits log_amount at 0: small values land in a leaf holding one
// training sample, larger values in a leaf holding two.
func stump() forestTree {
	return forestTree{Nodes: []forestNode{
		{Feature: 0, Threshold: 0, Left: 1, Right: 2, NSamples: 3},
		{Feature: -1, NSamples: 1},
		{Feature: -1, NSamples: 2},
	}}
}

func writeBundle(t *testing.T, meta Metadata) string {
	t.Helper()
	dir := t.TempDir()
	cols := len(domain.FeatureColumns())
	mean := make([]float64, cols)
	scale := make([]float64, cols)
	for i := range scale {
		scale[i] = 1
	}
	writeJSON(t, filepath.Join(dir, ThresholdFile), meta)
	writeJSON(t, filepath.Join(dir, ScalerFile), scoring.Scaler{Mean: mean, Scale: scale})
	writeJSON(t, filepath.Join(dir, ForestFile), isolationForest{MaxSamples: 2, Trees: []forestTree{stump(), stump()}})
	return dir
}

func baseMeta() Metadata {
	return Metadata{
		Version:        "v1",
		ModelType:      ModelIsolationForest,
		Threshold:      0.5,
		Percentile:     99,
		TrainedRows:    500,
		TrainedAtUTC:   "2024-03-01T00:00:00",
		FeatureColumns: domain.FeatureColumns(),
	}
}

func TestLoadIsolationForest(t *testing.T) {
	at := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	snap, err := LoadWith(writeBundle(t, baseMeta()), Options{Now: func() time.Time { return at }})
	require.NoError(t, err)

	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, ModelIsolationForest, snap.ModelType)
	assert.Equal(t, 500, snap.TrainedRows)
	assert.Equal(t, at, snap.LoadedAt)

	// log_amount 0 -> depth 1 + c(1)=0; E[h]=1, c(2)=1 -> 2^-1.
	low, err := scoring.Score(domain.FeatureVector{}, snap)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, low.AnomalyScore, 1e-12)
	assert.True(t, low.Flagged)

	// log_amount > 0 -> depth 1 + c(2)=1; 2^-2.
	high, err := scoring.Score(domain.FeatureVector{LogAmount: 3}, snap)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, high.AnomalyScore, 1e-12)
	assert.InDelta(t, 50.0, high.RiskScore, 1e-9)
	assert.False(t, high.Flagged)
}

func TestLoadGeneratesVersion(t *testing.T) {
	meta := baseMeta()
	meta.Version = ""
	snap, err := Load(writeBundle(t, meta))
	require.NoError(t, err)
	_, err = uuid.Parse(snap.Version)
	assert.NoError(t, err)
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)

	for _, name := range []string{ScalerFile, ForestFile} {
		dir := writeBundle(t, baseMeta())
		require.NoError(t, os.Remove(filepath.Join(dir, name)))
		_, err := Load(dir)
		assert.ErrorIs(t, err, domain.ErrArtifactMissing, name)
	}

	meta := baseMeta()
	meta.ModelType = ModelONNX
	_, err = Load(writeBundle(t, meta))
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}

func TestLoadColumnMismatch(t *testing.T) {
	meta := baseMeta()
	meta.FeatureColumns = append(meta.FeatureColumns[:10], "merchant_category")
	_, err := Load(writeBundle(t, meta))
	assert.ErrorIs(t, err, domain.ErrArtifactMismatch)
}

func TestLoadScalerMismatch(t *testing.T) {
	dir := writeBundle(t, baseMeta())
	writeJSON(t, filepath.Join(dir, ScalerFile), scoring.Scaler{Mean: []float64{0}, Scale: []float64{1}})
	_, err := Load(dir)
	assert.ErrorIs(t, err, domain.ErrArtifactMismatch)
}

func TestLoadRejectsBadForest(t *testing.T) {
	dir := writeBundle(t, baseMeta())
	bad := forestTree{Nodes: []forestNode{{Feature: 42, Left: 1, Right: 2}}}
	writeJSON(t, filepath.Join(dir, ForestFile), isolationForest{MaxSamples: 2, Trees: []forestTree{bad}})
	_, err := Load(dir)
	assert.ErrorIs(t, err, domain.ErrArtifactMismatch)
}

func TestLoadUnknownModelType(t *testing.T) {
	meta := baseMeta()
	meta.ModelType = "gbdt"
	_, err := Load(writeBundle(t, meta))
	assert.ErrorIs(t, err, domain.ErrArtifactMismatch)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	want := 2*(math.Log(255)+eulerGamma) - 2*255.0/256.0
	assert.InDelta(t, want, averagePathLength(256), 1e-12)
}

func TestFingerprintTracksThresholdFile(t *testing.T) {
	dir := writeBundle(t, baseMeta())
	a, err := Fingerprint(dir)
	require.NoError(t, err)

	meta := baseMeta()
	meta.Version = "v2"
	writeJSON(t, filepath.Join(dir, ThresholdFile), meta)
	b, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = Fingerprint(t.TempDir())
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}
