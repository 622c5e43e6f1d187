// Package artifact loads a trained model bundle from disk into an immutable
// scoring snapshot.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/scoring"
)

const (
	ThresholdFile = "threshold.json"
	ScalerFile    = "scaler.json"
	ForestFile    = "model.json"
	ONNXFile      = "model.onnx"

	ModelIsolationForest = "isolation_forest"
	ModelONNX            = "onnx"
)

// Metadata is the threshold.json document written by training.
type Metadata struct {
	Version         string    `json:"version,omitempty"`
	ModelType       string    `json:"model_type"`
	Threshold       float64   `json:"threshold"`
	Percentile      float64   `json:"percentile"`
	TrainedRows     int       `json:"trained_rows"`
	TrainedAtUTC    string    `json:"trained_at_utc"`
	FeatureColumns  []string  `json:"feature_columns"`
	ScoreDefinition string    `json:"score_definition,omitempty"`
	ONNX            *ONNXSpec `json:"onnx,omitempty"`
}

// Options tune loading.
type Options struct {
	// ONNXLibraryPath points at libonnxruntime; empty uses the runtime default.
	ONNXLibraryPath string
	Now             func() time.Time
}

// Load reads the bundle in dir with default options.
func Load(dir string) (*scoring.Snapshot, error) {
	return LoadWith(dir, Options{})
}

// LoadWith reads threshold.json, scaler.json and the model file from dir.
// Any missing file is ErrArtifactMissing; columns or scaler entries that do
// not line up with the feature engine are ErrArtifactMismatch.
func LoadWith(dir string, opts Options) (*scoring.Snapshot, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	var meta Metadata
	if err := readJSON(filepath.Join(dir, ThresholdFile), &meta); err != nil {
		return nil, err
	}
	if err := domain.ValidateColumns(meta.FeatureColumns); err != nil {
		return nil, fmt.Errorf("load %s: %w", ThresholdFile, err)
	}

	var scaler scoring.Scaler
	if err := readJSON(filepath.Join(dir, ScalerFile), &scaler); err != nil {
		return nil, err
	}

	width := len(meta.FeatureColumns)
	var scorer scoring.Scorer
	switch meta.ModelType {
	case "", ModelIsolationForest:
		meta.ModelType = ModelIsolationForest
		forest := &isolationForest{}
		if err := readJSON(filepath.Join(dir, ForestFile), forest); err != nil {
			return nil, err
		}
		if err := forest.validate(width); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrArtifactMismatch, err)
		}
		scorer = forest
	case ModelONNX:
		path := filepath.Join(dir, ONNXFile)
		if _, err := os.Stat(path); err != nil {
			return nil, missing(path, err)
		}
		var spec ONNXSpec
		if meta.ONNX != nil {
			spec = *meta.ONNX
		}
		s, err := newONNXScorer(path, opts.ONNXLibraryPath, spec, width)
		if err != nil {
			return nil, err
		}
		scorer = s
	default:
		return nil, fmt.Errorf("%w: unknown model_type %q", domain.ErrArtifactMismatch, meta.ModelType)
	}

	version := meta.Version
	if version == "" {
		version = uuid.NewString()
	}

	snap := &scoring.Snapshot{
		Version:     version,
		ModelType:   meta.ModelType,
		Columns:     meta.FeatureColumns,
		Threshold:   meta.Threshold,
		Percentile:  meta.Percentile,
		TrainedRows: meta.TrainedRows,
		TrainedAt:   meta.TrainedAtUTC,
		Scaler:      &scaler,
		Scorer:      scorer,
		LoadedAt:    now().UTC(),
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Fingerprint hashes threshold.json so a watcher can tell when training has
// produced a new bundle. A missing file is ErrArtifactMissing.
func Fingerprint(dir string) (string, error) {
	path := filepath.Join(dir, ThresholdFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", missing(path, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func readJSON(path string, into any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return missing(path, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrArtifactMismatch, filepath.Base(path), err)
	}
	return nil
}

func missing(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrArtifactMissing, path)
	}
	return fmt.Errorf("read %s: %w", path, err)
}
