package scoring

import (
	"sync/atomic"

	"fraud-anomaly-scoring/internal/domain"
)

// Registry owns the active snapshot. Readers load the pointer once per
// scoring call, so an in-flight call sees either the old or the new model
// in full.
type Registry struct {
	active atomic.Pointer[Snapshot]
}

// NewRegistry returns an empty registry; Current fails until Publish succeeds.
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish validates snap and makes it the active model. It returns the
// snapshot it replaced, if any.
func (r *Registry) Publish(snap *Snapshot) (*Snapshot, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return r.active.Swap(snap), nil
}

// Current returns the active snapshot or ErrArtifactMissing.
func (r *Registry) Current() (*Snapshot, error) {
	snap := r.active.Load()
	if snap == nil {
		return nil, domain.ErrArtifactMissing
	}
	return snap, nil
}

// Score scores vector against whatever snapshot is active at call time and
// reports which version produced the result.
func (r *Registry) Score(vector domain.FeatureVector) (domain.ScoreResult, *Snapshot, error) {
	snap, err := r.Current()
	if err != nil {
		return domain.ScoreResult{}, nil, err
	}
	res, err := Score(vector, snap)
	if err != nil {
		return domain.ScoreResult{}, snap, err
	}
	return res, snap, nil
}
