package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fraud-anomaly-scoring/internal/artifact"
	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/metrics"
	"fraud-anomaly-scoring/internal/scoring"
)

// PublishModel makes snap the active model and records a model run.
// Scoring calls already in flight finish against the snapshot they loaded.
func (p *Pipeline) PublishModel(ctx context.Context, snap *scoring.Snapshot) (domain.ModelRun, error) {
	previous, err := p.registry.Publish(snap)
	if err != nil {
		return domain.ModelRun{}, fmt.Errorf("publish model: %w", err)
	}
	metrics.SetActiveModel(snap.Version, snap.ModelType, snap.Threshold)

	event := p.logger.Info().Str("model_version", snap.Version).
		Str("model_type", snap.ModelType).
		Float64("threshold", snap.Threshold)
	if previous != nil {
		event = event.Str("previous_version", previous.Version)
	}
	event.Msg("model published")

	run := snap.ModelRun()
	if err := p.recordModelRun(ctx, run); err != nil {
		// 模型已生效，记录失败只影响 model_runs 查询
		p.logger.Error().Err(err).Str("model_version", snap.Version).Msg("failed to record model run")
	}
	return run, nil
}

func (p *Pipeline) recordModelRun(ctx context.Context, run domain.ModelRun) error {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Str("model_version", run.Version).Msg("skip model run record because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	return p.repo.InsertModelRun(ctx, run)
}

// Reload loads the artifact directory and publishes it.
func (p *Pipeline) Reload(ctx context.Context) (domain.ModelRun, error) {
	if p.artifactDir == "" {
		return domain.ModelRun{}, fmt.Errorf("reload model: %w", domain.ErrArtifactMissing)
	}
	fingerprint, err := artifact.Fingerprint(p.artifactDir)
	if err != nil {
		return domain.ModelRun{}, fmt.Errorf("reload model: %w", err)
	}
	snap, err := artifact.LoadWith(p.artifactDir, p.loadOpts)
	if err != nil {
		return domain.ModelRun{}, fmt.Errorf("reload model: %w", err)
	}
	run, err := p.PublishModel(ctx, snap)
	if err != nil {
		return domain.ModelRun{}, err
	}

	p.mu.Lock()
	p.fingerprint = fingerprint
	p.mu.Unlock()
	return run, nil
}

// WatchArtifacts reloads the model when threshold.json changes. A missing
// bundle is not an error: training may not have run yet. Its signature
// matches a scheduler tick.
func (p *Pipeline) WatchArtifacts(ctx context.Context, _ time.Time) error {
	if p.artifactDir == "" {
		return nil
	}
	fingerprint, err := artifact.Fingerprint(p.artifactDir)
	if errors.Is(err, domain.ErrArtifactMissing) {
		p.logger.Debug().Str("dir", p.artifactDir).Msg("no model artifact yet")
		return nil
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	unchanged := fingerprint == p.fingerprint
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	p.logger.Info().Str("dir", p.artifactDir).Msg("model artifact changed, reloading")
	_, err = p.Reload(ctx)
	return err
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.lockKey == 0 || p.repo == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.repo.TryAdvisoryLock(ctx, p.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
