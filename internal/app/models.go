package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"fraud-anomaly-scoring/internal/storage"
)

// ScoreEvent scores a stored event against the current artifact and prints
// the verdict as JSON.
func (a *App) ScoreEvent(ctx context.Context, eventID string) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.pipeline.Reload(ctx); err != nil {
		return err
	}
	out, err := rt.pipeline.ScoreByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"event_id":      out.Event.ID,
		"model_version": out.Score.ModelVersion,
		"anomaly_score": out.Score.Result.AnomalyScore,
		"risk_score":    out.Score.Result.RiskScore,
		"flagged":       out.Score.Result.Flagged,
		"reasons":       out.Score.Reasons,
		"features":      out.Features,
	})
}

// PublishModel loads the artifact directory (overriding the configured one
// when dir is set) and records a model run.
func (a *App) PublishModel(ctx context.Context, dir string) error {
	if dir != "" {
		a.Config.Model.ArtifactDir = dir
	}
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	run, err := rt.pipeline.Reload(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "published %s (%s) threshold=%.6f trained_rows=%d\n",
		run.Version, run.ModelType, run.Threshold, run.TrainedRows)
	return nil
}

// ModelRuns lists recorded model publications.
func (a *App) ModelRuns(ctx context.Context, limit int) error {
	pool, err := a.requirePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	runs, err := storage.NewStore(pool).ListModelRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no model runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tVersion\tType\tRows\tThreshold\tPercentile")
	for _, run := range runs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%.6f\t%.1f\n",
			run.CreatedAt.UTC().Format(time.RFC3339),
			run.Version,
			run.ModelType,
			run.TrainedRows,
			run.Threshold,
			run.Percentile,
		)
	}
	return writer.Flush()
}

// Alerts lists the most recent alert records.
func (a *App) Alerts(ctx context.Context, limit int) error {
	pool, err := a.requirePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	alerts, err := storage.NewStore(pool).ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEvent\tUser\tRisk\tReasons\tChannels")
	for _, alert := range alerts {
		kinds := make([]string, len(alert.Reasons))
		for i, r := range alert.Reasons {
			kinds[i] = r.Kind.String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.EventID,
			alert.UserID,
			alert.RiskScore,
			strings.Join(kinds, ","),
			strings.Join(alert.Channels, ","),
		)
	}
	return writer.Flush()
}

// Migrate runs a goose command against the configured database.
func (a *App) Migrate(ctx context.Context, command string, args ...string) error {
	pool, err := a.requirePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool, command, args...); err != nil {
		return err
	}
	a.Logger.Info().Str("command", command).Msg("migration finished")
	return nil
}
