package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/metrics"
)

// Store is the slice of alert persistence the Alerter needs.
type Store interface {
	InsertAlert(ctx context.Context, alert domain.AlertRecord) (domain.AlertRecord, error)
	LastAlertForUser(ctx context.Context, userID string) (time.Time, bool, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// Options tune which flagged events raise alerts.
type Options struct {
	MinRisk   float64
	Cooldown  time.Duration
	Retention time.Duration
	Channels  []string
	Now       func() time.Time
}

// Alerter decides whether a scored event warrants an alert, records it and
// fans it out to the configured notifiers.
type Alerter struct {
	opts      Options
	store     Store
	notifiers map[string]Notifier
	logger    zerolog.Logger
}

// NewAlerter wires notifiers by channel name; channels without a notifier
// are skipped with a warning.
func NewAlerter(opts Options, store Store, notifiers map[string]Notifier, logger zerolog.Logger) *Alerter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Alerter{
		opts:      opts,
		store:     store,
		notifiers: notifiers,
		logger:    logger.With().Str("component", "alerter").Logger(),
	}
}

// Consider alerts on rec when it is flagged, at or above MinRisk and the
// user is outside the cooldown window. It reports whether an alert was sent.
func (a *Alerter) Consider(ctx context.Context, ev domain.Event, rec domain.ScoreRecord) (bool, error) {
	if !rec.Result.Flagged || rec.Result.RiskScore < a.opts.MinRisk {
		return false, nil
	}

	now := a.opts.Now().UTC()
	if a.store != nil && a.opts.Cooldown > 0 {
		last, found, err := a.store.LastAlertForUser(ctx, ev.UserID)
		if err != nil {
			return false, fmt.Errorf("lookup last alert: %w", err)
		}
		if found && now.Sub(last) < a.opts.Cooldown {
			a.logger.Debug().Str("event_id", ev.ID).Str("user_id", ev.UserID).
				Time("last_alert", last).Msg("alert suppressed by cooldown")
			return false, nil
		}
	}

	if a.store != nil {
		record := domain.AlertRecord{
			EventID:   ev.ID,
			UserID:    ev.UserID,
			RiskScore: rec.Result.RiskScore,
			Reasons:   rec.Reasons,
			Channels:  a.opts.Channels,
			CreatedAt: now,
		}
		if _, err := a.store.InsertAlert(ctx, record); err != nil {
			a.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist alert record")
		}
	}

	note := Notification{
		EventID:      ev.ID,
		UserID:       ev.UserID,
		MerchantID:   ev.MerchantID,
		Amount:       ev.Amount,
		Currency:     ev.Currency,
		Timestamp:    ev.Timestamp,
		ModelVersion: rec.ModelVersion,
		AnomalyScore: rec.Result.AnomalyScore,
		RiskScore:    rec.Result.RiskScore,
		Reasons:      rec.Reasons,
		Channels:     a.opts.Channels,
	}
	for _, channel := range a.opts.Channels {
		n, ok := a.notifiers[channel]
		if !ok {
			a.logger.Warn().Str("channel", channel).Msg("no notifier configured for channel")
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			metrics.AlertsSentTotal.WithLabelValues(channel, "error").Inc()
			a.logger.Error().Err(err).Str("channel", channel).Str("event_id", ev.ID).Msg("failed to dispatch alert")
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(channel, "ok").Inc()
	}
	return true, nil
}

// Prune deletes alert records older than the retention window. The signature
// matches a scheduler tick.
func (a *Alerter) Prune(ctx context.Context, _ time.Time) error {
	if a.store == nil || a.opts.Retention <= 0 {
		return nil
	}
	cutoff := a.opts.Now().UTC().Add(-a.opts.Retention)
	if err := a.store.DeleteAlertsBefore(ctx, cutoff); err != nil {
		return fmt.Errorf("prune alerts: %w", err)
	}
	a.logger.Debug().Time("cutoff", cutoff).Msg("old alerts pruned")
	return nil
}
