package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/alerting"
	"fraud-anomaly-scoring/internal/domain"
)

// SimulateAlert 构造一条合成的高风险交易并推送到所有已配置的告警通道。
func (a *App) SimulateAlert(ctx context.Context, risk float64, userID string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if risk < 0 || risk > 100 {
		return fmt.Errorf("risk 必须在 [0, 100] 区间内，当前为 %.2f", risk)
	}
	if userID == "" {
		userID = "simulated-user"
	}

	notifiers := a.newNotifiers()
	channels := a.Config.Alerting.Channels
	if len(channels) == 0 {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		EventID:      "sim-" + uuid.NewString(),
		UserID:       userID,
		MerchantID:   "simulated-merchant",
		Amount:       decimal.NewFromInt(9999),
		Currency:     "USD",
		Timestamp:    time.Now().UTC(),
		ModelVersion: "simulated",
		AnomalyScore: risk / 100,
		RiskScore:    risk,
		Reasons: []domain.Reason{
			{Kind: domain.ReasonAmountSpike, Detail: "simulated amount spike", Severity: 3},
			{Kind: domain.ReasonNewDevice, Detail: "simulated new device", Severity: 2},
		},
		Channels:      channels,
		AdditionalMsg: "这是一条模拟告警，请忽略。",
	}

	var errs []error
	for _, channel := range channels {
		n, ok := notifiers[channel]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: notifier not configured", channel))
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
			continue
		}
		a.Logger.Info().Str("channel", channel).Str("event_id", note.EventID).Msg("simulated alert sent")
	}
	return errors.Join(errs...)
}
