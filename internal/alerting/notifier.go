package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fraud-anomaly-scoring/internal/domain"
)

// Notification 封装告警上下文。
type Notification struct {
	EventID       string
	UserID        string
	MerchantID    string
	Amount        decimal.Decimal
	Currency      string
	Timestamp     time.Time
	ModelVersion  string
	AnomalyScore  float64
	RiskScore     float64
	Reasons       []domain.Reason
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("event_id", note.EventID).
		Str("user_id", note.UserID).
		Float64("risk_score", note.RiskScore).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes alerts to the structured log; the "log" channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	kinds := make([]string, len(note.Reasons))
	for i, r := range note.Reasons {
		kinds[i] = r.Kind.String()
	}
	n.logger.Warn().Str("event_id", note.EventID).
		Str("user_id", note.UserID).
		Str("model_version", note.ModelVersion).
		Float64("risk_score", note.RiskScore).
		Strs("reasons", kinds).
		Msg("flagged transaction")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Fraud Alert]\n")
	builder.WriteString(fmt.Sprintf("Event: %s\n", note.EventID))
	builder.WriteString(fmt.Sprintf("User: %s  Merchant: %s\n", note.UserID, note.MerchantID))
	builder.WriteString(fmt.Sprintf("Amount: %s %s\n", note.Amount.StringFixed(2), note.Currency))
	builder.WriteString(fmt.Sprintf("Time: %s\n", note.Timestamp.Format("2006-01-02 15:04:05")))
	builder.WriteString(fmt.Sprintf("Risk: %.1f/100 (raw %.4f, model %s)\n", note.RiskScore, note.AnomalyScore, note.ModelVersion))
	for _, r := range note.Reasons {
		builder.WriteString(fmt.Sprintf("- [%d] %s: %s\n", r.Severity, r.Kind, r.Detail))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
