package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/metrics"
)

// Notifier pushes flagged observations to operators.
type Notifier interface {
	NotifyFlagged(ctx context.Context, obs history.Observation) error
}

// TelegramNotifier delivers review notices via the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram review notifier.
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
		logger:   logger.With().Str("component", "review_telegram").Logger(),
	}
}

// NotifyFlagged sends one message per flagged observation.
func (n *TelegramNotifier) NotifyFlagged(ctx context.Context, obs history.Observation) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderFlagMessage(obs),
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
		return fmt.Errorf("unexpected telegram status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	metrics.ObservationsFlagged.Inc()
	n.logger.Info().
		Str("subject", obs.Subject.Key()).
		Str("field", obs.FieldName).
		Msg("review notice sent")
	return nil
}

func renderFlagMessage(obs history.Observation) string {
	builder := strings.Builder{}
	builder.WriteString("[ratewatch review]\n")
	builder.WriteString(fmt.Sprintf("Subject: %s\n", obs.Subject.Key()))
	builder.WriteString(fmt.Sprintf("Field: %s\n", obs.FieldName))
	if obs.OldValue != nil {
		builder.WriteString(fmt.Sprintf("Old: %s\n", obs.OldValue.StringFixed(int32(obs.Decimals))))
	}
	builder.WriteString(fmt.Sprintf("New: %s\n", obs.NewValue.StringFixed(int32(obs.Decimals))))
	if obs.ChangeAmount != nil {
		builder.WriteString(fmt.Sprintf("Delta: %s points\n", obs.ChangeAmount.StringFixed(int32(obs.Decimals))))
	}
	builder.WriteString(fmt.Sprintf("Date: %s UTC\n", obs.ChangeDate.UTC().Format(time.RFC3339)))
	builder.WriteString("Flagged for manual review.")
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
