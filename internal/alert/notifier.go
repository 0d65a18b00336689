package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Outcome classifies a delivery attempt.
type Outcome string

const (
	// OutcomeDelivered means the channel accepted the message.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeBlocked means the recipient is unreachable permanently; delivery
	// is disabled until they re-opt-in.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeTransient means a retryable channel failure (timeout, rate
	// limit); the next natural cycle retries.
	OutcomeTransient Outcome = "transient"
)

// Notifier is the delivery channel boundary. The user id is opaque to this
// system; for Telegram it doubles as the chat id.
type Notifier interface {
	Send(ctx context.Context, userID, message string) (Outcome, error)
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram delivery channel.
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send posts the message via sendMessage. HTTP 403 means the user blocked the
// bot (permanent); 429 and 5xx are transient.
func (n *TelegramNotifier) Send(ctx context.Context, userID, message string) (Outcome, error) {
	payload := map[string]string{
		"chat_id": userID,
		"text":    message,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return OutcomeTransient, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		n.logger.Warn().Str("user", userID).Msg("recipient blocked the bot")
		return OutcomeBlocked, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return OutcomeTransient, fmt.Errorf("telegram transient failure: status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return OutcomeTransient, fmt.Errorf("telegram unexpected status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return OutcomeTransient, fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Str("user", userID).Msg("notification delivered")
	return OutcomeDelivered, nil
}

var _ Notifier = (*TelegramNotifier)(nil)
