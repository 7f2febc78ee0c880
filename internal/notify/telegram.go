package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kberrors "kabanda/internal/errors"
	"kabanda/internal/logging"
)

// UserIDPrefix scopes user identifiers to the Telegram channel.
const UserIDPrefix = "tg:"

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	Token   string        `mapstructure:"token" yaml:"token"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// TelegramNotifier sends messages through the Telegram Bot API, with the
// done/snooze/cancel quick actions attached as inline keyboard buttons.
type TelegramNotifier struct {
	config     TelegramConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(cfg TelegramConfig, logger logging.Logger) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: bot token required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &TelegramNotifier{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.OrNop(logger),
	}, nil
}

var _ Notifier = (*TelegramNotifier)(nil)

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts one sendMessage call. Transient transport and 429/5xx failures
// surface as transient errors so the retry queue backs off and tries again.
func (n *TelegramNotifier) Send(ctx context.Context, msg Message) (string, error) {
	if !strings.HasPrefix(msg.UserID, UserIDPrefix) {
		return "", fmt.Errorf("telegram: user id %q is not channel-scoped", msg.UserID)
	}
	chatID := strings.TrimPrefix(msg.UserID, UserIDPrefix)
	if chatID == "" {
		return "", fmt.Errorf("telegram: user id %q has empty chat id", msg.UserID)
	}

	req := sendMessageRequest{ChatID: chatID, Text: msg.Text}
	if msg.TaskID != "" {
		req.ReplyMarkup = &struct {
			InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
		}{
			InlineKeyboard: [][]inlineButton{{
				{Text: "✅ Done", CallbackData: "complete_" + msg.TaskID},
				{Text: "⏰ Snooze", CallbackData: "snooze_" + msg.TaskID},
				{Text: "❌ Cancel", CallbackData: "cancel_" + msg.TaskID},
			}},
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("telegram: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.config.BaseURL, n.config.Token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("telegram: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("telegram: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &kberrors.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var parsed sendMessageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("telegram: decode response: %w", err)
	}
	if !parsed.OK {
		return "", fmt.Errorf("telegram: API rejected message: %s", parsed.Description)
	}
	return fmt.Sprintf("%d", parsed.Result.MessageID), nil
}
