package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultTelegramAPI = "https://api.telegram.org"

type Telegram struct {
	token  string
	chatID string
	apiURL string
	client *http.Client
}

var _ Notifier = (*Telegram)(nil)

func NewTelegram(token, chatID, apiURL string) *Telegram {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &Telegram{
		token:  token,
		chatID: chatID,
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends message as HTML through the bot sendMessage method.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: message, ParseMode: "HTML"})
	if err != nil {
		return &Permanent{Err: fmt.Errorf("encoding telegram message: %w", err)}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Permanent{Err: fmt.Errorf("creating telegram request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var tr telegramResponse
	_ = json.NewDecoder(resp.Body).Decode(&tr)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("telegram HTTP error %d: %s", resp.StatusCode, tr.Description)
	}
	if resp.StatusCode >= 400 || !tr.OK {
		return &Permanent{Err: fmt.Errorf("telegram rejected message (%d): %s", resp.StatusCode, tr.Description)}
	}
	return nil
}
