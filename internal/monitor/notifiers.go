package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// TelegramNotifier sends alerts through the Bot API.
type TelegramNotifier struct {
	rest   *resty.Client
	token  string
	chatID string
}

// NewTelegramNotifier builds a notifier rooted at baseURL.
func NewTelegramNotifier(token, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		rest:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(timeout),
		token:  token,
		chatID: chatID,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify implements Notifier.
func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	var parsed telegramResponse
	resp, err := t.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": t.chatID, "text": msg}).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("telegram status=%d: %s", resp.StatusCode(), strings.TrimSpace(parsed.Description))
	}
	if len(resp.Body()) > 0 && !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

// WebhookNotifier posts alerts as JSON to a URL.
type WebhookNotifier struct {
	rest *resty.Client
	url  string
}

// NewWebhookNotifier builds a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{rest: resty.New().SetTimeout(timeout), url: url}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, msg string) error {
	resp, err := w.rest.R().SetContext(ctx).SetBody(map[string]string{"text": msg}).Post(w.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status=%d", resp.StatusCode())
	}
	return nil
}

// LogNotifier writes alerts to the log only.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, msg string) error {
	logrus.WithField("component", "alerts").Warn(msg)
	return nil
}

// MultiNotifier fans an alert out; it fails only if every notifier fails.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, msg string) error {
	var errs []string
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(m) > 0 && len(errs) == len(m) {
		return fmt.Errorf("all notifiers failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
