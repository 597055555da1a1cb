package notification

import (
	"context"
	"time"

	"tradebot-signals/internal/model"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. Signal alerts
// carry the full classification under "signal".
type WebhookNotifier struct {
	url string
	p   poster
}

type webhookPayload struct {
	Level   AlertLevel            `json:"level"`
	Title   string                `json:"title"`
	Message string                `json:"message"`
	TS      string                `json:"ts"`
	Signal  *model.Classification `json:"signal,omitempty"`
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, p: newPoster("webhook")}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	ts := alert.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	return w.p.post(ctx, w.url, webhookPayload{
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		TS:      ts.UTC().Format(time.RFC3339Nano),
		Signal:  alert.Signal,
	})
}
