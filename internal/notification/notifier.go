// Package notification delivers signal alerts to external channels
// (log, Telegram, webhooks).
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tradebot-signals/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	TS      time.Time  `json:"ts"`

	// Signal is set on alerts built from a classification.
	Signal *model.Classification `json:"signal,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sink turns classifications into alerts. It implements
// model.ClassificationSink.
type Sink struct {
	n Notifier
}

// NewSink wraps n.
func NewSink(n Notifier) *Sink {
	return &Sink{n: n}
}

func (s *Sink) WriteClassification(ctx context.Context, c model.Classification) error {
	return s.n.Send(ctx, SignalAlert(c))
}

// SignalAlert formats a classification as an INFO alert.
func SignalAlert(c model.Classification) Alert {
	return Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("%s %s %s", c.Action, c.Instrument, c.Interval),
		Message: fmt.Sprintf("candle %s close %.4f score %.2f (index %d)",
			c.TS.UTC().Format(time.RFC3339), c.Close, c.Score, c.Index),
		TS:     c.TS,
		Signal: &c,
	}
}

// StoppedAlert reports that history loading gave up after repeated
// failures. Live polling continues.
func StoppedAlert(instrument string, iv model.Interval, failures int) Alert {
	return Alert{
		Level:   AlertCritical,
		Title:   fmt.Sprintf("history loading stopped %s %s", instrument, iv),
		Message: fmt.Sprintf("%d consecutive fetch failures; live polling continues, reset the series to load more history", failures),
		TS:      time.Now().UTC(),
	}
}
