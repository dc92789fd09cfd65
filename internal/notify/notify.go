// Package notify fans discovery notifications out to operator channels
// (Telegram, Slack webhooks). Delivery is asynchronous and best-effort; a
// dead channel never blocks the discovery path.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mexc_sniper/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Critical Level = "CRITICAL"
)

// Message is one operator notification
type Message struct {
	Level     Level
	Title     string
	Body      string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers messages to one destination
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans messages out to all registered channels
type Notifier struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewNotifier(logger core.ILogger) *Notifier {
	return &Notifier{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "notifier"),
	}
}

func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("Added notification channel", "name", ch.Name())
}

// Notify delivers the message to every channel. Each channel gets its own
// timeout; failures are logged and dropped.
func (n *Notifier) Notify(ctx context.Context, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(sendCtx, msg); err != nil {
				n.logger.Error("Failed to deliver notification", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// TargetReady announces a fully prepared snipe target
func (n *Notifier) TargetReady(ctx context.Context, vcoinID string, targetID int64, launch time.Time) {
	n.Notify(ctx, Message{
		Level: Info,
		Title: "Snipe target ready",
		Body:  fmt.Sprintf("Target %d for %s is prepared and awaiting execution.", targetID, vcoinID),
		Fields: map[string]string{
			"vcoin_id":  vcoinID,
			"target_id": fmt.Sprintf("%d", targetID),
			"launch":    launch.UTC().Format(time.RFC3339),
			"lead":      time.Until(launch).Round(time.Minute).String(),
		},
	})
}
