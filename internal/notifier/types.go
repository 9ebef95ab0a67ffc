package notifier

import (
	"context"
	"time"
)

// Message is a plain human-readable notification.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Text renders the message for chat-style channels.
func (m Message) Text() string {
	if m.Body == "" || m.Body == m.Subject {
		return m.Subject
	}
	if m.Subject == "" {
		return m.Body
	}
	return m.Subject + "\n\n" + m.Body
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Subject string    `json:"subject"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Subject string    `json:"subject"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)
