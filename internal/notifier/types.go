package notifier

import (
	"time"

	kit "overseer/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

// Notification is one text message for one destination.
// To is a numeric chat id or "@channelusername".
type Notification struct {
	To      string
	Text    string
	Options *kit.SendOptions
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Counters is a point-in-time view of delivery outcomes since start.
type Counters struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}
