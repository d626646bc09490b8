package parking

import "time"

type NotificationKind string

const (
	NotifyPrompt  NotificationKind = "prompt"
	NotifyCleared NotificationKind = "cleared"
	NotifyNotice  NotificationKind = "notice"
	NotifyChime   NotificationKind = "chime"
)

// Prompt is one operator decision waiting on the console.
type Prompt struct {
	ID             string         `json:"id"`
	Classification Classification `json:"classification"`
	QueuedAt       time.Time      `json:"queued_at"`
	ShownAt        time.Time      `json:"shown_at,omitempty"`
}

type Notification struct {
	GateID  string           `json:"gate_id"`
	Kind    NotificationKind `json:"kind"`
	Prompt  *Prompt          `json:"prompt,omitempty"`
	Message string           `json:"message,omitempty"`
	At      time.Time        `json:"at"`
}
