package runner

import "time"

// Event is a progress notification emitted while a run executes.
type Event struct {
	RunID    string    `json:"run_id"`
	ChatID   string    `json:"chat_id"`
	Kind     string    `json:"kind"` // run_started, step_start, step_ok, step_err, step_retry, run_finished
	StepPath string    `json:"step_path,omitempty"`
	Title    string    `json:"title,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"ts"`
}

// Notifier receives run events. Publish must not block the runner.
type Notifier interface {
	Publish(Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}
