// Package plan defines the plan run data model and the status transition
// rules that govern a run from proposal to completion.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a plan run.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled:
		return true
	}
	return false
}

// transitions is the full edge set of the run state machine. Edges are
// one-directional; no state is ever re-entered.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusError},
	StatusRunning: {StatusDone, StatusError},
}

// CanTransition reports whether from -> to is a legal edge.
// queued -> error exists only for the boot recovery sweep.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepKind distinguishes step execution semantics.
type StepKind string

const (
	// KindNote is an informational step that always succeeds.
	KindNote StepKind = "note"
	// KindToolCall invokes a tool endpoint; any 2xx response is final.
	KindToolCall StepKind = "tool_call"
	// KindCommand invokes the command endpoint of a tool; success is judged
	// by the reported exit status, and failures are retried.
	KindCommand StepKind = "command"
)

// Outcome is the execution result of a single step.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
)

// Target identifies the tool endpoint a step invokes.
type Target struct {
	ToolID string         `json:"tool_id,omitempty"`
	Method string         `json:"method,omitempty"`
	Path   string         `json:"path,omitempty"`
	Query  map[string]any `json:"query,omitempty"`
	Body   any            `json:"body,omitempty"`
}

// Step is one unit of execution within a run. Target content is immutable
// once the run leaves draft; only AttemptCount, Outcome and Detail mutate
// during execution.
type Step struct {
	ID     string   `json:"id"`
	Title  string   `json:"title,omitempty"`
	Kind   StepKind `json:"kind"`
	Target Target   `json:"target,omitempty"`

	AttemptCount int     `json:"attempt_count,omitempty"`
	Outcome      Outcome `json:"outcome"`
	Detail       string  `json:"detail,omitempty"`
}

// Run is one proposed or executing action sequence. Runs are never deleted;
// finished runs remain as audit records.
type Run struct {
	RunID  string `json:"run_id"`
	ChatID string `json:"chat_id"`
	PlanID string `json:"plan_id"`
	Goal   string `json:"goal"`

	Steps  []Step `json:"steps"`
	Status Status `json:"status"`

	CurrentStepIndex int    `json:"current_step_index,omitempty"`
	CurrentStepPath  string `json:"current_step_path,omitempty"`
	LastEvent        string `json:"last_event,omitempty"`
	Error            string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates a draft run for chatID with the given steps.
func NewRun(chatID, planID, goal string, steps []Step) *Run {
	now := time.Now().UTC()
	if planID == "" {
		planID = NewID()
	}
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = NewID()
		}
		if steps[i].Outcome == "" {
			steps[i].Outcome = OutcomePending
		}
	}
	return &Run{
		RunID:     NewID(),
		ChatID:    chatID,
		PlanID:    planID,
		Goal:      goal,
		Steps:     steps,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewID returns a new opaque identifier.
func NewID() string {
	return uuid.NewString()
}
