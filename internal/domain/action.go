// Package domain contains core domain types for the action service.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ActionStatus is the lifecycle state of an AgentAction.
type ActionStatus string

const (
	StatusProposed  ActionStatus = "Proposed"
	StatusConfirmed ActionStatus = "Confirmed"
	StatusExecuting ActionStatus = "Executing"
	StatusCompleted ActionStatus = "Completed"
	StatusFailed    ActionStatus = "Failed"
	StatusCancelled ActionStatus = "Cancelled"
)

// transitions lists every allowed edge of the action state machine.
var transitions = map[ActionStatus][]ActionStatus{
	StatusProposed:  {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal returns true for statuses with no outgoing edges.
func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid returns true if s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case StatusProposed, StatusConfirmed, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActionKind tags the variant of an action's payload.
type ActionKind string

const (
	// KindNote records a note in the session history.
	KindNote ActionKind = "note"
	// KindWebhook performs an outbound HTTP request.
	KindWebhook ActionKind = "webhook"
	// KindShellCommand runs a command in the sandbox container.
	KindShellCommand ActionKind = "shell_command"
)

// NotePayload is the payload of a KindNote action.
type NotePayload struct {
	Text string `json:"text"`
}

// WebhookPayload is the payload of a KindWebhook action.
type WebhookPayload struct {
	URL    string          `json:"url"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ShellCommandPayload is the payload of a KindShellCommand action.
type ShellCommandPayload struct {
	Command    string `json:"command"`
	Background bool   `json:"background,omitempty"`
}

// AgentAction is a proposed unit of work and its lifecycle record.
type AgentAction struct {
	ID        string          `json:"actionId"`
	SessionID string          `json:"sessionId"`
	Kind      ActionKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Summary   string          `json:"summary,omitempty"`
	Status    ActionStatus    `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DecidedAt *time.Time      `json:"decidedAt,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// ActionProposal is what a suggester hands back before an id is assigned.
type ActionProposal struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Summary string          `json:"summary,omitempty"`
}

// ErrInvalidProposal is returned by Validate for malformed proposals.
var ErrInvalidProposal = errors.New("invalid action proposal")

// Validate checks that the payload decodes for the proposal's kind and
// carries the required fields.
func (p ActionProposal) Validate() error {
	switch p.Kind {
	case KindNote:
		var note NotePayload
		if err := json.Unmarshal(p.Payload, &note); err != nil {
			return fmt.Errorf("%w: note payload: %v", ErrInvalidProposal, err)
		}
		if strings.TrimSpace(note.Text) == "" {
			return fmt.Errorf("%w: note text is empty", ErrInvalidProposal)
		}
	case KindWebhook:
		var hook WebhookPayload
		if err := json.Unmarshal(p.Payload, &hook); err != nil {
			return fmt.Errorf("%w: webhook payload: %v", ErrInvalidProposal, err)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook url %q", ErrInvalidProposal, hook.URL)
		}
		switch strings.ToUpper(hook.Method) {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return fmt.Errorf("%w: webhook method %q", ErrInvalidProposal, hook.Method)
		}
	case KindShellCommand:
		var cmd ShellCommandPayload
		if err := json.Unmarshal(p.Payload, &cmd); err != nil {
			return fmt.Errorf("%w: shell payload: %v", ErrInvalidProposal, err)
		}
		if strings.TrimSpace(cmd.Command) == "" {
			return fmt.Errorf("%w: shell command is empty", ErrInvalidProposal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProposal, p.Kind)
	}
	return nil
}

// ExecutionResult is the outcome reported by an executor.
type ExecutionResult struct {
	Output json.RawMessage `json:"output,omitempty"`
	Err    error           `json:"-"`
}

// Failed reports whether the execution failed.
func (r ExecutionResult) Failed() bool {
	return r.Err != nil
}

// FailureResult encodes an error message as an action result document.
func FailureResult(msg string) json.RawMessage {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return json.RawMessage(`{"error":"execution failed"}`)
	}
	return data
}
