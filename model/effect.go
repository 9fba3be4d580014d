package model

import (
	"context"
	"time"
)

// Side effect phases.
const (
	PhaseExit  = "exit"
	PhaseEntry = "entry"
)

// Effect statuses, shared by outbox entries and idempotency records.
const (
	EffectPending   = "pending"
	EffectSucceeded = "succeeded"
	EffectFailed    = "failed"
)

// Action is a named template API module invoked on entering or exiting a
// state. Implementations must be idempotent for a given Call.Key.
type Action interface {
	Execute(ctx context.Context, call ActionCall) (ActionResult, error)
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx context.Context, call ActionCall) (ActionResult, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, call ActionCall) (ActionResult, error) {
	return f(ctx, call)
}

// ActionCall is the input of a side effect invocation.
type ActionCall struct {
	Key         string      `json:"key"`
	Action      string      `json:"action"`
	Phase       string      `json:"phase"`
	FromState   string      `json:"from_state"`
	ToState     string      `json:"to_state"`
	Application Application `json:"application"`
}

// ActionResult is what an action returns. Data is merged into external data
// when the effect is marked persist_to_external_data.
type ActionResult struct {
	Data any `json:"data,omitempty"`
}

// SideEffect is one planned invocation produced by a transition.
type SideEffect struct {
	Key                   string `json:"key"`
	Action                string `json:"action"`
	Phase                 string `json:"phase"`
	State                 string `json:"state"`
	FromState             string `json:"from_state"`
	ToState               string `json:"to_state"`
	PersistToExternalData bool   `json:"persist_to_external_data"`
	ThrowOnError          bool   `json:"throw_on_error"`
}

// OutboxEntry is a side effect recorded durably with the transition that
// produced it and delivered asynchronously.
type OutboxEntry struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"application_id"`
	Seq           int64      `json:"seq"`
	Effect        SideEffect `json:"effect"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EffectRecord is the idempotency record of a side effect key.
type EffectRecord struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
