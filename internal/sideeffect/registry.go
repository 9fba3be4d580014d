// Package sideeffect runs the actions that templates attach to state entry
// and exit: a registry of named actions, HTTP webhook actions, idempotency
// records, and a dispatcher that executes effects synchronously before a
// commit or asynchronously from the outbox after it.
package sideeffect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/model"
)

// ActionRegistry maps action names used in templates to implementations.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]model.Action
}

// NewActionRegistry returns an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]model.Action)}
}

// Register adds an action under name. Registering a name twice panics.
func (r *ActionRegistry) Register(name string, action model.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		panic(fmt.Sprintf("sideeffect: action %q registered twice", name))
	}
	r.actions[name] = action
}

// RegisterFunc registers a plain function as an action.
func (r *ActionRegistry) RegisterFunc(name string, fn func(ctx context.Context, call model.ActionCall) (model.ActionResult, error)) {
	r.Register(name, model.ActionFunc(fn))
}

// Get returns the action registered under name.
func (r *ActionRegistry) Get(name string) (model.Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Has reports whether name is registered. It lets the template validator
// reject unknown actions at load time.
func (r *ActionRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered action names, sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LogAction returns an action that writes the call to logger. It lets a
// template keep an audit trail without an external system.
func LogAction(logger *zap.Logger) model.Action {
	return model.ActionFunc(func(_ context.Context, call model.ActionCall) (model.ActionResult, error) {
		logger.Info("application audit",
			zap.String("action", call.Action),
			zap.String("key", call.Key),
			zap.String("application_id", call.Application.ID),
			zap.String("type_id", call.Application.TypeID),
			zap.String("phase", call.Phase),
			zap.String("from_state", call.FromState),
			zap.String("to_state", call.ToState),
		)
		return model.ActionResult{}, nil
	})
}
