// Package machine executes single transitions of an application's state
// machine. Everything here is a pure computation over an immutable snapshot:
// no I/O, no clocks, no shared state.
package machine

import (
	"fmt"
	"time"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/fieldpath"
	"github.com/pitabwire/caseflow/internal/permission"
	"github.com/pitabwire/caseflow/internal/template"
	"github.com/pitabwire/caseflow/model"
)

// Request is the input of a single transition.
type Request struct {
	Template    *template.Compiled
	Application *model.Application
	Roles       model.RoleSet
	Event       string
	Patch       map[string]any
	Now         time.Time
}

// Outcome is an accepted transition: the next application value and the
// ordered side effects to run.
type Outcome struct {
	Application *model.Application
	From        string
	To          string
	Effects     []model.SideEffect
}

// Transition computes the result of applying req.Event to req.Application.
// req.Application is never modified. Rejections are *model.ErrorEnvelope
// values; field-level ones carry details.
func Transition(req Request) (*Outcome, error) {
	app := req.Application
	tmpl := req.Template

	// 1. Current state must exist.
	state, ok := tmpl.State(app.State)
	if !ok {
		return nil, model.NewUnknownStateError(app.State)
	}

	// 2. Nothing leaves a final state.
	if state.IsFinal() {
		return nil, model.NewTerminalError(state.Name)
	}

	// 3. Event must be defined here and granted to a held role.
	tr, ok := state.Transitions[req.Event]
	if !ok {
		return nil, model.NewNoSuchTransitionError(state.Name, req.Event)
	}
	if !CanTrigger(state, req.Roles, req.Event) {
		return nil, model.NewNotAuthorizedError(
			fmt.Sprintf("no held role may trigger %q in state %q", req.Event, state.Name),
		)
	}
	target, ok := tmpl.State(tr.Target)
	if !ok {
		return nil, model.NewUnknownStateError(tr.Target)
	}

	// 4. Whole-patch write authorization.
	patch, err := fieldpath.Normalize(req.Patch)
	if err != nil {
		return nil, model.NewBadRequestError(err.Error())
	}
	if d := permission.AuthorizePatch(state, req.Roles, patch); !d.OK() {
		return nil, model.NewFieldAccessDeniedError(d.Denied)
	}

	// 5. Merge, then validate the merged answers.
	current, err := fieldpath.Normalize(app.Answers)
	if err != nil {
		return nil, fmt.Errorf("machine: normalize stored answers: %w", err)
	}
	merged := fieldpath.MergePatch(current, patch)
	if !tr.SkipValidation {
		if errs := tmpl.Schema().Validate(merged); len(errs) > 0 {
			return nil, model.NewValidationFailedError(errs)
		}
	}

	// 6. Guard over answers and external data.
	if guard := tmpl.Guard(state.Name, req.Event); guard != nil {
		passed, err := guard.Eval(expression.GuardEnv(merged, app.ExternalDataMap()))
		if err != nil {
			env := model.NewGuardFailedError(state.Name, req.Event)
			env.Message += ": " + err.Error()
			return nil, env
		}
		if !passed {
			return nil, model.NewGuardFailedError(state.Name, req.Event)
		}
	}

	// 7. The only state mutation point.
	next := app.Clone()
	next.Answers = merged
	next.State = target.Name
	next.Modified = NextModified(app.Modified, req.Now)

	// 8. Exit effects of the old state, then entry effects of the new one.
	var effects []model.SideEffect
	if target.Name != state.Name {
		effects = append(effects, plan(app, model.PhaseExit, state, state.Name, target.Name)...)
		effects = append(effects, plan(app, model.PhaseEntry, target, state.Name, target.Name)...)
	}

	return &Outcome{Application: next, From: state.Name, To: target.Name, Effects: effects}, nil
}

// CanTrigger reports whether any held role lists event among its actions in
// state.
func CanTrigger(state *model.StateDef, roles model.RoleSet, event string) bool {
	for _, g := range roles.Grants(state) {
		if g.AllowsEvent(event) {
			return true
		}
	}
	return false
}

// AvailableActions lists the actions the held roles may trigger in state,
// de-duplicated by event in declaration order.
func AvailableActions(state *model.StateDef, roles model.RoleSet) []model.ActionGrant {
	if state.IsFinal() {
		return nil
	}
	seen := make(map[string]bool)
	var out []model.ActionGrant
	for _, g := range roles.Grants(state) {
		for _, a := range g.Actions {
			if seen[a.Event] {
				continue
			}
			if _, ok := state.Transitions[a.Event]; !ok {
				continue
			}
			seen[a.Event] = true
			out = append(out, a)
		}
	}
	return out
}

// EntryEffects plans the entry effects of a freshly created application in
// its initial state. The from state is empty.
func EntryEffects(app *model.Application, initial *model.StateDef) []model.SideEffect {
	return plan(app, model.PhaseEntry, initial, "", initial.Name)
}

// NextModified returns the timestamp a committed write stamps on an
// application. It has microsecond precision, matching what PostgreSQL
// stores, and is always strictly after prev so it can serve as a
// concurrency token.
func NextModified(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(prev) {
		next = prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return next
}

// EffectKey is the idempotency key of a side effect: application, edge and
// action, plus the phase so the same action may run on both sides of an
// edge. Repeatable effects include the pre-transition modified timestamp so
// that a loop through the same edge fires again.
func EffectKey(appID, from, to, phase, action string, repeatable bool, prevModified time.Time) string {
	key := appID + "/" + from + "/" + to + "/" + phase + "/" + action
	if repeatable {
		key += "/" + prevModified.UTC().Format("20060102T150405.000000Z")
	}
	return key
}

func plan(app *model.Application, phase string, state *model.StateDef, from, to string) []model.SideEffect {
	defs := state.OnEntry
	if phase == model.PhaseExit {
		defs = state.OnExit
	}
	out := make([]model.SideEffect, 0, len(defs))
	for _, d := range defs {
		out = append(out, model.SideEffect{
			Key:                   EffectKey(app.ID, from, to, phase, d.Action, d.Repeatable, app.Modified),
			Action:                d.Action,
			Phase:                 phase,
			State:                 state.Name,
			FromState:             from,
			ToState:               to,
			PersistToExternalData: d.PersistToExternalData,
			ThrowOnError:          d.ThrowOnError,
		})
	}
	return out
}
