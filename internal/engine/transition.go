package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/fieldpath"
	"github.com/pitabwire/caseflow/internal/lifecycle"
	"github.com/pitabwire/caseflow/internal/machine"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// TransitionRequest is the input of SubmitTransition.
type TransitionRequest struct {
	Event string
	Patch map[string]any

	// ExpectedModified, when set, is the modified timestamp the caller read.
	// A mismatch fails fast with STALE_STATE.
	ExpectedModified *time.Time
}

// SubmitTransition applies an event, with an optional answers patch, to an
// application on behalf of the caller. On FIELD_ACCESS_DENIED and
// VALIDATION_FAILED the returned result carries the field errors along with
// the error.
func (e *Engine) SubmitTransition(ctx context.Context, rctx *model.RequestContext, id string, req TransitionRequest) (*model.TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.submit_transition",
		observability.AttrApplicationID.String(id),
		observability.AttrEvent.String(req.Event),
	)
	start := time.Now()

	result, typeID, err := e.submit(ctx, rctx, id, req)

	observability.EndSpanWithError(span, err)
	if typeID != "" {
		e.metrics.RecordTransition(typeID, req.Event, outcomeOf(err), time.Since(start))
	}
	return result, err
}

func (e *Engine) submit(ctx context.Context, rctx *model.RequestContext, id string, req TransitionRequest) (*model.TransitionResult, string, error) {
	// Held until the commit so that blocking effects of one edge run once.
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	acc, err := e.load(ctx, rctx, id)
	if err != nil {
		return nil, "", err
	}
	app := acc.app
	log := observability.RequestLogger(ctx, e.logger).With(
		zap.String("application_id", id),
		zap.String("event", req.Event),
		zap.String("from_state", app.State),
	)
	if err := checkExpected(app, req.ExpectedModified); err != nil {
		e.metrics.RecordStaleConflict(app.TypeID)
		return nil, app.TypeID, err
	}

	if ce := log.Check(zap.DebugLevel, "transition requested"); ce != nil {
		ce.Write(
			zap.Strings("roles", acc.roles.Sorted()),
			zap.Any("patch", observability.RedactAnswers(req.Patch)),
		)
	}

	outcome, err := machine.Transition(machine.Request{
		Template:    acc.tmpl,
		Application: app,
		Roles:       acc.roles,
		Event:       req.Event,
		Patch:       req.Patch,
		Now:         e.now(),
	})
	if err != nil {
		log.Info("transition rejected", zap.String("code", outcomeOf(err)))
		return rejected(err), app.TypeID, err
	}

	res, err := e.dispatcher.RunSync(ctx, outcome.Application, outcome.Effects)
	if err != nil {
		log.Warn("blocking side effect failed", zap.Error(err))
		return nil, app.TypeID, err
	}

	next := outcome.Application
	if len(res.ExternalData) > 0 && next.ExternalData == nil {
		next.ExternalData = make(map[string]model.ExternalDataEntry, len(res.ExternalData))
	}
	for action, entry := range res.ExternalData {
		next.ExternalData[action] = entry
	}
	target, _ := acc.tmpl.State(outcome.To)
	lifecycle.Apply(target, next)

	patch, _ := fieldpath.Normalize(req.Patch)
	event := model.ApplicationEvent{
		ID:            uuid.NewString(),
		ApplicationID: id,
		Event:         req.Event,
		FromState:     outcome.From,
		ToState:       outcome.To,
		ActorID:       rctx.SubjectID,
		Roles:         acc.roles.Sorted(),
		Timestamp:     next.Modified,
	}
	if fields := fieldpath.Leaves(model.RootAnswers, patch); len(fields) > 0 {
		event.Data = map[string]any{"fields": toAny(fields)}
	}

	err = e.store.Commit(ctx, store.Commit{
		Expected:    app.Snapshot(),
		Application: next,
		Event:       &event,
		Effects:     res.Deferred,
	})
	if err != nil {
		if model.IsCode(err, model.ErrStaleState) {
			e.metrics.RecordStaleConflict(app.TypeID)
		}
		return nil, app.TypeID, err
	}
	if len(res.Deferred) > 0 {
		e.dispatcher.Notify()
	}

	log.Info("transition committed",
		zap.String("to_state", outcome.To),
		zap.Int("effects", len(outcome.Effects)),
		zap.Int("deferred", len(res.Deferred)),
	)

	roles, err := e.roles.Resolve(acc.tmpl, next, rctx)
	if err != nil {
		return nil, app.TypeID, err
	}
	view, err := e.view(acc.tmpl, next, roles)
	if err != nil {
		return nil, app.TypeID, err
	}
	return &model.TransitionResult{Application: view}, app.TypeID, nil
}

// rejected builds the result returned alongside a field-level rejection.
func rejected(err error) *model.TransitionResult {
	env, ok := model.AsEnvelope(err)
	if !ok {
		return nil
	}
	switch env.Code {
	case model.ErrFieldAccessDenied:
		return &model.TransitionResult{AuthorizationErrors: env.Details}
	case model.ErrValidationFailed:
		return &model.TransitionResult{ValidationErrors: env.Details}
	}
	return nil
}
