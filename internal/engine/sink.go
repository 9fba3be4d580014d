package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/lifecycle"
	"github.com/pitabwire/caseflow/internal/machine"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Application returns a stored application without any role check. It is
// used by the side effect dispatcher.
func (e *Engine) Application(ctx context.Context, id string) (*model.Application, error) {
	return e.store.Get(ctx, id)
}

// MergeExternalData stores entry under externalData[key], retrying on
// concurrent commits. Each merge advances modified and re-applies the
// lifecycle policy of the current state.
func (e *Engine) MergeExternalData(ctx context.Context, id, key string, entry model.ExternalDataEntry) error {
	for attempt := 1; ; attempt++ {
		err := e.mergeOnce(ctx, id, key, entry)
		if err == nil || !model.IsCode(err, model.ErrStaleState) {
			return err
		}
		if attempt >= e.mergeRetries {
			return err
		}
		e.logger.Debug("external data merge conflicted, retrying",
			zap.String("application_id", id),
			zap.String("key", key),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
}

func (e *Engine) mergeOnce(ctx context.Context, id, key string, entry model.ExternalDataEntry) error {
	app, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	tmpl, err := e.templateFor(app)
	if err != nil {
		return err
	}
	state, ok := tmpl.State(app.State)
	if !ok {
		return model.NewUnknownStateError(app.State)
	}

	next := app.Clone()
	if next.ExternalData == nil {
		next.ExternalData = make(map[string]model.ExternalDataEntry)
	}
	next.ExternalData[key] = entry
	next.Modified = machine.NextModified(app.Modified, e.now())
	lifecycle.Apply(state, next)

	event := model.ApplicationEvent{
		ID:            uuid.NewString(),
		ApplicationID: id,
		Event:         model.EventMerged,
		FromState:     app.State,
		ToState:       app.State,
		ActorID:       systemActor,
		Data:          map[string]any{"key": key, "status": entry.Status},
		Timestamp:     next.Modified,
	}
	err = e.store.Commit(ctx, store.Commit{Expected: app.Snapshot(), Application: next, Event: &event})
	if model.IsCode(err, model.ErrStaleState) {
		e.metrics.RecordStaleConflict(app.TypeID)
	}
	return err
}
