package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/lifecycle"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Prune deletes every application that is prunable at now and returns how
// many were removed. Candidates come from the stored prune time and are
// re-checked against their pinned template before deletion.
func (e *Engine) Prune(ctx context.Context, now time.Time) (int, error) {
	total := 0
	var cursor *store.PruneCursor
	for {
		apps, err := e.store.FindPrunable(ctx, now, cursor, e.pruneBatch)
		if err != nil {
			e.metrics.RecordPrune("error", total)
			return total, err
		}

		deleted := 0
		for _, app := range apps {
			if ctx.Err() != nil {
				e.metrics.RecordPrune("error", total)
				return total, ctx.Err()
			}
			ok, err := e.pruneOne(ctx, app, now)
			if err != nil {
				e.logger.Warn("failed to prune application",
					zap.String("application_id", app.ID), zap.Error(err))
				continue
			}
			if ok {
				deleted++
			}
		}
		total += deleted

		if len(apps) < e.pruneBatch {
			break
		}
		// Candidates kept back stay ahead of the next page.
		cursor = store.CursorOf(apps[len(apps)-1])
	}
	e.metrics.RecordPrune("success", total)
	return total, nil
}

func (e *Engine) pruneOne(ctx context.Context, app *model.Application, now time.Time) (bool, error) {
	tmpl, err := e.templateFor(app)
	if err != nil {
		return false, err
	}
	state, ok := tmpl.State(app.State)
	if !ok || !lifecycle.IsPrunable(state, now, app.Modified) {
		return false, nil
	}
	err = e.store.Delete(ctx, app.ID, app.Snapshot())
	if model.IsCode(err, model.ErrStaleState) || model.IsCode(err, model.ErrNotFound) {
		// Changed or removed since it was listed; the next run re-evaluates it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.metrics.RecordApplicationDeleted(app.TypeID, "pruned")
	return true, nil
}
