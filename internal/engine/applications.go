package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/fieldpath"
	"github.com/pitabwire/caseflow/internal/lifecycle"
	"github.com/pitabwire/caseflow/internal/machine"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/permission"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/template"
	"github.com/pitabwire/caseflow/model"
)

// Create starts a new application of typeID on the latest template version
// with the caller as applicant. Initial answers are write-authorized
// against the initial state but not validated.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, typeID string, answers map[string]any) (*model.ApplicationView, error) {
	if err := checkIdentity(rctx); err != nil {
		return nil, err
	}
	tmpl, ok := e.templates.Latest(typeID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("application type %q not found", typeID))
	}

	ctx, span := observability.StartSpan(ctx, "engine.create",
		observability.AttrTypeID.String(typeID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	view, err := e.create(ctx, rctx, tmpl, answers)
	observability.EndSpanWithError(span, err)
	return view, err
}

func (e *Engine) create(ctx context.Context, rctx *model.RequestContext, tmpl *template.Compiled, answers map[string]any) (*model.ApplicationView, error) {
	initial := tmpl.Initial()
	now := e.now().UTC().Truncate(time.Microsecond)

	app := &model.Application{
		ID:              uuid.NewString(),
		TypeID:          tmpl.TypeID(),
		TemplateVersion: tmpl.Version(),
		ApplicantID:     rctx.SubjectID,
		AssigneeIDs:     []string{},
		State:           initial.Name,
		Answers:         map[string]any{},
		ExternalData:    map[string]model.ExternalDataEntry{},
		Created:         now,
		Modified:        now,
	}

	roles, err := e.roles.Resolve(tmpl, app, rctx)
	if err != nil {
		return nil, err
	}
	if roles.Empty() {
		return nil, model.NewNotAuthorizedError(fmt.Sprintf("caller may not create %q applications", tmpl.TypeID()))
	}

	patch, err := fieldpath.Normalize(answers)
	if err != nil {
		return nil, model.NewBadRequestError(err.Error())
	}
	if d := permission.AuthorizePatch(initial, roles, patch); !d.OK() {
		return nil, model.NewFieldAccessDeniedError(d.Denied)
	}
	app.Answers = fieldpath.MergePatch(app.Answers, patch)

	effects := machine.EntryEffects(app, initial)
	res, err := e.dispatcher.RunSync(ctx, app, effects)
	if err != nil {
		return nil, err
	}
	for action, entry := range res.ExternalData {
		app.ExternalData[action] = entry
	}
	lifecycle.Apply(initial, app)

	event := model.ApplicationEvent{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Event:         model.EventCreated,
		ToState:       app.State,
		ActorID:       rctx.SubjectID,
		Roles:         roles.Sorted(),
		Timestamp:     now,
	}
	if err := e.store.Create(ctx, app, event, res.Deferred); err != nil {
		return nil, err
	}
	if len(res.Deferred) > 0 {
		e.dispatcher.Notify()
	}

	e.metrics.RecordApplicationCreated(app.TypeID)
	observability.RequestLogger(ctx, e.logger).Info("application created",
		zap.String("application_id", app.ID),
		zap.String("type_id", app.TypeID),
		zap.String("template_version", app.TemplateVersion),
		zap.Int("effects", len(effects)),
	)
	return e.view(tmpl, app, roles)
}

// Get returns the application as the caller may see it.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, id string) (*model.ApplicationView, error) {
	acc, err := e.load(ctx, rctx, id)
	if err != nil {
		return nil, err
	}
	return e.view(acc.tmpl, acc.app, acc.roles)
}

// List returns listed applications on which the caller holds at least one
// role, most recently modified first.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filter model.ListFilter) ([]model.ApplicationSummary, error) {
	if err := checkIdentity(rctx); err != nil {
		return nil, err
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	skip := 0
	if filter.Page > 1 {
		skip = (filter.Page - 1) * pageSize
	}

	result := []model.ApplicationSummary{}
	for offset := 0; len(result) < pageSize; offset += listScanBatch {
		apps, err := e.store.List(ctx, store.Filter{
			TypeID:     filter.TypeID,
			ListedOnly: true,
			Limit:      listScanBatch,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}
		for _, app := range apps {
			tmpl, err := e.templateFor(app)
			if err != nil {
				e.logger.Warn("skipping application with unloaded template",
					zap.String("application_id", app.ID), zap.Error(err))
				continue
			}
			roles, err := e.roles.Resolve(tmpl, app, rctx)
			if err != nil || roles.Empty() {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			result = append(result, e.summary(tmpl, app, roles))
			if len(result) == pageSize {
				break
			}
		}
		if len(apps) < listScanBatch {
			break
		}
	}
	return result, nil
}

// Assign replaces the assignee set. The caller needs a grant with assign in
// the current state. Duplicates and empty ids are dropped, order is kept.
func (e *Engine) Assign(ctx context.Context, rctx *model.RequestContext, id string, assignees []string) (*model.ApplicationView, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acc, err := e.load(ctx, rctx, id)
	if err != nil {
		return nil, err
	}
	if !canAssign(acc.state, acc.roles) {
		return nil, model.NewNotAuthorizedError(fmt.Sprintf("caller may not assign in state %q", acc.state.Name))
	}

	next := acc.app.Clone()
	next.AssigneeIDs = dedupe(assignees)
	next.Modified = machine.NextModified(acc.app.Modified, e.now())
	lifecycle.Apply(acc.state, next)

	event := model.ApplicationEvent{
		ID:            uuid.NewString(),
		ApplicationID: id,
		Event:         model.EventAssigned,
		FromState:     acc.app.State,
		ToState:       next.State,
		ActorID:       rctx.SubjectID,
		Roles:         acc.roles.Sorted(),
		Data:          map[string]any{"assignees": toAny(next.AssigneeIDs)},
		Timestamp:     next.Modified,
	}
	if err := e.store.Commit(ctx, store.Commit{Expected: acc.app.Snapshot(), Application: next, Event: &event}); err != nil {
		if model.IsCode(err, model.ErrStaleState) {
			e.metrics.RecordStaleConflict(next.TypeID)
		}
		return nil, err
	}

	roles, err := e.roles.Resolve(acc.tmpl, next, rctx)
	if err != nil {
		return nil, err
	}
	return e.view(acc.tmpl, next, roles)
}

// Delete removes the application. The caller needs a grant with delete in
// the current state.
func (e *Engine) Delete(ctx context.Context, rctx *model.RequestContext, id string) error {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	acc, err := e.load(ctx, rctx, id)
	if err != nil {
		return err
	}
	if !canDelete(acc.state, acc.roles) {
		return model.NewNotAuthorizedError(fmt.Sprintf("caller may not delete in state %q", acc.state.Name))
	}
	if err := e.store.Delete(ctx, id, acc.app.Snapshot()); err != nil {
		return err
	}
	e.metrics.RecordApplicationDeleted(acc.app.TypeID, "user")
	observability.RequestLogger(ctx, e.logger).Info("application deleted",
		zap.String("application_id", id),
		zap.String("state", acc.app.State),
	)
	return nil
}

// Events returns the audit trail. Any role on the application suffices.
func (e *Engine) Events(ctx context.Context, rctx *model.RequestContext, id string) ([]model.ApplicationEvent, error) {
	if _, err := e.load(ctx, rctx, id); err != nil {
		return nil, err
	}
	return e.store.Events(ctx, id)
}

func canAssign(state *model.StateDef, roles model.RoleSet) bool {
	for _, g := range roles.Grants(state) {
		if g.Assign {
			return true
		}
	}
	return false
}

func canDelete(state *model.StateDef, roles model.RoleSet) bool {
	for _, g := range roles.Grants(state) {
		if g.Delete {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
