// Package engine exposes the caller-facing operations on applications. It
// resolves the caller's roles, runs transitions through the state machine,
// executes blocking side effects and commits the result with a
// compare-and-swap on the application's snapshot.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/lifecycle"
	"github.com/pitabwire/caseflow/internal/machine"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/permission"
	"github.com/pitabwire/caseflow/internal/role"
	"github.com/pitabwire/caseflow/internal/sideeffect"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/template"
	"github.com/pitabwire/caseflow/model"
)

const (
	defaultMergeRetries = 5
	defaultPruneBatch   = 100
	listScanBatch       = 200
	defaultPageSize     = 50
	maxPageSize         = 200

	// systemActor is the actor recorded for writes made by the dispatcher.
	systemActor = "system"
)

// Engine runs application operations.
type Engine struct {
	templates    *template.Registry
	roles        *role.Resolver
	store        store.Store
	dispatcher   *sideeffect.Dispatcher
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	mergeRetries int
	pruneBatch   int
}

// NewEngine creates an engine. metrics may be nil.
func NewEngine(
	templates *template.Registry,
	roles *role.Resolver,
	st store.Store,
	dispatcher *sideeffect.Dispatcher,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		templates:    templates,
		roles:        roles,
		store:        st,
		dispatcher:   dispatcher,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		mergeRetries: defaultMergeRetries,
		pruneBatch:   defaultPruneBatch,
	}
}

// SetPruneBatch sets how many candidates a prune run loads at a time.
func (e *Engine) SetPruneBatch(n int) {
	if n > 0 {
		e.pruneBatch = n
	}
}

// Templates lists the registered template types and versions.
func (e *Engine) Templates() []model.TemplateInfo {
	return e.templates.Infos()
}

// lock serializes writers of one application with each other and with
// outbox deliveries for it.
func (e *Engine) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := e.dispatcher.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: lock application %s: %w", id, err)
	}
	return unlock, nil
}

// access is an application loaded together with its template, current state
// and the caller's roles.
type access struct {
	app   *model.Application
	tmpl  *template.Compiled
	state *model.StateDef
	roles model.RoleSet
}

// load reads an application and resolves the caller's roles. An empty role
// set is NOT_AUTHORIZED.
func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, id string) (*access, error) {
	if err := checkIdentity(rctx); err != nil {
		return nil, err
	}
	app, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.templateFor(app)
	if err != nil {
		return nil, err
	}
	state, ok := tmpl.State(app.State)
	if !ok {
		return nil, model.NewUnknownStateError(app.State)
	}
	roles, err := e.roles.Resolve(tmpl, app, rctx)
	if err != nil {
		return nil, err
	}
	if roles.Empty() {
		return nil, model.NewNotAuthorizedError(fmt.Sprintf("no role on application %q", id))
	}
	return &access{app: app, tmpl: tmpl, state: state, roles: roles}, nil
}

// templateFor returns the template version an application is pinned to.
func (e *Engine) templateFor(app *model.Application) (*template.Compiled, error) {
	tmpl, ok := e.templates.Get(app.TypeID, app.TemplateVersion)
	if !ok {
		return nil, model.NewTemplateInvalidError(
			fmt.Sprintf("template %s version %s is not loaded", app.TypeID, app.TemplateVersion), nil,
		)
	}
	return tmpl, nil
}

// view renders app as seen by roles.
func (e *Engine) view(tmpl *template.Compiled, app *model.Application, roles model.RoleSet) (*model.ApplicationView, error) {
	state, ok := tmpl.State(app.State)
	if !ok {
		return nil, model.NewUnknownStateError(app.State)
	}
	answers, external := permission.FilterRead(state, roles, app.Answers, app.ExternalDataMap())

	v := &model.ApplicationView{
		ID:              app.ID,
		TypeID:          app.TypeID,
		TemplateVersion: app.TemplateVersion,
		ApplicantID:     app.ApplicantID,
		AssigneeIDs:     append([]string{}, app.AssigneeIDs...),
		State:           app.State,
		Status:          tmpl.Status(app.State),
		Progress:        state.Progress,
		Roles:           roles.Sorted(),
		Answers:         answers,
		ExternalData:    external,
		Actions:         machine.AvailableActions(state, roles),
		Forms:           state.Forms,
		Listed:          lifecycle.IsListed(state),
		Prunable:        lifecycle.IsPrunable(state, e.now(), app.Modified),
		Created:         app.Created,
		Modified:        app.Modified,
	}
	if v.Actions == nil {
		v.Actions = []model.ActionGrant{}
	}
	for _, g := range roles.Grants(state) {
		v.CanDelete = v.CanDelete || g.Delete
		v.CanAssign = v.CanAssign || g.Assign
	}
	return v, nil
}

func (e *Engine) summary(tmpl *template.Compiled, app *model.Application, roles model.RoleSet) model.ApplicationSummary {
	var progress float64
	if state, ok := tmpl.State(app.State); ok {
		progress = state.Progress
	}
	return model.ApplicationSummary{
		ID:          app.ID,
		TypeID:      app.TypeID,
		Name:        tmpl.Name(),
		State:       app.State,
		Status:      tmpl.Status(app.State),
		Progress:    progress,
		Roles:       roles.Sorted(),
		ApplicantID: app.ApplicantID,
		Created:     app.Created,
		Modified:    app.Modified,
	}
}

func checkIdentity(rctx *model.RequestContext) error {
	if rctx == nil {
		return model.NewUnauthorizedError("missing identity")
	}
	if err := rctx.Validate(); err != nil {
		return model.NewUnauthorizedError(err.Error())
	}
	return nil
}

func checkExpected(app *model.Application, expected *time.Time) error {
	if expected != nil && !expected.Equal(app.Modified) {
		return model.NewStaleStateError(app.ID)
	}
	return nil
}

// outcomeOf names an error for metrics: the envelope code, or "ok".
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if env, ok := model.AsEnvelope(err); ok {
		return env.Code
	}
	return model.ErrInternalError
}
