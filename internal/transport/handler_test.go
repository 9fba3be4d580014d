package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/engine"
	"github.com/pitabwire/caseflow/internal/role"
	"github.com/pitabwire/caseflow/internal/sideeffect"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/template/templatetest"
	"github.com/pitabwire/caseflow/model"
)

func nopLogger() *zap.Logger { return zap.NewNop() }

// api is a router backed by a real engine over the memory store,
// authenticating with HMAC tokens.
type api struct {
	t      *testing.T
	router http.Handler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	t.Setenv("CASEFLOW_TEST_AUTH_SECRET", testSecret)

	actions := sideeffect.NewActionRegistry()
	noop := func(context.Context, model.ActionCall) (model.ActionResult, error) {
		return model.ActionResult{Data: map[string]any{"ok": true}}, nil
	}
	for _, name := range []string{"submitToCaseSystem", "notify.draftClosed", "notify.received", "notify.approved"} {
		actions.RegisterFunc(name, noop)
	}
	dispatcher := sideeffect.NewDispatcher(actions, sideeffect.NewMemoryRecords(0), config.DispatcherConfig{}, nil, nil)
	eng := engine.NewEngine(
		templatetest.Registry(t, templatetest.Review),
		role.NewResolver(nil, nil),
		store.NewMemoryStore(),
		dispatcher,
		nil,
		nil,
	)

	auth, err := NewAuthenticator(testAuthCfg(), nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	deps := testDeps()
	deps.Config.Auth = testAuthCfg()
	deps.Applications = eng
	deps.Authenticate = auth
	return &api{t: t, router: NewRouter(deps)}
}

func (a *api) do(method, path, subject string, body any, roles ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+hmacToken(a.t, validClaims(subject, roles...)))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, w).Error.Code
}

func (a *api) create(answers map[string]any) model.ApplicationView {
	a.t.Helper()
	w := a.do(http.MethodPost, "/api/applications", "alice", map[string]any{"type": "review", "answers": answers})
	if w.Code != http.StatusCreated {
		a.t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	return decode[model.ApplicationView](a.t, w)
}

func TestAPI_Templates(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodGet, "/api/templates", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[struct {
		Data []model.TemplateInfo `json:"data"`
	}](t, w)
	if len(body.Data) != 1 || body.Data[0].Type != "review" {
		t.Fatalf("templates = %+v", body.Data)
	}
}

func TestAPI_CreateAndGet(t *testing.T) {
	a := newAPI(t)
	v := a.create(map[string]any{"name": "Ann"})
	if v.State != "draft" || v.ApplicantID != "alice" {
		t.Fatalf("view = %+v", v)
	}

	w := a.do(http.MethodGet, "/api/applications/"+v.ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = a.do(http.MethodGet, "/api/applications/"+v.ID, "mallory", nil)
	if w.Code != http.StatusForbidden || errorCode(t, w) != model.ErrNotAuthorized {
		t.Fatalf("stranger status = %d", w.Code)
	}

	w = a.do(http.MethodGet, "/api/applications/unknown", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}
}

func TestAPI_CreateBadRequest(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/api/applications", "alice", map[string]any{"answers": map[string]any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing type status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/applications", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+hmacToken(t, validClaims("alice")))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}
}

func TestAPI_TransitionFlow(t *testing.T) {
	a := newAPI(t)
	v := a.create(map[string]any{"name": "Ann", "duration": "permanent"})
	path := "/api/applications/" + v.ID

	w := a.do(http.MethodPost, path+"/transitions", "alice", map[string]any{"event": "SUBMIT"})
	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
	}
	res := decode[model.TransitionResult](t, w)
	if res.Application.State != "review" {
		t.Fatalf("state = %s", res.Application.State)
	}

	w = a.do(http.MethodPost, path+"/transitions", "alice", map[string]any{"event": "SUBMIT"})
	if w.Code != http.StatusConflict || errorCode(t, w) != model.ErrNoSuchTransition {
		t.Fatalf("second submit status = %d", w.Code)
	}

	// Counter party reads only the decision and may not write it.
	w = a.do(http.MethodGet, path, "carol", nil, "counter-party")
	if w.Code != http.StatusOK {
		t.Fatalf("counter party get status = %d", w.Code)
	}
	if view := decode[model.ApplicationView](t, w); len(view.Answers) != 0 {
		t.Fatalf("counter party answers = %v", view.Answers)
	}

	w = a.do(http.MethodGet, path+"/events", "alice", nil)
	events := decode[struct {
		Data []model.ApplicationEvent `json:"data"`
	}](t, w)
	if len(events.Data) != 2 {
		t.Fatalf("events = %+v", events.Data)
	}
}

func TestAPI_TransitionValidationErrors(t *testing.T) {
	a := newAPI(t)
	v := a.create(nil)

	w := a.do(http.MethodPost, "/api/applications/"+v.ID+"/transitions", "alice", map[string]any{"event": "SUBMIT"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Error            model.ErrorEnvelope `json:"error"`
		ValidationErrors []model.FieldError  `json:"validation_errors"`
	}](t, w)
	if body.Error.Code != model.ErrValidationFailed || len(body.ValidationErrors) == 0 {
		t.Fatalf("body = %+v", body)
	}
}

func TestAPI_TransitionStale(t *testing.T) {
	a := newAPI(t)
	v := a.create(map[string]any{"name": "Ann", "duration": "permanent"})
	path := "/api/applications/" + v.ID + "/transitions"

	if w := a.do(http.MethodPost, path, "alice", map[string]any{"event": "SAVE"}); w.Code != http.StatusOK {
		t.Fatalf("save status = %d", w.Code)
	}
	w := a.do(http.MethodPost, path, "alice", map[string]any{"event": "SUBMIT", "expected_modified": v.Modified})
	if w.Code != http.StatusConflict || errorCode(t, w) != model.ErrStaleState {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAPI_ListAssignDelete(t *testing.T) {
	a := newAPI(t)
	first := a.create(nil)
	a.create(nil)

	w := a.do(http.MethodGet, "/api/applications?type=review", "alice", nil)
	list := decode[struct {
		Data []model.ApplicationSummary `json:"data"`
	}](t, w)
	if len(list.Data) != 2 {
		t.Fatalf("listed %d", len(list.Data))
	}

	w = a.do(http.MethodPut, "/api/applications/"+first.ID+"/assignees", "alice", map[string]any{"assignees": []string{"bob"}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("assign in draft status = %d", w.Code)
	}

	w = a.do(http.MethodDelete, "/api/applications/"+first.ID, "alice", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}
	w = a.do(http.MethodGet, "/api/applications/"+first.ID, "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}
}
