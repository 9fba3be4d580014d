// Package integration provides an end-to-end test harness for the caseflow
// server. It starts the full HTTP stack over the templates shipped in the
// repository, with webhook actions pointed at mock backends, an in-memory
// application store and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/engine"
	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/role"
	"github.com/pitabwire/caseflow/internal/sideeffect"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/template"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/model"
)

// Webhook-backed actions used by the shipped templates.
var webhookActions = []string{"vehicle.registry", "notify.applicant"}

// TestHarness is a fully wired caseflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Templates  *template.Registry
	Store      *store.MemoryStore
	Records    sideeffect.RecordStore
	Dispatcher *sideeffect.Dispatcher
	Engine     *engine.Engine

	backends map[string]*MockBackend
	cfg      *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs   []string
	redisRecords   bool
	handlerTimeout time.Duration
}

// WithTemplates sets the template directories to load.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithRedisRecords keeps idempotency records in an in-process Redis server.
func WithRedisRecords() HarnessOption {
	return func(c *harnessConfig) {
		c.redisRecords = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a caseflow test instance. The server is
// closed when the test completes. The outbox dispatcher does not run in the
// background; tests drive it with Drain.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		templateDirs:   []string{filepath.Join(repoRoot(), "templates")},
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		backends: make(map[string]*MockBackend),
	}
	logger := zap.NewNop()

	// Step 1: Start mock backends and register actions against them.
	actions := sideeffect.NewActionRegistry()
	actions.Register("audit.log", sideeffect.LogAction(logger))
	for _, name := range webhookActions {
		mb := newMockBackend(t, name)
		h.backends[name] = mb
		actions.Register(name, sideeffect.NewWebhook(name, config.ActionConfig{
			URL:     mb.URL(),
			Timeout: 5 * time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1},
		}, logger, nil))
	}

	// Step 2: Load and compile templates.
	roleRegistry := role.NewRegistry()
	compiler := template.NewCompiler(
		template.NewValidator(actions, roleRegistry.Types()),
		expression.NewCompiler(),
		logger,
	)
	tmpls, err := template.NewLoader().LoadAll(hc.templateDirs)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	compiled, err := compiler.Build(tmpls)
	if err != nil {
		t.Fatalf("compile templates: %v", err)
	}
	h.Templates = template.NewRegistry(compiled)

	// Step 3: Build stores.
	h.Store = store.NewMemoryStore()
	h.Records = sideeffect.NewMemoryRecords(0)
	if hc.redisRecords {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		h.Records = sideeffect.NewRedisRecords(client, time.Hour)
	}

	// Step 4: Build the dispatcher and engine.
	h.Dispatcher = sideeffect.NewDispatcher(actions, h.Records, config.DispatcherConfig{
		Workers:     4,
		BatchSize:   100,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
		Retry: config.RetryConfig{
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
	}, logger, nil)
	h.Engine = engine.NewEngine(h.Templates, role.NewResolver(roleRegistry, logger), h.Store, h.Dispatcher, logger, nil)

	// Step 5: Create JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Auth.Issuer = testIssuer
	h.cfg.Auth.Audience = testAudience
	h.cfg.Auth.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Observability.Metrics.Enabled = false

	// Step 6: Build router with full middleware chain.
	authenticate, err := transport.NewAuthenticator(h.cfg.Auth, logger)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Applications: h.Engine,
		Authenticate: authenticate,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return h.Templates.Len() > 0 },
			Store:           h.Store,
		},
		Logger: logger,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// MockBackend returns the mock backend behind the named action.
func (h *TestHarness) MockBackend(action string) *MockBackend {
	mb, ok := h.backends[action]
	if !ok {
		h.t.Fatalf("mock backend %q not configured", action)
	}
	return mb
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Drain waits past the retry backoff and delivers one batch of outbox
// entries, returning how many reached a final status.
func (h *TestHarness) Drain() int {
	h.t.Helper()
	time.Sleep(5 * time.Millisecond)
	n, err := h.Dispatcher.Drain(context.Background(), h.Store, h.Engine)
	if err != nil {
		h.t.Fatalf("drain outbox: %v", err)
	}
	return n
}

// Outbox returns the outbox entries of an application.
func (h *TestHarness) Outbox(id string) []model.OutboxEntry {
	return h.Store.Outbox(id)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of a failed request.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Fatalf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// ApplicantClaims returns TestClaims for a citizen.
func ApplicantClaims() TestClaims {
	return TestClaims{
		SubjectID: "citizen-ann",
		TenantID:  "city-of-springfield",
		Email:     "ann@example.org",
	}
}

// OtherApplicantClaims returns TestClaims for an unrelated citizen.
func OtherApplicantClaims() TestClaims {
	return TestClaims{
		SubjectID: "citizen-ben",
		TenantID:  "city-of-springfield",
		Email:     "ben@example.org",
	}
}

// SupervisorClaims returns TestClaims for a parking supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-sam",
		TenantID:  "city-of-springfield",
		Email:     "sam@springfield.gov",
		Roles:     []string{"parking.supervisor"},
	}
}

// CaseworkerClaims returns TestClaims for a case worker. The case worker
// role comes from assignment, not from the token.
func CaseworkerClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-cara",
		TenantID:  "city-of-springfield",
		Email:     "cara@springfield.gov",
	}
}

// --- Helpers ---

// repoRoot returns the absolute path of the repository root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// PermitAnswers returns a complete parking permit application.
func PermitAnswers(plate string) map[string]any {
	return map[string]any{
		"applicant": map[string]any{"name": "Ann Example", "address": "742 Evergreen Terrace"},
		"vehicle":   map[string]any{"plate": plate},
		"duration":  "permanent",
	}
}
