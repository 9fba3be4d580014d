package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Auth.Audience != "caseflow" {
		t.Errorf("Auth.Audience = %q", cfg.Auth.Audience)
	}
	if len(cfg.Auth.Algorithms) != 2 {
		t.Errorf("Auth.Algorithms = %v, want 2 entries", cfg.Auth.Algorithms)
	}
	if cfg.Auth.ClaimPaths["subject_id"] != "sub" {
		t.Errorf("Auth.ClaimPaths lost defaults: %v", cfg.Auth.ClaimPaths)
	}
	if len(cfg.Templates.Directories) != 2 {
		t.Errorf("Templates.Directories = %v", cfg.Templates.Directories)
	}
	if cfg.Store.Driver != DriverPostgres || !cfg.Store.Migrate || cfg.Store.MaxConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Effects.Idempotency.Driver != DriverRedis {
		t.Errorf("Idempotency.Driver = %q, want redis", cfg.Effects.Idempotency.Driver)
	}
	if cfg.Effects.Dispatcher.Workers != 4 || cfg.Effects.Dispatcher.MaxAttempts != 5 {
		t.Errorf("Dispatcher = %+v", cfg.Effects.Dispatcher)
	}
	if cfg.Effects.Dispatcher.Retry.BackoffMultiplier != 2 {
		t.Errorf("Dispatcher.Retry lost defaults: %+v", cfg.Effects.Dispatcher.Retry)
	}
	if cfg.Pruner.Schedule != "0 0 * * * *" || !cfg.Pruner.Enabled {
		t.Errorf("Pruner = %+v", cfg.Pruner)
	}

	action, ok := cfg.Actions["vehicle.registry"]
	if !ok {
		t.Fatal("Actions[vehicle.registry] not found")
	}
	if action.Timeout != 5*time.Second {
		t.Errorf("action.Timeout = %v, want 5s", action.Timeout)
	}
	if action.Headers["X-Api-Key"] != "secret" {
		t.Errorf("action.Headers = %v", action.Headers)
	}
	if action.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("action.CircuitBreaker.FailureThreshold = %d, want 5", action.CircuitBreaker.FailureThreshold)
	}
	if action.Retry.MaxAttempts != 3 || action.Retry.BackoffInitial != 200*time.Millisecond {
		t.Errorf("action.Retry = %+v", action.Retry)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_reports_every_problem(t *testing.T) {
	_, err := Load("testdata/invalid.yaml")
	if err == nil {
		t.Fatal("Load() with invalid config should return error")
	}
	msg := err.Error()
	for _, want := range []string{
		"server.port",
		"auth.jwks_url",
		"templates.directories",
		"store.driver",
		"effects.idempotency.path",
		"effects.dispatcher.workers",
		"actions.notify.applicant.url",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Pruner.Schedule != "0 */10 * * * *" {
		t.Errorf("default Pruner.Schedule = %q", cfg.Pruner.Schedule)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASEFLOW_SERVER_PORT", "3000")
	t.Setenv("CASEFLOW_AUTH_ISSUER", "https://env-issuer.gov")
	t.Setenv("CASEFLOW_AUTH_AUDIENCE", "env-audience")
	t.Setenv("CASEFLOW_STORE_DRIVER", "memory")
	t.Setenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Auth.Issuer != "https://env-issuer.gov" {
		t.Errorf("Auth.Issuer = %q, want env override", cfg.Auth.Issuer)
	}
	if cfg.Auth.Audience != "env-audience" {
		t.Errorf("Auth.Audience = %q, want env override", cfg.Auth.Audience)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestLoad_dotenv(t *testing.T) {
	// Register cleanup so the variable the .env file exports is removed again.
	t.Setenv("CASEFLOW_SERVER_PORT", "")
	_ = os.Unsetenv("CASEFLOW_SERVER_PORT")
	t.Setenv("CASEFLOW_AUTH_AUDIENCE", "from-process")

	dir := t.TempDir()
	raw, err := os.ReadFile("testdata/valid.yaml")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	env := "CASEFLOW_SERVER_PORT=7070\nCASEFLOW_AUTH_AUDIENCE=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 from .env", cfg.Server.Port)
	}
	if cfg.Auth.Audience != "from-process" {
		t.Errorf("Auth.Audience = %q, process environment should win over .env", cfg.Auth.Audience)
	}
}

func TestValidate_secret_auth(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.SecretEnv = "CASEFLOW_JWT_SECRET"
	cfg.Auth.Algorithms = []string{"HS256"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestLoad_expandsActionHeaders(t *testing.T) {
	t.Setenv("REGISTRY_API_KEY", "")
	_ = os.Unsetenv("REGISTRY_API_KEY")

	dir := t.TempDir()
	yml := `
auth:
  jwks_url: https://auth.example.gov/jwks
actions:
  vehicle.registry:
    url: https://registry.example.gov/lookup
    headers:
      X-Api-Key: ${REGISTRY_API_KEY}
      X-Client: caseflow
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("REGISTRY_API_KEY=k-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	headers := cfg.Actions["vehicle.registry"].Headers
	if headers["X-Api-Key"] != "k-123" || headers["X-Client"] != "caseflow" {
		t.Errorf("headers = %v", headers)
	}
}
