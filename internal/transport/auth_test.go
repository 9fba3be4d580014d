package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/caseflow/internal/config"
)

const testSecret = "test-signing-secret-0123456789abcdef"

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

// startJWKSServer serves keys and counts fetches.
func startJWKSServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		Issuer:       "https://auth.example.gov",
		Audience:     "caseflow",
		JWKSCacheTTL: time.Hour,
		SecretEnv:    "CASEFLOW_TEST_AUTH_SECRET",
		Algorithms:   []string{"RS256", "ES256", "HS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
		},
	}
}

func validClaims(sub string, roles ...string) jwt.MapClaims {
	rs := make([]any, 0, len(roles))
	for _, r := range roles {
		rs = append(rs, r)
	}
	return jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.gov",
		"roles": rs,
		"iss":   "https://auth.example.gov",
		"aud":   "caseflow",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

// hmacToken signs claims with the shared test secret.
func hmacToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return signJWT(t, []byte(testSecret), jwt.SigningMethodHS256, "", claims)
}

// serveAuth runs one request with the given Authorization header through
// auth and returns the recorder and the claims seen downstream.
func serveAuth(t *testing.T, auth func(http.Handler) http.Handler, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var seen map[string]any
	h := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, seen
}

func TestJWKSClient_GetKey_RSA(t *testing.T) {
	key := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaKeyToJWK("rsa-1", &key.PublicKey))

	got, err := NewJWKSClient(srv.URL, time.Hour, nil).GetKey("rsa-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := got.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		t.Fatalf("unexpected key %#v", got)
	}
}

func TestJWKSClient_GetKey_EC(t *testing.T) {
	key := generateECKey(t)
	srv, _ := startJWKSServer(t, ecKeyToJWK("ec-1", &key.PublicKey))

	got, err := NewJWKSClient(srv.URL, time.Hour, nil).GetKey("ec-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := got.(*ecdsa.PublicKey)
	if !ok || pub.X.Cmp(key.X) != 0 || pub.Y.Cmp(key.Y) != 0 {
		t.Fatalf("unexpected key %#v", got)
	}
}

func TestJWKSClient_unknownKid(t *testing.T) {
	key := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaKeyToJWK("rsa-1", &key.PublicKey))

	if _, err := NewJWKSClient(srv.URL, time.Hour, nil).GetKey("other"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	key := generateRSAKey(t)
	srv, hits := startJWKSServer(t, rsaKeyToJWK("rsa-1", &key.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	for i := 0; i < 3; i++ {
		if _, err := client.GetKey("rsa-1"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("fetched %d times, want 1", n)
	}
}

func TestJWTAuthenticator_RSAFromJWKS(t *testing.T) {
	key := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaKeyToJWK("rsa-1", &key.PublicKey))
	cfg := testAuthCfg()
	cfg.JWKSURL = srv.URL

	auth, err := NewAuthenticator(cfg, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	token := signJWT(t, key, jwt.SigningMethodRS256, "rsa-1", validClaims("alice"))
	w, claims := serveAuth(t, auth, "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if claims["sub"] != "alice" {
		t.Fatalf("claims = %v", claims)
	}
}

func TestJWTAuthenticator_HMACSecret(t *testing.T) {
	t.Setenv("CASEFLOW_TEST_AUTH_SECRET", testSecret)
	auth, err := NewAuthenticator(testAuthCfg(), nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	w, claims := serveAuth(t, auth, "Bearer "+hmacToken(t, validClaims("bob")))
	if w.Code != http.StatusOK || claims["sub"] != "bob" {
		t.Fatalf("status = %d claims = %v", w.Code, claims)
	}

	forged := signJWT(t, []byte("another-secret-of-enough-length!!"), jwt.SigningMethodHS256, "", validClaims("bob"))
	w, _ = serveAuth(t, auth, "Bearer "+forged)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", w.Code)
	}
}

func TestNewAuthenticator_missingSecret(t *testing.T) {
	t.Setenv("CASEFLOW_TEST_AUTH_SECRET", "")
	if _, err := NewAuthenticator(testAuthCfg(), nil); err == nil {
		t.Fatal("expected error without a secret")
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	t.Setenv("CASEFLOW_TEST_AUTH_SECRET", testSecret)
	auth, err := NewAuthenticator(testAuthCfg(), nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	expired := validClaims("alice")
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims("alice")
	wrongIssuer["iss"] = "https://evil.example.com"
	wrongAudience := validClaims("alice")
	wrongAudience["aud"] = "someone-else"
	noExp := validClaims("alice")
	delete(noExp, "exp")
	skewed := validClaims("alice")
	skewed["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired", "Bearer " + hmacToken(t, expired), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + hmacToken(t, wrongIssuer), http.StatusUnauthorized},
		{"wrong audience", "Bearer " + hmacToken(t, wrongAudience), http.StatusUnauthorized},
		{"missing exp", "Bearer " + hmacToken(t, noExp), http.StatusUnauthorized},
		{"within leeway", "Bearer " + hmacToken(t, skewed), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := serveAuth(t, auth, tt.header)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestJWTAuthenticator_disallowedAlgorithm(t *testing.T) {
	t.Setenv("CASEFLOW_TEST_AUTH_SECRET", testSecret)
	cfg := testAuthCfg()
	cfg.Algorithms = []string{"RS256"}
	auth, err := NewAuthenticator(cfg, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	w, _ := serveAuth(t, auth, "Bearer "+hmacToken(t, validClaims("alice")))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestJWKSClient_concurrentMissesShareFetch(t *testing.T) {
	key := generateRSAKey(t)
	srv, hits := startJWKSServer(t, rsaKeyToJWK("rsa-1", &key.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := client.GetKey("rsa-1")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("fetched %d times, want 1", n)
	}
}
