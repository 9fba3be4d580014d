package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "caseflow-test-key"
	testIssuer   = "https://auth.test.caseflow.dev"
	testAudience = "caseflow-test"
)

// TestClaims is the identity a generated token asserts.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
}

// portalClaims is the token body as an identity provider would issue it.
type portalClaims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// tokenIssuer plays the identity provider: it signs RS256 tokens and
// publishes its public key as a JWKS document.
type tokenIssuer struct {
	t    *testing.T
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}

	b64 := base64.RawURLEncoding.EncodeToString
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"n":   b64(key.N.Bytes()),
		"e":   b64(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{t: t, key: key, jwks: srv}
}

// GenerateToken returns a token for c that is valid for an hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(time.Hour))
}

// GenerateExpiredToken returns a token for c that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(-time.Hour))
}

func (ti *tokenIssuer) sign(c TestClaims, expires time.Time) string {
	ti.t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, portalClaims{
		TenantID: c.TenantID,
		Email:    c.Email,
		Roles:    c.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(expires.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// JWKSURL is where the service fetches the issuer's keys.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwks.URL
}
