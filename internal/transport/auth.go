package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

const (
	jwksMinRefresh = time.Minute
	jwksMaxBody    = 1 << 20
	tokenLeeway    = 30 * time.Second
)

// JWKSClient caches the signing keys published by an identity provider.
// Concurrent misses share one fetch.
type JWKSClient struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *zap.Logger
	fetch  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient returns a client for the key set at url, cached for ttl.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		keys:   map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) lookup(kid string) (crypto.PublicKey, bool, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.fetchedAt)
}

// GetKey returns the key for kid. An unknown kid or an expired cache
// triggers a refresh; if the refresh fails a cached key is still served.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	key, ok, age := c.lookup(kid)
	if ok && age <= c.ttl {
		return key, nil
	}

	_, err, _ := c.fetch.Do("jwks", func() (any, error) { return nil, c.refresh() })
	if err != nil {
		if ok {
			c.logger.Warn("jwks refresh failed; serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: refresh: %w", err)
	}

	if key, ok, _ = c.lookup(kid); !ok {
		return nil, fmt.Errorf("jwks: no key with kid %q", kid)
	}
	return key, nil
}

// jwk is the subset of RFC 7517 fields needed for RSA and EC keys.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) refresh() error {
	// Unknown kids must not let callers hammer the provider.
	if c.recentlyFetched() {
		return nil
	}

	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxBody))
	if err != nil {
		return err
	}
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("ignoring jwk", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		if pub != nil {
			keys[k.Kid] = pub
		}
	}

	c.mu.Lock()
	c.keys, c.fetchedAt = keys, time.Now()
	c.mu.Unlock()
	return nil
}

func (c *JWKSClient) recentlyFetched() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) > 0 && time.Since(c.fetchedAt) < jwksMinRefresh
}

// publicKey decodes k. Key types other than RSA and EC yield nil.
func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := b64Int("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curves := map[string]elliptic.Curve{
			"P-256": elliptic.P256(),
			"P-384": elliptic.P384(),
			"P-521": elliptic.P521(),
		}
		curve, ok := curves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := b64Int("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := b64Int("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, nil
	}
}

func b64Int(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// NewAuthenticator returns the bearer token middleware. With a JWKS URL
// tokens are checked against the provider's keys; otherwise against the
// HMAC secret held in the cfg.SecretEnv environment variable.
func NewAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.JWKSURL != "" {
		keys := NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)
		return JWTAuthenticator(cfg, func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token header has no kid")
			}
			return keys.GetKey(kid)
		}), nil
	}

	secret := []byte(os.Getenv(cfg.SecretEnv))
	if len(secret) == 0 {
		return nil, fmt.Errorf("transport: %s is empty and no jwks_url is configured", cfg.SecretEnv)
	}
	return JWTAuthenticator(cfg, func(*jwt.Token) (any, error) { return secret, nil }), nil
}

// JWTAuthenticator verifies the bearer token with keyFunc and stores its
// claims in the request context. Expiry is mandatory.
func JWTAuthenticator(cfg config.AuthConfig, keyFunc jwt.Keyfunc) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(r.Context(), w, model.NewUnauthorizedError(err.Error()))
				return
			}
			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(r.Context(), w, model.NewUnauthorizedError(tokenErrorMessage(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	return token, nil
}

var tokenErrorMessages = []struct {
	err error
	msg string
}{
	{jwt.ErrTokenExpired, "token expired"},
	{jwt.ErrTokenInvalidIssuer, "invalid token issuer"},
	{jwt.ErrTokenInvalidAudience, "invalid token audience"},
	{jwt.ErrTokenSignatureInvalid, "invalid token signature"},
	{jwt.ErrTokenUnverifiable, "unverifiable token"},
}

// tokenErrorMessage gives the client a coarse reason and nothing about
// keys or claims beyond it.
func tokenErrorMessage(err error) string {
	for _, m := range tokenErrorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "invalid token"
}
