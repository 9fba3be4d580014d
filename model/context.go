package model

import (
	"context"
	"errors"
	"slices"
)

// ErrNoSubject is returned for an identity without a subject.
var ErrNoSubject = errors.New("model: caller identity has no subject")

// RequestContext is the authenticated caller of one request. It is built
// once by the transport layer and only read afterwards.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate reports whether the identity can be resolved to roles.
func (rc *RequestContext) Validate() error {
	if rc == nil || rc.SubjectID == "" {
		return ErrNoSubject
	}
	return nil
}

// HasRole reports whether the token granted role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Env is the caller as seen by role expressions under "identity".
func (rc *RequestContext) Env() map[string]any {
	roles := make([]any, len(rc.Roles))
	for i, r := range rc.Roles {
		roles[i] = r
	}
	claims := rc.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	return map[string]any{
		"subject_id": rc.SubjectID,
		"email":      rc.Email,
		"tenant_id":  rc.TenantID,
		"roles":      roles,
		"claims":     claims,
	}
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
