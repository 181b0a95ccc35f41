package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries deployment, caller, and tracing information for the
// lifetime of one API request. It is immutable after construction and safe
// for concurrent reads.
type RequestContext struct {
	// DeploymentID scopes every operation: attempts, sessions, and the
	// auth settings the step catalog resolves against.
	DeploymentID string

	// SubjectID identifies the calling client integration, not the end
	// user going through the flow.
	SubjectID string

	Claims        map[string]any
	ClientIP      string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.DeploymentID == "" {
		errs = append(errs, fmt.Errorf("DeploymentID is required"))
	}
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or
// returns nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking
// if it is not present. Safe to call in handlers guaranteed to run behind
// the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
