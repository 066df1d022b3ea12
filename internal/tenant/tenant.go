// Package tenant carries the caller's identity through context and across
// service boundaries. Every authenticated request gets a Context attached;
// outbound calls re-inject it as headers so downstream services see the
// same tenant without re-parsing credentials.
package tenant

import (
	"context"
	"net/http"
)

// Header names used to carry identity between internal services.
const (
	HeaderTenantID      = "X-Tenant-ID"
	HeaderAgentID       = "X-Agent-ID"
	HeaderSessionID     = "X-Session-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Context is the ambient identity for one request or task.
type Context struct {
	TenantID      string
	AgentID       string
	SessionID     string
	CorrelationID string
}

type ctxKey struct{}

// NewContext attaches tc to ctx.
func NewContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the identity attached to ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// ID returns the tenant ID from ctx, or "" when none is attached.
func ID(ctx context.Context) string {
	tc, _ := FromContext(ctx)
	return tc.TenantID
}

// Inject writes the identity onto outbound request headers. Empty fields
// are omitted.
func Inject(h http.Header, tc Context) {
	if tc.TenantID != "" {
		h.Set(HeaderTenantID, tc.TenantID)
	}
	if tc.AgentID != "" {
		h.Set(HeaderAgentID, tc.AgentID)
	}
	if tc.SessionID != "" {
		h.Set(HeaderSessionID, tc.SessionID)
	}
	if tc.CorrelationID != "" {
		h.Set(HeaderCorrelationID, tc.CorrelationID)
	}
}

// Extract reads the identity from inbound request headers.
func Extract(h http.Header) Context {
	return Context{
		TenantID:      h.Get(HeaderTenantID),
		AgentID:       h.Get(HeaderAgentID),
		SessionID:     h.Get(HeaderSessionID),
		CorrelationID: h.Get(HeaderCorrelationID),
	}
}
