// Package cid carries correlation ids through contexts and HTTP headers.
package cid

import (
	"context"
	"net/http"

	"github.com/segmentio/ksuid"
)

// ContextKey is the type used for storing CID in context to avoid collisions.
type ContextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id.
//
// Incoming requests that already carry it keep their id; the server only
// generates one when it is missing.
const HeaderName = "X-OD-CID"

// AttributeName is the span attribute key used to attach CID to spans.
const AttributeName = "od.cid"

// New returns a fresh KSUID-based correlation id.
func New() string {
	return ksuid.New().String()
}

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

// CIDFromContext extracts the correlation id from context, if present.
func CIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already has a cid, otherwise a
// child context with a new one.
func Ensure(ctx context.Context) context.Context {
	if CIDFromContext(ctx) != "" {
		return ctx
	}
	return WithCID(ctx, New())
}

// AddHeaderFromContext sets the X-OD-CID header, in canonical form, when ctx
// carries a CID.
func AddHeaderFromContext(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if cid := CIDFromContext(ctx); cid != "" {
		http.Header(headers).Set(HeaderName, cid)
	}
}
