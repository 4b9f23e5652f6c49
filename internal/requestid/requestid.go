// Package requestid provides request ID propagation via context.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header carries the request ID on HTTP requests and responses.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := Lookup(ctx); ok {
		return id
	}
	return uuid.New().String()
}

// Lookup returns the request ID stored in ctx, if any.
func Lookup(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Ensure returns ctx unchanged when it already carries an ID, otherwise a
// context with a fresh one. Retried calls keep the same ID.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := Lookup(ctx); ok {
		return ctx, id
	}
	return New(ctx)
}
