// Package correlation carries request correlation identifiers through
// contexts and across HTTP hops.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/attachd/internal/ids"
)

// Header is the HTTP header carrying the correlation identifier.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a context carrying id. Invalid identifiers leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromHeader returns ctx carrying the header value when it is valid, or a
// freshly generated identifier otherwise.
func FromHeader(ctx context.Context, value string) context.Context {
	if normalized, ok := Normalize(value); ok {
		return Set(ctx, normalized)
	}
	return Set(ctx, Generate())
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier.
func Generate() string {
	return ids.New()
}
