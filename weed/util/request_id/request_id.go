package request_id

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestIDKey is kept for callers that log the key name.
const RequestIDKey = "x-request-id"

func Set(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func Get(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// New returns ctx tagged with a fresh random request id.
func New(ctx context.Context) context.Context {
	return Set(ctx, uuid.New().String())
}
