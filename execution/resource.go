package execution

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNoResources      = errors.New("execution: resources unavailable outside a call")
	ErrResourceNotFound = errors.New("execution: resource not found")
)

// ResourceFunc fetches a named resource from the parent process.
type ResourceFunc func(name string) ([]byte, error)

type resourceKey struct{}

// WithResources returns a context whose operations can fetch resources through fn.
func WithResources(ctx context.Context, fn ResourceFunc) context.Context {
	return context.WithValue(ctx, resourceKey{}, fn)
}

// Resource asks the parent for the named resource. Only valid while a call is running.
func Resource(ctx context.Context, name string) ([]byte, error) {
	fn, ok := ctx.Value(resourceKey{}).(ResourceFunc)
	if !ok || fn == nil {
		return nil, ErrNoResources
	}
	return fn(name)
}
