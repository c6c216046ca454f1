// Package executionctx carries the current execution-id on a context.Context,
// the Go-native substitute for the task-local variable the logging filter
// reads from in the original design. It is set once when an execution
// starts and is inherited by every child context derived from it.
package executionctx

import "context"

type contextKey struct{}

var executionIDKey = contextKey{}

// WithExecutionID returns a child context tagged with the given execution-id.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// ExecutionID returns the execution-id carried on ctx, or "" if none was set.
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}
