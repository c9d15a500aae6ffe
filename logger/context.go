package logger

import (
	"context"
)

// ContextKey is used for context values
type ContextKey string

const (
	// ConnectionIDKey is the context key for the connection shared-state id
	ConnectionIDKey ContextKey = "connection_id"
	// StatementIDKey is the context key for the prepared statement id
	StatementIDKey ContextKey = "statement_id"
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
)

var contextKeys = []ContextKey{ConnectionIDKey, StatementIDKey, RequestIDKey}

// WithContextValue adds a value to the context for logging
func WithContextValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// ExtractContextValues extracts logging-relevant values from context
func ExtractContextValues(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}

	var args []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}
