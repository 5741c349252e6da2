package conductor

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/conductor/script"
)

type contextKey string

const (
	loggerContextKey   contextKey = "logger"
	stateContextKey    contextKey = "state"
	compilerContextKey contextKey = "compiler"
)

// WithLogger attaches a logger to the context for node executors.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// WithState attaches a read-only state view to the context.
func WithState(ctx context.Context, state StateReader) context.Context {
	return context.WithValue(ctx, stateContextKey, state)
}

// WithCompiler attaches a script compiler to the context.
func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, compilerContextKey, compiler)
}

// LoggerFromContext returns the logger attached to the context, if any.
// The engine attaches one before every executor invocation, so custom
// executors can log without threading a logger through their own state.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// StateFromContext returns the state view attached to the context, if any.
func StateFromContext(ctx context.Context) (StateReader, bool) {
	state, ok := ctx.Value(stateContextKey).(StateReader)
	return state, ok
}

// CompilerFromContext returns the compiler attached to the context, if
// any. Executors invoked outside the engine fall back to this when their
// ExecutionContext carries no compiler.
func CompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(compilerContextKey).(script.Compiler)
	return compiler, ok
}
