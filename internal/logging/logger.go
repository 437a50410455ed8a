// Package logging provides the structured logger used throughout the
// orchestrator core.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// Logger is the minimal structured logging contract every component in
// this repo depends on. It mirrors the shape the orchestration core
// expects: leveled methods with structured fields, plus context-aware
// variants for request correlation.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with the ability to tag log lines
// with a component name (e.g. "orchestrator/registry", "agent/answer").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// zapLogger backs Logger with a zap.Logger (production or development
// configuration, per the constructor used).
type zapLogger struct {
	z *zap.Logger
}

// NewProduction returns a ComponentAwareLogger backed by zap's JSON
// production encoder.
func NewProduction() (ComponentAwareLogger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: z}, nil
}

// NewDevelopment returns a ComponentAwareLogger backed by zap's
// human-readable development encoder.
func NewDevelopment() (ComponentAwareLogger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: z}, nil
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *zapLogger) Debug(msg string, fields map[string]interface{}) {
	l.z.Debug(msg, toZapFields(fields)...)
}

func (l *zapLogger) Info(msg string, fields map[string]interface{}) {
	l.z.Info(msg, toZapFields(fields)...)
}

func (l *zapLogger) Warn(msg string, fields map[string]interface{}) {
	l.z.Warn(msg, toZapFields(fields)...)
}

func (l *zapLogger) Error(msg string, fields map[string]interface{}) {
	l.z.Error(msg, toZapFields(fields)...)
}

// requestIDKey is how correlation IDs travel on a context. Orchestrator
// runs stamp it once at the start of process().
type ctxKey string

const requestIDKey ctxKey = "request_id"

// WithRequestID attaches a request id to a context for correlated logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

func (l *zapLogger) withCtx(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if id, ok := requestIDFrom(ctx); ok {
		if fields == nil {
			fields = map[string]interface{}{}
		} else {
			clone := make(map[string]interface{}, len(fields)+1)
			for k, v := range fields {
				clone[k] = v
			}
			fields = clone
		}
		fields["request_id"] = id
	}
	return fields
}

func (l *zapLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, l.withCtx(ctx, fields))
}

func (l *zapLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, l.withCtx(ctx, fields))
}

func (l *zapLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, l.withCtx(ctx, fields))
}

func (l *zapLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, l.withCtx(ctx, fields))
}

func (l *zapLogger) WithComponent(component string) Logger {
	return &zapLogger{z: l.z.With(zap.String("component", component))}
}

// NoOpLogger discards everything. Used as the default for components
// constructed without an explicit logger, and in tests.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{})                             {}
func (NoOpLogger) Info(string, map[string]interface{})                              {}
func (NoOpLogger) Warn(string, map[string]interface{})                              {}
func (NoOpLogger) Error(string, map[string]interface{})                             {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (n NoOpLogger) WithComponent(string) Logger                                    { return n }
