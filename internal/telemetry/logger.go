// Package telemetry provides the structured logger and metrics contract
// shared by every TacEdge component. The logging enrichment idiom (bound
// service name, level from the environment, request/trace id extraction
// from context) follows the teacher's pkg/telemetry/logger.go; the
// underlying sink is go.uber.org/zap rather than a hand-rolled JSON
// encoder, since zap is the logging library the retrieval pack actually
// reaches for (jordigilh-kubernaut's go.uber.org/zap + go-logr/zapr stack).
package telemetry

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "tacedge.request_id"
	ctxTraceID   ctxKey = "tacedge.trace_id"
)

// WithRequestID stashes a request id on ctx for later log enrichment.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

// RequestID returns the request id stashed on ctx, if any.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// WithTraceID stashes a trace id on ctx for later log enrichment.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

// TraceID returns the trace id stashed on ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTraceID).(string)
	return v
}

// Logger wraps a zap.SugaredLogger bound to a service name, enriching
// every call with whatever request/trace id is present on the context.
type Logger struct {
	z       *zap.SugaredLogger
	service string
}

// NewLogger builds a JSON logger at the given level (debug|info|warn|error,
// default info), bound to service, writing to os.Stdout.
func NewLogger(service string, level string) *Logger {
	lvl := parseLevel(level)
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.LevelKey = "level"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(os.Stdout), lvl)
	base := zap.New(core).With(zap.String("service", service))
	return &Logger{z: base.Sugar(), service: service}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop().Sugar(), service: ""}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) with(ctx context.Context, fields map[string]any) []any {
	args := make([]any, 0, (len(fields)+2)*2)
	if ctx != nil {
		if rid := RequestID(ctx); rid != "" {
			args = append(args, "request_id", rid)
		}
		if tid := TraceID(ctx); tid != "" {
			args = append(args, "trace_id", tid)
		}
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.z.Debugw(msg, l.with(ctx, fields)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.z.Infow(msg, l.with(ctx, fields)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.z.Warnw(msg, l.with(ctx, fields)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.z.Errorw(msg, l.with(ctx, fields)...)
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
