// Package telemetry wires the daemon's structured logging and tracing.
// No component reaches for a package-global logger: every constructor in
// this module takes a *slog.Logger, built once here and threaded through.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where logs are fanned out and at what level.
type Config struct {
	// LogDir is the directory the rotating file sink writes under. Empty
	// disables the file sink (stdout only).
	LogDir string
	// Level is the minimum slog level emitted to both sinks.
	Level slog.Level
	// MaxSizeMB caps a single rotated log file before lumberjack rolls it.
	MaxSizeMB int
	// MaxBackups bounds how many rotated files are retained.
	MaxBackups int
}

// DefaultConfig returns sane rotation defaults for a long-lived daemon.
func DefaultConfig(logDir string) Config {
	return Config{
		LogDir:     logDir,
		Level:      slog.LevelInfo,
		MaxSizeMB:  50,
		MaxBackups: 5,
	}
}

// NewLogger builds a *slog.Logger fanned out to stdout and, if LogDir is
// set, a rotating file under it named "meshd.log".
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stdout, opts)}

	if cfg.LogDir != "" {
		var w io.Writer = &lumberjack.Logger{
			Filename:   cfg.LogDir + "/meshd.log",
			MaxSize:    fallback(cfg.MaxSizeMB, 50),
			MaxBackups: fallback(cfg.MaxBackups, 5),
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}

	return slog.New(slogmulti.Fanout(handlers...))
}

func fallback(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// tracerName is the package-wide tracer name components request spans from.
const tracerName = "github.com/meshtask/meshd"

// NewTracerProvider builds a minimal in-process trace.TracerProvider. The
// daemon is expected to configure an exporter on the returned provider;
// without one spans are generated but not shipped anywhere, which is
// sufficient for components to unconditionally record spans.
func NewTracerProvider(opts ...trace.TracerProviderOption) *trace.TracerProvider {
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp
}

// Tracer returns the substrate's named tracer from the global provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span carrying the identifiers conventionally attached
// across the Scheduler, Federation, and EventLog components (run_id,
// task_id, room_id, peer), passed as key/value attribute pairs.
func StartSpan(ctx context.Context, name string, kv ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(kv) > 0 {
		span.SetAttributes(kv...)
	}
	return ctx, span
}
