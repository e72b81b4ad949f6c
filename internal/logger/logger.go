package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls the relay's structured logger.
type Config struct {
	Format      Format
	Level       string
	AddSource   bool
	Writer      io.Writer
	ServiceName string
	Environment string
	Version     string
}

// ParseLevel accepts slog level names in any case plus the "warning" and "err"
// spellings. An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "err":
		return slog.LevelError, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
	return level, nil
}

// New builds the process logger. Every record carries pid, service and, when
// set, env and version; records logged with a context also get its correlation ids.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText, "":
		handler = slog.NewTextHandler(w, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	attrs := []slog.Attr{
		slog.Int("pid", os.Getpid()),
		slog.String("service", cmpOr(cfg.ServiceName, "mtrelay")),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, slog.String("env", cfg.Environment))
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	handler = correlationHandler{Handler: handler.WithAttrs(attrs)}
	return slog.New(handler), nil
}

// FromContext returns base with the correlation ids carried by ctx attached.
// Records logged through the result must not also pass ctx, or the ids repeat.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		return nil
	}
	attrs := CorrelationFrom(ctx).attrs()
	if len(attrs) == 0 {
		return base
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return base.With(args...)
}

type correlationHandler struct {
	slog.Handler
}

func (h correlationHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(CorrelationFrom(ctx).attrs()...)
	return h.Handler.Handle(ctx, record)
}

func (h correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return correlationHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h correlationHandler) WithGroup(name string) slog.Handler {
	return correlationHandler{Handler: h.Handler.WithGroup(name)}
}

func cmpOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
