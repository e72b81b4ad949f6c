package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
)

type correlationKey struct{}

// Correlation ties log records to a trace and a relay session.
type Correlation struct {
	TraceID string
	SpanID  string
	Session string
}

func (c Correlation) attrs() []slog.Attr {
	var out []slog.Attr
	if c.TraceID != "" {
		out = append(out, slog.String("trace_id", c.TraceID))
	}
	if c.SpanID != "" {
		out = append(out, slog.String("span_id", c.SpanID))
	}
	if c.Session != "" {
		out = append(out, slog.String("session", c.Session))
	}
	return out
}

// WithCorrelation stores c in ctx. Empty fields keep the value already present.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	cur := CorrelationFrom(ctx)
	if c.TraceID != "" {
		cur.TraceID = c.TraceID
	}
	if c.SpanID != "" {
		cur.SpanID = c.SpanID
	}
	if c.Session != "" {
		cur.Session = c.Session
	}
	return context.WithValue(ctx, correlationKey{}, cur)
}

func CorrelationFrom(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

// EnsureTrace fills in random trace and span ids where ctx has none, so sessions
// stay correlated when tracing is disabled.
func EnsureTrace(ctx context.Context) (context.Context, Correlation) {
	c := CorrelationFrom(ctx)
	if c.TraceID != "" && c.SpanID != "" {
		return ctx, c
	}
	if c.TraceID == "" {
		c.TraceID = randomHex(16)
	}
	if c.SpanID == "" {
		c.SpanID = randomHex(8)
	}
	return WithCorrelation(ctx, c), c
}

func randomHex(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
