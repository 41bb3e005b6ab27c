package adapters

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/ports"
)

type spanLoggerKey struct{}

// ZerologTracer writes spans and events as debug log lines.
type ZerologTracer struct {
	logger zerolog.Logger
}

func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger.With().Str("component", "tracer").Logger()}
}

// StartSpan logs the span start and returns a finish function that logs its
// duration and outcome.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	lc := t.parent(ctx).With().Str("span", name)
	for k, v := range attrs {
		lc = lc.Interface(k, v)
	}
	spanLogger := lc.Logger()
	ctx = context.WithValue(ctx, spanLoggerKey{}, spanLogger)

	start := time.Now()
	spanLogger.Debug().Str("event", "span_start").Msg("span started")

	return ctx, func(err error) {
		ev := spanLogger.Debug()
		if err != nil {
			ev = spanLogger.Warn().Err(err)
		}
		ev.Str("event", "span_end").Dur("duration", time.Since(start)).Msg("span finished")
	}
}

// Event logs name under the innermost span found in ctx.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	l := t.parent(ctx)
	ev := l.Debug()
	for k, v := range attrs {
		ev = ev.Interface(k, v)
	}
	ev.Str("event", name).Msg("trace event")
}

func (t *ZerologTracer) parent(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(spanLoggerKey{}).(zerolog.Logger); ok {
		return l
	}
	return t.logger
}

// NoOpTracer discards everything.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NoOpTracer) Event(context.Context, string, map[string]any) {}

var (
	_ ports.Tracer = (*ZerologTracer)(nil)
	_ ports.Tracer = NoOpTracer{}
)
