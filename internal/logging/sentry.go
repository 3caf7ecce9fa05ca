package logging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry configures the global Sentry client. An empty dsn disables it.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// SentryHandler passes every record to next and additionally reports
// records at or above minLevel to Sentry.
type SentryHandler struct {
	next     slog.Handler
	minLevel slog.Level
	attrs    []slog.Attr
	capture  func(ctx context.Context, r slog.Record, attrs []slog.Attr)
}

func NewSentryHandler(next slog.Handler, minLevel slog.Level) *SentryHandler {
	return &SentryHandler{
		next:     next,
		minLevel: minLevel,
		capture:  captureToSentry,
	}
}

func (h *SentryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.minLevel
}

func (h *SentryHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		h.capture(ctx, r, h.attrs)
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *SentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SentryHandler{
		next:     h.next.WithAttrs(attrs),
		minLevel: h.minLevel,
		attrs:    merged,
		capture:  h.capture,
	}
}

func (h *SentryHandler) WithGroup(name string) slog.Handler {
	return &SentryHandler{
		next:     h.next.WithGroup(name),
		minLevel: h.minLevel,
		attrs:    h.attrs,
		capture:  h.capture,
	}
}

func captureToSentry(ctx context.Context, r slog.Record, attrs []slog.Attr) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() == nil {
		return
	}

	var cause error
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		for _, a := range attrs {
			scope.SetExtra(a.Key, a.Value.String())
		}
		r.Attrs(func(a slog.Attr) bool {
			if err, ok := a.Value.Any().(error); ok && cause == nil {
				cause = err
			}
			scope.SetExtra(a.Key, a.Value.String())
			return true
		})

		if cause != nil {
			hub.CaptureException(errors.Join(errors.New(r.Message), cause))
			return
		}
		hub.CaptureMessage(r.Message)
	})
}
