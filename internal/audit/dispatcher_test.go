package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	// nil receivers are safe
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports drops")
	}
}

func TestDispatcherDeliversOnClose(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink)
	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Event{EventType: "login_success"})
	}
	d.Close()

	if got := sink.count.Load(); got != 50 {
		t.Fatalf("expected 50 events delivered, got %d", got)
	}

	d.Emit(context.Background(), Event{EventType: "after_close"})
	if got := sink.count.Load(); got != 50 {
		t.Fatalf("emit after close must be dropped silently, got %d", got)
	}
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "x"})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops with a blocked sink")
	}
	close(sink.gate)
	d.Close()
}

type panicSink struct {
	calls atomic.Int64
}

func (s *panicSink) Emit(context.Context, Event) {
	if s.calls.Add(1) == 1 {
		panic("sink failure")
	}
}

type recordingSink struct {
	events chan Event
}

func (s *recordingSink) Emit(_ context.Context, ev Event) {
	s.events <- ev
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	sink := &panicSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	d.Emit(context.Background(), Event{EventType: "a"})
	d.Emit(context.Background(), Event{EventType: "b"})
	d.Close()

	if got := sink.calls.Load(); got != 2 {
		t.Fatalf("expected delivery to continue after a panic, got %d calls", got)
	}
	if d.SinkPanics() != 1 || d.Dropped() != 1 {
		t.Fatalf("expected one panic counted as a drop, got panics=%d dropped=%d", d.SinkPanics(), d.Dropped())
	}
}

func TestDispatcherStampsMissingTimestamp(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink := &recordingSink{events: make(chan Event, 2)}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4, Now: func() time.Time { return fixed }}, sink)

	own := fixed.Add(-time.Hour)
	d.Emit(context.Background(), Event{EventType: "stamped"})
	d.Emit(context.Background(), Event{EventType: "kept", Timestamp: own})
	d.Close()

	if ev := <-sink.events; !ev.Timestamp.Equal(fixed) {
		t.Fatalf("expected stamped time, got %v", ev.Timestamp)
	}
	if ev := <-sink.events; !ev.Timestamp.Equal(own) {
		t.Fatalf("caller timestamp must be kept, got %v", ev.Timestamp)
	}
}

func TestDispatcherBlockingEmitHonoursContext(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)

	// One event occupies the sink, one fills the queue.
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Emit(context.Background(), Event{EventType: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Emit(ctx, Event{EventType: "x"})
	if d.Dropped() != 1 {
		t.Fatalf("expected the timed-out emit to count as a drop, got %d", d.Dropped())
	}
	close(sink.gate)
	d.Close()
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{EventType: "refresh_reuse_detected", UserID: "u1", Success: false})

	var decoded map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["event_type"] != "refresh_reuse_detected" || decoded["user_id"] != "u1" {
		t.Fatalf("unexpected json: %v", decoded)
	}
}

func TestSlogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewSlogSink(logger)

	sink.Emit(context.Background(), Event{EventType: "login_success", Success: true, State: "tokens_issued"})
	sink.Emit(context.Background(), Event{EventType: "login_failure", Error: "invalid_credentials"})

	out := buf.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "state=tokens_issued") {
		t.Fatalf("missing success record: %s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "error=invalid_credentials") {
		t.Fatalf("missing failure record: %s", out)
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestJSONWriterSinkCountsWriteFailures(t *testing.T) {
	sink := NewJSONWriterSink(brokenWriter{})
	sink.Emit(context.Background(), Event{EventType: "logout"})
	sink.Emit(context.Background(), Event{EventType: "logout"})
	if got := sink.Failed(); got != 2 {
		t.Fatalf("expected 2 failed writes, got %d", got)
	}
}
