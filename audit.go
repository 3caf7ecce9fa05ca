package authcore

import (
	"io"
	"log/slog"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
)

// AuditEvent is one security-relevant outcome. State carries the login
// state reached for events of the login state machine.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the Engine's background dispatcher.
type AuditSink = internalaudit.Sink

type (
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	SlogSink       = internalaudit.SlogSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewSlogSink logs successes at INFO and failures at WARN.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return internalaudit.NewSlogSink(logger)
}
