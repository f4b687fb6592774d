package server

import (
	"context"
	"log/slog"
)

// EventKind identifies a connection lifecycle or traffic event.
type EventKind string

// Events emitted by the acceptor and the connection pumps.
const (
	EventListening   EventKind = "listening"
	EventAccepted    EventKind = "accepted"
	EventBroadcast   EventKind = "broadcast"
	EventLagged      EventKind = "lagged"
	EventRateLimited EventKind = "rate_limited"
	EventClosed      EventKind = "closed"
	EventAcceptError EventKind = "accept_error"
)

// Event is a structured record of something the relay did. Fields that do not
// apply to a kind are left zero.
type Event struct {
	Kind      EventKind
	Transport string
	Peer      string
	Session   string
	Bytes     int
	Skipped   uint64
	Err       error
}

// EventSink receives events. Implementations must be safe for concurrent use;
// every pump emits from its own goroutine.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e Event) { f(e) }

type logSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that writes each event as a structured slog
// record. A nil logger selects slog.Default().
func NewLogSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

func (s *logSink) Emit(e Event) {
	attrs := make([]slog.Attr, 0, 6)
	if e.Transport != "" {
		attrs = append(attrs, slog.String("transport", e.Transport))
	}
	if e.Peer != "" {
		attrs = append(attrs, slog.String("peer", e.Peer))
	}
	if e.Session != "" {
		attrs = append(attrs, slog.String("session", e.Session))
	}
	if e.Bytes > 0 {
		attrs = append(attrs, slog.Int("bytes", e.Bytes))
	}
	if e.Skipped > 0 {
		attrs = append(attrs, slog.Uint64("skipped", e.Skipped))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}

	s.logger.LogAttrs(context.Background(), levelFor(e), message(e.Kind), attrs...)
}

func levelFor(e Event) slog.Level {
	switch e.Kind {
	case EventBroadcast:
		return slog.LevelDebug
	case EventAcceptError:
		return slog.LevelError
	case EventLagged, EventRateLimited:
		return slog.LevelWarn
	case EventClosed:
		if e.Err != nil {
			return slog.LevelWarn
		}
	}
	return slog.LevelInfo
}

func message(kind EventKind) string {
	switch kind {
	case EventListening:
		return "chat relay listening"
	case EventAccepted:
		return "client connected"
	case EventBroadcast:
		return "message broadcast"
	case EventLagged:
		return "client fell behind, messages skipped"
	case EventRateLimited:
		return "rate limit exceeded, message discarded"
	case EventClosed:
		return "client disconnected"
	case EventAcceptError:
		return "error accepting connection"
	}
	return string(kind)
}
