// Package notify delivers alarm and error events to external sinks.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// EventType classifies outbound events.
type EventType string

const (
	EventAlarm        EventType = "alarm"
	EventAlarmCleared EventType = "alarm_cleared"
	EventError        EventType = "error"
)

// Event is the payload handed to every sink.
type Event struct {
	ID         string           `json:"id" cbor:"id"`
	Type       EventType        `json:"type" cbor:"type"`
	Identifier string           `json:"identifier" cbor:"identifier"`
	Content    string           `json:"content,omitempty" cbor:"content,omitempty"`
	Level      string           `json:"level,omitempty" cbor:"level,omitempty"`
	Timestamp  time.Time        `json:"timestamp" cbor:"timestamp"`
	Point      *model.PointMeta `json:"pointMeta,omitempty" cbor:"pointMeta,omitempty"`
	// Source names the component that produced an error event.
	Source string `json:"source,omitempty" cbor:"source,omitempty"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ EventType, identifier string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, Identifier: identifier, Timestamp: at}
}

// ErrorEvent wraps err as an error event.
func ErrorEvent(source, identifier string, err error, at time.Time) Event {
	ev := NewEvent(EventError, identifier, at)
	ev.Source = source
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Notifier is the notify(event) capability the core depends on.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to a zerolog logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{Log: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	var e *zerolog.Event
	switch ev.Type {
	case EventError:
		e = n.Log.Error().Str("source", ev.Source).Str("error", ev.Error)
	case EventAlarm:
		e = n.Log.Warn().Str("level", ev.Level).Str("content", ev.Content)
	default:
		e = n.Log.Info().Str("content", ev.Content)
	}
	if ev.Point != nil {
		e = e.Str("point", ev.Point.ID)
	}
	e.Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("identifier", ev.Identifier).
		Time("at", ev.Timestamp).
		Msg("event")
	return nil
}
