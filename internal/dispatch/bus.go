// Package dispatch delivers trip events to connected clients and to
// downstream event streams. Delivery is at-most-once and best effort: nothing
// is stored for clients that are offline when an event is published.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Publisher sends an event to every subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev models.Event) error
}

// RoomJoiner is implemented by publishers that track per-subject
// subscriptions, such as the WebSocket hub.
type RoomJoiner interface {
	Join(subjectID, topic string)
}

// Sink pairs a publisher with the name used in logs and metrics.
type Sink struct {
	Name string
	Publisher
}

// Fanout publishes each event to every sink. A failing sink does not stop
// the others.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: logger}
}

func (f *Fanout) Publish(ctx context.Context, topic string, ev models.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, topic, ev); err != nil {
			observability.Notifications.WithLabelValues(s.Name, "error").Inc()
			f.log.Warn("publish failed", "sink", s.Name, "topic", topic, "event", ev.Type, "trip_id", ev.TripID, "error", err)
			errs = append(errs, err)
			continue
		}
		observability.Notifications.WithLabelValues(s.Name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Join forwards to every sink that tracks subscriptions.
func (f *Fanout) Join(subjectID, topic string) {
	for _, s := range f.sinks {
		if j, ok := s.Publisher.(RoomJoiner); ok {
			j.Join(subjectID, topic)
		}
	}
}
