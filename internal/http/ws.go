package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
)

type joinTripBody struct {
	TripID string `json:"tripId" validate:"required"`
}

// handleWSMessage serves the messages clients send on the socket:
// update-location from drivers and join-trip from either party.
func (s *Server) handleWSMessage(ctx context.Context, c *dispatch.Client, msgType string, data json.RawMessage) error {
	id := c.Identity()
	switch msgType {
	case "update-location":
		var body locationBody
		if err := decodeMessage(data, &body); err != nil {
			return s.wsError(id, msgType, err)
		}
		d, err := s.drivers.UpdateLocation(ctx, id, body.point(), "ws")
		if err != nil {
			return s.wsError(id, msgType, err)
		}
		return c.Reply("location-updated", map[string]any{"location": d.Location})

	case "join-trip":
		var body joinTripBody
		if err := decodeMessage(data, &body); err != nil {
			return s.wsError(id, msgType, err)
		}
		t, err := s.trips.Get(ctx, id, body.TripID)
		if err != nil {
			return s.wsError(id, msgType, err)
		}
		c.Subscribe(models.TripTopic(t.ID))
		return c.Reply("joined-trip", map[string]string{"tripId": t.ID})

	default:
		return fmt.Errorf("unknown message type %q", msgType)
	}
}

func decodeMessage(data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return errs.Invalid("malformed message data")
	}
	return validateStruct(dst)
}

// wsError keeps internal causes out of frames sent to clients.
func (s *Server) wsError(id models.Identity, msgType string, err error) error {
	_, msg, _ := errs.Public(err)
	if errs.KindOf(err) == errs.Internal {
		s.logger.Error("ws message failed", "subject_id", id.SubjectID, "type", msgType, "error", err)
	}
	return errors.New(msg)
}
