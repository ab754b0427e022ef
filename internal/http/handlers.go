package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/trip-dispatch/internal/errs"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/trip"
)

type createTripBody struct {
	PickupLocation       *models.Point `json:"pickupLocation" validate:"required"`
	DropoffLocation      *models.Point `json:"dropoffLocation" validate:"required"`
	PickupName           string        `json:"pickupName" validate:"max=200"`
	DestinationName      string        `json:"destinationName" validate:"max=200"`
	UserIndications      string        `json:"userIndications" validate:"max=500"`
	PaymentMethodID      string        `json:"paymentMethodId" validate:"max=100"`
	VehicleTypeRequested string        `json:"vehicleTypeRequested" validate:"max=50"`
	Radius               float64       `json:"radius" validate:"gte=0"`
}

type cancelBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

type availabilityBody struct {
	IsAvailable *bool `json:"isAvailable" validate:"required"`
}

type locationBody struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lng *float64 `json:"lng" validate:"required,longitude"`
}

func (b locationBody) point() models.Point { return models.Point{Lon: *b.Lng, Lat: *b.Lat} }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var body createTripBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := identityFromContext(r.Context())
	t, err := s.trips.Create(r.Context(), id, trip.CreateRequest{
		PickupLocation:       *body.PickupLocation,
		DropoffLocation:      *body.DropoffLocation,
		PickupName:           body.PickupName,
		DestinationName:      body.DestinationName,
		UserIndications:      body.UserIndications,
		PaymentMethodID:      body.PaymentMethodID,
		VehicleTypeRequested: body.VehicleTypeRequested,
		RadiusMeters:         body.Radius,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// transitionHandler serves the driver transitions that take no body.
func (s *Server) transitionHandler(op func(context.Context, models.Identity, string) (*models.Trip, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFromContext(r.Context())
		t, err := op(r.Context(), id, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decode(w, r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := identityFromContext(r.Context())
	t, err := s.trips.Cancel(r.Context(), id, mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	t, err := s.trips.Get(r.Context(), id, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	t, err := s.trips.Active(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTripHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := identityFromContext(r.Context())
	h, err := s.trips.History(r.Context(), id, models.Page{Page: page, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := identityFromContext(r.Context())
	d, err := s.drivers.SetAvailability(r.Context(), id, *body.IsAvailable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := identityFromContext(r.Context())
	d, err := s.drivers.UpdateLocation(r.Context(), id, body.point(), "http")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverMe(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	p, err := s.drivers.Me(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := queryFloat(r, "lng", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := identityFromContext(r.Context())
	cands, err := s.drivers.Nearby(r.Context(), id, models.Point{Lon: lng, Lat: lat}, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Invalid(key + " must be an integer").WithDetails(map[string]string{"field": key})
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, required bool) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		if required {
			return 0, errs.Invalid(key + " is required").WithDetails(map[string]string{"field": key})
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errs.Invalid(key + " must be a number").WithDetails(map[string]string{"field": key})
	}
	return f, nil
}
