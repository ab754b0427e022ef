// Package httpapi exposes the trip and driver operations over HTTP and
// wires driver messages arriving on the WebSocket hub.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/drivers"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/trip"
)

type TripService interface {
	Create(ctx context.Context, rider models.Identity, req trip.CreateRequest) (*models.Trip, error)
	Accept(ctx context.Context, driver models.Identity, tripID string) (*models.Trip, error)
	Start(ctx context.Context, driver models.Identity, tripID string) (*models.Trip, error)
	Complete(ctx context.Context, driver models.Identity, tripID string) (*models.Trip, error)
	Cancel(ctx context.Context, actor models.Identity, tripID, reason string) (*models.Trip, error)
	Get(ctx context.Context, actor models.Identity, tripID string) (*models.Trip, error)
	Active(ctx context.Context, actor models.Identity) (*models.Trip, error)
	History(ctx context.Context, actor models.Identity, page models.Page) (*trip.HistoryPage, error)
}

type DriverService interface {
	UpdateLocation(ctx context.Context, driver models.Identity, p models.Point, source string) (*models.Driver, error)
	SetAvailability(ctx context.Context, driver models.Identity, available bool) (*models.Driver, error)
	Me(ctx context.Context, driver models.Identity) (*drivers.Profile, error)
	Nearby(ctx context.Context, rider models.Identity, p models.Point, radiusMeters float64) ([]models.Candidate, error)
	GoOffline(ctx context.Context, driver models.Identity) error
}

type Deps struct {
	Trips   TripService
	Drivers DriverService
	Auth    dispatch.Authenticator
	// Hub serves /ws. Driver messages on it are routed to Drivers and Trips.
	Hub *dispatch.Hub
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	trips   TripService
	drivers DriverService
	auth    dispatch.Authenticator
	hub     *dispatch.Hub
	ready   func(ctx context.Context) error
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		trips:   d.Trips,
		drivers: d.Drivers,
		auth:    d.Auth,
		hub:     d.Hub,
		ready:   d.Ready,
		logger:  d.Logger,
		mux:     mux.NewRouter(),
	}
	if s.hub != nil {
		s.hub.SetMessageHandler(s.handleWSMessage)
		s.hub.OnOffline(s.driverDisconnected)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// driverDisconnected takes a driver out of matching once their last socket
// closes.
func (s *Server) driverDisconnected(id models.Identity) {
	if id.Role != models.RoleDriver {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.drivers.GoOffline(ctx, id); err != nil {
		s.logger.Warn("driver offline update failed", "driver_id", id.SubjectID, "error", err)
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		s.mux.Handle("/ws", s.hub)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	rider, driver := models.RoleRider, models.RoleDriver
	api.Handle("/trips", s.requireRole(s.handleCreateTrip, rider)).Methods(http.MethodPost)
	api.Handle("/trips/active", s.requireRole(s.handleActiveTrip, rider, driver)).Methods(http.MethodGet)
	api.Handle("/trips/history", s.requireRole(s.handleTripHistory, rider, driver)).Methods(http.MethodGet)
	api.Handle("/trips/{id}", s.requireRole(s.handleGetTrip, rider, driver)).Methods(http.MethodGet)
	api.Handle("/trips/{id}/accept", s.requireRole(s.transitionHandler(s.trips.Accept), driver)).Methods(http.MethodPost)
	api.Handle("/trips/{id}/start", s.requireRole(s.transitionHandler(s.trips.Start), driver)).Methods(http.MethodPost)
	api.Handle("/trips/{id}/complete", s.requireRole(s.transitionHandler(s.trips.Complete), driver)).Methods(http.MethodPost)
	api.Handle("/trips/{id}/cancel", s.requireRole(s.handleCancelTrip, rider, driver)).Methods(http.MethodPost)

	api.Handle("/drivers/availability", s.requireRole(s.handleAvailability, driver)).Methods(http.MethodPatch)
	api.Handle("/drivers/location", s.requireRole(s.handleLocation, driver)).Methods(http.MethodPut)
	api.Handle("/drivers/me", s.requireRole(s.handleDriverMe, driver)).Methods(http.MethodGet)
	api.Handle("/drivers/nearby", s.requireRole(s.handleNearbyDrivers, rider)).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
