package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/rides"
)

// stopPayload is one endpoint of a requested ride as it arrives on the wire.
// Zero coordinates mean unset; range checks happen here, semantic checks in
// the service.
type stopPayload struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
	Address string  `json:"address" validate:"max=256"`
	Notes   string  `json:"notes" validate:"max=512"`
}

func (p stopPayload) toInput() rides.StopInput {
	return rides.StopInput{
		Location: models.GeoPoint{Lat: p.Lat, Lng: p.Lng},
		Address:  p.Address,
		Notes:    p.Notes,
	}
}

type createRideRequest struct {
	Pickup      stopPayload `json:"pickup"`
	Dropoff     stopPayload `json:"dropoff"`
	Passengers  int         `json:"passengers" validate:"gte=0,lte=12"`
	Features    []string    `json:"features" validate:"max=8,dive,max=64"`
	RequestedAt *time.Time  `json:"requested_at"`
}

type createRideResponse struct {
	Ride         *models.RideRequest `json:"ride"`
	WaitEstimate *rides.WaitEstimate `json:"wait_estimate,omitempty"`
}

type rideListResponse struct {
	Rides []*models.RideRequest `json:"rides"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req createRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, wait, err := s.rides.Create(r.Context(), identity, rides.CreateInput{
		Pickup:      req.Pickup.toInput(),
		Dropoff:     req.Dropoff.toInput(),
		Passengers:  req.Passengers,
		Features:    req.Features,
		RequestedAt: req.RequestedAt,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, createRideResponse{Ride: ride, WaitEstimate: wait})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	view, err := s.rides.Get(r.Context(), identity, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, view)
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	list, err := s.rides.ListMine(r.Context(), identity.UserID, queryLimit(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rideListResponse{Rides: list})
}

type cancelRideRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// handleCancelRide accepts an empty body; the reason is optional.
func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req cancelRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, "malformed JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.badRequest(w, validationMessage(err))
		return
	}
	updated, err := s.rides.Cancel(r.Context(), identity, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	updated, err := s.rides.Claim(r.Context(), identity.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	updated, err := s.rides.Start(r.Context(), identity.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	updated, err := s.rides.Complete(r.Context(), identity.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handleDriverWork(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	list, err := s.rides.ListWork(r.Context(), identity.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rideListResponse{Rides: list})
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	list, err := s.rides.ListAssigned(r.Context(), identity.UserID, queryLimit(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rideListResponse{Rides: list})
}

type locationRequest struct {
	Lat      float64 `json:"lat" validate:"latitude"`
	Lng      float64 `json:"lng" validate:"longitude"`
	Heading  float64 `json:"heading" validate:"gte=0,lt=360"`
	SpeedKPH float64 `json:"speed_kph" validate:"gte=0,lte=300"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.rides.UpdateVehicleLocation(r.Context(), identity.UserID, rides.LocationInput{
		Location: models.GeoPoint{Lat: req.Lat, Lng: req.Lng},
		Heading:  req.Heading,
		SpeedKPH: req.SpeedKPH,
	}); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
