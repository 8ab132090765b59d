package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/notify"
)

type sendNotificationRequest struct {
	RecipientIDs []string       `json:"recipient_ids" validate:"required,min=1,max=500,dive,min=1,max=64"`
	Type         string         `json:"type" validate:"max=64"`
	Title        string         `json:"title" validate:"required,max=140"`
	Body         string         `json:"body" validate:"max=2000"`
	Data         map[string]any `json:"data"`
	Priority     string         `json:"priority" validate:"omitempty,oneof=normal high urgent"`
}

func (s *Server) handleAdminNotify(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req sendNotificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	typ := req.Type
	if typ == "" {
		typ = models.NotifyAnnouncement
	}
	ns := make([]*models.Notification, 0, len(req.RecipientIDs))
	for _, recipient := range req.RecipientIDs {
		ns = append(ns, &models.Notification{
			RecipientID: recipient,
			Type:        typ,
			Title:       req.Title,
			Body:        req.Body,
			Data:        req.Data,
			Priority:    req.Priority,
			CreatedBy:   identity.UserID,
		})
	}
	if err := s.dispatch.NotifyMany(r.Context(), ns); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]int{"sent": len(ns)})
}

type broadcastRequest struct {
	Segment  string         `json:"segment" validate:"max=64"`
	Type     string         `json:"type" validate:"max=64"`
	Title    string         `json:"title" validate:"required,max=140"`
	Body     string         `json:"body" validate:"max=2000"`
	Data     map[string]any `json:"data"`
	Priority string         `json:"priority" validate:"omitempty,oneof=normal high urgent"`
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req broadcastRequest
	if !s.decode(w, r, &req) {
		return
	}
	count, err := s.dispatch.Broadcast(r.Context(), notify.BroadcastInput{
		Segment:   req.Segment,
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		Data:      req.Data,
		Priority:  req.Priority,
		CreatedBy: identity.UserID,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]int{"recipients": count})
}

type vehiclePayload struct {
	Name     string   `json:"name" validate:"max=128"`
	Type     string   `json:"type" validate:"required,oneof=courtesy shuttle bus prt"`
	Status   string   `json:"status" validate:"required,oneof=active inactive maintenance"`
	Features []string `json:"features" validate:"max=16,dive,min=1,max=64"`
	DriverID string   `json:"driver_id" validate:"max=64"`
	RouteID  string   `json:"route_id" validate:"max=64"`
	Capacity int      `json:"capacity" validate:"gte=0,lte=64"`
	Lat      float64  `json:"lat" validate:"latitude"`
	Lng      float64  `json:"lng" validate:"longitude"`
}

// handleUpsertVehicle creates or replaces a registry entry. Live telemetry
// (location, heading, speed) survives an edit that does not set coordinates,
// and the active assignment is never touched from here.
func (s *Server) handleUpsertVehicle(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	var req vehiclePayload
	if !s.decode(w, r, &req) {
		return
	}
	v := &models.Vehicle{
		ID:       mux.Vars(r)["id"],
		Name:     req.Name,
		Type:     models.VehicleType(req.Type),
		Status:   models.VehicleStatus(req.Status),
		Features: req.Features,
		Capacity: req.Capacity,
		Location: models.GeoPoint{Lat: req.Lat, Lng: req.Lng},
	}
	if req.DriverID != "" {
		v.DriverID = &req.DriverID
	}
	if req.RouteID != "" {
		v.RouteID = &req.RouteID
	}
	if v.Location.Valid() {
		v.LocationAt = time.Now().UTC()
	} else if existing, err := s.store.GetVehicle(r.Context(), v.ID); err == nil {
		v.Location = existing.Location
		v.Heading = existing.Heading
		v.SpeedKPH = existing.SpeedKPH
		v.LocationAt = existing.LocationAt
	}
	if err := s.store.UpsertVehicle(r.Context(), v); err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.geo != nil && v.Location.Valid() {
		pos := models.VehiclePosition{VehicleID: v.ID, Location: v.Location, Heading: v.Heading, SpeedKPH: v.SpeedKPH, RecordedAt: v.LocationAt}
		if err := s.geo.Upsert(r.Context(), pos); err != nil {
			s.logger.Warn("geo index seed failed", "vehicle", v.ID, "err", err)
		}
	}
	s.respond(w, http.StatusOK, v)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	vehicles, err := s.store.ListVehicles(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string][]*models.Vehicle{"vehicles": vehicles})
}
