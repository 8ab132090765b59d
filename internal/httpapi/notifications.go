package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/storage"
)

type notificationListResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
	Unread        int                    `json:"unread"`
	Page          int                    `json:"page"`
	Size          int                    `json:"size"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	q := storage.NotificationQuery{
		RecipientID: identity.UserID,
		Type:        r.URL.Query().Get("type"),
		UnreadOnly:  r.URL.Query().Get("unread") == "true",
		Page:        queryInt(r, "page", 1),
		Size:        queryInt(r, "size", 20),
	}
	list, total, err := s.store.ListNotifications(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	unread, err := s.store.CountUnread(r.Context(), identity.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, notificationListResponse{
		Notifications: list,
		Total:         total,
		Unread:        unread,
		Page:          q.Page,
		Size:          q.Size,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if err := s.store.MarkNotificationRead(r.Context(), mux.Vars(r)["id"], identity.UserID, time.Now().UTC()); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	updated, err := s.store.MarkAllNotificationsRead(r.Context(), identity.UserID, time.Now().UTC())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if err := s.store.DeleteNotification(r.Context(), mux.Vars(r)["id"], identity.UserID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerDeviceRequest struct {
	Platform string `json:"platform" validate:"required,oneof=ios android web"`
	Token    string `json:"token" validate:"required,min=8,max=512"`
}

// handleRegisterDevice registers a push endpoint. Devices are keyed by token,
// so re-registering after a token rotation simply replaces the record.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req registerDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	now := time.Now().UTC()
	d := &models.Device{
		ID:         uuid.NewString(),
		UserID:     identity.UserID,
		Platform:   req.Platform,
		Token:      req.Token,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.store.SaveDevice(r.Context(), d); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, d)
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if err := s.store.DeleteDevice(r.Context(), identity.UserID, mux.Vars(r)["token"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	p, err := s.store.GetPreferences(r.Context(), identity.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

type preferencesRequest struct {
	PushEnabled bool     `json:"push_enabled"`
	MutedTypes  []string `json:"muted_types" validate:"max=32,dive,min=1,max=64"`
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req preferencesRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := &models.Preferences{
		UserID:      identity.UserID,
		PushEnabled: req.PushEnabled,
		MutedTypes:  req.MutedTypes,
	}
	if err := s.store.SavePreferences(r.Context(), p); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

type feedbackRequest struct {
	Category string `json:"category" validate:"required,max=64"`
	Message  string `json:"message" validate:"required,max=2000"`
	RideID   string `json:"ride_id" validate:"max=64"`
}

// handleFeedback fans a rider's feedback out to the administrators as a
// persisted notification. The notification record is the durable copy;
// content moderation lives elsewhere in the portal.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	data := map[string]any{
		"category": req.Category,
		"message":  req.Message,
		"user_id":  identity.UserID,
	}
	if req.RideID != "" {
		data["ride_id"] = req.RideID
	}
	ns := make([]*models.Notification, 0, len(s.adminIDs))
	for _, admin := range s.adminIDs {
		ns = append(ns, &models.Notification{
			RecipientID: admin,
			Type:        models.NotifyFeedback,
			Title:       "Feedback: " + req.Category,
			Body:        req.Message,
			Data:        data,
			CreatedBy:   identity.UserID,
		})
	}
	if err := s.dispatch.NotifyMany(r.Context(), ns); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
