package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/hub"
	"github.com/example/city-dispatch/internal/notify"
	"github.com/example/city-dispatch/internal/rides"
	"github.com/example/city-dispatch/internal/storage"
)

// Config is the dependency set the HTTP surface needs. Everything is
// constructed in main and injected; the server holds no globals.
type Config struct {
	Rides    *rides.Service
	Dispatch *notify.Dispatcher
	Store    storage.Store
	Geo      geo.Index
	Hub      *hub.Hub
	Verifier auth.Verifier
	AdminIDs []string
	Logger   *slog.Logger
}

// Server is the REST and WebSocket surface of the dispatch subsystem.
type Server struct {
	rides    *rides.Service
	dispatch *notify.Dispatcher
	store    storage.Store
	geo      geo.Index
	hub      *hub.Hub
	verifier auth.Verifier
	adminIDs []string

	logger   *slog.Logger
	router   *mux.Router
	validate *validator.Validate
}

func NewServer(cfg Config) *Server {
	s := &Server{
		rides:    cfg.Rides,
		dispatch: cfg.Dispatch,
		store:    cfg.Store,
		geo:      cfg.Geo,
		hub:      cfg.Hub,
		verifier: cfg.Verifier,
		adminIDs: cfg.AdminIDs,
		logger:   cfg.Logger,
		router:   mux.NewRouter(),
		validate: validator.New(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.requireAuth(s.handleCreateRide)).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.requireAuth(s.handleListMine)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.requireAuth(s.handleGetRide)).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.requireAuth(s.handleCancelRide)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/accept", s.requireRole(auth.RoleDriver, s.handleAcceptRide)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.requireRole(auth.RoleDriver, s.handleStartRide)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.requireRole(auth.RoleDriver, s.handleCompleteRide)).Methods(http.MethodPost)

	api.HandleFunc("/driver/work", s.requireRole(auth.RoleDriver, s.handleDriverWork)).Methods(http.MethodGet)
	api.HandleFunc("/driver/rides", s.requireRole(auth.RoleDriver, s.handleDriverRides)).Methods(http.MethodGet)
	api.HandleFunc("/driver/location", s.requireRole(auth.RoleDriver, s.handleDriverLocation)).Methods(http.MethodPost)

	api.HandleFunc("/notifications", s.requireAuth(s.handleListNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.requireAuth(s.handleMarkAllRead)).Methods(http.MethodPost)
	api.HandleFunc("/notifications/preferences", s.requireAuth(s.handleGetPreferences)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/preferences", s.requireAuth(s.handlePutPreferences)).Methods(http.MethodPut)
	api.HandleFunc("/notifications/{id}/read", s.requireAuth(s.handleMarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}", s.requireAuth(s.handleDeleteNotification)).Methods(http.MethodDelete)

	api.HandleFunc("/devices", s.requireAuth(s.handleRegisterDevice)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{token}", s.requireAuth(s.handleUnregisterDevice)).Methods(http.MethodDelete)

	api.HandleFunc("/feedback", s.requireAuth(s.handleFeedback)).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/notifications", s.requireRole(auth.RoleAdmin, s.handleAdminNotify)).Methods(http.MethodPost)
	admin.HandleFunc("/notifications/broadcast", s.requireRole(auth.RoleAdmin, s.handleAdminBroadcast)).Methods(http.MethodPost)
	admin.HandleFunc("/vehicles", s.requireRole(auth.RoleAdmin, s.handleListVehicles)).Methods(http.MethodGet)
	admin.HandleFunc("/vehicles/{id}", s.requireRole(auth.RoleAdmin, s.handleUpsertVehicle)).Methods(http.MethodPut)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady reports whether the backing store answers; load balancers use
// it to hold traffic during startup and outages.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respond(w, http.StatusServiceUnavailable, errorBody{Error: kindUnavailable, Message: "store unreachable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleWS upgrades to a WebSocket. Browser clients cannot set an
// Authorization header on the upgrade, so a token query parameter is
// accepted too. Anonymous connections are allowed onto public channels.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if id, ok := identityFrom(r.Context()); ok {
		identity = &id
	} else if token := r.URL.Query().Get("token"); token != "" {
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: kindUnauthenticated, Message: "invalid token"})
			return
		}
		identity = &id
	}
	s.hub.ServeWS(w, r, identity)
}

func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
