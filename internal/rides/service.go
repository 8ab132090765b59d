package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/eta"
	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/hub"
	"github.com/example/city-dispatch/internal/matcher"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/observability"
	"github.com/example/city-dispatch/internal/storage"
)

// UpdatesChannel is the public hub channel carrying vehicle position and
// ride status updates.
const UpdatesChannel = "transportation_updates"

// Notifier is the slice of the notification dispatcher the lifecycle needs.
// Persist failures surface as errors here; the lifecycle logs them and moves
// on, the state transition has already committed.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
	NotifyMany(ctx context.Context, ns []*models.Notification) error
}

// Realtime fans updates out to live connections.
type Realtime interface {
	Broadcast(channel string, msg hub.Message) int
	SendToUser(userID string, msg hub.Message) int
}

// PositionPublisher hands vehicle positions to the location stream.
type PositionPublisher interface {
	Publish(ctx context.Context, pos models.VehiclePosition) error
}

// Service owns the ride-request lifecycle: creation, the claim protocol,
// status transitions, and driver location flow. Every status change goes
// through the store's conditional transitions; the service never writes a
// status it read.
//
// Notifier, Realtime, Positions and Geo may be nil; the matching step and
// the store fields are required.
type Service struct {
	Rides     storage.RideStore
	Vehicles  storage.VehicleStore
	Geo       geo.Index
	Match     *matcher.Service
	ETA       *eta.Estimator
	Notifier  Notifier
	Realtime  Realtime
	Positions PositionPublisher
	AdminIDs  []string
	Logger    *slog.Logger
}

// StopInput is one endpoint of a requested ride.
type StopInput struct {
	Location models.GeoPoint
	Address  string
	Notes    string
}

// CreateInput is a rider's submission.
type CreateInput struct {
	Pickup      StopInput
	Dropoff     StopInput
	Passengers  int
	Features    []string
	RequestedAt *time.Time
}

// WaitEstimate is the coarse pickup estimate returned on submission, taken
// from the nearest candidate at that moment. Nil when no capacity is near.
type WaitEstimate struct {
	Minutes        int     `json:"minutes"`
	DistanceMeters float64 `json:"distance_meters"`
	Candidates     int     `json:"candidates"`
}

// VehicleSummary is the rider-facing slice of an assigned vehicle.
type VehicleSummary struct {
	ID       string             `json:"id"`
	Name     string             `json:"name,omitempty"`
	Type     models.VehicleType `json:"type"`
	Location models.GeoPoint    `json:"location"`
	Heading  float64            `json:"heading,omitempty"`
	SpeedKPH float64            `json:"speed_kph,omitempty"`
}

// RideView is a request enriched with the assigned vehicle and a live ETA.
type RideView struct {
	*models.RideRequest
	Vehicle    *VehicleSummary `json:"vehicle,omitempty"`
	ETAMinutes int             `json:"eta_minutes,omitempty"`
}

// statusUpdate is the hub payload for a lifecycle change.
type statusUpdate struct {
	RideID    string            `json:"ride_id"`
	Status    models.RideStatus `json:"status"`
	VehicleID string            `json:"vehicle_id,omitempty"`
	At        time.Time         `json:"at"`
}

// positionUpdate is the hub payload for a vehicle fix; the rider of the
// vehicle's active request additionally gets ride context and a fresh ETA.
type positionUpdate struct {
	VehicleID  string          `json:"vehicle_id"`
	Location   models.GeoPoint `json:"location"`
	Heading    float64         `json:"heading,omitempty"`
	SpeedKPH   float64         `json:"speed_kph,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	RideID     string          `json:"ride_id,omitempty"`
	ETAMinutes int             `json:"eta_minutes,omitempty"`
}

// Create validates and persists a new pending request, then probes nearby
// capacity. Zero candidates alerts the administrators; otherwise the
// response carries a coarse wait estimate from the nearest candidate.
func (s *Service) Create(ctx context.Context, rider auth.Identity, in CreateInput) (*models.RideRequest, *WaitEstimate, error) {
	if !in.Pickup.Location.Valid() {
		return nil, nil, validationf("pickup location out of range")
	}
	if !in.Dropoff.Location.Valid() {
		return nil, nil, validationf("dropoff location out of range")
	}
	if in.Passengers < 0 {
		return nil, nil, validationf("passenger count cannot be negative")
	}
	passengers := in.Passengers
	if passengers == 0 {
		passengers = 1
	}
	features, err := normalizeFeatures(in.Features)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	requested := now
	if in.RequestedAt != nil && !in.RequestedAt.IsZero() {
		requested = in.RequestedAt.UTC()
	}

	r := &models.RideRequest{
		ID:          uuid.NewString(),
		RiderID:     rider.UserID,
		RiderName:   rider.Name,
		Status:      models.RidePending,
		Pickup:      models.RideStop{Location: in.Pickup.Location, Address: in.Pickup.Address, Notes: in.Pickup.Notes},
		Dropoff:     models.RideStop{Location: in.Dropoff.Location, Address: in.Dropoff.Address, Notes: in.Dropoff.Notes},
		RequestedAt: requested,
		Passengers:  passengers,
		Features:    features,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Rides.CreateRide(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreatedTotal.Inc()

	return r, s.capacityProbe(ctx, r), nil
}

// capacityProbe looks for dispatchable vehicles near the pickup. No
// candidates is worth an admin alert; the request stays pending either way.
func (s *Service) capacityProbe(ctx context.Context, r *models.RideRequest) *WaitEstimate {
	candidates, err := s.Match.CandidateVehicles(ctx, r.Pickup.Location)
	if err != nil {
		s.logWarn("candidate lookup failed", "ride", r.ID, "err", err)
		return nil
	}
	if len(candidates) == 0 {
		s.alertNoCapacity(ctx, r)
		return nil
	}
	nearest := candidates[0]
	est := s.ETA.Estimate(ctx, nearest.Vehicle.Location, r.Pickup.Location)
	return &WaitEstimate{
		Minutes:        eta.MinutesAway(est),
		DistanceMeters: nearest.DistanceMeters,
		Candidates:     len(candidates),
	}
}

func (s *Service) alertNoCapacity(ctx context.Context, r *models.RideRequest) {
	if s.Notifier == nil || len(s.AdminIDs) == 0 {
		return
	}
	ns := make([]*models.Notification, 0, len(s.AdminIDs))
	for _, admin := range s.AdminIDs {
		ns = append(ns, &models.Notification{
			RecipientID: admin,
			Type:        models.NotifyNoCapacity,
			Title:       "No vehicles available",
			Body:        fmt.Sprintf("Request near %s has no courtesy vehicle in range", stopLabel(r.Pickup)),
			Data:        map[string]any{"ride_id": r.ID},
			Priority:    models.PriorityHigh,
		})
	}
	if err := s.Notifier.NotifyMany(ctx, ns); err != nil {
		s.logError("no-capacity alert failed", "ride", r.ID, "err", err)
	}
}

// Get returns the request with the assigned vehicle and a live ETA toward
// the next stop. Only the rider, the assigned driver, or an administrator
// may look.
func (s *Service) Get(ctx context.Context, caller auth.Identity, id string) (*RideView, error) {
	r, err := s.Rides.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(caller, r) {
		return nil, authzf("not your request")
	}
	view := &RideView{RideRequest: r}
	if !r.Assigned() || r.Status.Terminal() {
		return view, nil
	}
	v, err := s.Vehicles.GetVehicle(ctx, *r.VehicleID)
	if err != nil {
		s.logWarn("assigned vehicle lookup failed", "ride", r.ID, "vehicle", *r.VehicleID, "err", err)
		return view, nil
	}
	view.Vehicle = &VehicleSummary{
		ID:       v.ID,
		Name:     v.Name,
		Type:     v.Type,
		Location: v.Location,
		Heading:  v.Heading,
		SpeedKPH: v.SpeedKPH,
	}
	if v.Location.Valid() && s.ETA != nil {
		est := s.ETA.Estimate(ctx, v.Location, nextStop(r))
		view.Route = &est
		view.ETAMinutes = eta.MinutesAway(est)
	}
	return view, nil
}

// Cancel moves any non-terminal request to cancelled. Permitted to the
// requesting rider and to administrators; the assigned driver is notified,
// and the rider too when an administrator cancelled on their behalf.
func (s *Service) Cancel(ctx context.Context, caller auth.Identity, id, reason string) (*models.RideRequest, error) {
	r, err := s.Rides.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	isAdmin := caller.HasRole(auth.RoleAdmin)
	if caller.UserID != r.RiderID && !isAdmin {
		return nil, authzf("only the requesting rider or an administrator can cancel")
	}

	updated, err := s.Rides.TransitionRide(ctx, id,
		[]models.RideStatus{models.RidePending, models.RideAccepted, models.RideInProgress},
		models.RideCancelled, reason, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, conflictFor(updated, "request already closed")
		}
		return nil, err
	}

	var ns []*models.Notification
	if updated.DriverID != nil {
		ns = append(ns, &models.Notification{
			RecipientID: *updated.DriverID,
			Type:        models.NotifyRideCancelled,
			Title:       "Ride cancelled",
			Body:        cancelBody(updated),
			Data:        map[string]any{"ride_id": updated.ID},
		})
	}
	if isAdmin && caller.UserID != updated.RiderID {
		ns = append(ns, &models.Notification{
			RecipientID: updated.RiderID,
			Type:        models.NotifyRideCancelled,
			Title:       "Ride cancelled",
			Body:        "Your request was cancelled by dispatch",
			Data:        map[string]any{"ride_id": updated.ID},
		})
	}
	if len(ns) > 0 && s.Notifier != nil {
		if err := s.Notifier.NotifyMany(ctx, ns); err != nil {
			s.logError("cancel notifications failed", "ride", updated.ID, "err", err)
		}
	}
	s.sendStatusUpdate(updated)
	return updated, nil
}

// Claim is the accept protocol: re-validate capability, then a single
// conditional transition that binds driver and vehicle if and only if the
// request is still pending and the vehicle is free. Losers get the current
// state back; a capability mismatch leaves the request pending.
func (s *Service) Claim(ctx context.Context, driverID, rideID string) (*models.RideRequest, error) {
	v, err := s.Vehicles.GetVehicleByDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, authzf("no vehicle assigned to driver")
	}
	if err != nil {
		return nil, err
	}
	if !v.Dispatchable() {
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, authzf("vehicle %s is not in courtesy service", v.ID)
	}

	r, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !models.HasAllFeatures(v.Features, r.Features) {
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, validationf("vehicle %s lacks a requested feature", v.ID)
	}

	updated, err := s.Rides.ClaimRide(ctx, rideID, driverID, v.ID, time.Now().UTC())
	switch {
	case errors.Is(err, storage.ErrConflict):
		observability.ClaimsTotal.WithLabelValues("lost").Inc()
		return nil, conflictFor(updated, "request already accepted")
	case errors.Is(err, storage.ErrVehicleBusy):
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, &ConflictError{Msg: "vehicle already committed to another request", Current: updated}
	case err != nil:
		return nil, err
	}
	observability.ClaimsTotal.WithLabelValues("won").Inc()

	s.notifyRider(ctx, updated, models.NotifyRideAccepted, "Your ride is on the way",
		fmt.Sprintf("%s accepted your request", vehicleLabel(v)))
	s.sendStatusUpdate(updated)
	return updated, nil
}

// Start moves an accepted request to in progress. Assigned driver only.
func (s *Service) Start(ctx context.Context, driverID, rideID string) (*models.RideRequest, error) {
	r, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID == nil || *r.DriverID != driverID {
		return nil, authzf("only the assigned driver can start the trip")
	}
	updated, err := s.Rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.RideAccepted}, models.RideInProgress, "", time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, conflictFor(updated, "request is not accepted")
		}
		return nil, err
	}
	s.sendStatusUpdate(updated)
	return updated, nil
}

// Complete closes an accepted or in-progress request and frees the vehicle
// for new claims. Assigned driver only.
func (s *Service) Complete(ctx context.Context, driverID, rideID string) (*models.RideRequest, error) {
	r, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID == nil || *r.DriverID != driverID {
		return nil, authzf("only the assigned driver can complete the trip")
	}
	updated, err := s.Rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.RideAccepted, models.RideInProgress},
		models.RideCompleted, "", time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, conflictFor(updated, "request already closed")
		}
		return nil, err
	}
	s.notifyRider(ctx, updated, models.NotifyRideCompleted, "Trip complete", "Thanks for riding with us")
	s.sendStatusUpdate(updated)
	return updated, nil
}

// LocationInput is a driver's position fix.
type LocationInput struct {
	Location models.GeoPoint
	Heading  float64
	SpeedKPH float64
}

// UpdateVehicleLocation records a driver position fix: registry
// last-write-wins, geo index, location stream, then live fan-out to the
// public updates channel and to the rider of the vehicle's active request.
func (s *Service) UpdateVehicleLocation(ctx context.Context, driverID string, in LocationInput) (*models.Vehicle, error) {
	v, err := s.Vehicles.GetVehicleByDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, authzf("no vehicle assigned to driver")
	}
	if err != nil {
		return nil, err
	}
	if !in.Location.Valid() {
		return nil, validationf("location out of range")
	}

	pos := models.VehiclePosition{
		VehicleID:  v.ID,
		Location:   in.Location,
		Heading:    in.Heading,
		SpeedKPH:   in.SpeedKPH,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.Vehicles.UpdateVehicleLocation(ctx, pos); err != nil {
		return nil, fmt.Errorf("update vehicle location: %w", err)
	}
	observability.VehiclePositionsTotal.Inc()

	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, pos); err != nil {
			s.logWarn("geo index update failed", "vehicle", v.ID, "err", err)
		}
	}
	if s.Positions != nil {
		if err := s.Positions.Publish(ctx, pos); err != nil {
			s.logWarn("location publish failed", "vehicle", v.ID, "err", err)
		}
	}
	s.fanOutPosition(ctx, v, pos)

	v.Location = pos.Location
	v.Heading = pos.Heading
	v.SpeedKPH = pos.SpeedKPH
	v.LocationAt = pos.RecordedAt
	return v, nil
}

// fanOutPosition broadcasts the bare fix publicly, then sends the rider of
// the active request an enriched copy with ride context and a fresh ETA.
func (s *Service) fanOutPosition(ctx context.Context, v *models.Vehicle, pos models.VehiclePosition) {
	if s.Realtime == nil {
		return
	}
	update := positionUpdate{
		VehicleID:  pos.VehicleID,
		Location:   pos.Location,
		Heading:    pos.Heading,
		SpeedKPH:   pos.SpeedKPH,
		RecordedAt: pos.RecordedAt,
	}
	s.Realtime.Broadcast(UpdatesChannel, hub.NewMessage(hub.TypeUpdate, UpdatesChannel, update))

	if v.ActiveRequestID == nil {
		return
	}
	r, err := s.Rides.GetRide(ctx, *v.ActiveRequestID)
	if err != nil || r.Status.Terminal() {
		return
	}
	update.RideID = r.ID
	if s.ETA != nil {
		est := s.ETA.Estimate(ctx, pos.Location, nextStop(r))
		update.ETAMinutes = eta.MinutesAway(est)
	}
	s.Realtime.SendToUser(r.RiderID, hub.NewMessage(hub.TypeUpdate, "", update))
}

// ListMine returns the rider's requests, newest first.
func (s *Service) ListMine(ctx context.Context, riderID string, limit int) ([]*models.RideRequest, error) {
	return s.Rides.ListRidesByRider(ctx, riderID, limit)
}

// ListAssigned returns the driver's accepted and closed requests, newest
// first.
func (s *Service) ListAssigned(ctx context.Context, driverID string, limit int) ([]*models.RideRequest, error) {
	return s.Rides.ListRidesByDriver(ctx, driverID, limit)
}

// ListWork returns pending requests the driver's vehicle can serve, earliest
// pickup first.
func (s *Service) ListWork(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	list, err := s.Match.WorkFor(ctx, driverID)
	if errors.Is(err, matcher.ErrNoActiveVehicle) {
		return nil, authzf("no active vehicle for driver")
	}
	return list, err
}

func (s *Service) notifyRider(ctx context.Context, r *models.RideRequest, typ, title, body string) {
	if s.Notifier == nil {
		return
	}
	n := &models.Notification{
		RecipientID: r.RiderID,
		Type:        typ,
		Title:       title,
		Body:        body,
		Data:        map[string]any{"ride_id": r.ID, "status": string(r.Status)},
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		s.logError("rider notification failed", "ride", r.ID, "err", err)
	}
}

// sendStatusUpdate tells the rider's and driver's live devices about a
// lifecycle change. Fire and forget.
func (s *Service) sendStatusUpdate(r *models.RideRequest) {
	if s.Realtime == nil {
		return
	}
	payload := statusUpdate{RideID: r.ID, Status: r.Status, At: r.UpdatedAt}
	if r.VehicleID != nil {
		payload.VehicleID = *r.VehicleID
	}
	msg := hub.NewMessage(hub.TypeUpdate, "", payload)
	s.Realtime.SendToUser(r.RiderID, msg)
	if r.DriverID != nil {
		s.Realtime.SendToUser(*r.DriverID, msg)
	}
}

// nextStop is where the vehicle is headed: the pickup until the trip
// starts, the dropoff after.
func nextStop(r *models.RideRequest) models.GeoPoint {
	if r.Status == models.RideInProgress {
		return r.Dropoff.Location
	}
	return r.Pickup.Location
}

func canView(caller auth.Identity, r *models.RideRequest) bool {
	if caller.UserID == r.RiderID {
		return true
	}
	if r.DriverID != nil && *r.DriverID == caller.UserID {
		return true
	}
	return caller.HasRole(auth.RoleAdmin)
}

func normalizeFeatures(features []string) ([]string, error) {
	if len(features) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(features))
	seen := make(map[string]struct{}, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, validationf("features cannot contain blank entries")
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

func vehicleLabel(v *models.Vehicle) string {
	if v.Name != "" {
		return v.Name
	}
	return "Vehicle " + v.ID
}

func stopLabel(stop models.RideStop) string {
	if stop.Address != "" {
		return stop.Address
	}
	return fmt.Sprintf("%.5f, %.5f", stop.Location.Lat, stop.Location.Lng)
}

func cancelBody(r *models.RideRequest) string {
	if r.CancelReason != "" {
		return "Request cancelled: " + r.CancelReason
	}
	return "The rider no longer needs a pickup"
}

func (s *Service) logWarn(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}

func (s *Service) logError(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Error(msg, args...)
	}
}
