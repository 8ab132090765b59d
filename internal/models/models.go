package models

import "time"

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is inside the WGS84 envelope. The zero
// value (0,0) is treated as unset rather than a real position in the gulf
// of Guinea.
func (p GeoPoint) Valid() bool {
	if p.Lat == 0 && p.Lng == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// RideStatus is the lifecycle state of a ride request.
type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideAccepted   RideStatus = "accepted"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// rideTransitions is the state flow as code. A status missing from the map
// is terminal.
var rideTransitions = map[RideStatus][]RideStatus{
	RidePending:    {RideAccepted, RideCancelled},
	RideAccepted:   {RideInProgress, RideCompleted, RideCancelled},
	RideInProgress: {RideCompleted, RideCancelled},
}

// CanTransitionTo reports whether moving from s to the target status is a
// legal ride-lifecycle transition.
func (s RideStatus) CanTransitionTo(to RideStatus) bool {
	for _, next := range rideTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// KnownRideStatus reports whether the value is one of the recognized states.
func KnownRideStatus(s RideStatus) bool {
	switch s {
	case RidePending, RideAccepted, RideInProgress, RideCompleted, RideCancelled:
		return true
	}
	return false
}

// Vehicle capability / ride requirement feature names as they appear on the
// wire. The set is open: clients may send features we have no constant for,
// matching is by exact string.
const (
	FeatureWheelchairAccessible = "wheelchairAccessible"
	FeatureChildSeat            = "childSeat"
	FeatureBikeRack             = "bikeRack"
)

// HasAllFeatures reports whether every requested feature is present in the
// capability set. An empty request matches any capability set.
func HasAllFeatures(capabilities, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(capabilities))
	for _, f := range capabilities {
		have[f] = struct{}{}
	}
	for _, f := range requested {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

// RideStop is one endpoint of a requested ride.
type RideStop struct {
	Location GeoPoint `json:"location"`
	Address  string   `json:"address,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// RouteEstimate is the last route computed for a ride, either by the
// routing oracle or by the straight-line fallback.
type RouteEstimate struct {
	DistanceMeters  float64    `json:"distance_meters"`
	DurationSeconds float64    `json:"duration_seconds"`
	Path            []GeoPoint `json:"path,omitempty"`
}

// RideRequest is the durable record of an on-demand transportation request.
// Vehicle and Driver are nil exactly while Status is pending; cancellation
// is a terminal status, never a deletion.
type RideRequest struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	RiderName   string     `json:"rider_name,omitempty"`
	Status      RideStatus `json:"status"`
	Pickup      RideStop   `json:"pickup"`
	Dropoff     RideStop   `json:"dropoff"`
	RequestedAt time.Time  `json:"requested_at"`
	Passengers  int        `json:"passengers"`
	Features    []string   `json:"features,omitempty"`

	VehicleID *string `json:"vehicle_id,omitempty"`
	DriverID  *string `json:"driver_id,omitempty"`

	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	Route *RouteEstimate `json:"route,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assigned reports whether a vehicle and driver are attached.
func (r *RideRequest) Assigned() bool {
	return r.VehicleID != nil && r.DriverID != nil
}

// VehicleType distinguishes the dispatchable fleet classes. Only courtesy
// vehicles participate in on-demand matching.
type VehicleType string

const (
	VehicleCourtesy VehicleType = "courtesy"
	VehicleShuttle  VehicleType = "shuttle"
	VehicleBus      VehicleType = "bus"
	VehiclePRT      VehicleType = "prt"
)

// VehicleStatus is the operational state of a vehicle.
type VehicleStatus string

const (
	VehicleActive      VehicleStatus = "active"
	VehicleInactive    VehicleStatus = "inactive"
	VehicleMaintenance VehicleStatus = "maintenance"
)

// Vehicle is the registry view of one fleet vehicle. Location fields are
// last-write-wins from driver location pushes. ActiveRequestID guards the
// single-active-assignment rule: a vehicle carries at most one accepted or
// in-progress request.
type Vehicle struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Type     VehicleType   `json:"type"`
	Status   VehicleStatus `json:"status"`
	Location GeoPoint      `json:"location"`
	Heading  float64       `json:"heading,omitempty"`
	SpeedKPH float64       `json:"speed_kph,omitempty"`

	LocationAt time.Time `json:"location_at,omitempty"`

	Features []string `json:"features,omitempty"`
	RouteID  *string  `json:"route_id,omitempty"`
	DriverID *string  `json:"driver_id,omitempty"`

	Capacity  int `json:"capacity"`
	Occupancy int `json:"occupancy"`

	ActiveRequestID *string `json:"active_request_id,omitempty"`
}

// Dispatchable reports whether the vehicle can be offered courtesy work:
// active, courtesy class, with a driver behind the wheel.
func (v *Vehicle) Dispatchable() bool {
	return v.Type == VehicleCourtesy && v.Status == VehicleActive && v.DriverID != nil
}

// VehiclePosition is the lightweight location fix that flows through the
// geo index and the location stream.
type VehiclePosition struct {
	VehicleID  string    `json:"vehicle_id"`
	Location   GeoPoint  `json:"location"`
	Heading    float64   `json:"heading,omitempty"`
	SpeedKPH   float64   `json:"speed_kph,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Notification types emitted by the dispatcher.
const (
	NotifyRideAccepted  = "ride_accepted"
	NotifyRideCompleted = "ride_completed"
	NotifyRideCancelled = "ride_cancelled"
	NotifyNoCapacity    = "ride_no_capacity"
	NotifyAnnouncement  = "announcement"
	NotifyFeedback      = "feedback"
)

// Notification priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Notification is one persisted message for one recipient. Broadcast
// records additionally keep the segment they were fanned out to. Delivery
// fields are best-effort bookkeeping; the record itself is the durable
// fallback a recipient can always re-fetch.
type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Broadcast   bool           `json:"broadcast,omitempty"`
	Segment     string         `json:"segment,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Priority    string         `json:"priority,omitempty"`

	Read          bool       `json:"read"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	Delivered     bool       `json:"delivered"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	DeliveryError string     `json:"delivery_error,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Device platforms accepted for push registration.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
)

// Device is one push-capable endpoint registered by a user.
type Device struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Preferences controls push delivery for a user. Real-time hub delivery and
// record persistence are not affected by preferences.
type Preferences struct {
	UserID      string   `json:"user_id"`
	PushEnabled bool     `json:"push_enabled"`
	MutedTypes  []string `json:"muted_types,omitempty"`
}

// PushMuted reports whether push delivery of the given notification type is
// switched off for this user.
func (p *Preferences) PushMuted(notificationType string) bool {
	if !p.PushEnabled {
		return true
	}
	for _, t := range p.MutedTypes {
		if t == notificationType {
			return true
		}
	}
	return false
}
