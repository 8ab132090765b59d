package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/city-dispatch/internal/models"
)

var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means a conditional update lost; for ride transitions the
	// returned request carries the current authoritative state.
	ErrConflict = errors.New("storage: conflict")
	// ErrVehicleBusy means the vehicle already has an active assignment.
	ErrVehicleBusy = errors.New("storage: vehicle already assigned")
)

// RideStore persists ride requests and owns every conditional status change.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	ListRidesByRider(ctx context.Context, riderID string, limit int) ([]*models.RideRequest, error)
	ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]*models.RideRequest, error)

	// ListPendingRides returns pending requests ordered by requested time.
	// A nil capabilities slice lists everything; otherwise only requests
	// whose features all fall within capabilities are returned, so a vehicle
	// with no capabilities sees only zero-feature requests.
	ListPendingRides(ctx context.Context, capabilities []string) ([]*models.RideRequest, error)

	// ClaimRide atomically flips pending to accepted, binds the driver and
	// vehicle, and takes the vehicle's single active slot. Exactly one
	// caller wins; losers get ErrConflict with the current request state,
	// or ErrVehicleBusy when the vehicle is tied to another request.
	ClaimRide(ctx context.Context, rideID, driverID, vehicleID string, now time.Time) (*models.RideRequest, error)

	// TransitionRide applies a conditional status change when the current
	// status is one of from. Terminal transitions release the assigned
	// vehicle in the same atomic step. On ErrConflict the returned request
	// carries the current state.
	TransitionRide(ctx context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string, now time.Time) (*models.RideRequest, error)
}

// VehicleStore is the registry of dispatchable vehicles.
type VehicleStore interface {
	UpsertVehicle(ctx context.Context, v *models.Vehicle) error
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	GetVehicles(ctx context.Context, ids []string) ([]*models.Vehicle, error)
	GetVehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error)
	ListVehicles(ctx context.Context) ([]*models.Vehicle, error)
	// UpdateVehicleLocation is last-write-wins and ignores unknown vehicles.
	UpdateVehicleLocation(ctx context.Context, pos models.VehiclePosition) error
}

// NotificationQuery filters a recipient's notification page.
type NotificationQuery struct {
	RecipientID string
	Type        string
	UnreadOnly  bool
	Page        int // 1-based
	Size        int
}

// NotificationStore persists notifications and read/delivery state.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	SaveNotifications(ctx context.Context, ns []*models.Notification) error
	ListNotifications(ctx context.Context, q NotificationQuery) ([]*models.Notification, int, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string, now time.Time) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string, now time.Time) (int, error)
	DeleteNotification(ctx context.Context, id, recipientID string) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
	// SetDeliveryResult records the push outcome; best-effort, callers may
	// ignore the error.
	SetDeliveryResult(ctx context.Context, id string, delivered bool, deliveryErr string, now time.Time) error
}

// DeviceStore tracks push targets and per-user notification preferences.
type DeviceStore interface {
	SaveDevice(ctx context.Context, d *models.Device) error
	DeleteDevice(ctx context.Context, userID, token string) error
	ListDevicesByUser(ctx context.Context, userID string) ([]*models.Device, error)
	// ListDeviceUserIDs returns every distinct user with a registered
	// device; broadcasts fan out to this set.
	ListDeviceUserIDs(ctx context.Context) ([]string, error)
	// GetPreferences returns defaults (push enabled, nothing muted) when the
	// user never saved any.
	GetPreferences(ctx context.Context, userID string) (*models.Preferences, error)
	SavePreferences(ctx context.Context, p *models.Preferences) error
}

// Store is the full persistence surface the server wires up.
type Store interface {
	RideStore
	VehicleStore
	NotificationStore
	DeviceStore

	Ping(ctx context.Context) error
	Close() error
}
