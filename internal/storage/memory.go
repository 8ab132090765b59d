package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/city-dispatch/internal/models"
)

// MemoryStore keeps everything behind one mutex. It backs tests and
// single-node runs without Postgres; the claim and transition sections are
// the in-memory twin of the SQL conditional updates.
type MemoryStore struct {
	mu            sync.Mutex
	rides         map[string]*models.RideRequest
	vehicles      map[string]*models.Vehicle
	notifications map[string]*models.Notification
	devices       map[string]*models.Device // keyed by token
	preferences   map[string]*models.Preferences
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]*models.RideRequest),
		vehicles:      make(map[string]*models.Vehicle),
		notifications: make(map[string]*models.Notification),
		devices:       make(map[string]*models.Device),
		preferences:   make(map[string]*models.Preferences),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) ListRidesByRider(_ context.Context, riderID string, limit int) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRides(func(r *models.RideRequest) bool { return r.RiderID == riderID }, limit), nil
}

func (m *MemoryStore) ListRidesByDriver(_ context.Context, driverID string, limit int) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRides(func(r *models.RideRequest) bool {
		return r.DriverID != nil && *r.DriverID == driverID
	}, limit), nil
}

// listRides returns newest first. Callers hold the lock.
func (m *MemoryStore) listRides(keep func(*models.RideRequest) bool, limit int) []*models.RideRequest {
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListPendingRides(_ context.Context, capabilities []string) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status != models.RidePending {
			continue
		}
		if capabilities != nil && !models.HasAllFeatures(capabilities, r.Features) {
			continue
		}
		out = append(out, cloneRide(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *MemoryStore) ClaimRide(_ context.Context, rideID, driverID, vehicleID string, now time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RidePending {
		return cloneRide(r), ErrConflict
	}
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	if v.ActiveRequestID != nil && *v.ActiveRequestID != rideID {
		return cloneRide(r), ErrVehicleBusy
	}
	r.Status = models.RideAccepted
	r.DriverID = &driverID
	r.VehicleID = &vehicleID
	r.AcceptedAt = &now
	r.UpdatedAt = now
	v.ActiveRequestID = &rideID
	return cloneRide(r), nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string, now time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, r.Status) {
		return cloneRide(r), ErrConflict
	}
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case models.RideInProgress:
		r.StartedAt = &now
	case models.RideCompleted:
		r.CompletedAt = &now
	case models.RideCancelled:
		r.CancelledAt = &now
		if reason != "" {
			r.CancelReason = reason
		}
	}
	if to.Terminal() && r.VehicleID != nil {
		if v, ok := m.vehicles[*r.VehicleID]; ok &&
			v.ActiveRequestID != nil && *v.ActiveRequestID == rideID {
			v.ActiveRequestID = nil
		}
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpsertVehicle(_ context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// the active assignment is owned by the claim path, never by upserts
	if existing, ok := m.vehicles[v.ID]; ok {
		c := cloneVehicle(v)
		c.ActiveRequestID = existing.ActiveRequestID
		m.vehicles[v.ID] = c
		return nil
	}
	m.vehicles[v.ID] = cloneVehicle(v)
	return nil
}

func (m *MemoryStore) GetVehicle(_ context.Context, id string) (*models.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVehicle(v), nil
}

func (m *MemoryStore) GetVehicles(_ context.Context, ids []string) ([]*models.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Vehicle, 0, len(ids))
	for _, id := range ids {
		if v, ok := m.vehicles[id]; ok {
			out = append(out, cloneVehicle(v))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetVehicleByDriver(_ context.Context, driverID string) (*models.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.vehicles {
		if v.DriverID != nil && *v.DriverID == driverID {
			return cloneVehicle(v), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListVehicles(_ context.Context) ([]*models.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, cloneVehicle(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateVehicleLocation(_ context.Context, pos models.VehiclePosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[pos.VehicleID]
	if !ok {
		return nil
	}
	v.Location = pos.Location
	v.Heading = pos.Heading
	v.SpeedKPH = pos.SpeedKPH
	v.LocationAt = pos.RecordedAt
	return nil
}

func (m *MemoryStore) SaveNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (m *MemoryStore) SaveNotifications(_ context.Context, ns []*models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range ns {
		m.notifications[n.ID] = cloneNotification(n)
	}
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, q NotificationQuery) ([]*models.Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*models.Notification, 0)
	for _, n := range m.notifications {
		if n.RecipientID != q.RecipientID {
			continue
		}
		if q.Type != "" && n.Type != q.Type {
			continue
		}
		if q.UnreadOnly && n.Read {
			continue
		}
		all = append(all, cloneNotification(n))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	page, size := normalizePage(q.Page, q.Size)
	start := (page - 1) * size
	if start >= total {
		return []*models.Notification{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id, recipientID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return ErrNotFound
	}
	if !n.Read {
		n.Read = true
		n.ReadAt = &now
	}
	return nil
}

func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, recipientID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == recipientID && !n.Read {
			n.Read = true
			n.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteNotification(_ context.Context, id, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

func (m *MemoryStore) CountUnread(_ context.Context, recipientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == recipientID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SetDeliveryResult(_ context.Context, id string, delivered bool, deliveryErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Delivered = delivered
	n.DeliveryError = deliveryErr
	if delivered {
		n.DeliveredAt = &now
	}
	return nil
}

func (m *MemoryStore) SaveDevice(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.devices[d.Token] = &c
	return nil
}

func (m *MemoryStore) DeleteDevice(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok || d.UserID != userID {
		return ErrNotFound
	}
	delete(m.devices, token)
	return nil
}

func (m *MemoryStore) ListDevicesByUser(_ context.Context, userID string) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Device, 0)
	for _, d := range m.devices {
		if d.UserID == userID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *MemoryStore) ListDeviceUserIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, d := range m.devices {
		if !seen[d.UserID] {
			seen[d.UserID] = true
			out = append(out, d.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) GetPreferences(_ context.Context, userID string) (*models.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.preferences[userID]; ok {
		c := *p
		c.MutedTypes = slices.Clone(p.MutedTypes)
		return &c, nil
	}
	return &models.Preferences{UserID: userID, PushEnabled: true}, nil
}

func (m *MemoryStore) SavePreferences(_ context.Context, p *models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	c.MutedTypes = slices.Clone(p.MutedTypes)
	m.preferences[p.UserID] = &c
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRide(r *models.RideRequest) *models.RideRequest {
	c := *r
	c.Features = slices.Clone(r.Features)
	c.VehicleID = clonePtr(r.VehicleID)
	c.DriverID = clonePtr(r.DriverID)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	if r.Route != nil {
		rt := *r.Route
		rt.Path = slices.Clone(r.Route.Path)
		c.Route = &rt
	}
	return &c
}

func cloneVehicle(v *models.Vehicle) *models.Vehicle {
	c := *v
	c.Features = slices.Clone(v.Features)
	c.RouteID = clonePtr(v.RouteID)
	c.DriverID = clonePtr(v.DriverID)
	c.ActiveRequestID = clonePtr(v.ActiveRequestID)
	return &c
}

func cloneNotification(n *models.Notification) *models.Notification {
	c := *n
	if n.Data != nil {
		c.Data = maps.Clone(n.Data)
	}
	c.ReadAt = clonePtr(n.ReadAt)
	c.DeliveredAt = clonePtr(n.DeliveredAt)
	c.ScheduledFor = clonePtr(n.ScheduledFor)
	c.ExpiresAt = clonePtr(n.ExpiresAt)
	return &c
}
