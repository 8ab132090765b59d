package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/example/city-dispatch/internal/models"
)

// PostgresStore implements Store on database/sql. Status changes are
// serialized per ride by locking the ride row; the vehicle's active slot is
// taken with a conditional update inside the same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes the SQL file at path against the store.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, string(b))
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

const rideColumns = `id, rider_id, rider_name, status,
	pickup_lat, pickup_lng, pickup_address, pickup_notes,
	dropoff_lat, dropoff_lng, dropoff_address, dropoff_notes,
	requested_at, passengers, features, vehicle_id, driver_id,
	accepted_at, started_at, completed_at, cancelled_at, cancel_reason,
	created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, rider_id, rider_name, status,
			pickup_lat, pickup_lng, pickup_address, pickup_notes,
			dropoff_lat, dropoff_lng, dropoff_address, dropoff_notes,
			requested_at, passengers, features,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15,
			$16, $17
		)`,
		r.ID, r.RiderID, r.RiderName, string(r.Status),
		r.Pickup.Location.Lat, r.Pickup.Location.Lng, r.Pickup.Address, r.Pickup.Notes,
		r.Dropoff.Location.Lat, r.Dropoff.Location.Lng, r.Dropoff.Address, r.Dropoff.Notes,
		r.RequestedAt, r.Passengers, pq.Array(r.Features),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var features pq.StringArray
	var vehicleID, driverID, cancelReason sql.NullString
	var acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.RiderID, &r.RiderName, &r.Status,
		&r.Pickup.Location.Lat, &r.Pickup.Location.Lng, &r.Pickup.Address, &r.Pickup.Notes,
		&r.Dropoff.Location.Lat, &r.Dropoff.Location.Lng, &r.Dropoff.Address, &r.Dropoff.Notes,
		&r.RequestedAt, &r.Passengers, &features, &vehicleID, &driverID,
		&acceptedAt, &startedAt, &completedAt, &cancelledAt, &cancelReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Features = []string(features)
	r.VehicleID = toStringPtr(vehicleID)
	r.DriverID = toStringPtr(driverID)
	r.AcceptedAt = toTimePtr(acceptedAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	if cancelReason.Valid {
		r.CancelReason = cancelReason.String
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ListRidesByRider(ctx context.Context, riderID string, limit int) ([]*models.RideRequest, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE rider_id = $1 ORDER BY created_at DESC LIMIT $2`, riderID, normalizeLimit(limit))
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]*models.RideRequest, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`, driverID, normalizeLimit(limit))
}

func (p *PostgresStore) ListPendingRides(ctx context.Context, capabilities []string) ([]*models.RideRequest, error) {
	if capabilities == nil {
		return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
			WHERE status = 'pending' ORDER BY requested_at, created_at`)
	}
	// features <@ capabilities: every requested feature is in the set
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = 'pending' AND features <@ $1
		ORDER BY requested_at, created_at`, pq.Array(capabilities))
}

func (p *PostgresStore) queryRides(ctx context.Context, query string, args ...any) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimRide(ctx context.Context, rideID, driverID, vehicleID string, now time.Time) (*models.RideRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID)
	current, err := scanRide(row)
	if err != nil {
		return nil, err
	}
	if current.Status != models.RidePending {
		return current, ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE vehicles SET active_request_id = $1, updated_at = $3
		WHERE id = $2 AND active_request_id IS NULL`, rideID, vehicleID, now)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM vehicles WHERE id = $1)`, vehicleID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return current, ErrVehicleBusy
	}

	row = tx.QueryRowContext(ctx, `
		UPDATE rides SET status = 'accepted', driver_id = $2, vehicle_id = $3,
			accepted_at = $4, updated_at = $4
		WHERE id = $1
		RETURNING `+rideColumns, rideID, driverID, vehicleID, now)
	claimed, err := scanRide(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string, now time.Time) (*models.RideRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID)
	current, err := scanRide(row)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if current.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return current, ErrConflict
	}

	row = tx.QueryRowContext(ctx, `
		UPDATE rides SET status = $2,
			started_at   = CASE WHEN $2 = 'in_progress' THEN $3 ELSE started_at END,
			completed_at = CASE WHEN $2 = 'completed'   THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $2 = 'cancelled'   THEN $3 ELSE cancelled_at END,
			cancel_reason = CASE WHEN $2 = 'cancelled' AND $4 <> '' THEN $4 ELSE cancel_reason END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+rideColumns, rideID, string(to), now, reason)
	updated, err := scanRide(row)
	if err != nil {
		return nil, err
	}

	if to.Terminal() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE vehicles SET active_request_id = NULL, updated_at = $2
			WHERE active_request_id = $1`, rideID, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

const vehicleColumns = `id, name, type, status, lat, lng, heading, speed_kph,
	location_at, features, route_id, driver_id, capacity, occupancy, active_request_id`

func (p *PostgresStore) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	// the active assignment is owned by the claim path, never by upserts
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vehicles (
			id, name, type, status, lat, lng, heading, speed_kph,
			location_at, features, route_id, driver_id, capacity, occupancy,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, status = EXCLUDED.status,
			lat = EXCLUDED.lat, lng = EXCLUDED.lng, heading = EXCLUDED.heading,
			speed_kph = EXCLUDED.speed_kph, location_at = EXCLUDED.location_at,
			features = EXCLUDED.features, route_id = EXCLUDED.route_id,
			driver_id = EXCLUDED.driver_id, capacity = EXCLUDED.capacity,
			occupancy = EXCLUDED.occupancy, updated_at = EXCLUDED.updated_at`,
		v.ID, v.Name, string(v.Type), string(v.Status),
		v.Location.Lat, v.Location.Lng, v.Heading, v.SpeedKPH,
		nullableTime(v.LocationAt), pq.Array(v.Features), v.RouteID, v.DriverID,
		v.Capacity, v.Occupancy, time.Now(),
	)
	return err
}

func scanVehicle(row rowScanner) (*models.Vehicle, error) {
	var v models.Vehicle
	var features pq.StringArray
	var routeID, driverID, activeRequestID sql.NullString
	var locationAt sql.NullTime

	err := row.Scan(
		&v.ID, &v.Name, &v.Type, &v.Status, &v.Location.Lat, &v.Location.Lng,
		&v.Heading, &v.SpeedKPH, &locationAt, &features, &routeID, &driverID,
		&v.Capacity, &v.Occupancy, &activeRequestID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Features = []string(features)
	v.RouteID = toStringPtr(routeID)
	v.DriverID = toStringPtr(driverID)
	v.ActiveRequestID = toStringPtr(activeRequestID)
	if locationAt.Valid {
		v.LocationAt = locationAt.Time
	}
	return &v, nil
}

func (p *PostgresStore) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id)
	return scanVehicle(row)
}

func (p *PostgresStore) GetVehicles(ctx context.Context, ids []string) ([]*models.Vehicle, error) {
	return p.queryVehicles(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ANY($1)`, pq.Array(ids))
}

func (p *PostgresStore) GetVehicleByDriver(ctx context.Context, driverID string) (*models.Vehicle, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE driver_id = $1 LIMIT 1`, driverID)
	return scanVehicle(row)
}

func (p *PostgresStore) ListVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	return p.queryVehicles(ctx, `SELECT `+vehicleColumns+` FROM vehicles ORDER BY id`)
}

func (p *PostgresStore) queryVehicles(ctx context.Context, query string, args ...any) ([]*models.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Vehicle, 0)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateVehicleLocation(ctx context.Context, pos models.VehiclePosition) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE vehicles SET lat = $2, lng = $3, heading = $4, speed_kph = $5,
			location_at = $6, updated_at = $6
		WHERE id = $1`,
		pos.VehicleID, pos.Location.Lat, pos.Location.Lng, pos.Heading, pos.SpeedKPH, pos.RecordedAt)
	return err
}

const notificationColumns = `id, recipient_id, broadcast, segment, type, title, body, data,
	priority, read, read_at, delivered, delivered_at, delivery_error,
	scheduled_for, expires_at, created_by, created_at`

func (p *PostgresStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	data, err := marshalData(n.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, recipient_id, broadcast, segment, type, title, body, data,
			priority, read, delivered, scheduled_for, expires_at, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		n.ID, n.RecipientID, n.Broadcast, n.Segment, n.Type, n.Title, n.Body, data,
		n.Priority, n.Read, n.Delivered, n.ScheduledFor, n.ExpiresAt, n.CreatedBy, n.CreatedAt)
	return err
}

func (p *PostgresStore) SaveNotifications(ctx context.Context, ns []*models.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notifications (
			id, recipient_id, broadcast, segment, type, title, body, data,
			priority, read, delivered, scheduled_for, expires_at, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, n := range ns {
		data, err := marshalData(n.Data)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.RecipientID, n.Broadcast, n.Segment, n.Type, n.Title, n.Body, data,
			n.Priority, n.Read, n.Delivered, n.ScheduledFor, n.ExpiresAt, n.CreatedBy, n.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	var data []byte
	var readAt, deliveredAt, scheduledFor, expiresAt sql.NullTime
	var deliveryErr sql.NullString

	err := row.Scan(
		&n.ID, &n.RecipientID, &n.Broadcast, &n.Segment, &n.Type, &n.Title, &n.Body, &data,
		&n.Priority, &n.Read, &readAt, &n.Delivered, &deliveredAt, &deliveryErr,
		&scheduledFor, &expiresAt, &n.CreatedBy, &n.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("notification %s data: %w", n.ID, err)
		}
	}
	n.ReadAt = toTimePtr(readAt)
	n.DeliveredAt = toTimePtr(deliveredAt)
	n.ScheduledFor = toTimePtr(scheduledFor)
	n.ExpiresAt = toTimePtr(expiresAt)
	if deliveryErr.Valid {
		n.DeliveryError = deliveryErr.String
	}
	return &n, nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, q NotificationQuery) ([]*models.Notification, int, error) {
	page, size := normalizePage(q.Page, q.Size)

	where := `recipient_id = $1`
	args := []any{q.RecipientID}
	if q.Type != "" {
		args = append(args, q.Type)
		where += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if q.UnreadOnly {
		where += ` AND read = FALSE`
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, size, (page-1)*size)
	rows, err := p.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE `+where+fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]*models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id, recipientID string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_id = $2`, id, recipientID, now)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE, read_at = $2
		WHERE recipient_id = $1 AND read = FALSE`, recipientID, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) DeleteNotification(ctx context.Context, id, recipientID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = FALSE`,
		recipientID).Scan(&n)
	return n, err
}

func (p *PostgresStore) SetDeliveryResult(ctx context.Context, id string, delivered bool, deliveryErr string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET delivered = $2,
			delivered_at = CASE WHEN $2 THEN $3 ELSE delivered_at END,
			delivery_error = NULLIF($4, '')
		WHERE id = $1`, id, delivered, now, deliveryErr)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) SaveDevice(ctx context.Context, d *models.Device) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, platform, token, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id, platform = EXCLUDED.platform,
			last_seen_at = EXCLUDED.last_seen_at`,
		d.ID, d.UserID, d.Platform, d.Token, d.CreatedAt, d.LastSeenAt)
	return err
}

func (p *PostgresStore) DeleteDevice(ctx context.Context, userID, token string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM devices WHERE user_id = $1 AND token = $2`, userID, token)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ListDevicesByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, platform, token, created_at, last_seen_at
		FROM devices WHERE user_id = $1 ORDER BY token`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

func (p *PostgresStore) ListDeviceUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM devices ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func collectDevices(rows *sql.Rows) ([]*models.Device, error) {
	out := make([]*models.Device, 0)
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	var pref models.Preferences
	var muted pq.StringArray
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, push_enabled, muted_types FROM preferences WHERE user_id = $1`,
		userID).Scan(&pref.UserID, &pref.PushEnabled, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Preferences{UserID: userID, PushEnabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	pref.MutedTypes = []string(muted)
	return &pref, nil
}

func (p *PostgresStore) SavePreferences(ctx context.Context, pref *models.Preferences) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, push_enabled, muted_types)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled = EXCLUDED.push_enabled, muted_types = EXCLUDED.muted_types`,
		pref.UserID, pref.PushEnabled, pq.Array(pref.MutedTypes))
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func marshalData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(data)
}

func toStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func toTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
