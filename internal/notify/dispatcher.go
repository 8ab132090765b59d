package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/city-dispatch/internal/hub"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/observability"
	"github.com/example/city-dispatch/internal/storage"
)

const (
	// persistChunkSize bounds one batch insert during broadcast fan-out.
	persistChunkSize = 100
	// deliveryWorkers bounds concurrent per-recipient delivery.
	deliveryWorkers = 8
)

// RealtimeSender fans one message out to a user's live sockets and reports
// how many accepted it.
type RealtimeSender interface {
	SendToUser(userID string, msg hub.Message) int
}

// Dispatcher persists notifications and then delivers them best-effort over
// the hub and the push endpoint. Persistence failures propagate; delivery
// failures never do, the stored record is the fallback a recipient can
// always re-fetch.
type Dispatcher struct {
	Notifications storage.NotificationStore
	Devices       storage.DeviceStore
	Realtime      RealtimeSender
	Pusher        Pusher
	Logger        *slog.Logger
}

func NewDispatcher(notifications storage.NotificationStore, devices storage.DeviceStore, realtime RealtimeSender, pusher Pusher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Notifications: notifications,
		Devices:       devices,
		Realtime:      realtime,
		Pusher:        pusher,
		Logger:        logger,
	}
}

// Notify persists one notification, then delivers it.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) error {
	d.prepare(n)
	if err := d.Notifications.SaveNotification(ctx, n); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}
	d.deliver(ctx, n)
	return nil
}

// NotifyMany persists a batch in chunks, then delivers every record with
// bounded parallelism. A recipient whose delivery fails does not affect the
// others.
func (d *Dispatcher) NotifyMany(ctx context.Context, ns []*models.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	for _, n := range ns {
		d.prepare(n)
	}
	for start := 0; start < len(ns); start += persistChunkSize {
		end := min(start+persistChunkSize, len(ns))
		if err := d.Notifications.SaveNotifications(ctx, ns[start:end]); err != nil {
			return fmt.Errorf("persist notifications: %w", err)
		}
	}

	sem := make(chan struct{}, deliveryWorkers)
	var wg sync.WaitGroup
	for _, n := range ns {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, n)
		}()
	}
	wg.Wait()
	return nil
}

// BroadcastInput describes an announcement fanned out to every user with a
// registered device. Segment is recorded on each notification for later
// filtering; recipient selection itself is device registration.
type BroadcastInput struct {
	Segment   string
	Type      string
	Title     string
	Body      string
	Data      map[string]any
	Priority  string
	CreatedBy string
}

// Broadcast builds one notification per recipient and runs the batch
// pipeline. It returns the recipient count.
func (d *Dispatcher) Broadcast(ctx context.Context, in BroadcastInput) (int, error) {
	recipients, err := d.Devices.ListDeviceUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list broadcast recipients: %w", err)
	}
	if in.Type == "" {
		in.Type = models.NotifyAnnouncement
	}
	ns := make([]*models.Notification, 0, len(recipients))
	for _, uid := range recipients {
		ns = append(ns, &models.Notification{
			RecipientID: uid,
			Broadcast:   true,
			Segment:     in.Segment,
			Type:        in.Type,
			Title:       in.Title,
			Body:        in.Body,
			Data:        in.Data,
			Priority:    in.Priority,
			CreatedBy:   in.CreatedBy,
		})
	}
	if err := d.NotifyMany(ctx, ns); err != nil {
		return 0, err
	}
	return len(ns), nil
}

func (d *Dispatcher) prepare(n *models.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
}

// deliver attempts hub and push delivery for one recipient and records the
// outcome on the stored row. Nothing here returns an error.
func (d *Dispatcher) deliver(ctx context.Context, n *models.Notification) {
	live := 0
	if d.Realtime != nil {
		live = d.Realtime.SendToUser(n.RecipientID, hub.NewMessage(hub.TypeNotification, "", n))
		if live > 0 {
			observability.NotificationsTotal.WithLabelValues("ws", "sent").Inc()
		}
	}

	pushed, pushErr := d.push(ctx, n)

	delivered := live > 0 || pushed
	errMsg := ""
	if !delivered && pushErr != nil {
		errMsg = pushErr.Error()
	}
	if err := d.Notifications.SetDeliveryResult(ctx, n.ID, delivered, errMsg, time.Now().UTC()); err != nil && d.Logger != nil {
		d.Logger.Warn("record delivery result", "notification", n.ID, "err", err)
	}
}

// push fans one notification out to the recipient's devices, grouped by
// platform. Mutes apply to push only.
func (d *Dispatcher) push(ctx context.Context, n *models.Notification) (bool, error) {
	if d.Pusher == nil {
		return false, nil
	}
	prefs, err := d.Devices.GetPreferences(ctx, n.RecipientID)
	if err == nil && prefs.PushMuted(n.Type) {
		observability.NotificationsTotal.WithLabelValues("push", "muted").Inc()
		return false, nil
	}
	devices, err := d.Devices.ListDevicesByUser(ctx, n.RecipientID)
	if err != nil {
		return false, fmt.Errorf("list devices: %w", err)
	}

	byPlatform := make(map[string][]*models.Device)
	for _, dev := range devices {
		byPlatform[dev.Platform] = append(byPlatform[dev.Platform], dev)
	}

	platforms := make([]string, 0, len(byPlatform))
	for p := range byPlatform {
		platforms = append(platforms, p)
	}
	slices.Sort(platforms)

	pushed := false
	var lastErr error
	for _, platform := range platforms {
		for _, dev := range byPlatform[platform] {
			if err := d.Pusher.Push(ctx, dev, n); err != nil {
				lastErr = err
				observability.NotificationsTotal.WithLabelValues("push", "failed").Inc()
				if d.Logger != nil {
					d.Logger.Warn("push delivery failed", "notification", n.ID, "platform", platform, "err", err)
				}
				continue
			}
			pushed = true
			observability.NotificationsTotal.WithLabelValues("push", "sent").Inc()
		}
	}
	return pushed, lastErr
}
