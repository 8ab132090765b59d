package rides

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/eta"
	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/hub"
	"github.com/example/city-dispatch/internal/logging"
	"github.com/example/city-dispatch/internal/matcher"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/storage"
)

var (
	pickup  = models.GeoPoint{Lat: 40.71, Lng: -74.0}
	dropoff = models.GeoPoint{Lat: 40.72, Lng: -74.01}
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []*models.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeNotifier) NotifyMany(_ context.Context, ns []*models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, ns...)
	return nil
}

func (f *fakeNotifier) ofType(typ string) []*models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Notification
	for _, n := range f.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fakeRealtime struct {
	mu         sync.Mutex
	toUser     map[string][]hub.Message
	broadcasts map[string][]hub.Message
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{toUser: make(map[string][]hub.Message), broadcasts: make(map[string][]hub.Message)}
}

func (f *fakeRealtime) SendToUser(userID string, msg hub.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser[userID] = append(f.toUser[userID], msg)
	return 1
}

func (f *fakeRealtime) Broadcast(channel string, msg hub.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[channel] = append(f.broadcasts[channel], msg)
	return 1
}

func (f *fakeRealtime) userMessages(userID string) []hub.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hub.Message(nil), f.toUser[userID]...)
}

func (f *fakeRealtime) channelMessages(channel string) []hub.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hub.Message(nil), f.broadcasts[channel]...)
}

type fakePublisher struct {
	mu        sync.Mutex
	positions []models.VehiclePosition
}

func (f *fakePublisher) Publish(_ context.Context, pos models.VehiclePosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, pos)
	return nil
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	index    *geo.MemoryIndex
	notifier *fakeNotifier
	realtime *fakeRealtime
	producer *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	index := geo.NewMemoryIndex()
	producer := &fakePublisher{}
	notifier := &fakeNotifier{}
	realtime := newFakeRealtime()
	svc := &Service{
		Rides:     store,
		Vehicles:  store,
		Geo:       index,
		Match:     matcher.New(index, store, store, 5000, 8),
		ETA:       eta.NewEstimator(nil, 24, 0, logging.Nop()),
		Notifier:  notifier,
		Realtime:  realtime,
		Positions: producer,
		AdminIDs:  []string{"admin-1"},
		Logger:    logging.Nop(),
	}
	return &fixture{svc: svc, store: store, index: index, notifier: notifier, realtime: realtime, producer: producer}
}

func identity(userID string, roles ...string) auth.Identity {
	return auth.Identity{UserID: userID, Name: userID, Roles: roles}
}

func (f *fixture) seedVehicle(t *testing.T, id, driverID string, at models.GeoPoint, features ...string) *models.Vehicle {
	t.Helper()
	v := &models.Vehicle{
		ID:       id,
		Name:     "Cart " + id,
		Type:     models.VehicleCourtesy,
		Status:   models.VehicleActive,
		Location: at,
		DriverID: &driverID,
		Features: features,
		Capacity: 4,
	}
	if err := f.store.UpsertVehicle(context.Background(), v); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}
	err := f.index.Upsert(context.Background(), models.VehiclePosition{VehicleID: id, Location: at, RecordedAt: time.Now()})
	if err != nil {
		t.Fatalf("seed geo: %v", err)
	}
	return v
}

func (f *fixture) createRide(t *testing.T, rider auth.Identity, features ...string) *models.RideRequest {
	t.Helper()
	r, _, err := f.svc.Create(context.Background(), rider, CreateInput{
		Pickup:   StopInput{Location: pickup, Address: "Visitor Center"},
		Dropoff:  StopInput{Location: dropoff, Address: "North Garage"},
		Features: features,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestCreatePendingWithNoAssignment(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", models.GeoPoint{Lat: 40.715, Lng: -74.0})

	r, wait, err := f.svc.Create(context.Background(), identity("rider-1", auth.RoleRider), CreateInput{
		Pickup:     StopInput{Location: pickup},
		Dropoff:    StopInput{Location: dropoff},
		Passengers: 2,
		Features:   []string{models.FeatureChildSeat, models.FeatureChildSeat},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != models.RidePending || r.VehicleID != nil || r.DriverID != nil {
		t.Fatalf("new request = %+v, want pending and unassigned", r)
	}
	if len(r.Features) != 1 {
		t.Fatalf("features not deduplicated: %v", r.Features)
	}
	if wait == nil || wait.Minutes < 1 || wait.Candidates != 1 {
		t.Fatalf("wait estimate = %+v, want at least a minute from one candidate", wait)
	}
	if got := f.notifier.ofType(models.NotifyNoCapacity); len(got) != 0 {
		t.Fatal("capacity alert fired with a candidate in range")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing pickup", CreateInput{Dropoff: StopInput{Location: dropoff}}},
		{"bad dropoff", CreateInput{Pickup: StopInput{Location: pickup}, Dropoff: StopInput{Location: models.GeoPoint{Lat: 99, Lng: 200}}}},
		{"negative passengers", CreateInput{Pickup: StopInput{Location: pickup}, Dropoff: StopInput{Location: dropoff}, Passengers: -1}},
		{"blank feature", CreateInput{Pickup: StopInput{Location: pickup}, Dropoff: StopInput{Location: dropoff}, Features: []string{" "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.Create(context.Background(), identity("rider-1", auth.RoleRider), tc.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCreateWithoutCapacityAlertsAdmins(t *testing.T) {
	f := newFixture(t)

	r, wait, err := f.svc.Create(context.Background(), identity("rider-1", auth.RoleRider), CreateInput{
		Pickup:  StopInput{Location: pickup},
		Dropoff: StopInput{Location: dropoff},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wait != nil {
		t.Fatalf("wait estimate = %+v, want none with an empty fleet", wait)
	}
	alerts := f.notifier.ofType(models.NotifyNoCapacity)
	if len(alerts) != 1 || alerts[0].RecipientID != "admin-1" {
		t.Fatalf("capacity alerts = %+v, want one for admin-1", alerts)
	}
	if alerts[0].Data["ride_id"] != r.ID {
		t.Fatalf("alert data = %v, want ride id", alerts[0].Data)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	drivers := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	for i, d := range drivers {
		f.seedVehicle(t, "v"+d, d, models.GeoPoint{Lat: 40.711 + float64(i)*0.001, Lng: -74.0})
	}
	r := f.createRide(t, identity("rider-1", auth.RoleRider))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, d := range drivers {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Claim(context.Background(), d, r.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, *got.DriverID)
				return
			}
			var ce *ConflictError
			if !errors.As(err, &ce) {
				t.Errorf("loser got %v, want conflict", err)
				return
			}
			if ce.Current == nil || ce.Current.Status != models.RideAccepted {
				t.Errorf("conflict carried %+v, want the accepted state", ce.Current)
			}
			conflicts++
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	if conflicts != len(drivers)-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, len(drivers)-1)
	}

	final, err := f.store.GetRide(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if final.Status != models.RideAccepted || *final.DriverID != winners[0] {
		t.Fatalf("final state %+v does not match winner %s", final, winners[0])
	}
	if accepted := f.notifier.ofType(models.NotifyRideAccepted); len(accepted) != 1 || accepted[0].RecipientID != "rider-1" {
		t.Fatalf("rider notifications = %+v, want exactly one", accepted)
	}
}

func TestClaimCapabilityRevalidation(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", pickup)
	r := f.createRide(t, identity("rider-1", auth.RoleRider), models.FeatureWheelchairAccessible)

	_, err := f.svc.Claim(context.Background(), "d1", r.ID)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error", err)
	}
	got, _ := f.store.GetRide(context.Background(), r.ID)
	if got.Status != models.RidePending {
		t.Fatalf("status = %s, want still pending after rejected claim", got.Status)
	}
}

func TestClaimRequiresDispatchableVehicle(t *testing.T) {
	f := newFixture(t)
	r := f.createRide(t, identity("rider-1", auth.RoleRider))

	_, err := f.svc.Claim(context.Background(), "ghost-driver", r.ID)
	var ae *AuthzError
	if !errors.As(err, &ae) {
		t.Fatalf("driver without vehicle: err = %v, want authz error", err)
	}

	v := f.seedVehicle(t, "v1", "d1", pickup)
	v.Status = models.VehicleMaintenance
	if err := f.store.UpsertVehicle(context.Background(), v); err != nil {
		t.Fatalf("update vehicle: %v", err)
	}
	_, err = f.svc.Claim(context.Background(), "d1", r.ID)
	if !errors.As(err, &ae) {
		t.Fatalf("maintenance vehicle: err = %v, want authz error", err)
	}
}

func TestVehicleExclusivityAcrossRides(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", pickup)
	first := f.createRide(t, identity("rider-1", auth.RoleRider))
	second := f.createRide(t, identity("rider-2", auth.RoleRider))

	if _, err := f.svc.Claim(context.Background(), "d1", first.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := f.svc.Claim(context.Background(), "d1", second.ID)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second claim: err = %v, want conflict while vehicle is busy", err)
	}
	if ce.Current == nil || ce.Current.Status != models.RidePending {
		t.Fatalf("conflict carried %+v, want the still-pending second request", ce.Current)
	}

	if _, err := f.svc.Complete(context.Background(), "d1", first.ID); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if _, err := f.svc.Claim(context.Background(), "d1", second.ID); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestStartAndCompleteGuards(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", pickup)
	r := f.createRide(t, identity("rider-1", auth.RoleRider))

	if _, err := f.svc.Start(context.Background(), "d1", r.ID); err == nil {
		t.Fatal("start before claim should fail")
	}

	if _, err := f.svc.Claim(context.Background(), "d1", r.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	var ae *AuthzError
	if _, err := f.svc.Start(context.Background(), "d2", r.ID); !errors.As(err, &ae) {
		t.Fatalf("foreign driver start: err = %v, want authz error", err)
	}

	started, err := f.svc.Start(context.Background(), "d1", r.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != models.RideInProgress || started.StartedAt == nil {
		t.Fatalf("started = %+v, want in_progress with timestamp", started)
	}

	done, err := f.svc.Complete(context.Background(), "d1", r.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.RideCompleted || done.CompletedAt == nil {
		t.Fatalf("done = %+v, want completed with timestamp", done)
	}

	_, err = f.svc.Complete(context.Background(), "d1", r.ID)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("double complete: err = %v, want conflict", err)
	}
	if ce.Current == nil || ce.Current.Status != models.RideCompleted {
		t.Fatalf("conflict carried %+v, want completed state", ce.Current)
	}

	if completed := f.notifier.ofType(models.NotifyRideCompleted); len(completed) != 1 {
		t.Fatalf("completion notifications = %d, want 1", len(completed))
	}
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", pickup)
	r := f.createRide(t, identity("rider-1", auth.RoleRider))

	var ae *AuthzError
	if _, err := f.svc.Cancel(context.Background(), identity("rider-2", auth.RoleRider), r.ID, ""); !errors.As(err, &ae) {
		t.Fatalf("stranger cancel: err = %v, want authz error", err)
	}

	if _, err := f.svc.Claim(context.Background(), "d1", r.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cancelled, err := f.svc.Cancel(context.Background(), identity("admin-1", auth.RoleAdmin), r.ID, "event flooded")
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if cancelled.Status != models.RideCancelled || cancelled.CancelReason != "event flooded" || cancelled.CancelledAt == nil {
		t.Fatalf("cancelled = %+v, want reason and timestamp stamped", cancelled)
	}

	v, err := f.store.GetVehicle(context.Background(), "v1")
	if err != nil {
		t.Fatalf("get vehicle: %v", err)
	}
	if v.ActiveRequestID != nil {
		t.Fatal("cancel left the vehicle assigned")
	}

	notes := f.notifier.ofType(models.NotifyRideCancelled)
	recipients := make(map[string]bool, len(notes))
	for _, n := range notes {
		recipients[n.RecipientID] = true
	}
	if !recipients["d1"] || !recipients["rider-1"] {
		t.Fatalf("cancel notified %v, want the driver and the rider", recipients)
	}

	firstStamp := *cancelled.CancelledAt
	_, err = f.svc.Cancel(context.Background(), identity("rider-1", auth.RoleRider), r.ID, "changed my mind")
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("double cancel: err = %v, want conflict", err)
	}
	again, _ := f.store.GetRide(context.Background(), r.ID)
	if again.CancelReason != "event flooded" || !again.CancelledAt.Equal(firstStamp) {
		t.Fatalf("second cancel mutated the record: %+v", again)
	}
}

func TestGetEnrichesAssignedRide(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", models.GeoPoint{Lat: 40.715, Lng: -74.0})
	r := f.createRide(t, identity("rider-1", auth.RoleRider))

	var ae *AuthzError
	if _, err := f.svc.Get(context.Background(), identity("rider-2", auth.RoleRider), r.ID); !errors.As(err, &ae) {
		t.Fatalf("stranger get: err = %v, want authz error", err)
	}

	view, err := f.svc.Get(context.Background(), identity("rider-1", auth.RoleRider), r.ID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if view.Vehicle != nil || view.ETAMinutes != 0 {
		t.Fatalf("pending view = %+v, want no vehicle enrichment", view)
	}

	if _, err := f.svc.Claim(context.Background(), "d1", r.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	view, err = f.svc.Get(context.Background(), identity("rider-1", auth.RoleRider), r.ID)
	if err != nil {
		t.Fatalf("get accepted: %v", err)
	}
	if view.Vehicle == nil || view.Vehicle.ID != "v1" {
		t.Fatalf("view vehicle = %+v, want v1 summary", view.Vehicle)
	}
	if view.ETAMinutes < 1 || view.Route == nil {
		t.Fatalf("view eta = %d route = %+v, want live estimate", view.ETAMinutes, view.Route)
	}

	if _, err := f.svc.Get(context.Background(), identity("d1", auth.RoleDriver), r.ID); err != nil {
		t.Fatalf("assigned driver get: %v", err)
	}
}

func TestUpdateVehicleLocationFlow(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", pickup)
	r := f.createRide(t, identity("rider-1", auth.RoleRider))
	if _, err := f.svc.Claim(context.Background(), "d1", r.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.realtime.mu.Lock()
	f.realtime.toUser = make(map[string][]hub.Message)
	f.realtime.mu.Unlock()

	var ae *AuthzError
	if _, err := f.svc.UpdateVehicleLocation(context.Background(), "ghost", LocationInput{Location: pickup}); !errors.As(err, &ae) {
		t.Fatalf("driverless update: err = %v, want authz error", err)
	}
	var ve *ValidationError
	if _, err := f.svc.UpdateVehicleLocation(context.Background(), "d1", LocationInput{Location: models.GeoPoint{Lat: 91}}); !errors.As(err, &ve) {
		t.Fatalf("bad location: err = %v, want validation error", err)
	}

	fix := LocationInput{Location: models.GeoPoint{Lat: 40.712, Lng: -74.002}, Heading: 270, SpeedKPH: 19}
	v, err := f.svc.UpdateVehicleLocation(context.Background(), "d1", fix)
	if err != nil {
		t.Fatalf("UpdateVehicleLocation: %v", err)
	}
	if v.Location != fix.Location || v.Heading != 270 {
		t.Fatalf("returned vehicle = %+v, want the new fix", v)
	}

	stored, _ := f.store.GetVehicle(context.Background(), "v1")
	if stored.Location != fix.Location || stored.SpeedKPH != 19 {
		t.Fatalf("registry vehicle = %+v, want the new fix", stored)
	}

	f.producer.mu.Lock()
	published := len(f.producer.positions)
	f.producer.mu.Unlock()
	if published != 1 {
		t.Fatalf("published positions = %d, want 1", published)
	}

	public := f.realtime.channelMessages(UpdatesChannel)
	if len(public) != 1 || public[0].Type != hub.TypeUpdate {
		t.Fatalf("public updates = %+v, want one transportation update", public)
	}
	var bare positionUpdate
	if err := json.Unmarshal(public[0].Data, &bare); err != nil {
		t.Fatalf("unmarshal public update: %v", err)
	}
	if bare.VehicleID != "v1" || bare.RideID != "" {
		t.Fatalf("public update = %+v, want bare fix without ride context", bare)
	}

	direct := f.realtime.userMessages("rider-1")
	if len(direct) != 1 {
		t.Fatalf("rider updates = %d, want 1", len(direct))
	}
	var enriched positionUpdate
	if err := json.Unmarshal(direct[0].Data, &enriched); err != nil {
		t.Fatalf("unmarshal rider update: %v", err)
	}
	if enriched.RideID != r.ID || enriched.ETAMinutes < 1 {
		t.Fatalf("rider update = %+v, want ride context and an ETA", enriched)
	}
}

func TestListWorkRequiresActiveVehicle(t *testing.T) {
	f := newFixture(t)
	f.createRide(t, identity("rider-1", auth.RoleRider))

	var ae *AuthzError
	if _, err := f.svc.ListWork(context.Background(), "ghost"); !errors.As(err, &ae) {
		t.Fatalf("err = %v, want authz error", err)
	}

	f.seedVehicle(t, "v1", "d1", pickup)
	work, err := f.svc.ListWork(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ListWork: %v", err)
	}
	if len(work) != 1 {
		t.Fatalf("work = %d entries, want 1", len(work))
	}
}

func TestListMineAndAssigned(t *testing.T) {
	f := newFixture(t)
	f.seedVehicle(t, "v1", "d1", pickup)
	r := f.createRide(t, identity("rider-1", auth.RoleRider))
	f.createRide(t, identity("rider-2", auth.RoleRider))
	if _, err := f.svc.Claim(context.Background(), "d1", r.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	mine, err := f.svc.ListMine(context.Background(), "rider-1", 0)
	if err != nil {
		t.Fatalf("ListMine: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != r.ID {
		t.Fatalf("mine = %+v, want just rider-1's request", mine)
	}

	assigned, err := f.svc.ListAssigned(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("ListAssigned: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ID != r.ID {
		t.Fatalf("assigned = %+v, want the claimed request", assigned)
	}
}
