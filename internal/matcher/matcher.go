package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/observability"
	"github.com/example/city-dispatch/internal/storage"
)

// ErrNoActiveVehicle means the driver has no assigned, active vehicle and
// therefore cannot see or claim work.
var ErrNoActiveVehicle = errors.New("matcher: no active vehicle for driver")

// Candidate pairs a dispatchable vehicle with its distance from a pickup.
type Candidate struct {
	Vehicle        *models.Vehicle
	DistanceMeters float64
}

// Service finds vehicles for requests and requests for drivers. It never
// assigns anything; drivers claim work themselves.
type Service struct {
	Geo           geo.Index
	Vehicles      storage.VehicleStore
	Rides         storage.RideStore
	RadiusMeters  float64
	MaxCandidates int
}

func New(g geo.Index, vehicles storage.VehicleStore, rides storage.RideStore, radiusMeters float64, maxCandidates int) *Service {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	if maxCandidates <= 0 {
		maxCandidates = 8
	}
	return &Service{Geo: g, Vehicles: vehicles, Rides: rides, RadiusMeters: radiusMeters, MaxCandidates: maxCandidates}
}

// CandidateVehicles returns dispatchable courtesy vehicles near the pickup,
// nearest first. The geo index tracks every vehicle that reports positions,
// so results are joined with the registry and filtered to courtesy vehicles
// that are active and staffed.
func (s *Service) CandidateVehicles(ctx context.Context, pickup models.GeoPoint) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	// oversample; the registry filter below discards buses, PRT pods and
	// anything parked without a driver
	near, err := s.Geo.Near(ctx, pickup, s.RadiusMeters, s.MaxCandidates*4)
	if err != nil {
		return nil, err
	}
	if len(near) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(near))
	for _, c := range near {
		ids = append(ids, c.VehicleID)
	}
	vehicles, err := s.Vehicles.GetVehicles(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Vehicle, len(vehicles))
	for _, v := range vehicles {
		byID[v.ID] = v
	}

	out := make([]Candidate, 0, s.MaxCandidates)
	for _, c := range near {
		v, ok := byID[c.VehicleID]
		if !ok || !v.Dispatchable() {
			continue
		}
		out = append(out, Candidate{Vehicle: v, DistanceMeters: c.DistanceMeters})
		if len(out) == s.MaxCandidates {
			break
		}
	}
	return out, nil
}

// WorkFor lists the pending requests the driver's vehicle can serve, oldest
// pickup time first. Requests asking for features the vehicle lacks are
// filtered out; zero-feature requests match any vehicle.
func (s *Service) WorkFor(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	v, err := s.Vehicles.GetVehicleByDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveVehicle
	}
	if err != nil {
		return nil, err
	}
	if v.Status != models.VehicleActive {
		return nil, ErrNoActiveVehicle
	}
	caps := v.Features
	if caps == nil {
		caps = []string{}
	}
	return s.Rides.ListPendingRides(ctx, caps)
}
