package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/city-dispatch/internal/models"
)

// Candidate is a vehicle position returned from a proximity query,
// nearest first.
type Candidate struct {
	VehicleID      string
	Location       models.GeoPoint
	DistanceMeters float64
}

// Index answers "which vehicles are near this point". It stores positions
// only; vehicle capabilities and status live in the registry.
type Index interface {
	Upsert(ctx context.Context, pos models.VehiclePosition) error
	Near(ctx context.Context, origin models.GeoPoint, radiusMeters float64, limit int) ([]Candidate, error)
	Remove(ctx context.Context, vehicleID string) error
}

// MemoryIndex is a mutex-guarded map scan. It serves tests and single-node
// runs; Redis takes over when an address is configured.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]models.VehiclePosition
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]models.VehiclePosition)}
}

func (g *MemoryIndex) Upsert(_ context.Context, pos models.VehiclePosition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[pos.VehicleID] = pos
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, vehicleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, vehicleID)
	return nil
}

// naive scan; fine for a municipal fleet, Redis GEO covers bigger ones
func (g *MemoryIndex) Near(_ context.Context, origin models.GeoPoint, radiusMeters float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.positions))
	for _, p := range g.positions {
		dist := HaversineMeters(origin, p.Location)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, Candidate{VehicleID: p.VehicleID, Location: p.Location, DistanceMeters: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceMeters < arr[minIdx].DistanceMeters {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(a, b models.GeoPoint) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
