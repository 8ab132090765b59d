package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/city-dispatch/internal/models"
)

// GoogleOracle resolves routes through the Google Maps Directions API.
type GoogleOracle struct {
	client *maps.Client
}

func NewGoogleOracle(apiKey string) (*GoogleOracle, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleOracle{client: client}, nil
}

func (g *GoogleOracle) Route(ctx context.Context, from, to models.GeoPoint) (models.RouteEstimate, error) {
	r := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lng),
		Destination: fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lng),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.RouteEstimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.RouteEstimate{}, fmt.Errorf("no route found")
	}
	leg := routes[0].Legs[0]
	est := models.RouteEstimate{
		DistanceMeters:  float64(leg.Distance.Meters),
		DurationSeconds: leg.Duration.Seconds(),
	}
	if pts, err := routes[0].OverviewPolyline.Decode(); err == nil {
		for _, p := range pts {
			est.Path = append(est.Path, models.GeoPoint{Lat: p.Lat, Lng: p.Lng})
		}
	}
	return est, nil
}
