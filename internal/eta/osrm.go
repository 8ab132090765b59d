package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/city-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries OSRM /route between the points. The simplified geojson
// geometry becomes the estimate path.
func (o *OSRMClient) Route(ctx context.Context, from, to models.GeoPoint) (models.RouteEstimate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=simplified&geometries=geojson",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.RouteEstimate{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteEstimate{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteEstimate{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	est := models.RouteEstimate{DistanceMeters: r.Distance, DurationSeconds: r.Duration}
	for _, c := range r.Geometry.Coordinates {
		est.Path = append(est.Path, models.GeoPoint{Lat: c[1], Lng: c[0]})
	}
	return est, nil
}
