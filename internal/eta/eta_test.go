package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/city-dispatch/internal/models"
)

type stubOracle struct {
	est   models.RouteEstimate
	err   error
	calls int
}

func (s *stubOracle) Route(context.Context, models.GeoPoint, models.GeoPoint) (models.RouteEstimate, error) {
	s.calls++
	return s.est, s.err
}

func TestEstimateFallbackWithoutOracle(t *testing.T) {
	e := NewEstimator(nil, 24, 0, nil)
	from := models.GeoPoint{Lat: 40.0, Lng: -74.0}
	to := models.GeoPoint{Lat: 40.01, Lng: -74.0} // ~1112 m

	est := e.Estimate(context.Background(), from, to)
	if est.DistanceMeters < 1000 || est.DistanceMeters > 1300 {
		t.Fatalf("distance = %f", est.DistanceMeters)
	}
	// 1112 m at 24 km/h (6.67 m/s) is ~167 s
	if est.DurationSeconds < 150 || est.DurationSeconds > 190 {
		t.Fatalf("duration = %f", est.DurationSeconds)
	}
	if got := MinutesAway(est); got != 3 {
		t.Fatalf("MinutesAway = %d, want 3", got)
	}
}

func TestEstimateFallsBackWhenOracleFails(t *testing.T) {
	o := &stubOracle{err: errors.New("boom")}
	e := NewEstimator(o, 24, time.Minute, nil)
	from := models.GeoPoint{Lat: 40.0, Lng: -74.0}
	to := models.GeoPoint{Lat: 40.01, Lng: -74.0}

	est := e.Estimate(context.Background(), from, to)
	if est.DistanceMeters == 0 {
		t.Fatal("expected straight-line fallback, got zero estimate")
	}
	if o.calls != 1 {
		t.Fatalf("oracle calls = %d", o.calls)
	}
}

func TestEstimateCachesOracleResults(t *testing.T) {
	o := &stubOracle{est: models.RouteEstimate{DistanceMeters: 2000, DurationSeconds: 300}}
	e := NewEstimator(o, 24, time.Minute, nil)
	from := models.GeoPoint{Lat: 40.0, Lng: -74.0}
	to := models.GeoPoint{Lat: 40.02, Lng: -74.0}

	for i := 0; i < 3; i++ {
		est := e.Estimate(context.Background(), from, to)
		if est.DurationSeconds != 300 {
			t.Fatalf("duration = %f", est.DurationSeconds)
		}
	}
	if o.calls != 1 {
		t.Fatalf("oracle calls = %d, want 1 (cached)", o.calls)
	}
}

func TestMinutesAwayFloorsAtOne(t *testing.T) {
	if got := MinutesAway(models.RouteEstimate{DurationSeconds: 0}); got != 1 {
		t.Fatalf("zero duration -> %d, want 1", got)
	}
	if got := MinutesAway(models.RouteEstimate{DurationSeconds: 59}); got != 1 {
		t.Fatalf("59s -> %d, want 1", got)
	}
	if got := MinutesAway(models.RouteEstimate{DurationSeconds: 61}); got != 2 {
		t.Fatalf("61s -> %d, want 2", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.GeoPoint{Lat: 1, Lng: 1}
	b := models.GeoPoint{Lat: 2, Lng: 2}
	c.Set(a, b, models.RouteEstimate{DurationSeconds: 42})
	if _, ok := c.Get(a, b); !ok {
		t.Fatal("expected hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expiry")
	}
}

func TestOSRMClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/-74.000000,40.000000;-74.000000,40.010000" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":180,"distance":1500,"geometry":{"coordinates":[[-74.0,40.0],[-74.0,40.01]]}}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	est, err := c.Route(context.Background(), models.GeoPoint{Lat: 40, Lng: -74}, models.GeoPoint{Lat: 40.01, Lng: -74})
	if err != nil {
		t.Fatal(err)
	}
	if est.DurationSeconds != 180 || est.DistanceMeters != 1500 {
		t.Fatalf("est = %+v", est)
	}
	if len(est.Path) != 2 || est.Path[1].Lat != 40.01 {
		t.Fatalf("path = %+v", est.Path)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	if _, err := c.Route(context.Background(), models.GeoPoint{Lat: 1, Lng: 1}, models.GeoPoint{Lat: 2, Lng: 2}); err == nil {
		t.Fatal("expected error")
	}
}
