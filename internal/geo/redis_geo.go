package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/city-dispatch/internal/models"
)

// RedisGeo implements Index on Redis GEO commands so several API nodes and
// the Kafka consumer share one position set.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoWithClient is used by the consumer, which owns its client.
func NewRedisGeoWithClient(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, pos models.VehiclePosition) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: pos.Location.Lng,
		Latitude:  pos.Location.Lat,
		Name:      pos.VehicleID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(pos.VehicleID), map[string]interface{}{
		"heading":  strconv.FormatFloat(pos.Heading, 'f', -1, 64),
		"speedKPH": strconv.FormatFloat(pos.SpeedKPH, 'f', -1, 64),
		"recorded": pos.RecordedAt.UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, vehicleID string) error {
	if err := r.client.ZRem(ctx, r.key, vehicleID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(vehicleID)).Err()
}

func (r *RedisGeo) Near(ctx context.Context, origin models.GeoPoint, radiusMeters float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lng,
			Latitude:   origin.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{
			VehicleID:      g.Name,
			Location:       models.GeoPoint{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "vehicle:meta:" + id }
