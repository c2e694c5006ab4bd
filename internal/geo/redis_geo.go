package geo

import (
	"context"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/example/order-dispatch/internal/models"
)

// RedisIndex implements PositionIndex with Redis GEO commands on a single key.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = "riders:geo"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, riderID string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: riderID, Longitude: c.Lon, Latitude: c.Lat}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, riderID string) error {
	return r.client.ZRem(ctx, r.key, riderID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Position, error) {
	if radiusKm <= 0 {
		// GEOSEARCH needs a radius; half the circumference covers the globe
		radiusKm = math.Pi * EarthRadiusKm
	}
	if limit < 0 {
		limit = 0
	}
	q :=&redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		out = append(out, Position{
			RiderID:    g.Name,
			Coord:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}
