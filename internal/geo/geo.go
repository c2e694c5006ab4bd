package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/order-dispatch/internal/models"
)

// EarthRadiusKm is the mean radius used by HaversineKm.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Position is a rider's last fix and its distance from a query point.
type Position struct {
	RiderID    string       `json:"rider_id"`
	Coord      models.Coord `json:"location"`
	DistanceKm float64      `json:"distance_km"`
}

// PositionIndex mirrors rider positions for radius lookups. The store stays
// the source of truth; the index may lag it.
type PositionIndex interface {
	Upsert(ctx context.Context, riderID string, c models.Coord) error
	Remove(ctx context.Context, riderID string) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Position, error)
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, riderID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[riderID] = c
	return nil
}

func (g *Index) Remove(_ context.Context, riderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, riderID)
	return nil
}

// Nearby scans every position. limit <= 0 means no limit.
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]Position, error) {
	g.mu.RLock()
	out := make([]Position, 0, len(g.positions))
	for id, c := range g.positions {
		d := HaversineKm(center, c)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, Position{RiderID: id, Coord: c, DistanceKm: d})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].RiderID < out[j].RiderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
