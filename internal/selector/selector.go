// Package selector chooses which riders a sub-order is offered to. It only
// reads; every write stays with the dispatch coordinator.
package selector

import (
	"context"
	"fmt"

	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/models"
)

// Source is the read side the selector needs. storage.Repo and storage.Tx
// both satisfy it.
type Source interface {
	ListOnlineAvailableWithLocation(ctx context.Context) ([]models.Rider, error)
	ListAffiliated(ctx context.Context, restaurantID string) ([]models.Rider, error)
	CountActiveByRider(ctx context.Context, riderIDs []string) (map[string]int, error)
	RejectedRiders(ctx context.Context, subOrderID string) ([]string, error)
}

type Request struct {
	SubOrderID   string
	RestaurantID string
	Restaurant   *models.Coord // nil when the restaurant has no coordinates
	Strategy     models.Strategy
	Exclude      []string
}

// Candidate is a chosen rider. DistanceKm is only meaningful when HasDistance is set.
type Candidate struct {
	Rider       models.Rider
	DistanceKm  float64
	HasDistance bool
}

// Exclude drops every rider whose id is in ids, keeping the original order.
func Exclude(riders []models.Rider, ids map[string]bool) []models.Rider {
	if len(ids) == 0 {
		return riders
	}
	out := make([]models.Rider, 0, len(riders))
	for _, r := range riders {
		if !ids[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// Nearest ranks riders by distance to the restaurant. Riders without a fix
// are skipped; if nobody has one the first rider is returned.
func Nearest(riders []models.Rider, restaurant models.Coord) (Candidate, bool) {
	if len(riders) == 0 {
		return Candidate{}, false
	}
	var (
		best  Candidate
		found bool
	)
	for _, r := range riders {
		if r.Location == nil {
			continue
		}
		d := geo.HaversineKm(restaurant, *r.Location)
		if !found || d < best.DistanceKm {
			best = Candidate{Rider: r, DistanceKm: d, HasDistance: true}
			found = true
		}
	}
	if !found {
		return Candidate{Rider: riders[0]}, true
	}
	return best, true
}

// LeastLoaded picks the rider with the fewest active sub-orders. Ties keep
// list order.
func LeastLoaded(riders []models.Rider, load map[string]int) (Candidate, bool) {
	if len(riders) == 0 {
		return Candidate{}, false
	}
	best := riders[0]
	for _, r := range riders[1:] {
		if load[r.ID] < load[best.ID] {
			best = r
		}
	}
	return Candidate{Rider: best}, true
}

func exclusions(ctx context.Context, src Source, req Request) (map[string]bool, error) {
	rejected, err := src.RejectedRiders(ctx, req.SubOrderID)
	if err != nil {
		return nil, fmt.Errorf("rejected riders: %w", err)
	}
	ids := make(map[string]bool, len(req.Exclude)+len(rejected))
	for _, id := range req.Exclude {
		ids[id] = true
	}
	for _, id := range rejected {
		ids[id] = true
	}
	return ids, nil
}

// pool prefers the restaurant's affiliated riders and falls back to every
// online, available, located rider once exclusions leave none.
func pool(ctx context.Context, src Source, req Request, excluded map[string]bool) ([]models.Rider, error) {
	if req.RestaurantID != "" {
		affiliated, err := src.ListAffiliated(ctx, req.RestaurantID)
		if err != nil {
			return nil, fmt.Errorf("affiliated riders: %w", err)
		}
		if cands := Exclude(affiliated, excluded); len(cands) > 0 {
			return cands, nil
		}
	}
	global, err := src.ListOnlineAvailableWithLocation(ctx)
	if err != nil {
		return nil, fmt.Errorf("available riders: %w", err)
	}
	return Exclude(global, excluded), nil
}

// PickOne returns a single candidate for req. ok is false when nobody is eligible.
func PickOne(ctx context.Context, src Source, req Request) (Candidate, bool, error) {
	excluded, err := exclusions(ctx, src, req)
	if err != nil {
		return Candidate{}, false, err
	}
	cands, err := pool(ctx, src, req, excluded)
	if err != nil || len(cands) == 0 {
		return Candidate{}, false, err
	}

	// a single pick never broadcasts; anything but LEAST_LOADED ranks by distance
	if req.Strategy != models.StrategyLeastLoaded && req.Restaurant != nil {
		c, ok := Nearest(cands, *req.Restaurant)
		return c, ok, nil
	}
	ids := make([]string, len(cands))
	for i, r := range cands {
		ids[i] = r.ID
	}
	load, err := src.CountActiveByRider(ctx, ids)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("rider load: %w", err)
	}
	c, ok := LeastLoaded(cands, load)
	return c, ok, nil
}

// Broadcast returns the whole system-wide eligible pool, minus exclusions and
// riders who already rejected this sub-order. It is not scoped to the restaurant.
func Broadcast(ctx context.Context, src Source, req Request) ([]Candidate, error) {
	excluded, err := exclusions(ctx, src, req)
	if err != nil {
		return nil, err
	}
	global, err := src.ListOnlineAvailableWithLocation(ctx)
	if err != nil {
		return nil, fmt.Errorf("available riders: %w", err)
	}
	riders := Exclude(global, excluded)
	out := make([]Candidate, 0, len(riders))
	for _, r := range riders {
		c := Candidate{Rider: r}
		if req.Restaurant != nil && r.Location != nil {
			c.DistanceKm = geo.HaversineKm(*req.Restaurant, *r.Location)
			c.HasDistance = true
		}
		out = append(out, c)
	}
	return out, nil
}
