// Package directory tracks which riders are online and where they are.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/storage"
)

type Directory struct {
	store     storage.Repo
	positions geo.PositionIndex
	sink      notify.Sink
	log       logrus.FieldLogger
	now       func() time.Time
}

// New wires a directory. positions and sink may be nil.
func New(store storage.Repo, positions geo.PositionIndex, sink notify.Sink, log logrus.FieldLogger) *Directory {
	if positions == nil {
		positions = geo.NewIndex()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Directory{store: store, positions: positions, sink: sink, log: log, now: time.Now}
}

func (d *Directory) Get(ctx context.Context, riderID string) (models.Rider, error) {
	return d.store.GetRider(ctx, riderID)
}

func (d *Directory) ListOnlineAvailableWithLocation(ctx context.Context) ([]models.Rider, error) {
	return d.store.ListOnlineAvailableWithLocation(ctx)
}

func (d *Directory) ListAffiliated(ctx context.Context, restaurantID string) ([]models.Rider, error) {
	return d.store.ListAffiliated(ctx, restaurantID)
}

// SetLocation records a fix and relays it to every order the rider is
// currently carrying.
func (d *Directory) SetLocation(ctx context.Context, riderID string, lat, lon float64) error {
	loc := models.Coord{Lat: lat, Lon: lon}
	if !loc.Valid() {
		return fmt.Errorf("%w: lat=%f lon=%f", models.ErrInvalidLocation, lat, lon)
	}
	now := d.now()
	if err := d.store.UpdateRiderLocation(ctx, riderID, loc, now); err != nil {
		return err
	}
	if err := d.positions.Upsert(ctx, riderID, loc); err != nil {
		d.log.WithError(err).WithField("rider_id", riderID).Warn("position index upsert failed")
	}

	active, err := d.store.ListSubOrders(ctx, storage.SubOrderFilter{RiderID: riderID, Statuses: models.ActiveStatuses})
	if err != nil {
		d.log.WithError(err).WithField("rider_id", riderID).Warn("could not look up orders tracking rider")
		return nil
	}
	seen := make(map[string]bool)
	var notes []notify.Notification
	for _, so := range active {
		if seen[so.OrderID] {
			continue
		}
		seen[so.OrderID] = true
		notes = append(notes, notify.New(notify.EventRiderLocation, notify.OrderChannel(so.OrderID), notify.Payload{
			OrderID: so.OrderID,
			RiderID: riderID,
			Lat:     &loc.Lat,
			Lon:     &loc.Lon,
		}, now))
	}
	notify.Deliver(ctx, d.sink, d.log, notes...)
	return nil
}

// SetOnline going offline also makes the rider unavailable; coming online
// makes them available and idle.
func (d *Directory) SetOnline(ctx context.Context, riderID string, online bool) (models.Rider, error) {
	before, err := d.store.GetRider(ctx, riderID)
	if err != nil {
		return models.Rider{}, err
	}
	status := models.RiderOffline
	if online {
		status = models.RiderIdle
	}
	if err := d.store.UpdateRiderPresence(ctx, riderID, online, online, status); err != nil {
		return models.Rider{}, err
	}

	if online {
		if before.Location != nil {
			if err := d.positions.Upsert(ctx, riderID, *before.Location); err != nil {
				d.log.WithError(err).WithField("rider_id", riderID).Warn("position index upsert failed")
			}
		}
	} else if err := d.positions.Remove(ctx, riderID); err != nil {
		d.log.WithError(err).WithField("rider_id", riderID).Warn("position index remove failed")
	}

	switch {
	case online && !before.Online:
		observability.RidersOnline.Inc()
	case !online && before.Online:
		observability.RidersOnline.Dec()
	}
	d.log.WithFields(logrus.Fields{"rider_id": riderID, "online": online}).Info("rider presence changed")
	return d.store.GetRider(ctx, riderID)
}

// SetStatus writes any known rider status without checking the transition.
func (d *Directory) SetStatus(ctx context.Context, riderID string, status models.RiderStatus) error {
	parsed, err := models.ParseRiderStatus(string(status))
	if err != nil {
		return fmt.Errorf("%w: %q", err, status)
	}
	return d.store.UpdateRiderStatus(ctx, riderID, parsed)
}

func (d *Directory) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]geo.Position, error) {
	if !center.Valid() {
		return nil, models.ErrInvalidLocation
	}
	return d.positions.Nearby(ctx, center, radiusKm, limit)
}
