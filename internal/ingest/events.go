// Package ingest decodes inbound stream events and hands them to the
// directory and the dispatch coordinator.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/models"
)

var ErrInvalidEvent = errors.New("invalid event")

// LocationUpdate is one GPS fix from the rider app.
type LocationUpdate struct {
	RiderID string   `json:"rider_id"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// PaymentConfirmed is emitted by the order subsystem once an order is paid.
type PaymentConfirmed struct {
	OrderID   string         `json:"order_id"`
	SubOrders []PaidSubOrder `json:"sub_orders"`
}

type PaidSubOrder struct {
	ID          string             `json:"id"`
	Fulfillment models.Fulfillment `json:"fulfillment"`
}

type LocationSetter interface {
	SetLocation(ctx context.Context, riderID string, lat, lon float64) error
}

type Broadcaster interface {
	DispatchBroadcast(ctx context.Context, subOrderID string) ([]models.RiderOffer, error)
}

type Handler struct {
	locations  LocationSetter
	dispatcher Broadcaster
	log        logrus.FieldLogger
}

func NewHandler(locations LocationSetter, dispatcher Broadcaster, log logrus.FieldLogger) *Handler {
	return &Handler{locations: locations, dispatcher: dispatcher, log: log}
}

// Permanent reports errors that will not go away on retry.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	var (
		nd    *models.NotDispatchableError
		taken *models.AlreadyAssignedError
		bad   *models.InvalidTransitionError
	)
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, models.ErrInvalidLocation) ||
		models.IsNotFound(err) ||
		errors.As(err, &nd) ||
		errors.As(err, &taken) ||
		errors.As(err, &bad)
}

func (h *Handler) HandleLocation(ctx context.Context, value []byte) error {
	var u LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if u.RiderID == "" || u.Lat == nil || u.Lon == nil {
		return fmt.Errorf("%w: location needs rider_id, lat and lon", ErrInvalidEvent)
	}
	return h.locations.SetLocation(ctx, u.RiderID, *u.Lat, *u.Lon)
}

// HandlePayment broadcasts every delivery sub-order of a paid order.
// Dine-in and preorder sub-orders are never dispatched. Sub-orders that fail
// permanently are logged and skipped; the first transient failure is returned
// so the whole event can be retried, which is safe because a repeated
// broadcast returns the offers already open.
func (h *Handler) HandlePayment(ctx context.Context, value []byte) error {
	var p PaymentConfirmed
	if err := json.Unmarshal(value, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if p.OrderID == "" {
		return fmt.Errorf("%w: payment without order_id", ErrInvalidEvent)
	}
	for _, so := range p.SubOrders {
		if so.Fulfillment != models.FulfillmentDelivery {
			continue
		}
		log := h.log.WithFields(logrus.Fields{"order_id": p.OrderID, "sub_order_id": so.ID})
		offers, err := h.dispatcher.DispatchBroadcast(ctx, so.ID)
		if err != nil {
			if Permanent(err) {
				log.WithError(err).Warn("sub-order skipped")
				continue
			}
			return fmt.Errorf("broadcast %s: %w", so.ID, err)
		}
		log.WithField("offers", len(offers)).Info("paid sub-order broadcast")
	}
	return nil
}
