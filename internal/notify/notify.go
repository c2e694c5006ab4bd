// Package notify carries dispatch events to riders and customers. Delivery is
// best-effort: a failed publish is logged and counted, never surfaced to the
// operation that produced it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/observability"
)

type Event string

const (
	EventOrderOffer        Event = "ORDER_OFFER"
	EventNewOrderAvailable Event = "NEW_ORDER_AVAILABLE"
	EventOrderTaken        Event = "ORDER_TAKEN"
	EventOrderAccepted     Event = "ORDER_ACCEPTED"
	EventOrderStatusUpdate Event = "ORDER_STATUS_UPDATE"
	EventRiderLocation     Event = "RIDER_LOCATION"
)

type TargetKind string

const (
	KindRider TargetKind = "rider"
	KindOrder TargetKind = "order"
	KindTopic TargetKind = "topic"
)

type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// TopicRiders reaches every connected rider.
const TopicRiders = "riders"

func RiderChannel(riderID string) Target { return Target{Kind: KindRider, ID: riderID} }
func OrderChannel(orderID string) Target { return Target{Kind: KindOrder, ID: orderID} }
func Topic(name string) Target           { return Target{Kind: KindTopic, ID: name} }

// Channel is the flat name used by pub/sub transports, e.g. "rider:42".
func (t Target) Channel() string { return string(t.Kind) + ":" + t.ID }

type Payload struct {
	OfferID           string     `json:"offer_id,omitempty"`
	SubOrderID        string     `json:"sub_order_id,omitempty"`
	OrderID           string     `json:"order_id,omitempty"`
	RestaurantName    string     `json:"restaurant_name,omitempty"`
	RestaurantAddress string     `json:"restaurant_address,omitempty"`
	Amount            float64    `json:"amount,omitempty"`
	DeliveryAddress   string     `json:"delivery_address,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Status            string     `json:"status,omitempty"`
	RiderID           string     `json:"rider_id,omitempty"`
	DistanceKm        *float64   `json:"distance_km,omitempty"`
	Count             int        `json:"count,omitempty"`
	Lat               *float64   `json:"lat,omitempty"`
	Lon               *float64   `json:"lon,omitempty"`
}

type Notification struct {
	ID        string    `json:"id"`
	Event     Event     `json:"event"`
	Target    Target    `json:"target"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func New(event Event, target Target, payload Payload, at time.Time) Notification {
	return Notification{ID: uuid.NewString(), Event: event, Target: target, Payload: payload, Timestamp: at}
}

type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Publish(context.Context, Notification) error { return nil }

// Deliver sends notes in order. Failures are logged and counted only.
func Deliver(ctx context.Context, sink Sink, log logrus.FieldLogger, notes ...Notification) {
	if sink == nil {
		return
	}
	for _, n := range notes {
		if err := sink.Publish(ctx, n); err != nil {
			observability.NotificationFailures.WithLabelValues(string(n.Event)).Inc()
			log.WithError(err).WithFields(logrus.Fields{
				"event":        n.Event,
				"channel":      n.Target.Channel(),
				"sub_order_id": n.Payload.SubOrderID,
			}).Warn("notification not delivered")
		}
	}
}
