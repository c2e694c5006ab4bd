package models

import (
	"strings"
	"time"
)

type Fulfillment string

const (
	FulfillmentDelivery Fulfillment = "DELIVERY"
	FulfillmentDineIn   Fulfillment = "DINE_IN"
	FulfillmentPreorder Fulfillment = "PREORDER"
)

type SubOrderStatus string

const (
	SubOrderPending   SubOrderStatus = "PENDING"
	SubOrderOffered   SubOrderStatus = "OFFERED"
	SubOrderAssigned  SubOrderStatus = "ASSIGNED"
	SubOrderAccepted  SubOrderStatus = "ACCEPTED"
	SubOrderEnRoute   SubOrderStatus = "EN_ROUTE"
	SubOrderDelivered SubOrderStatus = "DELIVERED"
	SubOrderCompleted SubOrderStatus = "COMPLETED"
	SubOrderCancelled SubOrderStatus = "CANCELLED"
)

// ActiveStatuses counts towards a rider's load for LEAST_LOADED selection.
var ActiveStatuses = []SubOrderStatus{SubOrderAssigned, SubOrderAccepted, SubOrderEnRoute}

func ParseSubOrderStatus(s string) (SubOrderStatus, error) {
	switch st := SubOrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case SubOrderPending, SubOrderOffered, SubOrderAssigned, SubOrderAccepted,
		SubOrderEnRoute, SubOrderDelivered, SubOrderCompleted, SubOrderCancelled:
		return st, nil
	}
	return "", ErrUnknownStatus
}

func (s SubOrderStatus) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Settled statuses are past the point where a broadcast makes sense.
func (s SubOrderStatus) Settled() bool {
	switch s {
	case SubOrderAccepted, SubOrderEnRoute, SubOrderDelivered, SubOrderCompleted:
		return true
	}
	return false
}

// CanAdvanceTo reports whether an assigned rider may move the sub-order to next.
func (s SubOrderStatus) CanAdvanceTo(next SubOrderStatus) bool {
	switch s {
	case SubOrderAssigned:
		return next == SubOrderAccepted
	case SubOrderAccepted:
		return next == SubOrderEnRoute
	case SubOrderEnRoute:
		return next == SubOrderDelivered
	case SubOrderDelivered:
		return next == SubOrderCompleted
	}
	return false
}

// DispatchState is the coordinator's view of a sub-order; it is tracked
// separately from the customer-facing status.
type DispatchState string

const (
	DispatchUndispatched DispatchState = "UNDISPATCHED"
	DispatchOffered      DispatchState = "OFFERED"
	DispatchAssigned     DispatchState = "ASSIGNED"
	DispatchUnassignable DispatchState = "UNASSIGNABLE"
)

type SubOrder struct {
	ID               string         `json:"id"`
	OrderID          string         `json:"order_id"`
	Restaurant       Restaurant     `json:"restaurant"`
	Fulfillment      Fulfillment    `json:"fulfillment"`
	Status           SubOrderStatus `json:"status"`
	RiderID          string         `json:"rider_id,omitempty"`
	DispatchState    DispatchState  `json:"dispatch_state"`
	DispatchAttempts int            `json:"dispatch_attempts"`
	Amount           float64        `json:"amount"`
	DeliveryAddress  string         `json:"delivery_address"`
	AssignedAt       *time.Time     `json:"assigned_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (s SubOrder) Assigned() bool { return s.RiderID != "" }
