package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStatus   = errors.New("unknown status")
	ErrUnknownStrategy = errors.New("unknown dispatch strategy")
	ErrInvalidLocation = errors.New("invalid location")
)

// NotFoundError reports a missing rider, sub-order or offer.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func RiderNotFound(id string) error    { return &NotFoundError{Kind: "rider", ID: id} }
func SubOrderNotFound(id string) error { return &NotFoundError{Kind: "sub-order", ID: id} }
func OfferNotFound(id string) error    { return &NotFoundError{Kind: "offer", ID: id} }

// AlreadyAssignedError is returned when a sub-order already has a rider.
type AlreadyAssignedError struct {
	SubOrderID string
	RiderID    string
}

func (e *AlreadyAssignedError) Error() string {
	return fmt.Sprintf("sub-order %s already assigned to rider %s", e.SubOrderID, e.RiderID)
}

// OwnershipError is returned when a rider acts on an offer made to someone
// else, or on a sub-order assigned to someone else.
type OwnershipError struct {
	OfferID    string
	SubOrderID string
	RiderID    string
}

func (e *OwnershipError) Error() string {
	if e.OfferID == "" {
		return fmt.Sprintf("sub-order %s is not assigned to rider %s", e.SubOrderID, e.RiderID)
	}
	return fmt.Sprintf("offer %s does not belong to rider %s", e.OfferID, e.RiderID)
}

// StaleOfferError is returned for offers that were already decided or have expired.
type StaleOfferError struct {
	OfferID string
	Status  OfferStatus
	Expired bool
}

func (e *StaleOfferError) Error() string {
	if e.Expired {
		return fmt.Sprintf("offer %s has expired", e.OfferID)
	}
	if e.OfferID == "" {
		return "no open offer"
	}
	return fmt.Sprintf("offer %s is %s", e.OfferID, e.Status)
}

// NotDispatchableError is returned for sub-orders that never go to a rider
// (dine-in, preorder).
type NotDispatchableError struct {
	SubOrderID  string
	Fulfillment Fulfillment
}

func (e *NotDispatchableError) Error() string {
	return fmt.Sprintf("sub-order %s with fulfillment %s is not dispatched to riders", e.SubOrderID, e.Fulfillment)
}

type InvalidTransitionError struct {
	From SubOrderStatus
	To   SubOrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move sub-order from %s to %s", e.From, e.To)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
