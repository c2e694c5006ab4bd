package models

import (
	"strings"
	"time"
)

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// RiderOffer is one row of the negotiation audit trail. Once decided it is
// never changed again.
type RiderOffer struct {
	ID         string      `json:"id"`
	SubOrderID string      `json:"sub_order_id"`
	RiderID    string      `json:"rider_id"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	DecidedAt  *time.Time  `json:"decided_at,omitempty"`
}

func (o RiderOffer) ExpiredAt(now time.Time) bool { return !now.Before(o.ExpiresAt) }

// Open is a PENDING offer that has not yet run past its expiry.
func (o RiderOffer) Open(now time.Time) bool {
	return o.Status == OfferPending && !o.ExpiredAt(now)
}

type Strategy string

const (
	StrategyNearest     Strategy = "NEAREST"
	StrategyLeastLoaded Strategy = "LEAST_LOADED"
	StrategyBroadcast   Strategy = "BROADCAST"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case StrategyNearest, StrategyLeastLoaded, StrategyBroadcast:
		return st, nil
	}
	return "", ErrUnknownStrategy
}
