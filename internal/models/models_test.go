package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseEnums(t *testing.T) {
	if s, err := ParseStrategy(" least_loaded "); err != nil || s != StrategyLeastLoaded {
		t.Fatalf("got %q %v", s, err)
	}
	if _, err := ParseStrategy("RANDOM"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if s, err := ParseRiderStatus("en_route"); err != nil || s != RiderEnRoute {
		t.Fatalf("got %q %v", s, err)
	}
	if _, err := ParseSubOrderStatus("LOST"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestCanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to SubOrderStatus
		want     bool
	}{
		{SubOrderAssigned, SubOrderAccepted, true},
		{SubOrderAccepted, SubOrderEnRoute, true},
		{SubOrderEnRoute, SubOrderDelivered, true},
		{SubOrderDelivered, SubOrderCompleted, true},
		{SubOrderAccepted, SubOrderDelivered, false},
		{SubOrderPending, SubOrderAccepted, false},
		{SubOrderCompleted, SubOrderPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvanceTo(c.to); got != c.want {
			t.Fatalf("%s -> %s: got %v want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOfferExpiryIsInclusive(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := RiderOffer{Status: OfferPending, ExpiresAt: now}
	if !o.ExpiredAt(now) || o.Open(now) {
		t.Fatal("an offer is expired at its deadline")
	}
	if o.ExpiredAt(now.Add(-time.Second)) || !o.Open(now.Add(-time.Second)) {
		t.Fatal("an offer is open before its deadline")
	}
}
