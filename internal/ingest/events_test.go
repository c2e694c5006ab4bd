package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/models"
)

type fakeLocations struct {
	riderID  string
	lat, lon float64
	err      error
}

func (f *fakeLocations) SetLocation(_ context.Context, riderID string, lat, lon float64) error {
	f.riderID, f.lat, f.lon = riderID, lat, lon
	return f.err
}

type fakeBroadcaster struct {
	calls []string
	errs  map[string]error
}

func (f *fakeBroadcaster) DispatchBroadcast(_ context.Context, id string) ([]models.RiderOffer, error) {
	f.calls = append(f.calls, id)
	return nil, f.errs[id]
}

func TestHandleLocation(t *testing.T) {
	loc := &fakeLocations{}
	h := NewHandler(loc, &fakeBroadcaster{}, logging.Discard())

	if err := h.HandleLocation(context.Background(), []byte(`{"rider_id":"r1","lat":6.5,"lon":3.4}`)); err != nil {
		t.Fatal(err)
	}
	if loc.riderID != "r1" || loc.lat != 6.5 || loc.lon != 3.4 {
		t.Fatalf("unexpected call %+v", loc)
	}

	for _, body := range []string{`{`, `{"rider_id":"r1","lat":1}`, `{"lat":1,"lon":1}`} {
		if err := h.HandleLocation(context.Background(), []byte(body)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("body %s: expected invalid event, got %v", body, err)
		}
	}
}

func TestHandlePaymentBroadcastsDeliveryOnly(t *testing.T) {
	b := &fakeBroadcaster{}
	h := NewHandler(&fakeLocations{}, b, logging.Discard())
	body := `{"order_id":"o1","sub_orders":[{"id":"a","fulfillment":"DELIVERY"},{"id":"b","fulfillment":"DINE_IN"},{"id":"c","fulfillment":"PREORDER"},{"id":"d","fulfillment":"DELIVERY"}]}`

	if err := h.HandlePayment(context.Background(), []byte(body)); err != nil {
		t.Fatal(err)
	}
	if len(b.calls) != 2 || b.calls[0] != "a" || b.calls[1] != "d" {
		t.Fatalf("unexpected broadcasts %v", b.calls)
	}
}

func TestHandlePaymentSkipsPermanentAndReturnsTransient(t *testing.T) {
	b := &fakeBroadcaster{errs: map[string]error{
		"gone": models.SubOrderNotFound("gone"),
		"slow": errors.New("connection reset"),
	}}
	h := NewHandler(&fakeLocations{}, b, logging.Discard())

	err := h.HandlePayment(context.Background(), []byte(`{"order_id":"o1","sub_orders":[{"id":"gone","fulfillment":"DELIVERY"},{"id":"ok","fulfillment":"DELIVERY"}]}`))
	if err != nil || len(b.calls) != 2 {
		t.Fatalf("not found should be skipped, got %v calls=%v", err, b.calls)
	}

	err = h.HandlePayment(context.Background(), []byte(`{"order_id":"o1","sub_orders":[{"id":"slow","fulfillment":"DELIVERY"}]}`))
	if err == nil || Permanent(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestPermanent(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("timeout"), false},
		{fmt.Errorf("wrap: %w", ErrInvalidEvent), true},
		{models.ErrInvalidLocation, true},
		{models.RiderNotFound("r1"), true},
		{&models.AlreadyAssignedError{SubOrderID: "so1", RiderID: "r1"}, true},
		{&models.NotDispatchableError{SubOrderID: "so1", Fulfillment: models.FulfillmentDineIn}, true},
	}
	for _, c := range cases {
		if got := Permanent(c.err); got != c.want {
			t.Fatalf("Permanent(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
