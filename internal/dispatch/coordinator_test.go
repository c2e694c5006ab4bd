package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store *storage.MemoryStore
	rec   *notify.Recorder
	clock *clock
	c     *Coordinator
}

var restaurant = models.Restaurant{ID: "rest1", Name: "Mama Put", Address: "12 Allen Ave", Location: &models.Coord{}}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		rec:   &notify.Recorder{},
		clock: &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.c = New(f.store, f.rec, logging.Discard(), Options{Now: f.clock.Now})
	return f
}

// riderAt places an online rider km kilometres north of the restaurant.
func (f *fixture) riderAt(id string, km float64) {
	f.store.PutRider(models.Rider{
		ID: id, Online: true, Available: true, Status: models.RiderIdle,
		Location: &models.Coord{Lat: km / 111.195, Lon: 0},
	})
}

func (f *fixture) delivery(id string) {
	f.store.PutSubOrder(models.SubOrder{
		ID: id, OrderID: "order-" + id, Restaurant: restaurant, Fulfillment: models.FulfillmentDelivery,
		Amount: 4500, DeliveryAddress: "3 Marina Rd",
	})
}

func (f *fixture) subOrder(t *testing.T, id string) models.SubOrder {
	t.Helper()
	so, err := f.store.GetSubOrder(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return so
}

func (f *fixture) offers(t *testing.T, filter storage.OfferFilter) []models.RiderOffer {
	t.Helper()
	got, err := f.store.ListOffers(context.Background(), filter)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const n = 8
	for i := 0; i < n; i++ {
		f.riderAt(fmt.Sprintf("r%d", i), float64(i+1))
	}
	f.delivery("so1")

	offers, err := f.c.DispatchBroadcast(ctx, "so1")
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != n {
		t.Fatalf("expected %d offers, got %d", n, len(offers))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for _, o := range offers {
		wg.Add(1)
		go func(o models.RiderOffer) {
			defer wg.Done()
			res, err := f.c.ResolveOffer(ctx, o.RiderID, o.ID, true)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.Accepted {
				winners = append(winners, o.RiderID)
				return
			}
			var stale *models.StaleOfferError
			var taken *models.AlreadyAssignedError
			if !errors.As(err, &stale) && !errors.As(err, &taken) {
				t.Errorf("unexpected error for %s: %v", o.RiderID, err)
			}
			losers++
		}(o)
	}
	wg.Wait()

	if len(winners) != 1 || losers != n-1 {
		t.Fatalf("expected exactly one winner, got winners=%v losers=%d", winners, losers)
	}
	so := f.subOrder(t, "so1")
	if so.RiderID != winners[0] || so.Status != models.SubOrderAccepted || so.DispatchState != models.DispatchAssigned {
		t.Fatalf("sub-order not assigned to winner: %+v", so)
	}
	for _, o := range f.offers(t, storage.OfferFilter{SubOrderID: "so1"}) {
		want := models.OfferRejected
		if o.RiderID == winners[0] {
			want = models.OfferAccepted
		}
		if o.Status != want {
			t.Fatalf("offer for %s: expected %s, got %s", o.RiderID, want, o.Status)
		}
	}
}

func TestDispatchSingleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.delivery("so1")

	first, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if err != nil || first == nil {
		t.Fatalf("first dispatch: offer=%v err=%v", first, err)
	}
	second, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if err != nil || second == nil {
		t.Fatalf("second dispatch: offer=%v err=%v", second, err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same offer, got %s and %s", first.ID, second.ID)
	}
	if got := f.offers(t, storage.OfferFilter{SubOrderID: "so1", Status: models.OfferPending}); len(got) != 1 {
		t.Fatalf("expected one pending offer, got %d", len(got))
	}
	so := f.subOrder(t, "so1")
	if so.Status != models.SubOrderOffered || so.DispatchAttempts != 1 {
		t.Fatalf("unexpected sub-order %+v", so)
	}
	if len(f.rec.Events(notify.EventOrderOffer)) != 1 {
		t.Fatal("the repeated dispatch must not notify again")
	}
}

func TestRejectionCascadeStopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		f.riderAt(id, float64(i+1))
	}
	f.delivery("so1")

	offer, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if err != nil || offer == nil {
		t.Fatalf("dispatch: %v", err)
	}
	var order []string
	for rounds := 0; offer != nil; rounds++ {
		if rounds > 10 {
			t.Fatal("cascade did not terminate")
		}
		order = append(order, offer.RiderID)
		res, err := f.c.ResolveOffer(ctx, offer.RiderID, offer.ID, false)
		if err != nil {
			t.Fatal(err)
		}
		offer = res.NextOffer
	}

	if len(order) != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %v", DefaultMaxAttempts, order)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("cascade should walk nearest first, got %v", order)
	}
	so := f.subOrder(t, "so1")
	if so.Status != models.SubOrderPending || so.DispatchState != models.DispatchUnassignable || so.DispatchAttempts != 3 {
		t.Fatalf("expected unassignable sub-order, got %+v", so)
	}
	if got := f.offers(t, storage.OfferFilter{SubOrderID: "so1", Status: models.OfferPending}); len(got) != 0 {
		t.Fatalf("no offer should stay pending, got %d", len(got))
	}
	if got := f.offers(t, storage.OfferFilter{SubOrderID: "so1"}); len(got) != 3 {
		t.Fatalf("expected 3 offers in the ledger, got %d", len(got))
	}
}

func TestCascadeRunsOutOfRiders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.delivery("so1")

	offer, _ := f.c.DispatchSingle(ctx, "so1", "", nil)
	res, err := f.c.ResolveOffer(ctx, offer.RiderID, offer.ID, false)
	if err != nil || res.NextOffer == nil || res.NextOffer.RiderID != "b" {
		t.Fatalf("expected cascade to b, got %+v err=%v", res, err)
	}
	res, err = f.c.ResolveOffer(ctx, "b", res.NextOffer.ID, false)
	if err != nil || res.NextOffer != nil {
		t.Fatalf("expected no further offer, got %+v err=%v", res, err)
	}
	so := f.subOrder(t, "so1")
	if so.DispatchState != models.DispatchUnassignable || so.Status != models.SubOrderPending || so.DispatchAttempts != 2 {
		t.Fatalf("unexpected sub-order %+v", so)
	}
}

func TestAcceptingExpiredOfferFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.delivery("so1")

	offer, _ := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	f.clock.Advance(DefaultOfferTTL)

	_, err := f.c.ResolveOffer(ctx, "a", offer.ID, true)
	var stale *models.StaleOfferError
	if !errors.As(err, &stale) || !stale.Expired {
		t.Fatalf("expected expired stale offer, got %v", err)
	}
	so := f.subOrder(t, "so1")
	if so.Assigned() || so.Status != models.SubOrderPending || so.DispatchState != models.DispatchUndispatched {
		t.Fatalf("rider must not be assigned: %+v", so)
	}
	o, _ := f.store.GetOffer(ctx, offer.ID)
	if o.Status != models.OfferExpired {
		t.Fatalf("expected EXPIRED in the ledger, got %s", o.Status)
	}

	if _, err := f.c.ResolveOffer(ctx, "a", offer.ID, true); !errors.As(err, &stale) || stale.Status != models.OfferExpired {
		t.Fatalf("second attempt should see a decided offer, got %v", err)
	}
}

func TestNearestSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("far", 500)
	f.riderAt("mid", 50)
	f.riderAt("near", 1)
	f.delivery("so1")

	offer, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if err != nil || offer == nil {
		t.Fatalf("dispatch: %v", err)
	}
	if offer.RiderID != "near" {
		t.Fatalf("expected near, got %s", offer.RiderID)
	}
	if !offer.ExpiresAt.Equal(f.clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", offer.ExpiresAt)
	}
	sent := f.rec.Events(notify.EventOrderOffer)
	if len(sent) != 1 || sent[0].Target != notify.RiderChannel("near") {
		t.Fatalf("expected offer notification to near, got %+v", sent)
	}
	p := sent[0].Payload
	if p.OfferID != offer.ID || p.OrderID != "order-so1" || p.RestaurantName != restaurant.Name || p.DistanceKm == nil {
		t.Fatalf("incomplete payload %+v", p)
	}
}

func TestBroadcastOffersEveryRiderAndAcceptRejectsRest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.riderAt(fmt.Sprintf("r%d", i), float64(i))
	}
	f.delivery("so1")

	offers, err := f.c.DispatchBroadcast(ctx, "so1")
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 5 {
		t.Fatalf("expected 5 offers, got %d", len(offers))
	}
	if got := len(f.rec.Events(notify.EventOrderOffer)); got != 5 {
		t.Fatalf("expected 5 rider notifications, got %d", got)
	}
	agg := f.rec.Events(notify.EventNewOrderAvailable)
	if len(agg) != 1 || agg[0].Payload.Count != 5 || agg[0].Target != notify.Topic(notify.TopicRiders) {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
	if so := f.subOrder(t, "so1"); so.DispatchAttempts != 1 || so.Status != models.SubOrderOffered {
		t.Fatalf("broadcast counts as one attempt, got %+v", so)
	}

	ids := make(map[string]bool)
	for _, o := range offers {
		ids[o.ID] = true
	}
	again, _ := f.c.DispatchBroadcast(ctx, "so1")
	if len(again) != 5 {
		t.Fatalf("re-broadcast should return the pending set, got %d", len(again))
	}
	for _, o := range again {
		if !ids[o.ID] {
			t.Fatalf("re-broadcast created a new offer %s", o.ID)
		}
	}

	winner := offers[2]
	res, err := f.c.ResolveOffer(ctx, winner.RiderID, winner.ID, true)
	if err != nil || !res.Accepted || res.SubOrder.RiderID != winner.RiderID {
		t.Fatalf("accept failed: %+v %v", res, err)
	}
	if got := f.offers(t, storage.OfferFilter{SubOrderID: "so1", Status: models.OfferRejected}); len(got) != 4 {
		t.Fatalf("expected 4 rejected offers, got %d", len(got))
	}
	if got := len(f.rec.Events(notify.EventOrderTaken)); got != 4 {
		t.Fatalf("expected 4 ORDER_TAKEN, got %d", got)
	}
	accepted := f.rec.Events(notify.EventOrderAccepted)
	if len(accepted) != 2 || accepted[0].Target != notify.OrderChannel("order-so1") || accepted[1].Target != notify.RiderChannel(winner.RiderID) {
		t.Fatalf("unexpected ORDER_ACCEPTED fan-out %+v", accepted)
	}
	r, _ := f.store.GetRider(ctx, winner.RiderID)
	if r.Status != models.RiderAccepted {
		t.Fatalf("winner should be ACCEPTED, got %s", r.Status)
	}

	after, err := f.c.DispatchBroadcast(ctx, "so1")
	if err != nil || len(after) != 0 {
		t.Fatalf("broadcast of an accepted sub-order is a no-op, got %v %v", after, err)
	}
}

func TestBroadcastRejectWaitsForOtherOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.delivery("so1")

	offers, _ := f.c.DispatchBroadcast(ctx, "so1")
	res, err := f.c.ResolveOffer(ctx, offers[0].RiderID, offers[0].ID, false)
	if err != nil || res.NextOffer != nil {
		t.Fatalf("no cascade while another offer is open: %+v %v", res, err)
	}
	if got := f.offers(t, storage.OfferFilter{SubOrderID: "so1"}); len(got) != 2 {
		t.Fatalf("expected no new offers, got %d", len(got))
	}
}

func TestOwnershipEnforcedRegardlessOfStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.delivery("so1")

	offer, _ := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	var owner *models.OwnershipError
	for _, accept := range []bool{true, false} {
		if _, err := f.c.ResolveOffer(ctx, "b", offer.ID, accept); !errors.As(err, &owner) {
			t.Fatalf("expected ownership error for pending offer, got %v", err)
		}
	}
	if _, err := f.c.ResolveOffer(ctx, "a", offer.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.ResolveOffer(ctx, "b", offer.ID, true); !errors.As(err, &owner) {
		t.Fatalf("expected ownership error for decided offer, got %v", err)
	}
	if _, err := f.c.ResolveOffer(ctx, "b", "missing", true); !models.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.store.PutSubOrder(models.SubOrder{
		ID: "so1", OrderID: "o1", Restaurant: restaurant, Fulfillment: models.FulfillmentDelivery,
		RiderID: "a", Status: models.SubOrderAccepted, DispatchState: models.DispatchAssigned,
	})

	var taken *models.AlreadyAssignedError
	if _, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil); !errors.As(err, &taken) || taken.RiderID != "a" {
		t.Fatalf("expected already assigned, got %v", err)
	}

	now := f.clock.Now()
	f.store.PutOffer(models.RiderOffer{ID: "late", SubOrderID: "so1", RiderID: "b", Status: models.OfferPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	if _, err := f.c.ResolveOffer(ctx, "b", "late", true); !errors.As(err, &taken) {
		t.Fatalf("expected lost race, got %v", err)
	}
	o, _ := f.store.GetOffer(ctx, "late")
	if o.Status != models.OfferRejected {
		t.Fatalf("lost offer should be REJECTED, got %s", o.Status)
	}
	if so := f.subOrder(t, "so1"); so.RiderID != "a" {
		t.Fatalf("assignment changed to %s", so.RiderID)
	}
}

func TestNonDeliveryIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.store.PutSubOrder(models.SubOrder{ID: "dine", OrderID: "o1", Restaurant: restaurant, Fulfillment: models.FulfillmentDineIn})

	var nd *models.NotDispatchableError
	if _, err := f.c.DispatchSingle(ctx, "dine", "", nil); !errors.As(err, &nd) {
		t.Fatalf("expected not dispatchable, got %v", err)
	}
	if _, err := f.c.DispatchBroadcast(ctx, "dine"); !errors.As(err, &nd) {
		t.Fatalf("expected not dispatchable, got %v", err)
	}
	if _, err := f.c.DispatchSingle(ctx, "missing", "", nil); !models.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNoCandidatesIsEmptyResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.delivery("so1")

	offer, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if err != nil || offer != nil {
		t.Fatalf("expected empty result, got %v %v", offer, err)
	}
	offers, err := f.c.DispatchBroadcast(ctx, "so1")
	if err != nil || len(offers) != 0 {
		t.Fatalf("expected empty broadcast, got %v %v", offers, err)
	}
	if so := f.subOrder(t, "so1"); so.DispatchAttempts != 0 || so.Status != models.SubOrderPending {
		t.Fatalf("nothing should change, got %+v", so)
	}
}

func TestNotificationFailureDoesNotFailDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rec.Fail = errors.New("broker down")
	f.riderAt("a", 1)
	f.delivery("so1")

	offer, err := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if err != nil || offer == nil {
		t.Fatalf("dispatch should succeed, got %v %v", offer, err)
	}
	if len(f.rec.All()) != 1 {
		t.Fatal("notification should still have been attempted")
	}
}

func TestResolveBySubOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.delivery("so1")

	offer, _ := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	res, err := f.c.ResolveBySubOrder(ctx, "a", "so1", true)
	if err != nil || !res.Accepted || res.Offer == nil || res.Offer.ID != offer.ID {
		t.Fatalf("expected delegation to the pending offer, got %+v %v", res, err)
	}

	var stale *models.StaleOfferError
	if _, err := f.c.ResolveBySubOrder(ctx, "b", "so1", true); !errors.As(err, &stale) {
		t.Fatalf("other rider must not be assigned, got %v", err)
	}
	if so := f.subOrder(t, "so1"); so.RiderID != "a" {
		t.Fatalf("assignment changed to %s", so.RiderID)
	}
	res, err = f.c.ResolveBySubOrder(ctx, "a", "so1", true)
	if err != nil || !res.Accepted || res.Offer != nil {
		t.Fatalf("assigned rider should get a confirmation, got %+v %v", res, err)
	}
}

func TestResolveBySubOrderFallbackNeverAssigns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.delivery("free")
	f.store.PutSubOrder(models.SubOrder{
		ID: "held", OrderID: "o2", Restaurant: restaurant, Fulfillment: models.FulfillmentDelivery,
		RiderID: "a", Status: models.SubOrderAssigned, DispatchState: models.DispatchAssigned,
	})

	var stale *models.StaleOfferError
	if _, err := f.c.ResolveBySubOrder(ctx, "a", "free", true); !errors.As(err, &stale) {
		t.Fatalf("expected stale offer, got %v", err)
	}
	if so := f.subOrder(t, "free"); so.Assigned() {
		t.Fatal("fallback must never assign")
	}

	res, err := f.c.ResolveBySubOrder(ctx, "a", "held", true)
	if err != nil || res.SubOrder.Status != models.SubOrderAccepted {
		t.Fatalf("expected confirmation to ACCEPTED, got %+v %v", res, err)
	}
	if _, err := f.c.ResolveBySubOrder(ctx, "a", "held", false); !errors.As(err, &stale) {
		t.Fatalf("rejecting without an offer is stale, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.riderAt(id, 1)
	}
	f.delivery("so1")
	f.delivery("so2")

	if _, err := f.c.DispatchBroadcast(ctx, "so1"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Minute)
	if _, err := f.c.DispatchSingle(ctx, "so2", models.StrategyNearest, nil); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(4 * time.Minute)

	lapsed, err := f.c.ExpiredPending(ctx, 100)
	if err != nil || len(lapsed) != 3 {
		t.Fatalf("expected 3 lapsed offers, got %d %v", len(lapsed), err)
	}
	n, err := f.c.ExpireStale(ctx, 100)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 expired, got %d %v", n, err)
	}
	so := f.subOrder(t, "so1")
	if so.Status != models.SubOrderPending || so.DispatchState != models.DispatchUndispatched {
		t.Fatalf("so1 should be back to pending, got %+v", so)
	}
	if so := f.subOrder(t, "so2"); so.Status != models.SubOrderOffered {
		t.Fatalf("so2 offer is still open, got %+v", so)
	}
	if n, _ := f.c.ExpireStale(ctx, 100); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}

	offers, err := f.c.PendingOffers(ctx, "a")
	if err != nil || len(offers) != 1 || offers[0].SubOrderID != "so2" {
		t.Fatalf("unexpected pending offers %+v %v", offers, err)
	}
}

func TestAdvanceStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.riderAt("a", 1)
	f.riderAt("b", 2)
	f.delivery("so1")

	offer, _ := f.c.DispatchSingle(ctx, "so1", models.StrategyNearest, nil)
	if _, err := f.c.ResolveOffer(ctx, "a", offer.ID, true); err != nil {
		t.Fatal(err)
	}

	var owner *models.OwnershipError
	if _, err := f.c.AdvanceStatus(ctx, "b", "so1", models.SubOrderEnRoute); !errors.As(err, &owner) {
		t.Fatalf("expected ownership error, got %v", err)
	}
	var bad *models.InvalidTransitionError
	if _, err := f.c.AdvanceStatus(ctx, "a", "so1", models.SubOrderDelivered); !errors.As(err, &bad) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	steps := []struct {
		status models.SubOrderStatus
		rider  models.RiderStatus
	}{
		{models.SubOrderEnRoute, models.RiderEnRoute},
		{models.SubOrderDelivered, models.RiderIdle},
		{models.SubOrderCompleted, models.RiderIdle},
	}
	for _, s := range steps {
		so, err := f.c.AdvanceStatus(ctx, "a", "so1", s.status)
		if err != nil || so.Status != s.status {
			t.Fatalf("advance to %s: %+v %v", s.status, so, err)
		}
		r, _ := f.store.GetRider(ctx, "a")
		if r.Status != s.rider {
			t.Fatalf("after %s rider should be %s, got %s", s.status, s.rider, r.Status)
		}
	}
	if got := len(f.rec.Events(notify.EventOrderStatusUpdate)); got != 3 {
		t.Fatalf("expected 3 status updates, got %d", got)
	}
}
