package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seeded() *MemoryStore {
	m := NewMemoryStore()
	m.PutRider(models.Rider{ID: "r1", Online: true, Available: true, Location: &models.Coord{Lat: 1, Lon: 1}})
	m.PutRider(models.Rider{ID: "r2", Online: true, Available: true})
	m.PutSubOrder(models.SubOrder{ID: "so1", OrderID: "o1", Fulfillment: models.FulfillmentDelivery})
	return m
}

func pending(id, riderID string, created time.Time) models.RiderOffer {
	return models.RiderOffer{ID: id, SubOrderID: "so1", RiderID: riderID, Status: models.OfferPending, CreatedAt: created, ExpiresAt: created.Add(5 * time.Minute)}
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	boom := errors.New("boom")

	err := m.InTx(ctx, func(tx Tx) error {
		so, err := tx.LockSubOrder(ctx, "so1")
		if err != nil {
			return err
		}
		so.RiderID = "r1"
		if err := tx.UpdateSubOrderDispatch(ctx, so); err != nil {
			return err
		}
		if err := tx.InsertOffer(ctx, pending("of1", "r1", t0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	so, _ := m.GetSubOrder(ctx, "so1")
	if so.Assigned() {
		t.Fatal("rolled back assignment is visible")
	}
	if _, err := m.GetOffer(ctx, "of1"); !models.IsNotFound(err) {
		t.Fatalf("rolled back offer is visible: %v", err)
	}
}

func TestTxWritesInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	m := seeded()

	err := m.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertOffer(ctx, pending("of1", "r1", t0)); err != nil {
			return err
		}
		if _, err := tx.GetOffer(ctx, "of1"); err != nil {
			t.Errorf("tx should read its own write: %v", err)
		}
		if _, err := m.GetOffer(ctx, "of1"); !models.IsNotFound(err) {
			t.Errorf("uncommitted offer visible outside the tx: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOffer(ctx, "of1"); err != nil {
		t.Fatalf("committed offer missing: %v", err)
	}
}

func TestInsertOfferRejectsSecondPendingForPair(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	if err := m.InsertOffer(ctx, pending("of1", "r1", t0)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertOffer(ctx, pending("of2", "r1", t0)); !errors.Is(err, ErrDuplicateOffer) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := m.UpdateOfferStatus(ctx, "of1", models.OfferRejected, t0); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertOffer(ctx, pending("of2", "r1", t0)); err != nil {
		t.Fatalf("a decided offer should not block a new one: %v", err)
	}
}

func TestListOffersOrderedAndFiltered(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	_ = m.InsertOffer(ctx, pending("b", "r2", t0))
	_ = m.InsertOffer(ctx, pending("a", "r1", t0))
	_ = m.InsertOffer(ctx, pending("c", "r3", t0.Add(-time.Minute)))
	_ = m.UpdateOfferStatus(ctx, "a", models.OfferRejected, t0)

	all, _ := m.ListOffers(ctx, OfferFilter{SubOrderID: "so1"})
	if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Fatalf("unexpected order %+v", all)
	}
	open, _ := m.ListOffers(ctx, OfferFilter{SubOrderID: "so1", Status: models.OfferPending})
	if len(open) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(open))
	}
	rejected, _ := m.RejectedRiders(ctx, "so1")
	if len(rejected) != 1 || rejected[0] != "r1" {
		t.Fatalf("unexpected rejected riders %v", rejected)
	}
}

func TestFindExpiredPending(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	_ = m.InsertOffer(ctx, pending("old", "r1", t0.Add(-10*time.Minute)))
	_ = m.InsertOffer(ctx, pending("edge", "r2", t0.Add(-5*time.Minute)))
	_ = m.InsertOffer(ctx, pending("fresh", "r3", t0))

	got, _ := m.FindExpiredPending(ctx, t0, 0)
	if len(got) != 2 || got[0].ID != "old" || got[1].ID != "edge" {
		t.Fatalf("unexpected expired %+v", got)
	}
	got, _ = m.FindExpiredPending(ctx, t0, 1)
	if len(got) != 1 {
		t.Fatalf("limit not applied, got %d", len(got))
	}
}

func TestRiderQueriesAndLoad(t *testing.T) {
	ctx := context.Background()
	m := seeded()
	m.PutSubOrder(models.SubOrder{ID: "so2", RiderID: "r1", Status: models.SubOrderEnRoute})
	m.PutSubOrder(models.SubOrder{ID: "so3", RiderID: "r1", Status: models.SubOrderDelivered})
	m.PutSubOrder(models.SubOrder{ID: "so4", RiderID: "r2", Status: models.SubOrderAssigned})

	located, _ := m.ListOnlineAvailableWithLocation(ctx)
	if len(located) != 1 || located[0].ID != "r1" {
		t.Fatalf("unexpected located riders %+v", located)
	}
	load, _ := m.CountActiveByRider(ctx, []string{"r1", "r2", "r9"})
	if load["r1"] != 1 || load["r2"] != 1 || load["r9"] != 0 {
		t.Fatalf("unexpected load %v", load)
	}
	if err := m.UpdateRiderStatus(ctx, "ghost", models.RiderIdle); !models.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, _ := m.ListSubOrders(ctx, SubOrderFilter{RiderID: "r1", Statuses: models.ActiveStatuses})
	if len(list) != 1 || list[0].ID != "so2" {
		t.Fatalf("unexpected active list %+v", list)
	}
}
