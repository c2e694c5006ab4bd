package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// ErrDuplicateOffer is returned when a rider already holds a PENDING offer
// for the sub-order.
var ErrDuplicateOffer = errors.New("rider already has a pending offer for this sub-order")

// RiderRepo covers the rider directory's persisted state.
type RiderRepo interface {
	GetRider(ctx context.Context, id string) (models.Rider, error)
	ListOnlineAvailableWithLocation(ctx context.Context) ([]models.Rider, error)
	ListAffiliated(ctx context.Context, restaurantID string) ([]models.Rider, error)
	UpdateRiderLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
	UpdateRiderPresence(ctx context.Context, id string, online, available bool, status models.RiderStatus) error
	UpdateRiderStatus(ctx context.Context, id string, status models.RiderStatus) error
}

type SubOrderFilter struct {
	OrderID  string
	RiderID  string
	Statuses []models.SubOrderStatus
}

// SubOrderRepo only writes the columns dispatch owns; the header belongs to
// the order subsystem.
type SubOrderRepo interface {
	GetSubOrder(ctx context.Context, id string) (models.SubOrder, error)
	UpdateSubOrderDispatch(ctx context.Context, so models.SubOrder) error
	ListSubOrders(ctx context.Context, f SubOrderFilter) ([]models.SubOrder, error)
	CountActiveByRider(ctx context.Context, riderIDs []string) (map[string]int, error)
}

type OfferFilter struct {
	SubOrderID string
	RiderID    string
	Status     models.OfferStatus
}

// OfferRepo is the offer ledger. Offers are never deleted.
type OfferRepo interface {
	GetOffer(ctx context.Context, id string) (models.RiderOffer, error)
	InsertOffer(ctx context.Context, o models.RiderOffer) error
	UpdateOfferStatus(ctx context.Context, id string, status models.OfferStatus, decidedAt time.Time) error
	ListOffers(ctx context.Context, f OfferFilter) ([]models.RiderOffer, error)
	RejectedRiders(ctx context.Context, subOrderID string) ([]string, error)
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.RiderOffer, error)
}

type Repo interface {
	RiderRepo
	SubOrderRepo
	OfferRepo
}

// Tx is a unit of work. LockSubOrder takes the sub-order's single-writer
// lock and holds it until the transaction ends.
type Tx interface {
	Repo
	LockSubOrder(ctx context.Context, id string) (models.SubOrder, error)
}

// Store runs fn atomically: either every write made through tx is visible
// to other callers or none is.
type Store interface {
	Repo
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
