// Package dispatch runs the offer state machine for delivery sub-orders:
// offers go out, exactly one acceptance wins, rejections cascade to the next
// rider and the cascade is bounded by an attempt budget.
//
// Every write for a sub-order runs in one store transaction that holds that
// sub-order's lock. Notifications are collected while the transaction runs
// and only delivered once it has committed.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/selector"
	"github.com/example/order-dispatch/internal/storage"
)

const (
	DefaultOfferTTL    = 5 * time.Minute
	DefaultMaxAttempts = 3
)

type Options struct {
	OfferTTL        time.Duration
	MaxAttempts     int
	DefaultStrategy models.Strategy
	Now             func() time.Time
}

type Coordinator struct {
	store           storage.Store
	sink            notify.Sink
	log             logrus.FieldLogger
	offerTTL        time.Duration
	maxAttempts     int
	defaultStrategy models.Strategy
	now             func() time.Time
}

func New(store storage.Store, sink notify.Sink, log logrus.FieldLogger, opts Options) *Coordinator {
	c := &Coordinator{
		store:           store,
		sink:            sink,
		log:             log,
		offerTTL:        opts.OfferTTL,
		maxAttempts:     opts.MaxAttempts,
		defaultStrategy: opts.DefaultStrategy,
		now:             opts.Now,
	}
	if c.sink == nil {
		c.sink = notify.Discard{}
	}
	if c.offerTTL <= 0 {
		c.offerTTL = DefaultOfferTTL
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.defaultStrategy == "" {
		c.defaultStrategy = models.StrategyNearest
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Resolution is the outcome of a rider's answer. NextOffer is set when a
// rejection cascaded to another rider.
type Resolution struct {
	Offer     *models.RiderOffer `json:"offer,omitempty"`
	Accepted  bool               `json:"accepted"`
	SubOrder  models.SubOrder    `json:"sub_order"`
	NextOffer *models.RiderOffer `json:"next_offer,omitempty"`
}

// effects are side effects of a transaction, applied only after it commits.
type effects struct {
	notes        []notify.Notification
	created      map[string]int
	expired      int
	outcome      string
	cascaded     bool
	unassignable bool
}

func (e *effects) notify(n notify.Notification) { e.notes = append(e.notes, n) }

func (e *effects) offered(mode string) {
	if e.created == nil {
		e.created = make(map[string]int)
	}
	e.created[mode]++
}

func (c *Coordinator) flush(ctx context.Context, eff *effects) {
	for mode, n := range eff.created {
		observability.OffersCreated.WithLabelValues(mode).Add(float64(n))
	}
	if eff.expired > 0 {
		observability.OffersExpired.Add(float64(eff.expired))
	}
	if eff.outcome != "" {
		observability.OfferResolutions.WithLabelValues(eff.outcome).Inc()
	}
	if eff.cascaded {
		observability.Cascades.Inc()
	}
	if eff.unassignable {
		observability.Unassignable.Inc()
	}
	notify.Deliver(ctx, c.sink, c.log, eff.notes...)
}

// inTx runs fn and, if it commits, applies the collected effects.
func (c *Coordinator) inTx(ctx context.Context, fn func(tx storage.Tx, eff *effects) error) error {
	var eff *effects
	err := c.store.InTx(ctx, func(tx storage.Tx) error {
		eff = &effects{}
		return fn(tx, eff)
	})
	if err != nil {
		return err
	}
	c.flush(ctx, eff)
	return nil
}

func (c *Coordinator) SubOrder(ctx context.Context, id string) (models.SubOrder, error) {
	return c.store.GetSubOrder(ctx, id)
}

// Offers lists the whole ledger for a sub-order, oldest first.
func (c *Coordinator) Offers(ctx context.Context, subOrderID string) ([]models.RiderOffer, error) {
	if _, err := c.store.GetSubOrder(ctx, subOrderID); err != nil {
		return nil, err
	}
	return c.store.ListOffers(ctx, storage.OfferFilter{SubOrderID: subOrderID})
}

// PendingOffers returns the rider's offers that can still be answered.
func (c *Coordinator) PendingOffers(ctx context.Context, riderID string) ([]models.RiderOffer, error) {
	if _, err := c.store.GetRider(ctx, riderID); err != nil {
		return nil, err
	}
	offers, err := c.store.ListOffers(ctx, storage.OfferFilter{RiderID: riderID, Status: models.OfferPending})
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]models.RiderOffer, 0, len(offers))
	for _, o := range offers {
		if o.Open(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// openOffers returns the sub-order's PENDING offers that have not lapsed and
// marks the lapsed ones EXPIRED.
func (c *Coordinator) openOffers(ctx context.Context, tx storage.Tx, subOrderID string, now time.Time, eff *effects) ([]models.RiderOffer, error) {
	pending, err := tx.ListOffers(ctx, storage.OfferFilter{SubOrderID: subOrderID, Status: models.OfferPending})
	if err != nil {
		return nil, err
	}
	open := make([]models.RiderOffer, 0, len(pending))
	for _, o := range pending {
		if o.Open(now) {
			open = append(open, o)
			continue
		}
		if err := tx.UpdateOfferStatus(ctx, o.ID, models.OfferExpired, now); err != nil {
			return nil, err
		}
		eff.expired++
	}
	return open, nil
}

func checkDispatchable(so models.SubOrder) error {
	if so.Fulfillment != models.FulfillmentDelivery {
		return &models.NotDispatchableError{SubOrderID: so.ID, Fulfillment: so.Fulfillment}
	}
	if so.Status == models.SubOrderCancelled {
		return &models.InvalidTransitionError{From: so.Status, To: models.SubOrderOffered}
	}
	return nil
}

func selectorRequest(so models.SubOrder, strategy models.Strategy, exclude []string) selector.Request {
	return selector.Request{
		SubOrderID:   so.ID,
		RestaurantID: so.Restaurant.ID,
		Restaurant:   so.Restaurant.Location,
		Strategy:     strategy,
		Exclude:      exclude,
	}
}

func offerPayload(so models.SubOrder, o models.RiderOffer, cand selector.Candidate) notify.Payload {
	expires := o.ExpiresAt
	p := notify.Payload{
		OfferID:           o.ID,
		SubOrderID:        so.ID,
		OrderID:           so.OrderID,
		RestaurantName:    so.Restaurant.Name,
		RestaurantAddress: so.Restaurant.Address,
		Amount:            so.Amount,
		DeliveryAddress:   so.DeliveryAddress,
		ExpiresAt:         &expires,
		Status:            string(o.Status),
		RiderID:           o.RiderID,
	}
	if cand.HasDistance {
		d := cand.DistanceKm
		p.DistanceKm = &d
	}
	return p
}

func (c *Coordinator) newOffer(so models.SubOrder, riderID string, now time.Time) models.RiderOffer {
	return models.RiderOffer{
		ID:         uuid.NewString(),
		SubOrderID: so.ID,
		RiderID:    riderID,
		Status:     models.OfferPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.offerTTL),
	}
}

// offerOne runs one single-rider round: pick a candidate, write the offer and
// count the attempt. It returns nil when nobody is eligible.
func (c *Coordinator) offerOne(ctx context.Context, tx storage.Tx, so *models.SubOrder, strategy models.Strategy,
	exclude []string, open []models.RiderOffer, now time.Time, mode string, eff *effects) (*models.RiderOffer, error) {
	skip := append([]string(nil), exclude...)
	for _, o := range open {
		skip = append(skip, o.RiderID)
	}
	cand, ok, err := selector.PickOne(ctx, tx, selectorRequest(*so, strategy, skip))
	if err != nil || !ok {
		return nil, err
	}

	offer := c.newOffer(*so, cand.Rider.ID, now)
	if err := tx.InsertOffer(ctx, offer); err != nil {
		return nil, err
	}
	so.Status = models.SubOrderOffered
	so.DispatchState = models.DispatchOffered
	so.DispatchAttempts++
	so.UpdatedAt = now
	if err := tx.UpdateSubOrderDispatch(ctx, *so); err != nil {
		return nil, err
	}

	eff.offered(mode)
	eff.notify(notify.New(notify.EventOrderOffer, notify.RiderChannel(offer.RiderID), offerPayload(*so, offer, cand), now))
	c.log.WithFields(logrus.Fields{
		"sub_order_id": so.ID,
		"offer_id":     offer.ID,
		"rider_id":     offer.RiderID,
		"strategy":     strategy,
		"attempt":      so.DispatchAttempts,
	}).Info("offer created")
	return &offer, nil
}

// DispatchSingle offers the sub-order to one rider. With no exclusions an
// existing open offer is returned instead of creating another. A nil offer
// with a nil error means no rider was eligible.
func (c *Coordinator) DispatchSingle(ctx context.Context, subOrderID string, strategy models.Strategy, exclude []string) (*models.RiderOffer, error) {
	if strategy == "" {
		strategy = c.defaultStrategy
	}
	var offer *models.RiderOffer
	err := c.inTx(ctx, func(tx storage.Tx, eff *effects) error {
		so, err := tx.LockSubOrder(ctx, subOrderID)
		if err != nil {
			return err
		}
		if err := checkDispatchable(so); err != nil {
			return err
		}
		if so.Assigned() {
			return &models.AlreadyAssignedError{SubOrderID: so.ID, RiderID: so.RiderID}
		}
		now := c.now()
		open, err := c.openOffers(ctx, tx, so.ID, now, eff)
		if err != nil {
			return err
		}
		if len(exclude) == 0 && len(open) > 0 {
			existing := open[0]
			offer = &existing
			return nil
		}
		offer, err = c.offerOne(ctx, tx, &so, strategy, exclude, open, now, "single", eff)
		return err
	})
	if err != nil {
		return nil, err
	}
	if offer == nil {
		c.log.WithField("sub_order_id", subOrderID).Info("no eligible rider")
	}
	return offer, nil
}

// DispatchBroadcast offers the sub-order to every eligible rider at once.
// Sub-orders that are already taken are a no-op; open offers are returned
// as they are.
func (c *Coordinator) DispatchBroadcast(ctx context.Context, subOrderID string) ([]models.RiderOffer, error) {
	var offers []models.RiderOffer
	err := c.inTx(ctx, func(tx storage.Tx, eff *effects) error {
		so, err := tx.LockSubOrder(ctx, subOrderID)
		if err != nil {
			return err
		}
		if err := checkDispatchable(so); err != nil {
			return err
		}
		if so.Assigned() || so.Status.Settled() {
			return nil
		}
		now := c.now()
		open, err := c.openOffers(ctx, tx, so.ID, now, eff)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			offers = open
			return nil
		}

		cands, err := selector.Broadcast(ctx, tx, selectorRequest(so, models.StrategyBroadcast, nil))
		if err != nil || len(cands) == 0 {
			return err
		}
		so.Status = models.SubOrderOffered
		so.DispatchState = models.DispatchOffered
		so.DispatchAttempts++
		so.UpdatedAt = now
		for _, cand := range cands {
			o := c.newOffer(so, cand.Rider.ID, now)
			if err := tx.InsertOffer(ctx, o); err != nil {
				return err
			}
			offers = append(offers, o)
			eff.offered("broadcast")
			eff.notify(notify.New(notify.EventOrderOffer, notify.RiderChannel(o.RiderID), offerPayload(so, o, cand), now))
		}
		if err := tx.UpdateSubOrderDispatch(ctx, so); err != nil {
			return err
		}
		eff.notify(notify.New(notify.EventNewOrderAvailable, notify.Topic(notify.TopicRiders), notify.Payload{
			SubOrderID:        so.ID,
			OrderID:           so.OrderID,
			RestaurantName:    so.Restaurant.Name,
			RestaurantAddress: so.Restaurant.Address,
			Amount:            so.Amount,
			DeliveryAddress:   so.DeliveryAddress,
			Count:             len(offers),
		}, now))
		c.log.WithFields(logrus.Fields{"sub_order_id": so.ID, "offers": len(offers)}).Info("sub-order broadcast")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []models.RiderOffer{}
	}
	return offers, nil
}

// ResolveOffer applies a rider's answer to one of their offers.
func (c *Coordinator) ResolveOffer(ctx context.Context, riderID, offerID string, accept bool) (Resolution, error) {
	start := time.Now()
	defer func() { observability.ResolveLatency.Observe(time.Since(start).Seconds()) }()

	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return Resolution{}, err
	}
	if o.RiderID != riderID {
		return Resolution{}, &models.OwnershipError{OfferID: offerID, SubOrderID: o.SubOrderID, RiderID: riderID}
	}

	// outcome is a failure that still commits, like marking a lapsed offer EXPIRED
	var (
		res     Resolution
		outcome error
	)
	err = c.inTx(ctx, func(tx storage.Tx, eff *effects) error {
		res, outcome = Resolution{}, nil
		so, err := tx.LockSubOrder(ctx, o.SubOrderID)
		if err != nil {
			return err
		}
		// re-read under the lock; a concurrent winner may have decided it
		cur, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if cur.Status != models.OfferPending {
			outcome = &models.StaleOfferError{OfferID: cur.ID, Status: cur.Status}
			return nil
		}
		now := c.now()
		if cur.ExpiredAt(now) {
			if err := tx.UpdateOfferStatus(ctx, cur.ID, models.OfferExpired, now); err != nil {
				return err
			}
			eff.expired++
			eff.outcome = "expired"
			outcome = &models.StaleOfferError{OfferID: cur.ID, Status: models.OfferExpired, Expired: true}
			return c.settleAfterExpiry(ctx, tx, &so, now, eff)
		}
		if accept {
			var lost *models.AlreadyAssignedError
			res, lost, err = c.accept(ctx, tx, so, cur, now, eff)
			if lost != nil {
				outcome = lost
			}
		} else {
			res, err = c.reject(ctx, tx, so, cur, now, eff)
		}
		return err
	})
	if err != nil {
		return Resolution{}, err
	}
	if outcome != nil {
		return Resolution{}, outcome
	}
	return res, nil
}

// accept assigns the sub-order to o's rider. lost is set, with the offer
// recorded as REJECTED, when another rider already holds the sub-order.
func (c *Coordinator) accept(ctx context.Context, tx storage.Tx, so models.SubOrder, o models.RiderOffer, now time.Time, eff *effects) (res Resolution, lost *models.AlreadyAssignedError, err error) {
	if so.Assigned() {
		if err := tx.UpdateOfferStatus(ctx, o.ID, models.OfferRejected, now); err != nil {
			return Resolution{}, nil, err
		}
		eff.outcome = "lost_race"
		c.log.WithFields(logrus.Fields{"sub_order_id": so.ID, "offer_id": o.ID, "rider_id": o.RiderID}).Info("accept lost to an earlier winner")
		return Resolution{}, &models.AlreadyAssignedError{SubOrderID: so.ID, RiderID: so.RiderID}, nil
	}

	if err := tx.UpdateOfferStatus(ctx, o.ID, models.OfferAccepted, now); err != nil {
		return Resolution{}, nil, err
	}
	o.Status = models.OfferAccepted
	o.DecidedAt = &now

	others, err := tx.ListOffers(ctx, storage.OfferFilter{SubOrderID: so.ID, Status: models.OfferPending})
	if err != nil {
		return Resolution{}, nil, err
	}
	for _, other := range others {
		if other.ID == o.ID {
			continue
		}
		if err := tx.UpdateOfferStatus(ctx, other.ID, models.OfferRejected, now); err != nil {
			return Resolution{}, nil, err
		}
		eff.notify(notify.New(notify.EventOrderTaken, notify.RiderChannel(other.RiderID), notify.Payload{
			OfferID:    other.ID,
			SubOrderID: so.ID,
			OrderID:    so.OrderID,
			Status:     string(models.OfferRejected),
		}, now))
	}

	so.RiderID = o.RiderID
	so.Status = models.SubOrderAccepted
	so.DispatchState = models.DispatchAssigned
	so.AssignedAt = &now
	so.UpdatedAt = now
	if err := tx.UpdateSubOrderDispatch(ctx, so); err != nil {
		return Resolution{}, nil, err
	}
	if err := tx.UpdateRiderStatus(ctx, o.RiderID, models.RiderAccepted); err != nil {
		return Resolution{}, nil, err
	}

	accepted := notify.Payload{
		OfferID:           o.ID,
		SubOrderID:        so.ID,
		OrderID:           so.OrderID,
		RestaurantName:    so.Restaurant.Name,
		RestaurantAddress: so.Restaurant.Address,
		Amount:            so.Amount,
		DeliveryAddress:   so.DeliveryAddress,
		Status:            string(so.Status),
		RiderID:           o.RiderID,
	}
	eff.notify(notify.New(notify.EventOrderAccepted, notify.OrderChannel(so.OrderID), accepted, now))
	eff.notify(notify.New(notify.EventOrderAccepted, notify.RiderChannel(o.RiderID), accepted, now))
	eff.outcome = "accepted"
	c.log.WithFields(logrus.Fields{
		"sub_order_id": so.ID,
		"offer_id":     o.ID,
		"rider_id":     o.RiderID,
		"rejected":     len(others) - 1,
	}).Info("offer accepted")
	return Resolution{Offer: &o, Accepted: true, SubOrder: so}, nil, nil
}

// reject records the refusal and, when it left the sub-order with no open
// offer, cascades to the nearest rider who has not refused yet.
func (c *Coordinator) reject(ctx context.Context, tx storage.Tx, so models.SubOrder, o models.RiderOffer, now time.Time, eff *effects) (Resolution, error) {
	if err := tx.UpdateOfferStatus(ctx, o.ID, models.OfferRejected, now); err != nil {
		return Resolution{}, err
	}
	o.Status = models.OfferRejected
	o.DecidedAt = &now
	eff.outcome = "rejected"
	res := Resolution{Offer: &o, SubOrder: so}

	if so.Assigned() {
		return res, nil
	}
	open, err := c.openOffers(ctx, tx, so.ID, now, eff)
	if err != nil {
		return Resolution{}, err
	}
	if len(open) > 0 {
		return res, nil
	}

	log := c.log.WithFields(logrus.Fields{"sub_order_id": so.ID, "rider_id": o.RiderID, "attempt": so.DispatchAttempts})
	if so.DispatchAttempts >= c.maxAttempts {
		log.Info("attempt budget spent")
		if err := c.markUnassignable(ctx, tx, &so, now, eff); err != nil {
			return Resolution{}, err
		}
		res.SubOrder = so
		return res, nil
	}

	rejected, err := tx.RejectedRiders(ctx, so.ID)
	if err != nil {
		return Resolution{}, err
	}
	exclude := append(rejected, o.RiderID)
	eff.cascaded = true
	next, err := c.offerOne(ctx, tx, &so, models.StrategyNearest, exclude, nil, now, "cascade", eff)
	if err != nil {
		return Resolution{}, err
	}
	if next == nil {
		log.Info("no rider left to cascade to")
		if err := c.markUnassignable(ctx, tx, &so, now, eff); err != nil {
			return Resolution{}, err
		}
	}
	res.SubOrder = so
	res.NextOffer = next
	return res, nil
}

func (c *Coordinator) markUnassignable(ctx context.Context, tx storage.Tx, so *models.SubOrder, now time.Time, eff *effects) error {
	so.Status = models.SubOrderPending
	so.DispatchState = models.DispatchUnassignable
	so.UpdatedAt = now
	if err := tx.UpdateSubOrderDispatch(ctx, *so); err != nil {
		return err
	}
	eff.unassignable = true
	eff.notify(notify.New(notify.EventOrderStatusUpdate, notify.OrderChannel(so.OrderID), notify.Payload{
		SubOrderID: so.ID,
		OrderID:    so.OrderID,
		Status:     string(so.Status),
	}, now))
	return nil
}

// settleAfterExpiry reverts an offered sub-order to PENDING once it has no
// rider and no open offer left.
func (c *Coordinator) settleAfterExpiry(ctx context.Context, tx storage.Tx, so *models.SubOrder, now time.Time, eff *effects) error {
	if so.Assigned() || so.Status != models.SubOrderOffered {
		return nil
	}
	open, err := c.openOffers(ctx, tx, so.ID, now, eff)
	if err != nil || len(open) > 0 {
		return err
	}
	so.Status = models.SubOrderPending
	so.DispatchState = models.DispatchUndispatched
	if so.DispatchAttempts >= c.maxAttempts {
		so.DispatchState = models.DispatchUnassignable
		eff.unassignable = true
	}
	so.UpdatedAt = now
	return tx.UpdateSubOrderDispatch(ctx, *so)
}

// ResolveBySubOrder answers through the rider's PENDING offer for the
// sub-order. Without one it can only confirm an assignment the rider
// already holds; it never assigns.
func (c *Coordinator) ResolveBySubOrder(ctx context.Context, riderID, subOrderID string, accept bool) (Resolution, error) {
	pending, err := c.store.ListOffers(ctx, storage.OfferFilter{SubOrderID: subOrderID, RiderID: riderID, Status: models.OfferPending})
	if err != nil {
		return Resolution{}, err
	}
	if len(pending) > 0 {
		return c.ResolveOffer(ctx, riderID, pending[0].ID, accept)
	}

	var res Resolution
	err = c.inTx(ctx, func(tx storage.Tx, eff *effects) error {
		so, err := tx.LockSubOrder(ctx, subOrderID)
		if err != nil {
			return err
		}
		if !accept || so.RiderID != riderID {
			return &models.StaleOfferError{}
		}
		if so.Status == models.SubOrderAssigned {
			now := c.now()
			so.Status = models.SubOrderAccepted
			so.UpdatedAt = now
			if err := tx.UpdateSubOrderDispatch(ctx, so); err != nil {
				return err
			}
			if err := tx.UpdateRiderStatus(ctx, riderID, models.RiderAccepted); err != nil {
				return err
			}
			eff.notify(notify.New(notify.EventOrderStatusUpdate, notify.OrderChannel(so.OrderID), notify.Payload{
				SubOrderID: so.ID,
				OrderID:    so.OrderID,
				Status:     string(so.Status),
				RiderID:    riderID,
			}, now))
		}
		res = Resolution{Accepted: true, SubOrder: so}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// ExpiredPending exposes the sweep query: PENDING offers past their expiry.
func (c *Coordinator) ExpiredPending(ctx context.Context, limit int) ([]models.RiderOffer, error) {
	return c.store.FindExpiredPending(ctx, c.now(), limit)
}

// ExpireStale marks up to limit lapsed offers EXPIRED and reverts sub-orders
// left without a rider or an open offer. It returns how many offers expired.
func (c *Coordinator) ExpireStale(ctx context.Context, limit int) (int, error) {
	lapsed, err := c.store.FindExpiredPending(ctx, c.now(), limit)
	if err != nil {
		return 0, err
	}
	var (
		order []string
		bySO  = make(map[string][]string)
	)
	for _, o := range lapsed {
		if _, ok := bySO[o.SubOrderID]; !ok {
			order = append(order, o.SubOrderID)
		}
		bySO[o.SubOrderID] = append(bySO[o.SubOrderID], o.ID)
	}

	total := 0
	var errs []error
	for _, soID := range order {
		var n int
		err := c.inTx(ctx, func(tx storage.Tx, eff *effects) error {
			so, err := tx.LockSubOrder(ctx, soID)
			if err != nil {
				return err
			}
			now := c.now()
			for _, id := range bySO[soID] {
				o, err := tx.GetOffer(ctx, id)
				if err != nil {
					return err
				}
				if o.Status != models.OfferPending || !o.ExpiredAt(now) {
					continue
				}
				if err := tx.UpdateOfferStatus(ctx, id, models.OfferExpired, now); err != nil {
					return err
				}
				eff.expired++
			}
			if err := c.settleAfterExpiry(ctx, tx, &so, now, eff); err != nil {
				return err
			}
			n = eff.expired
			return nil
		})
		if err != nil {
			c.log.WithError(err).WithField("sub_order_id", soID).Warn("expiry sweep failed")
			errs = append(errs, err)
			continue
		}
		total += n
	}
	if total > 0 {
		c.log.WithField("expired", total).Info("expired stale offers")
	}
	return total, errors.Join(errs...)
}

// AdvanceStatus moves an assigned sub-order along its delivery progress on
// behalf of its rider.
func (c *Coordinator) AdvanceStatus(ctx context.Context, riderID, subOrderID string, next models.SubOrderStatus) (models.SubOrder, error) {
	var out models.SubOrder
	err := c.inTx(ctx, func(tx storage.Tx, eff *effects) error {
		so, err := tx.LockSubOrder(ctx, subOrderID)
		if err != nil {
			return err
		}
		if so.RiderID != riderID {
			return &models.OwnershipError{SubOrderID: so.ID, RiderID: riderID}
		}
		if !so.Status.CanAdvanceTo(next) {
			return &models.InvalidTransitionError{From: so.Status, To: next}
		}
		now := c.now()
		so.Status = next
		so.UpdatedAt = now
		if err := tx.UpdateSubOrderDispatch(ctx, so); err != nil {
			return err
		}

		riderStatus := models.RiderAccepted
		switch next {
		case models.SubOrderEnRoute:
			riderStatus = models.RiderEnRoute
		case models.SubOrderDelivered, models.SubOrderCompleted:
			load, err := tx.CountActiveByRider(ctx, []string{riderID})
			if err != nil {
				return err
			}
			riderStatus = models.RiderIdle
			if load[riderID] > 0 {
				riderStatus = models.RiderEnRoute
			}
		}
		if err := tx.UpdateRiderStatus(ctx, riderID, riderStatus); err != nil {
			return err
		}

		eff.notify(notify.New(notify.EventOrderStatusUpdate, notify.OrderChannel(so.OrderID), notify.Payload{
			SubOrderID: so.ID,
			OrderID:    so.OrderID,
			Status:     string(so.Status),
			RiderID:    riderID,
		}, now))
		out = so
		return nil
	})
	return out, err
}
