package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// MemoryStore keeps dispatch state in process. Writers are serialized by
// writeMu and a transaction's writes are staged until commit, so readers
// holding mu only ever see committed state.
type MemoryStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	riders       map[string]models.Rider
	affiliations map[string]map[string]bool // restaurant id -> rider ids
	subOrders    map[string]models.SubOrder
	offers       map[string]models.RiderOffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		riders:       make(map[string]models.Rider),
		affiliations: make(map[string]map[string]bool),
		subOrders:    make(map[string]models.SubOrder),
		offers:       make(map[string]models.RiderOffer),
	}
}

// PutRider, PutSubOrder, PutAffiliation and PutOffer seed state that other
// subsystems own in production.
func (m *MemoryStore) PutRider(r models.Rider) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riders[r.ID] = r
}

func (m *MemoryStore) PutSubOrder(so models.SubOrder) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if so.Status == "" {
		so.Status = models.SubOrderPending
	}
	if so.DispatchState == "" {
		so.DispatchState = models.DispatchUndispatched
	}
	m.subOrders[so.ID] = so
}

func (m *MemoryStore) PutAffiliation(riderID, restaurantID string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.affiliations[restaurantID]
	if !ok {
		set = make(map[string]bool)
		m.affiliations[restaurantID] = set
	}
	set[riderID] = true
}

func (m *MemoryStore) PutOffer(o models.RiderOffer) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &memTx{
		s:         m,
		riders:    make(map[string]models.Rider),
		subOrders: make(map[string]models.SubOrder),
		offers:    make(map[string]models.RiderOffer),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// reads

func (m *MemoryStore) GetRider(ctx context.Context, id string) (models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getRider(m, id)
}

func (m *MemoryStore) ListOnlineAvailableWithLocation(ctx context.Context) ([]models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listOnlineAvailableWithLocation(m), nil
}

func (m *MemoryStore) ListAffiliated(ctx context.Context, restaurantID string) ([]models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listAffiliated(m, restaurantID), nil
}

func (m *MemoryStore) GetSubOrder(ctx context.Context, id string) (models.SubOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getSubOrder(m, id)
}

func (m *MemoryStore) ListSubOrders(ctx context.Context, f SubOrderFilter) ([]models.SubOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listSubOrders(m, f), nil
}

func (m *MemoryStore) CountActiveByRider(ctx context.Context, riderIDs []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countActiveByRider(m, riderIDs), nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (models.RiderOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getOffer(m, id)
}

func (m *MemoryStore) ListOffers(ctx context.Context, f OfferFilter) ([]models.RiderOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listOffers(m, f), nil
}

func (m *MemoryStore) RejectedRiders(ctx context.Context, subOrderID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rejectedRiders(m, subOrderID), nil
}

func (m *MemoryStore) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.RiderOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findExpiredPending(m, now, limit), nil
}

// single-statement writes run as their own transaction

func (m *MemoryStore) UpdateRiderLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.UpdateRiderLocation(ctx, id, loc, at) })
}

func (m *MemoryStore) UpdateRiderPresence(ctx context.Context, id string, online, available bool, status models.RiderStatus) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.UpdateRiderPresence(ctx, id, online, available, status) })
}

func (m *MemoryStore) UpdateRiderStatus(ctx context.Context, id string, status models.RiderStatus) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.UpdateRiderStatus(ctx, id, status) })
}

func (m *MemoryStore) UpdateSubOrderDispatch(ctx context.Context, so models.SubOrder) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.UpdateSubOrderDispatch(ctx, so) })
}

func (m *MemoryStore) InsertOffer(ctx context.Context, o models.RiderOffer) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.InsertOffer(ctx, o) })
}

func (m *MemoryStore) UpdateOfferStatus(ctx context.Context, id string, status models.OfferStatus, decidedAt time.Time) error {
	return m.InTx(ctx, func(tx Tx) error { return tx.UpdateOfferStatus(ctx, id, status, decidedAt) })
}

// view is the read side shared by committed state and an open transaction.
type view interface {
	rider(id string) (models.Rider, bool)
	subOrder(id string) (models.SubOrder, bool)
	offer(id string) (models.RiderOffer, bool)
	allRiders() []models.Rider
	allSubOrders() []models.SubOrder
	allOffers() []models.RiderOffer
	affiliated(restaurantID string) map[string]bool
}

func (m *MemoryStore) rider(id string) (models.Rider, bool) {
	r, ok := m.riders[id]
	return r, ok
}

func (m *MemoryStore) subOrder(id string) (models.SubOrder, bool) {
	so, ok := m.subOrders[id]
	return so, ok
}

func (m *MemoryStore) offer(id string) (models.RiderOffer, bool) {
	o, ok := m.offers[id]
	return o, ok
}

func (m *MemoryStore) allRiders() []models.Rider {
	out := make([]models.Rider, 0, len(m.riders))
	for _, r := range m.riders {
		out = append(out, r)
	}
	return out
}

func (m *MemoryStore) allSubOrders() []models.SubOrder {
	out := make([]models.SubOrder, 0, len(m.subOrders))
	for _, so := range m.subOrders {
		out = append(out, so)
	}
	return out
}

func (m *MemoryStore) allOffers() []models.RiderOffer {
	out := make([]models.RiderOffer, 0, len(m.offers))
	for _, o := range m.offers {
		out = append(out, o)
	}
	return out
}

func (m *MemoryStore) affiliated(restaurantID string) map[string]bool {
	return m.affiliations[restaurantID]
}

// memTx stages writes over the committed maps. It runs with writeMu held, so
// committed state cannot change underneath it and its reads need no lock.
type memTx struct {
	s         *MemoryStore
	riders    map[string]models.Rider
	subOrders map[string]models.SubOrder
	offers    map[string]models.RiderOffer
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, r := range t.riders {
		t.s.riders[id] = r
	}
	for id, so := range t.subOrders {
		t.s.subOrders[id] = so
	}
	for id, o := range t.offers {
		t.s.offers[id] = o
	}
}

func (t *memTx) rider(id string) (models.Rider, bool) {
	if r, ok := t.riders[id]; ok {
		return r, true
	}
	return t.s.rider(id)
}

func (t *memTx) subOrder(id string) (models.SubOrder, bool) {
	if so, ok := t.subOrders[id]; ok {
		return so, true
	}
	return t.s.subOrder(id)
}

func (t *memTx) offer(id string) (models.RiderOffer, bool) {
	if o, ok := t.offers[id]; ok {
		return o, true
	}
	return t.s.offer(id)
}

func (t *memTx) allRiders() []models.Rider {
	out := make([]models.Rider, 0, len(t.s.riders))
	for id, r := range t.s.riders {
		if staged, ok := t.riders[id]; ok {
			r = staged
		}
		out = append(out, r)
	}
	return out
}

func (t *memTx) allSubOrders() []models.SubOrder {
	out := make([]models.SubOrder, 0, len(t.s.subOrders))
	for id, so := range t.s.subOrders {
		if staged, ok := t.subOrders[id]; ok {
			so = staged
		}
		out = append(out, so)
	}
	return out
}

func (t *memTx) allOffers() []models.RiderOffer {
	out := make([]models.RiderOffer, 0, len(t.s.offers)+len(t.offers))
	for id, o := range t.s.offers {
		if staged, ok := t.offers[id]; ok {
			o = staged
		}
		out = append(out, o)
	}
	for id, o := range t.offers {
		if _, ok := t.s.offers[id]; !ok {
			out = append(out, o)
		}
	}
	return out
}

func (t *memTx) affiliated(restaurantID string) map[string]bool {
	return t.s.affiliated(restaurantID)
}

func (t *memTx) LockSubOrder(ctx context.Context, id string) (models.SubOrder, error) {
	return getSubOrder(t, id)
}

func (t *memTx) GetRider(ctx context.Context, id string) (models.Rider, error) {
	return getRider(t, id)
}

func (t *memTx) ListOnlineAvailableWithLocation(ctx context.Context) ([]models.Rider, error) {
	return listOnlineAvailableWithLocation(t), nil
}

func (t *memTx) ListAffiliated(ctx context.Context, restaurantID string) ([]models.Rider, error) {
	return listAffiliated(t, restaurantID), nil
}

func (t *memTx) UpdateRiderLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	r, ok := t.rider(id)
	if !ok {
		return models.RiderNotFound(id)
	}
	r.Location = &loc
	r.LocationAt = &at
	r.UpdatedAt = at
	t.riders[id] = r
	return nil
}

func (t *memTx) UpdateRiderPresence(ctx context.Context, id string, online, available bool, status models.RiderStatus) error {
	r, ok := t.rider(id)
	if !ok {
		return models.RiderNotFound(id)
	}
	r.Online, r.Available, r.Status = online, available, status
	r.UpdatedAt = time.Now()
	t.riders[id] = r
	return nil
}

func (t *memTx) UpdateRiderStatus(ctx context.Context, id string, status models.RiderStatus) error {
	r, ok := t.rider(id)
	if !ok {
		return models.RiderNotFound(id)
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	t.riders[id] = r
	return nil
}

func (t *memTx) GetSubOrder(ctx context.Context, id string) (models.SubOrder, error) {
	return getSubOrder(t, id)
}

func (t *memTx) UpdateSubOrderDispatch(ctx context.Context, so models.SubOrder) error {
	cur, ok := t.subOrder(so.ID)
	if !ok {
		return models.SubOrderNotFound(so.ID)
	}
	cur.Status = so.Status
	cur.RiderID = so.RiderID
	cur.DispatchState = so.DispatchState
	cur.DispatchAttempts = so.DispatchAttempts
	cur.AssignedAt = so.AssignedAt
	cur.UpdatedAt = so.UpdatedAt
	t.subOrders[so.ID] = cur
	return nil
}

func (t *memTx) ListSubOrders(ctx context.Context, f SubOrderFilter) ([]models.SubOrder, error) {
	return listSubOrders(t, f), nil
}

func (t *memTx) CountActiveByRider(ctx context.Context, riderIDs []string) (map[string]int, error) {
	return countActiveByRider(t, riderIDs), nil
}

func (t *memTx) GetOffer(ctx context.Context, id string) (models.RiderOffer, error) {
	return getOffer(t, id)
}

func (t *memTx) InsertOffer(ctx context.Context, o models.RiderOffer) error {
	if _, ok := t.offer(o.ID); ok {
		return ErrDuplicateOffer
	}
	if o.Status == models.OfferPending {
		for _, p := range listOffers(t, OfferFilter{SubOrderID: o.SubOrderID, RiderID: o.RiderID, Status: models.OfferPending}) {
			if p.ID != o.ID {
				return ErrDuplicateOffer
			}
		}
	}
	t.offers[o.ID] = o
	return nil
}

func (t *memTx) UpdateOfferStatus(ctx context.Context, id string, status models.OfferStatus, decidedAt time.Time) error {
	o, ok := t.offer(id)
	if !ok {
		return models.OfferNotFound(id)
	}
	o.Status = status
	o.DecidedAt = &decidedAt
	t.offers[id] = o
	return nil
}

func (t *memTx) ListOffers(ctx context.Context, f OfferFilter) ([]models.RiderOffer, error) {
	return listOffers(t, f), nil
}

func (t *memTx) RejectedRiders(ctx context.Context, subOrderID string) ([]string, error) {
	return rejectedRiders(t, subOrderID), nil
}

func (t *memTx) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.RiderOffer, error) {
	return findExpiredPending(t, now, limit), nil
}

// queries over a view

func getRider(v view, id string) (models.Rider, error) {
	r, ok := v.rider(id)
	if !ok {
		return models.Rider{}, models.RiderNotFound(id)
	}
	return r, nil
}

func getSubOrder(v view, id string) (models.SubOrder, error) {
	so, ok := v.subOrder(id)
	if !ok {
		return models.SubOrder{}, models.SubOrderNotFound(id)
	}
	return so, nil
}

func getOffer(v view, id string) (models.RiderOffer, error) {
	o, ok := v.offer(id)
	if !ok {
		return models.RiderOffer{}, models.OfferNotFound(id)
	}
	return o, nil
}

func sortRiders(rs []models.Rider) []models.Rider {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	return rs
}

func listOnlineAvailableWithLocation(v view) []models.Rider {
	var out []models.Rider
	for _, r := range v.allRiders() {
		if r.Dispatchable() && r.Location != nil {
			out = append(out, r)
		}
	}
	return sortRiders(out)
}

func listAffiliated(v view, restaurantID string) []models.Rider {
	var out []models.Rider
	for id := range v.affiliated(restaurantID) {
		if r, ok := v.rider(id); ok && r.Dispatchable() {
			out = append(out, r)
		}
	}
	return sortRiders(out)
}

func listSubOrders(v view, f SubOrderFilter) []models.SubOrder {
	var out []models.SubOrder
	for _, so := range v.allSubOrders() {
		if f.OrderID != "" && so.OrderID != f.OrderID {
			continue
		}
		if f.RiderID != "" && so.RiderID != f.RiderID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, so.Status) {
			continue
		}
		out = append(out, so)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasStatus(set []models.SubOrderStatus, s models.SubOrderStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func countActiveByRider(v view, riderIDs []string) map[string]int {
	want := make(map[string]bool, len(riderIDs))
	for _, id := range riderIDs {
		want[id] = true
	}
	out := make(map[string]int)
	for _, so := range v.allSubOrders() {
		if so.RiderID != "" && want[so.RiderID] && so.Status.Active() {
			out[so.RiderID]++
		}
	}
	return out
}

func sortOffers(os []models.RiderOffer) []models.RiderOffer {
	sort.Slice(os, func(i, j int) bool {
		if !os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].CreatedAt.Before(os[j].CreatedAt)
		}
		return os[i].ID < os[j].ID
	})
	return os
}

func listOffers(v view, f OfferFilter) []models.RiderOffer {
	var out []models.RiderOffer
	for _, o := range v.allOffers() {
		if f.SubOrderID != "" && o.SubOrderID != f.SubOrderID {
			continue
		}
		if f.RiderID != "" && o.RiderID != f.RiderID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	return sortOffers(out)
}

func rejectedRiders(v view, subOrderID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range listOffers(v, OfferFilter{SubOrderID: subOrderID, Status: models.OfferRejected}) {
		if !seen[o.RiderID] {
			seen[o.RiderID] = true
			out = append(out, o.RiderID)
		}
	}
	sort.Strings(out)
	return out
}

func findExpiredPending(v view, now time.Time, limit int) []models.RiderOffer {
	var out []models.RiderOffer
	for _, o := range v.allOffers() {
		if o.Status == models.OfferPending && o.ExpiredAt(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
