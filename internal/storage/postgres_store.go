package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/order-dispatch/internal/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query is written once.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	queries
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{queries: queries{db: db}, db: db}, nil
}

// DB exposes the pool for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&pgTx{queries{db: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	queries
}

// LockSubOrder holds the sub-order row lock until commit or rollback.
// Restaurant rows are read but not locked.
func (t *pgTx) LockSubOrder(ctx context.Context, id string) (models.SubOrder, error) {
	row := t.db.QueryRowContext(ctx, subOrderSelect+` WHERE so.id = $1 FOR UPDATE OF so`, id)
	so, err := scanSubOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubOrder{}, models.SubOrderNotFound(id)
	}
	return so, err
}

type queries struct {
	db dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

const riderSelect = `SELECT id, name, online, available, status, lat, lon, location_at, updated_at FROM riders`

func scanRider(s scanner) (models.Rider, error) {
	var (
		r          models.Rider
		lat, lon   sql.NullFloat64
		locationAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.Name, &r.Online, &r.Available, &r.Status, &lat, &lon, &locationAt, &r.UpdatedAt); err != nil {
		return models.Rider{}, err
	}
	if lat.Valid && lon.Valid {
		r.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	if locationAt.Valid {
		t := locationAt.Time
		r.LocationAt = &t
	}
	return r, nil
}

func collectRiders(rows *sql.Rows) ([]models.Rider, error) {
	defer rows.Close()
	var out []models.Rider
	for rows.Next() {
		r, err := scanRider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) GetRider(ctx context.Context, id string) (models.Rider, error) {
	r, err := scanRider(q.db.QueryRowContext(ctx, riderSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Rider{}, models.RiderNotFound(id)
	}
	return r, err
}

func (q queries) ListOnlineAvailableWithLocation(ctx context.Context) ([]models.Rider, error) {
	rows, err := q.db.QueryContext(ctx, riderSelect+
		` WHERE online AND available AND lat IS NOT NULL AND lon IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectRiders(rows)
}

func (q queries) ListAffiliated(ctx context.Context, restaurantID string) ([]models.Rider, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.online, r.available, r.status, r.lat, r.lon, r.location_at, r.updated_at
		FROM riders r
		JOIN rider_affiliations a ON a.rider_id = r.id
		WHERE a.restaurant_id = $1 AND a.active AND r.online AND r.available
		ORDER BY r.id`, restaurantID)
	if err != nil {
		return nil, err
	}
	return collectRiders(rows)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (q queries) UpdateRiderLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE riders SET lat = $1, lon = $2, location_at = $3, updated_at = $3 WHERE id = $4`,
		loc.Lat, loc.Lon, at, id)
	if err != nil {
		return err
	}
	return requireRow(res, models.RiderNotFound(id))
}

func (q queries) UpdateRiderPresence(ctx context.Context, id string, online, available bool, status models.RiderStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE riders SET online = $1, available = $2, status = $3, updated_at = now() WHERE id = $4`,
		online, available, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, models.RiderNotFound(id))
}

func (q queries) UpdateRiderStatus(ctx context.Context, id string, status models.RiderStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE riders SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, models.RiderNotFound(id))
}

const subOrderSelect = `
	SELECT so.id, so.order_id, so.fulfillment, so.status, so.rider_id, so.dispatch_state,
		so.dispatch_attempts, so.amount, so.delivery_address, so.assigned_at, so.created_at, so.updated_at,
		r.id, r.name, r.address, r.lat, r.lon
	FROM sub_orders so
	JOIN restaurants r ON r.id = so.restaurant_id`

func scanSubOrder(s scanner) (models.SubOrder, error) {
	var (
		so         models.SubOrder
		riderID    sql.NullString
		assignedAt sql.NullTime
		lat, lon   sql.NullFloat64
	)
	err := s.Scan(&so.ID, &so.OrderID, &so.Fulfillment, &so.Status, &riderID, &so.DispatchState,
		&so.DispatchAttempts, &so.Amount, &so.DeliveryAddress, &assignedAt, &so.CreatedAt, &so.UpdatedAt,
		&so.Restaurant.ID, &so.Restaurant.Name, &so.Restaurant.Address, &lat, &lon)
	if err != nil {
		return models.SubOrder{}, err
	}
	so.RiderID = riderID.String
	if assignedAt.Valid {
		t := assignedAt.Time
		so.AssignedAt = &t
	}
	if lat.Valid && lon.Valid {
		so.Restaurant.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return so, nil
}

func (q queries) GetSubOrder(ctx context.Context, id string) (models.SubOrder, error) {
	so, err := scanSubOrder(q.db.QueryRowContext(ctx, subOrderSelect+` WHERE so.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubOrder{}, models.SubOrderNotFound(id)
	}
	return so, err
}

func (q queries) UpdateSubOrderDispatch(ctx context.Context, so models.SubOrder) error {
	var riderID sql.NullString
	if so.RiderID != "" {
		riderID = sql.NullString{String: so.RiderID, Valid: true}
	}
	var assignedAt sql.NullTime
	if so.AssignedAt != nil {
		assignedAt = sql.NullTime{Time: *so.AssignedAt, Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE sub_orders
		SET status = $1, rider_id = $2, dispatch_state = $3, dispatch_attempts = $4, assigned_at = $5, updated_at = $6
		WHERE id = $7`,
		so.Status, riderID, so.DispatchState, so.DispatchAttempts, assignedAt, so.UpdatedAt, so.ID)
	if err != nil {
		return err
	}
	return requireRow(res, models.SubOrderNotFound(so.ID))
}

// ListSubOrders builds its WHERE clause from the non-empty filter fields.
func (q queries) ListSubOrders(ctx context.Context, f SubOrderFilter) ([]models.SubOrder, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrderID != "" {
		add("so.order_id = $%d", f.OrderID)
	}
	if f.RiderID != "" {
		add("so.rider_id = $%d", f.RiderID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("so.status = ANY($%d)", pq.Array(statuses))
	}
	query := subOrderSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY so.id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SubOrder
	for rows.Next() {
		so, err := scanSubOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, so)
	}
	return out, rows.Err()
}

func (q queries) CountActiveByRider(ctx context.Context, riderIDs []string) (map[string]int, error) {
	out := make(map[string]int)
	if len(riderIDs) == 0 {
		return out, nil
	}
	active := make([]string, len(models.ActiveStatuses))
	for i, s := range models.ActiveStatuses {
		active[i] = string(s)
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT rider_id, count(*) FROM sub_orders
		WHERE rider_id = ANY($1) AND status = ANY($2)
		GROUP BY rider_id`, pq.Array(riderIDs), pq.Array(active))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

const offerSelect = `SELECT id, sub_order_id, rider_id, status, created_at, expires_at, decided_at FROM rider_offers`

func scanOffer(s scanner) (models.RiderOffer, error) {
	var (
		o         models.RiderOffer
		decidedAt sql.NullTime
	)
	if err := s.Scan(&o.ID, &o.SubOrderID, &o.RiderID, &o.Status, &o.CreatedAt, &o.ExpiresAt, &decidedAt); err != nil {
		return models.RiderOffer{}, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		o.DecidedAt = &t
	}
	return o, nil
}

func collectOffers(rows *sql.Rows) ([]models.RiderOffer, error) {
	defer rows.Close()
	var out []models.RiderOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q queries) GetOffer(ctx context.Context, id string) (models.RiderOffer, error) {
	o, err := scanOffer(q.db.QueryRowContext(ctx, offerSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RiderOffer{}, models.OfferNotFound(id)
	}
	return o, err
}

func (q queries) InsertOffer(ctx context.Context, o models.RiderOffer) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO rider_offers (id, sub_order_id, rider_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.SubOrderID, o.RiderID, o.Status, o.CreatedAt, o.ExpiresAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateOffer
	}
	return err
}

func (q queries) UpdateOfferStatus(ctx context.Context, id string, status models.OfferStatus, decidedAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE rider_offers SET status = $1, decided_at = $2 WHERE id = $3`, status, decidedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, models.OfferNotFound(id))
}

func (q queries) ListOffers(ctx context.Context, f OfferFilter) ([]models.RiderOffer, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SubOrderID != "" {
		add("sub_order_id = $%d", f.SubOrderID)
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	query := offerSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (q queries) RejectedRiders(ctx context.Context, subOrderID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT rider_id FROM rider_offers
		WHERE sub_order_id = $1 AND status = $2
		ORDER BY rider_id`, subOrderID, models.OfferRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q queries) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.RiderOffer, error) {
	query := offerSelect + ` WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at, id`
	args := []any{models.OfferPending, now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}
