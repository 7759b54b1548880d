package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"marketplace-service/internal/entity"
)

const orderColumns = `id, buyer_id, supplier_id, courier_id, product_name, quantity, unit, weight_kg,
	buyer_price, supplier_price, shipping_cost, service_fee, total_amount, delivery_method,
	pickup_lat, pickup_lng, pickup_address, delivery_lat, delivery_lng, delivery_address,
	status, paid_at, pickup_photo_url, delivery_token, dispute_reason, dispute_evidence_url,
	dispute_confidence, created_at, updated_at`

type OrderRepository struct {
	db dbtx
}

func scanOrder(row scanner) (*entity.Order, error) {
	o := &entity.Order{}
	var (
		supplierID, courierID sql.NullString
		pickupLat, pickupLng  sql.NullFloat64
		paidAt                sql.NullTime
		confidence            sql.NullFloat64
		method, status        string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &supplierID, &courierID, &o.ProductName, &o.Quantity, &o.Unit, &o.WeightKg,
		&o.BuyerPrice, &o.SupplierPrice, &o.ShippingCost, &o.ServiceFee, &o.TotalAmount, &method,
		&pickupLat, &pickupLng, &o.PickupAddress, &o.Delivery.Lat, &o.Delivery.Lng, &o.DeliveryAddress,
		&status, &paidAt, &o.PickupPhotoURL, &o.DeliveryToken, &o.DisputeReason, &o.DisputeEvidence,
		&confidence, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.SupplierID = supplierID.String
	o.CourierID = courierID.String
	o.DeliveryMethod = entity.DeliveryMethod(method)
	o.Status = entity.Status(status)
	if pickupLat.Valid && pickupLng.Valid {
		o.Pickup = &entity.Point{Lat: pickupLat.Float64, Lng: pickupLng.Float64}
	}
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	if confidence.Valid {
		f := confidence.Float64
		o.DisputeConfidence = &f
	}
	return o, nil
}

// mutableArgs are the values written by UpdateIfStatus, in column order.
func mutableArgs(o *entity.Order) []interface{} {
	var pickupLat, pickupLng sql.NullFloat64
	if o.Pickup != nil {
		pickupLat = sql.NullFloat64{Float64: o.Pickup.Lat, Valid: true}
		pickupLng = sql.NullFloat64{Float64: o.Pickup.Lng, Valid: true}
	}
	var paidAt sql.NullTime
	if o.PaidAt != nil {
		paidAt = sql.NullTime{Time: *o.PaidAt, Valid: true}
	}
	var confidence sql.NullFloat64
	if o.DisputeConfidence != nil {
		confidence = sql.NullFloat64{Float64: *o.DisputeConfidence, Valid: true}
	}
	return []interface{}{
		nullString(o.SupplierID), nullString(o.CourierID), o.BuyerPrice, o.SupplierPrice, o.ShippingCost,
		o.ServiceFee, o.TotalAmount, string(o.DeliveryMethod), pickupLat, pickupLng, o.PickupAddress,
		string(o.Status), paidAt, o.PickupPhotoURL, o.DeliveryToken, o.DisputeReason, o.DisputeEvidence,
		confidence, o.UpdatedAt,
	}
}

func (r *OrderRepository) Create(ctx context.Context, o *entity.Order) error {
	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (` + placeholders(29) + `)`

	var pickupLat, pickupLng sql.NullFloat64
	if o.Pickup != nil {
		pickupLat = sql.NullFloat64{Float64: o.Pickup.Lat, Valid: true}
		pickupLng = sql.NullFloat64{Float64: o.Pickup.Lng, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.BuyerID, nullString(o.SupplierID), nullString(o.CourierID), o.ProductName, o.Quantity, o.Unit, o.WeightKg,
		o.BuyerPrice, o.SupplierPrice, o.ShippingCost, o.ServiceFee, o.TotalAmount, string(o.DeliveryMethod),
		pickupLat, pickupLng, o.PickupAddress, o.Delivery.Lat, o.Delivery.Lng, o.DeliveryAddress,
		string(o.Status), nil, o.PickupPhotoURL, o.DeliveryToken, o.DisputeReason, o.DisputeEvidence,
		nil, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("order %s: %w", o.ID, entity.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "order "+id)
	}
	return o, nil
}

func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ? FOR UPDATE`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "order "+id)
	}
	return o, nil
}

// UpdateIfStatus is the compare-and-swap every status change goes through:
// the expected prior status is part of the WHERE clause and the affected row
// count decides who won.
func (r *OrderRepository) UpdateIfStatus(ctx context.Context, o *entity.Order, expected entity.Status) (bool, error) {
	query := `UPDATE orders SET supplier_id = ?, courier_id = ?, buyer_price = ?, supplier_price = ?, shipping_cost = ?,
		service_fee = ?, total_amount = ?, delivery_method = ?, pickup_lat = ?, pickup_lng = ?, pickup_address = ?,
		status = ?, paid_at = ?, pickup_photo_url = ?, delivery_token = ?, dispute_reason = ?, dispute_evidence_url = ?,
		dispute_confidence = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	args := append(mutableArgs(o), o.ID, string(expected))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OrderRepository) ListByParty(ctx context.Context, partyID string, limit int) ([]*entity.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE buyer_id = ? OR supplier_id = ? OR courier_id = ?
		ORDER BY created_at DESC, id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, partyID, partyID, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*entity.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountActiveBySupplier is a locking read so that it sees every order
// committed before the caller took the supplier lock.
func (r *OrderRepository) CountActiveBySupplier(ctx context.Context, supplierID, excludeOrderID string) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE supplier_id = ? AND id <> ? AND status IN (` +
		placeholders(len(entity.ActiveSupplierStatuses)) + `) FOR SHARE`

	args := []interface{}{supplierID, excludeOrderID}
	for _, s := range entity.ActiveSupplierStatuses {
		args = append(args, string(s))
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
