package database

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"delivery-tracker/internal/domain"
)

// OrderColumns selects an orders row in the shape ScanOrder expects.
const OrderColumns = `id, order_number, status, rider_progress, eta_minutes, rider_name, items,
	subtotal::text, tax::text, delivery_fee::text, total::text,
	created_at, updated_at, restaurant_id, user_id, delivery_address, notes`

// ScanOrder reads one row selected with OrderColumns.
func ScanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                         domain.Order
		status                    string
		items                     []byte
		subtotal, tax, fee, total string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &status, &o.RiderProgress, &o.ETAMinutes, &o.RiderName, &items,
		&subtotal, &tax, &fee, &total,
		&o.CreatedAt, &o.UpdatedAt, &o.RestaurantID, &o.UserID, &o.DeliveryAddress, &o.Notes,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.Status(status)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: decode items: %w", o.ID, err)
		}
	}
	for _, m := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Subtotal, subtotal}, {&o.Tax, tax}, {&o.DeliveryFee, fee}, {&o.Total, total}} {
		if *m.dst, err = decimal.NewFromString(m.src); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: decode amount %q: %w", o.ID, m.src, err)
		}
	}
	return o, nil
}
