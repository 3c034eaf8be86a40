package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrTotalMismatch = errors.New("total does not match subtotal + tax + delivery fee")
)

// Item is one line of an order.
type Item struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
}

// UnmarshalJSON also accepts the legacy "qty" key written by older checkouts.
func (it *Item) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name     string          `json:"name"`
		Quantity *int            `json:"quantity"`
		Qty      *int            `json:"qty"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	it.Name = raw.Name
	it.UnitPrice = raw.Price
	switch {
	case raw.Quantity != nil:
		it.Quantity = *raw.Quantity
	case raw.Qty != nil:
		it.Quantity = *raw.Qty
	default:
		it.Quantity = 0
	}
	return nil
}

func (it Item) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Order is one row of the orders table.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	OrderNumber     string          `json:"order_number"`
	Status          Status          `json:"status"`
	RiderProgress   float64         `json:"rider_progress"`
	ETAMinutes      *int            `json:"eta_minutes"`
	RiderName       *string         `json:"rider_name"`
	Items           []Item          `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Total           decimal.Decimal `json:"total"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	RestaurantID    *uuid.UUID      `json:"restaurant_id"`
	UserID          *uuid.UUID      `json:"user_id"`
	DeliveryAddress *string         `json:"delivery_address"`
	Notes           *string         `json:"notes"`
}

// CheckTotals verifies the money invariants of the order.
func (o Order) CheckTotals() error {
	for _, it := range o.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("item %q: quantity %d < 1", it.Name, it.Quantity)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("item %q: negative unit price", it.Name)
		}
	}
	amounts := []struct {
		name string
		v    decimal.Decimal
	}{
		{"subtotal", o.Subtotal}, {"tax", o.Tax}, {"delivery_fee", o.DeliveryFee}, {"total", o.Total},
	}
	for _, a := range amounts {
		if a.v.IsNegative() {
			return fmt.Errorf("%s is negative", a.name)
		}
	}
	if !o.Subtotal.Add(o.Tax).Add(o.DeliveryFee).Equal(o.Total) {
		return fmt.Errorf("%w: %s + %s + %s != %s", ErrTotalMismatch, o.Subtotal, o.Tax, o.DeliveryFee, o.Total)
	}
	return nil
}

// Normalize clamps the numeric fields the store is trusted for in shape but
// not in range.
func (o Order) Normalize() Order {
	o.RiderProgress = ClampProgress(o.RiderProgress)
	switch o.Status {
	case StatusPlaced, StatusConfirmed, StatusPreparing:
		o.RiderProgress = 0
	case StatusDelivered:
		o.RiderProgress = 1
		o.ETAMinutes = IntPtr(0)
	case StatusCancelled:
		o.ETAMinutes = nil
	}
	if o.ETAMinutes != nil && *o.ETAMinutes < 0 {
		o.ETAMinutes = IntPtr(0)
	}
	return o
}

// ClampProgress maps any float into [0,1]; NaN becomes 0.
func ClampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func IntPtr(v int) *int { return &v }

func StringPtr(s string) *string { return &s }
