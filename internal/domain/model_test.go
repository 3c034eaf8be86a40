package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCheckTotals(t *testing.T) {
	base := Order{
		Items:       []Item{{Name: "Margherita Pizza", Quantity: 1, UnitPrice: dec("12.99")}},
		Subtotal:    dec("12.99"),
		Tax:         dec("1.04"),
		DeliveryFee: dec("2.99"),
		Total:       dec("17.02"),
	}
	tests := []struct {
		name    string
		modify  func(*Order)
		wantErr error
	}{
		{name: "consistent", modify: func(o *Order) {}},
		{name: "total mismatch", modify: func(o *Order) { o.Total = dec("17.00") }, wantErr: ErrTotalMismatch},
		{name: "zero quantity", modify: func(o *Order) { o.Items[0].Quantity = 0 }},
		{name: "negative tax", modify: func(o *Order) { o.Tax = dec("-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			o.Items = append([]Item(nil), base.Items...)
			tt.modify(&o)
			err := o.CheckTotals()
			switch {
			case tt.name == "consistent":
				assert.NoError(t, err)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.Error(t, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name         string
		in           Order
		wantProgress float64
		wantETA      *int
	}{
		{"progress above one", Order{Status: StatusOutForDelivery, RiderProgress: 1.7, ETAMinutes: IntPtr(4)}, 1, IntPtr(4)},
		{"progress below zero", Order{Status: StatusOutForDelivery, RiderProgress: -0.2}, 0, nil},
		{"NaN progress", Order{Status: StatusOutForDelivery, RiderProgress: math.NaN()}, 0, nil},
		{"progress before pickup", Order{Status: StatusPreparing, RiderProgress: 0.4, ETAMinutes: IntPtr(20)}, 0, IntPtr(20)},
		{"negative eta", Order{Status: StatusConfirmed, ETAMinutes: IntPtr(-3)}, 0, IntPtr(0)},
		{"delivered", Order{Status: StatusDelivered, RiderProgress: 0.9, ETAMinutes: IntPtr(3)}, 1, IntPtr(0)},
		{"cancelled", Order{Status: StatusCancelled, ETAMinutes: IntPtr(12)}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.wantProgress, got.RiderProgress)
			assert.Equal(t, tt.wantETA, got.ETAMinutes)
		})
	}
}

func TestItemAcceptsLegacyQtyKey(t *testing.T) {
	var items []Item
	require.NoError(t, json.Unmarshal([]byte(`[
		{"name":"Pepperoni Feast","qty":2,"price":15.99},
		{"name":"Tiramisu","quantity":1,"price":"7.99"}
	]`), &items))

	require.Len(t, items, 2)
	assert.Equal(t, 2, items[0].Quantity)
	assert.True(t, items[0].LineTotal().Equal(dec("31.98")))
	assert.Equal(t, 1, items[1].Quantity)
	assert.True(t, items[1].UnitPrice.Equal(dec("7.99")))
}

func TestOrderStatusWireFormat(t *testing.T) {
	b, err := json.Marshal(Order{Status: StatusOutForDelivery})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"out_for_delivery"`)

	var o Order
	require.NoError(t, json.Unmarshal(b, &o))
	assert.Equal(t, StatusOutForDelivery, o.Status)
}
