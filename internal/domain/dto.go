package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateOrderItem struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type CreateOrderRequest struct {
	RestaurantID    *uuid.UUID        `json:"restaurant_id,omitempty"`
	UserID          *uuid.UUID        `json:"user_id,omitempty"`
	DeliveryAddress *string           `json:"delivery_address,omitempty"`
	Notes           *string           `json:"notes,omitempty"`
	DeliveryFee     decimal.Decimal   `json:"delivery_fee"`
	ETAMinutes      *int              `json:"eta_minutes,omitempty"`
	Items           []CreateOrderItem `json:"items"`
}

type CreateOrderResponse struct {
	ID          uuid.UUID       `json:"id"`
	OrderNumber string          `json:"order_number"`
	Status      Status          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type UpdateStatusRequest struct {
	Status     Status `json:"status"`
	ETAMinutes *int   `json:"eta_minutes,omitempty"`
}

type UpdateProgressRequest struct {
	Progress   float64 `json:"progress"`
	ETAMinutes *int    `json:"eta_minutes,omitempty"`
}

type AssignRiderRequest struct {
	RiderName string `json:"rider_name"`
}
