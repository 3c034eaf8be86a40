package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/route"
)

// TrackingState is what a tracking view renders at one instant.
type TrackingState struct {
	OrderID     uuid.UUID     `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Status      domain.Status `json:"status"`
	// StatusStepIndex is the position in domain.Steps. A cancelled order
	// keeps the step it was cancelled at.
	StatusStepIndex int             `json:"status_step_index"`
	Cancelled       bool            `json:"cancelled"`
	RiderPosition   route.Point     `json:"rider_position"`
	RiderProgress   float64         `json:"rider_progress"`
	RiderName       *string         `json:"rider_name"`
	ETAMinutes      *int            `json:"eta_minutes"`
	ETALabel        string          `json:"eta_label"`
	ETADiverged     bool            `json:"eta_diverged,omitempty"`
	IsLive          bool            `json:"is_live"`
	Reconnecting    bool            `json:"reconnecting"`
	NotFound        bool            `json:"not_found"`
	Items           []domain.Item   `json:"items,omitempty"`
	Total           decimal.Decimal `json:"total"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// equal reports whether two states render the same.
func (s TrackingState) equal(o TrackingState) bool {
	if s.OrderID != o.OrderID || s.OrderNumber != o.OrderNumber || s.Status != o.Status ||
		s.StatusStepIndex != o.StatusStepIndex || s.Cancelled != o.Cancelled ||
		s.RiderPosition != o.RiderPosition || s.RiderProgress != o.RiderProgress ||
		s.ETALabel != o.ETALabel || s.ETADiverged != o.ETADiverged ||
		s.IsLive != o.IsLive || s.Reconnecting != o.Reconnecting || s.NotFound != o.NotFound ||
		!s.Total.Equal(o.Total) || !s.UpdatedAt.Equal(o.UpdatedAt) || len(s.Items) != len(o.Items) {
		return false
	}
	if !eqPtr(s.RiderName, o.RiderName) || !eqPtr(s.ETAMinutes, o.ETAMinutes) {
		return false
	}
	for i := range s.Items {
		a, b := s.Items[i], o.Items[i]
		if a.Name != b.Name || a.Quantity != b.Quantity || !a.UnitPrice.Equal(b.UnitPrice) {
			return false
		}
	}
	return true
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
