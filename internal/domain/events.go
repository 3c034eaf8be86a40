package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventUpdate is the only event type the tracking side consumes.
const EventUpdate = "UPDATE"

// UpdateEvent is one push from the order store subscription.
type UpdateEvent struct {
	EventType string `json:"event_type"`
	Order     Order  `json:"order"`
}

// Notification is the payload the orders trigger sends with pg_notify. The
// full row is fetched by id afterwards.
type Notification struct {
	EventType string    `json:"event_type"`
	ID        uuid.UUID `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusChange is one entry of an order's status timeline.
type StatusChange struct {
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changed_by"`
	Notes     *string   `json:"notes,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}
