package models

import "time"

// RealtimeEvent is a seat-status push for one show. Pushes are advisory: the
// availability snapshot remains the source of truth and missed pushes are
// tolerated.
type RealtimeEvent struct {
	Seats     []string   `json:"seats"`
	Status    SeatStatus `json:"status"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// GatewayResult is a payment gateway callback, delivered out of band while
// the user completes payment in the gateway UI.
type GatewayResult struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"` // success, failed, cancelled
	Timestamp time.Time `json:"timestamp"`
}

const (
	GatewaySuccess   = "success"
	GatewayFailed    = "failed"
	GatewayCancelled = "cancelled"
)
