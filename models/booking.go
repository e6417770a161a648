package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingFailed    BookingStatus = "FAILED"
)

type Booking struct {
	ID          string          `json:"booking_id"`
	Reference   string          `json:"reference,omitempty"`
	ShowID      string          `json:"show_id"`
	UserID      string          `json:"user_id"`
	SeatNumbers []string        `json:"seat_numbers"`
	Amount      decimal.Decimal `json:"amount"`
	Status      BookingStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type Payment struct {
	ID          string          `json:"payment_id"`
	OrderID     string          `json:"order_id"`
	BookingID   string          `json:"booking_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
