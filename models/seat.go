package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SeatType string

const (
	SeatSilver   SeatType = "SILVER"
	SeatGold     SeatType = "GOLD"
	SeatPlatinum SeatType = "PLATINUM"
	SeatDiamond  SeatType = "DIAMOND"
)

type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatLocked    SeatStatus = "LOCKED"
	SeatBooked    SeatStatus = "BOOKED"
)

type Seat struct {
	SeatNumber string          `json:"seat_number"`
	Type       SeatType        `json:"seat_type"`
	Price      decimal.Decimal `json:"price"`
	Status     SeatStatus      `json:"status"`
	UserID     string          `json:"user_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SeatSnapshot is the full availability view returned by the backend. It is
// authoritative at fetch time and supersedes any stale realtime push.
type SeatSnapshot struct {
	ShowID    string    `json:"show_id"`
	Seats     []Seat    `json:"seats"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SeatMap is the client's local view of one show's seats, keyed by seat
// number. It is mutated only by snapshots and realtime events; callers are
// responsible for serializing access.
type SeatMap struct {
	ShowID string
	seats  map[string]*Seat
}

func NewSeatMap(showID string) *SeatMap {
	return &SeatMap{
		ShowID: showID,
		seats:  make(map[string]*Seat),
	}
}

// ApplySnapshot replaces the map contents with the snapshot.
func (m *SeatMap) ApplySnapshot(snap *SeatSnapshot) {
	m.seats = make(map[string]*Seat, len(snap.Seats))
	for i := range snap.Seats {
		s := snap.Seats[i]
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = snap.FetchedAt
		}
		m.seats[s.SeatNumber] = &s
	}
}

// ApplyEvent merges a realtime push last-write-wins by timestamp. Seats in
// the skip set are left untouched so a push can never override the session's
// own pending or held seats. It returns the seat numbers actually changed.
func (m *SeatMap) ApplyEvent(ev *RealtimeEvent, skip map[string]struct{}) []string {
	var changed []string
	for _, number := range ev.Seats {
		if _, own := skip[number]; own {
			continue
		}
		seat, ok := m.seats[number]
		if !ok {
			continue
		}
		if !ev.Timestamp.IsZero() && ev.Timestamp.Before(seat.UpdatedAt) {
			continue
		}
		seat.Status = ev.Status
		seat.UserID = ev.UserID
		seat.UpdatedAt = ev.Timestamp
		changed = append(changed, number)
	}
	return changed
}

func (m *SeatMap) Get(seatNumber string) (Seat, bool) {
	s, ok := m.seats[seatNumber]
	if !ok {
		return Seat{}, false
	}
	return *s, true
}

func (m *SeatMap) Len() int { return len(m.seats) }

// TotalPrice sums the prices of the given seats. Display aggregate only; the
// backend computes the authoritative amount.
func (m *SeatMap) TotalPrice(seatNumbers []string) decimal.Decimal {
	total := decimal.Zero
	for _, number := range seatNumbers {
		if s, ok := m.seats[number]; ok {
			total = total.Add(s.Price)
		}
	}
	return total
}

// LockSession is a time-boxed exclusive hold on a set of seats for one
// client-generated session.
type LockSession struct {
	SessionID   string    `json:"session_id"`
	ShowID      string    `json:"show_id"`
	UserID      string    `json:"user_id"`
	SeatNumbers []string  `json:"seat_numbers"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock is past its TTL. An expired session must
// not be treated as holding any seats, even before the server confirms the
// release.
func (l *LockSession) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
