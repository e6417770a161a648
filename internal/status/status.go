package status

import "errors"

var (
	// Conflict signals from the seat backend. Never retried automatically;
	// the reservation session clears its selection and re-fetches availability.
	ErrSeatAlreadyLocked = errors.New("seat: seat already locked by another session")
	ErrSeatAlreadyBooked = errors.New("seat: seat already booked")

	// Local validation failures, rejected before any network call.
	ErrNoSeatsSelected = errors.New("seat: no seats selected")

	ErrLockExpired          = errors.New("session: seat lock expired")
	ErrInvalidTransition    = errors.New("session: invalid state transition")
	ErrPaymentWindowExpired = errors.New("payment: payment window expired")
	ErrFailedPayment        = errors.New("payment: payment failed")

	// Realtime channel exhaustion. Degrades to manual refresh, never fatal
	// to the booking flow.
	ErrRealtimeDisabled = errors.New("realtime: channel disabled after max reconnect attempts")

	ErrBookingNotFound = errors.New("booking: booking not found")
	ErrOrderNotFound   = errors.New("payment: order not found")
)

// IsConflict reports whether err is a seat conflict signal, as opposed to a
// transient transport failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSeatAlreadyLocked) || errors.Is(err, ErrSeatAlreadyBooked)
}
