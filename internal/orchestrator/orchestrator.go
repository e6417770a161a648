package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ticket-client/internal/reservation"
	"ticket-client/internal/status"
	"ticket-client/internal/transport"
	"ticket-client/models"
	"ticket-client/monitoring"
)

// Transport is the slice of the backend client the orchestrator needs.
type Transport interface {
	CreateBooking(ctx context.Context, idemKey string, req *transport.BookingRequest) (*models.Booking, error)
	InitiatePayment(ctx context.Context, idemKey, bookingID string) (*models.Payment, error)
	VerifyPayment(ctx context.Context, orderID string) (*models.Payment, error)
	Confirm(ctx context.Context, idemKey string, req *transport.ConfirmRequest) error
	Unlock(ctx context.Context, idemKey string, req *transport.UnlockRequest) error
	FailBooking(ctx context.Context, idemKey, bookingID, reason string) error
}

// Notifier delivers payment gateway callbacks.
type Notifier interface {
	Results() <-chan models.GatewayResult
}

type Options struct {
	// PaymentWindow bounds how long the user may spend on the payment screen,
	// independent of the seat-lock TTL.
	PaymentWindow time.Duration

	// ConfirmAttempts bounds retries of the seat-confirm call once payment has
	// completed. The money is already taken at that point, so a transient
	// confirm failure must not strand a paid booking on the first try.
	ConfirmAttempts int
	ConfirmBackoff  time.Duration

	Logger *slog.Logger
}

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailed
	OutcomeCancelled
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeExpired:
		return "expired"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Booking *models.Booking
	Payment *models.Payment
}

// Orchestrator sequences booking creation, payment initiation, the external
// gateway outcome, and the seat confirm/release calls that must follow. Every
// mutating step carries an idempotency key minted once per run, so retries
// and duplicate callbacks cannot double-book, double-charge, or
// double-release.
type Orchestrator struct {
	tr       Transport
	notifier Notifier
	opts     Options
	log      *slog.Logger
}

func New(tr Transport, notifier Notifier, opts Options) *Orchestrator {
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = 10 * time.Minute
	}
	if opts.ConfirmAttempts <= 0 {
		opts.ConfirmAttempts = 3
	}
	if opts.ConfirmBackoff <= 0 {
		opts.ConfirmBackoff = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		tr:       tr,
		notifier: notifier,
		opts:     opts,
		log:      opts.Logger,
	}
}

// keys holds the idempotency keys for one orchestration. One key per logical
// mutation, stable across retries within the run.
type keys struct {
	booking string
	payment string
	confirm string
	unlock  string
	fail    string
}

func newKeys() keys {
	return keys{
		booking: uuid.NewString(),
		payment: uuid.NewString(),
		confirm: uuid.NewString(),
		unlock:  uuid.NewString(),
		fail:    uuid.NewString(),
	}
}

// Run drives a held session through payment to Confirmed, or unwinds it to
// Released. The session must be in Held with a live lock.
func (o *Orchestrator) Run(ctx context.Context, sess *reservation.Session) (*Result, error) {
	result, err := o.run(ctx, sess)
	if result != nil {
		monitoring.TrackOrchestration(result.Outcome.String())
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, sess *reservation.Session) (*Result, error) {
	if err := sess.BeginConfirm(); err != nil {
		return nil, err
	}

	lock := sess.LockSession()
	if lock == nil {
		sess.Abort("seat lock expired")
		return nil, status.ErrLockExpired
	}

	k := newKeys()

	booking, err := o.tr.CreateBooking(ctx, k.booking, &transport.BookingRequest{
		ShowID:      lock.ShowID,
		UserID:      lock.UserID,
		SessionID:   lock.SessionID,
		SeatNumbers: lock.SeatNumbers,
	})
	if err != nil {
		o.unwind(sess, lock, k, nil, "booking creation failed")
		return nil, fmt.Errorf("orchestrator: create booking: %w", err)
	}
	o.log.Info("booking created", "booking_id", booking.ID, "seats", booking.SeatNumbers)

	payment, err := o.tr.InitiatePayment(ctx, k.payment, booking.ID)
	if err != nil {
		o.unwind(sess, lock, k, booking, "payment initiation failed")
		return nil, fmt.Errorf("orchestrator: initiate payment: %w", err)
	}
	o.log.Info("payment initiated", "order_id", payment.OrderID, "amount", payment.Amount)

	result, err := o.awaitGateway(ctx, payment.OrderID)
	if err != nil {
		o.unwind(sess, lock, k, booking, err.Error())
		res := &Result{Outcome: OutcomeFailed, Booking: booking, Payment: payment}
		if errors.Is(err, status.ErrPaymentWindowExpired) {
			res.Outcome = OutcomeExpired
		}
		return res, err
	}

	if result.Status != models.GatewaySuccess {
		o.unwind(sess, lock, k, booking, "payment "+result.Status)
		outcome := OutcomeFailed
		if result.Status == models.GatewayCancelled {
			outcome = OutcomeCancelled
		}
		return &Result{Outcome: outcome, Booking: booking, Payment: payment}, status.ErrFailedPayment
	}

	// The callback alone is never trusted; the outcome is verified
	// server-side before seats are confirmed.
	verified, err := o.tr.VerifyPayment(ctx, payment.OrderID)
	if err != nil {
		o.unwind(sess, lock, k, booking, "payment verification failed")
		return &Result{Outcome: OutcomeFailed, Booking: booking, Payment: payment}, fmt.Errorf("orchestrator: verify payment: %w", err)
	}
	if verified.Status != models.PaymentCompleted {
		o.unwind(sess, lock, k, booking, "payment not completed")
		return &Result{Outcome: OutcomeFailed, Booking: booking, Payment: verified}, status.ErrFailedPayment
	}

	// The payment stands at this point, so the confirm is retried rather than
	// unwound. The key makes every attempt the same logical operation.
	if err := o.confirmSeats(ctx, k.confirm, lock, booking.ID); err != nil {
		return &Result{Outcome: OutcomeFailed, Booking: booking, Payment: verified}, fmt.Errorf("orchestrator: confirm seats: %w", err)
	}

	if err := sess.MarkConfirmed(); err != nil {
		return &Result{Outcome: OutcomeFailed, Booking: booking, Payment: verified}, err
	}

	o.log.Info("booking confirmed", "booking_id", booking.ID)
	return &Result{Outcome: OutcomeConfirmed, Booking: booking, Payment: verified}, nil
}

// confirmSeats drives the idempotent confirm call with bounded retries,
// reusing one key across attempts. Tolerates the server having already
// auto-confirmed.
func (o *Orchestrator) confirmSeats(ctx context.Context, key string, lock *models.LockSession, bookingID string) error {
	req := &transport.ConfirmRequest{
		ShowID:      lock.ShowID,
		BookingID:   bookingID,
		UserID:      lock.UserID,
		SessionID:   lock.SessionID,
		SeatNumbers: lock.SeatNumbers,
	}

	var err error
	for attempt := 1; attempt <= o.opts.ConfirmAttempts; attempt++ {
		err = o.tr.Confirm(ctx, key, req)
		if err == nil {
			return nil
		}
		o.log.Warn("confirm attempt failed", "booking_id", bookingID, "attempt", attempt, "error", err)

		if attempt == o.opts.ConfirmAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.opts.ConfirmBackoff):
		}
	}
	return err
}

// awaitGateway blocks until the gateway reports on orderID, the payment
// window closes, or ctx is cancelled.
func (o *Orchestrator) awaitGateway(ctx context.Context, orderID string) (*models.GatewayResult, error) {
	window := time.NewTimer(o.opts.PaymentWindow)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-window.C:
			return nil, status.ErrPaymentWindowExpired
		case result, ok := <-o.notifier.Results():
			if !ok {
				return nil, fmt.Errorf("orchestrator: gateway notifier closed")
			}
			if result.OrderID != orderID {
				continue
			}
			return &result, nil
		}
	}
}

// unwind releases shared state after a failed or abandoned flow: unlock the
// held seats and mark the booking failed, each exactly once, then release
// the session locally. Runs on its own context so a cancelled flow still
// unwinds instead of silently abandoning the hold.
func (o *Orchestrator) unwind(sess *reservation.Session, lock *models.LockSession, k keys, booking *models.Booking, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.tr.Unlock(ctx, k.unlock, &transport.UnlockRequest{
		ShowID:      lock.ShowID,
		UserID:      lock.UserID,
		SessionID:   lock.SessionID,
		SeatNumbers: lock.SeatNumbers,
	}); err != nil {
		// The server-side TTL releases the seats eventually.
		o.log.Warn("unwind: unlock failed", "session_id", lock.SessionID, "error", err)
	}

	if booking != nil {
		if err := o.tr.FailBooking(ctx, k.fail, booking.ID, reason); err != nil {
			o.log.Warn("unwind: fail-notify failed", "booking_id", booking.ID, "error", err)
		}
	}

	sess.Abort("payment did not complete, seats released")
}
