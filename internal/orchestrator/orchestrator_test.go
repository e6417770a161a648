package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-client/internal/reservation"
	"ticket-client/internal/status"
	"ticket-client/internal/transport"
	"ticket-client/models"
)

type fakeBackend struct {
	mu sync.Mutex

	bookingErr error
	paymentErr error
	verifyErr  error
	confirmErr error

	// confirmFailures makes the first N Confirm calls fail with confirmErr
	// before the backend recovers. Zero means confirmErr applies to every call.
	confirmFailures int

	verifyStatus models.PaymentStatus

	bookingKeys []string
	paymentKeys []string
	confirmKeys []string
	unlockKeys  []string
	failKeys    []string
	failReasons []string
}

func (f *fakeBackend) Lock(ctx context.Context, idemKey string, req *transport.LockRequest) (*transport.LockGrant, error) {
	return &transport.LockGrant{LockDurationSeconds: 300}, nil
}

func (f *fakeBackend) Availability(ctx context.Context, showID string) (*models.SeatSnapshot, error) {
	return &models.SeatSnapshot{
		ShowID:    showID,
		FetchedAt: time.Now(),
		Seats: []models.Seat{
			{SeatNumber: "A1", Status: models.SeatAvailable, Price: decimal.NewFromInt(100)},
		},
	}, nil
}

func (f *fakeBackend) CreateBooking(ctx context.Context, idemKey string, req *transport.BookingRequest) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookingKeys = append(f.bookingKeys, idemKey)
	if f.bookingErr != nil {
		return nil, f.bookingErr
	}
	return &models.Booking{
		ID:          "booking-1",
		ShowID:      req.ShowID,
		UserID:      req.UserID,
		SeatNumbers: req.SeatNumbers,
		Amount:      decimal.NewFromInt(100),
		Status:      models.BookingPending,
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeBackend) InitiatePayment(ctx context.Context, idemKey, bookingID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paymentKeys = append(f.paymentKeys, idemKey)
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	return &models.Payment{
		ID:        "payment-1",
		OrderID:   "order-1",
		BookingID: bookingID,
		Amount:    decimal.NewFromInt(100),
		Currency:  "USD",
		Status:    models.PaymentPending,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeBackend) VerifyPayment(ctx context.Context, orderID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	st := f.verifyStatus
	if st == "" {
		st = models.PaymentCompleted
	}
	return &models.Payment{OrderID: orderID, Status: st}, nil
}

func (f *fakeBackend) Confirm(ctx context.Context, idemKey string, req *transport.ConfirmRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmKeys = append(f.confirmKeys, idemKey)
	if f.confirmFailures > 0 && len(f.confirmKeys) > f.confirmFailures {
		return nil
	}
	return f.confirmErr
}

func (f *fakeBackend) Unlock(ctx context.Context, idemKey string, req *transport.UnlockRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlockKeys = append(f.unlockKeys, idemKey)
	return nil
}

func (f *fakeBackend) FailBooking(ctx context.Context, idemKey, bookingID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKeys = append(f.failKeys, idemKey)
	f.failReasons = append(f.failReasons, reason)
	return nil
}

type fakeNotifier struct {
	results chan models.GatewayResult
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{results: make(chan models.GatewayResult, 4)}
}

func (n *fakeNotifier) Results() <-chan models.GatewayResult { return n.results }

func heldSession(t *testing.T, backend *fakeBackend) *reservation.Session {
	t.Helper()
	sess := reservation.NewSession("show-1", "user-1", backend, reservation.Options{
		Tick: 50 * time.Millisecond,
	})
	t.Cleanup(func() { sess.Close(context.Background()) })

	require.NoError(t, sess.Refresh(context.Background()))
	sess.ToggleSeat("A1")
	require.NoError(t, sess.Lock(context.Background()))
	return sess
}

func TestOrchestrator_SuccessfulFlow(t *testing.T) {
	backend := &fakeBackend{}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{
		OrderID:   "order-1",
		Status:    models.GatewaySuccess,
		Timestamp: time.Now(),
	}

	result, err := o.Run(context.Background(), sess)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConfirmed, result.Outcome)
	assert.Equal(t, "booking-1", result.Booking.ID)
	assert.Equal(t, reservation.StateConfirmed, sess.State())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.confirmKeys, 1)
	assert.Empty(t, backend.unlockKeys, "successful flow never unwinds")
	assert.Empty(t, backend.failKeys)
}

func TestOrchestrator_GatewayFailureUnwindsOnce(t *testing.T) {
	backend := &fakeBackend{}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{
		OrderID: "order-1",
		Status:  models.GatewayFailed,
	}

	result, err := o.Run(context.Background(), sess)
	assert.ErrorIs(t, err, status.ErrFailedPayment)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, reservation.StateReleased, sess.State())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.unlockKeys, 1, "unwind unlocks exactly once")
	assert.Len(t, backend.failKeys, 1, "unwind reports the failed booking exactly once")
	assert.Empty(t, backend.confirmKeys)
}

func TestOrchestrator_GatewayCancelled(t *testing.T) {
	backend := &fakeBackend{}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{
		OrderID: "order-1",
		Status:  models.GatewayCancelled,
	}

	result, err := o.Run(context.Background(), sess)
	assert.ErrorIs(t, err, status.ErrFailedPayment)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, reservation.StateReleased, sess.State())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.unlockKeys, 1)
	assert.Len(t, backend.failKeys, 1)
}

func TestOrchestrator_PaymentWindowExpiry(t *testing.T) {
	backend := &fakeBackend{}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: 50 * time.Millisecond})
	sess := heldSession(t, backend)

	result, err := o.Run(context.Background(), sess)
	assert.ErrorIs(t, err, status.ErrPaymentWindowExpired)
	assert.Equal(t, OutcomeExpired, result.Outcome)
	assert.Equal(t, reservation.StateReleased, sess.State())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.unlockKeys, 1)
	assert.Len(t, backend.failKeys, 1)
}

func TestOrchestrator_IgnoresForeignOrderCallbacks(t *testing.T) {
	backend := &fakeBackend{}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{OrderID: "someone-elses-order", Status: models.GatewayFailed}
	notifier.results <- models.GatewayResult{OrderID: "order-1", Status: models.GatewaySuccess}

	result, err := o.Run(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, result.Outcome)
}

func TestOrchestrator_VerificationOverridesCallback(t *testing.T) {
	// The gateway says success but server-side verification disagrees: the
	// callback alone is never trusted.
	backend := &fakeBackend{verifyStatus: models.PaymentFailed}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{OrderID: "order-1", Status: models.GatewaySuccess}

	result, err := o.Run(context.Background(), sess)
	assert.ErrorIs(t, err, status.ErrFailedPayment)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Empty(t, backend.confirmKeys, "seats are never confirmed on a failed verification")
	assert.Len(t, backend.unlockKeys, 1)
}

func TestOrchestrator_BookingFailureSkipsFailNotify(t *testing.T) {
	backend := &fakeBackend{bookingErr: errors.New("backend down")}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	_, err := o.Run(context.Background(), sess)
	require.Error(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.unlockKeys, 1)
	assert.Empty(t, backend.failKeys, "no booking exists, nothing to fail-notify")
	assert.Equal(t, reservation.StateReleased, sess.State())
}

func TestOrchestrator_ConfirmRetriesTransientFailure(t *testing.T) {
	// Payment has completed by the confirm step, so a blip there must not cost
	// the user their paid seats: the confirm is retried under the same key
	// until the backend recovers.
	backend := &fakeBackend{confirmErr: errors.New("gateway timeout"), confirmFailures: 2}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{
		PaymentWindow:   time.Second,
		ConfirmAttempts: 3,
		ConfirmBackoff:  time.Millisecond,
	})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{OrderID: "order-1", Status: models.GatewaySuccess}

	result, err := o.Run(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, result.Outcome)
	assert.Equal(t, reservation.StateConfirmed, sess.State())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.confirmKeys, 3)
	assert.Equal(t, backend.confirmKeys[0], backend.confirmKeys[1], "retries reuse the confirm key")
	assert.Equal(t, backend.confirmKeys[0], backend.confirmKeys[2])
	assert.Empty(t, backend.unlockKeys, "a recovered confirm never unwinds")
	assert.Empty(t, backend.failKeys)
}

func TestOrchestrator_ConfirmRetriesExhausted(t *testing.T) {
	backend := &fakeBackend{confirmErr: errors.New("gateway timeout")}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{
		PaymentWindow:   time.Second,
		ConfirmAttempts: 3,
		ConfirmBackoff:  time.Millisecond,
	})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{OrderID: "order-1", Status: models.GatewaySuccess}

	result, err := o.Run(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.confirmKeys, 3, "every configured attempt is spent")
	assert.Empty(t, backend.unlockKeys, "the payment stands, seats are not released")
	assert.Empty(t, backend.failKeys)
}

func TestOrchestrator_KeysStablePerRunAndDistinctPerOperation(t *testing.T) {
	backend := &fakeBackend{}
	notifier := newFakeNotifier()
	o := New(backend, notifier, Options{PaymentWindow: time.Second})
	sess := heldSession(t, backend)

	notifier.results <- models.GatewayResult{OrderID: "order-1", Status: models.GatewaySuccess}

	_, err := o.Run(context.Background(), sess)
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	keys := map[string]bool{
		backend.bookingKeys[0]: true,
		backend.paymentKeys[0]: true,
		backend.confirmKeys[0]: true,
	}
	assert.Len(t, keys, 3, "each logical operation carries its own key")
	for k := range keys {
		assert.NotEmpty(t, k)
	}
}

func TestOrchestrator_RequiresHeldSession(t *testing.T) {
	backend := &fakeBackend{}
	sess := reservation.NewSession("show-1", "user-1", backend, reservation.Options{})
	defer sess.Close(context.Background())

	o := New(backend, newFakeNotifier(), Options{})
	_, err := o.Run(context.Background(), sess)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}
