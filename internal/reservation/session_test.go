package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-client/internal/status"
	"ticket-client/internal/transport"
	"ticket-client/models"
)

type fakeTransport struct {
	mu sync.Mutex

	lockErr   error
	lockGrant *transport.LockGrant
	lockCalls []string // idempotency keys in call order
	lockReqs  []*transport.LockRequest

	unlockErr   error
	unlockCalls []string
	unlockReqs  []*transport.UnlockRequest

	snapshot          *models.SeatSnapshot
	availabilityErr   error
	availabilityCalls int
}

func (f *fakeTransport) Lock(ctx context.Context, idemKey string, req *transport.LockRequest) (*transport.LockGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls = append(f.lockCalls, idemKey)
	f.lockReqs = append(f.lockReqs, req)
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	if f.lockGrant != nil {
		return f.lockGrant, nil
	}
	return &transport.LockGrant{LockDurationSeconds: 300}, nil
}

func (f *fakeTransport) Unlock(ctx context.Context, idemKey string, req *transport.UnlockRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlockCalls = append(f.unlockCalls, idemKey)
	f.unlockReqs = append(f.unlockReqs, req)
	return f.unlockErr
}

func (f *fakeTransport) Availability(ctx context.Context, showID string) (*models.SeatSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availabilityCalls++
	if f.availabilityErr != nil {
		return nil, f.availabilityErr
	}
	if f.snapshot != nil {
		return f.snapshot, nil
	}
	return &models.SeatSnapshot{ShowID: showID, FetchedAt: time.Now()}, nil
}

func (f *fakeTransport) availability() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availabilityCalls
}

func availableSnapshot(showID string, numbers ...string) *models.SeatSnapshot {
	snap := &models.SeatSnapshot{ShowID: showID, FetchedAt: time.Now()}
	for _, n := range numbers {
		snap.Seats = append(snap.Seats, models.Seat{
			SeatNumber: n,
			Type:       models.SeatGold,
			Price:      decimal.NewFromInt(100),
			Status:     models.SeatAvailable,
		})
	}
	return snap
}

func newTestSession(t *testing.T, tr *fakeTransport, opts Options) *Session {
	t.Helper()
	if tr.snapshot == nil {
		tr.snapshot = availableSnapshot("show-1", "A1", "A2", "A3", "B1", "B2")
	}
	s := NewSession("show-1", "user-1", tr, opts)
	require.NoError(t, s.Refresh(context.Background()))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestSession_ToggleSeat(t *testing.T) {
	s := newTestSession(t, &fakeTransport{}, Options{MaxSeats: 2})

	assert.Equal(t, StateBrowsing, s.State())

	s.ToggleSeat("A1")
	assert.Equal(t, StateSelecting, s.State())
	assert.Equal(t, []string{"A1"}, s.Selection())

	// Toggling again removes it; empty selection drops back to Browsing.
	s.ToggleSeat("A1")
	assert.Empty(t, s.Selection())
	assert.Equal(t, StateBrowsing, s.State())
}

func TestSession_ToggleSeat_CapIsNoOp(t *testing.T) {
	s := newTestSession(t, &fakeTransport{}, Options{MaxSeats: 2})

	s.ToggleSeat("A1")
	s.ToggleSeat("A2")
	s.ToggleSeat("A3") // over the cap, ignored

	assert.Equal(t, []string{"A1", "A2"}, s.Selection())
}

func TestSession_ToggleSeat_UnavailableIsNoOp(t *testing.T) {
	tr := &fakeTransport{snapshot: &models.SeatSnapshot{
		ShowID:    "show-1",
		FetchedAt: time.Now(),
		Seats: []models.Seat{
			{SeatNumber: "A1", Status: models.SeatAvailable, Price: decimal.NewFromInt(100)},
			{SeatNumber: "A2", Status: models.SeatLocked, UserID: "other", Price: decimal.NewFromInt(100)},
		},
	}}
	s := newTestSession(t, tr, Options{})

	s.ToggleSeat("A2")
	assert.Empty(t, s.Selection())
	assert.Equal(t, StateBrowsing, s.State())
}

func TestSession_Lock_Success(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, Options{Tick: 10 * time.Millisecond})

	s.ToggleSeat("A1")
	s.ToggleSeat("A2")
	require.NoError(t, s.Lock(context.Background()))

	assert.Equal(t, StateHeld, s.State())
	require.Len(t, tr.lockReqs, 1)
	assert.Equal(t, []string{"A1", "A2"}, tr.lockReqs[0].SeatNumbers)
	assert.Equal(t, s.ID(), tr.lockReqs[0].SessionID)

	lock := s.LockSession()
	require.NotNil(t, lock)
	assert.Equal(t, []string{"A1", "A2"}, lock.SeatNumbers)
	assert.Greater(t, s.Remaining(), time.Duration(0))
}

func TestSession_Lock_RequiresSelection(t *testing.T) {
	s := newTestSession(t, &fakeTransport{}, Options{})
	err := s.Lock(context.Background())
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}

func TestSession_Lock_ConflictClearsSelectionAndRefetchesOnce(t *testing.T) {
	tr := &fakeTransport{lockErr: status.ErrSeatAlreadyLocked}
	s := newTestSession(t, tr, Options{ConflictRefreshWait: 10 * time.Millisecond})
	baseline := tr.availability()

	s.ToggleSeat("A1")
	err := s.Lock(context.Background())
	assert.ErrorIs(t, err, status.ErrSeatAlreadyLocked)

	assert.Equal(t, StateReleased, s.State())
	assert.Empty(t, s.Selection(), "conflict clears the pending selection")

	select {
	case notice := <-s.Notices():
		assert.Contains(t, notice, "taken")
	case <-time.After(time.Second):
		t.Fatal("conflict notice was not delivered")
	}

	// Exactly one delayed re-fetch.
	assert.Eventually(t, func() bool {
		return tr.availability() == baseline+1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, baseline+1, tr.availability())
}

func TestSession_Lock_TransientFailureKeepsSelectionAndKey(t *testing.T) {
	tr := &fakeTransport{lockErr: errors.New("network down")}
	s := newTestSession(t, tr, Options{})

	s.ToggleSeat("A1")
	require.Error(t, s.Lock(context.Background()))

	assert.Equal(t, StateSelecting, s.State())
	assert.Equal(t, []string{"A1"}, s.Selection(), "transient failure keeps the selection")

	// The retry reuses the same idempotency key: one logical lock, one key.
	tr.mu.Lock()
	tr.lockErr = nil
	tr.mu.Unlock()
	require.NoError(t, s.Lock(context.Background()))

	require.Len(t, tr.lockCalls, 2)
	assert.Equal(t, tr.lockCalls[0], tr.lockCalls[1])
}

func TestSession_CountdownExpiryReleases(t *testing.T) {
	tr := &fakeTransport{lockGrant: &transport.LockGrant{LockDurationSeconds: 1}}
	// 1s grant at 100ms ticks: 10 ticks to expiry.
	s := newTestSession(t, tr, Options{Tick: 100 * time.Millisecond})

	s.ToggleSeat("A1")
	require.NoError(t, s.Lock(context.Background()))
	require.Equal(t, StateHeld, s.State())

	// Well before the grant runs out the hold is still live.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateHeld, s.State())

	assert.Eventually(t, func() bool {
		return s.State() == StateReleased
	}, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, s.Selection())
	assert.Nil(t, s.LockSession())
	assert.Equal(t, time.Duration(0), s.Remaining())

	select {
	case notice := <-s.Notices():
		assert.Contains(t, notice, "expired")
	case <-time.After(time.Second):
		t.Fatal("expiry notice was not delivered")
	}

	// Natural expiry never calls Unlock; the server TTL already released it.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.unlockCalls)
}

func TestSession_ExpiryDoesNotInterruptConfirming(t *testing.T) {
	tr := &fakeTransport{lockGrant: &transport.LockGrant{LockDurationSeconds: 1}}
	s := newTestSession(t, tr, Options{Tick: 50 * time.Millisecond})

	s.ToggleSeat("A1")
	require.NoError(t, s.Lock(context.Background()))
	require.NoError(t, s.BeginConfirm())

	// Let the countdown run out while Confirming.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, StateConfirming, s.State(), "expiry only forces release from Held")
}

func TestSession_BeginConfirm_RequiresLiveLock(t *testing.T) {
	s := newTestSession(t, &fakeTransport{}, Options{})
	assert.ErrorIs(t, s.BeginConfirm(), status.ErrInvalidTransition)
}

func TestSession_MarkConfirmed(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, Options{Tick: 10 * time.Millisecond})

	s.ToggleSeat("A1")
	require.NoError(t, s.Lock(context.Background()))
	require.NoError(t, s.BeginConfirm())
	require.NoError(t, s.MarkConfirmed())

	assert.Equal(t, StateConfirmed, s.State())
	assert.Nil(t, s.LockSession())

	// Confirmed is terminal; Clear must not release anything.
	s.Clear(context.Background())
	assert.Equal(t, StateConfirmed, s.State())
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.unlockCalls)
}

func TestSession_Clear_UnlocksHeldSeats(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, Options{})

	s.ToggleSeat("A1")
	s.ToggleSeat("B1")
	require.NoError(t, s.Lock(context.Background()))

	s.Clear(context.Background())

	assert.Equal(t, StateReleased, s.State())
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.unlockReqs, 1)
	assert.Equal(t, []string{"A1", "B1"}, tr.unlockReqs[0].SeatNumbers)
}

func TestSession_Clear_UnlockFailureStillReleasesLocally(t *testing.T) {
	tr := &fakeTransport{unlockErr: errors.New("network down")}
	s := newTestSession(t, tr, Options{})

	s.ToggleSeat("A1")
	require.NoError(t, s.Lock(context.Background()))

	// Best-effort: the local release proceeds, the server TTL is the net.
	s.Clear(context.Background())
	assert.Equal(t, StateReleased, s.State())
	assert.Nil(t, s.LockSession())
}

func TestSession_ApplyRealtime_SkipsOwnSeats(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(t, tr, Options{})

	s.ToggleSeat("A1")
	require.NoError(t, s.Lock(context.Background()))

	s.ApplyRealtime(&models.RealtimeEvent{
		Seats:     []string{"A1", "A2"},
		Status:    models.SeatLocked,
		UserID:    "someone-else",
		Timestamp: time.Now().Add(time.Minute),
	})

	own, _ := s.Seat("A1")
	assert.NotEqual(t, "someone-else", own.UserID, "push must not touch own held seat")

	other, _ := s.Seat("A2")
	assert.Equal(t, models.SeatLocked, other.Status)
	assert.Equal(t, "someone-else", other.UserID)
}

func TestSession_Watch_ForwardsEvents(t *testing.T) {
	s := newTestSession(t, &fakeTransport{}, Options{})

	events := make(chan models.RealtimeEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Watch(ctx, events)

	events <- models.RealtimeEvent{
		Seats:     []string{"B2"},
		Status:    models.SeatBooked,
		Timestamp: time.Now().Add(time.Minute),
	}

	assert.Eventually(t, func() bool {
		seat, _ := s.Seat("B2")
		return seat.Status == models.SeatBooked
	}, time.Second, 5*time.Millisecond)
}

func TestSession_SessionIDFreshPerSession(t *testing.T) {
	tr := &fakeTransport{snapshot: availableSnapshot("show-1", "A1")}
	a := NewSession("show-1", "user-1", tr, Options{})
	b := NewSession("show-1", "user-1", tr, Options{})
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
