package reservation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-client/internal/status"
	"ticket-client/internal/transport"
	"ticket-client/models"
	"ticket-client/monitoring"
)

type SessionState int

const (
	StateBrowsing SessionState = iota
	StateSelecting
	StateLocking
	StateHeld
	StateConfirming
	StateConfirmed
	StateReleased
)

func (s SessionState) String() string {
	switch s {
	case StateBrowsing:
		return "browsing"
	case StateSelecting:
		return "selecting"
	case StateLocking:
		return "locking"
	case StateHeld:
		return "held"
	case StateConfirming:
		return "confirming"
	case StateConfirmed:
		return "confirmed"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Transport is the slice of the backend client the session needs.
type Transport interface {
	Lock(ctx context.Context, idemKey string, req *transport.LockRequest) (*transport.LockGrant, error)
	Unlock(ctx context.Context, idemKey string, req *transport.UnlockRequest) error
	Availability(ctx context.Context, showID string) (*models.SeatSnapshot, error)
}

type Options struct {
	MaxSeats            int           // selection cap (default 10)
	DefaultLockDuration time.Duration // fallback when the server omits a duration (default 5m)
	Tick                time.Duration // countdown granularity (default 1s)
	ConflictRefreshWait time.Duration // delay before the post-conflict re-fetch (default 1500ms)
	Logger              *slog.Logger
}

func (o *Options) withDefaults() {
	if o.MaxSeats <= 0 {
		o.MaxSeats = 10
	}
	if o.DefaultLockDuration <= 0 {
		o.DefaultLockDuration = 5 * time.Minute
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.ConflictRefreshWait <= 0 {
		o.ConflictRefreshWait = 1500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session owns one seat-selection-to-payment attempt: the selected seats, the
// lock countdown, conflict handling, and reconciliation between snapshots and
// realtime pushes. The session identifier is minted fresh per visit and never
// persisted.
type Session struct {
	showID    string
	userID    string
	sessionID string

	tr   Transport
	opts Options
	log  *slog.Logger

	notices chan string

	mu        sync.Mutex
	state     SessionState
	selection []string
	seatMap   *models.SeatMap
	lock      *models.LockSession
	lockedAt  time.Time
	remaining int // countdown ticks left while Held/Confirming
	finished  bool

	// Idempotency keys live for the whole logical operation, not per attempt.
	lockKey   string
	unlockKey string

	stopTicker   chan struct{}
	refreshTimer *time.Timer
}

func NewSession(showID, userID string, tr Transport, opts Options) *Session {
	opts.withDefaults()
	monitoring.SessionOpened()
	return &Session{
		showID:    showID,
		userID:    userID,
		sessionID: uuid.NewString(),
		tr:        tr,
		opts:      opts,
		log:       opts.Logger,
		notices:   make(chan string, 4),
		state:     StateBrowsing,
		seatMap:   models.NewSeatMap(showID),
	}
}

func (s *Session) ID() string     { return s.sessionID }
func (s *Session) ShowID() string { return s.showID }
func (s *Session) UserID() string { return s.userID }

// Notices carries user-visible messages ("seats were just taken", expiry).
func (s *Session) Notices() <-chan string { return s.notices }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.selection))
	copy(out, s.selection)
	return out
}

// TotalPrice is a display aggregate only; the backend computes the
// authoritative amount.
func (s *Session) TotalPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seatMap.TotalPrice(s.selection)
}

// Remaining reports the countdown left on the held lock.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.remaining) * s.opts.Tick
}

func (s *Session) Seat(number string) (models.Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seatMap.Get(number)
}

// Refresh fetches the full availability snapshot. The snapshot is
// authoritative and replaces whatever pushes have accumulated.
func (s *Session) Refresh(ctx context.Context) error {
	snap, err := s.tr.Availability(ctx, s.showID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.seatMap.ApplySnapshot(snap)
	s.mu.Unlock()
	return nil
}

// ToggleSeat flips a seat in or out of the local selection. Selecting past
// the cap, or a seat that is not currently available, is a no-op. Toggling is
// only meaningful before a lock is taken.
func (s *Session) ToggleSeat(number string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateBrowsing && s.state != StateSelecting {
		return
	}

	for i, n := range s.selection {
		if n == number {
			s.selection = append(s.selection[:i], s.selection[i+1:]...)
			if len(s.selection) == 0 {
				s.state = StateBrowsing
			}
			return
		}
	}

	if len(s.selection) >= s.opts.MaxSeats {
		return
	}
	if seat, ok := s.seatMap.Get(number); ok && seat.Status != models.SeatAvailable {
		return
	}

	s.selection = append(s.selection, number)
	s.state = StateSelecting
}

// Lock issues exactly one lock call for the full current selection. On
// success the countdown starts from the server-reported duration. A conflict
// clears the selection and schedules one delayed availability re-fetch; any
// other failure keeps the selection so the user may retry.
func (s *Session) Lock(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSelecting {
		s.mu.Unlock()
		return status.ErrInvalidTransition
	}
	if len(s.selection) == 0 {
		s.mu.Unlock()
		return status.ErrNoSeatsSelected
	}
	s.state = StateLocking
	if s.lockKey == "" {
		s.lockKey = uuid.NewString()
	}
	req := &transport.LockRequest{
		ShowID:      s.showID,
		UserID:      s.userID,
		SessionID:   s.sessionID,
		SeatNumbers: append([]string(nil), s.selection...),
	}
	key := s.lockKey
	s.mu.Unlock()

	grant, err := s.tr.Lock(ctx, key, req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLocking {
		// Cleared or torn down while the call was in flight.
		return status.ErrInvalidTransition
	}

	if err != nil {
		if status.IsConflict(err) {
			monitoring.TrackLockAttempt(s.showID, "conflict")
			s.releaseLocked("seats were just taken, please pick again")
			s.scheduleRefreshLocked()
			return err
		}
		// Transient failure: back to Selecting, selection intact, same key on retry.
		monitoring.TrackLockAttempt(s.showID, "error")
		s.state = StateSelecting
		return err
	}

	monitoring.TrackLockAttempt(s.showID, "success")
	s.lockKey = ""
	duration := s.opts.DefaultLockDuration
	if grant != nil && grant.LockDurationSeconds > 0 {
		duration = time.Duration(grant.LockDurationSeconds) * time.Second
	}

	s.lock = &models.LockSession{
		SessionID:   s.sessionID,
		ShowID:      s.showID,
		UserID:      s.userID,
		SeatNumbers: append([]string(nil), s.selection...),
		ExpiresAt:   time.Now().Add(duration),
	}
	s.remaining = int(duration / s.opts.Tick)
	s.lockedAt = time.Now()
	s.state = StateHeld
	s.startCountdownLocked()
	return nil
}

// LockSession returns the active lock, or nil. An expired lock is reported as
// nil even before the server confirms the release.
func (s *Session) LockSession() *models.LockSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil || s.lock.Expired(time.Now()) {
		return nil
	}
	cp := *s.lock
	return &cp
}

// BeginConfirm moves a held session into the payment leg.
func (s *Session) BeginConfirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHeld {
		return status.ErrInvalidTransition
	}
	if s.lock == nil || s.lock.Expired(time.Now()) {
		s.releaseLocked("seat lock expired")
		return status.ErrLockExpired
	}
	s.state = StateConfirming
	return nil
}

// MarkConfirmed finalizes the session after seats are confirmed server-side.
func (s *Session) MarkConfirmed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfirming {
		return status.ErrInvalidTransition
	}
	s.state = StateConfirmed
	s.stopCountdownLocked()
	s.lock = nil
	s.remaining = 0
	s.finishLocked()
	return nil
}

// Clear releases the session explicitly (user cancel, payment failure,
// navigation away). Held seats get a best-effort unlock; the server TTL is
// the safety net when that call fails.
func (s *Session) Clear(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateConfirmed || s.state == StateReleased {
		s.mu.Unlock()
		return
	}
	var req *transport.UnlockRequest
	if s.lock != nil && !s.lock.Expired(time.Now()) {
		if s.unlockKey == "" {
			s.unlockKey = uuid.NewString()
		}
		req = &transport.UnlockRequest{
			ShowID:      s.showID,
			UserID:      s.userID,
			SessionID:   s.sessionID,
			SeatNumbers: append([]string(nil), s.lock.SeatNumbers...),
		}
	}
	key := s.unlockKey
	s.releaseLocked("")
	s.mu.Unlock()

	if req != nil {
		if err := s.tr.Unlock(ctx, key, req); err != nil {
			s.log.Warn("best-effort unlock failed", "session_id", s.sessionID, "error", err)
		}
	}
}

// Close tears the session down. Unmount must not strand held seats.
func (s *Session) Close(ctx context.Context) {
	s.Clear(ctx)
	s.mu.Lock()
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.mu.Unlock()
}

// Abort releases the session without issuing an unlock call, for callers
// that have already released the seats themselves.
func (s *Session) Abort(notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConfirmed || s.state == StateReleased {
		return
	}
	s.releaseLocked(notice)
}

// ApplyRealtime merges a push into the seat map. The session's own selected
// and held seats are skipped so a push can never override local pending
// state.
func (s *Session) ApplyRealtime(ev *models.RealtimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]struct{}, len(s.selection))
	for _, n := range s.selection {
		skip[n] = struct{}{}
	}
	if s.lock != nil {
		for _, n := range s.lock.SeatNumbers {
			skip[n] = struct{}{}
		}
	}
	s.seatMap.ApplyEvent(ev, skip)
}

// Watch forwards realtime events into the session until the channel closes
// or ctx is done.
func (s *Session) Watch(ctx context.Context, events <-chan models.RealtimeEvent) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.ApplyRealtime(&ev)
			}
		}
	}()
}

// releaseLocked transitions to Released and clears all local hold state.
// Callers hold s.mu.
func (s *Session) releaseLocked(notice string) {
	s.state = StateReleased
	s.selection = nil
	s.lock = nil
	s.remaining = 0
	s.lockKey = ""
	s.stopCountdownLocked()
	s.finishLocked()
	if notice != "" {
		select {
		case s.notices <- notice:
		default:
		}
	}
}

// finishLocked records the terminal metrics exactly once. Callers hold s.mu.
func (s *Session) finishLocked() {
	if !s.lockedAt.IsZero() {
		monitoring.TrackLockHeld(s.showID, time.Since(s.lockedAt))
		s.lockedAt = time.Time{}
	}
	if !s.finished {
		s.finished = true
		monitoring.SessionClosed()
	}
}

// scheduleRefreshLocked arms exactly one delayed availability re-fetch so the
// displayed map reflects reality before the user retries. Callers hold s.mu.
func (s *Session) scheduleRefreshLocked() {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = time.AfterFunc(s.opts.ConflictRefreshWait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn("post-conflict availability refresh failed", "show_id", s.showID, "error", err)
		}
	})
}

func (s *Session) startCountdownLocked() {
	s.stopCountdownLocked()
	stop := make(chan struct{})
	s.stopTicker = stop

	go func() {
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.tick(stop) {
					return
				}
			}
		}
	}()
}

// tick decrements the countdown and reports whether the ticker should stop.
func (s *Session) tick(stop chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopTicker != stop {
		return true
	}
	if s.remaining > 0 {
		s.remaining--
	}
	if s.remaining > 0 {
		return false
	}

	// The server expires the lock independently; no unlock call is needed on
	// natural expiry. Expiry only forces a release while the lock is merely
	// held; a confirm already in flight races the server's own TTL.
	if s.state == StateHeld {
		monitoring.TrackCountdownExpired(s.showID)
		s.releaseLocked("seat lock expired, selection cleared")
	}
	return true
}

func (s *Session) stopCountdownLocked() {
	if s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}
}
