package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ticket-client/internal/status"
	"ticket-client/models"
	"ticket-client/monitoring"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// Conn is one live subscription to a show topic.
type Conn interface {
	Events() <-chan models.RealtimeEvent
	// Errors reports transport failure after a successful handshake.
	Errors() <-chan error
	Close() error
}

// Dialer performs the handshake for a topic subscription.
type Dialer interface {
	Dial(ctx context.Context, topic string) (Conn, error)
}

type Options struct {
	MaxReconnects int           // attempts before Disabled (default 5)
	BaseBackoff   time.Duration // first reconnect delay (default 1s)
	MaxBackoff    time.Duration // delay ceiling (default 30s)
	Logger        *slog.Logger
}

// Channel maintains a best-effort live view of seat-status pushes for exactly
// one show. It is an acceleration layer, not a dependency: every failure path
// degrades to snapshot refreshes. One Channel per subscription; Disabled is
// terminal for its lifetime.
type Channel struct {
	dialer Dialer
	opts   Options
	log    *slog.Logger

	events  chan models.RealtimeEvent
	notices chan string

	mu       sync.Mutex
	state    State
	showID   string
	retries  int
	cancel   context.CancelFunc
	done     chan struct{}
	onChange func(State)
}

func NewChannel(dialer Dialer, opts Options) *Channel {
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		dialer:  dialer,
		opts:    opts,
		log:     log,
		events:  make(chan models.RealtimeEvent, 64),
		notices: make(chan string, 1),
		state:   StateIdle,
	}
}

// Events delivers decoded pushes. Slow consumers lose events; pushes are
// advisory and the snapshot remains authoritative.
func (c *Channel) Events() <-chan models.RealtimeEvent { return c.events }

// Notices delivers the single user-visible degradation message when the
// channel gives up.
func (c *Channel) Notices() <-chan string { return c.notices }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetStateListener registers a callback invoked on every transition. Must be
// called before Subscribe.
func (c *Channel) SetStateListener(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Subscribe opens the subscription for showID and keeps it alive with bounded
// reconnects. It returns immediately; delivery happens on Events.
func (c *Channel) Subscribe(ctx context.Context, showID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisabled {
		return status.ErrRealtimeDisabled
	}
	if c.state != StateIdle {
		return fmt.Errorf("realtime: subscribe from state %s", c.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.retries = 0
	c.showID = showID

	go c.run(runCtx, "show-"+showID)
	return nil
}

// Unsubscribe tears the subscription down: pending reconnect timers are
// cancelled and the transport closed. The channel returns to Idle unless it
// already disabled itself.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// backoff returns the delay before the nth reconnect attempt (1-based):
// min(base * 2^(n-1), cap).
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	if d > c.opts.MaxBackoff {
		return c.opts.MaxBackoff
	}
	return d
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Channel) run(ctx context.Context, topic string) {
	defer close(c.done)

	for {
		c.setState(StateConnecting)

		conn, err := c.dialer.Dial(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateIdle)
				return
			}
			c.log.Warn("realtime handshake failed", "topic", topic, "error", err)
			if !c.scheduleReconnect(ctx, topic) {
				return
			}
			continue
		}

		c.setState(StateConnected)
		c.mu.Lock()
		c.retries = 0
		c.mu.Unlock()
		c.log.Info("realtime connected", "topic", topic)

		if !c.pump(ctx, conn) {
			c.setState(StateIdle)
			return
		}
		if !c.scheduleReconnect(ctx, topic) {
			return
		}
	}
}

// pump forwards events until the transport fails (returns true) or the
// subscription is cancelled (returns false).
func (c *Channel) pump(ctx context.Context, conn Conn) bool {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-conn.Events():
			if !ok {
				return true
			}
			select {
			case c.events <- ev:
			default:
				c.log.Warn("realtime event dropped, consumer too slow")
			}
		case err, ok := <-conn.Errors():
			if !ok {
				return true
			}
			c.log.Warn("realtime transport failure", "error", err)
			return true
		}
	}
}

// scheduleReconnect counts the failure and waits out the backoff. It returns
// false when the channel gives up (Disabled) or the subscription is gone.
func (c *Channel) scheduleReconnect(ctx context.Context, topic string) bool {
	c.mu.Lock()
	c.retries++
	attempt := c.retries
	showID := c.showID
	c.mu.Unlock()

	monitoring.TrackReconnect(showID)

	if attempt >= c.opts.MaxReconnects {
		c.log.Warn("realtime reconnects exhausted, disabling channel", "topic", topic, "attempts", attempt)
		monitoring.TrackRealtimeDisabled(showID)
		c.setState(StateDisabled)
		select {
		case c.notices <- "realtime unavailable, using manual refresh":
		default:
		}
		return false
	}

	c.setState(StateReconnecting)
	delay := c.backoff(attempt)
	c.log.Info("realtime reconnect scheduled", "topic", topic, "attempt", attempt, "delay", delay)

	select {
	case <-ctx.Done():
		c.setState(StateIdle)
		return false
	case <-time.After(delay):
		return true
	}
}
