package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ticket-client/internal/status"
	"ticket-client/models"

	"ticket-client/utils"
)

// Conflict codes returned by the seat backend.
const (
	CodeSeatAlreadyLocked = "SEAT_ALREADY_LOCKED"
	CodeSeatAlreadyBooked = "SEAT_ALREADY_BOOKED"
)

type ClientConfig struct {
	BaseURL string        `json:"baseUrl" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Client is the request/response wrapper for the seat backend. It holds no
// reservation state; every mutating call carries a caller-owned idempotency
// key so a retried request has effect at most once.
type Client struct {
	// baseURL is the base url of the seat backend.
	baseURL string

	// hc is the http client.
	hc *http.Client

	// breaker sheds calls while the backend is failing.
	breaker *utils.CircuitBreaker
}

func NewClient(c *ClientConfig) (*Client, error) {
	if _, err := url.Parse(c.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: c.BaseURL,
		hc:      &http.Client{Timeout: timeout},
		breaker: utils.NewCircuitBreaker("seat-backend"),
	}, nil
}

type LockRequest struct {
	ShowID      string   `json:"show_id"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	SeatNumbers []string `json:"seat_numbers"`
}

type LockGrant struct {
	LockDurationSeconds int `json:"lock_duration_seconds"`
}

type ConfirmRequest struct {
	ShowID      string   `json:"show_id"`
	BookingID   string   `json:"booking_id"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	SeatNumbers []string `json:"seat_numbers"`
}

type UnlockRequest struct {
	ShowID      string   `json:"show_id"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	SeatNumbers []string `json:"seat_numbers"`
}

type BookingRequest struct {
	ShowID      string   `json:"show_id"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	SeatNumbers []string `json:"seat_numbers"`
}

// Lock requests a time-boxed hold on the full selection. Conflicts surface as
// status.ErrSeatAlreadyLocked / status.ErrSeatAlreadyBooked.
func (c *Client) Lock(ctx context.Context, idemKey string, req *LockRequest) (*LockGrant, error) {
	grant := &LockGrant{}
	if err := c.postJSON(ctx, "/api/v1/seats/lock", idemKey, req, grant); err != nil {
		return nil, fmt.Errorf("transport: lock: %w", err)
	}
	return grant, nil
}

// Confirm marks held seats booked. Idempotent: tolerates the server having
// already confirmed.
func (c *Client) Confirm(ctx context.Context, idemKey string, req *ConfirmRequest) error {
	if err := c.postJSON(ctx, "/api/v1/seats/confirm", idemKey, req, nil); err != nil {
		return fmt.Errorf("transport: confirm: %w", err)
	}
	return nil
}

// Unlock releases held seats. Best-effort callers may ignore the error; the
// server-side TTL is the safety net.
func (c *Client) Unlock(ctx context.Context, idemKey string, req *UnlockRequest) error {
	if err := c.postJSON(ctx, "/api/v1/seats/unlock", idemKey, req, nil); err != nil {
		return fmt.Errorf("transport: unlock: %w", err)
	}
	return nil
}

// Availability fetches the full seat snapshot for a show. Authoritative at
// fetch time; supersedes stale realtime pushes.
func (c *Client) Availability(ctx context.Context, showID string) (*models.SeatSnapshot, error) {
	snap := &models.SeatSnapshot{}
	if err := c.getJSON(ctx, "/api/v1/seat-availability/show/"+url.PathEscape(showID), snap); err != nil {
		return nil, fmt.Errorf("transport: availability: %w", err)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	return snap, nil
}

func (c *Client) CreateBooking(ctx context.Context, idemKey string, req *BookingRequest) (*models.Booking, error) {
	booking := &models.Booking{}
	if err := c.postJSON(ctx, "/api/v1/bookings", idemKey, req, booking); err != nil {
		return nil, fmt.Errorf("transport: create booking: %w", err)
	}
	return booking, nil
}

func (c *Client) InitiatePayment(ctx context.Context, idemKey, bookingID string) (*models.Payment, error) {
	payment := &models.Payment{}
	body := map[string]string{"booking_id": bookingID}
	if err := c.postJSON(ctx, "/api/v1/payments/initiate", idemKey, body, payment); err != nil {
		return nil, fmt.Errorf("transport: initiate payment: %w", err)
	}
	return payment, nil
}

// VerifyPayment checks the gateway outcome server-side. Callback payloads are
// never trusted on their own.
func (c *Client) VerifyPayment(ctx context.Context, orderID string) (*models.Payment, error) {
	payment := &models.Payment{}
	if err := c.getJSON(ctx, "/api/v1/payments/"+url.PathEscape(orderID)+"/verify", payment); err != nil {
		return nil, fmt.Errorf("transport: verify payment: %w", err)
	}
	return payment, nil
}

func (c *Client) FailBooking(ctx context.Context, idemKey, bookingID, reason string) error {
	body := map[string]string{"booking_id": bookingID, "reason": reason}
	if err := c.postJSON(ctx, "/api/v1/bookings/fail", idemKey, body, nil); err != nil {
		return fmt.Errorf("transport: fail booking: %w", err)
	}
	return nil
}

// envelope is the backend reply wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (c *Client) postJSON(ctx context.Context, path, idemKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return c.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("http.NewReq: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		return c.do(req, out)
	})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("http.NewReq: %w", err)
		}
		return c.do(req, out)
	})
}

// execute runs fn through the breaker. Conflicts and not-found are well-formed
// replies from a healthy backend, so they must never trip the breaker; only
// transport faults count as failures.
func (c *Client) execute(fn func() error) error {
	var opErr error
	err := c.breaker.Execute(func() error {
		opErr = fn()
		if opErr != nil && !replyFault(opErr) {
			return nil
		}
		return opErr
	})
	if err != nil {
		return err
	}
	return opErr
}

// replyFault reports whether err indicates backend trouble rather than a
// negative answer the caller must handle.
func replyFault(err error) bool {
	return !status.IsConflict(err) &&
		!errors.Is(err, status.ErrBookingNotFound) &&
		!errors.Is(err, status.ErrOrderNotFound)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http.Do: %w", err)
	}
	defer resp.Body.Close()

	var reply envelope
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil && err != io.EOF {
		return fmt.Errorf("json.Decode: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return replyError(resp.StatusCode, &reply)
	}

	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("json.Unmarshal data: %w", err)
		}
	}
	return nil
}

// replyError maps backend error replies to sentinel errors. Conflicts must
// stay distinguishable from generic failures.
func replyError(httpStatus int, reply *envelope) error {
	switch reply.Code {
	case CodeSeatAlreadyLocked:
		return status.ErrSeatAlreadyLocked
	case CodeSeatAlreadyBooked:
		return status.ErrSeatAlreadyBooked
	case "BOOKING_NOT_FOUND":
		return status.ErrBookingNotFound
	case "ORDER_NOT_FOUND":
		return status.ErrOrderNotFound
	}
	if reply.Message != "" {
		return fmt.Errorf("backend %d: %s", httpStatus, reply.Message)
	}
	return fmt.Errorf("backend returned status %d", httpStatus)
}
