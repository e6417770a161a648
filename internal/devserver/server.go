package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"ticket-client/config"
	"ticket-client/internal/status"
	"ticket-client/internal/transport"
	"ticket-client/models"
	"ticket-client/security"
	"ticket-client/utils"
)

// Server is the reference seat backend used for local development and
// integration testing of the client. It speaks the same wire protocol the
// transport client expects.
type Server struct {
	echo  *echo.Echo
	store *Store
	pub   *Publisher
	cfg   *config.Config
	log   *slog.Logger
}

func NewServer(store *Store, pub *Publisher, limiter *security.RateLimiter, cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		echo:  echo.New(),
		store: store,
		pub:   pub,
		cfg:   cfg,
		log:   log,
	}

	api := s.echo.Group("/api/v1")

	seats := api.Group("/seats")
	if limiter != nil {
		seats.Use(limiter.LockRateLimit(), limiter.AntiBotMiddleware())
	}
	seats.POST("/lock", s.lockSeats)
	seats.POST("/unlock", s.unlockSeats)
	seats.POST("/confirm", s.confirmSeats)

	api.GET("/seat-availability/show/:showId", s.availability)

	api.POST("/bookings", s.createBooking)
	api.POST("/bookings/fail", s.failBooking)

	api.POST("/payments/initiate", s.initiatePayment)
	api.GET("/payments/:orderId/verify", s.verifyPayment)

	// Test endpoint for payment simulation
	if cfg.IsDevelopment() {
		api.POST("/test/simulate-payment", s.simulatePayment)
	}

	s.echo.GET("/health", s.health)
	if cfg.EnableMetrics {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	return s
}

// Handler exposes the router for http.Server and httptest.
func (s *Server) Handler() http.Handler { return s.echo }

type reply struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func respondOK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, reply{Status: "success", Data: data})
}

func respondInFlight(c echo.Context) error {
	return c.JSON(http.StatusConflict, reply{
		Status: "error", Code: "REQUEST_IN_FLIGHT",
		Message: "the original request with this idempotency key is still in progress",
	})
}

func respondErr(c echo.Context, err error) error {
	switch {
	case errors.Is(err, status.ErrSeatAlreadyLocked):
		return c.JSON(http.StatusConflict, reply{
			Status: "error", Code: transport.CodeSeatAlreadyLocked, Message: err.Error(),
		})
	case errors.Is(err, status.ErrSeatAlreadyBooked):
		return c.JSON(http.StatusConflict, reply{
			Status: "error", Code: transport.CodeSeatAlreadyBooked, Message: err.Error(),
		})
	case errors.Is(err, status.ErrLockExpired):
		return c.JSON(http.StatusConflict, reply{
			Status: "error", Code: "LOCK_EXPIRED", Message: err.Error(),
		})
	case errors.Is(err, status.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, reply{
			Status: "error", Code: "BOOKING_NOT_FOUND", Message: err.Error(),
		})
	case errors.Is(err, status.ErrOrderNotFound):
		return c.JSON(http.StatusNotFound, reply{
			Status: "error", Code: "ORDER_NOT_FOUND", Message: err.Error(),
		})
	}
	return c.JSON(http.StatusInternalServerError, reply{
		Status: "error", Message: err.Error(),
	})
}

func (s *Server) lockSeats(c echo.Context) error {
	req := &transport.LockRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}
	if len(req.SeatNumbers) == 0 {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "no seats requested"})
	}

	ttl, err := s.store.LockSeats(c.Request().Context(), req.ShowID, req.UserID, req.SessionID, req.SeatNumbers)
	if err != nil {
		return respondErr(c, err)
	}

	go s.pub.SeatsChanged(req.ShowID, req.SeatNumbers, models.SeatLocked, req.UserID)

	return respondOK(c, transport.LockGrant{LockDurationSeconds: int(ttl / time.Second)})
}

func (s *Server) unlockSeats(c echo.Context) error {
	req := &transport.UnlockRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}

	released, err := s.store.UnlockSeats(c.Request().Context(), req.ShowID, req.SessionID, req.SeatNumbers)
	if err != nil {
		return respondErr(c, err)
	}

	go s.pub.SeatsChanged(req.ShowID, released, models.SeatAvailable, "")

	return respondOK(c, nil)
}

func (s *Server) confirmSeats(c echo.Context) error {
	req := &transport.ConfirmRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}

	ctx := c.Request().Context()
	if err := s.store.ConfirmSeats(ctx, req.ShowID, req.UserID, req.SessionID, req.SeatNumbers); err != nil {
		return respondErr(c, err)
	}

	if req.BookingID != "" {
		if err := s.store.SetBookingStatus(ctx, req.BookingID, models.BookingConfirmed); err != nil {
			s.log.Warn("confirm: booking status update failed", "booking_id", req.BookingID, "error", err)
		}
	}

	go s.pub.SeatsChanged(req.ShowID, req.SeatNumbers, models.SeatBooked, req.UserID)

	return respondOK(c, nil)
}

func (s *Server) availability(c echo.Context) error {
	snap, err := s.store.Snapshot(c.Request().Context(), c.PathParam("showId"))
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, snap)
}

func (s *Server) createBooking(c echo.Context) error {
	req := &transport.BookingRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}
	ctx := c.Request().Context()

	// Replay of the same logical request returns the original booking. Only
	// one concurrent request claims the key; a duplicate racing the original
	// gets a 409 instead of a second booking.
	key := c.Request().Header.Get("Idempotency-Key")
	if key != "" {
		existing, err := s.store.RememberIdempotent(ctx, key, IdemPending)
		if err == nil && existing != "" {
			if existing == IdemPending {
				return respondInFlight(c)
			}
			if b, err := s.store.GetBooking(ctx, existing); err == nil {
				return respondOK(c, b)
			}
		}
	}

	booking, err := s.newBooking(ctx, req)
	if err != nil {
		if key != "" {
			s.store.ForgetIdempotent(ctx, key)
		}
		return respondErr(c, err)
	}
	if key != "" {
		s.store.BindIdempotent(ctx, key, booking.ID)
	}

	return respondOK(c, booking)
}

func (s *Server) newBooking(ctx context.Context, req *transport.BookingRequest) (*models.Booking, error) {
	snap, err := s.store.Snapshot(ctx, req.ShowID)
	if err != nil {
		return nil, err
	}
	amount := decimal.Zero
	prices := make(map[string]decimal.Decimal, len(snap.Seats))
	for _, seat := range snap.Seats {
		prices[seat.SeatNumber] = seat.Price
	}
	for _, number := range req.SeatNumbers {
		amount = amount.Add(prices[number])
	}

	reference, err := utils.GenerateCode(4)
	if err != nil {
		return nil, err
	}
	booking := &models.Booking{
		ID:          uuid.NewString(),
		Reference:   reference,
		ShowID:      req.ShowID,
		UserID:      req.UserID,
		SeatNumbers: req.SeatNumbers,
		Amount:      amount,
		Status:      models.BookingPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.SaveBooking(ctx, booking); err != nil {
		return nil, err
	}
	return booking, nil
}

func (s *Server) failBooking(c echo.Context) error {
	req := struct {
		BookingID string `json:"booking_id"`
		Reason    string `json:"reason"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}

	if err := s.store.SetBookingStatus(c.Request().Context(), req.BookingID, models.BookingFailed); err != nil {
		return respondErr(c, err)
	}
	s.log.Info("booking failed", "booking_id", req.BookingID, "reason", req.Reason)
	return respondOK(c, nil)
}

func (s *Server) initiatePayment(c echo.Context) error {
	req := struct {
		BookingID string `json:"booking_id"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}
	ctx := c.Request().Context()

	key := c.Request().Header.Get("Idempotency-Key")
	if key != "" {
		existing, err := s.store.RememberIdempotent(ctx, key, IdemPending)
		if err == nil && existing != "" {
			if existing == IdemPending {
				return respondInFlight(c)
			}
			if p, err := s.store.GetPaymentByOrder(ctx, existing); err == nil {
				return respondOK(c, p)
			}
		}
	}

	booking, err := s.store.GetBooking(ctx, req.BookingID)
	if err != nil {
		if key != "" {
			s.store.ForgetIdempotent(ctx, key)
		}
		return respondErr(c, err)
	}

	payment := &models.Payment{
		ID:        uuid.NewString(),
		OrderID:   uuid.NewString(),
		BookingID: booking.ID,
		Amount:    booking.Amount,
		Currency:  s.cfg.Currency,
		Status:    models.PaymentPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.SavePayment(ctx, payment); err != nil {
		if key != "" {
			s.store.ForgetIdempotent(ctx, key)
		}
		return respondErr(c, err)
	}
	if key != "" {
		s.store.BindIdempotent(ctx, key, payment.OrderID)
	}

	return respondOK(c, payment)
}

func (s *Server) verifyPayment(c echo.Context) error {
	payment, err := s.store.GetPaymentByOrder(c.Request().Context(), c.PathParam("orderId"))
	if err != nil {
		return respondErr(c, err)
	}
	return respondOK(c, payment)
}

// simulatePayment settles a pending payment and pushes the gateway callback,
// standing in for the real gateway during development.
func (s *Server) simulatePayment(c echo.Context) error {
	req := struct {
		OrderID string `json:"order_id"`
		Result  string `json:"result"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, reply{Status: "error", Message: "invalid request body"})
	}

	var st models.PaymentStatus
	switch req.Result {
	case models.GatewaySuccess:
		st = models.PaymentCompleted
	case models.GatewayCancelled:
		st = models.PaymentCancelled
	default:
		req.Result = models.GatewayFailed
		st = models.PaymentFailed
	}

	payment, err := s.store.SetPaymentStatus(c.Request().Context(), req.OrderID, st)
	if err != nil {
		return respondErr(c, err)
	}

	go s.pub.PaymentResult(payment.OrderID, req.Result)

	return respondOK(c, payment)
}

func (s *Server) health(c echo.Context) error {
	if err := utils.RedisHealthCheck(s.store.redis); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
