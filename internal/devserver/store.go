package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-client/internal/status"
	"ticket-client/models"
)

// Store keeps seat, booking, and payment state in redis. Seat base data lives
// in persistent hashes; locks live in separate keys whose TTL is the safety
// net when a client never unlocks.
type Store struct {
	redis   *redis.Client
	lockTTL time.Duration
	log     *slog.Logger
}

func NewStore(redisClient *redis.Client, lockTTL time.Duration, log *slog.Logger) *Store {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{redis: redisClient, lockTTL: lockTTL, log: log}
}

func seatKey(showID, seatNumber string) string {
	return fmt.Sprintf("seat:%s:%s", showID, seatNumber)
}

func lockKey(showID, seatNumber string) string {
	return fmt.Sprintf("lock:%s:%s", showID, seatNumber)
}

// SeedShow writes the seat catalog for a show. Existing state is overwritten.
func (s *Store) SeedShow(ctx context.Context, showID string, seats []models.Seat) error {
	for _, seat := range seats {
		st := seat.Status
		if st == "" {
			st = models.SeatAvailable
		}
		err := s.redis.HSet(ctx, seatKey(showID, seat.SeatNumber), map[string]interface{}{
			"seat_type": string(seat.Type),
			"price":     seat.Price.String(),
			"status":    string(st),
			"user_id":   seat.UserID,
		}).Err()
		if err != nil {
			return fmt.Errorf("seed seat %s: %w", seat.SeatNumber, err)
		}
	}
	return nil
}

// LockSeats holds the full selection for one session, all-or-nothing. A seat
// already booked, or locked by another session, fails the whole request.
// Re-locking by the same session refreshes the TTL.
func (s *Store) LockSeats(ctx context.Context, showID, userID, sessionID string, seatNumbers []string) (time.Duration, error) {
	watched := make([]string, 0, len(seatNumbers))
	for _, number := range seatNumbers {
		watched = append(watched, lockKey(showID, number))
	}

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		for _, number := range seatNumbers {
			st, err := tx.HGet(ctx, seatKey(showID, number), "status").Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if st == string(models.SeatBooked) {
				return status.ErrSeatAlreadyBooked
			}

			holder, err := tx.HGet(ctx, lockKey(showID, number), "session_id").Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if holder != "" && holder != sessionID {
				return status.ErrSeatAlreadyLocked
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, number := range seatNumbers {
				key := lockKey(showID, number)
				pipe.HSet(ctx, key, map[string]interface{}{
					"user_id":    userID,
					"session_id": sessionID,
					"locked_at":  time.Now().Unix(),
				})
				pipe.Expire(ctx, key, s.lockTTL)
			}
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		if !status.IsConflict(err) {
			s.log.Error("failed to lock seats", "error", err, "show_id", showID, "session_id", sessionID)
		}
		return 0, err
	}

	return s.lockTTL, nil
}

// UnlockSeats releases locks owned by the session. Locks held by other
// sessions and booked seats are left untouched, so a stale unlock after the
// TTL cannot release someone else's hold.
func (s *Store) UnlockSeats(ctx context.Context, showID, sessionID string, seatNumbers []string) ([]string, error) {
	var released []string
	for _, number := range seatNumbers {
		key := lockKey(showID, number)
		holder, err := s.redis.HGet(ctx, key, "session_id").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return released, err
		}
		if holder != sessionID {
			continue
		}
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return released, err
		}
		released = append(released, number)
	}
	return released, nil
}

// ConfirmSeats marks held seats booked. The seat hash is persisted so the
// booked state outlives any leftover lock TTL. Confirming seats the user
// already booked is a no-op, which makes confirm retries safe.
func (s *Store) ConfirmSeats(ctx context.Context, showID, userID, sessionID string, seatNumbers []string) error {
	for _, number := range seatNumbers {
		st, err := s.redis.HGet(ctx, seatKey(showID, number), "status").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if st == string(models.SeatBooked) {
			owner, _ := s.redis.HGet(ctx, seatKey(showID, number), "user_id").Result()
			if owner == userID {
				continue
			}
			return status.ErrSeatAlreadyBooked
		}

		holder, err := s.redis.HGet(ctx, lockKey(showID, number), "session_id").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if holder != sessionID {
			return status.ErrLockExpired
		}
	}

	for _, number := range seatNumbers {
		key := seatKey(showID, number)
		s.redis.HSet(ctx, key, map[string]interface{}{
			"status":    string(models.SeatBooked),
			"user_id":   userID,
			"booked_at": time.Now().Unix(),
		})
		s.redis.Persist(ctx, key)
		s.redis.Del(ctx, lockKey(showID, number))
	}
	return nil
}

// Snapshot reads the full seat map for a show, overlaying live locks on the
// persistent catalog.
func (s *Store) Snapshot(ctx context.Context, showID string) (*models.SeatSnapshot, error) {
	keys, err := s.redis.Keys(ctx, fmt.Sprintf("seat:%s:*", showID)).Result()
	if err != nil {
		return nil, err
	}

	snap := &models.SeatSnapshot{
		ShowID:    showID,
		Seats:     make([]models.Seat, 0, len(keys)),
		FetchedAt: time.Now(),
	}

	prefixLen := len(fmt.Sprintf("seat:%s:", showID))
	for _, key := range keys {
		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		number := key[prefixLen:]

		price, _ := decimal.NewFromString(data["price"])
		seat := models.Seat{
			SeatNumber: number,
			Type:       models.SeatType(data["seat_type"]),
			Price:      price,
			Status:     models.SeatStatus(data["status"]),
			UserID:     data["user_id"],
			UpdatedAt:  snap.FetchedAt,
		}
		if seat.Status != models.SeatBooked {
			lockData, _ := s.redis.HGetAll(ctx, lockKey(showID, number)).Result()
			if len(lockData) > 0 {
				seat.Status = models.SeatLocked
				seat.UserID = lockData["user_id"]
				seat.SessionID = lockData["session_id"]
			} else {
				seat.Status = models.SeatAvailable
				seat.UserID = ""
			}
		}
		snap.Seats = append(snap.Seats, seat)
	}

	return snap, nil
}

func (s *Store) SaveBooking(ctx context.Context, b *models.Booking) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, "booking:"+b.ID, raw, 24*time.Hour).Err()
}

func (s *Store) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	raw, err := s.redis.Get(ctx, "booking:"+bookingID).Result()
	if err == redis.Nil {
		return nil, status.ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b := &models.Booking{}
	if err := json.Unmarshal([]byte(raw), b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) SetBookingStatus(ctx context.Context, bookingID string, st models.BookingStatus) error {
	b, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	b.Status = st
	return s.SaveBooking(ctx, b)
}

func (s *Store) SavePayment(ctx context.Context, p *models.Payment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, "order:"+p.OrderID, raw, 24*time.Hour).Err()
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	raw, err := s.redis.Get(ctx, "order:"+orderID).Result()
	if err == redis.Nil {
		return nil, status.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	p := &models.Payment{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, orderID string, st models.PaymentStatus) (*models.Payment, error) {
	p, err := s.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p.Status = st
	if st == models.PaymentCompleted {
		now := time.Now()
		p.CompletedAt = &now
	}
	if err := s.SavePayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// IdemPending marks an Idempotency-Key whose original request is still in
// flight. Duplicates arriving while it is set must not create a second
// resource.
const IdemPending = "pending"

// RememberIdempotent maps an Idempotency-Key to the resource it produced.
// Returns the previously stored reference when the key was seen before; the
// SetNX makes exactly one concurrent request the owner of the key.
func (s *Store) RememberIdempotent(ctx context.Context, key, ref string) (string, error) {
	ok, err := s.redis.SetNX(ctx, "idem:"+key, ref, 24*time.Hour).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}
	return s.redis.Get(ctx, "idem:"+key).Result()
}

// ForgetIdempotent releases a claimed key after the owning request failed, so
// a retry with the same key can go through.
func (s *Store) ForgetIdempotent(ctx context.Context, key string) {
	if err := s.redis.Del(ctx, "idem:"+key).Err(); err != nil {
		s.log.Warn("idempotency release failed", "key", key, "error", err)
	}
}

// BindIdempotent overwrites the idempotency mapping with the final resource
// reference once it exists.
func (s *Store) BindIdempotent(ctx context.Context, key, ref string) {
	if err := s.redis.Set(ctx, "idem:"+key, ref, 24*time.Hour).Err(); err != nil {
		s.log.Warn("idempotency bind failed", "key", key, "error", err)
	}
}
