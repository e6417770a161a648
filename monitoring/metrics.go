package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	lockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seat_lock_attempts_total",
			Help: "Seat lock attempts by outcome",
		},
		[]string{"show_id", "outcome"},
	)

	lockHeldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seat_lock_held_seconds",
			Help:    "How long locks were held before confirm or release",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"show_id"},
	)

	realtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_reconnect_attempts_total",
			Help: "Realtime channel reconnect attempts",
		},
		[]string{"show_id"},
	)

	realtimeDisabled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_channel_disabled_total",
			Help: "Realtime channels that exhausted reconnects and degraded to manual refresh",
		},
		[]string{"show_id"},
	)

	countdownExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seat_lock_expirations_total",
			Help: "Locks that reached zero before confirmation",
		},
		[]string{"show_id"},
	)

	orchestrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_orchestrations_total",
			Help: "Booking/payment flows by final outcome",
		},
		[]string{"outcome"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reservation_sessions_active",
			Help: "Reservation sessions currently alive",
		},
	)

	activeLocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seat_locks_active",
			Help: "Live seat locks per show",
		},
		[]string{"show_id"},
	)
)

// Monitor samples lock state out of redis on a fixed interval. Only the
// devserver runs one; client-side metrics go through the Track helpers.
type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collectLockMetrics(context.Background())
	}
}

func (m *Monitor) collectLockMetrics(ctx context.Context) {
	lockKeys, _ := m.redis.Keys(ctx, "lock:*").Result()

	perShow := make(map[string]int)
	for _, key := range lockKeys {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			perShow[parts[1]]++
		}
	}
	for showID, count := range perShow {
		activeLocks.WithLabelValues(showID).Set(float64(count))
	}
}

func TrackLockAttempt(showID, outcome string) {
	lockAttempts.WithLabelValues(showID, outcome).Inc()
}

func TrackLockHeld(showID string, duration time.Duration) {
	lockHeldDuration.WithLabelValues(showID).Observe(duration.Seconds())
}

func TrackReconnect(showID string) {
	realtimeReconnects.WithLabelValues(showID).Inc()
}

func TrackRealtimeDisabled(showID string) {
	realtimeDisabled.WithLabelValues(showID).Inc()
}

func TrackCountdownExpired(showID string) {
	countdownExpirations.WithLabelValues(showID).Inc()
}

func TrackOrchestration(outcome string) {
	orchestrations.WithLabelValues(outcome).Inc()
}

func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }
