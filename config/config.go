package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Backend REST API
	BaseURL     string
	HTTPTimeout time.Duration

	// Realtime channel
	RealtimeEnabled    bool
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	MaxReconnects      int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration

	// Reservation session
	DefaultLockDuration time.Duration
	MaxSeatsPerBooking  int
	CountdownTick       time.Duration
	ConflictRefreshWait time.Duration

	// Booking/payment flow
	PaymentWindow time.Duration
	Currency      string

	// Devserver
	Port          string
	Environment   string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	EnableMetrics bool
}

// Load reads configuration from environment variables and an optional .env
// file. Missing keys fall back to defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	// .env is optional; environment variables may carry everything.
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		BaseURL:     v.GetString("BASE_URL"),
		HTTPTimeout: v.GetDuration("HTTP_TIMEOUT"),

		RealtimeEnabled:    v.GetBool("REALTIME_ENABLED"),
		PubNubPublishKey:   v.GetString("PUBNUB_PUBLISH_KEY"),
		PubNubSubscribeKey: v.GetString("PUBNUB_SUBSCRIBE_KEY"),
		PubNubSecretKey:    v.GetString("PUBNUB_SECRET_KEY"),
		MaxReconnects:      v.GetInt("REALTIME_MAX_RECONNECTS"),
		BaseBackoff:        v.GetDuration("REALTIME_BASE_BACKOFF"),
		MaxBackoff:         v.GetDuration("REALTIME_MAX_BACKOFF"),

		DefaultLockDuration: v.GetDuration("DEFAULT_LOCK_DURATION"),
		MaxSeatsPerBooking:  v.GetInt("MAX_SEATS_PER_BOOKING"),
		CountdownTick:       v.GetDuration("COUNTDOWN_TICK"),
		ConflictRefreshWait: v.GetDuration("CONFLICT_REFRESH_WAIT"),

		PaymentWindow: v.GetDuration("PAYMENT_WINDOW"),
		Currency:      v.GetString("CURRENCY"),

		Port:          v.GetString("PORT"),
		Environment:   v.GetString("ENVIRONMENT"),
		RedisURL:      v.GetString("REDIS_URL"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		EnableMetrics: v.GetBool("ENABLE_METRICS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BASE_URL", "http://localhost:8090")
	v.SetDefault("HTTP_TIMEOUT", "10s")

	v.SetDefault("REALTIME_ENABLED", true)
	v.SetDefault("PUBNUB_PUBLISH_KEY", "")
	v.SetDefault("PUBNUB_SUBSCRIBE_KEY", "")
	v.SetDefault("PUBNUB_SECRET_KEY", "")
	v.SetDefault("REALTIME_MAX_RECONNECTS", 5)
	v.SetDefault("REALTIME_BASE_BACKOFF", "1s")
	v.SetDefault("REALTIME_MAX_BACKOFF", "30s")

	v.SetDefault("DEFAULT_LOCK_DURATION", "5m")
	v.SetDefault("MAX_SEATS_PER_BOOKING", 10)
	v.SetDefault("COUNTDOWN_TICK", "1s")
	v.SetDefault("CONFLICT_REFRESH_WAIT", "1500ms")

	v.SetDefault("PAYMENT_WINDOW", "10m")
	v.SetDefault("CURRENCY", "USD")

	v.SetDefault("PORT", "8090")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ENABLE_METRICS", true)
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: BASE_URL is required")
	}
	if c.MaxSeatsPerBooking <= 0 {
		return fmt.Errorf("config: MAX_SEATS_PER_BOOKING must be positive")
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("config: REALTIME_MAX_RECONNECTS must not be negative")
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("config: invalid realtime backoff window")
	}
	if c.RealtimeEnabled && c.PubNubSubscribeKey == "" && c.Environment == "production" {
		return fmt.Errorf("config: PUBNUB_SUBSCRIBE_KEY is required when realtime is enabled")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
