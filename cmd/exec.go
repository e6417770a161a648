package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticket-client/config"
	"ticket-client/internal/devserver"
	"ticket-client/internal/realtime"
	"ticket-client/models"
	"ticket-client/monitoring"
	"ticket-client/security"
	"ticket-client/utils"

	"github.com/shopspring/decimal"
)

// Start runs the reference seat backend for local development.
func Start() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	redisClient, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	pnCfg := &realtime.PubNubConfig{
		SubscribeKey: cfg.PubNubSubscribeKey,
		PublishKey:   cfg.PubNubPublishKey,
		SecretKey:    cfg.PubNubSecretKey,
		UserID:       "devserver",
	}
	publisher := devserver.NewPublisher(pnCfg, slog.Default())
	defer publisher.Close()

	store := devserver.NewStore(redisClient, cfg.DefaultLockDuration, slog.Default())
	limiter := security.NewRateLimiter(redisClient)

	if cfg.EnableMetrics {
		monitoring.NewMonitor(redisClient)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.IsDevelopment() {
		if err := seedDemoShow(ctx, store); err != nil {
			slog.Warn("demo show seeding failed", "error", err)
		}
	}

	server := devserver.NewServer(store, publisher, limiter, cfg, slog.Default())
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go handleShutdown(cancel)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("seat backend listening", "port", cfg.Port, "environment", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// seedDemoShow writes a small fixed seat map so a fresh environment has
// something to book against.
func seedDemoShow(ctx context.Context, store *devserver.Store) error {
	rows := []struct {
		prefix string
		typ    models.SeatType
		price  decimal.Decimal
	}{
		{"A", models.SeatDiamond, decimal.NewFromInt(200)},
		{"B", models.SeatPlatinum, decimal.NewFromInt(150)},
		{"C", models.SeatGold, decimal.NewFromInt(100)},
		{"D", models.SeatSilver, decimal.NewFromInt(50)},
	}

	var seats []models.Seat
	for _, row := range rows {
		for n := 1; n <= 10; n++ {
			seats = append(seats, models.Seat{
				SeatNumber: fmt.Sprintf("%s%02d", row.prefix, n),
				Type:       row.typ,
				Price:      row.price,
				Status:     models.SeatAvailable,
			})
		}
	}
	return store.SeedShow(ctx, "demo-show", seats)
}

func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("shutdown signal received, cleaning up")
	cancel()
}
