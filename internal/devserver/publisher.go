package devserver

import (
	"log/slog"
	"time"

	pubnub "github.com/pubnub/go/v7"

	"ticket-client/internal/orchestrator"
	"ticket-client/internal/realtime"
	"ticket-client/models"
)

// Publisher pushes seat-status changes and payment callbacks over PubNub so
// connected clients see them without polling.
type Publisher struct {
	pn  *pubnub.PubNub
	log *slog.Logger
}

func NewPublisher(cfg *realtime.PubNubConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SecretKey = cfg.SecretKey

	return &Publisher{pn: pubnub.NewPubNub(pnCfg), log: log}
}

// SeatsChanged announces a seat-status transition on the show's topic.
func (p *Publisher) SeatsChanged(showID string, seats []string, st models.SeatStatus, userID string) {
	if len(seats) == 0 {
		return
	}
	_, pnStatus, err := p.pn.Publish().
		Channel("show-" + showID).
		Message(map[string]any{
			"seats":     seats,
			"status":    string(st),
			"user_id":   userID,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Execute()
	if err != nil || pnStatus.Error != nil {
		p.log.Warn("seat change publish failed", "show_id", showID, "error", err)
	}
}

// PaymentResult announces a gateway outcome on the payment callback channel.
func (p *Publisher) PaymentResult(orderID, result string) {
	_, pnStatus, err := p.pn.Publish().
		Channel(orchestrator.DefaultNotificationChannel).
		Message(map[string]any{
			"order_id":  orderID,
			"status":    result,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Execute()
	if err != nil || pnStatus.Error != nil {
		p.log.Warn("payment result publish failed", "order_id", orderID, "error", err)
	}
}

func (p *Publisher) Close() {
	p.pn.Destroy()
}
