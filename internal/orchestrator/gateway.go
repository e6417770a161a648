package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	pubnub "github.com/pubnub/go/v7"

	"ticket-client/internal/realtime"
	"ticket-client/models"
)

// DefaultNotificationChannel is the topic the payment gateway publishes
// callbacks on.
const DefaultNotificationChannel = "payment-notifications"

// PubNubNotifier listens for gateway callbacks pushed over PubNub while the
// user completes payment in the gateway UI.
type PubNubNotifier struct {
	pn       *pubnub.PubNub
	listener *pubnub.Listener
	results  chan models.GatewayResult
	closed   chan struct{}
	log      *slog.Logger
}

func NewPubNubNotifier(cfg *realtime.PubNubConfig, channel string, log *slog.Logger) *PubNubNotifier {
	if channel == "" {
		channel = DefaultNotificationChannel
	}
	if log == nil {
		log = slog.Default()
	}

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SecretKey = cfg.SecretKey

	n := &PubNubNotifier{
		pn:       pubnub.NewPubNub(pnCfg),
		listener: pubnub.NewListener(),
		results:  make(chan models.GatewayResult, 8),
		closed:   make(chan struct{}),
		log:      log,
	}

	n.pn.AddListener(n.listener)
	n.pn.Subscribe().Channels([]string{channel}).Execute()
	go n.loop()

	return n
}

func (n *PubNubNotifier) Results() <-chan models.GatewayResult { return n.results }

func (n *PubNubNotifier) Close() {
	select {
	case <-n.closed:
		return
	default:
		close(n.closed)
	}
	n.pn.UnsubscribeAll()
	n.pn.Destroy()
}

func (n *PubNubNotifier) loop() {
	for {
		select {
		case <-n.closed:
			return

		case st := <-n.listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				n.log.Info("gateway notifier connected")
			case pubnub.PNDisconnectedCategory:
				n.log.Warn("gateway notifier disconnected")
			}

		case message := <-n.listener.Message:
			result, err := decodeResult(message)
			if err != nil {
				n.log.Warn("gateway notification dropped", "error", err)
				continue
			}
			select {
			case n.results <- *result:
			case <-n.closed:
				return
			}
		}
	}
}

func decodeResult(message *pubnub.PNMessage) (*models.GatewayResult, error) {
	data, ok := message.Message.(map[string]interface{})
	if !ok {
		return nil, errInvalidPayload
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var result models.GatewayResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if result.Timestamp.IsZero() && message.Timetoken > 0 {
		result.Timestamp = time.Unix(0, message.Timetoken*100)
	}
	return &result, nil
}

var errInvalidPayload = errors.New("gateway: unexpected notification payload type")
