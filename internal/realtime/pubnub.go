package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubnub "github.com/pubnub/go/v7"

	"ticket-client/models"
)

type PubNubConfig struct {
	SubscribeKey string `json:"subscribeKey" mapstructure:"subscribe_key"`
	PublishKey   string `json:"publishKey" mapstructure:"publish_key"`
	SecretKey    string `json:"secretKey" mapstructure:"secret_key"`
	UserID       string `json:"userId" mapstructure:"user_id"`
}

// PubNubDialer dials show topics over PubNub. Each Dial owns a fresh PubNub
// instance so teardown never leaks a singleton subscription.
type PubNubDialer struct {
	cfg              *PubNubConfig
	handshakeTimeout time.Duration
}

func NewPubNubDialer(cfg *PubNubConfig) *PubNubDialer {
	return &PubNubDialer{
		cfg:              cfg,
		handshakeTimeout: 10 * time.Second,
	}
}

func (d *PubNubDialer) Dial(ctx context.Context, topic string) (Conn, error) {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(d.cfg.UserID))
	pnCfg.SubscribeKey = d.cfg.SubscribeKey
	pnCfg.PublishKey = d.cfg.PublishKey
	pnCfg.SecretKey = d.cfg.SecretKey

	pn := pubnub.NewPubNub(pnCfg)
	listener := pubnub.NewListener()
	pn.AddListener(listener)
	pn.Subscribe().Channels([]string{topic}).Execute()

	// Wait for the handshake outcome before handing the connection over.
	deadline := time.NewTimer(d.handshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			pn.UnsubscribeAll()
			pn.Destroy()
			return nil, ctx.Err()

		case <-deadline.C:
			pn.UnsubscribeAll()
			pn.Destroy()
			return nil, fmt.Errorf("pubnub: handshake timeout on %s", topic)

		case st := <-listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory, pubnub.PNReconnectedCategory:
				conn := newPubNubConn(pn, listener)
				go conn.loop()
				return conn, nil

			case pubnub.PNAccessDeniedCategory, pubnub.PNBadRequestCategory,
				pubnub.PNTimeoutCategory, pubnub.PNDisconnectedCategory,
				pubnub.PNReconnectionAttemptsExhausted:
				pn.UnsubscribeAll()
				pn.Destroy()
				return nil, fmt.Errorf("pubnub: handshake failed on %s: %v", topic, st.Category)
			}
		}
	}
}

type pubnubConn struct {
	pn       *pubnub.PubNub
	listener *pubnub.Listener
	events   chan models.RealtimeEvent
	errs     chan error
	closed   chan struct{}
}

func newPubNubConn(pn *pubnub.PubNub, listener *pubnub.Listener) *pubnubConn {
	return &pubnubConn{
		pn:       pn,
		listener: listener,
		events:   make(chan models.RealtimeEvent, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *pubnubConn) Events() <-chan models.RealtimeEvent { return c.events }
func (c *pubnubConn) Errors() <-chan error                { return c.errs }

func (c *pubnubConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.pn.UnsubscribeAll()
	c.pn.Destroy()
	return nil
}

func (c *pubnubConn) loop() {
	for {
		select {
		case <-c.closed:
			return

		case st := <-c.listener.Status:
			switch st.Category {
			case pubnub.PNDisconnectedCategory, pubnub.PNTimeoutCategory,
				pubnub.PNAccessDeniedCategory, pubnub.PNReconnectionAttemptsExhausted:
				select {
				case c.errs <- fmt.Errorf("pubnub: transport failure: %v", st.Category):
				default:
				}
				return
			}

		case message := <-c.listener.Message:
			ev, err := decodeEvent(message)
			if err != nil {
				// Malformed pushes are dropped; the snapshot covers the gap.
				continue
			}
			select {
			case c.events <- *ev:
			case <-c.closed:
				return
			}
		}
	}
}

func decodeEvent(message *pubnub.PNMessage) (*models.RealtimeEvent, error) {
	data, ok := message.Message.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("pubnub: unexpected message type %T", message.Message)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var ev models.RealtimeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Timestamp.IsZero() && message.Timetoken > 0 {
		// Timetoken is in 100ns units since epoch.
		ev.Timestamp = time.Unix(0, message.Timetoken*100)
	}
	return &ev, nil
}
