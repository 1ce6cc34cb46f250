package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one incoming message from the bridge. The webhook POST body
// and the websocket stream share this shape, so either transport can
// feed the same pipeline.
type Event struct {
	MessageID  string `json:"message_id"`
	SenderJID  string `json:"sender_jid"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	IsFromMe   bool   `json:"is_from_me"`
	IsGroup    bool   `json:"is_group"`
	MediaType  string `json:"media_type"`
}

// EventStream maintains a websocket connection to the bridge and
// delivers incoming events on a buffered channel. It reconnects with
// backoff until the context is cancelled.
type EventStream struct {
	url    string
	logger *zap.Logger
	events chan Event
}

// NewEventStream creates a stream for the given websocket URL.
func NewEventStream(url string, logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStream{
		url:    url,
		logger: logger,
		events: make(chan Event, 100),
	}
}

// Events returns the channel incoming events arrive on. It is closed
// when Run returns.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Run connects and reads until ctx is cancelled. Connection drops are
// retried with capped exponential backoff.
func (s *EventStream) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("event stream dial failed",
				zap.String("url", s.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		s.logger.Info("event stream connected", zap.String("url", s.url))
		backoff = time.Second

		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("event stream closed, reconnecting", zap.Error(err))
	}
}

func (s *EventStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("event stream bad payload", zap.Error(err))
			continue
		}
		if ev.SenderJID == "" {
			continue
		}

		select {
		case s.events <- ev:
		default:
			s.logger.Warn("event stream buffer full, dropping event",
				zap.String("sender", ev.SenderJID))
		}
	}
}
