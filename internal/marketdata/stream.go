package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MarkStream subscribes to the all-market mark price stream and keeps the
// gateway's mark cache warm between ticker refreshes. The REST caches remain
// the source of truth; the stream only tightens exit-check latency.
type MarkStream struct {
	gw    *Gateway
	wsURL string
	conn  *websocket.Conn
}

// NewMarkStream creates a stream feeding the given gateway
func NewMarkStream(gw *Gateway, wsURL string) *MarkStream {
	return &MarkStream{gw: gw, wsURL: wsURL}
}

// Run connects and reads until the context is cancelled, reconnecting on
// any failure
func (s *MarkStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.connect(ctx); err != nil {
			log.Error().Err(err).Msg("Mark stream connection failed")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.readMessages(ctx)
		s.conn.Close()

		if ctx.Err() == nil {
			log.Warn().Msg("Mark stream disconnected, reconnecting...")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *MarkStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL+"/!markPrice@arr@1s", nil)
	if err != nil {
		return err
	}
	s.conn = conn
	log.Info().Msg("🔌 Mark price stream connected")
	return nil
}

func (s *MarkStream) readMessages(ctx context.Context) {
	// Unblock ReadMessage when the context ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Mark stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

// markEvent is one entry of the @arr mark price payload
type markEvent struct {
	Symbol string `json:"s"`
	Mark   string `json:"p"`
}

func (s *MarkStream) handleMessage(message []byte) {
	var events []markEvent
	if err := json.Unmarshal(message, &events); err != nil {
		return
	}
	for _, e := range events {
		price, err := decimal.NewFromString(e.Mark)
		if err != nil || price.IsZero() {
			continue
		}
		s.gw.setStreamedMark(e.Symbol, price)
	}
}
