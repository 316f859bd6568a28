package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsPingInterval   = 20 * time.Second
	wsReadTimeout    = 60 * time.Second
	wsBackoffInitial = time.Second
	wsBackoffMax     = 60 * time.Second
)

// KlineEvent is one confirmed candle from the public kline topic.
type KlineEvent struct {
	Symbol   string
	Interval string
	StartMs  int64
	EndMs    int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
	Confirm  bool
}

type wsKlineMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start    int64  `json:"start"`
		End      int64  `json:"end"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Turnover string `json:"turnover"`
		Confirm  bool   `json:"confirm"`
	} `json:"data"`
}

// PublicWS streams public kline topics with automatic reconnect.
type PublicWS struct {
	url         string
	topics      []string
	onKline     func(KlineEvent)
	onReconnect func(attempt int)
}

// NewPublicWS builds a public stream client. topics are full topic strings,
// e.g. "kline.60.BTCUSDT".
func NewPublicWS(url string, topics []string, onKline func(KlineEvent), onReconnect func(attempt int)) *PublicWS {
	return &PublicWS{url: url, topics: topics, onKline: onKline, onReconnect: onReconnect}
}

// KlineTopic builds the public kline topic string.
func KlineTopic(interval, symbol string) string {
	return fmt.Sprintf("kline.%s.%s", interval, symbol)
}

// Run connects and consumes until ctx is canceled, reconnecting on any error
// with exponential backoff and jitter.
func (w *PublicWS) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		if w.onReconnect != nil {
			w.onReconnect(attempt)
		}
		wait := backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Public WS disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (w *PublicWS) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": w.topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Int("topics", len(w.topics)).Msg("Public WS subscribed 📡")

	done := make(chan struct{})
	defer close(done)
	go pingLoop(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.handle(raw)
	}
}

func (w *PublicWS) handle(raw []byte) {
	var msg wsKlineMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return
	}
	// topic is kline.{interval}.{symbol}
	parts := strings.SplitN(msg.Topic, ".", 3)
	if len(parts) != 3 || parts[0] != "kline" {
		return
	}
	interval, symbol := parts[1], parts[2]
	for _, d := range msg.Data {
		if !d.Confirm {
			continue
		}
		w.onKline(KlineEvent{
			Symbol:   symbol,
			Interval: interval,
			StartMs:  d.Start,
			EndMs:    d.End,
			Open:     parseF(d.Open),
			High:     parseF(d.High),
			Low:      parseF(d.Low),
			Close:    parseF(d.Close),
			Volume:   parseF(d.Volume),
			Turnover: parseF(d.Turnover),
			Confirm:  true,
		})
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-t.C:
			conn.WriteJSON(map[string]any{"op": "ping"})
		}
	}
}

// backoff returns exponential delay capped at wsBackoffMax with 0-30% jitter.
func backoff(attempt int) time.Duration {
	d := wsBackoffInitial << uint(attempt-1)
	if d > wsBackoffMax || d <= 0 {
		d = wsBackoffMax
	}
	jitter := time.Duration(rand.Float64() * 0.3 * float64(d))
	return d + jitter
}
