package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Private WS topics.
const (
	TopicOrder     = "order"
	TopicExecution = "execution"
	TopicPosition  = "position"
	TopicWallet    = "wallet"
)

// OrderUpdate is one order row from the private order topic.
type OrderUpdate struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	Symbol        string `json:"symbol"`
	OrderStatus   string `json:"orderStatus"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	CumExecQty    string `json:"cumExecQty"`
	AvgPrice      string `json:"avgPrice"`
	StopOrderType string `json:"stopOrderType"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// ExecutionUpdate is one fill from the private execution topic.
type ExecutionUpdate struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

// PositionUpdate is one position row from the private position topic.
type PositionUpdate struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	AvgPrice string `json:"avgPrice"`
	StopLoss string `json:"stopLoss"`
}

// WalletUpdate is the wallet topic snapshot.
type WalletUpdate struct {
	AccountType           string `json:"accountType"`
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
}

// PrivateHandlers receives decoded private topic updates. Nil handlers skip
// their topic.
type PrivateHandlers struct {
	OnOrder     func(OrderUpdate)
	OnExecution func(ExecutionUpdate)
	OnPosition  func(PositionUpdate)
	OnWallet    func(WalletUpdate)
	OnRaw       func(topic, payload string)
	OnReconnect func(attempt int)
}

// PrivateWS streams the authenticated order/execution/position/wallet topics.
type PrivateWS struct {
	url       string
	apiKey    string
	apiSecret string
	handlers  PrivateHandlers
}

func NewPrivateWS(url, apiKey, apiSecret string, handlers PrivateHandlers) *PrivateWS {
	return &PrivateWS{url: url, apiKey: apiKey, apiSecret: apiSecret, handlers: handlers}
}

// Run connects, authenticates and consumes until ctx is canceled.
func (w *PrivateWS) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		if w.handlers.OnReconnect != nil {
			w.handlers.OnReconnect(attempt)
		}
		wait := backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Private WS disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// wsAuthSignature signs "GET/realtime{expires}" for the auth op.
func wsAuthSignature(secret string, expiresMs int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expiresMs, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *PrivateWS) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	expires := time.Now().Add(10 * time.Second).UnixMilli()
	auth := map[string]any{
		"op":   "auth",
		"args": []any{w.apiKey, expires, wsAuthSignature(w.apiSecret, expires)},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}

	topics := []string{TopicOrder, TopicExecution, TopicPosition, TopicWallet}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Msg("Private WS authenticated and subscribed 🔐")

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

func (w *PrivateWS) handle(raw []byte) {
	var frame struct {
		Topic   string          `json:"topic"`
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if frame.Op == "auth" && frame.Success != nil && !*frame.Success {
		log.Error().Str("ret_msg", frame.RetMsg).Msg("Private WS auth rejected")
		return
	}
	if frame.Topic == "" || len(frame.Data) == 0 {
		return
	}

	if w.handlers.OnRaw != nil {
		w.handlers.OnRaw(frame.Topic, string(frame.Data))
	}

	switch frame.Topic {
	case TopicOrder:
		var rows []OrderUpdate
		if json.Unmarshal(frame.Data, &rows) == nil && w.handlers.OnOrder != nil {
			for _, r := range rows {
				w.handlers.OnOrder(r)
			}
		}
	case TopicExecution:
		var rows []ExecutionUpdate
		if json.Unmarshal(frame.Data, &rows) == nil && w.handlers.OnExecution != nil {
			for _, r := range rows {
				w.handlers.OnExecution(r)
			}
		}
	case TopicPosition:
		var rows []PositionUpdate
		if json.Unmarshal(frame.Data, &rows) == nil && w.handlers.OnPosition != nil {
			for _, r := range rows {
				w.handlers.OnPosition(r)
			}
		}
	case TopicWallet:
		var rows []WalletUpdate
		if json.Unmarshal(frame.Data, &rows) == nil && w.handlers.OnWallet != nil {
			for _, r := range rows {
				w.handlers.OnWallet(r)
			}
		}
	}
}
