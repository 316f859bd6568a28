// Package bybit is the Bybit v5 REST and WebSocket client used by the
// marketdata and execution services. All REST calls pass through the group
// rate limiter; private calls are HMAC signed.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	maxAttempts = 3
	retryBase   = 500 * time.Millisecond
)

// Bybit retCodes that signal a transient quota problem.
const (
	retCodeOK          = 0
	retCodeRateLimit   = 10006
	retCodeIPRateLimit = 10018
)

// Client is a Bybit v5 REST client.
type Client struct {
	http       *resty.Client
	limiter    *Limiter
	apiKey     string
	apiSecret  string
	category   string
	recvWindow int
	cache      *ttlCache
}

type Options struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Category   string
	RecvWindow int
	Limiter    *Limiter
}

func NewClient(opts Options) *Client {
	httpc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = 5000
	}
	return &Client{
		http:       httpc,
		limiter:    opts.Limiter,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		category:   opts.Category,
		recvWindow: opts.RecvWindow,
		cache:      newTTLCache(),
	}
}

// sign computes the v5 request signature over
// timestamp + apiKey + recvWindow + payload.
func (c *Client) sign(timestamp int64, payload string) string {
	msg := strconv.FormatInt(timestamp, 10) + c.apiKey + strconv.Itoa(c.recvWindow) + payload
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// do performs one REST call with rate limiting, signing and bounded retry.
// out must embed apiResponse.
func (c *Client) do(ctx context.Context, method, path, group, symbol string,
	params map[string]string, body any, signed bool, out interface{ frame() *apiResponse }) error {

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, group, symbol); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
		}

		req := c.http.R().SetContext(ctx).SetResult(out)
		var payload string
		if method == http.MethodGet {
			req.SetQueryParams(params)
			payload = canonicalQuery(params)
		} else if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal body: %w", err)
			}
			req.SetBody(raw)
			payload = string(raw)
		}
		if signed {
			ts := time.Now().UnixMilli()
			req.SetHeaders(map[string]string{
				"X-BAPI-API-KEY":     c.apiKey,
				"X-BAPI-TIMESTAMP":   strconv.FormatInt(ts, 10),
				"X-BAPI-RECV-WINDOW": strconv.Itoa(c.recvWindow),
				"X-BAPI-SIGN":        c.sign(ts, payload),
			})
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
		} else {
			frame := out.frame()
			switch {
			case resp.StatusCode() == http.StatusOK && frame.RetCode == retCodeOK:
				return nil
			case isTransient(resp.StatusCode(), frame.RetCode):
				c.applyResetHeader(resp)
				lastErr = fmt.Errorf("%s %s: status=%d retCode=%d retMsg=%s",
					method, path, resp.StatusCode(), frame.RetCode, frame.RetMsg)
			default:
				return fmt.Errorf("%s %s: status=%d retCode=%d retMsg=%s",
					method, path, resp.StatusCode(), frame.RetCode, frame.RetMsg)
			}
		}

		if attempt < maxAttempts {
			wait := retryBase * time.Duration(1<<(attempt-1))
			if resp != nil {
				if ra := retryAfter(resp); ra > wait {
					wait = ra
				}
			}
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("wait", wait).Msg("Bybit request retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

func isTransient(status, retCode int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	return retCode == retCodeRateLimit || retCode == retCodeIPRateLimit
}

func retryAfter(resp *resty.Response) time.Duration {
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// applyResetHeader pauses the limiter until the quota reset the exchange
// advertises, if any.
func (c *Client) applyResetHeader(resp *resty.Response) {
	if c.limiter == nil {
		return
	}
	reset := resp.Header().Get("X-Bapi-Limit-Reset-Timestamp")
	if reset == "" {
		return
	}
	ms, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return
	}
	until := time.UnixMilli(ms)
	if time.Until(until) > 0 {
		log.Warn().Time("until", until).Msg("Bybit quota exhausted, pausing requests")
		c.limiter.Pause(until)
	}
}

func (r *apiResponse) frame() *apiResponse { return r }

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// GetKlines fetches up to limit candles for (symbol, interval), newest first
// as the API returns them, re-sorted here to ascending start time. Passing
// startMs/endMs of 0 omits the bound.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error) {
	params := map[string]string{
		"category": c.category,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if startMs > 0 {
		params["start"] = strconv.FormatInt(startMs, 10)
	}
	if endMs > 0 {
		params["end"] = strconv.FormatInt(endMs, 10)
	}
	var out klineResponse
	if err := c.do(ctx, http.MethodGet, "/v5/market/kline", GroupPublic, symbol, params, nil, false, &out); err != nil {
		return nil, err
	}
	klines := make([]Kline, 0, len(out.Result.List))
	for _, row := range out.Result.List {
		if len(row) < 7 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		klines = append(klines, Kline{
			StartMs:  start,
			Open:     parseF(row[1]),
			High:     parseF(row[2]),
			Low:      parseF(row[3]),
			Close:    parseF(row[4]),
			Volume:   parseF(row[5]),
			Turnover: parseF(row[6]),
		})
	}
	sort.Slice(klines, func(i, j int) bool { return klines[i].StartMs < klines[j].StartMs })
	return klines, nil
}

// GetInstrumentInfo fetches trading filters for symbol. Responses are cached
// for an hour and served stale if a refresh fails.
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	cacheKey := "instrument:" + symbol
	if v, fresh := c.cache.get(cacheKey); fresh {
		return v.(*InstrumentInfo), nil
	}

	params := map[string]string{"category": c.category, "symbol": symbol}
	var out instrumentsResponse
	err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", GroupPublic, symbol, params, nil, false, &out)
	if err != nil || len(out.Result.List) == 0 {
		if v, ok := c.cache.getStale(cacheKey); ok {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Instrument refresh failed, serving stale")
			return v.(*InstrumentInfo), nil
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("instrument %s not found", symbol)
	}

	row := out.Result.List[0]
	info := &InstrumentInfo{
		Symbol:      row.Symbol,
		Status:      row.Status,
		TickSize:    parseF(row.PriceFilter.TickSize),
		QtyStep:     parseF(row.LotSizeFilter.QtyStep),
		MinOrderQty: parseF(row.LotSizeFilter.MinOrderQty),
		MaxOrderQty: parseF(row.LotSizeFilter.MaxOrderQty),
	}
	c.cache.set(cacheKey, info, time.Hour)
	return info, nil
}

// GetWalletBalance fetches unified account equity.
func (c *Client) GetWalletBalance(ctx context.Context, accountType string) (*WalletBalance, error) {
	params := map[string]string{"accountType": accountType}
	var out walletResponse
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", GroupPrivateAccountQuery, "", params, nil, true, &out); err != nil {
		return nil, err
	}
	if len(out.Result.List) == 0 {
		return nil, fmt.Errorf("wallet balance empty")
	}
	row := out.Result.List[0]
	return &WalletBalance{
		TotalEquity:        parseF(row.TotalEquity),
		TotalAvailable:     parseF(row.TotalAvailableBalance),
		TotalWalletBalance: parseF(row.TotalWalletBalance),
	}, nil
}

// GetPositions fetches open positions, optionally for one symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	params := map[string]string{"category": c.category, "settleCoin": "USDT"}
	if symbol != "" {
		params["symbol"] = symbol
		delete(params, "settleCoin")
	}
	var out positionListResponse
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", GroupPrivateAccountQuery, symbol, params, nil, true, &out); err != nil {
		return nil, err
	}
	positions := make([]ExchangePosition, 0, len(out.Result.List))
	for _, row := range out.Result.List {
		positions = append(positions, ExchangePosition{
			Symbol:        row.Symbol,
			Side:          row.Side,
			Size:          parseF(row.Size),
			AvgPrice:      parseF(row.AvgPrice),
			StopLoss:      parseF(row.StopLoss),
			PositionValue: parseF(row.PositionValue),
			UnrealisedPnl: parseF(row.UnrealisedPnl),
		})
	}
	return positions, nil
}

// CreateOrder submits an order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	req.Category = c.category
	var out orderAckResponse
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", GroupPrivateCritical, req.Symbol, nil, req, true, &out); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: out.Result.OrderID, OrderLinkID: out.Result.OrderLinkID}, nil
}

// CancelOrder cancels by exchange order id or link id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*OrderAck, error) {
	body := map[string]string{"category": c.category, "symbol": symbol}
	if orderID != "" {
		body["orderId"] = orderID
	} else {
		body["orderLinkId"] = orderLinkID
	}
	var out orderAckResponse
	if err := c.do(ctx, http.MethodPost, "/v5/order/cancel", GroupPrivateCritical, symbol, nil, body, true, &out); err != nil {
		return nil, err
	}
	return &OrderAck{OrderID: out.Result.OrderID, OrderLinkID: out.Result.OrderLinkID}, nil
}

// GetOrder queries live order state by exchange order id or link id.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*OrderStatus, error) {
	params := map[string]string{"category": c.category, "symbol": symbol}
	if orderID != "" {
		params["orderId"] = orderID
	} else {
		params["orderLinkId"] = orderLinkID
	}
	var out orderRealtimeResponse
	if err := c.do(ctx, http.MethodGet, "/v5/order/realtime", GroupPrivateOrderQuery, symbol, params, nil, true, &out); err != nil {
		return nil, err
	}
	if len(out.Result.List) == 0 {
		return nil, nil
	}
	row := out.Result.List[0]
	return &OrderStatus{
		OrderID:     row.OrderID,
		OrderLinkID: row.OrderLinkID,
		Symbol:      row.Symbol,
		Status:      row.OrderStatus,
		Qty:         parseF(row.Qty),
		CumExecQty:  parseF(row.CumExecQty),
		AvgPrice:    parseF(row.AvgPrice),
		Price:       parseF(row.Price),
	}, nil
}

// SetTradingStop updates the exchange-side stop loss for symbol.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, stopLoss float64, tickSize float64) error {
	req := TradingStopRequest{
		Category: c.category,
		Symbol:   symbol,
		StopLoss: FormatPrice(stopLoss, tickSize),
		TpslMode: "Full",
	}
	var out orderAckResponse
	return c.do(ctx, http.MethodPost, "/v5/position/trading-stop", GroupPrivateCritical, symbol, nil, req, true, &out)
}
