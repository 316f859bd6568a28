package bybit

// apiResponse is the common Bybit v5 REST response frame.
type apiResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Time    int64  `json:"time"`
}

// Kline is one candle as returned by /v5/market/kline, parsed to numbers.
type Kline struct {
	StartMs  int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
}

type klineResponse struct {
	apiResponse
	Result struct {
		Symbol string      `json:"symbol"`
		List   [][]string  `json:"list"`
	} `json:"result"`
}

// InstrumentInfo holds the trading filters for one symbol.
type InstrumentInfo struct {
	Symbol      string
	Status      string
	TickSize    float64
	QtyStep     float64
	MinOrderQty float64
	MaxOrderQty float64
}

type instrumentsResponse struct {
	apiResponse
	Result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Status      string `json:"status"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	} `json:"result"`
}

// WalletBalance summarizes unified account equity.
type WalletBalance struct {
	TotalEquity        float64
	TotalAvailable     float64
	TotalWalletBalance float64
}

type walletResponse struct {
	apiResponse
	Result struct {
		List []struct {
			TotalEquity          string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalWalletBalance   string `json:"totalWalletBalance"`
		} `json:"list"`
	} `json:"result"`
}

// ExchangePosition is one open position as reported by /v5/position/list.
type ExchangePosition struct {
	Symbol        string
	Side          string // Buy/Sell, "" when flat
	Size          float64
	AvgPrice      float64
	StopLoss      float64
	PositionValue float64
	UnrealisedPnl float64
}

type positionListResponse struct {
	apiResponse
	Result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			StopLoss      string `json:"stopLoss"`
			PositionValue string `json:"positionValue"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	} `json:"result"`
}

// OrderRequest is the order creation payload.
type OrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"` // Buy/Sell
	OrderType   string `json:"orderType"` // Market/Limit
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

// OrderAck is the exchange acknowledgement of an order mutation.
type OrderAck struct {
	OrderID     string
	OrderLinkID string
}

type orderAckResponse struct {
	apiResponse
	Result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	} `json:"result"`
}

// OrderStatus is one order row from /v5/order/realtime.
type OrderStatus struct {
	OrderID     string
	OrderLinkID string
	Symbol      string
	Status      string
	Qty         float64
	CumExecQty  float64
	AvgPrice    float64
	Price       float64
}

type orderRealtimeResponse struct {
	apiResponse
	Result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			OrderStatus string `json:"orderStatus"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			Price       string `json:"price"`
		} `json:"list"`
	} `json:"result"`
}

// TradingStopRequest updates the exchange-side stop for a position.
type TradingStopRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	StopLoss    string `json:"stopLoss"`
	PositionIdx int    `json:"positionIdx"`
	TpslMode    string `json:"tpslMode,omitempty"`
}
