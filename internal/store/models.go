package store

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Bar statuses and sources.
const (
	SourceWS        = "bybit_ws"
	SourceREST      = "bybit_rest"
	SourceGapfill   = "bybit_rest_gapfill"
	SourceDerived8h = "derived_8h"
)

// Order lifecycle.
const (
	OrderSubmitted     = "SUBMITTED"
	OrderPartialFilled = "PARTIAL_FILLED"
	OrderFilled        = "FILLED"
	OrderCanceled      = "CANCELED"
	OrderFailed        = "FAILED"
)

// Order purposes.
const (
	PurposeEntry = "ENTRY"
	PurposeTP1   = "TP1"
	PurposeTP2   = "TP2"
	PurposeExit  = "EXIT"
)

// Position status.
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Exit reasons.
const (
	ExitPrimarySL     = "PRIMARY_SL_HIT"
	ExitSecondarySL   = "SECONDARY_SL_EXIT"
	ExitRunnerSL      = "RUNNER_SL"
	ExitSecondaryRule = "secondary_rule"
	ExitMutexUpgrade  = "mutex_upgrade"
	ExitTPHit         = "TP_HIT"
	ExitStopLoss      = "STOP_LOSS"
)

// Notification delivery status.
const (
	NotifyPending = "PENDING"
	NotifySent    = "SENT"
	NotifyFailed  = "FAILED"
)

// Runtime flag names.
const (
	FlagKillSwitch = "KILL_SWITCH"
)

// Bar is one OHLCV candle per (symbol, timeframe, close_time_ms).
type Bar struct {
	Symbol      string  `gorm:"primaryKey;size:32"`
	Timeframe   string  `gorm:"primaryKey;size:8"`
	CloseTimeMs int64   `gorm:"primaryKey"`
	OpenTimeMs  int64   `gorm:"index"`
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	Turnover    float64
	Source      string `gorm:"size:32"`
	UpdatedAtMs int64
}

// BarCloseEmit reserves a bar_close publication so replays do not re-emit.
type BarCloseEmit struct {
	Symbol      string `gorm:"primaryKey;size:32"`
	Timeframe   string `gorm:"primaryKey;size:8"`
	CloseTimeMs int64  `gorm:"primaryKey"`
	EventID     string `gorm:"size:64"`
	Source      string `gorm:"size:32"`
	CreatedAtMs int64
}

// Signal is one strategy output per idempotency key.
type Signal struct {
	SignalID       string `gorm:"primaryKey;size:64"`
	IdempotencyKey string `gorm:"uniqueIndex;size:64"`
	Symbol         string `gorm:"index;size:32"`
	Timeframe      string `gorm:"size:8"`
	CloseTimeMs    int64
	Bias           string `gorm:"size:8"`
	VegasState     string `gorm:"size:16"`
	HitCount       int
	Hits           string `gorm:"size:256"` // JSON array
	Status         string `gorm:"size:16"`
	ValidFromMs    int64
	ExpiresAtMs    int64
	Payload        string // JSON envelope
	CreatedAtMs    int64
}

// TradePlan is one proposed trade per idempotency key.
type TradePlan struct {
	PlanID         string `gorm:"primaryKey;size:32"`
	IdempotencyKey string `gorm:"uniqueIndex;size:64"`
	Symbol         string `gorm:"index;size:32"`
	Timeframe      string `gorm:"size:8"`
	CloseTimeMs    int64
	Side           string `gorm:"size:8"`
	EntryPrice     float64
	PrimarySLPrice float64
	Status         string `gorm:"size:16"`
	ValidFromMs    int64
	ExpiresAtMs    int64
	Payload        string // JSON envelope
	CreatedAtMs    int64
}

// Order is an exchange order intent and its state.
type Order struct {
	OrderID         string `gorm:"primaryKey;size:64"`
	IdempotencyKey  string `gorm:"index:idx_orders_idem_purpose,unique;size:64"`
	Purpose         string `gorm:"index:idx_orders_idem_purpose,unique;size:8"`
	Symbol          string `gorm:"index;size:32"`
	Side            string `gorm:"size:8"`
	OrderType       string `gorm:"size:8"`
	Qty             float64
	Price           float64
	ReduceOnly      bool
	Status          string `gorm:"index;size:16"`
	ExchangeOrderID string `gorm:"index;size:64"`
	ExchangeLinkID  string `gorm:"index;size:64"`
	FilledQty       float64
	AvgPrice        float64
	SubmittedAtMs   int64
	LastFillAtMs    int64
	RetryCount      int
	Payload         string // JSON
	UpdatedAtMs     int64
}

// Fill is one immutable execution record.
type Fill struct {
	ExecID     string `gorm:"primaryKey;size:64"`
	OrderID    string `gorm:"index;size:64"`
	ExecQty    float64
	ExecPrice  float64
	ExecFee    float64
	ExecTimeMs int64
}

// Position is a managed trading position, unique per idempotency key.
type Position struct {
	PositionID           string `gorm:"primaryKey;size:64"`
	IdempotencyKey       string `gorm:"uniqueIndex;size:64"`
	Symbol               string `gorm:"index;size:32"`
	Timeframe            string `gorm:"size:8"`
	Side                 string `gorm:"size:8"` // BUY/SELL
	Bias                 string `gorm:"size:8"` // LONG/SHORT
	QtyTotal             float64
	QtyRunner            float64
	EntryPrice           float64
	PrimarySLPrice       float64
	RunnerStopPrice      float64
	Status               string `gorm:"index;size:8"`
	EntryCloseTimeMs     int64
	OpenedAtMs           int64
	ClosedAtMs           int64
	ExitReason           string `gorm:"size:32"`
	SecondaryRuleChecked bool
	HistEntry            float64
	HistEntrySet         bool
	Meta                 string // JSON PositionMeta
	UpdatedAtMs          int64
}

// Leg is one exit fill recorded in position meta.
type Leg struct {
	Type   string  `json:"type"` // TP1/TP2/SL
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
	TimeMs int64   `json:"time_ms"`
	Reason string  `json:"reason,omitempty"`
}

// PositionMeta is the mutable execution state stored in Position.Meta.
type PositionMeta struct {
	QtyOpen         float64  `json:"qty_open"`
	TP1Filled       bool     `json:"tp1_filled"`
	TP2Filled       bool     `json:"tp2_filled"`
	TP1Price        float64  `json:"tp1_price,omitempty"`
	TP2Price        float64  `json:"tp2_price,omitempty"`
	QtyTP1          float64  `json:"qty_tp1,omitempty"`
	QtyTP2          float64  `json:"qty_tp2,omitempty"`
	RunnerSLApplied bool     `json:"runner_sl_applied,omitempty"`
	Legs            []Leg    `json:"legs,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	RunID           string   `json:"run_id,omitempty"`
	TraceID         string   `json:"trace_id,omitempty"`
	ExitReason      string   `json:"exit_reason,omitempty"`
	ClosePrice      float64  `json:"close_price,omitempty"`
	CloseTimeMs     int64    `json:"close_time_ms,omitempty"`
	LastPrice       float64  `json:"last_price,omitempty"`
	LastCloseTimeMs int64    `json:"last_close_time_ms,omitempty"`
	WSPositionSize  *float64 `json:"ws_position_size,omitempty"`
}

// DecodeMeta parses the position meta JSON; an empty column yields zero meta.
func (p *Position) DecodeMeta() PositionMeta {
	var m PositionMeta
	if p.Meta != "" {
		_ = json.Unmarshal([]byte(p.Meta), &m)
	}
	return m
}

// EncodeMeta serializes m back into the position.
func (p *Position) EncodeMeta(m PositionMeta) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	p.Meta = string(raw)
}

// RiskState tracks equity and halts per UTC trade date.
type RiskState struct {
	TradeDate      string          `gorm:"primaryKey;size:10"` // YYYY-MM-DD
	StartingEquity decimal.Decimal `gorm:"type:decimal(20,8)"`
	CurrentEquity  decimal.Decimal `gorm:"type:decimal(20,8)"`
	MinEquity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	MaxEquity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	DrawdownPct    float64
	SoftHalt       bool
	HardHalt       bool
	KillSwitch     bool
	Meta           string // JSON (consecutive_loss_count etc.)
	UpdatedAtMs    int64
}

// RiskStateMeta is the structured part of RiskState.Meta.
type RiskStateMeta struct {
	ConsecutiveLossCount int    `json:"consecutive_loss_count"`
	Mode                 string `json:"mode,omitempty"`
	LastDriftEmitMs      int64  `json:"last_drift_emit_ms,omitempty"`
}

func (r *RiskState) DecodeMeta() RiskStateMeta {
	var m RiskStateMeta
	if r.Meta != "" {
		_ = json.Unmarshal([]byte(r.Meta), &m)
	}
	return m
}

func (r *RiskState) EncodeMeta(m RiskStateMeta) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	r.Meta = string(raw)
}

// Cooldown blocks re-entry on (symbol, side, timeframe) until UntilTsMs.
type Cooldown struct {
	Symbol      string `gorm:"primaryKey;size:32"`
	Side        string `gorm:"primaryKey;size:8"`
	Timeframe   string `gorm:"primaryKey;size:8"`
	Reason      string `gorm:"size:32"`
	UntilTsMs   int64  `gorm:"index"`
	Meta        string
	UpdatedAtMs int64
}

// RuntimeFlag is an admin toggle; source of truth for the kill switch.
type RuntimeFlag struct {
	Name        string `gorm:"primaryKey;size:64"`
	Value       string `gorm:"size:256"`
	UpdatedAtMs int64
}

// Notification is one delivery record keyed by event id.
type Notification struct {
	NotificationID  string `gorm:"primaryKey;size:64"`
	Stream          string `gorm:"size:64"`
	MessageID       string `gorm:"size:64"`
	Severity        string `gorm:"size:16"`
	Text            string
	Status          string `gorm:"index;size:16"`
	Attempts        int
	NextAttemptAtMs int64 `gorm:"index"`
	LastError       string
	CreatedAtMs     int64
	UpdatedAtMs     int64
}

// ExecutionTrace is one structured audit step.
type ExecutionTrace struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	TraceID        string `gorm:"index;size:64"`
	IdempotencyKey string `gorm:"index;size:64"`
	TsMs           int64
	Stage          string `gorm:"size:48"`
	Detail         string // JSON
}

// RiskEventRecord persists emitted risk events for the API surface.
type RiskEventRecord struct {
	EventID   string `gorm:"primaryKey;size:64"`
	TradeDate string `gorm:"index;size:10"`
	TsMs      int64
	Type      string `gorm:"index;size:32"`
	Severity  string `gorm:"size:16"`
	Symbol    string `gorm:"size:32"`
	Detail    string // JSON
}

// WalletSnapshot records wallet equity from WS or REST for drift detection.
type WalletSnapshot struct {
	SnapshotID  string          `gorm:"primaryKey;size:64"`
	TradeDate   string          `gorm:"index;size:10"`
	TsMs        int64
	Source      string          `gorm:"size:8"` // WS/REST
	TotalEquity decimal.Decimal `gorm:"type:decimal(20,8)"`
	Available   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Payload     string
}

// AccountSnapshot records open-position counts and exposure.
type AccountSnapshot struct {
	SnapshotID    string `gorm:"primaryKey;size:64"`
	TradeDate     string `gorm:"index;size:10"`
	TsMs          int64
	Source        string `gorm:"size:8"`
	OpenPositions int
	TotalSizeUSD  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Payload       string
}

// BacktestTrade is one closed simulated trade, keyed deterministically so
// replays are idempotent.
type BacktestTrade struct {
	TradeID        string `gorm:"primaryKey;size:64"`
	RunID          string `gorm:"index;size:64"`
	IdempotencyKey string `gorm:"index;size:64"`
	Symbol         string `gorm:"size:32"`
	Timeframe      string `gorm:"size:8"`
	Side           string `gorm:"size:8"` // LONG/SHORT
	EntryTimeMs    int64
	ExitTimeMs     int64
	EntryPrice     float64
	ExitPrice      float64
	PnLR           float64
	PnLUSDT        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Reason         string          `gorm:"size:32"`
	Legs           string          // JSON []Leg
	CreatedAtMs    int64
}

// WSEvent audits every private WS message before processing.
type WSEvent struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Topic   string `gorm:"index;size:32"`
	TsMs    int64
	Payload string
}
