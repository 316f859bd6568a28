// Package events defines the stream envelope and the typed payloads carried
// on each stream. Every cross-service message is an Envelope serialized into
// the broker message's "json" field, with the payload type tag in "type".
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names.
const (
	StreamBarClose        = "stream:bar_close"
	StreamSignal          = "stream:signal"
	StreamTradePlan       = "stream:trade_plan"
	StreamExecutionReport = "stream:execution_report"
	StreamRiskEvent       = "stream:risk_event"
	StreamDLQ             = "stream:dlq"
)

// Payload type tags.
const (
	TypeBarClose        = "bar_close"
	TypeSignal          = "signal"
	TypeTradePlan       = "trade_plan"
	TypeExecutionReport = "execution_report"
	TypeRiskEvent       = "risk_event"
	TypeDLQ             = "dlq"
)

// Severities.
const (
	SeverityCritical  = "CRITICAL"
	SeverityImportant = "IMPORTANT"
	SeverityInfo      = "INFO"
)

// Risk event types.
const (
	RiskRateLimit         = "RATE_LIMIT"
	RiskCooldownBlocked   = "COOLDOWN_BLOCKED"
	RiskMaxPositions      = "MAX_POSITIONS_BLOCKED"
	RiskPositionMutex     = "POSITION_MUTEX_BLOCKED"
	RiskKillSwitchOn      = "KILL_SWITCH_ON"
	RiskSignalExpired     = "SIGNAL_EXPIRED"
	RiskOrderTimeout      = "ORDER_TIMEOUT"
	RiskOrderPartialFill  = "ORDER_PARTIAL_FILL"
	RiskOrderCancelled    = "ORDER_CANCELLED"
	RiskOrderRetry        = "ORDER_RETRY"
	RiskOrderFallback     = "ORDER_FALLBACK_MARKET"
	RiskPriceJump         = "PRICE_JUMP"
	RiskVolumeAnomaly     = "VOLUME_ANOMALY"
	RiskBarDuplicate      = "BAR_DUPLICATE"
	RiskDataLag           = "DATA_LAG"
	RiskDataGap           = "DATA_GAP"
	RiskBackfillDone      = "BACKFILL_DONE"
	RiskWSReconnect       = "WS_RECONNECT"
	RiskConsistencyDrift  = "CONSISTENCY_DRIFT"
	RiskMarketState       = "MARKET_STATE"
	RiskSetSLFailed       = "SET_SL_FAILED"
	RiskDailyDDSoftHalt   = "DAILY_DD_SOFT_HALT"
	RiskDailyDDHardHalt   = "DAILY_DD_HARD_HALT"
	RiskLifecycleError    = "LIFECYCLE_ERROR"
)

// Execution report types.
const (
	ReportEntrySubmitted    = "ENTRY_SUBMITTED"
	ReportEntryFilled       = "ENTRY_FILLED"
	ReportOrderRejected     = "ORDER_REJECTED"
	ReportError             = "ERROR"
	ReportTP1Filled         = "TP1_FILLED"
	ReportTP2Filled         = "TP2_FILLED"
	ReportTPFilled          = "TP_FILLED"
	ReportSLUpdate          = "SL_UPDATE"
	ReportExitRuleTriggered = "EXIT_RULE_TRIGGERED"
	ReportPositionClosed    = "POSITION_CLOSED"
)

// Envelope is the wire format shared by all streams.
type Envelope struct {
	EventID       string          `json:"event_id"`
	TsMs          int64           `json:"ts_ms"`
	Env           string          `json:"env"`
	Service       string          `json:"service"`
	TraceID       string          `json:"trace_id"`
	SchemaVersion int             `json:"schema_version"`
	Meta          map[string]any  `json:"meta,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Ext           map[string]any  `json:"ext,omitempty"`
}

// OHLCV carries one bar's prices.
type OHLCV struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// BarClosePayload is published on stream:bar_close for every confirmed bar.
type BarClosePayload struct {
	Symbol      string         `json:"symbol"`
	Timeframe   string         `json:"timeframe"`
	CloseTimeMs int64          `json:"close_time_ms"`
	IsFinal     bool           `json:"is_final"`
	Source      string         `json:"source"`
	OHLCV       OHLCV          `json:"ohlcv"`
	Ext         map[string]any `json:"ext,omitempty"`
}

// Confirmations records confluence hits on a signal.
type Confirmations struct {
	MinRequired int      `json:"min_required"`
	HitCount    int      `json:"hit_count"`
	Hits        []string `json:"hits"`
}

// Lifecycle carries the validity window of a signal or plan.
type Lifecycle struct {
	Status      string `json:"status"`
	ValidFromMs int64  `json:"valid_from_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// SignalPayload is published on stream:signal.
type SignalPayload struct {
	Symbol        string         `json:"symbol"`
	Timeframe     string         `json:"timeframe"`
	CloseTimeMs   int64          `json:"close_time_ms"`
	SetupID       string         `json:"setup_id"`
	TriggerID     string         `json:"trigger_id"`
	Bias          string         `json:"bias"`
	VegasState    string         `json:"vegas_state"`
	Confirmations Confirmations  `json:"confirmations"`
	Lifecycle     Lifecycle      `json:"lifecycle"`
	Ext           map[string]any `json:"ext,omitempty"`
}

// TPRule describes one staged take-profit leg.
type TPRule struct {
	R    float64 `json:"r,omitempty"`
	Pct  float64 `json:"pct"`
	Mode string  `json:"mode,omitempty"`
}

// TPRules is the fixed staged take-profit layout.
type TPRules struct {
	TP1        TPRule `json:"tp1"`
	TP2        TPRule `json:"tp2"`
	TP3Trail   TPRule `json:"tp3_trail"`
	ReduceOnly bool   `json:"reduce_only"`
}

// DefaultTPRules returns the fixed layout: 1R@40%, 2R@40%, 20% trailing.
func DefaultTPRules(trailMode string) TPRules {
	return TPRules{
		TP1:        TPRule{R: 1.0, Pct: 0.4},
		TP2:        TPRule{R: 2.0, Pct: 0.4},
		TP3Trail:   TPRule{Pct: 0.2, Mode: trailMode},
		ReduceOnly: true,
	}
}

// SecondarySLRule names the post-entry exit rule.
type SecondarySLRule struct {
	Type string `json:"type"`
}

// RiskParams carries the sizing inputs baked into a plan.
type RiskParams struct {
	RiskPct                 float64 `json:"risk_pct"`
	MaxOpenPositionsDefault int     `json:"max_open_positions_default"`
}

// Traceability links a plan to the setup and trigger that produced it.
type Traceability struct {
	SetupID   string `json:"setup_id"`
	TriggerID string `json:"trigger_id"`
}

// TradePlanPayload is published on stream:trade_plan.
type TradePlanPayload struct {
	PlanID          string          `json:"plan_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Symbol          string          `json:"symbol"`
	Timeframe       string          `json:"timeframe"`
	Status          string          `json:"status"`
	ValidFromMs     int64           `json:"valid_from_ms"`
	ExpiresAtMs     int64           `json:"expires_at_ms"`
	Side            string          `json:"side"`
	EntryPrice      float64         `json:"entry_price"`
	PrimarySLPrice  float64         `json:"primary_sl_price"`
	TPRules         TPRules         `json:"tp_rules"`
	SecondarySLRule SecondarySLRule `json:"secondary_sl_rule"`
	RiskParams      RiskParams      `json:"risk_params"`
	Traceability    Traceability    `json:"traceability"`
	Ext             map[string]any  `json:"ext,omitempty"`
}

// ExecutionReportPayload is published on stream:execution_report.
type ExecutionReportPayload struct {
	PlanID      string         `json:"plan_id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Severity    string         `json:"severity"`
	Symbol      string         `json:"symbol,omitempty"`
	Timeframe   string         `json:"timeframe,omitempty"`
	FilledQty   float64        `json:"filled_qty,omitempty"`
	AvgPrice    float64        `json:"avg_price,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	OrderID     string         `json:"order_id,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
	LatencyMs   int64          `json:"latency_ms,omitempty"`
	SlippageBps float64        `json:"slippage_bps,omitempty"`
	FillRatio   float64        `json:"fill_ratio,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Ext         map[string]any `json:"ext,omitempty"`
}

// RiskEventPayload is published on stream:risk_event.
type RiskEventPayload struct {
	Type         string         `json:"type"`
	Severity     string         `json:"severity"`
	Symbol       string         `json:"symbol,omitempty"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	Ext          map[string]any `json:"ext,omitempty"`
}

// DLQPayload wraps an unparseable message for the dead-letter stream.
type DLQPayload struct {
	SourceStream string            `json:"source_stream"`
	MessageID    string            `json:"message_id"`
	Reason       string            `json:"reason"`
	RawFields    map[string]string `json:"raw_fields"`
}

// NewEnvelope builds an envelope around payload. The payload must marshal;
// a marshal failure is a programming error and is returned to the caller.
func NewEnvelope(env, service string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		EventID:       uuid.NewString(),
		TsMs:          time.Now().UnixMilli(),
		Env:           env,
		Service:       service,
		TraceID:       uuid.NewString(),
		SchemaVersion: 1,
		Payload:       raw,
	}, nil
}

// Encode serializes the envelope into broker message fields.
func (e *Envelope) Encode(payloadType string) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return map[string]any{"json": string(raw), "type": payloadType}, nil
}

// Decode parses broker message fields into an envelope. The "json" field is
// preferred; the legacy "data" field is accepted as an alias.
func Decode(fields map[string]string) (*Envelope, string, error) {
	raw, ok := fields["json"]
	if !ok {
		raw, ok = fields["data"]
	}
	if !ok {
		return nil, "", fmt.Errorf("missing field 'json' (or legacy 'data')")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, "", err
	}
	return &env, fields["type"], nil
}

func (e *Envelope) validate() error {
	if e.EventID == "" {
		return fmt.Errorf("envelope missing event_id")
	}
	if e.TsMs <= 0 {
		return fmt.Errorf("envelope missing ts_ms")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope missing payload")
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into out and applies the
// payload's own validation if it implements Validator.
func (e *Envelope) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if v, ok := out.(Validator); ok {
		return v.Validate()
	}
	return nil
}

// Validator is implemented by payloads that carry required fields.
type Validator interface {
	Validate() error
}

func (p *BarClosePayload) Validate() error {
	if p.Symbol == "" || p.Timeframe == "" || p.CloseTimeMs <= 0 {
		return fmt.Errorf("bar_close payload missing symbol/timeframe/close_time_ms")
	}
	return nil
}

func (p *TradePlanPayload) Validate() error {
	if p.IdempotencyKey == "" {
		return fmt.Errorf("trade_plan payload missing idempotency_key")
	}
	if p.Symbol == "" || p.Side == "" {
		return fmt.Errorf("trade_plan payload missing symbol/side")
	}
	return nil
}

func (p *ExecutionReportPayload) Validate() error {
	if p.PlanID == "" {
		return fmt.Errorf("execution_report payload missing plan_id")
	}
	return nil
}

func (p *RiskEventPayload) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("risk_event payload missing type")
	}
	return nil
}
