package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("test", "marketdata", &BarClosePayload{
		Symbol:      "BTCUSDT",
		Timeframe:   "1h",
		CloseTimeMs: 1700003599999,
		IsFinal:     true,
		Source:      "bybit_ws",
		OHLCV:       OHLCV{Open: 100, High: 110, Low: 95, Close: 105, Volume: 12.5},
	})
	require.NoError(t, err)

	fields, err := env.Encode(TypeBarClose)
	require.NoError(t, err)
	assert.Equal(t, TypeBarClose, fields["type"])

	strFields := map[string]string{
		"json": fields["json"].(string),
		"type": fields["type"].(string),
	}
	got, typ, err := Decode(strFields)
	require.NoError(t, err)
	assert.Equal(t, TypeBarClose, typ)
	assert.Equal(t, env.EventID, got.EventID)

	var p BarClosePayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, int64(1700003599999), p.CloseTimeMs)
	assert.Equal(t, 105.0, p.OHLCV.Close)
}

func TestDecodeLegacyDataField(t *testing.T) {
	env, err := NewEnvelope("test", "strategy", &RiskEventPayload{
		Type:     RiskDataLag,
		Severity: SeverityInfo,
	})
	require.NoError(t, err)
	fields, err := env.Encode(TypeRiskEvent)
	require.NoError(t, err)

	legacy := map[string]string{"data": fields["json"].(string)}
	got, typ, err := Decode(legacy)
	require.NoError(t, err)
	assert.Empty(t, typ)
	assert.Equal(t, env.EventID, got.EventID)
}

func TestDecodeMissingFields(t *testing.T) {
	_, _, err := Decode(map[string]string{"other": "x"})
	assert.Error(t, err)

	_, _, err = Decode(map[string]string{"json": "{not json"})
	assert.Error(t, err)

	_, _, err = Decode(map[string]string{"json": `{"event_id":"","ts_ms":1,"payload":{}}`})
	assert.Error(t, err)
}

func TestPayloadValidation(t *testing.T) {
	env, err := NewEnvelope("test", "strategy", &TradePlanPayload{Symbol: "BTCUSDT", Side: "BUY"})
	require.NoError(t, err)

	var p TradePlanPayload
	err = env.DecodePayload(&p)
	assert.Error(t, err, "missing idempotency_key must fail validation")
}

func TestDefaultTPRules(t *testing.T) {
	r := DefaultTPRules("ATR")
	assert.Equal(t, 1.0, r.TP1.R)
	assert.Equal(t, 0.4, r.TP1.Pct)
	assert.Equal(t, 2.0, r.TP2.R)
	assert.Equal(t, 0.2, r.TP3Trail.Pct)
	assert.True(t, r.ReduceOnly)
	assert.InDelta(t, 1.0, r.TP1.Pct+r.TP2.Pct+r.TP3Trail.Pct, 1e-9)
}
