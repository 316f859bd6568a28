package execution

import (
	"math"

	"github.com/web3guy0/divbot/internal/bybit"
)

const (
	tp1Pct = 0.4
	tp2Pct = 0.4
)

// Sizing is the computed order layout for one plan.
type Sizing struct {
	QtyTotal  float64
	QtyTP1    float64
	QtyTP2    float64
	QtyRunner float64
	TP1Price  float64
	TP2Price  float64
	UnitRisk  float64
}

// ComputeSizing derives quantity and take-profit prices from equity, risk
// fraction, and the plan's entry/stop. Returns QtyTotal=0 when the account
// cannot carry the minimum order.
func ComputeSizing(equity, riskPct, entry, stop float64, side string, inst *bybit.InstrumentInfo) Sizing {
	unitRisk := math.Abs(entry - stop)
	if unitRisk <= 0 || equity <= 0 || riskPct <= 0 {
		return Sizing{}
	}

	rawQty := equity * riskPct / unitRisk
	qty := bybit.FloorToStep(rawQty, inst.QtyStep)
	if qty < inst.MinOrderQty {
		qty = inst.MinOrderQty
	}
	if inst.MaxOrderQty > 0 && qty > inst.MaxOrderQty {
		qty = inst.MaxOrderQty
	}
	if qty <= 0 {
		return Sizing{}
	}

	qtyTP1 := bybit.FloorToStep(qty*tp1Pct, inst.QtyStep)
	qtyTP2 := bybit.FloorToStep(qty*tp2Pct, inst.QtyStep)
	qtyRunner := qty - qtyTP1 - qtyTP2

	dir := 1.0
	if side == "SELL" {
		dir = -1.0
	}
	tp1 := bybit.RoundToTick(entry+dir*unitRisk, inst.TickSize)
	tp2 := bybit.RoundToTick(entry+dir*2*unitRisk, inst.TickSize)

	return Sizing{
		QtyTotal:  qty,
		QtyTP1:    qtyTP1,
		QtyTP2:    qtyTP2,
		QtyRunner: qtyRunner,
		TP1Price:  tp1,
		TP2Price:  tp2,
		UnitRisk:  unitRisk,
	}
}

// conservative fallbacks when instruments-info is unavailable
func defaultInstrument(symbol string) *bybit.InstrumentInfo {
	return &bybit.InstrumentInfo{
		Symbol:      symbol,
		Status:      "Trading",
		TickSize:    0.01,
		QtyStep:     0.001,
		MinOrderQty: 0.001,
	}
}
