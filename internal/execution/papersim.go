package execution

import (
	"math"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// SimFill is one simulated execution against the deterministic bar path.
type SimFill struct {
	Type  string // TP1, TP2, SL
	Qty   float64
	Price float64
}

// SimResult is the outcome of walking one bar.
type SimResult struct {
	Fills      []SimFill
	Closed     bool
	ExitReason string
}

// simState is the mutable position view the simulator advances.
type simState struct {
	entry      float64
	primarySL  float64
	runnerStop float64
	tp1Price   float64
	tp2Price   float64
	qtyTotal   float64
	qtyOpen    float64
	qtyTP1     float64
	qtyTP2     float64
	tp1Filled  bool
	tp2Filled  bool
}

func newSimState(pos *store.Position, meta *store.PositionMeta) *simState {
	return &simState{
		entry:      pos.EntryPrice,
		primarySL:  pos.PrimarySLPrice,
		runnerStop: pos.RunnerStopPrice,
		tp1Price:   meta.TP1Price,
		tp2Price:   meta.TP2Price,
		qtyTotal:   pos.QtyTotal,
		qtyOpen:    meta.QtyOpen,
		qtyTP1:     meta.QtyTP1,
		qtyTP2:     meta.QtyTP2,
		tp1Filled:  meta.TP1Filled,
		tp2Filled:  meta.TP2Filled,
	}
}

// effSL returns the stop currently protecting the position: runner stop after
// TP2, break-even after TP1, else the primary stop.
func (s *simState) effSL() float64 {
	switch {
	case s.tp2Filled:
		return s.runnerStop
	case s.tp1Filled:
		return s.entry
	default:
		return s.primarySL
	}
}

// barPath is the deterministic intra-bar traversal: [O,H,L,C] for up bars,
// [O,L,H,C] for down bars. The fixed order prevents favorable tie-breaking.
func barPath(o events.OHLCV) [4]float64 {
	if o.Close >= o.Open {
		return [4]float64{o.Open, o.High, o.Low, o.Close}
	}
	return [4]float64{o.Open, o.Low, o.High, o.Close}
}

// SimulateBar walks one bar against the position and returns the fills in
// trigger order. The caller applies the result to position meta and legs.
func SimulateBar(pos *store.Position, meta *store.PositionMeta, bar events.OHLCV) SimResult {
	s := newSimState(pos, meta)
	var res SimResult
	if s.qtyOpen <= 0 {
		return res
	}

	path := barPath(bar)
	for i := 0; i < 3 && !res.Closed; i++ {
		s.walkLeg(path[i], path[i+1], &res)
	}
	return res
}

// walkLeg advances from a to b, applying every trigger crossed in the
// direction of travel. Triggers re-evaluate after each fill so a stop
// upgraded mid-leg can fire within the same leg.
func (s *simState) walkLeg(a, b float64, res *SimResult) {
	pos := a
	for {
		level, kind, ok := s.nextTrigger(pos, b)
		if !ok {
			return
		}
		switch kind {
		case "TP1":
			qty := math.Min(s.qtyTP1, s.qtyOpen)
			res.Fills = append(res.Fills, SimFill{Type: "TP1", Qty: qty, Price: s.tp1Price})
			s.qtyOpen -= qty
			s.tp1Filled = true
		case "TP2":
			qty := math.Min(s.qtyTP2, s.qtyOpen)
			res.Fills = append(res.Fills, SimFill{Type: "TP2", Qty: qty, Price: s.tp2Price})
			s.qtyOpen -= qty
			s.tp2Filled = true
		case "SL":
			res.Fills = append(res.Fills, SimFill{Type: "SL", Qty: s.qtyOpen, Price: level})
			s.qtyOpen = 0
			res.Closed = true
			switch {
			case s.tp2Filled:
				res.ExitReason = store.ExitRunnerSL
			case s.tp1Filled:
				res.ExitReason = store.ExitSecondarySL
			default:
				res.ExitReason = store.ExitPrimarySL
			}
			return
		}
		pos = level
		if s.qtyOpen <= 1e-12 && !res.Closed {
			// TPs consumed the full position
			res.Closed = true
			res.ExitReason = store.ExitTPHit
			return
		}
	}
}

// nextTrigger finds the first level between pos and b in the direction of
// travel, given current fill state.
func (s *simState) nextTrigger(pos, b float64) (float64, string, bool) {
	type cand struct {
		level float64
		kind  string
	}
	var cands []cand
	if !s.tp1Filled {
		cands = append(cands, cand{s.tp1Price, "TP1"})
	}
	if !s.tp2Filled {
		cands = append(cands, cand{s.tp2Price, "TP2"})
	}
	cands = append(cands, cand{s.effSL(), "SL"})

	lo, hi := math.Min(pos, b), math.Max(pos, b)
	ascending := b >= pos

	best := cand{}
	found := false
	for _, c := range cands {
		if c.level < lo || c.level > hi || c.level <= 0 {
			continue
		}
		// a level exactly at pos was already applied on the previous step;
		// farther candidates in the same leg must still be considered
		if c.level == pos {
			continue
		}
		if !found {
			best, found = c, true
			continue
		}
		if ascending && c.level < best.level || !ascending && c.level > best.level {
			best = c
		}
	}
	if !found {
		return 0, "", false
	}
	return best.level, best.kind, true
}

// PnLQuote computes realized pnl in quote currency over the recorded legs.
func PnLQuote(bias string, entry float64, legs []store.Leg) float64 {
	var pnl float64
	for _, l := range legs {
		if bias == "LONG" {
			pnl += (l.Price - entry) * l.Qty
		} else {
			pnl += (entry - l.Price) * l.Qty
		}
	}
	return pnl
}

// PnLR computes the R multiple of the weighted-average exit against the
// original unit risk.
func PnLR(bias string, entry, primarySL float64, legs []store.Leg) float64 {
	var qty, notional float64
	for _, l := range legs {
		qty += l.Qty
		notional += l.Price * l.Qty
	}
	if qty <= 0 {
		return 0
	}
	exit := notional / qty
	if bias == "LONG" {
		return (exit - entry) / math.Max(entry-primarySL, 1e-12)
	}
	return (entry - exit) / math.Max(primarySL-entry, 1e-12)
}
