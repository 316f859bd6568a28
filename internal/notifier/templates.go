package notifier

import (
	"fmt"
	"strings"

	"github.com/web3guy0/divbot/internal/events"
)

// emoji per message kind, matching the rest of the bot's log voice
var reportEmoji = map[string]string{
	events.ReportEntrySubmitted:    "📨",
	events.ReportEntryFilled:       "💰",
	events.ReportTP1Filled:         "🎯",
	events.ReportTP2Filled:         "🎯",
	events.ReportTPFilled:          "🎯",
	events.ReportSLUpdate:          "🛡",
	events.ReportExitRuleTriggered: "✂️",
	events.ReportPositionClosed:    "🏁",
	events.ReportOrderRejected:     "🚫",
	events.ReportError:             "❌",
}

var riskEmoji = map[string]string{
	events.RiskKillSwitchOn:    "🛑",
	events.RiskDailyDDSoftHalt: "⚠️",
	events.RiskDailyDDHardHalt: "🛑",
	events.RiskOrderTimeout:    "⏱",
	events.RiskOrderFallback:   "⚡",
	events.RiskDataGap:         "🕳",
	events.RiskWSReconnect:     "🔌",
}

// FormatReport renders one execution report as a Telegram message.
func FormatReport(p *events.ExecutionReportPayload) string {
	emoji := reportEmoji[p.Type]
	if emoji == "" {
		emoji = "ℹ️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>", emoji, p.Type)
	if p.Symbol != "" {
		fmt.Fprintf(&b, " %s", p.Symbol)
	}
	if p.Timeframe != "" {
		fmt.Fprintf(&b, " (%s)", p.Timeframe)
	}
	if p.FilledQty > 0 {
		fmt.Fprintf(&b, "\nQty: %g @ %g", p.FilledQty, p.AvgPrice)
	}
	if pnl, ok := p.Detail["pnl"].(float64); ok {
		fmt.Fprintf(&b, "\nPnL: %+.2f USDT", pnl)
	}
	if pnlR, ok := p.Detail["pnl_r"].(float64); ok {
		fmt.Fprintf(&b, " (%+.2fR)", pnlR)
	}
	if p.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", p.Reason)
	}
	fmt.Fprintf(&b, "\nPlan: <code>%s</code>", p.PlanID)
	return b.String()
}

// FormatRisk renders one risk event as a Telegram message.
func FormatRisk(p *events.RiskEventPayload) string {
	emoji := riskEmoji[p.Type]
	if emoji == "" {
		emoji = "⚠️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>", emoji, p.Type)
	if p.Symbol != "" {
		fmt.Fprintf(&b, " %s", p.Symbol)
	}
	fmt.Fprintf(&b, "\nSeverity: %s", p.Severity)
	for _, k := range []string{"reason", "error", "drawdown_pct"} {
		if v, ok := p.Detail[k]; ok {
			fmt.Fprintf(&b, "\n%s: %v", k, v)
		}
	}
	return b.String()
}
