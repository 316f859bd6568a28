package notifier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

type fakeSender struct {
	sent     []string
	failNext int
}

func (f *fakeSender) Send(text string) error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("telegram down")
	}
	f.sent = append(f.sent, text)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeSender) {
	t.Helper()
	st, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	sender := &fakeSender{}
	cfg := &config.Config{
		RedisStreamGroup:    "divbot",
		RedisStreamConsumer: "c1",
		NotifyMaxAttempts:   5,
		NotifyRetryInterval: 5 * time.Second,
	}
	svc := New(cfg, st, nil, sender)
	return svc, st, sender
}

func TestDuplicateEventSendsOnce(t *testing.T) {
	svc, st, sender := newTestService(t)

	for i := 0; i < 3; i++ {
		svc.Enqueue("evt-1", events.StreamExecutionReport, events.SeverityImportant, "position closed")
	}

	require.Len(t, sender.sent, 1)
	n, err := st.GetNotification("evt-1")
	require.NoError(t, err)
	require.Equal(t, store.NotifySent, n.Status)
}

func TestInfoSeverityIsSkipped(t *testing.T) {
	svc, st, sender := newTestService(t)

	svc.Enqueue("evt-info", events.StreamExecutionReport, events.SeverityInfo, "sl nudged")

	require.Empty(t, sender.sent)
	n, err := st.GetNotification("evt-info")
	require.NoError(t, err)
	require.Nil(t, n)
}

func TestFailedSendSchedulesRetry(t *testing.T) {
	svc, st, sender := newTestService(t)
	now := int64(1700000000000)
	svc.now = func() int64 { return now }
	sender.failNext = 2

	svc.Enqueue("evt-2", events.StreamRiskEvent, events.SeverityCritical, "kill switch on")

	n, err := st.GetNotification("evt-2")
	require.NoError(t, err)
	require.Equal(t, store.NotifyFailed, n.Status)
	require.Equal(t, 1, n.Attempts)
	require.Equal(t, now+1000, n.NextAttemptAtMs) // 2^0 seconds

	// first retry still fails, backoff doubles
	now = n.NextAttemptAtMs
	svc.RetryDue()
	n, err = st.GetNotification("evt-2")
	require.NoError(t, err)
	require.Equal(t, 2, n.Attempts)
	require.Equal(t, now+2000, n.NextAttemptAtMs) // 2^1 seconds

	// second retry succeeds
	now = n.NextAttemptAtMs
	svc.RetryDue()
	n, err = st.GetNotification("evt-2")
	require.NoError(t, err)
	require.Equal(t, store.NotifySent, n.Status)
	require.Len(t, sender.sent, 1)
}

func TestRetryNotDueYet(t *testing.T) {
	svc, st, sender := newTestService(t)
	now := int64(1700000000000)
	svc.now = func() int64 { return now }
	sender.failNext = 1

	svc.Enqueue("evt-3", events.StreamRiskEvent, events.SeverityImportant, "order timeout")
	svc.RetryDue() // backoff has not elapsed

	require.Empty(t, sender.sent)
	n, err := st.GetNotification("evt-3")
	require.NoError(t, err)
	require.Equal(t, 1, n.Attempts)
}

func TestMaxAttemptsGivesUp(t *testing.T) {
	svc, st, sender := newTestService(t)
	now := int64(1700000000000)
	svc.now = func() int64 { return now }
	sender.failNext = 100

	svc.Enqueue("evt-4", events.StreamRiskEvent, events.SeverityCritical, "drift")
	for i := 0; i < 10; i++ {
		n, err := st.GetNotification("evt-4")
		require.NoError(t, err)
		if n.NextAttemptAtMs > now {
			now = n.NextAttemptAtMs
		}
		svc.RetryDue()
	}

	n, err := st.GetNotification("evt-4")
	require.NoError(t, err)
	require.Equal(t, store.NotifyFailed, n.Status)
	require.Equal(t, 5, n.Attempts)
	require.Empty(t, sender.sent)
}

func TestBackoffCap(t *testing.T) {
	require.Equal(t, time.Second, Backoff(1))
	require.Equal(t, 2*time.Second, Backoff(2))
	require.Equal(t, 64*time.Second, Backoff(7))
	require.Equal(t, maxBackoff, Backoff(10))
	require.Equal(t, maxBackoff, Backoff(30))
}

func TestFormatReport(t *testing.T) {
	text := FormatReport(&events.ExecutionReportPayload{
		PlanID:    "abc123",
		Type:      events.ReportPositionClosed,
		Severity:  events.SeverityImportant,
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		FilledQty: 5,
		AvgPrice:  115,
		Reason:    "RUNNER_SL",
		Detail:    map[string]any{"pnl": 75.0, "pnl_r": 1.5},
	})
	require.Contains(t, text, "POSITION_CLOSED")
	require.Contains(t, text, "BTCUSDT")
	require.Contains(t, text, "+75.00 USDT")
	require.Contains(t, text, "+1.50R")
	require.Contains(t, text, "abc123")
}

func TestFormatRisk(t *testing.T) {
	text := FormatRisk(&events.RiskEventPayload{
		Type:     events.RiskDailyDDHardHalt,
		Severity: events.SeverityCritical,
		Detail:   map[string]any{"drawdown_pct": 0.041},
	})
	require.Contains(t, text, "DAILY_DD_HARD_HALT")
	require.Contains(t, text, "CRITICAL")
	require.Contains(t, text, "0.041")
}
