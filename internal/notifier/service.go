// Package notifier consumes execution reports and risk events and forwards
// the IMPORTANT and CRITICAL ones to Telegram. Delivery is deduplicated per
// event id and retried with exponential backoff; the stream is always
// acknowledged so a dead Telegram API never wedges the consumers.
package notifier

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bus"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

const maxBackoff = 300 * time.Second

// Service is the notifier worker.
type Service struct {
	cfg    *config.Config
	st     *store.Store
	broker *bus.Broker
	sender Sender
	now    func() int64
}

func New(cfg *config.Config, st *store.Store, broker *bus.Broker, sender Sender) *Service {
	return &Service{
		cfg:    cfg,
		st:     st,
		broker: broker,
		sender: sender,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Run consumes both event streams and drives the retry loop until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	group := s.cfg.RedisStreamGroup + ":notifier"
	consumer := s.cfg.RedisStreamConsumer

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := s.broker.Consume(ctx, events.StreamExecutionReport, group, consumer, s.handleReport); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Execution report consumer exited")
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.broker.Consume(ctx, events.StreamRiskEvent, group, consumer, s.handleRisk); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Risk event consumer exited")
		}
	}()
	go func() {
		defer wg.Done()
		s.retryLoop(ctx)
	}()

	log.Info().Msg("Notifier service started 🚀")
	wg.Wait()
	return ctx.Err()
}

// handleReport always returns nil: delivery state lives in the notifications
// table, never in the stream.
func (s *Service) handleReport(ctx context.Context, env *events.Envelope, _ string) error {
	var p events.ExecutionReportPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("Undecodable execution report")
		return nil
	}
	s.Enqueue(env.EventID, events.StreamExecutionReport, p.Severity, FormatReport(&p))
	return nil
}

func (s *Service) handleRisk(ctx context.Context, env *events.Envelope, _ string) error {
	var p events.RiskEventPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("Undecodable risk event")
		return nil
	}
	s.Enqueue(env.EventID, events.StreamRiskEvent, p.Severity, FormatRisk(&p))
	return nil
}

// Enqueue reserves delivery of one event and makes the first send attempt.
// A replayed event id is a no-op.
func (s *Service) Enqueue(eventID, stream, severity, text string) {
	if severity != events.SeverityImportant && severity != events.SeverityCritical {
		return
	}
	fresh, err := s.st.InsertNotificationIfAbsent(&store.Notification{
		NotificationID: eventID,
		Stream:         stream,
		Severity:       severity,
		Text:           text,
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("Notification reserve failed")
		return
	}
	if !fresh {
		log.Debug().Str("event_id", eventID).Msg("Notification already delivered, skipping")
		return
	}
	s.attempt(eventID, text, 0)
}

// attempt sends once and records the outcome.
func (s *Service) attempt(id, text string, priorAttempts int) {
	attempts := priorAttempts + 1
	if err := s.sender.Send(text); err != nil {
		next := s.now() + Backoff(attempts).Milliseconds()
		log.Warn().Err(err).Str("event_id", id).Int("attempts", attempts).Msg("Notification send failed")
		if derr := s.st.MarkNotificationFailed(id, err.Error(), attempts, next); derr != nil {
			log.Error().Err(derr).Str("event_id", id).Msg("Notification state update failed")
		}
		return
	}
	if err := s.st.MarkNotificationSent(id); err != nil {
		log.Error().Err(err).Str("event_id", id).Msg("Notification state update failed")
	}
}

// Backoff returns the delay before retry number attempts+1: 2^(attempts-1)
// seconds capped at five minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(math.Pow(2, float64(attempts-1))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Service) retryLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.NotifyRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RetryDue()
		}
	}
}

// RetryDue re-attempts failed deliveries whose backoff has elapsed.
func (s *Service) RetryDue() {
	due, err := s.st.ListDueFailedNotifications(s.now(), 50)
	if err != nil {
		log.Error().Err(err).Msg("Failed notification sweep failed")
		return
	}
	for _, n := range due {
		if s.cfg.NotifyMaxAttempts > 0 && n.Attempts >= s.cfg.NotifyMaxAttempts {
			log.Error().Str("event_id", n.NotificationID).Int("attempts", n.Attempts).
				Msg("Notification giving up after max attempts")
			if err := s.st.MarkNotificationFailed(n.NotificationID, "max attempts exhausted",
				n.Attempts, math.MaxInt64); err != nil {
				log.Error().Err(err).Msg("Notification state update failed")
			}
			continue
		}
		s.attempt(n.NotificationID, n.Text, n.Attempts)
	}
}
