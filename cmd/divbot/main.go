// Divbot runs the five services of the divergence trading platform. Each
// subcommand is one service; they share the relational store and the Redis
// stream bus and can be scaled independently.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/divbot/internal/api"
	"github.com/web3guy0/divbot/internal/bus"
	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/execution"
	"github.com/web3guy0/divbot/internal/marketdata"
	"github.com/web3guy0/divbot/internal/notifier"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/strategy"
)

const version = "1.0.0"

// app bundles the shared infrastructure every service needs.
type app struct {
	cfg    *config.Config
	st     *store.Store
	broker *bus.Broker
}

func bootstrap(ctx context.Context) (*app, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	broker, err := bus.NewBroker(cfg.RedisURL)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := broker.EnsureStreams(ctx,
		events.StreamBarClose, events.StreamSignal, events.StreamTradePlan,
		events.StreamExecutionReport, events.StreamRiskEvent, events.StreamDLQ,
	); err != nil {
		st.Close()
		broker.Close()
		return nil, err
	}

	return &app{cfg: cfg, st: st, broker: broker}, nil
}

func (a *app) close() {
	a.st.Close()
	if err := a.broker.Close(); err != nil {
		log.Warn().Err(err).Msg("Broker close failed")
	}
}

// newBybitClient builds the rate-limited REST client shared by the services
// that talk to the exchange.
func newBybitClient(cfg *config.Config) *bybit.Client {
	limiter := bybit.NewLimiter(bybit.LimiterConfig{
		PublicRPS:                cfg.PublicRPS,
		PublicBurst:              cfg.PublicBurst,
		PrivateCriticalRPS:       cfg.PrivateCriticalRPS,
		PrivateCriticalBurst:     cfg.PrivateCriticalBurst,
		PrivateOrderQueryRPS:     cfg.PrivateOrderQueryRPS,
		PrivateOrderQueryBurst:   cfg.PrivateOrderQueryBurst,
		PrivateAccountQueryRPS:   cfg.PrivateAccountQueryRPS,
		PrivateAccountQueryBurst: cfg.PrivateAccountQueryBurst,
		PerSymbolRPS:             cfg.PerSymbolRPS,
		PerSymbolBurst:           cfg.PerSymbolBurst,
		MaxWait:                  cfg.RateLimitMaxWait,
	})
	return bybit.NewClient(bybit.Options{
		BaseURL:    cfg.BybitRESTBaseURL,
		APIKey:     cfg.BybitAPIKey,
		APISecret:  cfg.BybitAPISecret,
		Category:   cfg.BybitCategory,
		RecvWindow: cfg.BybitRecvWindow,
		Limiter:    limiter,
	})
}

// runService wraps a service main loop with bootstrap and teardown.
func runService(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := fn(ctx, a); err != nil && ctx.Err() == nil {
			return err
		}
		log.Info().Msg("Shutdown complete 👋")
		return nil
	}
}

// logSender stands in for Telegram when no bot token is configured.
type logSender struct{}

func (logSender) Send(text string) error {
	log.Info().Str("text", text).Msg("📣 Notification (no Telegram token)")
	return nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:     "divbot",
		Short:   "MACD divergence futures trading platform",
		Version: version,
	}

	root.AddCommand(&cobra.Command{
		Use:   "marketdata",
		Short: "Ingest klines, close bars, publish bar_close events",
		RunE: runService(func(ctx context.Context, a *app) error {
			svc, err := marketdata.New(a.cfg, a.st, a.broker, newBybitClient(a.cfg))
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "strategy",
		Short: "Detect divergences and publish signals and trade plans",
		RunE: runService(func(ctx context.Context, a *app) error {
			return strategy.New(a.cfg, a.st, a.broker).Run(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "execution",
		Short: "Admit trade plans, place orders, manage position lifecycle",
		RunE: runService(func(ctx context.Context, a *app) error {
			return execution.NewService(a.cfg, a.st, a.broker).Run(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "notifier",
		Short: "Forward important events to Telegram",
		RunE: runService(func(ctx context.Context, a *app) error {
			var sender notifier.Sender = logSender{}
			if a.cfg.TelegramBotToken != "" {
				s, err := notifier.NewTelegramSender(a.cfg.TelegramBotToken, a.cfg.TelegramChatID)
				if err != nil {
					return err
				}
				sender = s
			}
			return notifier.New(a.cfg, a.st, a.broker, sender).Run(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "api",
		Short: "Serve the read-only HTTP API and admin controls",
		RunE: runService(func(ctx context.Context, a *app) error {
			return api.NewServer(a.cfg, a.st, a.broker).Run(ctx)
		}),
	})

	root.AddCommand(newReplayCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}
