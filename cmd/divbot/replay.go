package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// newReplayCmd republishes stored bars onto stream:bar_close so the strategy
// and execution services (run in BACKTEST mode) can re-process history. Every
// event carries ext.run_id to scope the resulting artifacts.
func newReplayCmd() *cobra.Command {
	var (
		symbol string
		tf     string
		fromMs int64
		toMs   int64
		limit  int
		runID  string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish stored bars as bar_close events for backtesting",
		RunE: runService(func(ctx context.Context, a *app) error {
			if symbol == "" {
				if len(a.cfg.Symbols) == 0 {
					return fmt.Errorf("no symbol given and SYMBOLS is empty")
				}
				symbol = a.cfg.Symbols[0]
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			bars, err := a.st.GetBarsRange(symbol, tf, fromMs, toMs, limit)
			if err != nil {
				return err
			}
			if len(bars) == 0 {
				return fmt.Errorf("no bars stored for %s %s in the requested range", symbol, tf)
			}

			log.Info().Str("symbol", symbol).Str("timeframe", tf).Str("run_id", runID).
				Int("bars", len(bars)).Msg("Replay starting 🔁")

			for i := range bars {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := publishBar(ctx, a, &bars[i], runID); err != nil {
					return err
				}
			}

			log.Info().Str("run_id", runID).Int("bars", len(bars)).Msg("Replay finished 🏁")
			return nil
		}),
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to replay (default: first of SYMBOLS)")
	cmd.Flags().StringVar(&tf, "timeframe", "1h", "timeframe to replay")
	cmd.Flags().Int64Var(&fromMs, "from", 0, "inclusive close time lower bound (unix ms)")
	cmd.Flags().Int64Var(&toMs, "to", 0, "inclusive close time upper bound (unix ms, 0 = open)")
	cmd.Flags().IntVar(&limit, "limit", 10000, "max bars to replay")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id tag (default: random uuid)")
	return cmd
}

func publishBar(ctx context.Context, a *app, bar *store.Bar, runID string) error {
	payload := events.BarClosePayload{
		Symbol:      bar.Symbol,
		Timeframe:   bar.Timeframe,
		CloseTimeMs: bar.CloseTimeMs,
		IsFinal:     true,
		Source:      "replay",
		OHLCV: events.OHLCV{
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		},
		Ext: map[string]any{"run_id": runID},
	}
	env, err := events.NewEnvelope(a.cfg.Env, "replay", payload)
	if err != nil {
		return err
	}
	env.Ext = map[string]any{"run_id": runID}
	_, err = a.broker.Publish(ctx, events.StreamBarClose, events.TypeBarClose, env)
	return err
}
