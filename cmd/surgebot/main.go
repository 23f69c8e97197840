// Surgebot - Momentum scalper for USDT-margined perpetual futures
//
// Two loops share one risk ledger:
//  1. Scanner loop (1/min): rank the liquid universe by short-term momentum,
//     open the best candidates under adaptive leverage
//  2. Closer workers (staggered, 30s): drive every open position through the
//     exit state machine (SL, TP, news blackout, time limit, fast discard)
//
// Every slot, margin and lifecycle change goes through conditional writes on
// a single versioned accumulator, so crashed ticks and concurrent workers
// cannot double-spend risk.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/surgetrade/surgebot/internal/alerts"
	"github.com/surgetrade/surgebot/internal/closer"
	"github.com/surgetrade/surgebot/internal/config"
	"github.com/surgetrade/surgebot/internal/engine"
	"github.com/surgetrade/surgebot/internal/exchange"
	"github.com/surgetrade/surgebot/internal/journal"
	"github.com/surgetrade/surgebot/internal/ledger"
	"github.com/surgetrade/surgebot/internal/marketdata"
	"github.com/surgetrade/surgebot/internal/news"
	"github.com/surgetrade/surgebot/internal/scanner"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("live", cfg.LiveMode).
		Str("capital", cfg.Capital.String()).
		Int("max_open", cfg.MaxOpenTrades).
		Msg("⚡ Surgebot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== STORAGE ======

	jr, err := journal.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open trade journal")
	}

	if trades, tErr := jr.TradesForDay(time.Now().UTC()); tErr == nil && len(trades) > 0 {
		log.Info().Int("trades_today", len(trades)).Msg("📒 Resuming mid-day, journal carries earlier trades")
	}
	if skips, sErr := jr.RecentSkips(5); sErr == nil && len(skips) > 0 {
		last := skips[0]
		log.Info().
			Int("recent_skips", len(skips)).
			Str("last_symbol", last.Symbol).
			Str("last_reason", last.Reason).
			Msg("📒 Last run's skip trail")
	}

	store, err := ledger.NewDBStore(jr.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize risk accumulator store")
	}
	led := ledger.New(store, cfg.Capital, cfg.MaxOpenTrades, cfg.MaxPortfolioRisk, cfg.DailyLossLimit)

	// ====== VENUE ======

	var venue exchange.Exchange
	if cfg.LiveMode {
		venue = exchange.NewBinanceClient(cfg.BinanceRESTURL, cfg.BinanceAPIKey, cfg.BinanceSecret)
		log.Info().Msg("💳 Live venue client initialized")
	} else {
		// Paper trading still reads real public market data
		venue = exchange.NewPaperClient(exchange.NewBinanceClient(cfg.BinanceRESTURL, "", ""))
		log.Info().Msg("📝 Paper venue, no real orders will be placed")
	}

	gw := marketdata.New(venue, cfg.RateLimitRPS)

	stream := marketdata.NewMarkStream(gw, cfg.BinanceWSURL)
	go stream.Run(ctx)
	log.Info().Msg("📈 Mark price stream started")

	// ====== SUPPORTING COMPONENTS ======

	sessions, err := scanner.LoadSessions(cfg.SessionConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SessionConfig).Msg("Failed to load session config")
	}

	calendar, err := news.NewCalendar(cfg.NewsCalendarPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.NewsCalendarPath).Msg("Failed to load news calendar")
	}

	notifier := alerts.New(cfg.TelegramToken, cfg.TelegramChatID)

	// ====== CORE COMPONENTS ======

	sc := scanner.New(gw, led, sessions, cfg)
	eng := engine.New(led, venue, jr, notifier, cfg)
	cl := closer.New(led, gw, venue, jr, notifier, calendar, cfg)

	// Sweeps at the top of every scanner tick, resolving anything a crashed
	// tick or a previous run left behind before new entries go out
	recon := engine.NewReconciler(led, venue, gw, notifier)

	var wg sync.WaitGroup

	// ====== CLOSER WORKERS ======
	// Staggered so the book is rechecked more often than any single worker's
	// interval, without thundering the venue
	for i := 0; i < cfg.CloserWorkers; i++ {
		wg.Add(1)
		go func(offset time.Duration) {
			defer wg.Done()
			select {
			case <-time.After(offset):
			case <-ctx.Done():
				return
			}
			ticker := time.NewTicker(cfg.CloserInterval)
			defer ticker.Stop()
			for {
				if err := cl.Tick(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Closer tick failed")
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}(time.Duration(i) * cfg.CloserStagger)
	}
	log.Info().Int("workers", cfg.CloserWorkers).Dur("interval", cfg.CloserInterval).Msg("🔒 Closer workers started")

	// ====== SCANNER LOOP ======
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.ScanInterval)
		defer ticker.Stop()
		breakerAlerted := false
		for {
			if err := recon.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Reconciliation sweep failed, continuing with caution")
			}

			if err := led.DailyRollover(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Daily rollover failed")
			}

			if snap, err := led.Snapshot(ctx); err == nil {
				if snap.DailyLossBreachAt != nil && !breakerAlerted {
					notifier.CircuitBreaker(snap.DailyPnL)
					breakerAlerted = true
				} else if snap.DailyLossBreachAt == nil {
					breakerAlerted = false
				}
			}

			candidates, err := sc.Scan(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("Scan tick failed")
			} else if len(candidates) > 0 {
				opened := eng.ExecuteTick(ctx, candidates)
				log.Info().Int("candidates", len(candidates)).Int("opened", opened).Msg("Tick executed")
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║        MOMENTUM SCALPER ACTIVE           ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  → Scan the perp universe every minute   ║")
	log.Info().Msg("║  → Ride surges at adaptive leverage      ║")
	log.Info().Msg("║  → Out within 10 minutes, no exceptions  ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	cancel()
	wg.Wait()

	log.Info().Msg("👋 Goodbye!")
}
