// Command short-trader runs the automated short-side futures trading agent:
// it consumes externally produced signals, opens maker short entries with a
// chase loop, protects them with server-side TP/SL conditional orders, and
// manages every trade to a terminal outcome across process restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"short-trader/internal/api"
	"short-trader/internal/engine"
	"short-trader/internal/events"
	"short-trader/internal/signals"
	"short-trader/pkg/config"
	"short-trader/pkg/db"
	"short-trader/pkg/exchanges/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Printf("starting short-trader -> mode=%s", cfg.Strategy.Mode)

	// 1. Durable store.
	store, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// 2. Exchange gateway; verify credentials via the balance endpoint.
	gateway := binance.NewClient(binance.Config{
		APIKey:       cfg.Binance.APIKey,
		APISecret:    cfg.Binance.APISecret,
		BaseURL:      cfg.Binance.BaseURL,
		WSBaseURL:    cfg.WSBaseURL(),
		TPPct:        cfg.Strategy.TPPct,
		SLPct:        cfg.Strategy.SLPct,
		TPPriceMatch: binance.PriceMatchOpponent,
	})
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	balance, err := gateway.Balance(startupCtx)
	startupCancel()
	if err != nil {
		store.Close()
		return fmt.Errorf("verify credentials: %w", err)
	}
	log.Printf("available USDT balance: %.2f", balance)

	// 3. Bus, user stream and engine.
	bus := events.NewBus()
	stream := binance.NewUserStream(gateway)
	eng := engine.New(cfg, gateway, store, stream, bus)
	stream.SetFillHandlers(eng.OnEntryFill, eng.OnTPFill, eng.OnSLFill)
	stream.SetConnectionHooks(
		func() { emitEvent(store, bus, db.EventWSConnect, nil) },
		func(err error) {
			details := map[string]any{}
			if err != nil {
				details["error"] = err.Error()
			}
			emitEvent(store, bus, db.EventWSDisconnect, details)
		},
	)

	// 4. Load active trades and reconcile against the exchange.
	reconCtx, reconCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	active, err := store.LoadActiveTrades(reconCtx)
	if err != nil {
		reconCancel()
		store.Close()
		return fmt.Errorf("load active trades: %w", err)
	}
	eng.Reconcile(reconCtx, active)

	// 5. Leverage and isolated margin for every pair still holding a trade.
	pairsSeen := make(map[string]bool)
	for _, t := range active {
		if !pairsSeen[t.Pair] {
			setupPair(reconCtx, gateway, cfg, t.Pair)
			pairsSeen[t.Pair] = true
		}
	}
	reconCancel()

	// 6. User-data stream.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	stream.Start(streamCtx)

	// 7. Engine timeout sweeper.
	eng.Start()

	// 8. Signal intake. Each accepted signal configures its pair first.
	watcherCtx, watcherCancel := context.WithCancel(context.Background())
	watcher := signals.NewWatcher(cfg, func(sig signals.Signal) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		setupPair(ctx, gateway, cfg, sig.Pair)
		cancel()
		eng.OnSignal(sig)
	})
	watcher.Start(watcherCtx)

	// 9. Observer dashboard.
	var server *api.Server
	if cfg.Dashboard.Enabled {
		server = api.NewServer(bus, store, eng, cfg, stream.Connected)
		addr := fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
		go func() {
			if err := server.Start(addr); err != nil {
				log.Printf("dashboard server: %v", err)
			}
		}()
		log.Printf("dashboard listening on %s", addr)
	}

	// 10. Startup event, then wait for a stop signal.
	emitEvent(store, bus, db.EventStartup, map[string]any{
		"mode":              cfg.Strategy.Mode,
		"max_open_trades":   cfg.Strategy.MaxOpenTrades,
		"capital_per_trade": cfg.Strategy.CapitalPerTrade,
		"leverage":          cfg.Strategy.Leverage,
		"tp_pct":            cfg.Strategy.TPPct,
		"sl_pct":            cfg.Strategy.SLPct,
	})
	log.Printf("system ready, waiting for signals")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("stop signal received, shutting down")

	// Shutdown, strictly ordered: intake, observer, engine, stream,
	// gateway, store.
	watcherCancel()
	watcher.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			log.Printf("dashboard shutdown: %v", err)
		}
		cancel()
	}

	eng.Stop()

	streamCancel()
	stream.Stop()

	gateway.Close()

	emitEvent(store, bus, db.EventShutdown, map[string]any{"open_trades": eng.OpenCount()})
	if err := store.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
	log.Printf("shutdown complete")
	return nil
}

// setupPair switches the pair to isolated margin and applies the configured
// leverage. Both are idempotent; failures are warnings, not fatal.
func setupPair(ctx context.Context, gateway *binance.Client, cfg *config.Config, pair string) {
	if err := gateway.SetMarginTypeIsolated(ctx, pair); err != nil {
		log.Printf("set margin type %s: %v", pair, err)
	}
	if err := gateway.SetLeverage(ctx, pair, cfg.Strategy.Leverage); err != nil {
		log.Printf("set leverage %s: %v", pair, err)
	} else {
		log.Printf("leverage %dx configured for %s", cfg.Strategy.Leverage, pair)
	}
}

// emitEvent persists and broadcasts a supervisor-level event; failures are
// logged and swallowed.
func emitEvent(store *db.Store, bus *events.Bus, kind db.EventType, details map[string]any) {
	ev := db.NewEvent(kind, "", details)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.SaveEvent(ctx, ev); err != nil {
		log.Printf("save %s event: %v", kind, err)
	}
	bus.Publish(events.TopicEngineEvent, ev)
}
