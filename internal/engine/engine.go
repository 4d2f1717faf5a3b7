// Package engine implements the per-trade lifecycle state machine:
// signal admission, the maker entry chase, server-side TP/SL protection,
// fill handling, the timeout sweeper and startup reconciliation.
//
// Status flow:
//
//	SIGNAL_RECEIVED -> OPENING -> {NOT_EXECUTED | OPEN}
//	OPEN -> CLOSING -> {CLOSED | ERROR}
//
// Terminal trades are dropped from the live map. Any unrecoverable failure
// moves a trade to ERROR.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"short-trader/internal/events"
	"short-trader/internal/signals"
	"short-trader/pkg/config"
	"short-trader/pkg/db"
	"short-trader/pkg/exchanges/binance"
)

// Gateway is the typed exchange surface the engine drives. Implemented by
// *binance.Client; tests substitute a fake.
type Gateway interface {
	BestBid(ctx context.Context, symbol string) (float64, error)
	BestAsk(ctx context.Context, symbol string) (float64, error)
	Quantity(ctx context.Context, symbol string, capital, price float64) (float64, error)

	OpenShortMaker(ctx context.Context, symbol string, qty float64, priceMatch string) (binance.OrderAck, error)
	OpenShortMarket(ctx context.Context, symbol string, qty float64) (binance.OrderAck, error)
	PlaceTP(ctx context.Context, symbol string, qty, entryPrice float64) (binance.OrderAck, error)
	PlaceSL(ctx context.Context, symbol string, qty, entryPrice float64) (binance.OrderAck, error)
	CloseLimit(ctx context.Context, symbol string, qty, price float64) (binance.OrderAck, error)
	CloseBBO(ctx context.Context, symbol string, qty float64) (binance.OrderAck, error)
	CloseMarket(ctx context.Context, symbol string, qty float64) (binance.OrderAck, error)

	Cancel(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (binance.Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]binance.Order, error)
	OpenAlgoOrders(ctx context.Context, symbol string) ([]binance.Order, error)
	Positions(ctx context.Context) ([]binance.Position, error)
}

// StreamRegistry is the user-stream order-id registration surface.
// Implemented by *binance.UserStream.
type StreamRegistry interface {
	RegisterEntry(orderID int64)
	RegisterTP(orderID int64)
	RegisterSL(orderID int64)
	Unregister(orderID int64)
	FillWait(orderID int64) <-chan struct{}
}

// Store is the durable state surface the engine writes through.
type Store interface {
	SaveTrade(ctx context.Context, t *db.Trade) error
	SaveEvent(ctx context.Context, ev *db.Event) error
}

// Engine owns all live trades. It is the single writer: every mutating path
// (signal, fills, timeout sweeps, reconciliation) runs its transition under
// mu, so per-trade state changes are totally ordered. Waits and polls happen
// outside the lock.
type Engine struct {
	cfg    *config.Config
	gw     Gateway
	store  Store
	stream StreamRegistry
	bus    *events.Bus

	mu      sync.Mutex
	trades  map[string]*db.Trade
	byEntry map[int64]string
	byTP    map[int64]string
	bySL    map[int64]string

	tasksCtx    context.Context
	tasksCancel context.CancelFunc
	tasks       sync.WaitGroup
	sweepDone   chan struct{}
}

// New builds an engine; Start launches the timeout sweeper.
func New(cfg *config.Config, gw Gateway, store Store, stream StreamRegistry, bus *events.Bus) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		gw:          gw,
		store:       store,
		stream:      stream,
		bus:         bus,
		trades:      make(map[string]*db.Trade),
		byEntry:     make(map[int64]string),
		byTP:        make(map[int64]string),
		bySL:        make(map[int64]string),
		tasksCtx:    ctx,
		tasksCancel: cancel,
		sweepDone:   make(chan struct{}),
	}
}

// Start launches the timeout sweeper.
func (e *Engine) Start() {
	go e.timeoutLoop()
	log.Printf("trade engine started")
}

// Stop cancels the sweeper and in-flight opening tasks, then waits for each
// task to finish its cleanup. Live OPEN trades stay protected server-side by
// their TP/SL conditional orders.
func (e *Engine) Stop() {
	e.tasksCancel()
	<-e.sweepDone
	e.tasks.Wait()
	log.Printf("trade engine stopped; open trades: %d", e.OpenCount())
}

// OpenCount counts trades holding or acquiring a position slot.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openCountLocked()
}

func (e *Engine) openCountLocked() int {
	n := 0
	for _, t := range e.trades {
		switch t.Status {
		case db.StatusOpen, db.StatusOpening, db.StatusSignalReceived:
			n++
		}
	}
	return n
}

func (e *Engine) openCountPairLocked(pair string) int {
	n := 0
	for _, t := range e.trades {
		if t.Pair != pair {
			continue
		}
		switch t.Status {
		case db.StatusOpen, db.StatusOpening, db.StatusSignalReceived:
			n++
		}
	}
	return n
}

// ActiveTrades snapshots the non-terminal trades for observers.
func (e *Engine) ActiveTrades() []*db.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*db.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		if !t.Status.Terminal() {
			snapshot := *t
			out = append(out, &snapshot)
		}
	}
	return out
}

// OnSignal admits one signal. Rejections on the concurrency caps are
// info-logged without an event. The opening chase runs asynchronously so the
// intake path never blocks on exchange round-trips.
func (e *Engine) OnSignal(sig signals.Signal) {
	e.mu.Lock()
	if e.openCountLocked() >= e.cfg.Strategy.MaxOpenTrades {
		e.mu.Unlock()
		log.Printf("signal %s dropped: max_open_trades (%d) reached", sig.Pair, e.cfg.Strategy.MaxOpenTrades)
		return
	}
	if e.openCountPairLocked(sig.Pair) >= e.cfg.Strategy.MaxTradesPerPair {
		e.mu.Unlock()
		log.Printf("signal %s dropped: max_trades_per_pair (%d) reached", sig.Pair, e.cfg.Strategy.MaxTradesPerPair)
		return
	}

	trade := db.NewTrade(sig.Pair, sig.FechaHora, sig.Data())
	e.trades[trade.TradeID] = trade
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.emit(db.EventSignal, trade.TradeID, map[string]any{
		"pair": sig.Pair, "top": sig.Top,
		"mom_1h_pct": sig.Mom1hPct, "close": sig.Close,
	})
	log.Printf("trade %s SIGNAL_RECEIVED %s", trade.ShortID(), sig.Pair)

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		e.openTrade(e.tasksCtx, trade, sig)
	}()
}

// saveLocked persists the trade; caller holds mu. A store failure at a
// transition is fatal for the trade: it flips to ERROR and is persisted
// best-effort. Returns false when the save failed.
func (e *Engine) saveLocked(t *db.Trade) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveTrade(ctx, t); err != nil {
		log.Printf("trade %s: save failed: %v", t.ShortID(), err)
		t.Status = db.StatusError
		t.ErrorMessage = "store: " + err.Error()
		t.Touch()
		if err2 := e.store.SaveTrade(ctx, t); err2 != nil {
			log.Printf("trade %s: error-state save also failed: %v", t.ShortID(), err2)
		}
		delete(e.trades, t.TradeID)
		return false
	}
	if e.bus != nil {
		snapshot := *t
		e.bus.Publish(events.TopicTradeUpdate, &snapshot)
	}
	return true
}

// emit persists and broadcasts one audit event. Persistence failures are
// logged and swallowed; they never abort the transition that produced them.
func (e *Engine) emit(kind db.EventType, tradeID string, details map[string]any) {
	ev := db.NewEvent(kind, tradeID, details)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveEvent(ctx, ev); err != nil {
		log.Printf("save event %s: %v", kind, err)
	}
	if e.bus != nil {
		e.bus.Publish(events.TopicEngineEvent, ev)
	}
}
