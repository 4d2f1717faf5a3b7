package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"short-trader/internal/events"
	"short-trader/internal/signals"
	"short-trader/pkg/config"
	"short-trader/pkg/db"
	"short-trader/pkg/exchanges/binance"
)

// fakeGateway scripts exchange behavior and records every order-side call.
type fakeGateway struct {
	mu sync.Mutex

	bestBid, bestAsk float64
	nextOrderID      int64

	placeTPErr   error
	placeSLErr   error
	closeMktErr  error
	closeMktAvg  float64
	orderLookups map[int64]binance.Order
	positions    []binance.Position
	openOrders   []binance.Order
	algoOrders   []binance.Order

	makerOrders  []int64
	marketOrders []int64
	cancelled    []int64
	tpPlaced     []int64
	slPlaced     []int64
	closeLimits  []int64
	closeMarkets int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		bestBid:      100,
		bestAsk:      101,
		nextOrderID:  1000,
		orderLookups: map[int64]binance.Order{},
	}
}

func (f *fakeGateway) nextID() int64 {
	f.nextOrderID++
	return f.nextOrderID
}

func (f *fakeGateway) BestBid(ctx context.Context, symbol string) (float64, error) {
	return f.bestBid, nil
}

func (f *fakeGateway) BestAsk(ctx context.Context, symbol string) (float64, error) {
	return f.bestAsk, nil
}

func (f *fakeGateway) Quantity(ctx context.Context, symbol string, capital, price float64) (float64, error) {
	return binance.QuantityFor(capital, price, binance.SymbolInfo{StepSize: 0.0001, MinQty: 0.0001, MinNotional: 1})
}

func (f *fakeGateway) OpenShortMaker(ctx context.Context, symbol string, qty float64, priceMatch string) (binance.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.makerOrders = append(f.makerOrders, id)
	return binance.OrderAck{OrderID: id, Status: "NEW"}, nil
}

func (f *fakeGateway) OpenShortMarket(ctx context.Context, symbol string, qty float64) (binance.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.marketOrders = append(f.marketOrders, id)
	return binance.OrderAck{OrderID: id, Status: "NEW"}, nil
}

func (f *fakeGateway) PlaceTP(ctx context.Context, symbol string, qty, entryPrice float64) (binance.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeTPErr != nil {
		return binance.OrderAck{}, f.placeTPErr
	}
	id := f.nextID()
	f.tpPlaced = append(f.tpPlaced, id)
	return binance.OrderAck{OrderID: id, Status: "NEW", TriggerPrice: entryPrice * 0.85}, nil
}

func (f *fakeGateway) PlaceSL(ctx context.Context, symbol string, qty, entryPrice float64) (binance.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeSLErr != nil {
		return binance.OrderAck{}, f.placeSLErr
	}
	id := f.nextID()
	f.slPlaced = append(f.slPlaced, id)
	return binance.OrderAck{OrderID: id, Status: "NEW", TriggerPrice: entryPrice * 1.6}, nil
}

func (f *fakeGateway) CloseLimit(ctx context.Context, symbol string, qty, price float64) (binance.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.closeLimits = append(f.closeLimits, id)
	return binance.OrderAck{OrderID: id, Status: "NEW"}, nil
}

func (f *fakeGateway) CloseBBO(ctx context.Context, symbol string, qty float64) (binance.OrderAck, error) {
	return f.CloseLimit(ctx, symbol, qty, 0)
}

func (f *fakeGateway) CloseMarket(ctx context.Context, symbol string, qty float64) (binance.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeMktErr != nil {
		return binance.OrderAck{}, f.closeMktErr
	}
	f.closeMarkets++
	return binance.OrderAck{OrderID: f.nextID(), Status: "FILLED", AvgPrice: f.closeMktAvg}, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) GetOrder(ctx context.Context, symbol string, orderID int64) (binance.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orderLookups[orderID]; ok {
		return o, nil
	}
	return binance.Order{OrderID: orderID, Status: "NEW"}, nil
}

func (f *fakeGateway) OpenOrders(ctx context.Context, symbol string) ([]binance.Order, error) {
	return f.openOrders, nil
}

func (f *fakeGateway) OpenAlgoOrders(ctx context.Context, symbol string) ([]binance.Order, error) {
	return f.algoOrders, nil
}

func (f *fakeGateway) Positions(ctx context.Context) ([]binance.Position, error) {
	return f.positions, nil
}

func (f *fakeGateway) cancelledIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cancelled...)
}

// fakeRegistry records registrations; fills are driven by the tests directly.
type fakeRegistry struct {
	mu         sync.Mutex
	registered map[int64]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: map[int64]string{}}
}

func (f *fakeRegistry) RegisterEntry(id int64) { f.set(id, "entry") }
func (f *fakeRegistry) RegisterTP(id int64)    { f.set(id, "tp") }
func (f *fakeRegistry) RegisterSL(id int64)    { f.set(id, "sl") }

func (f *fakeRegistry) set(id int64, kind string) {
	f.mu.Lock()
	f.registered[id] = kind
	f.mu.Unlock()
}

func (f *fakeRegistry) Unregister(id int64) {
	f.mu.Lock()
	delete(f.registered, id)
	f.mu.Unlock()
}

func (f *fakeRegistry) FillWait(id int64) <-chan struct{} {
	return make(chan struct{})
}

func (f *fakeRegistry) kind(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[id]
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Mode:             "short",
			CapitalPerTrade:  10,
			MaxOpenTrades:    10,
			TPPct:            15,
			SLPct:            60,
			TimeoutHours:     24,
			Leverage:         1,
			MaxTradesPerPair: 1,
		},
		Entry: config.EntryConfig{
			ChaseIntervalSeconds: 0.01,
			ChaseTimeoutSeconds:  0.05,
			MaxChaseAttempts:     3,
		},
		Exit: config.ExitConfig{
			TimeoutOrderType:      "LIMIT",
			TimeoutChaseSeconds:   0,
			TimeoutMarketFallback: true,
		},
	}
}

type harness struct {
	eng   *Engine
	gw    *fakeGateway
	reg   *fakeRegistry
	store *db.Store
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	gw := newFakeGateway()
	reg := newFakeRegistry()
	eng := New(cfg, gw, store, reg, events.NewBus())
	return &harness{eng: eng, gw: gw, reg: reg, store: store}
}

// openTrade seeds one trade in OPEN with protection placed, as if the entry
// had filled and both legs were acknowledged.
func (h *harness) openTrade(t *testing.T, pair string, entryPrice, qty float64) *db.Trade {
	t.Helper()
	trade := db.NewTrade(pair, "", nil)
	trade.EntryOrderID = h.gw.nextID()
	trade.EntryQuantity = qty

	h.eng.mu.Lock()
	h.eng.trades[trade.TradeID] = trade
	h.eng.byEntry[trade.EntryOrderID] = trade.TradeID
	h.eng.mu.Unlock()
	h.reg.RegisterEntry(trade.EntryOrderID)

	h.eng.OnEntryFill(binance.OrderUpdate{
		OrderID: trade.EntryOrderID, Symbol: pair,
		ExecType: "TRADE", Status: "FILLED", AvgPrice: entryPrice,
	})

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	if trade.Status != db.StatusOpen {
		t.Fatalf("seed trade not OPEN: %s", trade.Status)
	}
	return trade
}

func (h *harness) eventKinds(t *testing.T, tradeID string) []db.EventType {
	t.Helper()
	evs, err := h.store.GetTradeEvents(context.Background(), tradeID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	kinds := make([]db.EventType, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.EventType
	}
	return kinds
}

func countKind(kinds []db.EventType, kind db.EventType) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func (h *harness) storedTrade(t *testing.T, id string) *db.Trade {
	t.Helper()
	trade, err := h.store.GetTrade(context.Background(), id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	return trade
}

// ----------------------------------------
// Scenarios
// ----------------------------------------

func TestHappyPathTakeProfit(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	trade := h.openTrade(t, "BTCUSDT", 50000, 0.0002)
	if trade.TPOrderID == 0 || trade.SLOrderID == 0 {
		t.Fatalf("protection not placed: %+v", trade)
	}
	if trade.TPTriggerPrice != 42500 {
		t.Fatalf("TP trigger = %v, want 42500", trade.TPTriggerPrice)
	}
	if trade.SLTriggerPrice != 80000 {
		t.Fatalf("SL trigger = %v, want 80000", trade.SLTriggerPrice)
	}
	if h.reg.kind(trade.TPOrderID) != "tp" || h.reg.kind(trade.SLOrderID) != "sl" {
		t.Fatal("protective legs not registered with the stream")
	}

	slID := trade.SLOrderID
	h.eng.OnTPFill(binance.OrderUpdate{
		OrderID: trade.TPOrderID, ExecType: "TRADE", Status: "FILLED", AvgPrice: 42500,
	})

	stored := h.storedTrade(t, trade.TradeID)
	if stored.Status != db.StatusClosed || stored.ExitType != db.ExitTP {
		t.Fatalf("expected CLOSED/tp, got %s/%s", stored.Status, stored.ExitType)
	}
	if stored.PnLUSDT != 1.5 {
		t.Fatalf("pnl_usdt = %v, want 1.5", stored.PnLUSDT)
	}
	if stored.PnLPct != 15 {
		t.Fatalf("pnl_pct = %v, want 15", stored.PnLPct)
	}
	if got := h.gw.cancelledIDs(); len(got) != 1 || got[0] != slID {
		t.Fatalf("SL counterpart not cancelled: %v", got)
	}
	if h.eng.OpenCount() != 0 {
		t.Fatalf("trade not dropped from live map")
	}

	kinds := h.eventKinds(t, trade.TradeID)
	for _, want := range []db.EventType{db.EventEntryFill, db.EventTPPlaced, db.EventSLPlaced, db.EventTPFill} {
		if countKind(kinds, want) != 1 {
			t.Fatalf("expected one %s event, got %v", want, kinds)
		}
	}
}

func TestStopLossFillClosesTrade(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	trade := h.openTrade(t, "ETHUSDT", 100, 0.1)
	tpID := trade.TPOrderID

	h.eng.OnSLFill(binance.OrderUpdate{
		OrderID: trade.SLOrderID, ExecType: "TRADE", Status: "FILLED", AvgPrice: 160,
	})

	stored := h.storedTrade(t, trade.TradeID)
	if stored.Status != db.StatusClosed || stored.ExitType != db.ExitSL {
		t.Fatalf("expected CLOSED/sl, got %s/%s", stored.Status, stored.ExitType)
	}
	if stored.PnLUSDT != -6 {
		t.Fatalf("pnl_usdt = %v, want -6", stored.PnLUSDT)
	}
	if got := h.gw.cancelledIDs(); len(got) != 1 || got[0] != tpID {
		t.Fatalf("TP counterpart not cancelled: %v", got)
	}
}

func TestSLTriggerAlreadyCrossedClosesAtMarket(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.gw.placeSLErr = &binance.APIError{Code: binance.CodeTriggerCrossed, Message: "would trigger immediately"}
	h.gw.closeMktAvg = 161

	trade := db.NewTrade("ETHUSDT", "", nil)
	trade.EntryOrderID = h.gw.nextID()
	trade.EntryQuantity = 0.1
	h.eng.mu.Lock()
	h.eng.trades[trade.TradeID] = trade
	h.eng.byEntry[trade.EntryOrderID] = trade.TradeID
	h.eng.mu.Unlock()

	h.eng.OnEntryFill(binance.OrderUpdate{
		OrderID: trade.EntryOrderID, ExecType: "TRADE", Status: "FILLED", AvgPrice: 100,
	})

	stored := h.storedTrade(t, trade.TradeID)
	if stored.Status != db.StatusClosed || stored.ExitType != db.ExitSL {
		t.Fatalf("expected CLOSED/sl after -2021, got %s/%s", stored.Status, stored.ExitType)
	}
	if stored.ExitPrice != 161 {
		t.Fatalf("exit price = %v, want 161", stored.ExitPrice)
	}
	if h.gw.closeMarkets != 1 {
		t.Fatalf("expected one market close, got %d", h.gw.closeMarkets)
	}
	// The TP placed before the SL attempt must be cancelled.
	if got := h.gw.cancelledIDs(); len(got) != 1 || got[0] != stored.TPOrderID {
		t.Fatalf("TP not cancelled after -2021 close: %v", got)
	}
	kinds := h.eventKinds(t, trade.TradeID)
	if countKind(kinds, db.EventSLTriggered) != 1 {
		t.Fatalf("expected SL_TRIGGERED event, got %v", kinds)
	}
}

func TestChaseExhaustionWithoutFallback(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	trade := db.NewTrade("BTCUSDT", "", nil)
	h.eng.mu.Lock()
	h.eng.trades[trade.TradeID] = trade
	h.eng.mu.Unlock()

	h.eng.openTrade(context.Background(), trade, signals.Signal{Pair: "BTCUSDT"})

	stored := h.storedTrade(t, trade.TradeID)
	if stored.Status != db.StatusNotExecuted {
		t.Fatalf("expected NOT_EXECUTED, got %s", stored.Status)
	}
	if len(h.gw.makerOrders) != 3 {
		t.Fatalf("expected 3 maker attempts, got %d", len(h.gw.makerOrders))
	}
	if len(h.gw.marketOrders) != 0 {
		t.Fatalf("market fallback must not run when disabled")
	}
	if got := h.gw.cancelledIDs(); len(got) != 3 {
		t.Fatalf("every unfilled attempt must be cancelled, got %v", got)
	}

	kinds := h.eventKinds(t, trade.TradeID)
	if countKind(kinds, db.EventEntrySent) != 3 {
		t.Fatalf("expected exactly 3 ENTRY_SENT events, got %v", kinds)
	}
	if countKind(kinds, db.EventError) != 1 {
		t.Fatalf("expected exactly 1 terminal ERROR event, got %v", kinds)
	}
	if h.eng.OpenCount() != 0 {
		t.Fatal("trade not dropped from live map")
	}
}

func TestTimeoutLimitThenMarketFallback(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.gw.closeMktAvg = 101

	trade := h.openTrade(t, "ETHUSDT", 100, 0.1)
	h.eng.mu.Lock()
	trade.EntryFillTS = time.Now().UTC().Add(-25 * time.Hour)
	h.eng.mu.Unlock()

	h.eng.closeByTimeout(trade)

	stored := h.storedTrade(t, trade.TradeID)
	if stored.Status != db.StatusClosed || stored.ExitType != db.ExitTimeout {
		t.Fatalf("expected CLOSED/timeout, got %s/%s", stored.Status, stored.ExitType)
	}
	if stored.ExitPrice != 101 {
		t.Fatalf("exit price = %v, want 101", stored.ExitPrice)
	}
	if stored.PnLUSDT != -0.1 {
		t.Fatalf("pnl_usdt = %v, want -0.1", stored.PnLUSDT)
	}
	// LIMIT close attempted first, then cancelled, then the market fallback.
	if len(h.gw.closeLimits) != 1 {
		t.Fatalf("expected one limit close attempt, got %d", len(h.gw.closeLimits))
	}
	if h.gw.closeMarkets != 1 {
		t.Fatalf("expected one market close, got %d", h.gw.closeMarkets)
	}
}

func TestAdmissionCaps(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Strategy.MaxOpenTrades = 2
	cfg.Strategy.MaxTradesPerPair = 1
	h := newHarness(t, cfg)

	h.openTrade(t, "BTCUSDT", 100, 0.1)

	// Per-pair cap rejects a second BTCUSDT signal without creating a trade.
	h.eng.OnSignal(signals.Signal{Pair: "BTCUSDT", FechaHora: "2024/05/01 10:00:00"})
	if n := h.eng.OpenCount(); n != 1 {
		t.Fatalf("per-pair cap breached: open count %d", n)
	}

	h.openTrade(t, "ETHUSDT", 100, 0.1)

	// Global cap rejects any further signal.
	h.eng.OnSignal(signals.Signal{Pair: "SOLUSDT", FechaHora: "2024/05/01 10:00:00"})
	if n := h.eng.OpenCount(); n != 2 {
		t.Fatalf("global cap breached: open count %d", n)
	}
}

func TestDuplicateProtectionFillIsNoOp(t *testing.T) {
	h := newHarness(t, testEngineConfig())

	trade := h.openTrade(t, "BTCUSDT", 50000, 0.0002)
	update := binance.OrderUpdate{
		OrderID: trade.TPOrderID, ExecType: "TRADE", Status: "FILLED", AvgPrice: 42500,
	}
	h.eng.OnTPFill(update)
	first := h.storedTrade(t, trade.TradeID)

	// Replaying the same FILLED update must not change anything.
	h.eng.OnTPFill(update)
	second := h.storedTrade(t, trade.TradeID)

	if first.Status != db.StatusClosed || second.Status != db.StatusClosed {
		t.Fatalf("expected CLOSED, got %s then %s", first.Status, second.Status)
	}
	if !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatal("duplicate fill mutated a closed trade")
	}
	if len(h.gw.cancelledIDs()) != 1 {
		t.Fatal("duplicate fill issued another cancel")
	}
}

func TestProtectionPartialFailureKeepsTradeOpen(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	h.gw.placeTPErr = &binance.APIError{Code: -1001, Message: "internal error"}

	trade := db.NewTrade("BTCUSDT", "", nil)
	trade.EntryOrderID = h.gw.nextID()
	trade.EntryQuantity = 0.0002
	h.eng.mu.Lock()
	h.eng.trades[trade.TradeID] = trade
	h.eng.byEntry[trade.EntryOrderID] = trade.TradeID
	h.eng.mu.Unlock()

	h.eng.OnEntryFill(binance.OrderUpdate{
		OrderID: trade.EntryOrderID, ExecType: "TRADE", Status: "FILLED", AvgPrice: 50000,
	})

	stored := h.storedTrade(t, trade.TradeID)
	if stored.Status != db.StatusOpen {
		t.Fatalf("partially protected trade must stay OPEN, got %s", stored.Status)
	}
	if stored.SLOrderID == 0 {
		t.Fatal("SL leg missing")
	}
	kinds := h.eventKinds(t, trade.TradeID)
	if countKind(kinds, db.EventError) < 2 {
		t.Fatalf("expected TP error plus operator alert, got %v", kinds)
	}
}
