package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTradeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := NewTrade("BTCUSDT", "2024/05/01 10:00:00", map[string]any{
		"pair": "BTCUSDT", "top": float64(1), "close": 50000.0,
	})
	trade.Status = StatusOpen
	trade.EntryOrderID = 123456
	trade.EntryPrice = 50000
	trade.EntryQuantity = 0.0002
	trade.EntryFillTS = time.Now().UTC().Truncate(time.Millisecond)
	trade.TPOrderID = 111
	trade.SLOrderID = 222
	trade.TPTriggerPrice = 42500
	trade.SLTriggerPrice = 80000

	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("save trade: %v", err)
	}

	active, err := s.LoadActiveTrades(ctx)
	if err != nil {
		t.Fatalf("load active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active trade, got %d", len(active))
	}
	got := active[0]
	if got.TradeID != trade.TradeID {
		t.Fatalf("trade id mismatch: %s vs %s", got.TradeID, trade.TradeID)
	}
	if got.EntryOrderID != 123456 || got.TPOrderID != 111 || got.SLOrderID != 222 {
		t.Fatalf("order ids did not survive round trip: %+v", got)
	}
	if got.EntryPrice != 50000 || got.EntryQuantity != 0.0002 {
		t.Fatalf("entry leg mismatch: %+v", got)
	}
	if got.TPTriggerPrice != 42500 || got.SLTriggerPrice != 80000 {
		t.Fatalf("trigger prices mismatch: %+v", got)
	}
	if !got.EntryFillTS.Equal(trade.EntryFillTS) {
		t.Fatalf("entry fill ts mismatch: %v vs %v", got.EntryFillTS, trade.EntryFillTS)
	}
	if got.SignalData["close"] != 50000.0 {
		t.Fatalf("signal data did not survive JSON round trip: %+v", got.SignalData)
	}
}

func TestSaveTradeUpsertsByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := NewTrade("ETHUSDT", "", nil)
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("save: %v", err)
	}
	trade.Status = StatusOpening
	trade.EntryOrderID = 42
	trade.Touch()
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("second save: %v", err)
	}

	var count int
	if err := s.DB.QueryRow("SELECT COUNT(*) FROM trades").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected upsert, got %d rows", count)
	}
	got, err := s.GetTrade(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOpening || got.EntryOrderID != 42 {
		t.Fatalf("updated fields not persisted: %+v", got)
	}
}

func TestLoadActiveTradesExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []TradeStatus{
		StatusSignalReceived, StatusOpening, StatusOpen, StatusClosing,
		StatusClosed, StatusNotExecuted, StatusError,
	}
	for _, st := range statuses {
		trade := NewTrade("BTCUSDT", "", nil)
		trade.Status = st
		if err := s.SaveTrade(ctx, trade); err != nil {
			t.Fatalf("save %s: %v", st, err)
		}
	}

	active, err := s.LoadActiveTrades(ctx)
	if err != nil {
		t.Fatalf("load active: %v", err)
	}
	if len(active) != 4 {
		t.Fatalf("expected 4 active trades, got %d", len(active))
	}
	for _, tr := range active {
		if tr.Status.Terminal() {
			t.Fatalf("terminal trade %s returned as active", tr.Status)
		}
	}

	closed, err := s.LoadRecentClosed(ctx, 10)
	if err != nil {
		t.Fatalf("load closed: %v", err)
	}
	if len(closed) != 3 {
		t.Fatalf("expected 3 terminal trades, got %d", len(closed))
	}
}

func TestEventsAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	kinds := []EventType{EventSignal, EventEntrySent, EventEntryFill}
	var lastID int64
	for _, k := range kinds {
		ev := NewEvent(k, "trade-1", map[string]any{"kind": string(k)})
		if err := s.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("save event %s: %v", k, err)
		}
		if ev.EventID <= lastID {
			t.Fatalf("event ids not monotonic: %d after %d", ev.EventID, lastID)
		}
		lastID = ev.EventID
	}
	if err := s.SaveEvent(ctx, NewEvent(EventStartup, "", nil)); err != nil {
		t.Fatalf("save supervisor event: %v", err)
	}

	forTrade, err := s.GetTradeEvents(ctx, "trade-1")
	if err != nil {
		t.Fatalf("trade events: %v", err)
	}
	if len(forTrade) != 3 {
		t.Fatalf("expected 3 events for trade, got %d", len(forTrade))
	}
	for i, k := range kinds {
		if forTrade[i].EventType != k {
			t.Fatalf("event %d: expected %s got %s", i, k, forTrade[i].EventType)
		}
	}

	last, err := s.GetLastEvents(ctx, 2)
	if err != nil {
		t.Fatalf("last events: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("expected 2 events, got %d", len(last))
	}
	if last[0].EventType != EventStartup {
		t.Fatalf("expected newest event first, got %s", last[0].EventType)
	}
}
