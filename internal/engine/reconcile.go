package engine

import (
	"context"
	"log"
	"time"

	"short-trader/pkg/db"
)

// Reconcile re-synchronises the trades loaded from the store with the
// exchange's authoritative state at startup.
//
//	OPEN    -> the position must exist; TP/SL ids found among the pair's open
//	          orders are re-registered, missing legs are re-placed. A missing
//	          position means the trade was closed externally.
//	OPENING -> the entry order is queried: FILLED promotes to OPEN and runs
//	          the protection path; anything else is cancelled (when live) and
//	          the trade becomes NOT_EXECUTED.
//	CLOSING -> no position left finalises the trade; a surviving position
//	          restores OPEN and reconciles like an OPEN trade.
//
// Exchange positions with no matching trade are warn-logged, never adopted.
func (e *Engine) Reconcile(ctx context.Context, trades []*db.Trade) {
	if len(trades) == 0 {
		log.Printf("reconcile: no active trades in store")
		return
	}
	log.Printf("reconciling %d trades from store", len(trades))

	positionPairs := make(map[string]bool)
	if positions, err := e.gw.Positions(ctx); err != nil {
		log.Printf("reconcile: positions fetch failed: %v", err)
	} else {
		for _, p := range positions {
			positionPairs[p.Symbol] = true
		}
		log.Printf("reconcile: %d open position(s) on exchange", len(positionPairs))
	}

	openPairs := make(map[string]bool)
	for _, t := range trades {
		e.mu.Lock()
		e.trades[t.TradeID] = t
		t.Reconciled = true
		e.mu.Unlock()

		switch t.Status {
		case db.StatusOpen:
			e.reconcileOpen(ctx, t, positionPairs)
		case db.StatusOpening, db.StatusSignalReceived:
			e.reconcileOpening(ctx, t)
		case db.StatusClosing:
			e.reconcileClosing(ctx, t, positionPairs)
		}

		e.mu.Lock()
		status := t.Status
		e.mu.Unlock()
		if status == db.StatusOpen {
			openPairs[t.Pair] = true
		}
		log.Printf("reconcile: trade %s (%s) -> %s", t.ShortID(), t.Pair, status)
	}

	for pair := range positionPairs {
		if !openPairs[pair] {
			log.Printf("reconcile: exchange position for %s has no matching trade -> review manually", pair)
		}
	}
}

// reconcileOpen verifies the position and re-registers or re-places TP/SL.
func (e *Engine) reconcileOpen(ctx context.Context, t *db.Trade, positionPairs map[string]bool) {
	if !positionPairs[t.Pair] {
		log.Printf("reconcile: trade %s (%s) OPEN in store but no exchange position -> closed externally",
			t.ShortID(), t.Pair)
		e.mu.Lock()
		t.Status = db.StatusClosed
		t.ExitType = db.ExitManual
		if t.ExitFillTS.IsZero() {
			t.ExitFillTS = time.Now().UTC()
		}
		t.Touch()
		e.saveLocked(t)
		delete(e.trades, t.TradeID)
		e.mu.Unlock()
		e.emit(db.EventError, t.TradeID, map[string]any{"msg": "position closed externally"})
		return
	}

	openIDs := make(map[int64]bool)
	if orders, err := e.gw.OpenOrders(ctx, t.Pair); err != nil {
		log.Printf("reconcile: open orders %s: %v", t.Pair, err)
	} else {
		for _, o := range orders {
			openIDs[o.OrderID] = true
		}
	}
	if orders, err := e.gw.OpenAlgoOrders(ctx, t.Pair); err == nil {
		for _, o := range orders {
			openIDs[o.OrderID] = true
		}
	}

	if t.TPOrderID != 0 && openIDs[t.TPOrderID] {
		e.mu.Lock()
		e.byTP[t.TPOrderID] = t.TradeID
		e.mu.Unlock()
		e.stream.RegisterTP(t.TPOrderID)
		log.Printf("reconcile: trade %s TP %d re-registered", t.ShortID(), t.TPOrderID)
	} else {
		log.Printf("reconcile: trade %s TP missing -> re-placing", t.ShortID())
		if err := e.placeTP(t); err != nil {
			log.Printf("reconcile: trade %s TP re-place failed: %v", t.ShortID(), err)
		}
	}

	e.mu.Lock()
	stillOpen := t.Status == db.StatusOpen
	e.mu.Unlock()
	if !stillOpen {
		return
	}

	if t.SLOrderID != 0 && openIDs[t.SLOrderID] {
		e.mu.Lock()
		e.bySL[t.SLOrderID] = t.TradeID
		e.mu.Unlock()
		e.stream.RegisterSL(t.SLOrderID)
		log.Printf("reconcile: trade %s SL %d re-registered", t.ShortID(), t.SLOrderID)
	} else {
		log.Printf("reconcile: trade %s SL missing -> re-placing", t.ShortID())
		if err := e.placeSL(t); err != nil {
			log.Printf("reconcile: trade %s SL re-place failed: %v", t.ShortID(), err)
		}
	}
}

// reconcileOpening resolves an entry that was in flight when the process
// stopped.
func (e *Engine) reconcileOpening(ctx context.Context, t *db.Trade) {
	if t.EntryOrderID == 0 {
		log.Printf("reconcile: trade %s OPENING without entry order -> NOT_EXECUTED", t.ShortID())
		e.markNotExecuted(t)
		return
	}

	order, err := e.gw.GetOrder(ctx, t.Pair, t.EntryOrderID)
	if err != nil {
		log.Printf("reconcile: trade %s entry order %d query failed: %v", t.ShortID(), t.EntryOrderID, err)
		e.markNotExecuted(t)
		return
	}

	if order.Status == "FILLED" {
		avgPrice := parsePrice(order.AvgPrice)
		if avgPrice == 0 {
			avgPrice = parsePrice(order.Price)
		}
		log.Printf("reconcile: trade %s entry FILLED during downtime @ %v -> promoting to OPEN", t.ShortID(), avgPrice)
		e.mu.Lock()
		t.EntryPrice = avgPrice
		if t.EntryFillTS.IsZero() {
			t.EntryFillTS = time.Now().UTC()
		}
		t.Status = db.StatusOpen
		t.Touch()
		if !e.saveLocked(t) {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.emit(db.EventEntryFill, t.TradeID, map[string]any{
			"orderId": t.EntryOrderID, "price": avgPrice, "qty": t.EntryQuantity, "reconcile": true,
		})
		e.placeProtection(t)
		return
	}

	// NEW, PARTIALLY_FILLED, CANCELED, EXPIRED: cancel if still live, discard.
	if order.Status == "NEW" || order.Status == "PARTIALLY_FILLED" {
		if err := e.gw.Cancel(ctx, t.Pair, t.EntryOrderID); err != nil {
			log.Printf("reconcile: cancel entry %d: %v", t.EntryOrderID, err)
		}
	}
	log.Printf("reconcile: trade %s entry status=%s -> NOT_EXECUTED", t.ShortID(), order.Status)
	e.markNotExecuted(t)
}

// reconcileClosing finalises a close that was in flight, or restores OPEN.
func (e *Engine) reconcileClosing(ctx context.Context, t *db.Trade, positionPairs map[string]bool) {
	if !positionPairs[t.Pair] {
		log.Printf("reconcile: trade %s CLOSING and position gone -> CLOSED", t.ShortID())
		e.mu.Lock()
		if t.ExitFillTS.IsZero() {
			t.ExitFillTS = time.Now().UTC()
		}
		if t.ExitType == "" {
			t.ExitType = db.ExitManual
		}
		e.mu.Unlock()
		e.closeTrade(t)
		return
	}

	log.Printf("reconcile: trade %s CLOSING but position survives -> restoring OPEN", t.ShortID())
	e.mu.Lock()
	t.Status = db.StatusOpen
	t.Touch()
	if !e.saveLocked(t) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.reconcileOpen(ctx, t, positionPairs)
}

func (e *Engine) markNotExecuted(t *db.Trade) {
	e.mu.Lock()
	t.Status = db.StatusNotExecuted
	t.Touch()
	e.saveLocked(t)
	delete(e.trades, t.TradeID)
	e.mu.Unlock()
}
