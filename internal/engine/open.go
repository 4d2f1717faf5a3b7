package engine

import (
	"context"
	"log"
	"time"

	"short-trader/internal/signals"
	"short-trader/pkg/db"
	"short-trader/pkg/exchanges/binance"
)

const (
	fillPollInterval   = 200 * time.Millisecond
	marketFillTimeout  = 10 * time.Second
	cleanupGracePeriod = 10 * time.Second
)

// openTrade runs the maker chase loop: attempt 1 rests at the fifth opposite
// book level, later attempts at the nearest one. Each attempt waits for a
// fill reported by the user stream; the last resort is an optional market
// entry. On shutdown the outstanding order is cancelled and the trade
// persisted as NOT_EXECUTED before the task exits.
func (e *Engine) openTrade(ctx context.Context, trade *db.Trade, sig signals.Signal) {
	e.mu.Lock()
	trade.Status = db.StatusOpening
	trade.Touch()
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	cfg := e.cfg.Entry
	chaseTimeout := time.Duration(cfg.ChaseTimeoutSeconds * float64(time.Second))
	chaseInterval := time.Duration(cfg.ChaseIntervalSeconds * float64(time.Second))

	for attempt := 1; attempt <= cfg.MaxChaseAttempts; attempt++ {
		if ctx.Err() != nil {
			e.abortOpening(trade)
			return
		}

		refPrice, err := e.gw.BestBid(ctx, sig.Pair)
		var qty float64
		if err == nil {
			qty, err = e.gw.Quantity(ctx, sig.Pair, e.cfg.Strategy.CapitalPerTrade, refPrice)
		}
		priceMatch := priceMatchForAttempt(attempt)
		var orderID int64
		if err == nil {
			var ack binance.OrderAck
			ack, err = e.gw.OpenShortMaker(ctx, sig.Pair, qty, priceMatch)
			orderID = ack.OrderID
		}
		if err != nil {
			if ctx.Err() != nil {
				e.abortOpening(trade)
				return
			}
			log.Printf("trade %s opening attempt %d: %v", trade.ShortID(), attempt, err)
			e.emit(db.EventError, trade.TradeID, map[string]any{"attempt": attempt, "error": err.Error()})
			if attempt < cfg.MaxChaseAttempts {
				sleepCtx(ctx, chaseInterval)
			}
			continue
		}

		e.mu.Lock()
		trade.EntryOrderID = orderID
		trade.EntryQuantity = qty
		trade.Touch()
		if !e.saveLocked(trade) {
			e.mu.Unlock()
			return
		}
		e.byEntry[orderID] = trade.TradeID
		e.mu.Unlock()
		e.stream.RegisterEntry(orderID)
		e.emit(db.EventEntrySent, trade.TradeID, map[string]any{
			"orderId": orderID, "priceMatch": priceMatch, "qty": qty, "attempt": attempt,
		})
		log.Printf("trade %s OPENING attempt %d: orderId=%d priceMatch=%s qty=%v",
			trade.ShortID(), attempt, orderID, priceMatch, qty)

		if e.waitFill(ctx, trade, orderID, chaseTimeout) {
			return // OnEntryFill moved it to OPEN
		}
		if ctx.Err() != nil {
			e.abortOpening(trade)
			return
		}

		log.Printf("trade %s: no fill within %v (attempt %d)", trade.ShortID(), chaseTimeout, attempt)
		if err := e.gw.Cancel(ctx, sig.Pair, orderID); err != nil {
			// A fill racing the cancel is picked up by the stream handler.
			log.Printf("cancel order %d: %v", orderID, err)
		}
		e.dropEntryRegistration(orderID)

		e.mu.Lock()
		raced := trade.Status != db.StatusOpening
		e.mu.Unlock()
		if raced {
			return // the fill handler already moved the trade on
		}

		if attempt < cfg.MaxChaseAttempts {
			sleepCtx(ctx, chaseInterval)
		}
	}

	if cfg.MarketFallback && ctx.Err() == nil {
		if e.marketEntry(ctx, trade, sig) {
			return
		}
	}
	if ctx.Err() != nil {
		e.abortOpening(trade)
		return
	}

	log.Printf("trade %s NOT_EXECUTED: no fill after %d attempts", trade.ShortID(), cfg.MaxChaseAttempts)
	e.mu.Lock()
	trade.Status = db.StatusNotExecuted
	trade.Touch()
	e.saveLocked(trade)
	delete(e.trades, trade.TradeID)
	e.mu.Unlock()
	e.emit(db.EventError, trade.TradeID, map[string]any{"msg": "no fill after all attempts"})
}

func priceMatchForAttempt(attempt int) string {
	if attempt == 1 {
		return "OPPONENT_5"
	}
	return "OPPONENT"
}

// marketEntry is the taker fallback after the chase budget is spent.
func (e *Engine) marketEntry(ctx context.Context, trade *db.Trade, sig signals.Signal) bool {
	refPrice, err := e.gw.BestBid(ctx, sig.Pair)
	if err != nil {
		log.Printf("trade %s market fallback: %v", trade.ShortID(), err)
		return false
	}
	qty, err := e.gw.Quantity(ctx, sig.Pair, e.cfg.Strategy.CapitalPerTrade, refPrice)
	if err != nil {
		log.Printf("trade %s market fallback: %v", trade.ShortID(), err)
		return false
	}
	ack, err := e.gw.OpenShortMarket(ctx, sig.Pair, qty)
	if err != nil {
		log.Printf("trade %s market fallback: %v", trade.ShortID(), err)
		return false
	}

	e.mu.Lock()
	trade.EntryOrderID = ack.OrderID
	trade.EntryQuantity = qty
	trade.Touch()
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return true
	}
	e.byEntry[ack.OrderID] = trade.TradeID
	e.mu.Unlock()
	e.stream.RegisterEntry(ack.OrderID)
	e.emit(db.EventEntrySent, trade.TradeID, map[string]any{
		"orderId": ack.OrderID, "type": "MARKET", "qty": qty,
	})
	log.Printf("trade %s OPENING MARKET fallback: orderId=%d qty=%v", trade.ShortID(), ack.OrderID, qty)

	if e.waitFill(ctx, trade, ack.OrderID, marketFillTimeout) {
		return true
	}
	log.Printf("trade %s MARKET fallback: no fill within %v", trade.ShortID(), marketFillTimeout)
	e.dropEntryRegistration(ack.OrderID)
	return false
}

// waitFill blocks until the stream handler moves the trade out of OPENING,
// or the timeout elapses. The fill-wait channel wakes the loop early; the
// trade status under the lock is the source of truth.
func (e *Engine) waitFill(ctx context.Context, trade *db.Trade, orderID int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	fillCh := e.stream.FillWait(orderID)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		status := trade.Status
		e.mu.Unlock()
		switch status {
		case db.StatusOpen:
			return true
		case db.StatusOpening:
		default:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-fillCh:
			// Handler is running; keep polling the status. A nil channel
			// blocks in select, so subsequent iterations use the poll tick.
			fillCh = nil
		case <-time.After(fillPollInterval):
		}
	}
	return false
}

func (e *Engine) dropEntryRegistration(orderID int64) {
	e.stream.Unregister(orderID)
	e.mu.Lock()
	delete(e.byEntry, orderID)
	e.mu.Unlock()
}

// abortOpening is the shutdown cleanup of an opening task: cancel the resting
// order and persist NOT_EXECUTED. It runs on a fresh context so cancellation
// cannot interrupt it.
func (e *Engine) abortOpening(trade *db.Trade) {
	e.mu.Lock()
	orderID := trade.EntryOrderID
	status := trade.Status
	e.mu.Unlock()
	if status != db.StatusOpening && status != db.StatusSignalReceived {
		return
	}
	log.Printf("trade %s opening cancelled (shutdown)", trade.ShortID())

	if orderID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupGracePeriod)
		if err := e.gw.Cancel(ctx, trade.Pair, orderID); err != nil {
			log.Printf("trade %s shutdown cancel %d: %v", trade.ShortID(), orderID, err)
		}
		cancel()
		e.dropEntryRegistration(orderID)
	}

	e.mu.Lock()
	trade.Status = db.StatusNotExecuted
	trade.Touch()
	e.saveLocked(trade)
	delete(e.trades, trade.TradeID)
	e.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
