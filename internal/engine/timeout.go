package engine

import (
	"log"
	"strconv"
	"strings"
	"time"

	"short-trader/pkg/db"
	"short-trader/pkg/exchanges/binance"
)

const (
	sweepInterval     = time.Minute
	closePollInterval = 2 * time.Second
)

// timeoutLoop sweeps OPEN trades every minute and spawns a close task for
// each one past the configured holding time.
func (e *Engine) timeoutLoop() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.tasksCtx.Done():
			return
		case <-ticker.C:
			e.checkTimeouts()
		}
	}
}

func (e *Engine) checkTimeouts() {
	maxAge := time.Duration(e.cfg.Strategy.TimeoutHours * float64(time.Hour))
	now := time.Now().UTC()

	e.mu.Lock()
	var expired []*db.Trade
	for _, t := range e.trades {
		if t.Status != db.StatusOpen || t.EntryFillTS.IsZero() {
			continue
		}
		if now.Sub(t.EntryFillTS) >= maxAge {
			expired = append(expired, t)
		}
	}
	e.mu.Unlock()

	for _, trade := range expired {
		log.Printf("trade %s TIMEOUT: open since %s", trade.ShortID(), trade.EntryFillTS.Format(time.RFC3339))
		e.emit(db.EventTimeout, trade.TradeID, map[string]any{
			"open_since": trade.EntryFillTS.Format(time.RFC3339),
			"hours":      now.Sub(trade.EntryFillTS).Hours(),
		})
		e.tasks.Add(1)
		go func(t *db.Trade) {
			defer e.tasks.Done()
			e.closeByTimeout(t)
		}(trade)
	}
}

// closeByTimeout cancels both protective legs, then unwinds the position
// with the configured order type: BBO or LIMIT first with a polling window,
// falling back to MARKET when allowed. A failed market close is fatal for
// the trade. The task runs to completion even during shutdown.
func (e *Engine) closeByTimeout(trade *db.Trade) {
	e.mu.Lock()
	if trade.Status != db.StatusOpen {
		e.mu.Unlock()
		return
	}
	trade.Status = db.StatusClosing
	trade.Touch()
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return
	}
	qty := trade.EntryQuantity
	e.mu.Unlock()

	e.cancelCounterpart(trade, db.ExitTP)
	e.cancelCounterpart(trade, db.ExitSL)

	if qty == 0 {
		log.Printf("trade %s: no quantity to close on timeout", trade.ShortID())
		return
	}

	orderType := strings.ToUpper(e.cfg.Exit.TimeoutOrderType)
	chaseWindow := time.Duration(e.cfg.Exit.TimeoutChaseSeconds * float64(time.Second))

	if orderType != "MARKET" {
		if filledPrice, ok := e.timeoutLimitClose(trade, qty, orderType, chaseWindow); ok {
			e.mu.Lock()
			trade.ExitPrice = filledPrice
			trade.ExitFillTS = time.Now().UTC()
			trade.ExitType = db.ExitTimeout
			e.mu.Unlock()
			e.closeTrade(trade)
			return
		}
	}

	if orderType == "MARKET" || e.cfg.Exit.TimeoutMarketFallback {
		ctx, cancel := opCtx()
		defer cancel()
		result, err := e.gw.CloseMarket(ctx, trade.Pair, qty)
		if err != nil {
			log.Printf("trade %s timeout market close: %v", trade.ShortID(), err)
			e.mu.Lock()
			trade.Status = db.StatusError
			trade.ErrorMessage = "timeout close failed: " + err.Error()
			trade.Touch()
			e.saveLocked(trade)
			delete(e.trades, trade.TradeID)
			e.mu.Unlock()
			e.emit(db.EventError, trade.TradeID, map[string]any{"msg": "timeout close failed: " + err.Error()})
			return
		}
		e.mu.Lock()
		trade.ExitPrice = result.AvgPrice
		trade.ExitFillTS = time.Now().UTC()
		trade.ExitType = db.ExitTimeout
		e.mu.Unlock()
		e.closeTrade(trade)
	}
}

// timeoutLimitClose submits a BBO or LIMIT close and polls for its fill.
// Returns the fill price, or cancels the order and reports false.
func (e *Engine) timeoutLimitClose(trade *db.Trade, qty float64, orderType string, window time.Duration) (float64, bool) {
	ctx, cancel := opCtx()
	defer cancel()

	var (
		orderID int64
		err     error
	)
	if orderType == "BBO" {
		ack, bboErr := e.gw.CloseBBO(ctx, trade.Pair, qty)
		orderID, err = ack.OrderID, bboErr
		if err == nil {
			log.Printf("trade %s timeout BBO close orderId=%d", trade.ShortID(), orderID)
		}
	} else {
		var ask float64
		ask, err = e.gw.BestAsk(ctx, trade.Pair)
		if err == nil {
			var ack binance.OrderAck
			ack, err = e.gw.CloseLimit(ctx, trade.Pair, qty, ask)
			orderID = ack.OrderID
			if err == nil {
				log.Printf("trade %s timeout limit close orderId=%d price=%v", trade.ShortID(), orderID, ask)
			}
		}
	}
	if err != nil {
		log.Printf("trade %s timeout %s close: %v", trade.ShortID(), orderType, err)
		return 0, false
	}

	if price, ok := e.waitCloseFill(trade.Pair, orderID, window); ok {
		return price, true
	}

	cancelCtx, cancelFn := opCtx()
	defer cancelFn()
	if err := e.gw.Cancel(cancelCtx, trade.Pair, orderID); err != nil {
		log.Printf("trade %s cancel timeout close %d: %v", trade.ShortID(), orderID, err)
	}
	return 0, false
}

// waitCloseFill polls the order every 2s until it reports FILLED or the
// window elapses.
func (e *Engine) waitCloseFill(symbol string, orderID int64, window time.Duration) (float64, bool) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		time.Sleep(closePollInterval)
		ctx, cancel := opCtx()
		order, err := e.gw.GetOrder(ctx, symbol, orderID)
		cancel()
		if err != nil {
			log.Printf("poll close fill %d: %v", orderID, err)
			continue
		}
		if order.Status == "FILLED" {
			price := parsePrice(order.AvgPrice)
			if price == 0 {
				price = parsePrice(order.Price)
			}
			return price, true
		}
	}
	return 0, false
}

func parsePrice(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
