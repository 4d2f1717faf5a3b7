package engine

import (
	"context"
	"log"
	"math"
	"time"

	"short-trader/pkg/db"
	"short-trader/pkg/exchanges/binance"
)

const gatewayCallTimeout = 15 * time.Second

// feeRate approximates maker commission on both legs.
const feeRate = 0.0004

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), gatewayCallTimeout)
}

// OnEntryFill promotes the trade to OPEN and places both protective legs.
func (e *Engine) OnEntryFill(update binance.OrderUpdate) {
	e.mu.Lock()
	tradeID, ok := e.byEntry[update.OrderID]
	if !ok {
		e.mu.Unlock()
		log.Printf("entry fill: no trade for orderId=%d", update.OrderID)
		return
	}
	delete(e.byEntry, update.OrderID)
	trade, ok := e.trades[tradeID]
	if !ok {
		e.mu.Unlock()
		return
	}
	trade.EntryPrice = update.FillPrice()
	trade.EntryFillTS = time.Now().UTC()
	trade.Status = db.StatusOpen
	trade.Touch()
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.emit(db.EventEntryFill, tradeID, map[string]any{
		"orderId": update.OrderID, "price": trade.EntryPrice, "qty": trade.EntryQuantity,
	})
	log.Printf("trade %s OPEN: entry filled at %v qty=%v", trade.ShortID(), trade.EntryPrice, trade.EntryQuantity)

	e.placeProtection(trade)
}

// placeProtection places TP then SL. With one leg live and the other failed
// the trade stays OPEN partially protected and an operator alert is emitted;
// only both legs failing marks the trade ERROR.
func (e *Engine) placeProtection(trade *db.Trade) {
	tpErr := e.placeTP(trade)
	slErr := e.placeSL(trade)

	e.mu.Lock()
	status := trade.Status
	e.mu.Unlock()
	if status != db.StatusOpen {
		return // the SL-already-crossed path closed it
	}

	switch {
	case tpErr != nil && slErr != nil:
		e.mu.Lock()
		trade.Status = db.StatusError
		trade.ErrorMessage = "protection placement failed: " + tpErr.Error() + "; " + slErr.Error()
		trade.Touch()
		e.saveLocked(trade)
		delete(e.trades, trade.TradeID)
		e.mu.Unlock()
		e.emit(db.EventError, trade.TradeID, map[string]any{
			"msg": "position OPEN without protection -> operator action required",
		})
	case tpErr != nil || slErr != nil:
		leg := "tp"
		if slErr != nil {
			leg = "sl"
		}
		e.emit(db.EventError, trade.TradeID, map[string]any{
			"msg": "position only partially protected (" + leg + " leg missing) -> operator action required",
		})
	}
}

func (e *Engine) placeTP(trade *db.Trade) error {
	ctx, cancel := opCtx()
	defer cancel()
	ack, err := e.gw.PlaceTP(ctx, trade.Pair, trade.EntryQuantity, trade.EntryPrice)
	if err != nil {
		log.Printf("trade %s TP placement: %v", trade.ShortID(), err)
		e.emit(db.EventError, trade.TradeID, map[string]any{"msg": "TP error: " + err.Error()})
		return err
	}

	e.mu.Lock()
	trade.TPOrderID = ack.OrderID
	trade.TPTriggerPrice = ack.TriggerPrice
	// Execution price is BBO-matched at trigger time; the trigger level is
	// the best estimate until the fill reports the real price.
	trade.TPPrice = ack.TriggerPrice
	trade.Touch()
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return nil
	}
	e.byTP[ack.OrderID] = trade.TradeID
	e.mu.Unlock()
	e.stream.RegisterTP(ack.OrderID)
	e.emit(db.EventTPPlaced, trade.TradeID, map[string]any{
		"orderId": ack.OrderID, "stopPrice": ack.TriggerPrice,
	})
	log.Printf("trade %s TP placed: algoId=%d stopPrice=%v", trade.ShortID(), ack.OrderID, ack.TriggerPrice)
	return nil
}

// placeSL places the conditional stop. A -2021 answer means mark price
// already crossed the trigger during the round-trip: the position is closed
// at market immediately, the TP cancelled, and the exit recorded as SL.
func (e *Engine) placeSL(trade *db.Trade) error {
	ctx, cancel := opCtx()
	defer cancel()
	ack, err := e.gw.PlaceSL(ctx, trade.Pair, trade.EntryQuantity, trade.EntryPrice)
	if err == nil {
		e.mu.Lock()
		trade.SLOrderID = ack.OrderID
		trade.SLTriggerPrice = ack.TriggerPrice
		trade.Touch()
		if !e.saveLocked(trade) {
			e.mu.Unlock()
			return nil
		}
		e.bySL[ack.OrderID] = trade.TradeID
		e.mu.Unlock()
		e.stream.RegisterSL(ack.OrderID)
		e.emit(db.EventSLPlaced, trade.TradeID, map[string]any{
			"orderId": ack.OrderID, "stopPrice": ack.TriggerPrice,
		})
		log.Printf("trade %s SL placed: algoId=%d stopPrice=%v", trade.ShortID(), ack.OrderID, ack.TriggerPrice)
		return nil
	}

	if binance.IsCode(err, binance.CodeTriggerCrossed) {
		log.Printf("trade %s %s: SL trigger already crossed, closing at market", trade.ShortID(), trade.Pair)
		e.emit(db.EventSLTriggered, trade.TradeID, map[string]any{"msg": "SL trigger already crossed on placement"})

		closeCtx, closeCancel := opCtx()
		defer closeCancel()
		result, closeErr := e.gw.CloseMarket(closeCtx, trade.Pair, trade.EntryQuantity)
		if closeErr != nil {
			log.Printf("trade %s market close after -2021: %v", trade.ShortID(), closeErr)
			e.emit(db.EventError, trade.TradeID, map[string]any{"msg": "SL -2021 close error: " + closeErr.Error()})
			return closeErr
		}
		if result.AvgPrice == 0 {
			log.Printf("trade %s: market close reported no avgPrice, PnL not computable", trade.ShortID())
		}

		e.mu.Lock()
		trade.Status = db.StatusClosing
		trade.ExitPrice = result.AvgPrice
		trade.ExitFillTS = time.Now().UTC()
		trade.ExitType = db.ExitSL
		e.mu.Unlock()
		e.cancelCounterpart(trade, db.ExitTP)
		e.closeTrade(trade)
		return nil
	}

	log.Printf("trade %s SL placement: %v", trade.ShortID(), err)
	e.emit(db.EventError, trade.TradeID, map[string]any{"msg": "SL error: " + err.Error()})
	return err
}

// OnTPFill finalises the trade after the take-profit executed server-side.
func (e *Engine) OnTPFill(update binance.OrderUpdate) {
	e.onProtectionFill(update, db.ExitTP)
}

// OnSLFill finalises the trade after the stop executed server-side.
func (e *Engine) OnSLFill(update binance.OrderUpdate) {
	e.onProtectionFill(update, db.ExitSL)
}

func (e *Engine) onProtectionFill(update binance.OrderUpdate, exit db.ExitType) {
	e.mu.Lock()
	var tradeID string
	var ok bool
	if exit == db.ExitTP {
		tradeID, ok = e.byTP[update.OrderID]
		delete(e.byTP, update.OrderID)
	} else {
		tradeID, ok = e.bySL[update.OrderID]
		delete(e.bySL, update.OrderID)
	}
	if !ok {
		e.mu.Unlock()
		return
	}
	trade, ok := e.trades[tradeID]
	if !ok || (trade.Status != db.StatusOpen && trade.Status != db.StatusClosing) {
		// Late or duplicate fill for an already-closed trade: no-op.
		e.mu.Unlock()
		return
	}
	trade.Status = db.StatusClosing
	trade.ExitPrice = update.FillPrice()
	trade.ExitFillTS = time.Now().UTC()
	trade.ExitType = exit
	trade.Touch()
	if !e.saveLocked(trade) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if exit == db.ExitTP {
		e.emit(db.EventTPFill, tradeID, map[string]any{"orderId": update.OrderID, "price": trade.ExitPrice})
		log.Printf("trade %s TP filled at %v", trade.ShortID(), trade.ExitPrice)
		e.cancelCounterpart(trade, db.ExitSL)
	} else {
		e.emit(db.EventSLFill, tradeID, map[string]any{"orderId": update.OrderID, "price": trade.ExitPrice})
		log.Printf("trade %s SL filled at %v", trade.ShortID(), trade.ExitPrice)
		e.cancelCounterpart(trade, db.ExitTP)
	}
	e.closeTrade(trade)
}

// cancelCounterpart cancels the surviving protective leg; an unknown-order
// answer is tolerated (the leg may have been consumed already).
func (e *Engine) cancelCounterpart(trade *db.Trade, which db.ExitType) {
	e.mu.Lock()
	var orderID int64
	if which == db.ExitTP {
		orderID = trade.TPOrderID
		delete(e.byTP, orderID)
	} else {
		orderID = trade.SLOrderID
		delete(e.bySL, orderID)
	}
	e.mu.Unlock()
	if orderID == 0 {
		return
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := e.gw.Cancel(ctx, trade.Pair, orderID); err != nil {
		log.Printf("trade %s cancel %s %d: %v", trade.ShortID(), which, orderID, err)
	} else {
		log.Printf("trade %s %s cancelled (orderId=%d)", trade.ShortID(), which, orderID)
	}
	e.stream.Unregister(orderID)
}

// closeTrade computes the result and moves the trade to CLOSED. PnL is only
// persisted when entry, exit and quantity are all known (SHORT arithmetic).
func (e *Engine) closeTrade(trade *db.Trade) {
	e.mu.Lock()
	if trade.EntryPrice > 0 && trade.ExitPrice > 0 && trade.EntryQuantity > 0 {
		trade.PnLPct = round4((trade.EntryPrice - trade.ExitPrice) / trade.EntryPrice * 100)
		trade.PnLUSDT = round4((trade.EntryPrice - trade.ExitPrice) * trade.EntryQuantity)
		trade.FeesUSDT = round4((trade.EntryPrice + trade.ExitPrice) * trade.EntryQuantity * feeRate)
	}
	trade.Status = db.StatusClosed
	trade.Touch()
	e.saveLocked(trade)
	delete(e.trades, trade.TradeID)
	pnlU, pnlP := trade.PnLUSDT, trade.PnLPct
	e.mu.Unlock()

	log.Printf("trade %s CLOSED [%s] %s PnL=%+.4f USDT (%+.2f%%)",
		trade.ShortID(), trade.ExitType, trade.Pair, pnlU, pnlP)
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
