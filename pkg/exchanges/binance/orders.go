package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
)

// Price-match book levels for maker entries. OPPONENT tracks the best
// opposite level; OPPONENT_5 the fifth, a more conservative queue position.
const (
	PriceMatchOpponent  = "OPPONENT"
	PriceMatchOpponent5 = "OPPONENT_5"
)

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func decodeAck(body []byte) (OrderAck, error) {
	var raw struct {
		OrderID      int64  `json:"orderId"`
		AlgoID       int64  `json:"algoId"`
		Status       string `json:"status"`
		AvgPrice     string `json:"avgPrice"`
		Price        string `json:"price"`
		TriggerPrice string `json:"triggerPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	id := raw.OrderID
	if id == 0 {
		id = raw.AlgoID
	}
	avg := toFloat(raw.AvgPrice)
	if avg == 0 {
		avg = toFloat(raw.Price)
	}
	return OrderAck{
		OrderID:      id,
		Status:       raw.Status,
		AvgPrice:     avg,
		TriggerPrice: toFloat(raw.TriggerPrice),
	}, nil
}

// OpenShortMaker submits a SELL LIMIT anchored at the named opposite book
// level (priceMatch). With GTC + priceMatch Binance re-prices the order as
// the book moves, so no explicit price is sent.
func (c *Client) OpenShortMaker(ctx context.Context, symbol string, qty float64, priceMatch string) (OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "SELL")
	params.Set("positionSide", "BOTH")
	params.Set("type", "LIMIT")
	params.Set("quantity", formatQty(qty))
	params.Set("timeInForce", "GTC")
	params.Set("priceMatch", priceMatch)

	body, err := c.post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	return decodeAck(body)
}

// OpenShortMarket is the taker fallback entry.
func (c *Client) OpenShortMarket(ctx context.Context, symbol string, qty float64) (OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "SELL")
	params.Set("positionSide", "BOTH")
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(qty))

	body, err := c.post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	return decodeAck(body)
}

// PlaceTP places the server-side take-profit for a short: a conditional
// TAKE_PROFIT that triggers when mark price falls to
// entry*(1-tp_pct/100) and executes price-matched to the opposite BBO.
// The order lives on Binance and survives process restarts.
func (c *Client) PlaceTP(ctx context.Context, symbol string, qty, entryPrice float64) (OrderAck, error) {
	info, err := c.SymbolInfo(ctx, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	trigger := RoundPrice(entryPrice*(1-c.cfg.TPPct/100), info.TickSize)
	priceMatch := c.cfg.TPPriceMatch
	if priceMatch == "" {
		priceMatch = PriceMatchOpponent
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "TAKE_PROFIT")
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", formatQty(qty))
	params.Set("triggerPrice", formatPrice(trigger))
	params.Set("priceMatch", priceMatch)
	params.Set("timeInForce", "GTC")
	params.Set("workingType", "MARK_PRICE")
	params.Set("reduceOnly", "true")
	params.Set("priceProtect", "true")

	body, err := c.post(ctx, "/fapi/v1/algoOrder", params)
	if err != nil {
		return OrderAck{}, err
	}
	ack, err := decodeAck(body)
	if err != nil {
		return OrderAck{}, err
	}
	if ack.TriggerPrice == 0 {
		ack.TriggerPrice = trigger
	}
	return ack, nil
}

// PlaceSL places the server-side stop for a short: a conditional
// STOP_MARKET triggering against mark price at entry*(1+sl_pct/100).
// A -2021 APIError means mark price already crossed the trigger; the
// caller must close at market immediately.
func (c *Client) PlaceSL(ctx context.Context, symbol string, qty, entryPrice float64) (OrderAck, error) {
	info, err := c.SymbolInfo(ctx, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	trigger := RoundPrice(entryPrice*(1+c.cfg.SLPct/100), info.TickSize)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "STOP_MARKET")
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", formatQty(qty))
	params.Set("triggerPrice", formatPrice(trigger))
	params.Set("workingType", "MARK_PRICE")
	params.Set("reduceOnly", "true")
	params.Set("priceProtect", "true")

	body, err := c.post(ctx, "/fapi/v1/algoOrder", params)
	if err != nil {
		return OrderAck{}, err
	}
	ack, err := decodeAck(body)
	if err != nil {
		return OrderAck{}, err
	}
	if ack.TriggerPrice == 0 {
		ack.TriggerPrice = trigger
	}
	return ack, nil
}

// CloseLimit submits a reduce-only BUY LIMIT at price to unwind a short.
func (c *Client) CloseLimit(ctx context.Context, symbol string, qty, price float64) (OrderAck, error) {
	info, err := c.SymbolInfo(ctx, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", formatQty(qty))
	params.Set("price", formatPrice(RoundPrice(price, info.TickSize)))
	params.Set("reduceOnly", "true")

	body, err := c.post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	return decodeAck(body)
}

// CloseBBO submits a reduce-only BUY LIMIT tracking the best opposite level.
func (c *Client) CloseBBO(ctx context.Context, symbol string, qty float64) (OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("priceMatch", PriceMatchOpponent)
	params.Set("quantity", formatQty(qty))
	params.Set("reduceOnly", "true")

	body, err := c.post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	return decodeAck(body)
}

// CloseMarket is the last-resort reduce-only BUY MARKET.
func (c *Client) CloseMarket(ctx context.Context, symbol string, qty float64) (OrderAck, error) {
	log.Printf("[CLOSE_MARKET] %s qty=%v", symbol, qty)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(qty))
	params.Set("reduceOnly", "true")

	body, err := c.post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	return decodeAck(body)
}

// Cancel cancels an order. When the regular endpoint answers -2011 the id
// belongs to the algo namespace, so the cancel is retried there.
func (c *Client) Cancel(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.delete(ctx, "/fapi/v1/order", params)
	if IsCode(err, CodeUnknownOrder) {
		algoParams := url.Values{}
		algoParams.Set("symbol", symbol)
		algoParams.Set("algoId", strconv.FormatInt(orderID, 10))
		_, err = c.delete(ctx, "/fapi/v1/algoOrder", algoParams)
	}
	return err
}
