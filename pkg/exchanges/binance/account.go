package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
)

// Balance returns the available USDT balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	body, err := c.get(ctx, "/fapi/v2/balance", nil, true)
	if err != nil {
		return 0, err
	}
	var assets []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &assets); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, a := range assets {
		if a.Asset == "USDT" {
			return toFloat(a.AvailableBalance), nil
		}
	}
	return 0, nil
}

// SymbolInfo returns the trading filters for a pair, cached per symbol.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	c.infoMu.Lock()
	if info, ok := c.infoCache[symbol]; ok {
		c.infoMu.Unlock()
		return info, nil
	}
	c.infoMu.Unlock()

	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return SymbolInfo{}, err
	}
	var payload struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return SymbolInfo{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range payload.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info := SymbolInfo{TickSize: 0.0001, StepSize: 0.001, MinQty: 0.001, MinNotional: 5}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.TickSize = toFloat(f.TickSize)
			case "LOT_SIZE":
				info.StepSize = toFloat(f.StepSize)
				info.MinQty = toFloat(f.MinQty)
			case "MIN_NOTIONAL":
				info.MinNotional = toFloat(f.Notional)
			}
		}
		c.infoMu.Lock()
		c.infoCache[symbol] = info
		c.infoMu.Unlock()
		return info, nil
	}
	return SymbolInfo{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// Quantity computes the tradable quantity for the given capital at price,
// honoring the pair's step/min filters.
func (c *Client) Quantity(ctx context.Context, symbol string, capital, price float64) (float64, error) {
	info, err := c.SymbolInfo(ctx, symbol)
	if err != nil {
		return 0, err
	}
	qty, err := QuantityFor(capital, price, info)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", symbol, err)
	}
	return qty, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.post(ctx, "/fapi/v1/leverage", params)
	return err
}

// SetMarginTypeIsolated switches the symbol to ISOLATED margin. Binance
// answers -4046 when nothing needs to change; that is success.
func (c *Client) SetMarginTypeIsolated(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", "ISOLATED")
	_, err := c.post(ctx, "/fapi/v1/marginType", params)
	if IsCode(err, CodeMarginNoChange) {
		return nil
	}
	return err
}

// BestBid returns the top-of-book bid price.
func (c *Client) BestBid(ctx context.Context, symbol string) (float64, error) {
	bid, _, err := c.bookTicker(ctx, symbol)
	return bid, err
}

// BestAsk returns the top-of-book ask price.
func (c *Client) BestAsk(ctx context.Context, symbol string) (float64, error) {
	_, ask, err := c.bookTicker(ctx, symbol)
	return ask, err
}

func (c *Client) bookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/fapi/v1/ticker/bookTicker", params, false)
	if err != nil {
		return 0, 0, err
	}
	var payload struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, fmt.Errorf("decode book ticker: %w", err)
	}
	return toFloat(payload.BidPrice), toFloat(payload.AskPrice), nil
}

// MarkPrice returns the funding/liquidation reference price.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	var payload struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	return toFloat(payload.MarkPrice), nil
}

// Positions returns all non-flat positions on the account.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	body, err := c.get(ctx, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []Position
	for _, p := range raw {
		amt := toFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, Position{Symbol: p.Symbol, PositionAmt: amt, EntryPrice: toFloat(p.EntryPrice)})
	}
	return out, nil
}

// OpenOrders returns the open regular orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// OpenAlgoOrders returns the open conditional orders for a symbol, with
// algoId normalized onto OrderID. Request errors degrade to an empty list
// since an account without algo migration simply has none; a response body
// that cannot be decoded is returned as an error.
func (c *Client) OpenAlgoOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/fapi/v1/openAlgoOrders", params, true)
	if err != nil {
		log.Printf("open algo orders %s: %v", symbol, err)
		return nil, nil
	}
	return decodeAlgoOrders(body)
}

func decodeAlgoOrders(body []byte) ([]Order, error) {
	var raw []struct {
		OrderID int64  `json:"orderId"`
		AlgoID  int64  `json:"algoId"`
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		var wrapped struct {
			Orders json.RawMessage `json:"orders"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil || wrapped.Orders == nil {
			return nil, fmt.Errorf("decode algo orders: %w", err)
		}
		if err2 := json.Unmarshal(wrapped.Orders, &raw); err2 != nil {
			return nil, fmt.Errorf("decode algo orders: %w", err2)
		}
	}
	var out []Order
	for _, o := range raw {
		id := o.OrderID
		if id == 0 {
			id = o.AlgoID
		}
		out = append(out, Order{OrderID: id, Symbol: o.Symbol, Status: o.Status})
	}
	return out, nil
}

// GetOrder queries one order by id.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.get(ctx, "/fapi/v1/order", params, true)
	if err != nil {
		return Order{}, err
	}
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	return o, nil
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
