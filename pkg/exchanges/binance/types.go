package binance

import (
	"errors"
	"fmt"
)

// Well-known Binance futures error codes the agent reacts to.
const (
	CodeUnknownOrder   = -2011 // cancel on the regular endpoint, order lives in the algo namespace
	CodeTriggerCrossed = -2021 // conditional order would trigger immediately
	CodeMarginNoChange = -4046 // margin type already set
)

// APIError is a Binance-reported failure with its numeric code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// SymbolInfo holds the per-pair trading filters, cached after first fetch.
type SymbolInfo struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	OrderID      int64
	Status       string
	AvgPrice     float64
	TriggerPrice float64
}

// Order is the REST view of an order returned by order queries.
type Order struct {
	OrderID  int64  `json:"orderId"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	AvgPrice string `json:"avgPrice"`
	Price    string `json:"price"`
}

// Position is one non-flat entry of the position-risk endpoint.
type Position struct {
	Symbol      string
	PositionAmt float64
	EntryPrice  float64
}

// OrderUpdate is a typed ORDER_TRADE_UPDATE payload from the user stream.
type OrderUpdate struct {
	OrderID   int64
	Symbol    string
	Side      string
	ExecType  string
	Status    string
	Qty       float64
	AvgPrice  float64
	LastPrice float64
}

// FillPrice prefers the average price and falls back to the last price.
func (u OrderUpdate) FillPrice() float64 {
	if u.AvgPrice > 0 {
		return u.AvgPrice
	}
	return u.LastPrice
}
