package db

import (
	"time"

	"github.com/google/uuid"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusSignalReceived TradeStatus = "signal_received"
	StatusOpening        TradeStatus = "opening"
	StatusNotExecuted    TradeStatus = "not_executed"
	StatusOpen           TradeStatus = "open"
	StatusClosing        TradeStatus = "closing"
	StatusClosed         TradeStatus = "closed"
	StatusError          TradeStatus = "error"
)

// Terminal reports whether the status can never transition again.
func (s TradeStatus) Terminal() bool {
	return s == StatusClosed || s == StatusNotExecuted || s == StatusError
}

// ExitType records how a position was unwound.
type ExitType string

const (
	ExitTP      ExitType = "tp"
	ExitSL      ExitType = "sl"
	ExitTimeout ExitType = "timeout"
	ExitManual  ExitType = "manual"
)

// EventType enumerates the audit-trail event kinds.
type EventType string

const (
	EventSignal       EventType = "signal"
	EventEntrySent    EventType = "entry_sent"
	EventEntryFill    EventType = "entry_fill"
	EventTPPlaced     EventType = "tp_placed"
	EventSLPlaced     EventType = "sl_placed"
	EventTPFill       EventType = "tp_fill"
	EventSLFill       EventType = "sl_fill"
	EventSLTriggered  EventType = "sl_triggered"
	EventTimeout      EventType = "timeout"
	EventCancel       EventType = "cancel"
	EventError        EventType = "error"
	EventWSConnect    EventType = "ws_connect"
	EventWSDisconnect EventType = "ws_disconnect"
	EventStartup      EventType = "startup"
	EventShutdown     EventType = "shutdown"
)

// Trade is the full lifecycle record of one short position.
type Trade struct {
	TradeID    string         `json:"trade_id"`
	Pair       string         `json:"pair"`
	SignalTS   string         `json:"signal_ts"`
	SignalData map[string]any `json:"signal_data"`

	EntryOrderID  int64     `json:"entry_order_id"`
	EntryPrice    float64   `json:"entry_price"`
	EntryQuantity float64   `json:"entry_quantity"`
	EntryFillTS   time.Time `json:"entry_fill_ts"`

	TPOrderID      int64   `json:"tp_order_id"`
	SLOrderID      int64   `json:"sl_order_id"`
	TPPrice        float64 `json:"tp_price"`
	TPTriggerPrice float64 `json:"tp_trigger_price"`
	SLTriggerPrice float64 `json:"sl_trigger_price"`

	ExitPrice  float64   `json:"exit_price"`
	ExitFillTS time.Time `json:"exit_fill_ts"`
	ExitType   ExitType  `json:"exit_type"`
	PnLUSDT    float64   `json:"pnl_usdt"`
	PnLPct     float64   `json:"pnl_pct"`
	FeesUSDT   float64   `json:"fees_usdt"`

	Status       TradeStatus `json:"status"`
	ErrorMessage string      `json:"error_message"`
	Reconciled   bool        `json:"reconciled"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewTrade creates a trade in SIGNAL_RECEIVED with a fresh id.
func NewTrade(pair, signalTS string, signalData map[string]any) *Trade {
	now := time.Now().UTC()
	return &Trade{
		TradeID:    uuid.NewString(),
		Pair:       pair,
		SignalTS:   signalTS,
		SignalData: signalData,
		Status:     StatusSignalReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Touch bumps the updated_at audit column.
func (t *Trade) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// ShortID is the abbreviated trade id used in logs.
func (t *Trade) ShortID() string {
	if len(t.TradeID) >= 8 {
		return t.TradeID[:8]
	}
	return t.TradeID
}

// Event is one append-only audit record.
type Event struct {
	EventID   int64          `json:"event_id"`
	TradeID   string         `json:"trade_id"`
	EventType EventType      `json:"event_type"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventType, tradeID string, details map[string]any) *Event {
	return &Event{
		TradeID:   tradeID,
		EventType: kind,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}
