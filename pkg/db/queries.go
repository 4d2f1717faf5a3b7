package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

const tradeColumns = `trade_id, pair, signal_ts, signal_data,
	entry_order_id, entry_price, entry_quantity, entry_fill_ts,
	tp_order_id, sl_order_id, tp_price, tp_trigger_price, sl_trigger_price,
	exit_price, exit_fill_ts, exit_type,
	pnl_usdt, pnl_pct, fees_usdt,
	status, error_message, reconciled, created_at, updated_at`

// SaveTrade upserts a trade by id. Durability is guaranteed when it returns.
func (s *Store) SaveTrade(ctx context.Context, t *Trade) error {
	signalJSON, err := json.Marshal(t.SignalData)
	if err != nil {
		return fmt.Errorf("marshal signal data: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trade_id) DO UPDATE SET
			pair = excluded.pair,
			signal_ts = excluded.signal_ts,
			signal_data = excluded.signal_data,
			entry_order_id = excluded.entry_order_id,
			entry_price = excluded.entry_price,
			entry_quantity = excluded.entry_quantity,
			entry_fill_ts = excluded.entry_fill_ts,
			tp_order_id = excluded.tp_order_id,
			sl_order_id = excluded.sl_order_id,
			tp_price = excluded.tp_price,
			tp_trigger_price = excluded.tp_trigger_price,
			sl_trigger_price = excluded.sl_trigger_price,
			exit_price = excluded.exit_price,
			exit_fill_ts = excluded.exit_fill_ts,
			exit_type = excluded.exit_type,
			pnl_usdt = excluded.pnl_usdt,
			pnl_pct = excluded.pnl_pct,
			fees_usdt = excluded.fees_usdt,
			status = excluded.status,
			error_message = excluded.error_message,
			reconciled = excluded.reconciled,
			updated_at = excluded.updated_at
	`,
		t.TradeID, t.Pair, t.SignalTS, string(signalJSON),
		t.EntryOrderID, t.EntryPrice, t.EntryQuantity, formatTime(t.EntryFillTS),
		t.TPOrderID, t.SLOrderID, t.TPPrice, t.TPTriggerPrice, t.SLTriggerPrice,
		t.ExitPrice, formatTime(t.ExitFillTS), string(t.ExitType),
		t.PnLUSDT, t.PnLPct, t.FeesUSDT,
		string(t.Status), t.ErrorMessage, t.Reconciled,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	return nil
}

// SaveEvent appends an event and assigns its monotonic id.
func (s *Store) SaveEvent(ctx context.Context, ev *Event) error {
	detailsJSON, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO events (trade_id, event_type, details, timestamp)
		VALUES (?,?,?,?)
	`, ev.TradeID, string(ev.EventType), string(detailsJSON), formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.EventType, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.EventID = id
	}
	return nil
}

// LoadActiveTrades returns all trades whose status is not terminal.
// Used at startup to seed reconciliation.
func (s *Store) LoadActiveTrades(ctx context.Context) ([]*Trade, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status NOT IN (?,?,?)
	`, string(StatusClosed), string(StatusNotExecuted), string(StatusError))
	if err != nil {
		return nil, fmt.Errorf("query active trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// LoadRecentClosed returns the latest terminal trades, newest first.
func (s *Store) LoadRecentClosed(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status IN (?,?,?)
		ORDER BY updated_at DESC LIMIT ?
	`, string(StatusClosed), string(StatusNotExecuted), string(StatusError), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent closed: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// LoadAllTrades returns trades newest first, up to limit.
func (s *Store) LoadAllTrades(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTrade fetches one trade by id; ErrNotFound when absent.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?
	`, tradeID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTradeEvents returns the events of one trade in emission order.
func (s *Store) GetTradeEvents(ctx context.Context, tradeID string) ([]*Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT event_id, trade_id, event_type, details, timestamp
		FROM events WHERE trade_id = ? ORDER BY event_id
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetLastEvents returns the newest events first, up to limit.
func (s *Store) GetLastEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT event_id, trade_id, event_type, details, timestamp
		FROM events ORDER BY event_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ----------------------------------------
// Scan helpers
// ----------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var (
		t                            Trade
		signalJSON, exitType, status string
		entryFillTS, exitFillTS      string
		createdAt, updatedAt         string
		signalTS, errorMessage       sql.NullString
	)
	err := row.Scan(
		&t.TradeID, &t.Pair, &signalTS, &signalJSON,
		&t.EntryOrderID, &t.EntryPrice, &t.EntryQuantity, &entryFillTS,
		&t.TPOrderID, &t.SLOrderID, &t.TPPrice, &t.TPTriggerPrice, &t.SLTriggerPrice,
		&t.ExitPrice, &exitFillTS, &exitType,
		&t.PnLUSDT, &t.PnLPct, &t.FeesUSDT,
		&status, &errorMessage, &t.Reconciled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.SignalTS = signalTS.String
	t.ErrorMessage = errorMessage.String
	t.ExitType = ExitType(exitType)
	t.Status = TradeStatus(status)
	t.EntryFillTS = parseTime(entryFillTS)
	t.ExitFillTS = parseTime(exitFillTS)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if signalJSON != "" {
		if err := json.Unmarshal([]byte(signalJSON), &t.SignalData); err != nil {
			return nil, fmt.Errorf("unmarshal signal data: %w", err)
		}
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			ev          Event
			kind        string
			detailsJSON string
			ts          string
			tradeID     sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &tradeID, &kind, &detailsJSON, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TradeID = tradeID.String
		ev.EventType = EventType(kind)
		ev.Timestamp = parseTime(ts)
		if detailsJSON != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
