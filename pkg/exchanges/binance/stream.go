package binance

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const keepAliveInterval = 25 * time.Minute // listen keys expire after 60

// FillHandler consumes one FILLED order update from the user stream.
type FillHandler func(OrderUpdate)

// UserStream reads the futures user-data stream and demultiplexes FILLED
// updates to the entry/TP/SL handler for which the order id was registered.
// An id is delivered to at most one handler and unregistered on dispatch.
// The connection reconnects with exponential backoff, acquiring a fresh
// listen key each time.
type UserStream struct {
	client *Client

	onEntryFill  FillHandler
	onTPFill     FillHandler
	onSLFill     FillHandler
	onConnect    func()
	onDisconnect func(err error)

	mu          sync.Mutex
	entryIDs    map[int64]struct{}
	tpIDs       map[int64]struct{}
	slIDs       map[int64]struct{}
	fillWaiters map[int64]chan struct{}
	listenKey   string

	connected atomic.Bool
	done      chan struct{}
}

// NewUserStream creates a stream bound to the client's credentials.
func NewUserStream(client *Client) *UserStream {
	return &UserStream{
		client:      client,
		entryIDs:    make(map[int64]struct{}),
		tpIDs:       make(map[int64]struct{}),
		slIDs:       make(map[int64]struct{}),
		fillWaiters: make(map[int64]chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetFillHandlers wires the engine callbacks. Must be called before Start.
func (s *UserStream) SetFillHandlers(entry, tp, sl FillHandler) {
	s.onEntryFill = entry
	s.onTPFill = tp
	s.onSLFill = sl
}

// SetConnectionHooks wires observers for connect/disconnect transitions.
func (s *UserStream) SetConnectionHooks(onConnect func(), onDisconnect func(err error)) {
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
}

// RegisterEntry watches an entry order id.
func (s *UserStream) RegisterEntry(orderID int64) { s.register(s.entryIDs, orderID) }

// RegisterTP watches a take-profit order id.
func (s *UserStream) RegisterTP(orderID int64) { s.register(s.tpIDs, orderID) }

// RegisterSL watches a stop-loss order id.
func (s *UserStream) RegisterSL(orderID int64) { s.register(s.slIDs, orderID) }

func (s *UserStream) register(set map[int64]struct{}, orderID int64) {
	s.mu.Lock()
	set[orderID] = struct{}{}
	s.mu.Unlock()
}

// Unregister removes an id from every set and drops its fill waiter.
func (s *UserStream) Unregister(orderID int64) {
	s.mu.Lock()
	delete(s.entryIDs, orderID)
	delete(s.tpIDs, orderID)
	delete(s.slIDs, orderID)
	delete(s.fillWaiters, orderID)
	s.mu.Unlock()
}

// FillWait returns a channel closed when orderID reports FILLED. The entry
// wait loop selects on it to wake before its next poll tick.
func (s *UserStream) FillWait(orderID int64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.fillWaiters[orderID]; ok {
		return ch
	}
	ch := make(chan struct{})
	s.fillWaiters[orderID] = ch
	return ch
}

// Connected reports whether the stream currently holds a live connection.
func (s *UserStream) Connected() bool {
	return s.connected.Load()
}

// Start runs the reconnect loop until ctx is cancelled.
func (s *UserStream) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		backoff := time.Second
		for {
			err := s.connectOnce(ctx)
			if s.connected.Load() {
				backoff = time.Second // the last connection was established
			}
			s.connected.Store(false)
			if ctx.Err() != nil {
				return
			}
			if s.onDisconnect != nil {
				s.onDisconnect(err)
			}
			log.Printf("user stream disconnected: %v; reconnecting in %v", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}
	}()
}

// Stop waits for the reader to exit and releases the listen key.
func (s *UserStream) Stop() {
	<-s.done
	s.mu.Lock()
	key := s.listenKey
	s.listenKey = ""
	s.mu.Unlock()
	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.CloseListenKey(ctx, key); err != nil {
			log.Printf("close listen key: %v", err)
		}
	}
}

func (s *UserStream) connectOnce(ctx context.Context) error {
	key, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listenKey = key
	s.mu.Unlock()

	u := url.URL{}
	base, err := url.Parse(s.client.cfg.WSBaseURL)
	if err != nil {
		return err
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	u.Path = "/ws/" + key

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.connected.Store(true)
	log.Printf("user stream connected")
	if s.onConnect != nil {
		s.onConnect()
	}

	// Keepalive for this connection's listen key.
	kaCtx, kaCancel := context.WithCancel(ctx)
	defer kaCancel()
	go s.keepAliveLoop(kaCtx, key)

	// Unblock the reader on shutdown.
	go func() {
		<-kaCtx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *UserStream) keepAliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx, key); err != nil {
				log.Printf("listen key keepalive: %v", err)
			}
		}
	}
}

func (s *UserStream) handleMessage(msg []byte) {
	var wrap struct {
		EventType string `json:"e"`
		Order     struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			ExecType  string `json:"x"`
			Status    string `json:"X"`
			OrderID   int64  `json:"i"`
			Qty       string `json:"q"`
			AvgPrice  string `json:"ap"`
			LastPrice string `json:"L"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("user stream parse error: %v", err)
		return
	}
	if wrap.EventType != "ORDER_TRADE_UPDATE" {
		return
	}
	if wrap.Order.ExecType != "TRADE" || wrap.Order.Status != "FILLED" {
		return
	}

	update := OrderUpdate{
		OrderID:   wrap.Order.OrderID,
		Symbol:    wrap.Order.Symbol,
		Side:      wrap.Order.Side,
		ExecType:  wrap.Order.ExecType,
		Status:    wrap.Order.Status,
		Qty:       toFloat(wrap.Order.Qty),
		AvgPrice:  toFloat(wrap.Order.AvgPrice),
		LastPrice: toFloat(wrap.Order.LastPrice),
	}

	// Wake any fill waiter before dispatching so wait loops return promptly
	// even if the handler takes time.
	s.mu.Lock()
	if ch, ok := s.fillWaiters[update.OrderID]; ok {
		close(ch)
		delete(s.fillWaiters, update.OrderID)
	}
	var handler FillHandler
	switch {
	case s.has(s.entryIDs, update.OrderID):
		delete(s.entryIDs, update.OrderID)
		handler = s.onEntryFill
	case s.has(s.tpIDs, update.OrderID):
		delete(s.tpIDs, update.OrderID)
		handler = s.onTPFill
	case s.has(s.slIDs, update.OrderID):
		delete(s.slIDs, update.OrderID)
		handler = s.onSLFill
	}
	s.mu.Unlock()

	if handler != nil {
		handler(update)
	} else {
		log.Printf("user stream: fill for unregistered order %d", update.OrderID)
	}
}

func (s *UserStream) has(set map[int64]struct{}, id int64) bool {
	_, ok := set[id]
	return ok
}
