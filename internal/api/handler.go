// Package api exposes the read-only observer dashboard: engine status,
// trades, events and a WebSocket pushing live engine events.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"short-trader/internal/events"
	"short-trader/pkg/config"
	"short-trader/pkg/db"
)

// StatusProvider snapshots the engine state for the dashboard.
type StatusProvider interface {
	OpenCount() int
	ActiveTrades() []*db.Trade
}

// Server wires HTTP endpoints around the store and the event bus.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	Store  *db.Store
	Engine StatusProvider
	Cfg    *config.Config

	// WSConnected reports the user-data stream health for /api/status.
	WSConnected func() bool

	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the router. Observer endpoints are read-only.
func NewServer(bus *events.Bus, store *db.Store, eng StatusProvider, cfg *config.Config, wsConnected func() bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Router:      r,
		Bus:         bus,
		Store:       store,
		Engine:      eng,
		Cfg:         cfg,
		WSConnected: wsConnected,
		startTime:   time.Now().UTC(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/trades", s.getTrades)
		api.GET("/trades/:id", s.getTradeDetail)
		api.GET("/events", s.getEvents)
		api.GET("/config", s.getConfig)
		// Manual close requests are recorded only; the engine keeps sole
		// write ownership of trades.
		api.POST("/trades/:id/close", s.requestClose)
	}
}

// Start serves until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes listeners and active connections, WebSockets included.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	status := s.statusSnapshot(c.Request.Context())
	status["uptime_start"] = s.startTime.Format(time.RFC3339)
	status["now"] = time.Now().UTC().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}

// statusSnapshot aggregates open counts and a PnL summary over the recent
// closed trades.
func (s *Server) statusSnapshot(ctx context.Context) gin.H {
	var (
		pnlToday, pnlTotal float64
		closedToday        int
		wins, totalClosed  int
	)
	today := time.Now().UTC().Format("2006-01-02")
	if closed, err := s.Store.LoadRecentClosed(ctx, 200); err == nil {
		for _, t := range closed {
			if t.Status != db.StatusClosed {
				continue
			}
			totalClosed++
			pnlTotal += t.PnLUSDT
			if t.PnLUSDT > 0 {
				wins++
			}
			if !t.ExitFillTS.IsZero() && t.ExitFillTS.Format("2006-01-02") == today {
				pnlToday += t.PnLUSDT
				closedToday++
			}
		}
	}
	winRate := 0.0
	if totalClosed > 0 {
		winRate = float64(wins) / float64(totalClosed) * 100
	}
	wsUp := false
	if s.WSConnected != nil {
		wsUp = s.WSConnected()
	}
	return gin.H{
		"open_trades":     s.Engine.OpenCount(),
		"max_open_trades": s.Cfg.Strategy.MaxOpenTrades,
		"mode":            s.Cfg.Strategy.Mode,
		"pnl_today_usdt":  pnlToday,
		"pnl_total_usdt":  pnlTotal,
		"trades_today":    closedToday,
		"win_rate_pct":    winRate,
		"ws_connected":    wsUp,
	}
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.Store.LoadAllTrades(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getTradeDetail(c *gin.Context) {
	id := c.Param("id")
	trade, err := s.Store.GetTrade(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	tradeEvents, err := s.Store.GetTradeEvents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade, "events": tradeEvents})
}

func (s *Server) getEvents(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	evs, err := s.Store.GetLastEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, evs)
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.Cfg.Public())
}

func (s *Server) requestClose(c *gin.Context) {
	id := c.Param("id")
	log.Printf("manual close requested for trade %s", id)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "trade_id": id})
}
