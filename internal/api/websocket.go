package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"short-trader/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// websocket pushes the current status, recent history and then live engine
// events to the client until it disconnects or the server shuts down.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()
	// Shutdown does not track hijacked connections; close this one with it.
	if s.httpServer != nil {
		s.httpServer.RegisterOnShutdown(func() { conn.Close() })
	}

	if err := conn.WriteJSON(wsFrame{Type: "status", Data: s.statusSnapshot(c.Request.Context())}); err != nil {
		return
	}
	if history, err := s.Store.GetLastEvents(c.Request.Context(), 50); err == nil {
		if err := conn.WriteJSON(wsFrame{Type: "history", Data: history}); err != nil {
			return
		}
	}

	stream, unsub := s.Bus.Subscribe(events.TopicEngineEvent, 100)
	defer unsub()

	for msg := range stream {
		if err := conn.WriteJSON(wsFrame{Type: "event", Data: msg}); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
