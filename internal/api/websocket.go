package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"autotrader/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams fired signals and opened trades to the client until it
// disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warnw("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	signals, unsubSignals := s.Bus.Subscribe(events.EventSignal, 100)
	defer unsubSignals()
	trades, unsubTrades := s.Bus.Subscribe(events.EventTradeOpened, 100)
	defer unsubTrades()

	for {
		var payload any
		select {
		case payload = <-signals:
		case payload = <-trades:
		case <-c.Request.Context().Done():
			return
		}
		if payload == nil {
			return
		}
		if err := conn.WriteJSON(payload); err != nil {
			s.Log.Debugw("ws write failed, dropping client", "error", err)
			return
		}
	}
}
