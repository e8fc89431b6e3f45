package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chimera/internal/async"
	"chimera/internal/domain/event"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsSendBuffer bounds the per-connection queue; a consumer that cannot
	// keep up loses events rather than stalling the bus.
	wsSendBuffer = 128
)

// handleEventSocket upgrades the connection and streams bus events to it.
// With ?correlation_id= the recorded history for that correlation is replayed
// first and the live stream is filtered to it.
func (s *Server) handleEventSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	correlationID := c.Query("correlation_id")
	bus := s.client.GetEventBus()

	if correlationID != "" {
		for _, ev := range bus.Replay(correlationID) {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	send := make(chan event.Event, wsSendBuffer)

	sub := bus.SubscribeAll(func(ev event.Event) {
		if correlationID != "" && ev.CorrelationID != correlationID {
			return
		}
		select {
		case send <- ev:
		default:
			// slow consumer, drop
		}
	})
	defer bus.Unsubscribe(sub)

	// Reader goroutine: only to observe the peer closing.
	closed := make(chan struct{})
	async.Go(s.log, "server.ws.read", func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
