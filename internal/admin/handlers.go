package admin

import (
	"net/http"

	"github.com/LilliaElaine/camrelay/internal/broadcast"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleHealth(c echo.Context) error {
	clients := map[string]int{}
	for _, b := range []*broadcast.Server{s.video, s.motion} {
		if b != nil {
			clients[b.Name()] = b.Len()
		}
	}

	body := map[string]any{
		"status":  "ok",
		"uptime":  s.clock.Since(s.startTime).Seconds(),
		"clients": clients,
	}
	if s.snapshot != nil {
		body["snapshot_connections"] = s.snapshot.Len()
	}
	return c.JSON(http.StatusOK, body)
}

// handlePush upgrades the request and registers the websocket as a push
// client of b. Every broadcast buffer becomes one binary message.
func (s *Server) handlePush(b *broadcast.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if b == nil {
			return c.String(http.StatusNotFound, "channel disabled")
		}

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			s.log.Debug("Websocket upgrade failed", "error", err)
			return nil
		}

		// Attach owns the socket from here on, including on error.
		if err := b.Attach(&wsConn{ws: ws}, c.RealIP()); err != nil {
			s.log.Warn("Websocket push client refused", "channel", b.Name(), "error", err)
		}
		return nil
	}
}
