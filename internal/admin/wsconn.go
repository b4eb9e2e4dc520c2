package admin

import (
	"io"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket to a push client. Writes are sent as binary
// messages; WatchPeer discards whatever the browser sends and returns once
// the peer goes away.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) WatchPeer() error {
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
	}
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
