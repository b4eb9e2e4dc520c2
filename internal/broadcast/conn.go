package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/google/uuid"
)

// peerReadSize bounds the scratch buffer used to notice a peer hang-up.
// Push clients are not expected to send anything.
const peerReadSize = 512

// conn is one registered push client.
type conn struct {
	id   uuid.UUID
	peer string
	w    io.WriteCloser
	log  *slog.Logger

	// ready carries one write-ready signal per broadcast. It is closed when
	// the connection is swept or the server shuts down.
	ready chan struct{}

	dead      atomic.Bool
	closeOnce sync.Once
}

func newConn(w io.WriteCloser, peer string, logger *slog.Logger) *conn {
	id := uuid.New()
	return &conn{
		id:    id,
		peer:  peer,
		w:     w,
		log:   logging.WithConn(logger, id.String(), peer),
		ready: make(chan struct{}, 1),
	}
}

func (c *conn) isDead() bool {
	return c.dead.Load()
}

func (c *conn) markDead() {
	c.dead.Store(true)
}

// write attempts the full buffer once. Any failure marks the connection dead.
func (c *conn) write(data []byte) {
	n, err := c.w.Write(data)
	if err != nil || n < len(data) {
		c.markDead()
		c.log.Debug("push write failed", "written", n, "want", len(data), "error", err)
	}
}

// PeerWatcher is implemented by clients that detect a hang-up themselves,
// such as message-framed transports. WatchPeer blocks until the peer is gone.
type PeerWatcher interface {
	WatchPeer() error
}

// watch notices a peer hang-up before the next write. A PeerWatcher decides
// for itself. A plain reader is read until it fails: end of stream only means
// the peer stopped sending (a half-close), so the connection stays live and
// the next failed write decides. Any other read error marks it dead.
func (c *conn) watch() {
	if pw, ok := c.w.(PeerWatcher); ok {
		err := pw.WatchPeer()
		c.markDead()
		c.log.Debug("push peer gone", "error", err)
		return
	}

	r, ok := c.w.(io.Reader)
	if !ok {
		return
	}

	buf := make([]byte, peerReadSize)
	for {
		_, err := r.Read(buf)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			c.log.Debug("push peer stopped sending")
			return
		}
		c.markDead()
		c.log.Debug("push peer read failed", "error", err)
		return
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		if err := c.w.Close(); err != nil {
			c.log.Debug("close push client", "error", err)
		}
	})
}
