package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/LilliaElaine/camrelay/internal/metrics"
	"github.com/LilliaElaine/camrelay/internal/netutil"
	"github.com/LilliaElaine/camrelay/internal/registry"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrServerClosed is returned by Write, Attach and Start after shutdown.
	ErrServerClosed = errors.New("broadcast: server closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("broadcast: server already started")
	// ErrTooManyClients is returned by Attach when the server is full.
	ErrTooManyClients = errors.New("broadcast: too many clients")
)

// pendingWrite is the buffer currently being fanned out. It is only valid
// between the ready signals and the last completion signal of one Write.
type pendingWrite struct {
	data []byte
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithClock sets the clock used to time writes.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithMaxConns caps the number of registered clients. Zero means unlimited.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

// Server fans producer buffers out to every connected push client.
type Server struct {
	name     string
	log      *slog.Logger
	clock    clockwork.Clock
	maxConns int

	// mu serializes Write and guards conns, pending and shutdown.
	mu       sync.Mutex
	conns    registry.Registry[*conn]
	pending  pendingWrite
	shutdown bool
	count    atomic.Int64

	// lifecycle guards listener so Stop never waits on an in-flight Write
	// just to find the socket it has to close.
	lifecycle  sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}

	complete chan struct{}
	closing  atomic.Bool
	workers  sync.WaitGroup
	watchers sync.WaitGroup

	stopOnce     sync.Once
	teardownOnce sync.Once
}

// New creates a push server. name labels logs and metrics, e.g. "video".
func New(name string, opts ...Option) *Server {
	s := &Server{
		name:     name,
		clock:    clockwork.NewRealClock(),
		complete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.WithServer(s.log, name)
	return s
}

// Name returns the server's channel name.
func (s *Server) Name() string {
	return s.name
}

// Start binds the listening socket on port and starts accepting clients.
// Port 0 picks an ephemeral port; see Addr.
func (s *Server) Start(port int) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closing.Load() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := netutil.Listen(context.Background(), port)
	if err != nil {
		return fmt.Errorf("start %s push server: %w", s.name, err)
	}

	s.listener = ln
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(ln, s.acceptDone)

	s.log.Info("Push server listening", "port", netutil.Port(ln.Addr()))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Len returns the number of registered clients, including dead ones that
// have not been swept yet.
func (s *Server) Len() int {
	return int(s.count.Load())
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Accept failed, shutting down push server", "error", err)
			_ = ln.Close()
			s.teardown()
			return
		}

		// Errors are logged by register; the accept loop keeps going.
		_ = s.register(nc, nc.RemoteAddr().String())
	}
}

// Attach registers a client that did not come through the listener, such as
// a websocket bridged by the admin server. If w is a PeerWatcher, or an
// io.Reader whose read fails with anything but end of stream, a hang-up marks
// the client dead before the next write.
func (s *Server) Attach(w io.WriteCloser, peer string) error {
	return s.register(w, peer)
}

func (s *Server) register(w io.WriteCloser, peer string) error {
	c := newConn(w, peer, s.log)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		c.close()
		metrics.BroadcastDroppedClientsTotal.WithLabelValues(s.name, "shutdown").Inc()
		return ErrServerClosed
	}
	if s.maxConns > 0 && s.conns.Len() >= s.maxConns {
		s.mu.Unlock()
		c.close()
		metrics.BroadcastDroppedClientsTotal.WithLabelValues(s.name, "full").Inc()
		c.log.Warn("Push client refused, server full", "max_clients", s.maxConns)
		return ErrTooManyClients
	}
	s.conns.Insert(c)
	s.syncCount()
	s.workers.Add(1)
	s.watchers.Add(1)
	s.mu.Unlock()

	go s.serve(c)
	go func() {
		defer s.watchers.Done()
		c.watch()
	}()

	c.log.Info("Push client connected")
	return nil
}

// serve is the per-connection worker: one write attempt per ready signal,
// always followed by exactly one completion signal.
func (s *Server) serve(c *conn) {
	defer s.workers.Done()

	for range c.ready {
		if !c.isDead() {
			c.write(s.pending.data)
		}
		s.complete <- struct{}{}
	}
	c.markDead()
}

// Write delivers p to every client registered when the call starts and
// returns once each of them attempted the full write. Clients whose write
// failed, or whose peer hung up, are removed before Write returns.
//
// Write never reports per-client failures. It fails only with
// ErrServerClosed. p is not retained after Write returns.
func (s *Server) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return 0, ErrServerClosed
	}

	start := s.clock.Now()
	s.pending = pendingWrite{data: p}

	live := s.conns.Snapshot()
	for _, c := range live {
		c.ready <- struct{}{}
	}
	for range live {
		<-s.complete
	}

	swept := s.conns.Sweep((*conn).isDead, s.release)
	s.syncCount()
	s.pending = pendingWrite{}

	metrics.BroadcastWritesTotal.WithLabelValues(s.name).Inc()
	metrics.BroadcastBytesTotal.WithLabelValues(s.name).Add(float64(len(p)))
	metrics.BroadcastWriteDuration.WithLabelValues(s.name).Observe(s.clock.Since(start).Seconds())
	if swept > 0 {
		s.log.Debug("Swept dead push clients", "removed", swept, "remaining", s.conns.Len())
	}

	return len(p), nil
}

// release runs under mu after c has been unlinked by a sweep.
func (s *Server) release(c *conn) {
	close(c.ready)
	c.close()
	metrics.BroadcastDroppedClientsTotal.WithLabelValues(s.name, "dead").Inc()
	c.log.Info("Push client removed")
}

// syncCount must be called with mu held.
func (s *Server) syncCount() {
	n := s.conns.Len()
	s.count.Store(int64(n))
	metrics.BroadcastClients.WithLabelValues(s.name).Set(float64(n))
}

// Stop closes the listener, wakes every worker so it exits, and closes all
// client sockets. It waits for an in-flight Write to finish first. Calling
// Stop more than once is a no-op.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.closing.Store(true)

		s.lifecycle.Lock()
		ln, done := s.listener, s.acceptDone
		s.lifecycle.Unlock()

		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = fmt.Errorf("close %s listener: %w", s.name, cerr)
			}
			<-done
		}

		s.teardown()
	})
	return err
}

func (s *Server) teardown() {
	s.teardownOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		s.shutdown = true
		for _, c := range s.conns.Snapshot() {
			close(c.ready)
		}
		s.mu.Unlock()

		s.workers.Wait()

		s.mu.Lock()
		n := s.conns.Drain(func(c *conn) {
			c.close()
			metrics.BroadcastDroppedClientsTotal.WithLabelValues(s.name, "shutdown").Inc()
		})
		s.syncCount()
		s.mu.Unlock()

		s.watchers.Wait()
		s.log.Info("Push server stopped", "closed_clients", n)
	})
}
