package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/LilliaElaine/camrelay/internal/metrics"
	"github.com/LilliaElaine/camrelay/internal/netutil"
	"github.com/LilliaElaine/camrelay/internal/registry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DefaultRequestBufferSize is the size of the single read a processor makes.
const DefaultRequestBufferSize = 4096

var (
	// ErrServerClosed is returned by Start after Stop.
	ErrServerClosed = errors.New("snapshot: server closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("snapshot: server already started")
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithClock sets the clock used to time requests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithRateLimit answers 503 once more than rps requests per second (with
// the given burst) arrive. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRequestBufferSize sets the size of the single request read.
func WithRequestBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// processor is the record for one accepted pull connection.
type processor struct {
	id        uuid.UUID
	conn      net.Conn
	log       *slog.Logger
	closed    atomic.Bool
	closeOnce sync.Once
}

func (p *processor) closeConn() {
	p.closeOnce.Do(func() {
		if err := p.conn.Close(); err != nil {
			p.log.Debug("close snapshot connection", "error", err)
		}
	})
}

// Server answers snapshot requests from a Cache.
type Server struct {
	cache   *Cache
	log     *slog.Logger
	clock   clockwork.Clock
	limiter *rate.Limiter
	bufSize int

	// mu guards procs and shutdown.
	mu       sync.Mutex
	procs    registry.Registry[*processor]
	shutdown bool
	count    atomic.Int64

	lifecycle  sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	reaperDone chan struct{}

	// cleanup is the coalescing "processor finished" signal the reaper waits
	// on. One pending signal is enough: every reaper pass sweeps all closed
	// processors.
	cleanup chan struct{}
	closing atomic.Bool
	workers sync.WaitGroup

	stopOnce     sync.Once
	teardownOnce sync.Once
}

// NewServer creates a snapshot server reading from cache.
func NewServer(cache *Cache, opts ...Option) *Server {
	s := &Server{
		cache:   cache,
		clock:   clockwork.NewRealClock(),
		bufSize: DefaultRequestBufferSize,
		cleanup: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.WithServer(s.log, "snapshot")
	return s
}

// Start binds the listening socket on port and starts the accept loop and
// the reaper.
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
		return fmt.Errorf("start snapshot server: %w", err)
	}

	s.listener = ln
	s.acceptDone = make(chan struct{})
	s.reaperDone = make(chan struct{})
	go s.acceptLoop(ln, s.acceptDone)
	go s.reap(s.reaperDone)

	s.log.Info("Snapshot server listening", "port", netutil.Port(ln.Addr()))
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

// Len returns the number of processors not yet reaped.
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
			s.log.Error("Accept failed, shutting down snapshot server", "error", err)
			_ = ln.Close()
			s.teardown()
			return
		}
		s.register(nc)
	}
}

func (s *Server) register(nc net.Conn) {
	id := uuid.New()
	p := &processor{
		id:   id,
		conn: nc,
		log:  logging.WithConn(s.log, id.String(), nc.RemoteAddr().String()),
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		p.closeConn()
		return
	}
	s.procs.Insert(p)
	s.syncCount()
	s.workers.Add(1)
	s.mu.Unlock()

	go s.process(p)
}

// process runs one request/response cycle and then hands the record to the
// reaper.
func (s *Server) process(p *processor) {
	defer s.workers.Done()
	defer func() {
		p.closeConn()
		p.closed.Store(true)
		s.requestCleanup()
	}()

	start := s.clock.Now()
	defer func() {
		metrics.SnapshotRequestDuration.Observe(s.clock.Since(start).Seconds())
	}()

	buf := make([]byte, s.bufSize)
	n, err := p.conn.Read(buf)
	if n == 0 {
		p.log.Debug("Snapshot connection closed before request", "error", err)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.send(p, statusResponse(http.StatusServiceUnavailable), routeOther)
		return
	}
	if n == len(buf) {
		p.log.Debug("Snapshot request exceeds buffer", "size", s.bufSize)
		s.send(p, statusResponse(http.StatusBadRequest), routeOther)
		return
	}

	req, err := parseRequest(buf[:n])
	if err != nil {
		p.log.Debug("Bad snapshot request", "error", err)
		s.send(p, statusResponse(http.StatusBadRequest), routeOther)
		return
	}

	if req.method != http.MethodGet {
		s.send(p, statusResponse(http.StatusMethodNotAllowed), routeOther)
		return
	}

	resp, route := s.route(req)
	s.send(p, resp, route)
}

func (s *Server) send(p *processor, resp response, route string) {
	metrics.SnapshotRequestsTotal.WithLabelValues(route, strconv.Itoa(resp.code)).Inc()
	if _, err := resp.WriteTo(p.conn); err != nil {
		p.log.Debug("Snapshot response write failed", "code", resp.code, "error", err)
	}
}

func (s *Server) requestCleanup() {
	select {
	case s.cleanup <- struct{}{}:
	default:
	}
}

// reap removes closed processors each time it is signalled. Once the server
// is shutting down it removes every processor and exits.
func (s *Server) reap(done chan struct{}) {
	defer close(done)

	for {
		<-s.cleanup

		s.mu.Lock()
		shutdown := s.shutdown
		s.procs.Sweep(
			func(p *processor) bool { return shutdown || p.closed.Load() },
			(*processor).closeConn,
		)
		s.syncCount()
		empty := s.procs.Len() == 0
		s.mu.Unlock()

		if shutdown && empty {
			return
		}
	}
}

// syncCount must be called with mu held.
func (s *Server) syncCount() {
	n := s.procs.Len()
	s.count.Store(int64(n))
	metrics.SnapshotProcessors.Set(float64(n))
}

// Stop closes the listener, force-closes in-flight connections, waits for
// the accept loop, the processors and the reaper, and resets the cache.
// Calling Stop more than once is a no-op.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.closing.Store(true)

		s.lifecycle.Lock()
		ln, acceptDone, reaperDone := s.listener, s.acceptDone, s.reaperDone
		s.lifecycle.Unlock()

		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = fmt.Errorf("close snapshot listener: %w", cerr)
			}
			<-acceptDone
		}

		s.teardown()
		s.workers.Wait()

		if reaperDone != nil {
			<-reaperDone
		} else {
			s.mu.Lock()
			s.procs.Drain((*processor).closeConn)
			s.syncCount()
			s.mu.Unlock()
		}

		s.cache.Reset()
		s.log.Info("Snapshot server stopped")
	})
	return err
}

func (s *Server) teardown() {
	s.teardownOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		s.shutdown = true
		for _, p := range s.procs.Snapshot() {
			p.closeConn()
		}
		s.mu.Unlock()

		s.requestCleanup()
	})
}
