// Package admin serves the operator-facing HTTP surface: health, Prometheus
// metrics, an MJPEG preview of published frames and websocket bridges onto
// the push channels.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LilliaElaine/camrelay/internal/broadcast"
	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/LilliaElaine/camrelay/internal/netutil"
	"github.com/LilliaElaine/camrelay/internal/relay"
	"github.com/LilliaElaine/camrelay/internal/snapshot"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithClock sets the clock used for uptime.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// Server is the admin HTTP server.
type Server struct {
	echo      *echo.Echo
	log       *slog.Logger
	clock     clockwork.Clock
	startTime time.Time

	video    *broadcast.Server
	motion   *broadcast.Server
	snapshot *snapshot.Server
	preview  *Stream

	mu       sync.Mutex
	listener net.Listener
	served   chan struct{}
}

// New builds the admin server. Frames published through r feed the MJPEG
// preview. video, motion and snap may be nil when disabled.
func New(r *relay.Relay, video, motion *broadcast.Server, snap *snapshot.Server, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		clock:    clockwork.NewRealClock(),
		video:    video,
		motion:   motion,
		snapshot: snap,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.WithServer(s.log, "admin")
	s.preview = NewStream(s.log)
	s.startTime = s.clock.Now()

	if r != nil {
		r.OnFrame(s.preview.UpdateJPEG)
	}

	s.registerRoutes()
	return s
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start binds port and serves in the background.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("admin: server already started")
	}

	ln, err := netutil.Listen(context.Background(), port)
	if err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	s.listener = ln
	s.echo.Listener = ln
	s.served = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Admin server failed", "error", err)
		}
	}(s.served)

	s.log.Info("Admin server listening", "port", netutil.Port(ln.Addr()))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown ends open preview streams, stops accepting requests and waits for
// in-flight ones until ctx expires. On timeout the remaining connections are
// closed outright.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	served := s.served
	s.mu.Unlock()

	if served == nil {
		return nil
	}

	s.preview.Close()
	err := s.echo.Shutdown(ctx)
	if err != nil {
		s.log.Warn("Admin graceful shutdown timed out, closing connections", "error", err)
		err = s.echo.Close()
	}
	<-served
	return err
}
