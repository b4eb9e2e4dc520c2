package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LilliaElaine/camrelay/internal/admin"
	"github.com/LilliaElaine/camrelay/internal/broadcast"
	"github.com/LilliaElaine/camrelay/internal/capture"
	"github.com/LilliaElaine/camrelay/internal/config"
	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/LilliaElaine/camrelay/internal/relay"
	"github.com/LilliaElaine/camrelay/internal/snapshot"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	// captureStallWarning is how long shutdown waits on the capture sources
	// before saying why it is stuck.
	captureStallWarning = 5 * time.Second
)

// app holds everything serve starts, so it can be stopped in reverse order.
type app struct {
	cache    *snapshot.Cache
	video    *broadcast.Server
	motion   *broadcast.Server
	snapshot *snapshot.Server
	admin    *admin.Server
	relay    *relay.Relay
	sources  []capture.Source
}

func serve(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version, "capture", cfg.CaptureMode, "motion", cfg.MotionCommand != "")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := start(cfg)
	if err != nil {
		return err
	}
	return run(ctx, a, stop, captureStallWarning)
}

// run drives the capture sources until ctx ends or one of them fails, then
// shuts the app down. release is called as soon as shutdown begins so that a
// second signal gets the default behaviour and kills the process.
func run(ctx context.Context, a *app, release func(), stallWarning time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range a.sources {
		g.Go(func() error { return src.Run(gctx) })
	}

	<-gctx.Done()
	release()
	if ctx.Err() != nil {
		slog.Info("Shutdown signal received, cleaning up...")
	}

	// Capture stops first so nothing publishes into stopped servers.
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-waited:
	case <-time.After(stallWarning):
		slog.Warn("Shutdown waiting on capture, a stalled push client may be blocking a broadcast; signal again to force exit")
		runErr = <-waited
	}
	if runErr != nil {
		slog.Error("Capture failed", "error", runErr)
	}
	a.shutdown()
	return runErr
}

// start brings the servers up before the capture source exists. Any failure
// stops what was already started.
func start(cfg *config.Config) (*app, error) {
	cache := snapshot.NewCache()
	a := &app{cache: cache}

	if cfg.VideoPort != 0 {
		a.video = broadcast.New("video", broadcast.WithMaxConns(cfg.MaxPushClients))
		if err := a.video.Start(cfg.VideoPort); err != nil {
			a.shutdown()
			return nil, err
		}
	}
	if cfg.MotionPort != 0 {
		a.motion = broadcast.New("motion", broadcast.WithMaxConns(cfg.MaxPushClients))
		if err := a.motion.Start(cfg.MotionPort); err != nil {
			a.shutdown()
			return nil, err
		}
	}

	a.snapshot = snapshot.NewServer(cache,
		snapshot.WithRateLimit(cfg.SnapshotRateLimit, cfg.SnapshotRateBurst),
		snapshot.WithRequestBufferSize(cfg.RequestBufferSize),
	)
	if err := a.snapshot.Start(cfg.SnapshotPort); err != nil {
		a.shutdown()
		return nil, err
	}

	a.relay = relay.New(a.video, a.motion, cache)
	if cfg.ConfigFile != "" {
		b, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			a.shutdown()
			return nil, fmt.Errorf("read config file: %w", err)
		}
		a.relay.PublishConfig(b)
	}

	if cfg.AdminPort != 0 {
		a.admin = admin.New(a.relay, a.video, a.motion, a.snapshot)
		if err := a.admin.Start(cfg.AdminPort); err != nil {
			a.shutdown()
			return nil, err
		}
	}

	sources, err := newSources(cfg, a.relay)
	if err != nil {
		a.shutdown()
		return nil, err
	}
	a.sources = sources
	return a, nil
}

// newSources builds the video source selected by CAPTURE_MODE and, when
// MOTION_COMMAND is set, a second encoder whose output is codec side info
// for the motion channel.
func newSources(cfg *config.Config, r *relay.Relay) ([]capture.Source, error) {
	var sources []capture.Source

	switch cfg.CaptureMode {
	case config.CaptureCommand:
		video, err := capture.NewCommand(cfg.CaptureCommand, func(b []byte) error {
			return r.PublishEncoded(b, false)
		}, logging.Logger.With("channel", "video"))
		if err != nil {
			return nil, err
		}
		sources = append(sources, video)
	case config.CaptureUVC:
		vid, err := cfg.VendorID()
		if err != nil {
			return nil, err
		}
		pid, err := cfg.ProductID()
		if err != nil {
			return nil, err
		}
		sources = append(sources, capture.NewUVC(vid, pid, r, nil))
	}

	if cfg.MotionCommand != "" {
		motion, err := capture.NewCommand(cfg.MotionCommand, func(b []byte) error {
			return r.PublishEncoded(b, true)
		}, logging.Logger.With("channel", "motion"))
		if err != nil {
			return nil, err
		}
		sources = append(sources, motion)
	}
	return sources, nil
}

func (a *app) shutdown() {
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.admin.Shutdown(ctx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
	}

	var errs []error
	for _, b := range []*broadcast.Server{a.video, a.motion} {
		if b != nil {
			errs = append(errs, b.Stop())
		}
	}
	if a.snapshot != nil {
		errs = append(errs, a.snapshot.Stop())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
