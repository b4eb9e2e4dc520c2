// Package relay is the upstream entry point. Producers hand it encoded
// buffers and it routes each one to the push channels and snapshot slots
// that serve it.
package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/LilliaElaine/camrelay/internal/broadcast"
	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/LilliaElaine/camrelay/internal/snapshot"
)

// FrameListener receives every still image passed to PublishFrame. It must
// not retain the slice.
type FrameListener func(jpeg []byte)

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.log = logger }
}

// Relay routes producer output. Either broadcast server may be nil, in which
// case that channel is disabled.
type Relay struct {
	video  *broadcast.Server
	motion *broadcast.Server
	cache  *snapshot.Cache
	log    *slog.Logger

	mu        sync.RWMutex
	listeners []FrameListener
}

// New creates a relay over the given servers and cache.
func New(video, motion *broadcast.Server, cache *snapshot.Cache, opts ...Option) *Relay {
	r := &Relay{
		video:  video,
		motion: motion,
		cache:  cache,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.WithServer(r.log, "relay")
	return r
}

// OnFrame registers fn to receive published frames.
func (r *Relay) OnFrame(fn FrameListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// PublishVideo fans b out to the video push clients.
func (r *Relay) PublishVideo(b []byte) error {
	if r.video == nil {
		return nil
	}
	if _, err := r.video.Write(b); err != nil {
		return fmt.Errorf("publish video: %w", err)
	}
	return nil
}

// PublishMotion stores b as the latest motion snapshot and fans it out to the
// motion push clients.
func (r *Relay) PublishMotion(b []byte) error {
	r.cache.Publish(snapshot.Motion, b)
	if r.motion == nil {
		return nil
	}
	if _, err := r.motion.Write(b); err != nil {
		return fmt.Errorf("publish motion: %w", err)
	}
	return nil
}

// PublishEncoded routes one encoder buffer. Codec side info goes to the
// motion channel, everything else to video.
func (r *Relay) PublishEncoded(b []byte, sideInfo bool) error {
	if sideInfo {
		return r.PublishMotion(b)
	}
	return r.PublishVideo(b)
}

// PublishFrame stores a still image and passes it to frame listeners.
func (r *Relay) PublishFrame(jpeg []byte) {
	r.cache.Publish(snapshot.Frame, jpeg)

	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(jpeg)
	}
}

// PublishConfig stores the configuration text served at /config.
func (r *Relay) PublishConfig(cfg []byte) {
	r.cache.Publish(snapshot.Config, cfg)
	r.log.Info("Config published", "bytes", len(cfg))
}
