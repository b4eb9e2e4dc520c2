package snapshot

import (
	"sync"

	"github.com/LilliaElaine/camrelay/internal/metrics"
)

// Slot names one of the cached snapshot values.
type Slot int

const (
	Frame Slot = iota
	Motion
	Config

	slotCount
)

// String returns the slot's short name.
func (s Slot) String() string {
	switch s {
	case Frame:
		return "frame"
	case Motion:
		return "motion"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// ContentType returns the MIME type the slot is served with.
func (s Slot) ContentType() string {
	switch s {
	case Frame:
		return "image/jpeg"
	case Motion:
		return "application/octet-stream"
	default:
		return textPlain
	}
}

func (s Slot) valid() bool {
	return s >= 0 && s < slotCount
}

// Cache holds the latest value of every slot. Values are replaced whole and
// copied out on read, so a reader never observes a partially written slot.
type Cache struct {
	mu    sync.Mutex
	slots [slotCount][]byte
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Publish replaces the slot with a private copy of b.
func (c *Cache) Publish(slot Slot, b []byte) {
	if !slot.valid() {
		return
	}
	buf := make([]byte, len(b))
	copy(buf, b)

	c.mu.Lock()
	c.slots[slot] = buf
	c.mu.Unlock()

	metrics.SnapshotPublishesTotal.WithLabelValues(slot.String()).Inc()
}

// Read returns a copy of the slot's latest value. A slot that was never
// published reads as empty.
func (c *Cache) Read(slot Slot) []byte {
	if !slot.valid() {
		return []byte{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, len(c.slots[slot]))
	copy(out, c.slots[slot])
	return out
}

// Reset drops every cached value.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		c.slots[i] = nil
	}
}
