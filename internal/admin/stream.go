package admin

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo"
)

const boundaryWord = "MJPEGBOUNDARY"

const partHeader = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"\r\n"

// Stream is the MJPEG preview feed. Each update builds a new part buffer and
// hands it to every viewer, so a part already queued or being written is
// never modified.
type Stream struct {
	lock    sync.Mutex
	viewers map[chan []byte]struct{}
	done    chan struct{}
	closed  bool
	log     *slog.Logger
}

// NewStream returns a feed with no viewers.
func NewStream(logger *slog.Logger) *Stream {
	return &Stream{
		viewers: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
		log:     logger,
	}
}

// UpdateJPEG pushes a frame to every viewer. A viewer still busy with the
// previous frame gets this one in its place.
func (s *Stream) UpdateJPEG(jpeg []byte) {
	header := fmt.Sprintf(partHeader, len(jpeg))
	part := make([]byte, len(header)+len(jpeg))
	copy(part, header)
	copy(part[len(header):], jpeg)

	s.lock.Lock()
	defer s.lock.Unlock()

	for ch := range s.viewers {
		select {
		case <-ch:
		default:
		}
		ch <- part
	}
}

// Viewers returns the number of connected preview clients.
func (s *Stream) Viewers() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.viewers)
}

// Close ends every open preview response.
func (s *Stream) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// StreamToEcho serves the feed as multipart/x-mixed-replace until the client
// goes away or the stream is closed.
func (s *Stream) StreamToEcho(c echo.Context) error {
	// Only UpdateJPEG sends, and it holds the lock while it drains and
	// refills, so one slot is enough.
	ch := make(chan []byte, 1)

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return c.String(http.StatusServiceUnavailable, "preview closed")
	}
	s.viewers[ch] = struct{}{}
	s.lock.Unlock()

	peer := c.RealIP()
	s.log.Info("Preview client connected", "peer", peer)
	defer func() {
		s.lock.Lock()
		delete(s.viewers, ch)
		s.lock.Unlock()
		s.log.Info("Preview client disconnected", "peer", peer)
	}()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace;boundary="+boundaryWord)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	gone := c.Request().Context().Done()
	for {
		select {
		case <-gone:
			return nil
		case <-s.done:
			return nil
		case part := <-ch:
			if _, err := res.Write(part); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
