package broadcast

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/LilliaElaine/camrelay/internal/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records every write attempt made against it.
type fakeClient struct {
	mu      sync.Mutex
	writes  [][]byte
	fail    bool
	closed  int
	release chan struct{}
}

func (f *fakeClient) Write(p []byte) (int, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	if f.fail {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeClient) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := New("test", opts...)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", netutil.Port(s.Addr())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWrite_EveryLiveClientGetsOneAttempt(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	clients := []*fakeClient{{}, {}, {}, {}}
	for i, c := range clients {
		require.NoError(t, s.Attach(c, fmt.Sprintf("fake-%d", i)))
	}

	data := []byte("frame-1")
	n, err := s.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	for _, c := range clients {
		require.Equal(t, 1, c.attempts())
		assert.Equal(t, data, c.writes[0])
	}
	assert.Equal(t, 4, s.Len())
}

func TestWrite_PreservesProducerOrder(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	c := &fakeClient{}
	require.NoError(t, s.Attach(c, "fake"))

	for i := 0; i < 10; i++ {
		_, err := s.Write([]byte{byte(i)})
		require.NoError(t, err)
	}

	require.Equal(t, 10, c.attempts())
	for i, w := range c.writes {
		assert.Equal(t, []byte{byte(i)}, w)
	}
}

func TestWrite_FailedClientSweptSameCycle(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	good := &fakeClient{}
	bad := &fakeClient{fail: true}
	require.NoError(t, s.Attach(good, "good"))
	require.NoError(t, s.Attach(bad, "bad"))

	_, err := s.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, bad.closeCount())
	assert.Zero(t, good.closeCount())

	// The swept client never sees another attempt.
	_, err = s.Write([]byte("y"))
	require.NoError(t, err)
	assert.Equal(t, 1, bad.attempts())
	assert.Equal(t, 2, good.attempts())
}

func TestWrite_NoClients(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	n, err := s.Write([]byte("nobody listening"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Zero(t, s.Len())
}

func TestWrite_BlocksOnSlowClient(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	slow := &fakeClient{release: make(chan struct{})}
	require.NoError(t, s.Attach(slow, "slow"))

	returned := make(chan struct{})
	go func() {
		_, _ = s.Write([]byte("x"))
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("write returned before the slow client attempted it")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after the slow client was released")
	}
	assert.Equal(t, 1, slow.attempts())
}

func TestWrite_ConcurrentProducersDoNotInterleave(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	c := &fakeClient{}
	require.NoError(t, s.Attach(c, "fake"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Write(bytes.Repeat([]byte{byte(i)}, 64))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 8, c.attempts())
	for _, w := range c.writes {
		assert.Equal(t, bytes.Repeat(w[:1], 64), w)
	}
}

func TestTCP_ThreeClientsReceiveFullBuffer(t *testing.T) {
	s := startServer(t)

	conns := []net.Conn{dial(t, s), dial(t, s), dial(t, s)}
	require.Eventually(t, func() bool { return s.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	data := make([]byte, 100)
	n, err := s.Write(data)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 3, s.Len())

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		got := make([]byte, 100)
		_, err := io.ReadFull(c, got)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestTCP_StreamIsUnframedConcatenation(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)
	require.Eventually(t, func() bool { return s.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := s.Write([]byte("\x00\x00\x00\x01abc"))
	require.NoError(t, err)
	_, err = s.Write([]byte("\x00\x00\x00\x01de"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, 13)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00\x01abc\x00\x00\x00\x01de"), got)
}

func TestTCP_ClosedClientRemovedAfterWriteCycle(t *testing.T) {
	s := startServer(t)

	keep := dial(t, s)
	gone := dial(t, s)
	require.Eventually(t, func() bool { return s.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, gone.Close())

	require.Eventually(t, func() bool {
		_, err := s.Write([]byte("ping"))
		return err == nil && s.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The surviving client still receives data.
	_, err := s.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, keep.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf, err := io.ReadAll(io.LimitReader(keep, 4))
	require.NoError(t, err)
	assert.Len(t, buf, 4)
}

func TestTCP_HalfClosedClientKeepsReceiving(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)
	require.Eventually(t, func() bool { return s.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The client sends nothing more but keeps reading.
	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	time.Sleep(50 * time.Millisecond)

	_, err := s.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, 4)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

// watchedClient reports its own hang-up through WatchPeer.
type watchedClient struct {
	fakeClient
	gone chan struct{}
}

func (w *watchedClient) WatchPeer() error {
	<-w.gone
	return io.ErrUnexpectedEOF
}

func TestAttach_PeerWatcherHangup(t *testing.T) {
	s := New("test")
	t.Cleanup(func() { _ = s.Stop() })

	c := &watchedClient{gone: make(chan struct{})}
	require.NoError(t, s.Attach(c, "watched"))

	_, err := s.Write([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	close(c.gone)
	require.Eventually(t, func() bool {
		_, err := s.Write([]byte("b"))
		return err == nil && s.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.closeCount())
}

func TestStart_BindFailure(t *testing.T) {
	held, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Close() })

	s := New("test")
	err = s.Start(netutil.Port(held.Addr()))
	require.Error(t, err)
	assert.Nil(t, s.Addr())

	// Nothing was started, so stopping is still clean.
	assert.NoError(t, s.Stop())
}

func TestStart_Twice(t *testing.T) {
	s := startServer(t)
	assert.ErrorIs(t, s.Start(0), ErrAlreadyStarted)
}

func TestStop_Idempotent(t *testing.T) {
	s := New("test")
	require.NoError(t, s.Start(0))

	c := &fakeClient{}
	require.NoError(t, s.Attach(c, "fake"))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	assert.Equal(t, 1, c.closeCount(), "socket must be closed exactly once")
	assert.Zero(t, s.Len())
}

func TestStop_RejectsFurtherUse(t *testing.T) {
	s := New("test")
	require.NoError(t, s.Start(0))
	require.NoError(t, s.Stop())

	_, err := s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrServerClosed)

	c := &fakeClient{}
	assert.ErrorIs(t, s.Attach(c, "late"), ErrServerClosed)
	assert.Equal(t, 1, c.closeCount())

	assert.ErrorIs(t, s.Start(0), ErrServerClosed)
}

func TestStop_ClosesTCPClients(t *testing.T) {
	s := New("test")
	require.NoError(t, s.Start(0))
	c := dial(t, s)
	require.Eventually(t, func() bool { return s.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAttach_MaxConns(t *testing.T) {
	s := New("test", WithMaxConns(1))
	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.Attach(&fakeClient{}, "first"))

	refused := &fakeClient{}
	assert.ErrorIs(t, s.Attach(refused, "second"), ErrTooManyClients)
	assert.Equal(t, 1, refused.closeCount())
	assert.Equal(t, 1, s.Len())
}
