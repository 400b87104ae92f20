package tunnel_test

import (
	"io"
	"sync"

	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// loopbackConn is a minimal io.ReadWriteCloser test double: reads always
// block (callers that only write don't care), writes are accepted in full
// and recorded. Safe for concurrent use.
type loopbackConn struct {
	mu      sync.Mutex
	written []byte
	closed  bool
}

func (c *loopbackConn) Read(p []byte) (int, error) {
	<-blockForever()
	return 0, io.EOF
}

func (c *loopbackConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *loopbackConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

var blockForeverCh = make(chan struct{})

func blockForever() chan struct{} { return blockForeverCh }

// limitedConn accepts only the first `limit` bytes of its very first Write
// call, simulating a partial synchronous write; every write thereafter
// succeeds in full so the save queue can drain.
type limitedConn struct {
	mu        sync.Mutex
	limit     int
	firstCall bool
	written   []byte
	closed    bool
}

func newLimitedConn(limit int) *limitedConn {
	return &limitedConn{limit: limit, firstCall: true}
}

func (c *limitedConn) Read(p []byte) (int, error) {
	<-blockForever()
	return 0, io.EOF
}

func (c *limitedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	if c.firstCall && c.limit < n {
		n = c.limit
	}
	c.firstCall = false
	c.written = append(c.written, p[:n]...)
	return n, nil
}

func (c *limitedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *limitedConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.written))
	copy(out, c.written)
	return out
}

// noopRoleHandler is a tunnel.Handler that records nothing; used by tests
// that only exercise Register/Close/half-close behavior.
type noopRoleHandler struct {
	mu       sync.Mutex
	messages []wire.Command
}

func (h *noopRoleHandler) HandleMessage(t *tunnel.Tunnel, cmd wire.Command, msg wire.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, cmd)
	h.mu.Unlock()
}

type recordingDelegate struct {
	mu       sync.Mutex
	opened   int
	closed   int
	closeErr error
	cfgs     []wire.Value
}

func (d *recordingDelegate) Opened(t *tunnel.Tunnel) {
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
}

func (d *recordingDelegate) Closed(t *tunnel.Tunnel, cause error) {
	d.mu.Lock()
	d.closed++
	d.closeErr = cause
	d.mu.Unlock()
}

func (d *recordingDelegate) ConfigurationReceived(t *tunnel.Tunnel, cfg wire.Value) {
	d.mu.Lock()
	d.cfgs = append(d.cfgs, cfg)
	d.mu.Unlock()
}

func (d *recordingDelegate) ClosedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
