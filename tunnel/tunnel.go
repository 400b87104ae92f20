// Package tunnel implements the protocol engine shared by client and server:
// the Tunnel (one multiplexed byte channel plus its connection registry and
// save queue), the Connection half-close state machine, and the dispatch
// core that routes decoded messages to either a Connection or the
// role-specific Handler.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"simpletunnel/wire"
)

// Delegate receives tunnel lifecycle events.
type Delegate interface {
	Opened(t *Tunnel)
	Closed(t *Tunnel, cause error)
	ConfigurationReceived(t *Tunnel, cfg wire.Value)
}

// Handler is the sole point of asymmetry between client and server: it is
// consulted for `open`/`dns` messages, for any message whose
// identifier has no registered connection, and for any command the
// dispatch core does not itself resolve.
type Handler interface {
	HandleMessage(t *Tunnel, cmd wire.Command, msg wire.Message)
}

// Tunnel owns one full-duplex byte channel and multiplexes many logical
// Connections over it.
type Tunnel struct {
	conn     io.ReadWriteCloser
	logger   *zap.Logger
	handler  Handler
	delegate Delegate

	mu          sync.Mutex
	connections map[int64]*Connection
	saveQueue   []SaveEntry
	flushing    bool
	closed      bool

	writeMu sync.Mutex // serializes direct-write attempts against the flush loop
}

// New constructs a Tunnel over conn. It does not start the read loop; call
// Run for that, typically in its own goroutine.
func New(conn io.ReadWriteCloser, handler Handler, delegate Delegate, logger *zap.Logger) *Tunnel {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tunnel{
		conn:        conn,
		logger:      logger,
		handler:     handler,
		delegate:    delegate,
		connections: make(map[int64]*Connection),
	}
	registerGlobal(t)
	if delegate != nil {
		delegate.Opened(t)
	}
	return t
}

// Register adds c to the tunnel's connection registry under c.Identifier().
// Returns an error if the identifier is already registered.
func (t *Tunnel) Register(c *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("tunnel: closed")
	}
	if _, exists := t.connections[c.identifier]; exists {
		return fmt.Errorf("tunnel: identifier %d already registered", c.identifier)
	}
	t.connections[c.identifier] = c
	c.setTunnel(t)
	if t.isSaveQueueNonEmptyLocked() {
		c.setSuspendFlag(true, true)
	}
	return nil
}

// Lookup returns the connection registered under id, if any.
func (t *Tunnel) Lookup(id int64) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.connections[id]
	return c, ok
}

// Connections returns a snapshot slice of all currently registered
// connections.
func (t *Tunnel) Connections() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		out = append(out, c)
	}
	return out
}

// removeConnection deletes id from the registry and clears that
// connection's back-reference, keeping the invariant that a fully-closed
// connection is absent from the registry. Called by Connection.finalize
// exactly once.
func (t *Tunnel) removeConnection(id int64) {
	t.mu.Lock()
	c, ok := t.connections[id]
	if ok {
		delete(t.connections, id)
	}
	t.mu.Unlock()
	if ok {
		c.setTunnel(nil)
	}
}

func (t *Tunnel) isSaveQueueNonEmptyLocked() bool {
	return len(t.saveQueue) > 0
}

func (t *Tunnel) suspendAll() {
	for _, c := range t.Connections() {
		c.setSuspendFlag(true, true)
	}
}

func (t *Tunnel) resumeAll() {
	for _, c := range t.Connections() {
		c.setSuspendFlag(true, false)
	}
}

// WriteMessage serializes msg and attempts a best-effort synchronous write
// of the whole frame. Any unwritten suffix is queued and
// every member connection is suspended until the queue drains. It returns
// false only when serialization failed; write errors close the tunnel
// instead of being returned.
func (t *Tunnel) WriteMessage(msg wire.Message) (bool, error) {
	frame, err := wire.Encode(msg)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return true, nil
	}
	if t.isSaveQueueNonEmptyLocked() {
		t.saveQueue = append(t.saveQueue, SaveEntry{Data: frame})
		t.mu.Unlock()
		return true, nil
	}
	t.mu.Unlock()

	n, werr := t.attemptWrite(frame)
	if werr != nil {
		t.Close(werr)
		return true, nil
	}
	if n < len(frame) {
		t.mu.Lock()
		t.saveQueue = append(t.saveQueue, SaveEntry{Data: frame, Written: n})
		t.mu.Unlock()
		t.suspendAll()
		t.startFlushLoop()
	}
	return true, nil
}

// attemptWrite performs the best-effort direct write: one synchronous
// Write call. Any bytes it doesn't accept (a short
// write, which io.ReadWriteCloser implementations over real sockets return
// only on error in Go, or that a test double may return deliberately) are
// queued by the caller.
func (t *Tunnel) attemptWrite(frame []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(frame)
}

// startFlushLoop starts (if not already running) a goroutine that drains
// the save queue in FIFO order, resuming every connection once it empties.
func (t *Tunnel) startFlushLoop() {
	t.mu.Lock()
	if t.flushing || t.closed {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	t.mu.Unlock()

	go t.flushLoop()
}

func (t *Tunnel) flushLoop() {
	for {
		t.mu.Lock()
		if t.closed || len(t.saveQueue) == 0 {
			t.flushing = false
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.resumeAll()
			}
			return
		}
		entry := t.saveQueue[0]
		t.mu.Unlock()

		remaining := entry.Data[entry.Written:]
		t.writeMu.Lock()
		n, err := t.conn.Write(remaining)
		t.writeMu.Unlock()
		if err != nil {
			t.Close(err)
			return
		}

		t.mu.Lock()
		if len(t.saveQueue) > 0 {
			t.saveQueue[0].Written += n
			if t.saveQueue[0].Written >= len(t.saveQueue[0].Data) {
				t.saveQueue = t.saveQueue[1:]
			}
		}
		t.mu.Unlock()
	}
}

// Run drives the frame read loop until a read error, EOF, or Close. It
// invokes dispatch on each decoded frame in the exact order received, so
// messages on one tunnel are observed in the order they were framed.
func (t *Tunnel) Run() error {
	for {
		msg, err := wire.Decode(t.conn)
		if err != nil {
			t.Close(err)
			return err
		}
		t.dispatch(msg)

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil
		}
	}
}

// Close aborts every member connection (clearing their save queues), drops
// the registry, clears the tunnel save queue, closes the underlying
// channel, unregisters from the global tunnel list, and notifies the
// delegate exactly once. Idempotent.
func (t *Tunnel) Close(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conns := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		conns = append(conns, c)
	}
	t.connections = make(map[int64]*Connection)
	t.saveQueue = nil
	t.mu.Unlock()

	// Enqueue the close notification before Abort: Abort stops the
	// delivery goroutine after draining what is already queued, so the
	// handler still observes the full close.
	for _, c := range conns {
		c.setTunnel(nil)
		c.deliverClose(wire.CloseAll)
		c.Abort()
	}

	_ = t.conn.Close()
	unregisterGlobal(t)

	if t.delegate != nil {
		t.delegate.Closed(t, cause)
	}
}

// --- process-wide tunnel list, for coordinated shutdown ---

var (
	globalMu      sync.Mutex
	globalTunnels = make(map[*Tunnel]struct{})
)

func registerGlobal(t *Tunnel) {
	globalMu.Lock()
	globalTunnels[t] = struct{}{}
	globalMu.Unlock()
}

func unregisterGlobal(t *Tunnel) {
	globalMu.Lock()
	delete(globalTunnels, t)
	globalMu.Unlock()
}

// CloseAll closes every currently-tracked tunnel in the process, for
// coordinated shutdown.
func CloseAll() {
	globalMu.Lock()
	tunnels := make([]*Tunnel, 0, len(globalTunnels))
	for t := range globalTunnels {
		tunnels = append(tunnels, t)
	}
	globalMu.Unlock()

	for _, t := range tunnels {
		t.Close(nil)
	}
}

// GlobalCount returns the number of currently-tracked tunnels; exposed for
// tests.
func GlobalCount() int {
	globalMu.Lock()
	defer globalMu.Unlock()
	return len(globalTunnels)
}
