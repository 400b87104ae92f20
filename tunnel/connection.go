package tunnel

import (
	"sync"

	"simpletunnel/wire"
)

// FlowHandler is the per-flow collaborator notified of events dispatched to
// one logical connection: inbound data/packets, peer-driven half-close, and
// suspend/resume flow-control hints. Server-side relays (server package) and
// the client-side flow adapter (client package) both implement it.
//
// HandleData, HandleDataFromEndpoint, HandlePackets, and HandleClose are
// invoked on the connection's own delivery goroutine, in the order the
// events arrived on the wire; they may block (an outbound socket write, a
// full pipe) without stalling the tunnel's read loop or any other flow.
// HandleSuspend and HandleResume are control signals delivered
// synchronously from the caller's goroutine, ahead of any queued data, so
// implementations must not block in them.
type FlowHandler interface {
	HandleData(data []byte)
	HandleDataFromEndpoint(data []byte, host string, port int64)
	HandlePackets(packets [][]byte, protocols []int64)
	HandleClose(direction wire.CloseType)
	HandleSuspend()
	HandleResume()
}

// flowEvent is one queued delivery bound for a Connection's FlowHandler.
type flowEvent struct {
	kind      flowEventKind
	data      []byte
	host      string
	port      int64
	packets   [][]byte
	protocols []int64
	direction wire.CloseType
}

type flowEventKind int

const (
	eventData flowEventKind = iota
	eventDataEndpoint
	eventPackets
	eventClose
)

// SaveEntry is one outstanding (bytes, already-written-offset) pair
// awaiting output, per the Save Queue glossary entry.
type SaveEntry struct {
	Data    []byte
	Written int
}

// Connection is one multiplexed logical flow. Its back-reference to the
// owning Tunnel is cleared exactly once, when the flow reaches CloseAll.
type Connection struct {
	identifier int64
	exclusive  bool
	handler    FlowHandler

	mu               sync.Mutex
	closeDir         wire.CloseType
	tunnel           *Tunnel
	locallySuspended bool // this tunnel's outbound save queue is backed up
	peerSuspended    bool // peer sent `suspend` for this identifier

	// saveQueue is the connection's own outbound buffer (e.g. bytes a TCP
	// relay could not yet write to its remote socket). It is filled and
	// drained from the connection's delivery goroutine; Abort may clear it
	// from another goroutine, so access goes through mu.
	saveQueue []SaveEntry

	// events is the mailbox drained by deliverLoop, the connection's
	// owning task. dispatch and Tunnel.Close enqueue into it and never
	// wait on the handler.
	evMu   sync.Mutex
	evCond *sync.Cond
	events []flowEvent
	evStop bool
}

// NewConnection constructs a Connection in the open state and starts its
// delivery goroutine. handler may be nil for connections created purely to
// exercise registry/half-close behavior in tests; no goroutine is started
// for those.
func NewConnection(identifier int64, exclusive bool, handler FlowHandler) *Connection {
	c := &Connection{
		identifier: identifier,
		exclusive:  exclusive,
		handler:    handler,
		closeDir:   wire.CloseNone,
	}
	c.evCond = sync.NewCond(&c.evMu)
	if handler != nil {
		go c.deliverLoop()
	}
	return c
}

// deliverLoop is the connection's owning task: it drains the mailbox in
// FIFO order and invokes the FlowHandler, so a handler that blocks stalls
// only this connection. It exits once the handler has observed a full
// close, or once stopDelivery is called and the mailbox is drained.
func (c *Connection) deliverLoop() {
	for {
		c.evMu.Lock()
		for len(c.events) == 0 && !c.evStop {
			c.evCond.Wait()
		}
		if len(c.events) == 0 {
			c.evMu.Unlock()
			return
		}
		ev := c.events[0]
		c.events = c.events[1:]
		c.evMu.Unlock()

		switch ev.kind {
		case eventData:
			c.handler.HandleData(ev.data)
		case eventDataEndpoint:
			c.handler.HandleDataFromEndpoint(ev.data, ev.host, ev.port)
		case eventPackets:
			c.handler.HandlePackets(ev.packets, ev.protocols)
		case eventClose:
			c.handler.HandleClose(ev.direction)
			if ev.direction == wire.CloseAll {
				c.stopDelivery()
			}
		}
	}
}

func (c *Connection) enqueue(ev flowEvent) {
	if c.handler == nil {
		return
	}
	c.evMu.Lock()
	if c.evStop {
		c.evMu.Unlock()
		return
	}
	c.events = append(c.events, ev)
	c.evCond.Signal()
	c.evMu.Unlock()
}

// stopDelivery lets deliverLoop finish whatever is already queued and then
// exit; later enqueues are dropped. Idempotent.
func (c *Connection) stopDelivery() {
	c.evMu.Lock()
	c.evStop = true
	c.evCond.Broadcast()
	c.evMu.Unlock()
}

func (c *Connection) Identifier() int64 { return c.identifier }
func (c *Connection) Exclusive() bool   { return c.exclusive }

// Tunnel returns the owning tunnel, or nil if this connection has been
// removed from its registry.
func (c *Connection) Tunnel() *Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnel
}

func (c *Connection) setTunnel(t *Tunnel) {
	c.mu.Lock()
	c.tunnel = t
	c.mu.Unlock()
}

// CloseDirection returns the connection's current half-close state.
func (c *Connection) CloseDirection() wire.CloseType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeDir
}

func (c *Connection) ClosedForRead() bool {
	d := c.CloseDirection()
	return d == wire.CloseRead || d == wire.CloseAll
}

func (c *Connection) ClosedForWrite() bool {
	d := c.CloseDirection()
	return d == wire.CloseWrite || d == wire.CloseAll
}

// nextCloseDirection implements the half-close transition table, including
// the "collapse to all" rule: once a connection is partially closed in one
// direction and a *different*, non-none direction is applied, the result is
// CloseAll even if the two directions would not logically entail a full
// close. Peers depend on this collapse, so it is load-bearing, not a quirk.
func nextCloseDirection(cur, applied wire.CloseType) wire.CloseType {
	if applied == wire.CloseNone {
		return cur
	}
	if cur == wire.CloseAll {
		return wire.CloseAll
	}
	if cur == wire.CloseNone {
		return applied
	}
	if cur == applied {
		return cur
	}
	return wire.CloseAll
}

// Close applies a half-close transition. It returns true exactly when this
// call is the one that moved the connection into CloseAll, in which case
// the connection has already been removed from its tunnel's registry (or,
// for an exclusive connection, the tunnel itself has been closed).
func (c *Connection) Close(direction wire.CloseType) bool {
	if direction == wire.CloseNone {
		return false
	}

	c.mu.Lock()
	prev := c.closeDir
	next := nextCloseDirection(prev, direction)
	c.closeDir = next
	becameFull := next == wire.CloseAll && prev != wire.CloseAll
	tun := c.tunnel
	excl := c.exclusive
	c.mu.Unlock()

	if becameFull {
		c.finalize(tun, excl)
	}
	return becameFull
}

// Abort is the local variant of a full close: it clears the connection's
// own save queue and enters CloseAll without sending a `close` message to
// the peer. The delivery goroutine finishes what is already queued and
// exits. Idempotent.
func (c *Connection) Abort() {
	c.mu.Lock()
	c.saveQueue = nil
	prev := c.closeDir
	c.closeDir = wire.CloseAll
	tun := c.tunnel
	excl := c.exclusive
	c.mu.Unlock()

	c.stopDelivery()
	if prev != wire.CloseAll {
		c.finalize(tun, excl)
	}
}

func (c *Connection) finalize(tun *Tunnel, exclusive bool) {
	if tun == nil {
		return
	}
	if exclusive {
		tun.Close(nil)
		return
	}
	tun.removeConnection(c.identifier)
}

// setSuspendFlag updates one of the two independent suspend sources (the
// tunnel-driven "local" source or the peer-driven "suspend" message) and
// notifies the FlowHandler only when the combined paused/unpaused state
// actually changes.
func (c *Connection) setSuspendFlag(local bool, value bool) {
	c.mu.Lock()
	before := c.locallySuspended || c.peerSuspended
	if local {
		c.locallySuspended = value
	} else {
		c.peerSuspended = value
	}
	after := c.locallySuspended || c.peerSuspended
	handler := c.handler
	c.mu.Unlock()

	if handler == nil || before == after {
		return
	}
	if after {
		handler.HandleSuspend()
	} else {
		handler.HandleResume()
	}
}

// Suspended reports whether this connection is currently paused for any
// reason (local tunnel backpressure or a peer `suspend` message).
func (c *Connection) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locallySuspended || c.peerSuspended
}

func (c *Connection) deliverData(data []byte) {
	c.enqueue(flowEvent{kind: eventData, data: data})
}

func (c *Connection) deliverDataFromEndpoint(data []byte, host string, port int64) {
	c.enqueue(flowEvent{kind: eventDataEndpoint, data: data, host: host, port: port})
}

func (c *Connection) deliverPackets(packets [][]byte, protocols []int64) {
	c.enqueue(flowEvent{kind: eventPackets, packets: packets, protocols: protocols})
}

func (c *Connection) deliverClose(direction wire.CloseType) {
	c.enqueue(flowEvent{kind: eventClose, direction: direction})
}

// --- per-connection save queue, drained by the owning delivery goroutine ---

// AppendSave appends bytes awaiting output on the connection's own sink
// (e.g. a relay's remote socket).
func (c *Connection) AppendSave(data []byte) {
	c.mu.Lock()
	c.saveQueue = append(c.saveQueue, SaveEntry{Data: data})
	c.mu.Unlock()
}

// HasSaved reports whether the connection's own save queue is non-empty.
func (c *Connection) HasSaved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saveQueue) > 0
}

// FrontSave returns the first queued entry without removing it.
func (c *Connection) FrontSave() (SaveEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saveQueue) == 0 {
		return SaveEntry{}, false
	}
	return c.saveQueue[0], true
}

// AdvanceSave records that n more bytes of the front entry were written,
// popping it once fully written.
func (c *Connection) AdvanceSave(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saveQueue) == 0 {
		return
	}
	c.saveQueue[0].Written += n
	if c.saveQueue[0].Written >= len(c.saveQueue[0].Data) {
		c.saveQueue = c.saveQueue[1:]
	}
}

// ClearSave discards all queued output, e.g. on local abort.
func (c *Connection) ClearSave() {
	c.mu.Lock()
	c.saveQueue = nil
	c.mu.Unlock()
}
