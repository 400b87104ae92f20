// Package client implements the client side of SimpleTunnel: dialing the
// server (via transport.Dial's family racing), the role handler that
// recognizes `openResult`/`fetchConfiguration`, and flow adapters for
// opening TCP/UDP/IP flows from the local application's perspective.
package client

import (
	"context"
	"errors"
	"sync"
)

// PacketFlow is the client-to-host interface: the platform VPN/packet-flow
// integration that hands the client raw IP packets to forward into the
// tunnel and accepts packets the tunnel delivers back. Binding this to a
// real platform VPN interface (utun, WinTun, etc.) is left to the
// embedding application; this package only defines the seam and a loopback
// stand-in for tests.
type PacketFlow interface {
	ReadPackets(ctx context.Context) (packets [][]byte, protocols []int64, err error)
	WritePackets(packets [][]byte, protocols []int64) error
	Close() error
}

// ErrPacketFlowClosed is returned by a closed LoopbackPacketFlow's blocked
// ReadPackets call.
var ErrPacketFlowClosed = errors.New("client: packet flow closed")

// LoopbackPacketFlow is an in-memory PacketFlow used by tests in place of a
// real platform VPN interface: packets handed to WritePackets become
// available from ReadPackets on the same instance, FIFO.
type LoopbackPacketFlow struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	protos []int64
	closed bool
}

// NewLoopbackPacketFlow constructs an empty LoopbackPacketFlow.
func NewLoopbackPacketFlow() *LoopbackPacketFlow {
	f := &LoopbackPacketFlow{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// WritePackets enqueues packets for a subsequent ReadPackets call.
func (f *LoopbackPacketFlow) WritePackets(packets [][]byte, protocols []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrPacketFlowClosed
	}
	f.queue = append(f.queue, packets...)
	f.protos = append(f.protos, protocols...)
	f.cond.Broadcast()
	return nil
}

// ReadPackets blocks until at least one packet is queued, ctx is canceled,
// or the flow is closed.
func (f *LoopbackPacketFlow) ReadPackets(ctx context.Context) ([][]byte, []int64, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.queue) == 0 && !f.closed {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		f.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	if f.closed && len(f.queue) == 0 {
		return nil, nil, ErrPacketFlowClosed
	}
	packets, protos := f.queue, f.protos
	f.queue, f.protos = nil, nil
	return packets, protos, nil
}

// Close unblocks any pending ReadPackets call.
func (f *LoopbackPacketFlow) Close() error {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	return nil
}
