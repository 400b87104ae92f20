package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// maxPacketsPerMessage and maxPacketBytes bound outbound `packets` batches.
const (
	maxPacketsPerMessage = 32
	maxPacketBytes       = 8192
)

// batchSettleDelay is how long the relay waits for another host packet
// before flushing a partial batch.
const batchSettleDelay = 5 * time.Millisecond

// IPSink is the server's counterpart of the client's packet-flow interface:
// it hands the IP relay raw packets captured from the host's IP stack and
// accepts packets the relay wants injected into it. Binding this to a real
// TUN device or raw socket is platform-specific privileged I/O, so a real
// implementation is supplied by the embedding application and a no-op
// stand-in is used by default and by tests.
type IPSink interface {
	ReadPacket(ctx context.Context) (packet []byte, protocol int64, err error)
	WritePacket(packet []byte, protocol int64) error
	Close() error
}

// NullIPSink is an IPSink that delivers nothing and discards every write,
// for servers run without host-level packet capture configured.
type NullIPSink struct {
	done chan struct{}
}

// NewNullIPSink constructs a NullIPSink whose ReadPacket blocks until ctx is
// canceled or Close is called.
func NewNullIPSink() *NullIPSink {
	return &NullIPSink{done: make(chan struct{})}
}

func (n *NullIPSink) ReadPacket(ctx context.Context) ([]byte, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-n.done:
		return nil, 0, errIPSinkClosed
	}
}

func (n *NullIPSink) WritePacket(packet []byte, protocol int64) error { return nil }

func (n *NullIPSink) Close() error {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	return nil
}

var errIPSinkClosed = errSentinel("server: ip sink closed")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// ipRelay serves one raw-IP flow: allocate an address from the pool,
// forward inbound `packets` batches to the host's IP stack, and batch
// outbound packets captured from the host into `packets` messages.
type ipRelay struct {
	logger *zap.Logger
	t      *tunnel.Tunnel
	id     int64
	srv    *Server
	addr   string
	sink   IPSink
	c      *tunnel.Connection

	cancel context.CancelFunc
}

func openIPFlow(h *roleHandler, t *tunnel.Tunnel, id int64) {
	srv := h.srv
	addr, ok := srv.pool.Allocate()
	if !ok {
		h.limiter.RecordFailure()
		srv.logger.Warn("address pool exhausted", zap.Int64("id", id))
		sendOpenResult(t, id, wire.ResultInternalError)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &ipRelay{
		logger: srv.logger,
		t:      t,
		id:     id,
		srv:    srv,
		addr:   addr,
		sink:   srv.ipSink,
		cancel: cancel,
	}

	// An IP-layer flow owns its whole tunnel exclusively: closing it
	// closes the tunnel.
	c := tunnel.NewConnection(id, true, r)
	if err := t.Register(c); err != nil {
		srv.logger.Warn("failed to register ip flow", zap.Int64("id", id), zap.Error(err))
		c.Abort()
		srv.pool.Deallocate(addr)
		cancel()
		return
	}
	r.c = c

	cfg := srv.cfg.Configuration.WithoutPool().WithAssignedAddress(addr)
	sendOpenResultWithConfiguration(t, id, wire.ResultSuccess, cfg)

	go r.readLoop(ctx)
}

func (r *ipRelay) readLoop(ctx context.Context) {
	var packets [][]byte
	var protocols []int64
	pendingBytes := 0

	flush := func() {
		if len(packets) == 0 {
			return
		}
		msg := wire.NewMessage(wire.CommandPackets).
			SetIdentifier(r.id).
			SetPackets(packets).
			SetProtocols(protocols)
		if _, err := r.t.WriteMessage(msg); err != nil {
			r.c.Abort()
		}
		packets = nil
		protocols = nil
		pendingBytes = 0
	}

	for {
		// With a partial batch pending, wait only briefly for the next
		// packet so a lull in host traffic flushes what we have instead of
		// holding it until the batch caps are hit.
		readCtx := ctx
		var cancel context.CancelFunc
		if len(packets) > 0 {
			readCtx, cancel = context.WithTimeout(ctx, batchSettleDelay)
		}
		packet, protocol, err := r.sink.ReadPacket(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			flush()
			if ctx.Err() != nil || readCtx == ctx {
				return
			}
			continue
		}
		if len(packet) > maxPacketBytes {
			packet = packet[:maxPacketBytes]
		}
		packets = append(packets, packet)
		protocols = append(protocols, protocol)
		pendingBytes += len(packet)

		if len(packets) >= maxPacketsPerMessage || pendingBytes >= maxPacketBytes {
			flush()
		}
	}
}

func (r *ipRelay) HandlePackets(packets [][]byte, protocols []int64) {
	for i, p := range packets {
		if err := r.sink.WritePacket(p, protocols[i]); err != nil {
			r.logger.Debug("ip relay write failed", zap.Int64("id", r.id), zap.Error(err))
		}
	}
}

func (r *ipRelay) HandleData(data []byte)                                    {}
func (r *ipRelay) HandleDataFromEndpoint(data []byte, host string, port int64) {}

func (r *ipRelay) HandleClose(direction wire.CloseType) {
	if direction != wire.CloseAll {
		return
	}
	r.cancel()
	r.srv.pool.Deallocate(r.addr)
}

func (r *ipRelay) HandleSuspend() {}
func (r *ipRelay) HandleResume()  {}
