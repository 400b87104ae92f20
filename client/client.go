package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"simpletunnel/netconfig"
	"simpletunnel/transport"
	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// Client owns the client side of one tunnel: dialing the server (racing
// transport families), opening flows, and recognizing the two messages
// only the client handler resolves: `openResult` (delivered to the
// matching pending open) and `fetchConfiguration` (surfaced to
// ConfigurationFunc).
type Client struct {
	t      *tunnel.Tunnel
	logger *zap.Logger

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan wire.Message

	// ConfigurationFunc, if set before Dial's tunnel starts running, is
	// invoked whenever the server pushes a `fetchConfiguration` reply.
	ConfigurationFunc func(netconfig.Configuration)
}

// Dial races targets via transport.Dial and starts the tunnel's read loop in
// its own goroutine.
func Dial(ctx context.Context, targets []transport.Target, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := transport.Dial(ctx, targets)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:  logger,
		pending: make(map[int64]chan wire.Message),
	}
	c.t = tunnel.New(conn, c, c, logger)
	go func() {
		if err := c.t.Run(); err != nil {
			logger.Debug("client tunnel closed", zap.Error(err))
		}
	}()
	return c, nil
}

// Close tears the underlying tunnel down.
func (c *Client) Close() { c.t.Close(nil) }

// --- tunnel.Delegate ---

func (c *Client) Opened(t *tunnel.Tunnel)                 {}
func (c *Client) Closed(t *tunnel.Tunnel, cause error)    {}
func (c *Client) ConfigurationReceived(t *tunnel.Tunnel, cfg wire.Value) {
	if c.ConfigurationFunc == nil {
		return
	}
	if parsed, ok := netconfig.FromValue(cfg); ok {
		c.ConfigurationFunc(parsed)
	}
}

// --- tunnel.Handler ---

// HandleMessage is the client's role handler: it recognizes `openResult`
// (routed to the flow's pending open call) and `fetchConfiguration`. A
// fetchConfiguration reply that matches an in-flight FetchConfiguration
// call is routed there; any other fetchConfiguration (an unsolicited
// server push, or a reply with no identifier) is surfaced via
// ConfigurationReceived instead.
func (c *Client) HandleMessage(t *tunnel.Tunnel, cmd wire.Command, msg wire.Message) {
	switch cmd {
	case wire.CommandOpenResult:
		if id, ok := msg.Identifier(); ok {
			c.deliverPending(id, msg)
		}
	case wire.CommandFetchConfiguration:
		if id, ok := msg.Identifier(); ok && c.deliverPending(id, msg) {
			return
		}
		if cfg, ok := msg.Configuration(); ok {
			c.ConfigurationReceived(t, cfg)
		}
	default:
		c.logger.Warn("client received unhandled message with no matching flow", zap.Stringer("command", cmd))
	}
}

func (c *Client) nextIdentifier() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

func (c *Client) registerPending(id int64) chan wire.Message {
	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) cancelPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliverPending hands msg to the pending call registered under id, if
// any, and reports whether one was found.
func (c *Client) deliverPending(id int64, msg wire.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// FetchConfiguration asks the server for the current tunnel-level network
// settings.
func (c *Client) FetchConfiguration(ctx context.Context) (netconfig.Configuration, error) {
	id := c.nextIdentifier()
	ch := c.registerPending(id)
	msg := wire.NewMessage(wire.CommandFetchConfiguration).SetIdentifier(id)
	if _, err := c.t.WriteMessage(msg); err != nil {
		c.cancelPending(id)
		return netconfig.Configuration{}, err
	}
	select {
	case reply := <-ch:
		cfgVal, ok := reply.Configuration()
		if !ok {
			return netconfig.Configuration{}, fmt.Errorf("client: fetchConfiguration reply missing configuration")
		}
		cfg, ok := netconfig.FromValue(cfgVal)
		if !ok {
			return netconfig.Configuration{}, fmt.Errorf("client: malformed configuration value")
		}
		return cfg, nil
	case <-ctx.Done():
		c.cancelPending(id)
		return netconfig.Configuration{}, ctx.Err()
	}
}

// --- TCP flows ---

// TCPFlow is the client side of a tunnel-type=app/tcp flow: an
// io.ReadWriteCloser whose Read delivers inbound `data` messages and whose
// Write emits outbound `data` messages.
type TCPFlow struct {
	id     int64
	client *Client
	conn   *tunnel.Connection

	pr *io.PipeReader
	pw *io.PipeWriter
}

// OpenTCP opens a TCP flow to host:port through the tunnel, blocking until
// the server's openResult arrives or ctx is done.
func (c *Client) OpenTCP(ctx context.Context, host string, port int) (*TCPFlow, error) {
	id := c.nextIdentifier()
	ch := c.registerPending(id)

	open := wire.NewMessage(wire.CommandOpen).
		SetIdentifier(id).
		SetTunnelType(wire.TunnelTypeApp).
		SetAppProxyFlowType(wire.AppProxyFlowTCP).
		SetHost(host).
		SetPort(port)
	if _, err := c.t.WriteMessage(open); err != nil {
		c.cancelPending(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		code, _ := reply.ResultCode()
		if code != wire.ResultSuccess {
			return nil, fmt.Errorf("client: open tcp %s:%d failed: %s", host, port, code)
		}
		pr, pw := io.Pipe()
		flow := &TCPFlow{id: id, client: c, pr: pr, pw: pw}
		conn := tunnel.NewConnection(id, false, flow)
		if err := c.t.Register(conn); err != nil {
			conn.Abort()
			return nil, err
		}
		flow.conn = conn
		return flow, nil
	case <-ctx.Done():
		c.cancelPending(id)
		return nil, ctx.Err()
	}
}

func (f *TCPFlow) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *TCPFlow) Write(p []byte) (int, error) {
	msg := wire.NewMessage(wire.CommandData).SetIdentifier(f.id).SetData(append([]byte(nil), p...))
	if _, err := f.client.t.WriteMessage(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *TCPFlow) Close() error {
	msg := wire.NewMessage(wire.CommandClose).SetIdentifier(f.id).SetCloseType(wire.CloseAll)
	_, _ = f.client.t.WriteMessage(msg)
	f.conn.Abort()
	return f.pw.Close()
}

func (f *TCPFlow) HandleData(data []byte) { _, _ = f.pw.Write(data) }

func (f *TCPFlow) HandleDataFromEndpoint(data []byte, host string, port int64) {}

func (f *TCPFlow) HandlePackets(packets [][]byte, protocols []int64) {}

func (f *TCPFlow) HandleClose(direction wire.CloseType) {
	if direction == wire.CloseRead || direction == wire.CloseAll {
		f.pw.CloseWithError(io.EOF)
	}
}

func (f *TCPFlow) HandleSuspend() {}
func (f *TCPFlow) HandleResume()  {}

// --- UDP flows ---

// Datagram is one inbound UDP datagram delivered to a UDPFlow, addressed by
// the peer endpoint it arrived from.
type Datagram struct {
	Data []byte
	Host string
	Port int64
}

// UDPFlow is the client side of a tunnel-type=app/udp flow: unlike TCPFlow,
// every datagram carries its own peer endpoint and there is no half-close.
type UDPFlow struct {
	id     int64
	client *Client
	conn   *tunnel.Connection

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Datagram
	closed  bool
}

// OpenUDP opens a UDP flow through the tunnel.
func (c *Client) OpenUDP(ctx context.Context) (*UDPFlow, error) {
	id := c.nextIdentifier()
	ch := c.registerPending(id)

	open := wire.NewMessage(wire.CommandOpen).
		SetIdentifier(id).
		SetTunnelType(wire.TunnelTypeApp).
		SetAppProxyFlowType(wire.AppProxyFlowUDP)
	if _, err := c.t.WriteMessage(open); err != nil {
		c.cancelPending(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		code, _ := reply.ResultCode()
		if code != wire.ResultSuccess {
			return nil, fmt.Errorf("client: open udp failed: %s", code)
		}
		flow := &UDPFlow{id: id, client: c}
		flow.cond = sync.NewCond(&flow.mu)
		conn := tunnel.NewConnection(id, false, flow)
		if err := c.t.Register(conn); err != nil {
			conn.Abort()
			return nil, err
		}
		flow.conn = conn
		return flow, nil
	case <-ctx.Done():
		c.cancelPending(id)
		return nil, ctx.Err()
	}
}

// WriteTo sends data to host:port over the flow.
func (f *UDPFlow) WriteTo(data []byte, host string, port int) error {
	msg := wire.NewMessage(wire.CommandData).
		SetIdentifier(f.id).
		SetData(append([]byte(nil), data...)).
		SetHost(host).
		SetPort(port)
	_, err := f.client.t.WriteMessage(msg)
	return err
}

// ReadFrom blocks until a datagram is available, ctx is done, or the flow
// closes.
func (f *UDPFlow) ReadFrom(ctx context.Context) (Datagram, error) {
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
			return Datagram{}, ctx.Err()
		}
		f.cond.Wait()
	}
	if ctx.Err() != nil {
		return Datagram{}, ctx.Err()
	}
	if f.closed && len(f.queue) == 0 {
		return Datagram{}, io.EOF
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	return d, nil
}

func (f *UDPFlow) Close() error {
	msg := wire.NewMessage(wire.CommandClose).SetIdentifier(f.id).SetCloseType(wire.CloseAll)
	_, _ = f.client.t.WriteMessage(msg)
	f.conn.Abort()
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	return nil
}

func (f *UDPFlow) HandleData(data []byte) {}

func (f *UDPFlow) HandleDataFromEndpoint(data []byte, host string, port int64) {
	f.mu.Lock()
	f.queue = append(f.queue, Datagram{Data: data, Host: host, Port: port})
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *UDPFlow) HandlePackets(packets [][]byte, protocols []int64) {}

func (f *UDPFlow) HandleClose(direction wire.CloseType) {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *UDPFlow) HandleSuspend() {}
func (f *UDPFlow) HandleResume()  {}

// --- IP flow ---

// IPFlow is the client side of a tunnel-type=ip flow: it pumps packets
// between the tunnel and a local PacketFlow.
type IPFlow struct {
	id     int64
	client *Client
	conn   *tunnel.Connection
	flow   PacketFlow
	cancel context.CancelFunc
}

// OpenIP opens the (exclusive) raw-IP flow and starts pumping packets
// between flow and the tunnel until ctx is done or the flow closes.
func (c *Client) OpenIP(ctx context.Context, flow PacketFlow) (*IPFlow, netconfig.Configuration, error) {
	id := c.nextIdentifier()
	ch := c.registerPending(id)

	open := wire.NewMessage(wire.CommandOpen).SetIdentifier(id).SetTunnelType(wire.TunnelTypeIP)
	if _, err := c.t.WriteMessage(open); err != nil {
		c.cancelPending(id)
		return nil, netconfig.Configuration{}, err
	}

	select {
	case reply := <-ch:
		code, _ := reply.ResultCode()
		if code != wire.ResultSuccess {
			return nil, netconfig.Configuration{}, fmt.Errorf("client: open ip flow failed: %s", code)
		}
		cfgVal, _ := reply.Configuration()
		cfg, _ := netconfig.FromValue(cfgVal)

		runCtx, cancel := context.WithCancel(ctx)
		ipf := &IPFlow{id: id, client: c, flow: flow, cancel: cancel}
		conn := tunnel.NewConnection(id, true, ipf)
		if err := c.t.Register(conn); err != nil {
			conn.Abort()
			cancel()
			return nil, netconfig.Configuration{}, err
		}
		ipf.conn = conn
		go ipf.pumpFromFlow(runCtx)
		return ipf, cfg, nil
	case <-ctx.Done():
		c.cancelPending(id)
		return nil, netconfig.Configuration{}, ctx.Err()
	}
}

func (f *IPFlow) pumpFromFlow(ctx context.Context) {
	for {
		packets, protocols, err := f.flow.ReadPackets(ctx)
		if err != nil {
			f.conn.Abort()
			return
		}
		msg := wire.NewMessage(wire.CommandPackets).
			SetIdentifier(f.id).
			SetPackets(packets).
			SetProtocols(protocols)
		if _, err := f.client.t.WriteMessage(msg); err != nil {
			f.conn.Abort()
			return
		}
	}
}

func (f *IPFlow) HandlePackets(packets [][]byte, protocols []int64) {
	_ = f.flow.WritePackets(packets, protocols)
}

func (f *IPFlow) HandleData(data []byte)                                      {}
func (f *IPFlow) HandleDataFromEndpoint(data []byte, host string, port int64) {}

func (f *IPFlow) HandleClose(direction wire.CloseType) {
	if direction != wire.CloseAll {
		return
	}
	f.cancel()
	f.flow.Close()
}

func (f *IPFlow) HandleSuspend() {}
func (f *IPFlow) HandleResume()  {}

// Close tears the IP flow down locally.
func (f *IPFlow) Close() error {
	msg := wire.NewMessage(wire.CommandClose).SetIdentifier(f.id).SetCloseType(wire.CloseAll)
	_, _ = f.client.t.WriteMessage(msg)
	f.cancel()
	f.conn.Abort()
	return f.flow.Close()
}
