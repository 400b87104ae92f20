package client

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"simpletunnel/netconfig"
	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// newTestClient wires up a Client around one end of a net.Pipe without
// going through Dial (which requires a real transport.Target to connect
// to); the other end is handed back so the test can play the server role.
func newTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c := &Client{
		logger:  zap.NewNop(),
		pending: make(map[int64]chan wire.Message),
	}
	c.t = tunnel.New(clientSide, c, c, zap.NewNop())
	go c.t.Run()
	t.Cleanup(func() { c.Close() })
	return c, serverSide
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	msg, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn net.Conn, msg wire.Message) {
	t.Helper()
	frame, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestClientOpenTCPSuccessAndDataRoundTrip(t *testing.T) {
	c, server := newTestClient(t)

	done := make(chan struct{})
	var flow *TCPFlow
	var openErr error
	go func() {
		flow, openErr = c.OpenTCP(context.Background(), "192.0.2.10", 7)
		close(done)
	}()

	open := readFrame(t, server, 2*time.Second)
	cmd, _ := open.Command()
	if cmd != wire.CommandOpen {
		t.Fatalf("expected open, got %v", cmd)
	}
	host, _ := open.Host()
	port, _ := open.Port()
	if host != "192.0.2.10" || port != 7 {
		t.Fatalf("open host/port = %s:%d, want 192.0.2.10:7", host, port)
	}
	id, _ := open.Identifier()

	writeFrame(t, server, wire.NewMessage(wire.CommandOpenResult).SetIdentifier(id).SetResultCode(wire.ResultSuccess))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OpenTCP did not return in time")
	}
	if openErr != nil {
		t.Fatalf("OpenTCP: %v", openErr)
	}
	defer flow.Close()
	// Runs before flow.Close, so its close frame fails fast on the closed
	// pipe instead of waiting for a reader.
	defer server.Close()

	// net.Pipe is unbuffered: the tunnel's synchronous frame write returns
	// only once the server side reads it, so write from another goroutine.
	writeErr := make(chan error, 1)
	go func() {
		_, err := flow.Write([]byte("hello"))
		writeErr <- err
	}()
	data := readFrame(t, server, 2*time.Second)
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	dataCmd, _ := data.Command()
	if dataCmd != wire.CommandData {
		t.Fatalf("expected data, got %v", dataCmd)
	}
	payload, _ := data.Data()
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello", payload)
	}

	writeFrame(t, server, wire.NewMessage(wire.CommandData).SetIdentifier(id).SetData([]byte("world")))
	buf := make([]byte, 16)
	n, err := flow.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("Read() = %q, want world", buf[:n])
	}
}

func TestClientOpenTCPFailureReturnsError(t *testing.T) {
	c, server := newTestClient(t)

	done := make(chan struct{})
	var openErr error
	go func() {
		_, openErr = c.OpenTCP(context.Background(), "192.0.2.10", 7)
		close(done)
	}()

	open := readFrame(t, server, 2*time.Second)
	id, _ := open.Identifier()
	writeFrame(t, server, wire.NewMessage(wire.CommandOpenResult).SetIdentifier(id).SetResultCode(wire.ResultRefused))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OpenTCP did not return in time")
	}
	if openErr == nil {
		t.Fatal("expected an error for a refused open")
	}
}

func TestClientOpenUDPDatagramRoundTrip(t *testing.T) {
	c, server := newTestClient(t)

	done := make(chan struct{})
	var flow *UDPFlow
	var openErr error
	go func() {
		flow, openErr = c.OpenUDP(context.Background())
		close(done)
	}()

	open := readFrame(t, server, 2*time.Second)
	cmd, _ := open.Command()
	if cmd != wire.CommandOpen {
		t.Fatalf("expected open, got %v", cmd)
	}
	ft, _ := open.AppProxyFlowType()
	if ft != wire.AppProxyFlowUDP {
		t.Fatalf("app-proxy-flow-type = %v, want udp", ft)
	}
	id, _ := open.Identifier()
	writeFrame(t, server, wire.NewMessage(wire.CommandOpenResult).SetIdentifier(id).SetResultCode(wire.ResultSuccess))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OpenUDP did not return in time")
	}
	if openErr != nil {
		t.Fatalf("OpenUDP: %v", openErr)
	}
	defer flow.Close()
	// Runs before flow.Close, so its close frame fails fast on the closed
	// pipe instead of waiting for a reader.
	defer server.Close()

	// net.Pipe is unbuffered: the tunnel's synchronous frame write returns
	// only once the server side reads it, so write from another goroutine.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- flow.WriteTo([]byte{1, 2}, "198.51.100.5", 53)
	}()
	data := readFrame(t, server, 2*time.Second)
	if err := <-writeErr; err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	host, _ := data.Host()
	port, _ := data.Port()
	if host != "198.51.100.5" || port != 53 {
		t.Fatalf("data host/port = %s:%d, want 198.51.100.5:53", host, port)
	}

	writeFrame(t, server, wire.NewMessage(wire.CommandData).SetIdentifier(id).
		SetData([]byte{0xff}).SetHost("198.51.100.5").SetPort(53))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dgram, err := flow.ReadFrom(ctx)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(dgram.Data) != 1 || dgram.Data[0] != 0xff || dgram.Host != "198.51.100.5" || dgram.Port != 53 {
		t.Fatalf("ReadFrom() = %+v", dgram)
	}
}

func TestClientFetchConfiguration(t *testing.T) {
	c, server := newTestClient(t)

	done := make(chan struct{})
	go func() {
		req := readFrame(t, server, 2*time.Second)
		cmd, _ := req.Command()
		if cmd != wire.CommandFetchConfiguration {
			t.Errorf("expected fetchConfiguration, got %v", cmd)
		}
		id, _ := req.Identifier()

		cfgVal := wire.MapValue(map[string]wire.Value{
			"ipv4": wire.MapValue(map[string]wire.Value{
				"address": wire.StringValue("10.0.0.5"),
				"netmask": wire.StringValue("255.255.255.0"),
				"routes":  wire.ListValue(nil),
			}),
			"dns": wire.MapValue(map[string]wire.Value{
				"serversList":   wire.ListValue([]wire.Value{wire.StringValue("8.8.8.8")}),
				"searchDomains": wire.ListValue(nil),
			}),
			"proxies": wire.MapValue(nil),
		})
		writeFrame(t, server, wire.NewMessage(wire.CommandFetchConfiguration).SetIdentifier(id).SetConfiguration(cfgVal))
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg, err := c.FetchConfiguration(ctx)
	if err != nil {
		t.Fatalf("FetchConfiguration: %v", err)
	}
	if cfg.IPv4.Address != "10.0.0.5" {
		t.Fatalf("IPv4.Address = %q, want 10.0.0.5", cfg.IPv4.Address)
	}
	<-done
}

func TestClientConfigurationFuncCalledOnPush(t *testing.T) {
	c, server := newTestClient(t)

	received := make(chan netconfig.Configuration, 1)
	c.ConfigurationFunc = func(cfg netconfig.Configuration) {
		received <- cfg
	}

	cfgVal := wire.MapValue(map[string]wire.Value{
		"ipv4": wire.MapValue(map[string]wire.Value{
			"address": wire.StringValue("10.0.0.9"),
			"netmask": wire.StringValue("255.255.255.0"),
			"routes":  wire.ListValue(nil),
		}),
		"dns": wire.MapValue(map[string]wire.Value{
			"serversList":   wire.ListValue(nil),
			"searchDomains": wire.ListValue(nil),
		}),
		"proxies": wire.MapValue(nil),
	})
	writeFrame(t, server, wire.NewMessage(wire.CommandFetchConfiguration).SetConfiguration(cfgVal))

	select {
	case cfg := <-received:
		if cfg.IPv4.Address != "10.0.0.9" {
			t.Fatalf("IPv4.Address = %q, want 10.0.0.9", cfg.IPv4.Address)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ConfigurationFunc was not invoked in time")
	}
}
