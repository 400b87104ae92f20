package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

type nopHandler struct{}

func (nopHandler) HandleMessage(*tunnel.Tunnel, wire.Command, wire.Message) {}

// frameRecorder is an io.ReadWriteCloser whose writes accumulate in a
// buffer the test can decode back into frames. Reads block forever.
type frameRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

var recorderBlock = make(chan struct{})

func (f *frameRecorder) Read(p []byte) (int, error) {
	<-recorderBlock
	return 0, io.EOF
}

func (f *frameRecorder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *frameRecorder) Close() error { return nil }

func (f *frameRecorder) frames() []wire.Message {
	f.mu.Lock()
	data := append([]byte(nil), f.buf.Bytes()...)
	f.mu.Unlock()

	var msgs []wire.Message
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		m, err := wire.Decode(r)
		if err != nil {
			break
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (f *frameRecorder) hasCommand(cmd wire.Command) bool {
	for _, m := range f.frames() {
		if got, ok := m.Command(); ok && got == cmd {
			return true
		}
	}
	return false
}

// TestTCPRelayQueuesAndSignalsOnRemoteStall: a chunk the remote socket will
// not accept within writeStallTimeout lands on the connection's save queue
// and the peer is told to pause; once the remote drains, the queue empties
// and the peer is told to resume.
func TestTCPRelayQueuesAndSignalsOnRemoteStall(t *testing.T) {
	rec := &frameRecorder{}
	tun := tunnel.New(rec, nopHandler{}, nil, zap.NewNop())
	defer tun.Close(nil)

	local, remote := net.Pipe()
	defer remote.Close()

	r := &tcpRelay{logger: zap.NewNop(), t: tun, id: 9, conn: local}
	r.cond = sync.NewCond(&r.mu)
	c := tunnel.NewConnection(9, false, r)
	if err := tun.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.c = c

	payload := bytes.Repeat([]byte{0x5a}, 4096)
	done := make(chan struct{})
	go func() {
		r.HandleData(payload)
		close(done)
	}()

	// With nobody reading the remote end, the bounded write attempt must
	// stall, queue the chunk, and emit a suspend for this flow.
	waitFor(t, 2*time.Second, func() bool { return rec.hasCommand(wire.CommandSuspend) })

	got := make([]byte, 0, len(payload))
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 1024)
		for len(got) < len(payload) {
			n, err := remote.Read(buf)
			got = append(got, buf[:n]...)
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleData did not finish draining the save queue")
	}
	<-readDone

	if !bytes.Equal(got, payload) {
		t.Fatalf("remote received %d bytes, want the original %d-byte chunk intact", len(got), len(payload))
	}
	if c.HasSaved() {
		t.Fatal("save queue should be empty after the drain")
	}
	waitFor(t, 2*time.Second, func() bool { return rec.hasCommand(wire.CommandResume) })
}

// TestTCPRelayWritesDirectlyWhenRemoteKeepsUp: a chunk the remote accepts
// promptly never touches the save queue and emits no flow-control frames.
func TestTCPRelayWritesDirectlyWhenRemoteKeepsUp(t *testing.T) {
	rec := &frameRecorder{}
	tun := tunnel.New(rec, nopHandler{}, nil, zap.NewNop())
	defer tun.Close(nil)

	local, remote := net.Pipe()
	defer remote.Close()

	r := &tcpRelay{logger: zap.NewNop(), t: tun, id: 3, conn: local}
	r.cond = sync.NewCond(&r.mu)
	c := tunnel.NewConnection(3, false, r)
	if err := tun.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.c = c

	payload := []byte("prompt")
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(remote, buf)
	}()

	done := make(chan struct{})
	go func() {
		r.HandleData(payload)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleData did not complete against a prompt reader")
	}

	if c.HasSaved() {
		t.Fatal("a prompt write must not touch the save queue")
	}
	if rec.hasCommand(wire.CommandSuspend) || rec.hasCommand(wire.CommandResume) {
		t.Fatalf("no flow-control frames expected, got %v", rec.frames())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}
