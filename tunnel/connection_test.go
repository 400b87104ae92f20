package tunnel_test

import (
	"sync"
	"testing"

	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// fakeHandler records FlowHandler invocations. Data and close events
// arrive on the connection's delivery goroutine and suspend/resume on the
// caller's, so everything is mutex-guarded.
type fakeHandler struct {
	mu         sync.Mutex
	data       [][]byte
	endpoint   []endpointDelivery
	packets    [][][]byte
	protocols  [][]int64
	closes     []wire.CloseType
	suspendCnt int
	resumeCnt  int
}

type endpointDelivery struct {
	data []byte
	host string
	port int64
}

func (h *fakeHandler) HandleData(data []byte) {
	h.mu.Lock()
	h.data = append(h.data, data)
	h.mu.Unlock()
}

func (h *fakeHandler) HandleDataFromEndpoint(data []byte, host string, port int64) {
	h.mu.Lock()
	h.endpoint = append(h.endpoint, endpointDelivery{data, host, port})
	h.mu.Unlock()
}

func (h *fakeHandler) HandlePackets(packets [][]byte, protocols []int64) {
	h.mu.Lock()
	h.packets = append(h.packets, packets)
	h.protocols = append(h.protocols, protocols)
	h.mu.Unlock()
}

func (h *fakeHandler) HandleClose(direction wire.CloseType) {
	h.mu.Lock()
	h.closes = append(h.closes, direction)
	h.mu.Unlock()
}

func (h *fakeHandler) HandleSuspend() {
	h.mu.Lock()
	h.suspendCnt++
	h.mu.Unlock()
}

func (h *fakeHandler) HandleResume() {
	h.mu.Lock()
	h.resumeCnt++
	h.mu.Unlock()
}

// TestHalfCloseTransitionTable walks the half-close transition table
// directly.
func TestHalfCloseTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		applied []wire.CloseType
		want    wire.CloseType
	}{
		{"open -> read", []wire.CloseType{wire.CloseRead}, wire.CloseRead},
		{"open -> write", []wire.CloseType{wire.CloseWrite}, wire.CloseWrite},
		{"open -> all", []wire.CloseType{wire.CloseAll}, wire.CloseAll},
		{"read -> read (idempotent)", []wire.CloseType{wire.CloseRead, wire.CloseRead}, wire.CloseRead},
		{"read -> write collapses to all", []wire.CloseType{wire.CloseRead, wire.CloseWrite}, wire.CloseAll},
		{"write -> read collapses to all", []wire.CloseType{wire.CloseWrite, wire.CloseRead}, wire.CloseAll},
		{"write -> write (idempotent)", []wire.CloseType{wire.CloseWrite, wire.CloseWrite}, wire.CloseWrite},
		{"all -> read stays all", []wire.CloseType{wire.CloseAll, wire.CloseRead}, wire.CloseAll},
		{"all -> write stays all", []wire.CloseType{wire.CloseAll, wire.CloseWrite}, wire.CloseAll},
		{"none is a no-op", []wire.CloseType{wire.CloseNone}, wire.CloseNone},
		{"read then none stays read", []wire.CloseType{wire.CloseRead, wire.CloseNone}, wire.CloseRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tunnel.NewConnection(1, false, &fakeHandler{})
			for _, dir := range tt.applied {
				c.Close(dir)
			}
			if got := c.CloseDirection(); got != tt.want {
				t.Fatalf("CloseDirection() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestHalfCloseMonotonicity checks that the close direction only moves
// along the transition table, never back to a less-closed state.
func TestHalfCloseMonotonicity(t *testing.T) {
	rank := map[wire.CloseType]int{
		wire.CloseNone:  0,
		wire.CloseRead:  1,
		wire.CloseWrite: 1,
		wire.CloseAll:   2,
	}
	sequences := [][]wire.CloseType{
		{wire.CloseRead, wire.CloseRead, wire.CloseWrite},
		{wire.CloseWrite, wire.CloseAll, wire.CloseRead},
		{wire.CloseAll, wire.CloseAll},
	}
	for _, seq := range sequences {
		c := tunnel.NewConnection(2, false, &fakeHandler{})
		prevRank := 0
		for _, dir := range seq {
			c.Close(dir)
			r := rank[c.CloseDirection()]
			if r < prevRank {
				t.Fatalf("close_direction rank decreased: sequence %v, now %v", seq, c.CloseDirection())
			}
			prevRank = r
		}
	}
}

// A read half-close leaves the connection registered; the following write
// half-close collapses it to fully closed and removes it.
func TestHalfCloseCollapseRemovesFromRegistry(t *testing.T) {
	tun := tunnel.New(&loopbackConn{}, &noopRoleHandler{}, nil, nil)
	c := tunnel.NewConnection(9, false, &fakeHandler{})
	if err := tun.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c.Close(wire.CloseRead)
	if c.CloseDirection() != wire.CloseRead {
		t.Fatalf("after close(read): %v, want CloseRead", c.CloseDirection())
	}
	if _, ok := tun.Lookup(9); !ok {
		t.Fatal("connection should still be registered after half-close")
	}

	c.Close(wire.CloseWrite)
	if c.CloseDirection() != wire.CloseAll {
		t.Fatalf("after close(write): %v, want CloseAll", c.CloseDirection())
	}
	if _, ok := tun.Lookup(9); ok {
		t.Fatal("connection should be removed from registry once fully closed")
	}
}

func TestClosedForReadWrite(t *testing.T) {
	c := tunnel.NewConnection(1, false, &fakeHandler{})
	if c.ClosedForRead() || c.ClosedForWrite() {
		t.Fatal("a fresh connection should be closed for neither direction")
	}
	c.Close(wire.CloseRead)
	if !c.ClosedForRead() || c.ClosedForWrite() {
		t.Fatal("after close(read), expected ClosedForRead true, ClosedForWrite false")
	}
	c.Close(wire.CloseWrite)
	if !c.ClosedForRead() || !c.ClosedForWrite() {
		t.Fatal("after collapsing to all, both directions should report closed")
	}
}

func TestExclusiveConnectionClosesTunnel(t *testing.T) {
	tun := tunnel.New(&loopbackConn{}, &noopRoleHandler{}, nil, nil)
	c := tunnel.NewConnection(1, true, &fakeHandler{})
	if err := tun.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c.Close(wire.CloseAll)

	if _, ok := tun.Lookup(1); ok {
		t.Fatal("expected tunnel's registry to be empty after exclusive close")
	}
}

func TestAbortIsIdempotentAndClearsSaveQueue(t *testing.T) {
	c := tunnel.NewConnection(1, false, &fakeHandler{})
	c.AppendSave([]byte("pending"))
	c.Abort()
	if c.HasSaved() {
		t.Fatal("Abort should clear the save queue")
	}
	if c.CloseDirection() != wire.CloseAll {
		t.Fatalf("CloseDirection() after Abort = %v, want CloseAll", c.CloseDirection())
	}
	c.Abort() // idempotent, must not panic
}

func TestSaveQueueHelpers(t *testing.T) {
	c := tunnel.NewConnection(1, false, &fakeHandler{})
	if c.HasSaved() {
		t.Fatal("fresh connection should have no saved output")
	}
	c.AppendSave([]byte("hello"))
	c.AppendSave([]byte("world"))

	entry, ok := c.FrontSave()
	if !ok || string(entry.Data) != "hello" {
		t.Fatalf("FrontSave() = %+v, %v", entry, ok)
	}
	c.AdvanceSave(3)
	entry, ok = c.FrontSave()
	if !ok || entry.Written != 3 {
		t.Fatalf("FrontSave() after partial advance = %+v", entry)
	}
	c.AdvanceSave(2) // completes "hello"
	entry, ok = c.FrontSave()
	if !ok || string(entry.Data) != "world" {
		t.Fatalf("expected queue to advance to next entry, got %+v", entry)
	}
	c.ClearSave()
	if c.HasSaved() {
		t.Fatal("ClearSave should empty the queue")
	}
}

func TestFreshConnectionIsNotSuspended(t *testing.T) {
	h := &fakeHandler{}
	c := tunnel.NewConnection(1, false, h)

	c.Tunnel() // no-op sanity call on an unregistered connection
	if c.Suspended() {
		t.Fatal("fresh connection should not be suspended")
	}
}
