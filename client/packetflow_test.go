package client

import (
	"context"
	"testing"
	"time"
)

func TestLoopbackPacketFlowRoundTrip(t *testing.T) {
	f := NewLoopbackPacketFlow()

	if err := f.WritePackets([][]byte{[]byte("abc"), []byte("de")}, []int64{2, 2}); err != nil {
		t.Fatalf("WritePackets: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	packets, protocols, err := f.ReadPackets(ctx)
	if err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	if len(packets) != 2 || string(packets[0]) != "abc" || string(packets[1]) != "de" {
		t.Fatalf("packets = %v", packets)
	}
	if len(protocols) != 2 || protocols[0] != 2 || protocols[1] != 2 {
		t.Fatalf("protocols = %v", protocols)
	}
}

func TestLoopbackPacketFlowBlocksUntilDataOrCancel(t *testing.T) {
	f := NewLoopbackPacketFlow()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := f.ReadPackets(ctx)
	if err == nil {
		t.Fatal("expected ReadPackets to report an error once the context expires with no data")
	}
}

func TestLoopbackPacketFlowCloseUnblocksReaders(t *testing.T) {
	f := NewLoopbackPacketFlow()
	done := make(chan error, 1)
	go func() {
		_, _, err := f.ReadPackets(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	f.Close()

	select {
	case err := <-done:
		if err != ErrPacketFlowClosed {
			t.Fatalf("ReadPackets error = %v, want ErrPacketFlowClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadPackets did not unblock after Close")
	}
}

func TestLoopbackPacketFlowWriteAfterCloseFails(t *testing.T) {
	f := NewLoopbackPacketFlow()
	f.Close()
	if err := f.WritePackets([][]byte{[]byte("x")}, []int64{2}); err != ErrPacketFlowClosed {
		t.Fatalf("WritePackets after Close: %v, want ErrPacketFlowClosed", err)
	}
}
