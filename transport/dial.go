// Package transport obtains the single underlying reliable byte channel a
// Tunnel is built on. The client races a dial per candidate endpoint and
// keeps whichever connects first, cancelling the losers; candidates may be
// plain TCP or QUIC, and both hand the tunnel the same io.ReadWriteCloser,
// so the rest of the engine is transport-family agnostic.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Family names the network family of a dial Target.
type Family string

const (
	FamilyTCP  Family = "tcp"
	FamilyQUIC Family = "quic"
)

// Target is one candidate endpoint the client may reach the tunnel server
// through.
type Target struct {
	Family  Family
	Address string // host:port
}

// DefaultDialTimeout bounds each individual candidate dial.
const DefaultDialTimeout = 5 * time.Second

// quicTLSNextProto is the ALPN the tunnel's QUIC transport negotiates. It
// is not a security boundary; it only lets a QUIC listener and dialer
// agree on protocol identity the way HTTP/3 or any other quic-go user
// would.
const quicTLSNextProto = "simpletunnel"

// Dial races a dial against every target concurrently and returns whichever
// connects first, closing the rest. It returns an error only if every
// target fails or ctx is done first.
func Dial(ctx context.Context, targets []Target) (io.ReadWriteCloser, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("transport: no dial targets configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, len(targets))

	for _, tgt := range targets {
		go func(tgt Target) {
			conn, err := dialOne(ctx, tgt)
			// The channel is buffered to len(targets), so this never
			// blocks; losers are closed by drainAndClose.
			results <- dialResult{conn: conn, err: err}
		}(tgt)
	}

	var firstErr error
	for range targets {
		r := <-results
		if r.err == nil {
			cancel()
			go drainAndClose(results, len(targets)-1)
			return r.conn, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	return nil, fmt.Errorf("transport: all dial targets failed: %w", firstErr)
}

type dialResult struct {
	conn io.ReadWriteCloser
	err  error
}

// drainAndClose closes any connections that win the race after we've
// already committed to a winner.
func drainAndClose(results chan dialResult, remaining int) {
	for i := 0; i < remaining; i++ {
		r := <-results
		if r.conn != nil {
			_ = r.conn.Close()
		}
	}
}

func dialOne(ctx context.Context, tgt Target) (io.ReadWriteCloser, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	switch tgt.Family {
	case FamilyQUIC:
		return dialQUIC(dialCtx, tgt.Address)
	case "", FamilyTCP:
		d := &net.Dialer{}
		conn, err := d.DialContext(dialCtx, "tcp", tgt.Address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("transport: unknown family %q", tgt.Family)
	}
}

func dialQUIC(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	tlsConf := quicInsecureClientConfig()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream %s: %w", addr, err)
	}
	return &quicStreamConn{Stream: stream, conn: conn}, nil
}

// quicStreamConn adapts a quic.Stream plus its owning quic.Connection into
// a plain io.ReadWriteCloser, closing both on Close.
type quicStreamConn struct {
	quic.Stream
	conn quic.Connection
}

func (q *quicStreamConn) Close() error {
	err := q.Stream.Close()
	_ = q.conn.CloseWithError(0, "")
	return err
}
