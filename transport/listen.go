package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// Listener accepts incoming tunnel transport connections. ListenQUIC is its
// only implementation; the server's TCP accept loop uses net.Listen
// directly rather than a Listener.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
	Addr() string
}

// ListenQUIC starts a QUIC listener on addr; each accepted connection
// yields exactly one tunnel stream (the first the client opens), matching
// the one-stream-per-tunnel model the frame codec expects.
func ListenQUIC(addr string) (Listener, error) {
	tlsConf, err := quicServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: generate quic server cert: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln, addr: addr}, nil
}

type quicListener struct {
	ln   *quic.Listener
	addr string
}

func (q *quicListener) Addr() string { return q.ln.Addr().String() }

func (q *quicListener) Close() error { return q.ln.Close() }

func (q *quicListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := q.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return &quicStreamConn{Stream: stream, conn: conn}, nil
}

// quicInsecureClientConfig builds a client TLS config that skips
// certificate verification. The tunnel protocol itself carries no
// encryption or authentication; QUIC requires *some* TLS config to
// establish a connection, so this exists only to satisfy that library
// requirement, not as a security boundary.
func quicInsecureClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicTLSNextProto},
	}
}

// quicServerTLSConfig generates an ephemeral self-signed certificate for
// the lifetime of the process, for the same non-security reason described
// on quicInsecureClientConfig.
func quicServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicTLSNextProto},
	}, nil
}
