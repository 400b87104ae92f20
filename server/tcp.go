package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// tcpRelay serves one app-layer TCP flow: dial the requested host:port,
// pump bytes in both directions, and translate socket events (EOF, write
// error, suspend/resume) into tunnel messages. The write side runs on the
// connection's delivery goroutine; the read side is a loop that frames
// each chunk as a data message.
type tcpRelay struct {
	logger *zap.Logger
	t      *tunnel.Tunnel
	id     int64
	conn   net.Conn
	c      *tunnel.Connection

	mu     sync.Mutex
	paused bool
	cond   *sync.Cond
}

func openTCPFlow(h *roleHandler, t *tunnel.Tunnel, id int64, host string, port int) {
	srv := h.srv
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	target, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		h.limiter.RecordFailure()
		srv.logger.Debug("tcp relay dial failed", zap.String("addr", addr), zap.Error(err))
		sendOpenResult(t, id, classifyDialError(err))
		return
	}

	r := &tcpRelay{logger: srv.logger, t: t, id: id, conn: target}
	r.cond = sync.NewCond(&r.mu)

	c := tunnel.NewConnection(id, false, r)
	if err := t.Register(c); err != nil {
		srv.logger.Warn("failed to register tcp flow", zap.Int64("id", id), zap.Error(err))
		c.Abort()
		target.Close()
		return
	}
	r.c = c

	sendOpenResult(t, id, wire.ResultSuccess)
	go r.readLoop()
}

func (r *tcpRelay) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		r.waitUntilResumed()

		n, err := r.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			msg := wire.NewMessage(wire.CommandData).SetIdentifier(r.id).SetData(chunk)
			if _, werr := r.t.WriteMessage(msg); werr != nil {
				r.c.Abort()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sendClose(r.t, r.id, wire.CloseWrite)
				r.c.Close(wire.CloseRead)
			} else {
				sendClose(r.t, r.id, wire.CloseAll)
				r.c.Abort()
			}
			return
		}
	}
}

func (r *tcpRelay) waitUntilResumed() {
	r.mu.Lock()
	for r.paused {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// writeStallTimeout bounds each synchronous write attempt toward the
// remote socket; a chunk that cannot be fully written within it is treated
// as a stall.
const writeStallTimeout = 200 * time.Millisecond

// HandleData writes inbound tunnel data to the target socket. It runs on
// the connection's delivery goroutine, so a slow remote stalls only this
// flow. A write that doesn't complete within writeStallTimeout queues the
// unwritten remainder on the connection's save queue, tells the peer to
// pause the flow, drains the queue, then tells the peer to resume.
func (r *tcpRelay) HandleData(data []byte) {
	r.conn.SetWriteDeadline(time.Now().Add(writeStallTimeout))
	n, err := r.conn.Write(data)
	r.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		return
	}
	if !isTimeout(err) {
		sendClose(r.t, r.id, wire.CloseAll)
		r.c.Abort()
		return
	}

	r.c.AppendSave(data)
	r.c.AdvanceSave(n)
	sendFlowControl(r.t, r.id, wire.CommandSuspend)
	r.drainSaved()
}

// drainSaved writes the connection's saved output to the remote socket in
// FIFO order, in bounded slices so a tunnel-level Abort is noticed between
// attempts, and signals the peer to resume once the queue is empty.
func (r *tcpRelay) drainSaved() {
	for {
		if r.c.CloseDirection() == wire.CloseAll {
			r.c.ClearSave()
			return
		}
		entry, ok := r.c.FrontSave()
		if !ok {
			break
		}
		r.conn.SetWriteDeadline(time.Now().Add(writeStallTimeout))
		n, err := r.conn.Write(entry.Data[entry.Written:])
		r.conn.SetWriteDeadline(time.Time{})
		if n > 0 {
			r.c.AdvanceSave(n)
		}
		if err != nil && !isTimeout(err) {
			r.c.ClearSave()
			sendClose(r.t, r.id, wire.CloseAll)
			r.c.Abort()
			return
		}
	}
	sendFlowControl(r.t, r.id, wire.CommandResume)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *tcpRelay) HandleDataFromEndpoint(data []byte, host string, port int64) {
	r.logger.Warn("tcp relay received endpoint-addressed data, ignoring", zap.Int64("id", r.id))
}

func (r *tcpRelay) HandlePackets(packets [][]byte, protocols []int64) {
	r.logger.Warn("tcp relay received packets message, ignoring", zap.Int64("id", r.id))
}

func (r *tcpRelay) HandleClose(direction wire.CloseType) {
	switch direction {
	case wire.CloseRead:
		if tc, ok := r.conn.(*net.TCPConn); ok {
			tc.CloseRead()
			return
		}
		r.conn.Close()
	case wire.CloseWrite:
		if tc, ok := r.conn.(*net.TCPConn); ok {
			tc.CloseWrite()
			return
		}
		r.conn.Close()
	case wire.CloseAll:
		r.conn.Close()
	}
}

func (r *tcpRelay) HandleSuspend() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *tcpRelay) HandleResume() {
	r.mu.Lock()
	r.paused = false
	r.cond.Broadcast()
	r.mu.Unlock()
}

func sendClose(t *tunnel.Tunnel, id int64, direction wire.CloseType) {
	msg := wire.NewMessage(wire.CommandClose).SetIdentifier(id).SetCloseType(direction)
	_, _ = t.WriteMessage(msg)
}

func sendFlowControl(t *tunnel.Tunnel, id int64, cmd wire.Command) {
	_, _ = t.WriteMessage(wire.NewMessage(cmd).SetIdentifier(id))
}

// classifyDialError maps a dial failure to the closed ResultCode taxonomy.
func classifyDialError(err error) wire.ResultCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return wire.ResultNoSuchHost
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wire.ResultTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return wire.ResultRefused
	}
	return wire.ResultInternalError
}
