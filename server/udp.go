package server

import (
	"net"

	"go.uber.org/zap"

	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// udpRelay serves one app-layer UDP flow: an ephemeral UDP
// socket shared by every peer this flow talks to, addressed per-datagram by
// `host`/`port`. Unlike the TCP relay, there is no half-close: any close
// message terminates the relay outright.
type udpRelay struct {
	logger *zap.Logger
	t      *tunnel.Tunnel
	id     int64
	conn   *net.UDPConn
	c      *tunnel.Connection
}

func openUDPFlow(h *roleHandler, t *tunnel.Tunnel, id int64) {
	srv := h.srv
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		h.limiter.RecordFailure()
		srv.logger.Warn("failed to open udp socket", zap.Int64("id", id), zap.Error(err))
		sendOpenResult(t, id, wire.ResultInternalError)
		return
	}

	r := &udpRelay{logger: srv.logger, t: t, id: id, conn: pc}
	c := tunnel.NewConnection(id, false, r)
	if err := t.Register(c); err != nil {
		srv.logger.Warn("failed to register udp flow", zap.Int64("id", id), zap.Error(err))
		c.Abort()
		pc.Close()
		return
	}
	r.c = c

	sendOpenResult(t, id, wire.ResultSuccess)
	go r.readLoop()
}

func (r *udpRelay) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.c.Abort()
			return
		}
		chunk := append([]byte(nil), buf[:n]...)
		msg := wire.NewMessage(wire.CommandData).
			SetIdentifier(r.id).
			SetData(chunk).
			SetHost(addr.IP.String()).
			SetPort(addr.Port)
		if _, err := r.t.WriteMessage(msg); err != nil {
			r.c.Abort()
			return
		}
	}
}

func (r *udpRelay) HandleData(data []byte) {
	r.logger.Warn("udp relay received data without endpoint, dropping", zap.Int64("id", r.id))
}

func (r *udpRelay) HandleDataFromEndpoint(data []byte, host string, port int64) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: int(port)}
	if _, err := r.conn.WriteToUDP(data, addr); err != nil {
		r.logger.Debug("udp relay write failed", zap.Int64("id", r.id), zap.Error(err))
	}
}

func (r *udpRelay) HandlePackets(packets [][]byte, protocols []int64) {
	r.logger.Warn("udp relay received packets message, ignoring", zap.Int64("id", r.id))
}

// HandleClose tears the relay down regardless of direction: UDP flows have
// no half-close.
func (r *udpRelay) HandleClose(direction wire.CloseType) {
	r.conn.Close()
}

func (r *udpRelay) HandleSuspend() {}
func (r *udpRelay) HandleResume()  {}
