// Package server implements the server side of SimpleTunnel: the accept
// loop, per-tunnel open-rate limiting, and the `open`/`fetchConfiguration`
// role handler that creates TCP/UDP/IP flow relays. Relay selection is
// driven by the open message's tunnel-type and app-proxy-flow-type.
package server

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"simpletunnel/config"
	"simpletunnel/netconfig"
	"simpletunnel/pool"
	"simpletunnel/transport"
	"simpletunnel/tunnel"
	"simpletunnel/wire"
)

// Server accepts tunnel connections and serves them per the loaded
// configuration.
type Server struct {
	cfg    *config.Config
	pool   *pool.Pool
	logger *zap.Logger
	ipSink IPSink
}

// New builds a Server from a loaded configuration. It constructs the IPv4
// address pool described by cfg.Configuration.IPv4.Pool. sink receives and
// originates raw IP packets for tunnel-type=ip flows; pass nil to use
// NullIPSink (no host packet capture).
func New(cfg *config.Config, sink IPSink, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewNullIPSink()
	}
	p, err := pool.New(cfg.Configuration.IPv4.Pool.StartAddress, cfg.Configuration.IPv4.Pool.EndAddress)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		pool:   p,
		logger: logger,
		ipSink: sink,
	}, nil
}

// ListenAndServe listens on s.cfg.Listen (and, if configured, s.cfg.QUICListen)
// and serves tunnels until ctx is canceled or the TCP listener fails fatally.
// A client that races a TCP dial against a QUIC one (transport.Dial) can be
// served by either listener transparently, since both hand the tunnel a
// plain io.ReadWriteCloser.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.logger.Error("failed to listen", zap.String("addr", s.cfg.Listen), zap.Error(err))
		return err
	}
	defer ln.Close()
	s.logger.Info("listening", zap.String("addr", s.cfg.Listen))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if s.cfg.QUICListen != "" {
		go s.serveQUIC(ctx)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.logger.Error("accept failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		go s.serveConn(conn)
	}
}

// serveQUIC runs a second accept loop over a QUIC listener alongside the TCP
// one, for tunnels whose client chose the QUIC transport family.
func (s *Server) serveQUIC(ctx context.Context) {
	ln, err := transport.ListenQUIC(s.cfg.QUICListen)
	if err != nil {
		s.logger.Error("failed to listen on quic", zap.String("addr", s.cfg.QUICListen), zap.Error(err))
		return
	}
	defer ln.Close()
	s.logger.Info("listening (quic)", zap.String("addr", s.cfg.QUICListen))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("quic accept failed", zap.Error(err))
			return
		}
		go s.serveStream(stream, nil)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	s.serveStream(conn, conn.RemoteAddr())
}

// serveStream builds one tunnel around conn and serves it until it closes.
// remoteAddr is used only for logging; QUIC streams don't satisfy net.Conn,
// so it is passed in separately rather than type-asserted.
func (s *Server) serveStream(conn io.ReadWriteCloser, remoteAddr net.Addr) {
	h := &roleHandler{
		srv:        s,
		remoteAddr: remoteAddr,
		limiter: newOpenRateLimiter(
			s.cfg.RateLimit.MaxFailedOpens,
			time.Duration(s.cfg.RateLimit.WindowSeconds)*time.Second,
		),
	}
	remoteStr := "quic"
	if remoteAddr != nil {
		remoteStr = remoteAddr.String()
	}
	s.logger.Debug("tunnel accepted", zap.String("remote", remoteStr))
	t := tunnel.New(conn, h, nil, s.logger)
	if err := t.Run(); err != nil {
		s.logger.Debug("tunnel closed", zap.String("remote", remoteStr), zap.Error(err))
	}
}

// roleHandler is the server's tunnel.Handler: the sole point of asymmetry
// between client and server. It recognizes `open` (dispatches to the
// matching flow relay constructor) and `fetchConfiguration`. limiter is
// scoped to this one tunnel.
type roleHandler struct {
	srv        *Server
	remoteAddr net.Addr
	limiter    *openRateLimiter
}

func (h *roleHandler) HandleMessage(t *tunnel.Tunnel, cmd wire.Command, msg wire.Message) {
	switch cmd {
	case wire.CommandOpen:
		h.handleOpen(t, msg)
	case wire.CommandFetchConfiguration:
		h.handleFetchConfiguration(t, msg)
	default:
		h.srv.logger.Warn("unhandled message with no matching connection", zap.Stringer("command", cmd))
	}
}

func (h *roleHandler) handleFetchConfiguration(t *tunnel.Tunnel, msg wire.Message) {
	// Clients never see the pool range.
	cfgValue := h.srv.cfg.Configuration.WithoutPool().ToValue()
	reply := wire.NewMessage(wire.CommandFetchConfiguration).SetConfiguration(cfgValue)
	if id, ok := msg.Identifier(); ok {
		reply.SetIdentifier(id)
	}
	_, _ = t.WriteMessage(reply)
}

func (h *roleHandler) handleOpen(t *tunnel.Tunnel, msg wire.Message) {
	id, ok := msg.Identifier()
	if !ok {
		h.srv.logger.Warn("open message missing identifier")
		return
	}

	if !h.limiter.Allowed() {
		h.srv.logger.Warn("too many failed opens on this tunnel, refusing without dialing",
			zap.Int64("id", id))
		sendOpenResult(t, id, wire.ResultInternalError)
		return
	}

	tunnelType, _ := msg.TunnelType()

	switch tunnelType {
	case wire.TunnelTypeIP:
		openIPFlow(h, t, id)
	default:
		flowType, _ := msg.AppProxyFlowType()
		host, _ := msg.Host()
		port, _ := msg.Port()
		switch flowType {
		case wire.AppProxyFlowUDP:
			openUDPFlow(h, t, id)
		default:
			openTCPFlow(h, t, id, host, int(port))
		}
	}
}

func sendOpenResult(t *tunnel.Tunnel, id int64, code wire.ResultCode) {
	reply := wire.NewMessage(wire.CommandOpenResult).SetIdentifier(id).SetResultCode(code)
	_, _ = t.WriteMessage(reply)
}

func sendOpenResultWithConfiguration(t *tunnel.Tunnel, id int64, code wire.ResultCode, cfg netconfig.Configuration) {
	reply := wire.NewMessage(wire.CommandOpenResult).SetIdentifier(id).SetResultCode(code).SetConfiguration(cfg.ToValue())
	_, _ = t.WriteMessage(reply)
}
