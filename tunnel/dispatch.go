package tunnel

import "simpletunnel/wire"

// dispatch routes one decoded message to its connection or to the role
// handler. It is the sole entry point invoked by Run for each decoded
// frame, so within one tunnel messages reach dispatch in exactly the order
// they were framed on the wire.
func (t *Tunnel) dispatch(msg wire.Message) {
	cmd, ok := msg.Command()
	if !ok {
		t.logger.Warn("dropping message with missing or unknown command")
		return
	}

	if cmd == wire.CommandOpen || cmd == wire.CommandDNS {
		t.handler.HandleMessage(t, cmd, msg)
		return
	}

	var conn *Connection
	if id, hasID := msg.Identifier(); hasID {
		conn, _ = t.Lookup(id)
	}
	if conn == nil {
		t.handler.HandleMessage(t, cmd, msg)
		return
	}

	switch cmd {
	case wire.CommandData:
		data, _ := msg.Data()
		host, hasHost := msg.Host()
		port, hasPort := msg.Port()
		if hasHost && hasPort {
			conn.deliverDataFromEndpoint(data, host, port)
		} else {
			conn.deliverData(data)
		}
	case wire.CommandSuspend:
		conn.setSuspendFlag(false, true)
	case wire.CommandResume:
		conn.setSuspendFlag(false, false)
	case wire.CommandClose:
		if conn.Close(msg.CloseType()) {
			conn.deliverClose(wire.CloseAll)
		} else {
			conn.deliverClose(conn.CloseDirection())
		}
	case wire.CommandPackets:
		packets, okPackets := msg.Packets()
		protocols, okProtocols := msg.Protocols()
		if !okPackets || !okProtocols || len(packets) != len(protocols) {
			t.logger.Warn("dropping packets message with mismatched or missing arity")
			return
		}
		conn.deliverPackets(packets, protocols)
	default:
		t.handler.HandleMessage(t, cmd, msg)
	}
}
