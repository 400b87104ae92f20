package wire

// Command identifies the kind of a message.
type Command int64

const (
	CommandData               Command = 1
	CommandSuspend            Command = 2
	CommandResume             Command = 3
	CommandClose              Command = 4
	CommandDNS                Command = 5
	CommandOpen               Command = 6
	CommandOpenResult         Command = 7
	CommandPackets            Command = 8
	CommandFetchConfiguration Command = 9
)

func (c Command) Valid() bool {
	return c >= CommandData && c <= CommandFetchConfiguration
}

func (c Command) String() string {
	switch c {
	case CommandData:
		return "data"
	case CommandSuspend:
		return "suspend"
	case CommandResume:
		return "resume"
	case CommandClose:
		return "close"
	case CommandDNS:
		return "dns"
	case CommandOpen:
		return "open"
	case CommandOpenResult:
		return "openResult"
	case CommandPackets:
		return "packets"
	case CommandFetchConfiguration:
		return "fetchConfiguration"
	default:
		return "unknown"
	}
}

// CloseType identifies a half-close direction. It also
// doubles as the four-state half-close state machine: None == open,
// Read == read_closed, Write == write_closed, All == fully_closed.
type CloseType int64

const (
	CloseNone  CloseType = 1
	CloseRead  CloseType = 2
	CloseWrite CloseType = 3
	CloseAll   CloseType = 4
)

func (c CloseType) Valid() bool {
	return c >= CloseNone && c <= CloseAll
}

func (c CloseType) String() string {
	switch c {
	case CloseNone:
		return "none"
	case CloseRead:
		return "read"
	case CloseWrite:
		return "write"
	case CloseAll:
		return "all"
	default:
		return "invalid"
	}
}

// ResultCode is the outcome of an Open request.
type ResultCode int64

const (
	ResultSuccess       ResultCode = 0
	ResultInvalidParam  ResultCode = 1
	ResultNoSuchHost    ResultCode = 2
	ResultRefused       ResultCode = 3
	ResultTimeout       ResultCode = 4
	ResultInternalError ResultCode = 5
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInvalidParam:
		return "invalid-param"
	case ResultNoSuchHost:
		return "no-such-host"
	case ResultRefused:
		return "refused"
	case ResultTimeout:
		return "timeout"
	case ResultInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// TunnelType distinguishes app-layer flows (TCP/UDP) from raw ip-layer flows.
type TunnelType int64

const (
	TunnelTypeApp TunnelType = 0
	TunnelTypeIP  TunnelType = 1
)

// AppProxyFlowType is the app-layer sub-kind: TCP stream or UDP datagram.
type AppProxyFlowType int64

const (
	AppProxyFlowTCP AppProxyFlowType = 1
	AppProxyFlowUDP AppProxyFlowType = 3
)

// Well-known message keys.
const (
	KeyCommand          = "command"
	KeyIdentifier       = "identifier"
	KeyData             = "data"
	KeyCloseType        = "close-type"
	KeyResultCode       = "result-code"
	KeyTunnelType       = "tunnel-type"
	KeyAppProxyFlowType = "app-proxy-flow-type"
	KeyHost             = "host"
	KeyPort             = "port"
	KeyPackets          = "packets"
	KeyProtocols        = "protocols"
	KeyConfiguration    = "configuration"
	KeyDNSPacket        = "dns-packet"
	KeyDNSPacketSource  = "dns-packet-source"
)

// Message is the wire dictionary: a mapping from string keys to polymorphic
// values. Typed accessors below enforce each key's expected value kind.
type Message map[string]Value

func NewMessage(cmd Command) Message {
	return Message{KeyCommand: IntValue(int64(cmd))}
}

func (m Message) set(key string, v Value) Message {
	m[key] = v
	return m
}

// Command returns the message's command, or (0, false) if missing/invalid.
func (m Message) Command() (Command, bool) {
	v, ok := m[KeyCommand]
	if !ok {
		return 0, false
	}
	i, ok := v.Int()
	if !ok {
		return 0, false
	}
	c := Command(i)
	if !c.Valid() {
		return 0, false
	}
	return c, true
}

func (m Message) SetIdentifier(id int64) Message {
	return m.set(KeyIdentifier, IntValue(id))
}

func (m Message) Identifier() (int64, bool) {
	v, ok := m[KeyIdentifier]
	if !ok {
		return 0, false
	}
	return v.Int()
}

func (m Message) SetData(b []byte) Message {
	return m.set(KeyData, BytesValue(b))
}

func (m Message) Data() ([]byte, bool) {
	v, ok := m[KeyData]
	if !ok {
		return nil, false
	}
	return v.Bytes()
}

func (m Message) SetCloseType(c CloseType) Message {
	return m.set(KeyCloseType, IntValue(int64(c)))
}

// CloseType returns the message's close-type, defaulting to CloseAll when
// the key is missing or carries an unrecognized value.
func (m Message) CloseType() CloseType {
	v, ok := m[KeyCloseType]
	if !ok {
		return CloseAll
	}
	i, ok := v.Int()
	if !ok {
		return CloseAll
	}
	c := CloseType(i)
	if !c.Valid() {
		return CloseAll
	}
	return c
}

func (m Message) SetResultCode(r ResultCode) Message {
	return m.set(KeyResultCode, IntValue(int64(r)))
}

func (m Message) ResultCode() (ResultCode, bool) {
	v, ok := m[KeyResultCode]
	if !ok {
		return 0, false
	}
	i, ok := v.Int()
	if !ok {
		return 0, false
	}
	return ResultCode(i), true
}

func (m Message) SetTunnelType(t TunnelType) Message {
	return m.set(KeyTunnelType, IntValue(int64(t)))
}

func (m Message) TunnelType() (TunnelType, bool) {
	v, ok := m[KeyTunnelType]
	if !ok {
		return 0, false
	}
	i, ok := v.Int()
	if !ok {
		return 0, false
	}
	return TunnelType(i), true
}

func (m Message) SetAppProxyFlowType(t AppProxyFlowType) Message {
	return m.set(KeyAppProxyFlowType, IntValue(int64(t)))
}

func (m Message) AppProxyFlowType() (AppProxyFlowType, bool) {
	v, ok := m[KeyAppProxyFlowType]
	if !ok {
		return 0, false
	}
	i, ok := v.Int()
	if !ok {
		return 0, false
	}
	return AppProxyFlowType(i), true
}

func (m Message) SetHost(host string) Message {
	return m.set(KeyHost, StringValue(host))
}

func (m Message) Host() (string, bool) {
	v, ok := m[KeyHost]
	if !ok {
		return "", false
	}
	return v.Str()
}

func (m Message) SetPort(port int) Message {
	return m.set(KeyPort, IntValue(int64(port)))
}

func (m Message) Port() (int64, bool) {
	v, ok := m[KeyPort]
	if !ok {
		return 0, false
	}
	return v.Int()
}

func (m Message) SetPackets(packets [][]byte) Message {
	l := make([]Value, len(packets))
	for i, p := range packets {
		l[i] = BytesValue(p)
	}
	return m.set(KeyPackets, ListValue(l))
}

func (m Message) Packets() ([][]byte, bool) {
	v, ok := m[KeyPackets]
	if !ok {
		return nil, false
	}
	l, ok := v.List()
	if !ok {
		return nil, false
	}
	out := make([][]byte, len(l))
	for i, e := range l {
		b, ok := e.Bytes()
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

func (m Message) SetProtocols(protocols []int64) Message {
	return m.set(KeyProtocols, IntListValue(protocols))
}

func (m Message) Protocols() ([]int64, bool) {
	v, ok := m[KeyProtocols]
	if !ok {
		return nil, false
	}
	return v.IntList()
}

func (m Message) SetConfiguration(v Value) Message {
	return m.set(KeyConfiguration, v)
}

func (m Message) Configuration() (Value, bool) {
	v, ok := m[KeyConfiguration]
	return v, ok
}
