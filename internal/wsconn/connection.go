// Package wsconn implements the Connection Manager (§4.A, §4.B): a
// TLS-terminating WebSocket acceptor and the per-connection state machine
// that parses JSON-RPC frames and dispatches them to the device package,
// the registry, and the command coordinator. The read/write loop pattern
// (read deadline pushed forward by every inbound frame and pong,
// write-mutex-guarded WriteMessage, per-message write deadline) is adapted
// from the teacher's internal/ws/handler.go; the gateway itself sends no
// pings. The
// certificate and idle-timeout semantics are grounded on
// uCentralWebSocketServer.cpp / AP_WS_Server.cpp.
package wsconn

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stepherg/blizzardgw/internal/command"
	"github.com/stepherg/blizzardgw/internal/device"
	"github.com/stepherg/blizzardgw/internal/registry"
	"github.com/stepherg/blizzardgw/internal/rpcmsg"
	"github.com/stepherg/blizzardgw/internal/serialnum"
	"github.com/stepherg/blizzardgw/internal/store"
)

// State is the Connection lifecycle from §4.B.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateIdentified
	StateClosing
	StateTerminated
)

// Tunable timing constants, aligned with the teacher's gorilla/websocket
// keepalive pattern (internal/ws/handler.go).
const (
	pongWait  = 75 * time.Second
	writeWait = 10 * time.Second
)

// Conn is the minimal websocket surface Connection depends on, satisfied
// by *websocket.Conn; narrowed for testability.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
	RemoteAddr() net.Addr
}

// Connection drives one device's WebSocket (§4.B). It implements
// registry.Peer, command.Sender, and device.Conn, so it can be handed to
// all three collaborators without those packages importing wsconn.
type Connection struct {
	id          uint64
	ws          Conn
	sendMu      sync.Mutex
	state       int32 // atomic State
	rpcSeq      uint64
	serial      uint64 // 0 until IDENTIFIED
	maxPayload  int64
	violations  int32

	PeerAddress string
	CommonName  string
	CertState   registry.CertState

	Registry    *registry.Registry
	Dispatcher  *device.Dispatcher
	Coordinator *command.Coordinator
	Log         *zap.Logger
}

// New builds a Connection bound to ws with connectionID (assigned by the
// caller, monotonically increasing and never reused, per §3).
func New(connectionID uint64, ws Conn, reg *registry.Registry, disp *device.Dispatcher, co *command.Coordinator, maxPayload int64, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		id:          connectionID,
		ws:          ws,
		maxPayload:  maxPayload,
		PeerAddress: ws.RemoteAddr().String(),
		Registry:    reg,
		Dispatcher:  disp,
		Coordinator: co,
		Log:         log,
	}
	atomic.StoreInt32(&c.state, int32(StateEstablished))
	ws.SetReadLimit(maxPayload)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return c
}

func (c *Connection) ConnectionID() uint64 { return c.id }

func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// SendFrame writes payload as a single text frame, serialized against any
// concurrent sender (§4.E's per-connection send mutex).
func (c *Connection) SendFrame(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.State() >= StateClosing {
		return classify(KindTransport, websocket.ErrCloseSent)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return classify(KindTransport, err)
	}
	if c.serial != 0 {
		if rec, ok := c.Registry.Record(c.serial); ok {
			rec.AddTx(len(payload))
		}
	}
	return nil
}

// SendRequest wraps cmd's stored params into a JSON-RPC request with a
// freshly allocated, monotonically increasing id and sends it (§4.B
// send_request). full_reply_expected is false only for "request" commands
// (fire-and-forget at the RPC level).
func (c *Connection) SendRequest(cmd store.Command) (uint64, bool, error) {
	rpcID := atomic.AddUint64(&c.rpcSeq, 1)
	full := cmd.Command != "request"

	req := rpcmsg.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatUint(rpcID, 10)),
		Method:  cmd.Command,
		Params:  json.RawMessage(cmd.Params),
	}
	raw, err := rpcmsg.EncodeRequest(&req)
	if err != nil {
		return 0, full, classify(KindProtocol, err)
	}
	if err := c.SendFrame(raw); err != nil {
		return 0, full, err
	}
	return rpcID, full, nil
}

// radiusNotification mirrors a JSON-RPC 2.0 notification (no id) carrying
// an opaque RADIUS payload, adapted from AP_WS_Server.cpp's
// SendRadiusAccountingData/SendRadiusAuthenticationData/SendRadiusCoAData
// (§9 supplemented feature). No RADIUS codec is in scope; the payload is
// forwarded as opaque bytes per kind.
type radiusNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Kind    string `json:"kind"`
		Payload []byte `json:"payload"`
	} `json:"params"`
}

// RadiusKind enumerates the three RADIUS relay directions the original
// gateway exposes.
type RadiusKind string

const (
	RadiusAccounting     RadiusKind = "accounting"
	RadiusAuthentication RadiusKind = "authentication"
	RadiusCoA            RadiusKind = "coa"
)

// SendRadius wraps payload as a "radius" JSON-RPC notification and sends it
// to this device (§9 supplemented feature: RADIUS tunneling).
func (c *Connection) SendRadius(kind RadiusKind, payload []byte) error {
	var note radiusNotification
	note.JSONRPC = "2.0"
	note.Method = "radius"
	note.Params.Kind = string(kind)
	note.Params.Payload = payload
	raw, err := json.Marshal(&note)
	if err != nil {
		return classify(KindProtocol, err)
	}
	return c.SendFrame(raw)
}

// EndConnection transitions the Connection toward TERMINATED. graceful
// sends a WebSocket close frame before the hard close; a forced teardown
// (GC reap, supersession) skips straight to closing the socket (§5
// shutdown sequencing).
func (c *Connection) EndConnection(graceful bool) {
	c.setState(StateClosing)
	c.sendMu.Lock()
	if graceful {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = c.ws.Close()
	c.sendMu.Unlock()
	c.setState(StateTerminated)
}

// Serve runs the read loop until the socket errors or EndConnection is
// called; it is the unit of work a reactor worker pins to one goroutine
// for this connection's whole lifetime (§4.E). Frames are processed
// strictly in arrival order (§5).
func (c *Connection) Serve() {
	defer func() { c.Registry.EndSession(c.id, c.serial) }()
	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.setState(StateClosing)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		switch mt {
		case websocket.TextMessage:
			if int64(len(payload)) > c.maxPayload {
				c.onFrameError(classify(KindProtocol, ErrOversizedFrame))
				return
			}
			if len(payload) == 0 {
				c.setState(StateClosing)
				return
			}
			if err := c.handleFrame(payload); err != nil {
				c.onFrameError(err)
				if c.State() >= StateClosing {
					return
				}
			}
		case websocket.BinaryMessage:
			c.Log.Debug("ignoring binary frame", zap.Uint64("connection_id", c.id))
		default:
			c.Log.Debug("ignoring frame opcode", zap.Int("opcode", mt))
		}
	}
}

func (c *Connection) onFrameError(err error) {
	kind := KindProtocol
	if ce, ok := err.(*ClassifiedError); ok {
		kind = ce.Kind
	}
	c.Log.Warn("frame error", zap.Uint64("connection_id", c.id), zap.String("kind", kind.String()), zap.Error(err))
	switch kind {
	case KindTransport:
		c.setState(StateClosing)
	case KindPolicy:
		c.setState(StateClosing)
	default:
		if atomic.AddInt32(&c.violations, 1) >= 5 {
			c.Log.Warn("too many protocol errors, closing", zap.Uint64("connection_id", c.id))
			c.setState(StateClosing)
		}
	}
}

// handleFrame parses one text frame as JSON-RPC and dispatches it (§4.B).
func (c *Connection) handleFrame(raw []byte) error {
	parsed, err := rpcmsg.Parse(raw)
	if err != nil {
		return classify(KindProtocol, err)
	}

	if c.serial != 0 {
		if rec, ok := c.Registry.Record(c.serial); ok {
			rec.Touch(len(raw))
		}
	}

	switch parsed.Kind {
	case rpcmsg.KindRequest:
		return c.handleRequest(parsed.Request)
	case rpcmsg.KindResponse:
		return c.handleResponse(parsed.Response)
	default:
		c.Log.Debug("ignoring non-JSON-RPC frame", zap.Uint64("connection_id", c.id))
		return nil
	}
}

func (c *Connection) handleRequest(req *rpcmsg.Request) error {
	params, err := rpcmsg.DecompressParams(req.Params)
	if err != nil {
		return classify(KindProtocol, err)
	}
	err = c.Dispatcher.Dispatch(c, c.id, req.Method, params)
	if err == nil {
		if req.Method == "connect" && c.State() == StateEstablished {
			if serial, ok := extractSerial(params); ok {
				c.serial = serial
				c.setState(StateIdentified)
			}
		}
		return nil
	}
	if errors.Is(err, device.ErrBlacklisted) || errors.Is(err, device.ErrCertMismatch) {
		return classify(KindPolicy, err)
	}
	if errors.Is(err, device.ErrMissingParams) || errors.Is(err, device.ErrUnknownMethod) {
		return classify(KindProtocol, err)
	}
	return classify(KindStorage, err)
}

func (c *Connection) handleResponse(resp *rpcmsg.Response) error {
	var id uint64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return classify(KindProtocol, err)
	}
	c.Coordinator.Reply(c.id, id, resp)
	return nil
}

func extractSerial(params json.RawMessage) (uint64, bool) {
	var probe struct {
		Serial *string `json:"serial"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.Serial == nil {
		return 0, false
	}
	serial, err := serialnum.Parse(*probe.Serial)
	if err != nil {
		return 0, false
	}
	return serial, true
}
