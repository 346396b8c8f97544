package wsconn

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stepherg/blizzardgw/internal/command"
	"github.com/stepherg/blizzardgw/internal/config"
	"github.com/stepherg/blizzardgw/internal/device"
	"github.com/stepherg/blizzardgw/internal/events"
	"github.com/stepherg/blizzardgw/internal/registry"
	"github.com/stepherg/blizzardgw/internal/store"
)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

// fakeWS is a minimal in-memory stand-in for *websocket.Conn, queueing
// outbound writes and serving a scripted sequence of inbound frames.
type fakeWS struct {
	mu      sync.Mutex
	inbox   [][]byte
	pos     int
	writes  [][]byte
	closed  bool
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.inbox) {
		return 0, nil, net.ErrClosed
	}
	msg := f.inbox[f.pos]
	f.pos++
	return 1, msg, nil // 1 == websocket.TextMessage
}
func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}
func (f *fakeWS) SetReadLimit(limit int64)                {}
func (f *fakeWS) SetReadDeadline(t time.Time) error       { return nil }
func (f *fakeWS) SetWriteDeadline(t time.Time) error      { return nil }
func (f *fakeWS) SetPongHandler(h func(string) error)     {}
func (f *fakeWS) Close() error                            { f.closed = true; return nil }
func (f *fakeWS) RemoteAddr() net.Addr                    { return fakeAddr{"10.0.0.1:1234"} }

func newTestConnection(t *testing.T) (*Connection, *fakeWS, *store.SQLiteStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(10*time.Minute, events.NewBus())
	disp := &device.Dispatcher{
		Registry:     reg,
		Store:        st,
		Coordinator:  nil,
		Bus:          events.NewBus(),
		Provisioning: config.Default().Provisioning(),
	}
	co := command.New(st)
	disp.Coordinator = co

	ws := &fakeWS{}
	c := New(1, ws, reg, disp, co, 256*1024, nil)
	reg.AddConnection(1, c, "")
	return c, ws, st
}

func TestConnectFrameIdentifiesConnection(t *testing.T) {
	c, _, _ := newTestConnection(t)
	frame, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "connect",
		"params": map[string]any{
			"serial":       "112233445566",
			"uuid":         100,
			"firmware":     "1.0",
			"capabilities": map[string]any{},
		},
	})
	if err := c.handleFrame(frame); err != nil {
		t.Fatalf("handle connect frame: %v", err)
	}
	if c.State() != StateIdentified {
		t.Fatalf("expected IDENTIFIED state, got %v", c.State())
	}
	if c.serial != 0x112233445566 {
		t.Fatalf("expected serial captured, got %x", c.serial)
	}
}

func TestSendRequestAllocatesMonotonicIDs(t *testing.T) {
	c, ws, _ := newTestConnection(t)
	cmd1 := store.Command{UUID: "u1", Command: "reboot", Params: "{}"}
	cmd2 := store.Command{UUID: "u2", Command: "state", Params: "{}"}

	id1, full1, err := c.SendRequest(cmd1)
	if err != nil {
		t.Fatalf("send request 1: %v", err)
	}
	id2, _, err := c.SendRequest(cmd2)
	if err != nil {
		t.Fatalf("send request 2: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("expected strictly increasing rpc ids, got %d then %d", id1, id2)
	}
	if !full1 {
		t.Fatalf("expected full reply expected for non-request command")
	}
	if len(ws.writes) != 2 {
		t.Fatalf("expected 2 frames written, got %d", len(ws.writes))
	}
}

func TestSendRequestFireAndForgetForRequestCommand(t *testing.T) {
	c, _, _ := newTestConnection(t)
	_, full, err := c.SendRequest(store.Command{UUID: "u3", Command: "request", Params: "{}"})
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if full {
		t.Fatalf("expected full=false for a \"request\" command")
	}
}

func TestSendRadiusWrapsPayloadAsNotification(t *testing.T) {
	c, ws, _ := newTestConnection(t)
	if err := c.SendRadius(RadiusAccounting, []byte("raw-radius-bytes")); err != nil {
		t.Fatalf("send radius: %v", err)
	}
	if len(ws.writes) != 1 {
		t.Fatalf("expected 1 frame written, got %d", len(ws.writes))
	}
	var note radiusNotification
	if err := json.Unmarshal(ws.writes[0], &note); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if note.Method != "radius" || note.Params.Kind != string(RadiusAccounting) {
		t.Fatalf("unexpected notification: %+v", note)
	}
}

func TestEndConnectionClosesSocket(t *testing.T) {
	c, ws, _ := newTestConnection(t)
	c.EndConnection(true)
	if !ws.closed {
		t.Fatalf("expected underlying socket closed")
	}
	if c.State() != StateTerminated {
		t.Fatalf("expected TERMINATED state, got %v", c.State())
	}
}

func TestHandleResponseRoutesToCoordinator(t *testing.T) {
	c, _, st := newTestConnection(t)
	cmd := store.Command{UUID: "cmd-1", Command: "state", Params: "{}"}
	if err := c.Coordinator.IssueAsync(c.id, c, cmd); err != nil {
		t.Fatalf("issue async: %v", err)
	}
	rpcID := c.rpcSeq // the single rpc id just allocated by IssueAsync's SendRequest call

	resp, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"result":  map[string]any{"ok": true},
		"id":      rpcID,
	})
	if err := c.handleFrame(resp); err != nil {
		t.Fatalf("handle response frame: %v", err)
	}
	got, ok, err := st.GetCommand("cmd-1")
	if err != nil || !ok || got.Status != store.StatusCompleted {
		t.Fatalf("expected command completed via coordinator, got %+v ok=%v err=%v", got, ok, err)
	}
}
