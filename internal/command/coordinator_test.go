package command

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stepherg/blizzardgw/internal/rpcmsg"
	"github.com/stepherg/blizzardgw/internal/store"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeSender struct {
	rpcID uint64
	full  bool
	err   error
	sent  []store.Command
}

func (f *fakeSender) SendRequest(cmd store.Command) (uint64, bool, error) {
	f.sent = append(f.sent, cmd)
	if f.err != nil {
		return 0, false, f.err
	}
	return f.rpcID, f.full, nil
}

func TestExecutePendingWhenNotConnected(t *testing.T) {
	st := openTestStore(t)
	co := New(st)
	cmd := store.Command{UUID: "c1", SerialNumber: 1, Command: "reboot", Params: "{}", SubmittedBy: "tester"}

	got, err := co.Execute(1, false, nil, cmd, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	persisted, ok, err := st.GetCommand("c1")
	if err != nil || !ok || persisted.Status != store.StatusPending {
		t.Fatalf("expected persisted pending command, got %+v ok=%v err=%v", persisted, ok, err)
	}
}

func TestExecuteCompletesOnReply(t *testing.T) {
	st := openTestStore(t)
	co := New(st)
	sender := &fakeSender{rpcID: 42, full: true}
	cmd := store.Command{UUID: "c2", SerialNumber: 1, Command: "state", Params: "{}", SubmittedBy: "tester"}

	resultCh := make(chan store.Command, 1)
	go func() {
		got, err := co.Execute(1, true, sender, cmd, time.Second)
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		resultCh <- got
	}()

	// Give Execute time to register the waiter before replying.
	time.Sleep(20 * time.Millisecond)
	result, _ := json.Marshal(map[string]any{"status": map[string]any{"code": 0, "text": "ok"}})
	co.Reply(1, 42, &rpcmsg.Response{JSONRPC: "2.0", Result: result})

	select {
	case got := <-resultCh:
		if got.Status != store.StatusCompleted {
			t.Fatalf("expected completed, got %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("execute did not complete in time")
	}

	persisted, ok, err := st.GetCommand("c2")
	if err != nil || !ok || persisted.Status != store.StatusCompleted {
		t.Fatalf("expected persisted completed command, got %+v ok=%v err=%v", persisted, ok, err)
	}
}

func TestExecuteTimesOutToPending(t *testing.T) {
	st := openTestStore(t)
	co := New(st)
	sender := &fakeSender{rpcID: 7, full: true}
	cmd := store.Command{UUID: "c3", SerialNumber: 1, Command: "ping", Params: "{}", SubmittedBy: "tester"}

	got, err := co.Execute(1, true, sender, cmd, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected pending after timeout, got %s", got.Status)
	}

	// A late reply must not panic even though the waiter was dropped.
	co.Reply(1, 7, &rpcmsg.Response{JSONRPC: "2.0", Result: json.RawMessage(`{}`)})
}

func TestReplyUnknownRPCIDIsBenign(t *testing.T) {
	st := openTestStore(t)
	co := New(st)
	co.Reply(99, 123, &rpcmsg.Response{JSONRPC: "2.0", Result: json.RawMessage(`{}`)})
}
