package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	wrp "github.com/xmidt-org/wrp-go/v3"

	"github.com/stepherg/blizzardgw/internal/events"
)

type fakeDoer struct {
	calls []*wrp.Message
	resp  *wrp.Message
	err   error
}

func (f *fakeDoer) Do(ctx context.Context, m *wrp.Message) (*wrp.Message, error) {
	f.calls = append(f.calls, m)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestRunForwardsDeviceEvents(t *testing.T) {
	bus := events.NewBus()
	doer := &fakeDoer{resp: &wrp.Message{Payload: []byte(`{}`)}}
	b := New(Config{Enable: true, Source: "gatewayd"}, doer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx, bus); close(done) }()

	// Give Run a moment to subscribe before publishing.
	for i := 0; i < 100 && bus.SubscriberCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	bus.Publish(events.Event{Kind: events.KindDeviceEvent, SerialNumber: 0x112233445566, Name: "venue_broadcast", Payload: []byte(`{"x":1}`)})
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	if len(doer.calls) == 0 {
		t.Fatalf("expected at least one upstream call")
	}
}

func TestSubmitCommandStopsAtFirstSuccessfulService(t *testing.T) {
	resultPayload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": "1", "result": json.RawMessage(`{"ok":true}`)})
	doer := &fakeDoer{resp: &wrp.Message{Payload: resultPayload}}
	b := New(Config{Enable: true, Source: "gatewayd", Services: []string{"legacy", "rdk"}}, doer, nil)

	result, err := b.SubmitCommand(context.Background(), "112233445566", "1", "reboot", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit command: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
	if len(doer.calls) != 1 {
		t.Fatalf("expected exactly one service attempt on first success, got %d", len(doer.calls))
	}
}

func TestSubmitCommandDisabledReturnsError(t *testing.T) {
	b := New(Config{Enable: false}, &fakeDoer{}, nil)
	if _, err := b.SubmitCommand(context.Background(), "112233445566", "1", "reboot", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error when bridge disabled")
	}
}
