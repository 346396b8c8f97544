package registry

import (
	"testing"
	"time"

	"github.com/stepherg/blizzardgw/internal/events"
)

type fakePeer struct {
	id       uint64
	ended    bool
	graceful bool
	sent     [][]byte
}

func (f *fakePeer) ConnectionID() uint64 { return f.id }
func (f *fakePeer) SendFrame(payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakePeer) EndConnection(graceful bool) {
	f.ended = true
	f.graceful = graceful
}

const serialA = uint64(0x112233445566)

func TestAddAndSetSessionDetails(t *testing.T) {
	reg := New(10*time.Minute, nil)
	peer := &fakePeer{id: 1}
	reg.AddConnection(1, peer, "")

	if !reg.SetSessionDetails(1, serialA) {
		t.Fatalf("expected first registration to succeed")
	}
	rec, ok := reg.Lookup(serialA)
	if !ok || rec.ConnectionID != 1 {
		t.Fatalf("expected serial to map to connection 1, got %+v ok=%v", rec, ok)
	}
}

func TestSupersessionHigherConnectionIDWins(t *testing.T) {
	reg := New(10*time.Minute, nil)
	peerA := &fakePeer{id: 1}
	peerB := &fakePeer{id: 2}
	reg.AddConnection(1, peerA, "")
	reg.AddConnection(2, peerB, "")

	if !reg.SetSessionDetails(1, serialA) {
		t.Fatalf("expected connection 1 registration to succeed")
	}
	if !reg.SetSessionDetails(2, serialA) {
		t.Fatalf("expected connection 2 to supersede")
	}
	rec, ok := reg.Lookup(serialA)
	if !ok || rec.ConnectionID != 2 {
		t.Fatalf("expected serial to map to connection 2 after supersession, got %+v", rec)
	}
	if !peerA.ended {
		t.Fatalf("expected superseded connection to be torn down")
	}
}

func TestSupersessionLowerConnectionIDLoses(t *testing.T) {
	reg := New(10*time.Minute, nil)
	peerA := &fakePeer{id: 5}
	peerB := &fakePeer{id: 3}
	reg.AddConnection(5, peerA, "")
	reg.AddConnection(3, peerB, "")

	if !reg.SetSessionDetails(5, serialA) {
		t.Fatalf("expected connection 5 registration to succeed")
	}
	if reg.SetSessionDetails(3, serialA) {
		t.Fatalf("expected connection 3 (lower id) to lose supersession race")
	}
	rec, ok := reg.Lookup(serialA)
	if !ok || rec.ConnectionID != 5 {
		t.Fatalf("expected serial to still map to connection 5, got %+v", rec)
	}
}

func TestEndSessionRemovesFromBothMaps(t *testing.T) {
	reg := New(10*time.Minute, nil)
	peer := &fakePeer{id: 1}
	reg.AddConnection(1, peer, "")
	reg.SetSessionDetails(1, serialA)

	reg.EndSession(1, serialA)

	if _, ok := reg.Lookup(serialA); ok {
		t.Fatalf("expected serial to be removed after end session")
	}
	if _, ok := reg.byConnection[1]; ok {
		t.Fatalf("expected connection id entry to be removed")
	}
}

func TestGCReapsIdleConnections(t *testing.T) {
	bus := events.NewBus()
	_, ch, cancel := bus.Subscribe(4)
	defer cancel()

	reg := New(1*time.Minute, bus)
	peer := &fakePeer{id: 1}
	reg.AddConnection(1, peer, "")
	reg.SetSessionDetails(1, serialA)

	rec, _ := reg.Record(serialA)
	rec.mu.Lock()
	rec.LastContact = time.Now().Add(-2 * time.Minute)
	rec.mu.Unlock()

	stats := reg.GC(time.Now(), true)
	if stats.Connected != 0 {
		t.Fatalf("expected idle connection to be excluded from connected count, got %+v", stats)
	}
	if !peer.ended {
		t.Fatalf("expected idle connection to be torn down")
	}
	if _, ok := reg.Lookup(serialA); ok {
		t.Fatalf("expected idle connection removed from registry")
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindLoadUpdate {
			t.Fatalf("expected load-update event, got %+v", e)
		}
	default:
		t.Fatalf("expected a load-update event to be published")
	}
}

func TestGCKeepsFreshConnections(t *testing.T) {
	reg := New(1*time.Minute, nil)
	peer := &fakePeer{id: 1}
	reg.AddConnection(1, peer, "")
	reg.SetSessionDetails(1, serialA)

	stats := reg.GC(time.Now(), true)
	if stats.Connected != 1 {
		t.Fatalf("expected 1 connected, got %+v", stats)
	}
	if peer.ended {
		t.Fatalf("fresh connection should not be torn down")
	}
}

func TestSendFrame(t *testing.T) {
	reg := New(10*time.Minute, nil)
	peer := &fakePeer{id: 1}
	reg.AddConnection(1, peer, "")
	reg.SetSessionDetails(1, serialA)

	if !reg.SendFrame(serialA, []byte("hello")) {
		t.Fatalf("expected send to succeed")
	}
	if len(peer.sent) != 1 || string(peer.sent[0]) != "hello" {
		t.Fatalf("unexpected sent frames: %+v", peer.sent)
	}
	if reg.SendFrame(0xdeadbeef, []byte("nope")) {
		t.Fatalf("expected send to unknown serial to fail")
	}
}

func TestVisitVenueFansOutToConnectedPeersOnly(t *testing.T) {
	reg := New(10*time.Minute, nil)
	connected := &fakePeer{id: 1}
	reg.AddConnection(1, connected, "")
	reg.SetSessionDetails(1, serialA)

	notYetConnected := &fakePeer{id: 2}
	reg.AddConnection(2, notYetConnected, "")

	sent := reg.VisitVenue([]byte(`{"hello":"venue"}`))
	if sent != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", sent)
	}
	if len(connected.sent) != 1 {
		t.Fatalf("expected connected peer to receive the broadcast")
	}
	if len(notYetConnected.sent) != 0 {
		t.Fatalf("expected unconnected peer to receive nothing")
	}
}
