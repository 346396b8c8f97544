// Package registry implements the sharded device registry (§3, §4.C):
// a concurrent index from device serial number to its live connection,
// connection-supersession rules, and periodic garbage collection. It is
// adapted in spirit from AP_WS_Server.cpp's SerialNumbers_/Sessions_ maps
// and its onGarbageCollecting sweep, and in texture from the teacher's
// internal/events package (small, lock-guarded, test-friendly types).
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/stepherg/blizzardgw/internal/events"
	"github.com/stepherg/blizzardgw/internal/serialnum"
	"github.com/stepherg/blizzardgw/internal/telemetry"
	"go.uber.org/zap"
)

// CertState enumerates the peer-certificate trust outcomes from §3.
type CertState int

const (
	CertNone CertState = iota
	CertPresentInvalid
	CertValidCA
	CertVerifiedSerialMatch
	CertVerifiedSerialMismatch
)

// Peer is the narrow view of a live connection the registry needs in
// order to forward query operations and to tear down superseded or idle
// sessions (§4.C). wsconn.Connection implements this interface; registry
// never imports wsconn, avoiding a dependency cycle.
type Peer interface {
	ConnectionID() uint64
	SendFrame(payload []byte) error
	EndConnection(graceful bool)
}

// Record is the authoritative per-device connection record (§3).
type Record struct {
	mu sync.Mutex

	ConnectionID   uint64
	SerialNumber   uint64
	PeerAddress    string
	CommonName     string
	CertState      CertState
	ActiveUUID     uint64
	PendingUUID    uint64
	Started        time.Time
	LastContact    time.Time
	Connected      bool
	TxBytes        uint64
	RxBytes        uint64
	MsgCount       uint64
	Restrictions   []string
	LastStats      string
	LastHealthcheck string
	Telemetry      telemetry.State

	Peer Peer
}

func newRecord(connectionID uint64, peer Peer, commonName string) *Record {
	now := time.Now()
	return &Record{
		ConnectionID: connectionID,
		CommonName:   commonName,
		Started:      now,
		LastContact:  now,
		Peer:         peer,
	}
}

// Lock/Unlock expose the record's internal mutex to callers outside this
// package (the device dispatch table) that need to mutate several fields
// atomically under one critical section.
func (r *Record) Lock()   { r.mu.Lock() }
func (r *Record) Unlock() { r.mu.Unlock() }

// Touch records a frame's arrival, advancing last_contact and byte/message
// counters (§3).
func (r *Record) Touch(rxBytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastContact = time.Now()
	r.RxBytes += uint64(rxBytes)
	r.MsgCount++
}

// AddTx records a successfully written frame's size, the send-side
// counterpart to Touch (§3's tx_bytes field; mirrors Conn_->TX +=
// Response.size() in uCentralWebSocketServer.cpp).
func (r *Record) AddTx(txBytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TxBytes += uint64(txBytes)
}

func (r *Record) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.mu = sync.Mutex{}
	return cp
}

// shardCount mirrors serialnum.ShardCount; kept local for readability.
const shardCount = serialnum.ShardCount

type shard struct {
	mu      sync.Mutex
	bySerial map[uint64]*Record
}

// Registry is the sharded, concurrent serial→connection index plus the
// top-level connection-id index and garbage list described in §3/§4.C.
type Registry struct {
	shards [shardCount]*shard

	sessionMu     sync.Mutex
	byConnection  map[uint64]*Record
	garbage       []*Record
	prevGarbage   []*Record

	sessionTimeout time.Duration
	bus            *events.Bus
	log            *zap.Logger

	lastGC time.Time
}

// New builds a Registry. sessionTimeout is the idle threshold GC applies
// (openwifi.session.timeout, §6); bus receives load-update events (§4.C).
func New(sessionTimeout time.Duration, bus *events.Bus) *Registry {
	reg := &Registry{
		byConnection:   make(map[uint64]*Record),
		sessionTimeout: sessionTimeout,
		bus:            bus,
		log:            zap.NewNop(),
	}
	for i := range reg.shards {
		reg.shards[i] = &shard{bySerial: make(map[uint64]*Record)}
	}
	return reg
}

// SetLogger installs l as the registry's structured logger; the
// composition root calls this once a zap.Logger has been built from
// configuration.
func (r *Registry) SetLogger(l *zap.Logger) {
	if l != nil {
		r.log = l
	}
}

func (r *Registry) shardFor(serial uint64) *shard {
	return r.shards[serialnum.Shard(serial)]
}

// AddConnection inserts a freshly accepted connection into the
// connection_id map only; its serial is not yet known (§4.C). commonName
// is the peer certificate's CN, if any, carried forward so the device
// dispatch table can apply the certificates.mismatchdepth policy once the
// device declares its serial at connect time.
func (r *Registry) AddConnection(connectionID uint64, peer Peer, commonName string) *Record {
	rec := newRecord(connectionID, peer, commonName)
	r.sessionMu.Lock()
	r.byConnection[connectionID] = rec
	r.sessionMu.Unlock()
	return rec
}

// SetSessionDetails assigns serial to the record for connectionID and
// upserts the per-serial shard entry, applying the supersession rule from
// §4.C: the higher connection_id always wins. Returns false if a newer
// connection already holds this serial; the losing connection is then
// scheduled for teardown.
func (r *Registry) SetSessionDetails(connectionID uint64, serial uint64) bool {
	r.sessionMu.Lock()
	rec, ok := r.byConnection[connectionID]
	r.sessionMu.Unlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.SerialNumber = serial
	rec.Connected = true
	rec.mu.Unlock()

	sh := r.shardFor(serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, found := sh.bySerial[serial]
	switch {
	case !found:
		sh.bySerial[serial] = rec
		return true
	case existing.ConnectionID < connectionID:
		sh.bySerial[serial] = rec
		r.scheduleTeardown(existing, false)
		return true
	case existing.ConnectionID == connectionID:
		return true
	default:
		// existing.ConnectionID > connectionID: the newer connection
		// already holds the slot; this one loses.
		r.scheduleTeardown(rec, false)
		return false
	}
}

// EndSession removes connectionID from the top-level map and, if the
// per-serial shard entry still points at it, removes that too, then
// enqueues the record for destruction (§4.C).
func (r *Registry) EndSession(connectionID uint64, serial uint64) {
	r.sessionMu.Lock()
	rec, ok := r.byConnection[connectionID]
	if ok {
		delete(r.byConnection, connectionID)
	}
	r.sessionMu.Unlock()
	if !ok {
		return
	}

	if serial != 0 {
		sh := r.shardFor(serial)
		sh.mu.Lock()
		if existing, found := sh.bySerial[serial]; found && existing.ConnectionID == connectionID {
			delete(sh.bySerial, serial)
		}
		sh.mu.Unlock()
	}

	r.scheduleTeardown(rec, false)
}

// scheduleTeardown appends rec to the current garbage list; it is only
// freed after the GC tick following this call (§3, §5 resource lifecycle).
func (r *Registry) scheduleTeardown(rec *Record, graceful bool) {
	if rec.Peer != nil {
		rec.Peer.EndConnection(graceful)
	}
	r.sessionMu.Lock()
	r.garbage = append(r.garbage, rec)
	r.sessionMu.Unlock()
}

// Lookup returns a snapshot of the record for serial, or ok=false if no
// connection currently holds it ("not connected", §4.C).
func (r *Registry) Lookup(serial uint64) (Record, bool) {
	sh := r.shardFor(serial)
	sh.mu.Lock()
	rec, ok := sh.bySerial[serial]
	sh.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Peer returns the live Peer backing serial's connection, if any.
func (r *Registry) Peer(serial uint64) (Peer, bool) {
	sh := r.shardFor(serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.bySerial[serial]
	if !ok {
		return nil, false
	}
	return rec.Peer, true
}

// Record returns the live record for serial so callers can mutate fields
// under its own lock (used by the device dispatch table, §4.B).
func (r *Registry) Record(serial uint64) (*Record, bool) {
	sh := r.shardFor(serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.bySerial[serial]
	return rec, ok
}

// SendFrame forwards payload to serial's connection, returning false if not
// connected (§4.C).
func (r *Registry) SendFrame(serial uint64, payload []byte) bool {
	peer, ok := r.Peer(serial)
	if !ok {
		return false
	}
	return peer.SendFrame(payload) == nil
}

// VisitVenue fans payload out to every currently connected device (the
// venue_broadcast device method, §4.B table), returning the number of
// peers it was delivered to. A send failure to one peer does not stop
// delivery to the rest.
func (r *Registry) VisitVenue(payload []byte) int {
	sent := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		peers := make([]Peer, 0, len(sh.bySerial))
		for _, rec := range sh.bySerial {
			rec.mu.Lock()
			connected := rec.Connected
			peer := rec.Peer
			rec.mu.Unlock()
			if connected && peer != nil {
				peers = append(peers, peer)
			}
		}
		sh.mu.Unlock()
		for _, peer := range peers {
			if peer.SendFrame(payload) == nil {
				sent++
			}
		}
	}
	return sent
}

// Stats is the aggregate snapshot emitted as a load-update event (§4.C,
// GLOSSARY).
type Stats struct {
	Connected               int     `json:"connected"`
	Connecting              int     `json:"connecting"`
	AverageConnectedSeconds float64 `json:"average_connected_seconds"`
	TotalTxBytes            uint64  `json:"total_tx_bytes"`
	TotalRxBytes            uint64  `json:"total_rx_bytes"`
	Reaped                  int     `json:"reaped"`
}

// GC performs one garbage-collection tick (§4.C). full forces the
// additional 256-shard sweep that normally only happens every ≥20s; at is
// the tick's logical time, used for idle-threshold comparisons so tests
// can drive GC deterministically.
func (r *Registry) GC(at time.Time, full bool) Stats {
	// The previous tick's garbage is now safe to release: every observer
	// has had a full tick to drop its reference (§5 resource lifecycle).
	r.sessionMu.Lock()
	released := r.prevGarbage
	r.prevGarbage = r.garbage
	r.garbage = nil
	r.sessionMu.Unlock()
	_ = released // dropped; GC'd by the Go runtime once unreferenced

	var stats Stats
	var totalConnectedSeconds float64
	var connectedSamples int

	if full {
		for _, sh := range r.shards {
			sh.mu.Lock()
			for serial, rec := range sh.bySerial {
				if rec == nil {
					delete(sh.bySerial, serial)
					continue
				}
				rec.mu.Lock()
				idle := at.Sub(rec.LastContact)
				connected := rec.Connected
				started := rec.Started
				tx, rx := rec.TxBytes, rec.RxBytes
				connID := rec.ConnectionID
				rec.mu.Unlock()

				if idle > r.sessionTimeout {
					delete(sh.bySerial, serial)
					sh.mu.Unlock()
					r.EndSession(connID, serial)
					sh.mu.Lock()
					stats.Reaped++
					continue
				}

				if connected {
					stats.Connected++
					totalConnectedSeconds += at.Sub(started).Seconds()
					connectedSamples++
				} else {
					stats.Connecting++
				}
				stats.TotalTxBytes += tx
				stats.TotalRxBytes += rx
			}
			sh.mu.Unlock()
		}
		if connectedSamples > 0 {
			stats.AverageConnectedSeconds = totalConnectedSeconds / float64(connectedSamples)
		}
		// Reaping above is unconditional. The source logs "Removing N
		// sessions" only when the removal list is empty, which reads as
		// inverted; here the count is logged only when something was reaped.
		if stats.Reaped > 0 {
			r.log.Info("gc: removed idle sessions", zap.Int("count", stats.Reaped))
		}
	}

	r.lastGC = at
	if r.bus != nil {
		var payload []byte
		if full {
			if b, err := json.Marshal(stats); err == nil {
				payload = b
			}
		}
		r.bus.Publish(events.Event{Kind: events.KindLoadUpdate, Payload: payload})
	}
	return stats
}
