// Package telemetry tracks per-connection telemetry stream state (§3,
// §4.C), grounded on AP_WS_Server.cpp's SetWebSocketTelemetryReporting /
// SetKafkaTelemetryReporting / StopWebSocketTelemetry / StopKafkaTelemetry
// family of setters.
package telemetry

import "time"

// Sink identifies which downstream channel a telemetry stream reports to.
type Sink int

const (
	SinkWebSocket Sink = iota
	SinkKafka
)

func (s Sink) String() string {
	if s == SinkKafka {
		return "kafka"
	}
	return "websocket"
}

// Stream is the running state of one telemetry reporting stream.
type Stream struct {
	Running   bool
	Interval  time.Duration
	Deadline  time.Time // lifetime deadline; zero means unbounded
	Types     []string  // subscribed telemetry types
	Packets   uint64
	Bytes     uint64
	StartedAt time.Time
}

// State tracks the two possible concurrent streams (WebSocket, Kafka) for
// one connection, matching the spec's "telemetry" connection-record field.
type State struct {
	WebSocket Stream
	Kafka     Stream
}

func (s *State) stream(sink Sink) *Stream {
	if sink == SinkKafka {
		return &s.Kafka
	}
	return &s.WebSocket
}

// Start begins (or restarts) reporting on sink with the given interval and
// lifetime. A zero lifetime means the stream runs until explicitly stopped.
func (s *State) Start(sink Sink, interval time.Duration, lifetime time.Duration, types []string, now time.Time) {
	st := s.stream(sink)
	st.Running = true
	st.Interval = interval
	st.Types = types
	st.StartedAt = now
	st.Packets = 0
	st.Bytes = 0
	if lifetime > 0 {
		st.Deadline = now.Add(lifetime)
	} else {
		st.Deadline = time.Time{}
	}
}

// Stop halts reporting on sink and clears counters.
func (s *State) Stop(sink Sink) {
	*s.stream(sink) = Stream{}
}

// Expired reports whether sink's stream has outlived its lifetime deadline.
func (s *State) Expired(sink Sink, now time.Time) bool {
	st := s.stream(sink)
	return st.Running && !st.Deadline.IsZero() && now.After(st.Deadline)
}

// Record accounts for one emitted telemetry packet of n bytes on sink.
func (s *State) Record(sink Sink, n int) {
	st := s.stream(sink)
	st.Packets++
	st.Bytes += uint64(n)
}

// Parameters reports the current configuration and counters of sink.
func (s *State) Parameters(sink Sink) Stream {
	return *s.stream(sink)
}
