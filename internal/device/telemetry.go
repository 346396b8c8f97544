package device

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/stepherg/blizzardgw/internal/serialnum"
	"github.com/stepherg/blizzardgw/internal/store"
	"github.com/stepherg/blizzardgw/internal/telemetry"
)

// ErrTelemetryTargetNotConnected is returned by the telemetry setters below
// when serial has no live connection to carry the command (§6's telemetry
// sink configuration requires a connected device).
var ErrTelemetryTargetNotConnected = errors.New("device: telemetry target not connected")

// SetWebsocketTelemetry implements the set_websocket_telemetry operation
// (§6, grounded on AP_WS_Server.cpp's SetWebSocketTelemetryReporting):
// issues the configuration to the device and records the stream as running
// on the registry's record.
func (d *Dispatcher) SetWebsocketTelemetry(serial uint64, interval, lifetime time.Duration, types []string) error {
	return d.setTelemetry(serial, telemetry.SinkWebSocket, "set_websocket_telemetry", interval, lifetime, types)
}

// SetKafkaTelemetry implements set_kafka_telemetry, the Kafka-sink
// counterpart of SetWebsocketTelemetry.
func (d *Dispatcher) SetKafkaTelemetry(serial uint64, interval, lifetime time.Duration, types []string) error {
	return d.setTelemetry(serial, telemetry.SinkKafka, "set_kafka_telemetry", interval, lifetime, types)
}

// StopWebsocketTelemetry implements stop_websocket_telemetry.
func (d *Dispatcher) StopWebsocketTelemetry(serial uint64) error {
	return d.stopTelemetry(serial, telemetry.SinkWebSocket, "stop_websocket_telemetry")
}

// StopKafkaTelemetry implements stop_kafka_telemetry.
func (d *Dispatcher) StopKafkaTelemetry(serial uint64) error {
	return d.stopTelemetry(serial, telemetry.SinkKafka, "stop_kafka_telemetry")
}

// TelemetryParameters answers a get_telemetry_parameters query (§6) with
// the registry's current view of serial's two streams.
func (d *Dispatcher) TelemetryParameters(serial uint64) (telemetry.State, bool) {
	rec, ok := d.Registry.Record(serial)
	if !ok {
		return telemetry.State{}, false
	}
	rec.Lock()
	defer rec.Unlock()
	return rec.Telemetry, true
}

func (d *Dispatcher) telemetryConn(serial uint64) (Conn, uint64, bool) {
	rec, ok := d.Registry.Record(serial)
	if !ok {
		return nil, 0, false
	}
	peer, ok := d.Registry.Peer(serial)
	if !ok {
		return nil, 0, false
	}
	conn, ok := peer.(Conn)
	if !ok {
		return nil, 0, false
	}
	return conn, rec.ConnectionID, true
}

func (d *Dispatcher) setTelemetry(serial uint64, sink telemetry.Sink, method string, interval, lifetime time.Duration, types []string) error {
	conn, connectionID, ok := d.telemetryConn(serial)
	if !ok {
		return ErrTelemetryTargetNotConnected
	}

	params, err := json.Marshal(map[string]any{
		"interval_seconds": int(interval.Seconds()),
		"lifetime_seconds": int(lifetime.Seconds()),
		"types":            types,
	})
	if err != nil {
		return errors.Wrap(err, "marshal telemetry params")
	}
	cmd := store.Command{
		UUID:         serialnum.String(serial) + "-" + method,
		SerialNumber: serial,
		Command:      method,
		Params:       string(params),
		SubmittedBy:  "*system",
		Status:       store.StatusExecuting,
	}
	if err := d.Coordinator.IssueAsync(connectionID, conn, cmd); err != nil {
		return errors.Wrap(err, "issue telemetry command")
	}

	rec, _ := d.Registry.Record(serial)
	rec.Lock()
	rec.Telemetry.Start(sink, interval, lifetime, types, time.Now())
	rec.Unlock()
	return nil
}

func (d *Dispatcher) stopTelemetry(serial uint64, sink telemetry.Sink, method string) error {
	conn, connectionID, ok := d.telemetryConn(serial)
	if !ok {
		return ErrTelemetryTargetNotConnected
	}

	cmd := store.Command{
		UUID:         serialnum.String(serial) + "-" + method,
		SerialNumber: serial,
		Command:      method,
		Params:       "{}",
		SubmittedBy:  "*system",
		Status:       store.StatusExecuting,
	}
	if err := d.Coordinator.IssueAsync(connectionID, conn, cmd); err != nil {
		return errors.Wrap(err, "issue telemetry stop command")
	}

	rec, _ := d.Registry.Record(serial)
	rec.Lock()
	rec.Telemetry.Stop(sink)
	rec.Unlock()
	return nil
}
