// Package device implements the device-method dispatch table from §4.B:
// the set of JSON-RPC methods a device may send, their required params,
// and the effect each has on the registry and the durable store. Grounded
// on uCentralWebSocketServer.cpp's ProcessJSONRPCEvent, reworked from its
// exception-driven dispatch into result-typed handlers (§9 design notes).
package device

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stepherg/blizzardgw/internal/command"
	"github.com/stepherg/blizzardgw/internal/config"
	"github.com/stepherg/blizzardgw/internal/events"
	"github.com/stepherg/blizzardgw/internal/registry"
	"github.com/stepherg/blizzardgw/internal/serialnum"
	"github.com/stepherg/blizzardgw/internal/store"
)

// Conn is the narrow view of a Connection the dispatch table needs: enough
// to synthesize a configure request and identify which connection a
// request arrived on (§4.B's configuration-upgrade policy).
type Conn interface {
	ConnectionID() uint64
	SendRequest(cmd store.Command) (rpcID uint64, full bool, err error)
}

// ErrMissingParams classifies a ProtocolError (§7): a required field was
// absent. The caller logs and drops the frame; the connection survives.
var ErrMissingParams = errors.New("device: missing required params")

// ErrUnknownMethod is returned for a method name outside the dispatch
// table; also logged and ignored (§4.B).
var ErrUnknownMethod = errors.New("device: unknown method")

// ErrBlacklisted classifies a PolicyError (§7): connect was rejected
// because the external store blacklists this serial.
var ErrBlacklisted = errors.New("device: serial is blacklisted")

// ErrCertMismatch classifies a PolicyError (§7): the peer certificate's CN
// disagrees with the device-declared serial beyond MismatchDepth trailing
// hex digits, and AllowMismatch is false (§4.A, §9).
var ErrCertMismatch = errors.New("device: certificate serial mismatch")

// Dispatcher wires together the Registry, Store, Command Coordinator, and
// event bus that device methods consult (§4.B table).
type Dispatcher struct {
	Registry    *registry.Registry
	Store       store.Store
	Coordinator *command.Coordinator
	Bus         *events.Bus
	Log         *zap.Logger

	// MismatchDepth bounds how many trailing hex digits of the serial may
	// differ from the peer certificate's CN before a mismatch is declared
	// (§4.A, §9 open question: enforced at connect time).
	MismatchDepth int
	// AllowMismatch, if true, downgrades a mismatch to a logged warning
	// (cert_state VERIFIED_SERIAL_MISMATCH) instead of rejecting connect.
	AllowMismatch bool

	// Provisioning mirrors AP_WS_Server::Start's LookAtProvisioning_/
	// UseDefaultConfig_ flags (§6 autoprovisioning.process, §9): whether an
	// unseen device gets a default device row created outright, or is left
	// unprovisioned pending an external provisioning lookup.
	Provisioning config.AutoProvisioningFlags
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}

// Dispatch routes a parsed device request to its handler. params is
// expected to already have compress_64 inflated by the caller (§4.B).
func (d *Dispatcher) Dispatch(conn Conn, connectionID uint64, method string, params json.RawMessage) error {
	switch method {
	case "connect":
		return d.handleConnect(conn, connectionID, params)
	case "state":
		return d.handleState(conn, connectionID, params)
	case "healthcheck":
		return d.handleHealthcheck(conn, connectionID, params)
	case "log":
		return d.handleLog(params)
	case "crashlog":
		return d.handleCrashlog(params)
	case "ping":
		return d.handlePing(connectionID, params)
	case "cfgpending":
		return d.handleCfgPending(params)
	case "venue_broadcast":
		return d.handleVenueBroadcast(connectionID, params)
	default:
		d.logger().Warn("unknown device method", zap.String("method", method))
		return ErrUnknownMethod
	}
}

type connectParams struct {
	Serial       *string         `json:"serial"`
	UUID         *uint64         `json:"uuid"`
	Firmware     *string         `json:"firmware"`
	Capabilities json.RawMessage `json:"capabilities"`
}

func (d *Dispatcher) handleConnect(conn Conn, connectionID uint64, raw json.RawMessage) error {
	var p connectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.Serial == nil || p.UUID == nil || p.Firmware == nil || p.Capabilities == nil {
		return ErrMissingParams
	}
	serial, err := serialnum.Parse(*p.Serial)
	if err != nil {
		return errors.Wrap(ErrMissingParams, "invalid serial")
	}

	blacklisted, err := d.Store.IsBlacklisted(serial)
	if err != nil {
		return errors.Wrap(err, "check blacklist")
	}
	if blacklisted {
		d.logger().Warn("rejecting blacklisted device", zap.Uint64("serial", serial))
		return ErrBlacklisted
	}

	if !d.Registry.SetSessionDetails(connectionID, serial) {
		// Superseded by a newer connection_id for the same serial; this
		// connection will be torn down by the registry.
		return nil
	}

	rec, ok := d.Registry.Record(serial)
	if ok {
		rec.Lock()
		rec.ActiveUUID = *p.UUID
		cn := rec.CommonName
		rec.Unlock()

		if cn != "" {
			if serialnum.TrailingDigitsDiffer(cn, *p.Serial, d.MismatchDepth) {
				if !d.AllowMismatch {
					d.logger().Warn("rejecting connect: certificate/serial mismatch",
						zap.Uint64("serial", serial), zap.String("cn", cn))
					return ErrCertMismatch
				}
				d.logger().Warn("certificate/serial mismatch allowed by policy",
					zap.Uint64("serial", serial), zap.String("cn", cn))
				rec.Lock()
				rec.CertState = registry.CertVerifiedSerialMismatch
				rec.Unlock()
			} else {
				rec.Lock()
				rec.CertState = registry.CertVerifiedSerialMatch
				rec.Unlock()
			}
		}
	}

	if err := d.Store.UpdateCapabilities(serial, string(p.Capabilities)); err != nil {
		return errors.Wrap(err, "persist capabilities")
	}
	if err := d.Store.SetFirmware(serial, *p.Firmware); err != nil {
		return errors.Wrap(err, "persist firmware")
	}
	exists, err := d.Store.DeviceExists(serial)
	if err != nil {
		return errors.Wrap(err, "check device existence")
	}
	if !exists {
		if d.Provisioning.UseDefaultConfig {
			if err := d.Store.CreateDefaultDevice(serial, string(p.Capabilities)); err != nil {
				return errors.Wrap(err, "create default device")
			}
		} else if d.Provisioning.LookAtProvisioning {
			d.logger().Info("new device pending external provisioning lookup, no default device created",
				zap.Uint64("serial", serial))
		}
	}
	if err := d.Store.UpdateCapabilities(serial, string(p.Capabilities)); err != nil {
		return errors.Wrap(err, "persist capabilities")
	}
	if err := d.Store.SetFirmware(serial, *p.Firmware); err != nil {
		return errors.Wrap(err, "persist firmware")
	}

	if d.Bus != nil {
		d.Bus.Publish(events.Event{Kind: events.KindConnected, SerialNumber: serial})
	}
	return d.considerConfigUpgrade(conn, connectionID, serial, *p.UUID)
}

type stateParams struct {
	Serial     *string         `json:"serial"`
	UUID       *uint64         `json:"uuid"`
	State      json.RawMessage `json:"state"`
	RequestUUID *string        `json:"request_uuid"`
}

func (d *Dispatcher) handleState(conn Conn, connectionID uint64, raw json.RawMessage) error {
	var p stateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.Serial == nil || p.UUID == nil || p.State == nil {
		return ErrMissingParams
	}
	serial, err := serialnum.Parse(*p.Serial)
	if err != nil {
		return errors.Wrap(ErrMissingParams, "invalid serial")
	}
	if err := d.Store.AddStatistics(serial, *p.UUID, string(p.State)); err != nil {
		return errors.Wrap(err, "persist statistics")
	}
	if rec, ok := d.Registry.Record(serial); ok {
		rec.Lock()
		rec.ActiveUUID = *p.UUID
		rec.LastStats = string(p.State)
		rec.Unlock()
	}
	if p.RequestUUID != nil {
		if err := d.Store.SetCommandResult(*p.RequestUUID, string(p.State)); err != nil {
			return errors.Wrap(err, "attribute state to pending command")
		}
		if err := d.Store.UpdateCommandStatus(*p.RequestUUID, store.StatusCompleted, 0, ""); err != nil {
			return errors.Wrap(err, "complete attributed command")
		}
	}
	return d.considerConfigUpgrade(conn, connectionID, serial, *p.UUID)
}

type healthcheckParams struct {
	Serial      *string         `json:"serial"`
	UUID        *uint64         `json:"uuid"`
	Sanity      *int            `json:"sanity"`
	Data        json.RawMessage `json:"data"`
	RequestUUID *string         `json:"request_uuid"`
}

func (d *Dispatcher) handleHealthcheck(conn Conn, connectionID uint64, raw json.RawMessage) error {
	var p healthcheckParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.Serial == nil || p.UUID == nil || p.Sanity == nil || p.Data == nil {
		return ErrMissingParams
	}
	serial, err := serialnum.Parse(*p.Serial)
	if err != nil {
		return errors.Wrap(ErrMissingParams, "invalid serial")
	}
	if err := d.Store.AddHealthcheck(serial, *p.UUID, *p.Sanity, string(p.Data)); err != nil {
		return errors.Wrap(err, "persist healthcheck")
	}
	if rec, ok := d.Registry.Record(serial); ok {
		rec.Lock()
		rec.LastHealthcheck = string(p.Data)
		rec.Unlock()
	}
	if p.RequestUUID != nil {
		if err := d.Store.SetCommandResult(*p.RequestUUID, string(p.Data)); err != nil {
			return errors.Wrap(err, "attribute healthcheck to pending command")
		}
		if err := d.Store.UpdateCommandStatus(*p.RequestUUID, store.StatusCompleted, 0, ""); err != nil {
			return errors.Wrap(err, "complete attributed command")
		}
	}
	return d.considerConfigUpgrade(conn, connectionID, serial, *p.UUID)
}

type logParams struct {
	Log      *string `json:"log"`
	Severity *int    `json:"severity"`
	Data     *string `json:"data"`
	Serial   *string `json:"serial"`
}

func (d *Dispatcher) handleLog(raw json.RawMessage) error {
	var p logParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.Log == nil || p.Severity == nil {
		return ErrMissingParams
	}
	var serial uint64
	if p.Serial != nil {
		serial, _ = serialnum.Parse(*p.Serial)
	}
	return errors.Wrap(d.Store.AddLog(serial, *p.Log, *p.Severity, "device"), "persist device log")
}

type crashlogParams struct {
	UUID      *uint64  `json:"uuid"`
	LogLines  []string `json:"loglines"`
	Serial    *string  `json:"serial"`
}

const severityEmergency = 0

func (d *Dispatcher) handleCrashlog(raw json.RawMessage) error {
	var p crashlogParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.UUID == nil || len(p.LogLines) == 0 {
		return ErrMissingParams
	}
	var serial uint64
	if p.Serial != nil {
		serial, _ = serialnum.Parse(*p.Serial)
	}
	text := strings.Join(p.LogLines, "\n")
	return errors.Wrap(d.Store.AddLog(serial, text, severityEmergency, "crash"), "persist crash log")
}

type pingParams struct {
	UUID   *uint64 `json:"uuid"`
	Serial *string `json:"serial"`
}

func (d *Dispatcher) handlePing(connectionID uint64, raw json.RawMessage) error {
	var p pingParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.UUID == nil {
		return ErrMissingParams
	}
	_ = connectionID
	return nil
}

type cfgPendingParams struct {
	UUID   *uint64 `json:"uuid"`
	Active *uint64 `json:"active"`
	Serial *string `json:"serial"`
}

func (d *Dispatcher) handleCfgPending(raw json.RawMessage) error {
	var p cfgPendingParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.UUID == nil || p.Active == nil {
		return ErrMissingParams
	}
	if p.Serial == nil {
		return ErrMissingParams
	}
	serial, err := serialnum.Parse(*p.Serial)
	if err != nil {
		return errors.Wrap(ErrMissingParams, "invalid serial")
	}
	rec, ok := d.Registry.Record(serial)
	if !ok {
		return nil
	}
	rec.Lock()
	rec.ActiveUUID = *p.Active
	rec.PendingUUID = *p.UUID
	rec.Unlock()
	return nil
}

type venueBroadcastParams struct {
	Data json.RawMessage `json:"data"`
}

func (d *Dispatcher) handleVenueBroadcast(connectionID uint64, raw json.RawMessage) error {
	var p venueBroadcastParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(ErrMissingParams, err.Error())
	}
	if p.Data == nil {
		return ErrMissingParams
	}
	notice, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: "venue_broadcast", Params: p.Data})
	if err != nil {
		return errors.Wrap(err, "marshal venue broadcast")
	}
	sent := d.Registry.VisitVenue(notice)
	d.logger().Debug("venue broadcast fanned out", zap.Int("recipients", sent))
	if d.Bus != nil {
		d.Bus.Publish(events.Event{Kind: events.KindDeviceEvent, Name: "venue_broadcast", Payload: p.Data})
	}
	return nil
}

// rpcNotification is a JSON-RPC 2.0 notification envelope (no id).
type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// considerConfigUpgrade implements the configuration-upgrade policy from
// §4.B: after connect/state/healthcheck, ask the store whether a newer
// configuration exists; if so and no upgrade is already in flight,
// synthesize a configure request.
func (d *Dispatcher) considerConfigUpgrade(conn Conn, connectionID uint64, serial uint64, activeUUID uint64) error {
	rec, ok := d.Registry.Record(serial)
	if !ok {
		return nil
	}
	rec.Lock()
	pending := rec.PendingUUID
	rec.Unlock()
	if pending != 0 {
		return nil
	}

	config, newUUID, has, err := d.Store.ExistingConfiguration(serial, activeUUID)
	if err != nil {
		return errors.Wrap(err, "check existing configuration")
	}
	if !has || newUUID == pending {
		return nil
	}

	params, _ := json.Marshal(map[string]any{
		"serial": serialnum.String(serial),
		"uuid":   newUUID,
		"when":   0,
		"config": json.RawMessage(config),
	})
	cmd := store.Command{
		UUID:         strconv.FormatUint(connectionID, 10) + "-configure-" + strconv.FormatUint(newUUID, 10),
		SerialNumber: serial,
		Command:      "configure",
		Params:       string(params),
		SubmittedBy:  "*system",
		Status:       store.StatusExecuting,
	}
	if err := d.Coordinator.IssueAsync(connectionID, conn, cmd); err != nil {
		return errors.Wrap(err, "issue configure request")
	}

	rec.Lock()
	rec.PendingUUID = newUUID
	rec.Unlock()
	return nil
}
