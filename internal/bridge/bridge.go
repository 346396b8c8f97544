package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	wrp "github.com/xmidt-org/wrp-go/v3"

	"github.com/stepherg/blizzardgw/internal/events"
	"github.com/stepherg/blizzardgw/internal/serialnum"
)

// Doer is the minimal WRP transport Bridge needs; *Client satisfies it.
type Doer interface {
	Do(ctx context.Context, m *wrp.Message) (*wrp.Message, error)
}

// Config controls whether and how the gateway bridges to an upstream WRP
// service (§4.B open-ended extension point: "an optional WRP/Scytale
// upstream bridge").
type Config struct {
	Enable   bool
	Source   string
	Services []string
	Timeout  time.Duration
}

// Bridge forwards device events upstream as WRP SimpleEvent messages and,
// on request, routes a command to the device via the first of several
// candidate upstream services that accepts it (§9: a device's runtime may
// expose several logical services during a migration).
type Bridge struct {
	cfg    Config
	client Doer
	log    *zap.Logger
}

// New builds a Bridge. client is typically a *Client pointed at Scytale.
func New(cfg Config, client Doer, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &Bridge{cfg: cfg, client: client, log: log}
}

// Run subscribes to bus and forwards every event published on it
// (connect, load-update, device events) upstream until ctx is cancelled.
// It never blocks frame
// processing: failures are logged and dropped.
func (b *Bridge) Run(ctx context.Context, bus *events.Bus) {
	if !b.cfg.Enable {
		return
	}
	_, ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev events.Event) {
	name := ev.Name
	if name == "" {
		name = string(ev.Kind)
	}
	payload := ev.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	dest := fmt.Sprintf("mac:%s/event/%s", serialnum.String(ev.SerialNumber), name)
	msg := &wrp.Message{
		Type:        wrp.SimpleEventMessageType,
		Source:      b.cfg.Source,
		Destination: dest,
		ContentType: "application/json",
		Payload:     payload,
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	if _, err := b.client.Do(sendCtx, msg); err != nil {
		b.log.Warn("bridge: forward event failed", zap.String("dest", dest), zap.Error(err))
	}
}

// jsonRPCEnvelope mirrors the wire shape of rpcmsg.Request/Response closely
// enough to round-trip through a WRP payload without importing rpcmsg,
// which would create an import cycle back through wsconn.
type jsonRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// SubmitCommand routes method/params to deviceID across the configured
// candidate services in order, returning the first response that parses as
// a JSON-RPC envelope or, failing that, wraps the raw upstream payload as a
// result (§9: fallback from an expected service to a legacy one during a
// device-software transition).
func (b *Bridge) SubmitCommand(ctx context.Context, deviceID, id, method string, params json.RawMessage) (json.RawMessage, error) {
	if !b.cfg.Enable {
		return nil, errors.New("bridge: disabled")
	}
	if len(b.cfg.Services) == 0 {
		return nil, errors.New("bridge: no upstream services configured")
	}
	req := jsonRPCEnvelope{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal outbound envelope")
	}

	var lastErr error
	for _, svc := range b.cfg.Services {
		dest := fmt.Sprintf("mac:%s/%s", deviceID, svc)
		msg := &wrp.Message{
			Type:            wrp.SimpleRequestResponseMessageType,
			Source:          b.cfg.Source,
			Destination:     dest,
			ServiceName:     svc,
			TransactionUUID: id,
			ContentType:     "application/json",
			Payload:         raw,
		}
		sendCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		upstream, sendErr := b.client.Do(sendCtx, msg)
		cancel()
		if sendErr != nil {
			lastErr = errors.Wrapf(sendErr, "service %s", svc)
			b.log.Debug("bridge: service attempt failed", zap.String("service", svc), zap.Error(sendErr))
			continue
		}
		var env jsonRPCEnvelope
		if err := json.Unmarshal(upstream.Payload, &env); err == nil && env.JSONRPC == "2.0" {
			if env.Error != nil {
				return nil, errors.Errorf("upstream service %s returned error: %s", svc, string(env.Error))
			}
			return env.Result, nil
		}
		return json.RawMessage(upstream.Payload), nil
	}
	return nil, errors.Wrap(lastErr, "all upstream services failed")
}
