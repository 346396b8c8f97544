// Package command implements the Command Coordinator (§4.D): it allocates
// RPC ids indirectly through the Connection it is handed, matches replies
// to waiters, times out, and persists unmatched commands as pending via
// the Store. Grounded on the teacher's request/response correlation
// pattern in internal/rpc/wrp_dispatcher.go, generalized from a single
// WRP round trip into a per-connection waiter table.
package command

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stepherg/blizzardgw/internal/rpcmsg"
	"github.com/stepherg/blizzardgw/internal/store"
	"go.uber.org/zap"
)

// Sender is the narrow view of a Connection the coordinator needs to issue
// a JSON-RPC request (§4.B's send_request). wsconn.Connection implements
// this; command never imports wsconn.
type Sender interface {
	SendRequest(cmd store.Command) (rpcID uint64, full bool, err error)
}

// ErrNotConnected reports that the target device has no live connection.
// Execute does not return it: a command for a disconnected device is
// persisted as pending instead.
var ErrNotConnected = errors.New("command: device not connected")

type waiter struct {
	commandUUID string
	full        bool
	done        chan *rpcmsg.Response
}

// Coordinator holds, per connection, a map from RPC id to the waiter
// expecting its reply, plus a global index by command UUID (§4.D).
type Coordinator struct {
	mu        sync.Mutex
	byConn    map[uint64]map[uint64]*waiter // connectionID -> rpcID -> waiter
	byCommand map[string]*waiter
	store     store.Store
	log       *zap.Logger
}

// New builds a Coordinator persisting through st.
func New(st store.Store) *Coordinator {
	return &Coordinator{
		byConn:    make(map[uint64]map[uint64]*waiter),
		byCommand: make(map[string]*waiter),
		store:     st,
		log:       zap.NewNop(),
	}
}

// SetLogger installs l as the coordinator's structured logger.
func (c *Coordinator) SetLogger(l *zap.Logger) {
	if l != nil {
		c.log = l
	}
}

func (c *Coordinator) register(connectionID, rpcID uint64, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byConn[connectionID]
	if !ok {
		m = make(map[uint64]*waiter)
		c.byConn[connectionID] = m
	}
	m[rpcID] = w
	c.byCommand[w.commandUUID] = w
}

func (c *Coordinator) drop(connectionID, rpcID uint64, commandUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byConn[connectionID]; ok {
		delete(m, rpcID)
		if len(m) == 0 {
			delete(c.byConn, connectionID)
		}
	}
	delete(c.byCommand, commandUUID)
}

func (c *Coordinator) take(connectionID, rpcID uint64) (*waiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byConn[connectionID]
	if !ok {
		return nil, false
	}
	w, ok := m[rpcID]
	if !ok {
		return nil, false
	}
	delete(m, rpcID)
	if len(m) == 0 {
		delete(c.byConn, connectionID)
	}
	delete(c.byCommand, w.commandUUID)
	return w, true
}

// Execute implements the issue path from §4.D: commands scheduled for the
// future, or whose device is not connected, are persisted as pending
// immediately. Otherwise the request is sent and Execute waits up to
// timeout for the matching reply, falling back to pending on timeout or
// send failure. It returns an error only when persisting the command
// through the store fails; otherwise the record's Status communicates the
// outcome.
func (c *Coordinator) Execute(connectionID uint64, connected bool, sender Sender, cmd store.Command, timeout time.Duration) (store.Command, error) {
	now := time.Now().Unix()
	if cmd.RunAt > now || !connected || sender == nil {
		cmd.Status = store.StatusPending
		if err := c.store.AddCommand(cmd); err != nil {
			return cmd, errors.Wrap(err, "persist pending command")
		}
		return cmd, nil
	}

	rpcID, full, err := sender.SendRequest(cmd)
	if err != nil {
		cmd.Status = store.StatusPending
		if perr := c.store.AddCommand(cmd); perr != nil {
			return cmd, errors.Wrap(perr, "persist pending command after send failure")
		}
		return cmd, nil
	}

	w := &waiter{commandUUID: cmd.UUID, full: full, done: make(chan *rpcmsg.Response, 1)}
	c.register(connectionID, rpcID, w)

	cmd.Status = store.StatusExecuting
	if err := c.store.AddCommand(cmd); err != nil {
		c.drop(connectionID, rpcID, cmd.UUID)
		return cmd, errors.Wrap(err, "persist executing command")
	}

	select {
	case resp := <-w.done:
		return c.complete(cmd, resp, full)
	case <-time.After(timeout):
		c.drop(connectionID, rpcID, cmd.UUID)
		cmd.Status = store.StatusPending
		if err := c.store.UpdateCommandStatus(cmd.UUID, store.StatusPending, 0, ""); err != nil {
			return cmd, errors.Wrap(err, "demote command to pending after timeout")
		}
		return cmd, nil
	}
}

// IssueAsync sends cmd without waiting for a reply, registering the RPC id
// as Full=true (§4.B's configure-synthesis path: "registers the id in the
// Coordinator with Full=true"). The reply, when it arrives, is handled by
// Reply like any other tracked command.
func (c *Coordinator) IssueAsync(connectionID uint64, sender Sender, cmd store.Command) error {
	cmd.Status = store.StatusExecuting
	rpcID, _, err := sender.SendRequest(cmd)
	if err != nil {
		cmd.Status = store.StatusPending
		return errors.Wrap(c.store.AddCommand(cmd), "persist pending after async send failure")
	}
	w := &waiter{commandUUID: cmd.UUID, full: true, done: make(chan *rpcmsg.Response, 1)}
	c.register(connectionID, rpcID, w)
	return errors.Wrap(c.store.AddCommand(cmd), "persist executing async command")
}

type statusPayload struct {
	Error struct {
		Code int    `json:"code"`
		Text string `json:"text"`
	} `json:"status"`
}

func (c *Coordinator) complete(cmd store.Command, resp *rpcmsg.Response, full bool) (store.Command, error) {
	cmd.Status = store.StatusCompleted
	var errCode int
	var errText string
	if resp.Error != nil {
		errCode = resp.Error.Code
		errText = resp.Error.Message
	} else if full && len(resp.Result) > 0 {
		var p statusPayload
		if err := json.Unmarshal(resp.Result, &p); err == nil {
			errCode = p.Error.Code
			errText = p.Error.Text
		}
	}
	cmd.ErrorCode = errCode
	cmd.ErrorText = errText
	cmd.Results = string(resp.Result)

	if err := c.store.UpdateCommandStatus(cmd.UUID, store.StatusCompleted, errCode, errText); err != nil {
		return cmd, errors.Wrap(err, "persist command completion")
	}
	if err := c.store.SetCommandResult(cmd.UUID, cmd.Results); err != nil {
		return cmd, errors.Wrap(err, "persist command result")
	}
	return cmd, nil
}

// Reply is invoked by the Connection on an inbound JSON-RPC response
// (§4.D's reply path). An unmatched rpcID is benign: the REST waiter, if
// any, has already timed out and moved on.
func (c *Coordinator) Reply(connectionID, rpcID uint64, resp *rpcmsg.Response) {
	w, ok := c.take(connectionID, rpcID)
	if !ok {
		c.log.Debug("reply for unknown rpc id", zap.Uint64("connection_id", connectionID), zap.Uint64("rpc_id", rpcID))
		return
	}
	cmd := store.Command{UUID: w.commandUUID}
	_, _ = c.complete(cmd, resp, w.full)
	select {
	case w.done <- resp:
	default:
	}
}
