// Package session implements the Session Manager (spec §4.4): the owner of
// every backend's long-lived stdio MCP subprocess and its JSON-RPC channel.
package session

import (
	"sync"

	"github.com/toolgating/toolgating/pkg/gating"
)

// State is a session's position in the lifecycle described by spec §4.4:
// pending -> connecting -> connected -> {closing -> closed | failed}.
type State string

const (
	StatePending    State = "pending"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Handle is the externally visible view of one backend's session: enough
// for the Proxy and health monitor to report status, with no access to the
// underlying transport or process.
type Handle struct {
	Backend string
	State   State
}

// entry is the Manager's internal per-backend bookkeeping. stateMu guards
// state transitions separately from the transport's own locking so status
// reads never contend with in-flight calls.
type entry struct {
	spec gating.LaunchSpec

	stateMu sync.RWMutex
	state   State
	lastErr error

	proc *process
	t    *transport
}

func (e *entry) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *entry) setFailed(err error) {
	e.stateMu.Lock()
	e.state = StateFailed
	e.lastErr = err
	e.stateMu.Unlock()
}

func (e *entry) snapshot() (State, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state, e.lastErr
}
