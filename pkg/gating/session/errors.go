package session

import "fmt"

// ConnectErrorKind classifies why a connect() attempt failed (spec §7).
type ConnectErrorKind string

const (
	ConnectSpawnFailure        ConnectErrorKind = "spawn_failure"
	ConnectHandshakeTimeout    ConnectErrorKind = "handshake_timeout"
	ConnectProtocolMismatch    ConnectErrorKind = "protocol_mismatch"
)

// ConnectError reports a per-backend connect failure. Connect failures are
// isolated: one backend's ConnectError never aborts another backend's
// connect, and never tears down the Session Manager.
type ConnectError struct {
	Backend string
	Kind    ConnectErrorKind
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: connect %q: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CallErrorKind classifies a failed call_tool invocation (spec §7).
type CallErrorKind string

const (
	CallTimeout      CallErrorKind = "timeout"
	CallSessionLost  CallErrorKind = "session_lost"
	CallBackendError CallErrorKind = "backend_error"
	CallCancelled    CallErrorKind = "cancelled"
)

// CallError reports a failed call_tool invocation. It never tears down the
// owning session: after a timeout, cancellation or backend error the session
// remains usable (spec §4.4); CallSessionLost reports a session that has
// already failed.
type CallError struct {
	Backend string
	Tool    string
	Kind    CallErrorKind
	// Payload carries the backend's own error payload when Kind is
	// CallBackendError.
	Payload any
	Err     error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: call %s/%s: %s: %v", e.Backend, e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("session: call %s/%s: %s", e.Backend, e.Tool, e.Kind)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *CallError of the given kind.
func IsKind(err error, kind CallErrorKind) bool {
	var ce *CallError
	return asCallError(err, &ce) && ce.Kind == kind
}

func asCallError(err error, target **CallError) bool {
	for err != nil {
		if ce, ok := err.(*CallError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
