package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/toolgating/toolgating/internal/logger"
)

// pendingCall is a waiter keyed by correlator, resolved at most once: by the
// reader loop when its response arrives, or by markFailed when the session
// fails or is closed. A caller that stops waiting removes it with retire.
type pendingCall struct {
	resultCh chan callOutcome
}

// callOutcome is what resolves a pendingCall: either the backend's own
// response, or lost=true when the session failed before one arrived. Kept
// distinct from jsonrpcResponse so a session-lost release can never be
// mistaken for a backend-reported JSON-RPC error.
type callOutcome struct {
	resp jsonrpcResponse
	lost bool
	err  error
}

// transport owns one backend's stdio JSON-RPC channel: the reader goroutine
// draining stdout, the correlator map of in-flight calls, and the send-side
// mutex serializing writes (spec §5 "per-session message loop"). All
// protocol state for one backend lives here and nowhere else.
type transport struct {
	proc *process

	nextID int64 // atomic

	sendMu sync.Mutex // serializes writes to proc.stdin

	mu      sync.Mutex
	pending map[int64]*pendingCall
	failed  error // set once the session transitions to failed

	readerDone chan struct{}
}

func newTransport(proc *process) *transport {
	t := &transport{
		proc:       proc,
		pending:    make(map[int64]*pendingCall),
		readerDone: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// readLoop drains stdout and dispatches each response to its waiter by
// correlator. It is the single owner of proc.stdout; nothing else reads it.
func (t *transport) readLoop() {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(t.proc.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.Warnw("session: malformed response line", "backend", t.proc.name, "err", err)
			continue
		}
		t.dispatch(resp)
	}

	// stdout closed: the backend exited or the pipe broke. Fail the session
	// and release every outstanding waiter with SessionLost.
	t.markFailed(fmt.Errorf("session: backend %q stdio closed", t.proc.name))
}

func (t *transport) dispatch(resp jsonrpcResponse) {
	t.mu.Lock()
	waiter, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		// Response for a retired (timed out or cancelled) correlator.
		return
	}
	waiter.resultCh <- callOutcome{resp: resp}
}

// markFailed retires every pending waiter with SessionLost and records err
// so future call() attempts fail fast.
func (t *transport) markFailed(err error) {
	t.mu.Lock()
	if t.failed != nil {
		t.mu.Unlock()
		return
	}
	t.failed = err
	pending := t.pending
	t.pending = make(map[int64]*pendingCall)
	t.mu.Unlock()

	for _, w := range pending {
		w.resultCh <- callOutcome{lost: true, err: err}
	}
}

func (t *transport) isFailed() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// call sends method/params and waits for the matching response, session
// failure, or ctx cancellation/deadline — whichever comes first. On
// deadline/cancellation the correlator is retired (removed from pending) but
// the session remains usable for subsequent calls.
func (t *transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := t.isFailed(); err != nil {
		return nil, &CallError{Kind: CallSessionLost, Err: err}
	}

	id := atomic.AddInt64(&t.nextID, 1)
	waiter := &pendingCall{resultCh: make(chan callOutcome, 1)}

	t.mu.Lock()
	t.pending[id] = waiter
	t.mu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		t.retire(id)
		return nil, fmt.Errorf("session: marshal request: %w", err)
	}
	body = append(body, '\n')

	t.sendMu.Lock()
	_, writeErr := t.proc.stdin.Write(body)
	t.sendMu.Unlock()
	if writeErr != nil {
		t.retire(id)
		t.markFailed(fmt.Errorf("session: write to backend %q: %w", t.proc.name, writeErr))
		return nil, &CallError{Kind: CallSessionLost, Err: writeErr}
	}

	select {
	case outcome := <-waiter.resultCh:
		if outcome.lost {
			return nil, &CallError{Kind: CallSessionLost, Err: outcome.err}
		}
		if outcome.resp.Error != nil {
			return nil, &CallError{Kind: CallBackendError, Payload: outcome.resp.Error, Err: fmt.Errorf("%s", outcome.resp.Error.Message)}
		}
		return outcome.resp.Result, nil
	case <-ctx.Done():
		t.retire(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &CallError{Kind: CallTimeout, Err: ctx.Err()}
		}
		return nil, &CallError{Kind: CallCancelled, Err: ctx.Err()}
	}
}

func (t *transport) retire(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// close stops accepting new work; the reader loop exits on its own once
// proc's stdio is closed by terminate().
func (t *transport) close() {
	t.markFailed(fmt.Errorf("session: backend %q closed", t.proc.name))
}
