package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/toolgating/toolgating/internal/logger"
	"github.com/toolgating/toolgating/pkg/gating"
)

const clientName = "tool-gating"
const clientVersion = "0.1.0"

// DefaultCallsPerSecond and DefaultCallBurst are the steady-state rate and
// burst allowance applied to each backend's tools/call traffic when a
// Manager is built with WithCallRateLimit(DefaultCallsPerSecond,
// DefaultCallBurst), grounded on the teacher's GitHub API rate limiting
// (pkg/auth/github_provider.go's rate.NewLimiter(100, 200)).
const (
	DefaultCallsPerSecond = 20
	DefaultCallBurst      = 40
)

// Manager owns every backend's session. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	terminateGrace time.Duration

	callRate  float64
	callBurst int
	limiters  map[string]*rate.Limiter
	limitMu   sync.Mutex
}

// ManagerOption configures optional Manager behavior supplied at
// construction.
type ManagerOption func(*Manager)

// WithCallRateLimit bounds each backend's tools/call rate to rps (with burst
// allowance burst), so one runaway MCP client cannot flood a backend.
// CallTool blocks on the limiter (honoring ctx's deadline) before issuing
// the call. Disabled by default (rps <= 0).
func WithCallRateLimit(rps float64, burst int) ManagerOption {
	return func(m *Manager) {
		m.callRate = rps
		m.callBurst = burst
	}
}

// NewManager returns an empty Manager. grace, if non-zero, overrides
// DefaultTerminateGrace for every Disconnect.
func NewManager(grace time.Duration, opts ...ManagerOption) *Manager {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	m := &Manager{
		sessions:       make(map[string]*entry),
		terminateGrace: grace,
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// limiterFor lazily returns name's rate.Limiter, or nil if rate limiting is
// disabled.
func (m *Manager) limiterFor(name string) *rate.Limiter {
	if m.callRate <= 0 {
		return nil
	}
	m.limitMu.Lock()
	defer m.limitMu.Unlock()
	l, ok := m.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.callRate), m.callBurst)
		m.limiters[name] = l
	}
	return l
}

// Connect spawns spec's subprocess, performs the MCP initialize handshake,
// and retains the session under name. Idempotent: a second Connect on a
// healthy entry returns without re-spawning; an entry whose session has
// failed is replaced by a freshly spawned one.
func (m *Manager) Connect(ctx context.Context, name string, spec gating.LaunchSpec) (Handle, error) {
	m.mu.Lock()
	if e, ok := m.sessions[name]; ok {
		if st, _ := e.snapshot(); st == StateConnecting || (st == StateConnected && e.t.isFailed() == nil) {
			m.mu.Unlock()
			return Handle{Backend: name, State: st}, nil
		}
	}
	e := &entry{spec: spec, state: StateConnecting}
	m.sessions[name] = e
	m.mu.Unlock()

	proc, err := spawn(spec, name)
	if err != nil {
		e.setFailed(err)
		return Handle{Backend: name, State: StateFailed}, &ConnectError{Backend: name, Kind: ConnectSpawnFailure, Err: err}
	}

	t := newTransport(proc)
	e.proc = proc
	e.t = t

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := handshake(handshakeCtx, t); err != nil {
		_ = proc.terminate(ctx, m.terminateGrace)
		kind := ConnectHandshakeTimeout
		if handshakeCtx.Err() == nil {
			kind = ConnectProtocolMismatch
		}
		e.setFailed(err)
		return Handle{Backend: name, State: StateFailed}, &ConnectError{Backend: name, Kind: kind, Err: err}
	}

	e.setState(StateConnected)
	logger.Infow("session: backend connected", "backend", name)
	return Handle{Backend: name, State: StateConnected}, nil
}

func handshake(ctx context.Context, t *transport) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if _, err := t.call(ctx, methodInitialize, params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	// The initialized notification carries no id and expects no response;
	// best-effort, its loss does not fail the handshake.
	if note, err := json.Marshal(map[string]string{"jsonrpc": "2.0", "method": methodInitialized}); err == nil {
		t.sendMu.Lock()
		_, _ = t.proc.stdin.Write(append(note, '\n'))
		t.sendMu.Unlock()
	}
	return nil
}

// ConnectAll connects every backend in cfgs concurrently, bounded by
// maxConcurrent (spec §4.5 "all backends in parallel, bounded
// concurrency"). Per-backend failures are isolated: one backend's failure
// never aborts the others, and the result maps each backend name to its
// connect error (nil on success).
func (m *Manager) ConnectAll(ctx context.Context, cfgs map[string]gating.LaunchSpec, maxConcurrent int) map[string]error {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	results := make(map[string]error, len(cfgs))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(maxConcurrent)

	for name, spec := range cfgs {
		name, spec := name, spec
		g.Go(func() error {
			_, err := m.Connect(gctx, name, spec)
			resultsMu.Lock()
			results[name] = err
			resultsMu.Unlock()
			return nil // isolate: never abort the group over one backend
		})
	}
	_ = g.Wait()
	return results
}

// ListTools issues tools/list against name's session.
func (m *Manager) ListTools(ctx context.Context, name string) ([]NativeTool, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}
	raw, err := e.t.call(ctx, methodListTools, map[string]any{})
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("session: decode tools/list from %q: %w", name, err)
	}
	return result.Tools, nil
}

// CallTool issues tools/call against name's session for nativeName with
// args, honoring ctx's deadline (spec §4.4/§5).
func (m *Manager) CallTool(ctx context.Context, name, nativeName string, args map[string]any) (*CallToolResult, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}
	if l := m.limiterFor(name); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("session: rate limit wait for %q: %w", name, err)
		}
	}
	raw, err := e.t.call(ctx, methodCallTool, callToolParams{Name: nativeName, Arguments: args})
	if err != nil {
		if ce, ok := err.(*CallError); ok {
			ce.Backend = name
			ce.Tool = nativeName
			return nil, ce
		}
		return nil, err
	}
	var result CallToolResult
	if err := unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("session: decode tools/call from %q: %w", name, err)
	}
	return &result, nil
}

func (m *Manager) get(name string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: %w: backend %q has no session", gating.ErrBackendUnavailable, name)
	}
	st, _ := e.snapshot()
	if st != StateConnected {
		return nil, fmt.Errorf("session: %w: backend %q is %s", gating.ErrBackendUnavailable, name, st)
	}
	return e, nil
}

// Status returns the current Handle for name, or ok=false if no session was
// ever created for it.
func (m *Manager) Status(name string) (Handle, bool) {
	m.mu.RLock()
	e, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return Handle{}, false
	}
	st, _ := e.snapshot()
	return Handle{Backend: name, State: st}, true
}

// Disconnect closes name's session: SIGTERM, wait, escalate to SIGKILL on
// timeout. Idempotent.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.setState(StateClosing)
	if e.t != nil {
		e.t.close()
	}
	var err error
	if e.proc != nil {
		err = e.proc.terminate(ctx, m.terminateGrace)
	}
	e.setState(StateClosed)
	logger.Infow("session: backend disconnected", "backend", name)
	return err
}

// ShutdownAll disconnects every session in parallel, bounded by the overall
// ctx deadline (spec §5 "Shutdown").
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Disconnect(ctx, name); err != nil {
				logger.Warnw("session: error during shutdown", "backend", name, "err", err)
			}
		}()
	}
	wg.Wait()
}

func unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
