// Package proxy implements the Proxy / Router (spec §4.5): the component
// that composes the Session Manager and Registry into one cross-backend
// surface, owning backend bookkeeping that neither of those subsystems
// tracks on its own.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgating/toolgating/internal/logger"
	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
	"github.com/toolgating/toolgating/pkg/gating/health"
	"github.com/toolgating/toolgating/pkg/gating/session"
)

var tracer = otel.Tracer("toolgate/proxy")

// maxReconnectAttempts bounds the reconnect-with-backoff retry on a
// session_lost call failure before Execute gives up and surfaces the error.
const maxReconnectAttempts = 3

// DefaultMaxConcurrentConnects bounds how many backends Start connects at
// once (spec §4.5 "all backends in parallel, bounded concurrency").
const DefaultMaxConcurrentConnects = 8

// Registry is the subset of *registry.Registry the Proxy depends on.
type Registry interface {
	Insert(ctx context.Context, tool gating.ToolDescriptor) error
	Delete(id string)
	DeleteByBackend(name string) int
	Get(id string) (*gating.ToolDescriptor, error)
}

// Sessions is the subset of *session.Manager the Proxy depends on.
type Sessions interface {
	Connect(ctx context.Context, name string, spec gating.LaunchSpec) (session.Handle, error)
	ConnectAll(ctx context.Context, cfgs map[string]gating.LaunchSpec, maxConcurrent int) map[string]error
	ListTools(ctx context.Context, name string) ([]session.NativeTool, error)
	CallTool(ctx context.Context, name, nativeName string, args map[string]any) (*session.CallToolResult, error)
	Disconnect(ctx context.Context, name string) error
	Status(name string) (session.Handle, bool)
	ShutdownAll(ctx context.Context)
}

// Proxy is the Proxy / Router. Safe for concurrent use.
type Proxy struct {
	registry Registry
	sessions Sessions
	health   *health.Monitor
	gate     *authz.Gate

	mu      sync.RWMutex
	records map[string]*gating.BackendRecord
}

// Option configures optional Proxy behavior supplied at construction.
type Option func(*Proxy)

// WithHealthMonitor attaches a health.Monitor the Proxy starts probing
// alongside Start, consults via CanAttempt before Execute forwards a call,
// feeds call outcomes into via RecordCallResult, and stops alongside
// Shutdown. A nil monitor (the default) disables all of this.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(p *Proxy) { p.health = m }
}

// WithAuthzGate attaches an authz.Gate Execute consults before forwarding a
// call, denying with gating.ErrForbidden when the caller's principal
// (authz.PrincipalFromContext) is not authorized. A nil gate (the default)
// permits every execute.
func WithAuthzGate(g *authz.Gate) Option {
	return func(p *Proxy) { p.gate = g }
}

// NewSessionProber adapts Sessions into a health.Prober using ListTools as
// the liveness probe — a backend that can still answer tools/list is
// considered live, the same check Start already performs after connect.
func NewSessionProber(sessions Sessions) health.Prober {
	return sessionProber{sessions: sessions}
}

type sessionProber struct {
	sessions Sessions
}

func (p sessionProber) Probe(ctx context.Context, name string) error {
	_, err := p.sessions.ListTools(ctx, name)
	return err
}

// New returns a Proxy backed by registry and sessions. Neither is owned
// exclusively by the Proxy (spec §3 "Ownership"): the Proxy only holds
// references into both.
func New(registry Registry, sessions Sessions, opts ...Option) *Proxy {
	p := &Proxy{
		registry: registry,
		sessions: sessions,
		records:  make(map[string]*gating.BackendRecord),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start connects every backend in cfgs in parallel (bounded by
// maxConcurrent; <=0 uses DefaultMaxConcurrentConnects), enumerates and
// indexes each one's tools, and isolates per-backend failures (spec §4.5
// "Startup sequence", invariant 5, scenario S5). It never returns an error:
// failures live in the per-backend records, inspectable via ListServers.
func (p *Proxy) Start(ctx context.Context, cfgs map[string]gating.LaunchSpec, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentConnects
	}

	p.mu.Lock()
	for name, spec := range cfgs {
		p.records[name] = &gating.BackendRecord{Name: name, Spec: spec, Status: gating.BackendPending}
	}
	p.mu.Unlock()

	connectErrs := p.sessions.ConnectAll(ctx, cfgs, maxConcurrent)

	var wg sync.WaitGroup
	for name := range cfgs {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := connectErrs[name]; err != nil {
				p.markFailed(name, err)
				logger.Warnw("proxy: backend failed to connect, isolating", "backend", name, "err", err)
				return
			}
			p.enumerateAndIndex(ctx, name)
		}()
	}
	wg.Wait()

	if p.health != nil {
		names := make([]string, 0, len(cfgs))
		for name := range cfgs {
			names = append(names, name)
		}
		p.health.Start(ctx, names)
	}
}

// enumerateAndIndex lists name's tools and inserts each into the Registry
// under id="<name>_<native_name>". A duplicate id is logged and skipped,
// first insert wins (spec §4.5 step 2, DESIGN.md open question).
func (p *Proxy) enumerateAndIndex(ctx context.Context, name string) {
	tools, err := p.sessions.ListTools(ctx, name)
	if err != nil {
		p.markFailed(name, err)
		logger.Warnw("proxy: list_tools failed, isolating backend", "backend", name, "err", err)
		return
	}

	ids := make([]string, 0, len(tools))
	for _, nt := range tools {
		desc := gating.ToolDescriptor{
			ID:              namespacedID(name, nt.Name),
			Name:            nt.Name,
			Description:     nt.Description,
			Parameters:      nt.InputSchema,
			EstimatedTokens: estimateTokens(nt),
			Backend:         name,
		}
		if err := p.registry.Insert(ctx, desc); err != nil {
			if errors.Is(err, gating.ErrDuplicateID) {
				logger.Warnw("proxy: duplicate tool id, first-wins, skipping", "id", desc.ID)
				continue
			}
			logger.Errorw("proxy: failed to index tool", "id", desc.ID, "err", err)
			continue
		}
		ids = append(ids, desc.ID)
	}

	p.mu.Lock()
	if rec, ok := p.records[name]; ok {
		rec.Status = gating.BackendConnected
		rec.ToolIDs = ids
	}
	p.mu.Unlock()
	logger.Infow("proxy: backend indexed", "backend", name, "tools", len(ids))
}

// AddServer connects name at runtime and indexes its tools. If tools is
// non-nil (the AI-assisted registration path), those descriptors are
// trusted and inserted directly, skipping live enumeration (spec §4.5).
func (p *Proxy) AddServer(ctx context.Context, name string, spec gating.LaunchSpec, tools []gating.ToolDescriptor) error {
	p.mu.Lock()
	p.records[name] = &gating.BackendRecord{Name: name, Spec: spec, Status: gating.BackendPending}
	p.mu.Unlock()

	if _, err := p.sessions.Connect(ctx, name, spec); err != nil {
		p.markFailed(name, err)
		return fmt.Errorf("proxy: add_server %q: %w", name, err)
	}

	if tools != nil {
		ids := make([]string, 0, len(tools))
		for _, t := range tools {
			t.ID = namespacedID(name, t.Name)
			t.Backend = name
			if err := p.registry.Insert(ctx, t); err != nil {
				if errors.Is(err, gating.ErrDuplicateID) {
					logger.Warnw("proxy: duplicate tool id, first-wins, skipping", "id", t.ID)
					continue
				}
				return fmt.Errorf("proxy: add_server %q: insert %q: %w", name, t.ID, err)
			}
			ids = append(ids, t.ID)
		}
		p.mu.Lock()
		p.records[name].Status = gating.BackendConnected
		p.records[name].ToolIDs = ids
		p.mu.Unlock()
		return nil
	}

	p.enumerateAndIndex(ctx, name)
	return nil
}

// RemoveServer disconnects name's session and removes every tool it owns
// from the Registry (spec §4.5, invariant 6).
func (p *Proxy) RemoveServer(ctx context.Context, name string) error {
	err := p.sessions.Disconnect(ctx, name)
	p.registry.DeleteByBackend(name)

	p.mu.Lock()
	delete(p.records, name)
	p.mu.Unlock()

	logger.Infow("proxy: backend removed", "backend", name)
	return err
}

// Execute resolves id to (backend, native_name) via the Registry and
// forwards the call through the Session Manager (spec §4.5, scenarios
// S3/S4). UnknownTool, BackendUnavailable and CallError are surfaced
// verbatim.
func (p *Proxy) Execute(ctx context.Context, id string, args map[string]any) (*session.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "execute", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("gating.tool_id", id))

	tool, err := p.registry.Get(id)
	if err != nil {
		if errors.Is(err, gating.ErrNotFound) {
			span.RecordError(err)
			return nil, fmt.Errorf("proxy: execute %q: %w", id, gating.ErrUnknownTool)
		}
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("gating.backend", tool.Backend))

	if p.gate != nil && !p.gate.Authorize(ctx, authz.PrincipalFromContext(ctx), authz.OperationExecute, id, args) {
		err := fmt.Errorf("proxy: execute %q: %w", id, gating.ErrForbidden)
		span.RecordError(err)
		return nil, err
	}

	if p.health != nil && !p.health.CanAttempt(tool.Backend) {
		err := fmt.Errorf("proxy: execute %q: %w", id, gating.ErrBackendUnavailable)
		span.RecordError(err)
		return nil, err
	}

	result, err := p.sessions.CallTool(ctx, tool.Backend, tool.Name, args)
	if err == nil || !session.IsKind(err, session.CallSessionLost) {
		p.recordHealth(tool.Backend, err)
		if err != nil {
			span.RecordError(err)
		}
		return result, err
	}

	logger.Warnw("proxy: session lost, attempting reconnect", "backend", tool.Backend, "tool", tool.Name)
	if reconnectErr := p.reconnectWithBackoff(ctx, tool.Backend); reconnectErr != nil {
		logger.Errorw("proxy: reconnect failed, surfacing original call error", "backend", tool.Backend, "err", reconnectErr)
		p.recordHealth(tool.Backend, err)
		span.RecordError(err)
		return result, err
	}

	result, err = p.sessions.CallTool(ctx, tool.Backend, tool.Name, args)
	p.recordHealth(tool.Backend, err)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// recordHealth feeds a live call outcome into the health monitor when one
// is configured, so repeated execute() failures count toward the circuit
// breaker without waiting for the next scheduled probe.
func (p *Proxy) recordHealth(backend string, err error) {
	if p.health == nil {
		return
	}
	p.health.RecordCallResult(backend, err)
}

// reconnectWithBackoff retries a single backend's Connect with exponential
// backoff, bounded by maxReconnectAttempts, after a CallSessionLost failure
// (spec §4.4: a lost session is recoverable without tearing down the Proxy).
func (p *Proxy) reconnectWithBackoff(ctx context.Context, name string) error {
	p.mu.RLock()
	rec, ok := p.records[name]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("proxy: reconnect %q: %w", name, gating.ErrBackendUnavailable)
	}
	spec := rec.Spec

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, connErr := p.sessions.Connect(ctx, name, spec)
		return struct{}{}, connErr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxReconnectAttempts))
	if err != nil {
		p.markFailed(name, err)
		return err
	}

	p.mu.Lock()
	if r, ok := p.records[name]; ok {
		r.Status = gating.BackendConnected
		r.LastError = ""
	}
	p.mu.Unlock()
	return nil
}

// HealthReport returns name's live health snapshot, for GET /api/mcp/servers.
// ok is false when no health monitor is attached or name has never been
// probed.
func (p *Proxy) HealthReport(name string) (health.Report, bool) {
	if p.health == nil {
		return health.Report{}, false
	}
	return p.health.Report(name)
}

// ListServers returns a snapshot of every known backend record.
func (p *Proxy) ListServers() []gating.BackendRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]gating.BackendRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	return out
}

// Shutdown disconnects every backend session (spec §5 "Shutdown") and, if a
// health monitor is attached, stops its probe loops.
func (p *Proxy) Shutdown(ctx context.Context) {
	if p.health != nil {
		p.health.Stop()
	}
	p.sessions.ShutdownAll(ctx)
}

func (p *Proxy) markFailed(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[name]; ok {
		rec.Status = gating.BackendFailed
		rec.LastError = err.Error()
	}
}

func namespacedID(backend, nativeName string) string {
	return backend + "_" + nativeName
}

// estimateTokens is a rough, deterministic cost estimate for a native tool's
// contribution to a prompt: roughly one token per four characters of its
// name, description and schema, the common rule of thumb for English text tokenized
// by a BPE-style tokenizer.
func estimateTokens(nt session.NativeTool) int {
	chars := len(nt.Name) + len(nt.Description) + len(nt.InputSchema)
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
