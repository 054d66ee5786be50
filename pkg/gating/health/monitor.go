package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolgating/toolgating/internal/logger"
)

// Prober performs one liveness check against a backend. The Session Manager
// satisfies this via its ListTools call: a backend that can still answer
// tools/list is considered live.
type Prober interface {
	Probe(ctx context.Context, backend string) error
}

// CircuitBreakerConfig enables and tunes the per-backend circuit breaker
// that trips on repeated call failures, independent of periodic probing.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	Timeout          time.Duration
}

// MonitorConfig tunes the periodic health monitor.
type MonitorConfig struct {
	CheckInterval      time.Duration
	UnhealthyThreshold int
	Timeout            time.Duration
	CircuitBreaker     *CircuitBreakerConfig
}

func (c MonitorConfig) validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("health: CheckInterval must be positive")
	}
	if c.UnhealthyThreshold <= 0 {
		return fmt.Errorf("health: UnhealthyThreshold must be positive")
	}
	if c.CircuitBreaker != nil && c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("health: CircuitBreaker.FailureThreshold must be positive when enabled")
	}
	return nil
}

// Monitor periodically probes every registered backend and tracks a
// circuit breaker per backend for call-time failures (spec SUPPLEMENTED
// FEATURES: health monitoring + circuit breaking).
type Monitor struct {
	prober Prober
	cfg    MonitorConfig

	tracker *statusTracker

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor validates cfg and returns a Monitor backed by prober.
func NewMonitor(prober Prober, cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		prober:   prober,
		cfg:      cfg,
		tracker:  newStatusTracker(cfg.UnhealthyThreshold),
		breakers: make(map[string]*CircuitBreaker),
		stopCh:   make(chan struct{}),
	}, nil
}

func (m *Monitor) breakerFor(backend string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[backend]
	if !ok {
		threshold, timeout := 5, 30*time.Second
		if m.cfg.CircuitBreaker != nil {
			threshold, timeout = m.cfg.CircuitBreaker.FailureThreshold, m.cfg.CircuitBreaker.Timeout
		}
		cb = NewCircuitBreaker(threshold, timeout)
		m.breakers[backend] = cb
	}
	return cb
}

// Start launches one periodic probing goroutine per backend in names. Each
// probes independently on cfg.CheckInterval until ctx is cancelled or Stop
// is called.
func (m *Monitor) Start(ctx context.Context, names []string) {
	for _, name := range names {
		name := name
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.probeLoop(ctx, name)
		}()
	}
}

func (m *Monitor) probeLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOnce(ctx, name)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, name string) {
	probeCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.Timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	err := m.prober.Probe(probeCtx, name)
	status := m.record(name, err)
	logger.Debugw("health: probe complete", "backend", name, "status", status, "err", err)
}

// record updates both the status tracker and (if enabled) the circuit
// breaker for name given a probe/call outcome, returning the new status.
func (m *Monitor) record(name string, err error) Status {
	if m.cfg.CircuitBreaker != nil && m.cfg.CircuitBreaker.Enabled {
		cb := m.breakerFor(name)
		if err != nil {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	if err != nil {
		return m.tracker.RecordFailure(name, err)
	}
	return m.tracker.RecordSuccess(name)
}

// RecordCallResult feeds a live tools/call outcome into the same tracking
// used by periodic probes, so repeated execute() failures trip the circuit
// breaker without waiting for the next scheduled probe.
func (m *Monitor) RecordCallResult(name string, err error) Status {
	return m.record(name, err)
}

// CanAttempt reports whether name's circuit breaker currently allows a
// call. Backends with no configured circuit breaker are always attemptable.
func (m *Monitor) CanAttempt(name string) bool {
	if m.cfg.CircuitBreaker == nil || !m.cfg.CircuitBreaker.Enabled {
		return true
	}
	return m.breakerFor(name).CanAttempt()
}

// Status returns name's current health status.
func (m *Monitor) Status(name string) (Status, bool) {
	return m.tracker.GetStatus(name)
}

// Report returns a detailed snapshot of name's health, for GET /api/mcp/servers.
func (m *Monitor) Report(name string) (Report, bool) {
	return m.tracker.report(name)
}

// Stop halts every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
