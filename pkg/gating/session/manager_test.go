package session

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgating/toolgating/pkg/gating"
)

// fakeBackendScript is a minimal MCP server: one JSON-RPC request per stdin
// line, one response per stdout line, enough to exercise initialize,
// tools/list and tools/call.
const fakeBackendScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | grep -o '"id":[0-9]*' | cut -d: -f2)
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"fake","version":"0.1"}}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"ok"}]}}\n' "$id"
      ;;
  esac
done
`

// slowBackendScript answers initialize immediately but never answers
// tools/call, to exercise CallTool timeout behavior (scenario S6).
const slowBackendScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | grep -o '"id":[0-9]*' | cut -d: -f2)
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"slow","version":"0.1"}}}\n' "$id"
      ;;
  esac
done
`

func fakeSpec(script string) gating.LaunchSpec {
	return gating.LaunchSpec{Command: "sh", Args: []string{"-c", script}}
}

func requireUnixManager(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake backends assume a POSIX shell")
	}
}

func TestManagerConnectListCallDisconnect(t *testing.T) {
	requireUnixManager(t)

	m := NewManager(2 * time.Second)
	ctx := context.Background()

	h, err := m.Connect(ctx, "fake", fakeSpec(fakeBackendScript))
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.State)

	tools, err := m.ListTools(ctx, "fake")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := m.CallTool(ctx, "fake", "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	status, ok := m.Status("fake")
	require.True(t, ok)
	assert.Equal(t, StateConnected, status.State)

	require.NoError(t, m.Disconnect(ctx, "fake"))
	_, ok = m.Status("fake")
	assert.False(t, ok, "disconnect removes the session entirely")
}

func TestManagerConnectIdempotent(t *testing.T) {
	requireUnixManager(t)

	m := NewManager(2 * time.Second)
	ctx := context.Background()

	spec := fakeSpec(fakeBackendScript)
	_, err := m.Connect(ctx, "fake", spec)
	require.NoError(t, err)

	// A second Connect on an already-connected backend must not re-spawn.
	h, err := m.Connect(ctx, "fake", spec)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.State)

	m.ShutdownAll(ctx)
}

func TestManagerConnectSpawnFailureIsIsolated(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	_, err := m.Connect(ctx, "missing", gating.LaunchSpec{Command: "/no/such/binary-ever"})
	require.Error(t, err)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectSpawnFailure, ce.Kind)

	status, ok := m.Status("missing")
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)
}

// TestManagerConnectAllIsolatesFailures exercises scenario S5: one backend
// failing to connect must not affect another's connect.
func TestManagerConnectAllIsolatesFailures(t *testing.T) {
	requireUnixManager(t)

	m := NewManager(2 * time.Second)
	cfgs := map[string]gating.LaunchSpec{
		"good": fakeSpec(fakeBackendScript),
		"bad":  {Command: "/no/such/binary-ever"},
	}

	results := m.ConnectAll(context.Background(), cfgs, 4)
	require.NoError(t, results["good"])
	require.Error(t, results["bad"])

	goodStatus, ok := m.Status("good")
	require.True(t, ok)
	assert.Equal(t, StateConnected, goodStatus.State)

	badStatus, ok := m.Status("bad")
	require.True(t, ok)
	assert.Equal(t, StateFailed, badStatus.State)

	m.ShutdownAll(context.Background())
}

// TestManagerCallToolTimeout exercises scenario S6: a backend that never
// answers must surface CallTimeout without breaking the manager.
func TestManagerCallToolTimeout(t *testing.T) {
	requireUnixManager(t)

	m := NewManager(2 * time.Second)
	ctx := context.Background()

	_, err := m.Connect(ctx, "slow", fakeSpec(slowBackendScript))
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	_, err = m.CallTool(callCtx, "slow", "whatever", nil)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CallTimeout, ce.Kind)

	// The session itself must still be usable after a timed-out call.
	status, ok := m.Status("slow")
	require.True(t, ok)
	assert.Equal(t, StateConnected, status.State)

	m.ShutdownAll(ctx)
}

func TestManagerCallToolUnknownBackend(t *testing.T) {
	m := NewManager(time.Second)
	_, err := m.CallTool(context.Background(), "nonexistent", "x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gating.ErrBackendUnavailable)
}

// TestManagerCallToolRateLimited exercises WithCallRateLimit: a limiter
// with burst 1 forces the second CallTool in quick succession to wait.
func TestManagerCallToolRateLimited(t *testing.T) {
	requireUnixManager(t)

	m := NewManager(2*time.Second, WithCallRateLimit(5, 1))
	ctx := context.Background()

	_, err := m.Connect(ctx, "fake", fakeSpec(fakeBackendScript))
	require.NoError(t, err)

	_, err = m.CallTool(ctx, "fake", "echo", map[string]any{"text": "one"})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.CallTool(ctx, "fake", "echo", map[string]any{"text": "two"})
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 100*time.Millisecond, "second call should wait for the limiter to refill")

	m.ShutdownAll(ctx)
}

func TestManagerShutdownAllIsParallel(t *testing.T) {
	requireUnixManager(t)

	m := NewManager(2 * time.Second)
	ctx := context.Background()
	cfgs := map[string]gating.LaunchSpec{
		"a": fakeSpec(fakeBackendScript),
		"b": fakeSpec(fakeBackendScript),
		"c": fakeSpec(fakeBackendScript),
	}
	results := m.ConnectAll(ctx, cfgs, 4)
	for name, err := range results {
		require.NoErrorf(t, err, "backend %q", name)
	}

	start := time.Now()
	m.ShutdownAll(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)

	for name := range cfgs {
		_, ok := m.Status(name)
		assert.Falsef(t, ok, "backend %q should have no session after shutdown", name)
	}
}
