package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/health"
)

type fakeServerManager struct {
	addCalls    []addCall
	removeCalls []string
	servers     []gating.BackendRecord
	addErr      error
	removeErr   error
	reports     map[string]health.Report
}

type addCall struct {
	name  string
	spec  gating.LaunchSpec
	tools []gating.ToolDescriptor
}

func (f *fakeServerManager) AddServer(_ context.Context, name string, spec gating.LaunchSpec, tools []gating.ToolDescriptor) error {
	f.addCalls = append(f.addCalls, addCall{name: name, spec: spec, tools: tools})
	return f.addErr
}

func (f *fakeServerManager) RemoveServer(_ context.Context, name string) error {
	f.removeCalls = append(f.removeCalls, name)
	return f.removeErr
}

func (f *fakeServerManager) ListServers() []gating.BackendRecord {
	return f.servers
}

func (f *fakeServerManager) HealthReport(name string) (health.Report, bool) {
	report, ok := f.reports[name]
	return report, ok
}

func TestMcpRouterAddServerEnumeratesLive(t *testing.T) {
	t.Parallel()

	mgr := &fakeServerManager{}
	router := McpRouter(mgr, nil)

	req := httptest.NewRequest(http.MethodPost, "/add_server", bytes.NewBufferString(
		`{"name":"exa","command":"exa-mcp","args":["--stdio"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, mgr.addCalls, 1)
	assert.Equal(t, "exa", mgr.addCalls[0].name)
	assert.Nil(t, mgr.addCalls[0].tools, "live add_server must pass nil tools so the Proxy enumerates")
}

func TestMcpRouterAddServerMergesConfiguredDefaults(t *testing.T) {
	t.Parallel()

	mgr := &fakeServerManager{}
	configured := map[string]gating.LaunchSpec{
		"exa": {Command: "exa-mcp", Env: map[string]string{"EXA_REGION": "us"}},
	}
	router := McpRouter(mgr, configured)

	req := httptest.NewRequest(http.MethodPost, "/add_server", bytes.NewBufferString(
		`{"name":"exa","command":"exa-mcp","env":{"EXA_API_KEY":"secret"}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, mgr.addCalls, 1)
	assert.Equal(t, "secret", mgr.addCalls[0].spec.Env["EXA_API_KEY"], "request env must survive the merge")
	assert.Equal(t, "us", mgr.addCalls[0].spec.Env["EXA_REGION"], "configured default env must survive the merge")
}

func TestMcpRouterRegisterTrustedSkipsEnumeration(t *testing.T) {
	t.Parallel()

	mgr := &fakeServerManager{}
	router := McpRouter(mgr, nil)

	req := httptest.NewRequest(http.MethodPost, "/ai/register-server", bytes.NewBufferString(
		`{"name":"exa","command":"exa-mcp","tools":[{"id":"exa_search","name":"search"}]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, mgr.addCalls, 1)
	require.NotNil(t, mgr.addCalls[0].tools, "trusted path must pass non-nil tools so the Proxy skips live enumeration")
	assert.Len(t, mgr.addCalls[0].tools, 1)
}

func TestMcpRouterListServers(t *testing.T) {
	t.Parallel()

	mgr := &fakeServerManager{servers: []gating.BackendRecord{
		{Name: "exa", Status: gating.BackendConnected},
		{Name: "broken", Status: gating.BackendFailed, LastError: "spawn failed"},
	}}
	router := McpRouter(mgr, nil)

	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp serverListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Servers, 2)
}

func TestMcpRouterListServersIncludesHealthWhenAvailable(t *testing.T) {
	t.Parallel()

	mgr := &fakeServerManager{
		servers: []gating.BackendRecord{{Name: "exa", Status: gating.BackendConnected}},
		reports: map[string]health.Report{
			"exa": {Backend: "exa", Status: health.StatusHealthy},
		},
	}
	router := McpRouter(mgr, nil)

	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp serverListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Servers, 1)
	require.NotNil(t, resp.Servers[0].Health)
	assert.Equal(t, health.StatusHealthy, resp.Servers[0].Health.Status)
}

func TestMcpRouterRemoveServer(t *testing.T) {
	t.Parallel()

	mgr := &fakeServerManager{}
	router := McpRouter(mgr, nil)

	req := httptest.NewRequest(http.MethodDelete, "/servers/exa", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"exa"}, mgr.removeCalls)
}
