package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/session"
)

type fakeExecutor struct {
	result  *session.CallToolResult
	err     error
	gotID   string
	gotArgs map[string]any
}

func (f *fakeExecutor) Execute(_ context.Context, id string, args map[string]any) (*session.CallToolResult, error) {
	f.gotID = id
	f.gotArgs = args
	return f.result, f.err
}

func TestProxyRouterExecute(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{result: &session.CallToolResult{Content: []map[string]any{{"text": "ok"}}}}
	router := ProxyRouter(exec)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"tool_id":"exa_search","arguments":{"q":"x"}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exa_search", exec.gotID)
	assert.Equal(t, "x", exec.gotArgs["q"])

	var result session.CallToolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "ok", result.Content[0]["text"])
}

func TestProxyRouterExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{err: fmt.Errorf("proxy: execute %q: %w", "missing", gating.ErrUnknownTool)}
	router := ProxyRouter(exec)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"tool_id":"missing"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyRouterExecuteForbidden(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{err: fmt.Errorf("proxy: execute %q: %w", "exa_delete", gating.ErrForbidden)}
	router := ProxyRouter(exec)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"tool_id":"exa_delete"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProxyRouterExecuteCallTimeout(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{err: &session.CallError{Backend: "slow", Tool: "wait", Kind: session.CallTimeout}}
	router := ProxyRouter(exec)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"tool_id":"slow_wait"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestProxyRouterExecuteBackendError(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{err: &session.CallError{Kind: session.CallBackendError, Err: fmt.Errorf("bad args")}}
	router := ProxyRouter(exec)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"tool_id":"exa_search"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
