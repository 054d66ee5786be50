package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toolgating/toolgating/pkg/gating/session"
)

// Executor is the subset of *proxy.Proxy the execute route depends on.
type Executor interface {
	Execute(ctx context.Context, id string, args map[string]any) (*session.CallToolResult, error)
}

// ProxyRoutes implements POST /api/proxy/execute (spec §6).
type ProxyRoutes struct {
	proxy Executor
}

// ProxyRouter builds the /api/proxy router.
func ProxyRouter(proxy Executor) http.Handler {
	routes := &ProxyRoutes{proxy: proxy}

	r := chi.NewRouter()
	r.Post("/execute", routes.execute)
	return r
}

type executeRequest struct {
	ToolID    string         `json:"tool_id"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (p *ProxyRoutes) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	result, err := p.proxy.Execute(r.Context(), req.ToolID, req.Arguments)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
