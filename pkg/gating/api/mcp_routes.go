package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toolgating/toolgating/internal/config"
	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/health"
)

// ServerManager is the subset of *proxy.Proxy the MCP server routes depend
// on. HealthReport is optional: a Proxy with no health monitor attached
// always returns ok=false, and the response simply omits that field.
type ServerManager interface {
	AddServer(ctx context.Context, name string, spec gating.LaunchSpec, tools []gating.ToolDescriptor) error
	RemoveServer(ctx context.Context, name string) error
	ListServers() []gating.BackendRecord
	HealthReport(name string) (health.Report, bool)
}

// McpRoutes implements POST /api/mcp/add_server, POST
// /api/mcp/ai/register-server, DELETE /api/mcp/servers/{name}, and
// GET /api/mcp/servers (spec §6).
type McpRoutes struct {
	proxy      ServerManager
	configured map[string]gating.LaunchSpec
}

// McpRouter builds the /api/mcp router. configured is the backend config
// file's servers map (may be nil): when add_server/register-server names a
// backend that already has a configured LaunchSpec, the request body is
// merged onto it instead of replacing it outright.
func McpRouter(proxy ServerManager, configured map[string]gating.LaunchSpec) http.Handler {
	routes := &McpRoutes{proxy: proxy, configured: configured}

	r := chi.NewRouter()
	r.Post("/add_server", routes.addServer)
	r.Post("/ai/register-server", routes.registerTrusted)
	r.Get("/servers", routes.listServers)
	r.Delete("/servers/{name}", routes.removeServer)
	return r
}

func (m *McpRoutes) addServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string            `json:"name"`
		Command string            `json:"command"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	spec, err := m.mergeConfigured(req.Name, gating.LaunchSpec{Command: req.Command, Args: req.Args, Env: req.Env})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := m.proxy.AddServer(r.Context(), req.Name, spec, nil); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

// mergeConfigured merges override onto name's configured LaunchSpec default,
// if one exists, via config.MergeOverride; if name has no configured
// default, override is returned unchanged.
func (m *McpRoutes) mergeConfigured(name string, override gating.LaunchSpec) (gating.LaunchSpec, error) {
	base, ok := m.configured[name]
	if !ok {
		return override, nil
	}
	return config.MergeOverride(base, override)
}

// registerTrustedRequest carries an already-discovered tool list (the
// AI-assisted registration path, spec §4.5): the Proxy inserts these
// descriptors directly instead of calling list_tools live.
type registerTrustedRequest struct {
	Name    string                  `json:"name"`
	Command string                  `json:"command"`
	Args    []string                `json:"args,omitempty"`
	Env     map[string]string       `json:"env,omitempty"`
	Tools   []gating.ToolDescriptor `json:"tools"`
}

func (m *McpRoutes) registerTrusted(w http.ResponseWriter, r *http.Request) {
	var req registerTrustedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	spec, err := m.mergeConfigured(req.Name, gating.LaunchSpec{Command: req.Command, Args: req.Args, Env: req.Env})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	tools := req.Tools
	if tools == nil {
		tools = []gating.ToolDescriptor{}
	}
	if err := m.proxy.AddServer(r.Context(), req.Name, spec, tools); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

// serverEntry is one backend's bookkeeping record enriched with its live
// health snapshot, when a health monitor is attached.
type serverEntry struct {
	gating.BackendRecord
	Health *health.Report `json:"health,omitempty"`
}

type serverListResponse struct {
	Servers []serverEntry `json:"servers"`
}

func (m *McpRoutes) listServers(w http.ResponseWriter, _ *http.Request) {
	records := m.proxy.ListServers()
	entries := make([]serverEntry, len(records))
	for i, rec := range records {
		entries[i] = serverEntry{BackendRecord: rec}
		if report, ok := m.proxy.HealthReport(rec.Name); ok {
			entries[i].Health = &report
		}
	}
	writeJSON(w, http.StatusOK, serverListResponse{Servers: entries})
}

func (m *McpRoutes) removeServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := m.proxy.RemoveServer(r.Context(), name); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
