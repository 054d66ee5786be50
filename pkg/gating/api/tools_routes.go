package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
	"github.com/toolgating/toolgating/pkg/gating/discovery"
)

// Discoverer is the subset of *discovery.Engine the tools routes depend on.
type Discoverer interface {
	Discover(ctx context.Context, queryText string, tags []string, limit int) (discovery.Result, error)
}

// ToolRegistry is the subset of *registry.Registry the tools routes depend
// on (Insert, Get and Clear for the register, provision-resolve and clear
// endpoints), named distinctly from proxy.Registry, which has no Clear.
type ToolRegistry interface {
	Insert(ctx context.Context, tool gating.ToolDescriptor) error
	Get(id string) (*gating.ToolDescriptor, error)
	Clear()
}

// ToolsRoutes implements POST /api/tools/discover, POST /api/tools/provision,
// POST /api/tools/register, and DELETE /api/tools/clear (spec §6).
type ToolsRoutes struct {
	engine   Discoverer
	registry ToolRegistry
	gate     *authz.Gate
}

// ToolsRouter builds the /api/tools router. gate is optional (nil disables
// authz): discover is gated inside engine itself (discovery.WithGate);
// provision resolves ids directly against reg, so it is gated here.
func ToolsRouter(engine Discoverer, reg ToolRegistry, gate *authz.Gate) http.Handler {
	routes := &ToolsRoutes{engine: engine, registry: reg, gate: gate}

	r := chi.NewRouter()
	r.Post("/discover", routes.discover)
	r.Post("/provision", routes.provision)
	r.Post("/register", routes.register)
	r.Delete("/clear", routes.clear)
	return r
}

type discoverRequest struct {
	Query string   `json:"query"`
	Tags  []string `json:"tags,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

type discoveredTool struct {
	ToolID          string   `json:"tool_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Score           float64  `json:"score"`
	MatchedTags     []string `json:"matched_tags,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens"`
}

type discoverResponse struct {
	Tools     []discoveredTool `json:"tools"`
	QueryID   string           `json:"query_id"`
	Timestamp string           `json:"timestamp"`
}

func (t *ToolsRoutes) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	result, err := t.engine.Discover(r.Context(), req.Query, req.Tags, req.Limit)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	tools := make([]discoveredTool, len(result.Tools))
	for i, ranked := range result.Tools {
		tools[i] = discoveredTool{
			ToolID:          ranked.Tool.ID,
			Name:            ranked.Tool.Name,
			Description:     ranked.Tool.Description,
			Score:           ranked.Score,
			MatchedTags:     ranked.MatchedTags,
			EstimatedTokens: ranked.Tool.EstimatedTokens,
		}
	}
	writeJSON(w, http.StatusOK, discoverResponse{
		Tools:     tools,
		QueryID:   result.QueryID,
		Timestamp: result.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

type provisionRequest struct {
	ToolIDs   []string `json:"tool_ids"`
	MaxTools  int      `json:"max_tools,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

type provisionedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	TokenCount  int             `json:"token_count"`
}

type provisionMetadata struct {
	TotalTokens   int  `json:"total_tokens"`
	GatingApplied bool `json:"gating_applied"`
}

type provisionResponse struct {
	Tools    []provisionedTool `json:"tools"`
	Metadata provisionMetadata `json:"metadata"`
}

func (t *ToolsRoutes) provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	result, err := discovery.ResolveAndProvision(r.Context(), t.gate, t.registry, req.ToolIDs, req.MaxTools, req.MaxTokens)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	tools := make([]provisionedTool, len(result.Tools))
	for i, tool := range result.Tools {
		tools[i] = provisionedTool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
			TokenCount:  tool.EstimatedTokens,
		}
	}
	writeJSON(w, http.StatusOK, provisionResponse{
		Tools: tools,
		Metadata: provisionMetadata{
			TotalTokens:   result.TotalTokens,
			GatingApplied: result.GatingApplied,
		},
	})
}

func (t *ToolsRoutes) register(w http.ResponseWriter, r *http.Request) {
	var tool gating.ToolDescriptor
	if err := decodeJSON(r, &tool); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	if err := t.registry.Insert(r.Context(), tool); err != nil {
		if errors.Is(err, gating.ErrDuplicateID) {
			writeErr(w, http.StatusConflict, err)
			return
		}
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

func (t *ToolsRoutes) clear(w http.ResponseWriter, _ *http.Request) {
	t.registry.Clear()
	w.WriteHeader(http.StatusNoContent)
}
