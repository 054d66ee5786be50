package discovery

import (
	"context"
	"fmt"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
)

// Default budgets applied when a Provision* caller passes zero.
const (
	DefaultMaxTools  = 10
	DefaultMaxTokens = 2000
)

// ProvisionResult is the budget-trimmed set returned by provision().
type ProvisionResult struct {
	Tools        []gating.ToolDescriptor
	TotalTokens  int
	GatingApplied bool
}

// ProvisionRanked greedily selects from ranked (already in priority order,
// highest score first) under the given budgets. maxTools/maxTokens <= 0 use
// the package defaults.
func ProvisionRanked(ranked []Ranked, maxTools, maxTokens int) ProvisionResult {
	tools := make([]gating.ToolDescriptor, len(ranked))
	for i, r := range ranked {
		tools[i] = r.Tool
	}
	return provision(tools, maxTools, maxTokens)
}

// ProvisionTools greedily selects from tools in input order under the given
// budgets. Used for the explicit tool_ids path (spec §4.3): the caller is
// expected to have already resolved ids to descriptors (and surfaced
// gating.ErrUnknownTool for any id that did not resolve) before calling
// this.
func ProvisionTools(tools []gating.ToolDescriptor, maxTools, maxTokens int) ProvisionResult {
	return provision(tools, maxTools, maxTokens)
}

func provision(tools []gating.ToolDescriptor, maxTools, maxTokens int) ProvisionResult {
	if maxTools <= 0 {
		maxTools = DefaultMaxTools
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var result ProvisionResult
	for _, t := range tools {
		if len(result.Tools)+1 > maxTools {
			result.GatingApplied = true
			continue
		}
		if result.TotalTokens+t.EstimatedTokens > maxTokens {
			result.GatingApplied = true
			continue
		}
		result.Tools = append(result.Tools, t)
		result.TotalTokens += t.EstimatedTokens
	}
	if len(result.Tools) >= maxTools || result.TotalTokens >= maxTokens {
		result.GatingApplied = true
	}
	return result
}

// Resolver resolves explicit tool ids to descriptors, used by
// ResolveAndProvision to implement the "explicit tool_ids" form of
// provision() (spec §4.3) with UnknownTool error semantics (spec §7).
type Resolver interface {
	Get(id string) (*gating.ToolDescriptor, error)
}

// ResolveAndProvision resolves every id via resolver then provisions them in
// the given order. Returns gating.ErrUnknownTool (wrapped, naming the id) if
// any id does not resolve; no partial result is returned on that error. gate,
// if non-nil, drops any resolved tool the caller's principal
// (authz.PrincipalFromContext) is not authorized to provision, and marks the
// result GatingApplied when it does.
func ResolveAndProvision(ctx context.Context, gate *authz.Gate, resolver Resolver, ids []string, maxTools, maxTokens int) (ProvisionResult, error) {
	principal := authz.PrincipalFromContext(ctx)
	tools := make([]gating.ToolDescriptor, 0, len(ids))
	denied := false
	for _, id := range ids {
		t, err := resolver.Get(id)
		if err != nil {
			return ProvisionResult{}, fmt.Errorf("provision: resolve %q: %w", id, gating.ErrUnknownTool)
		}
		if gate != nil && !gate.Authorize(ctx, principal, authz.OperationProvision, t.ID, nil) {
			denied = true
			continue
		}
		tools = append(tools, *t)
	}
	result := provision(tools, maxTools, maxTokens)
	if denied {
		result.GatingApplied = true
	}
	return result, nil
}
