package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
)

// S2 — Provision budget cut.
func TestProvisionTools_BudgetCut(t *testing.T) {
	t.Parallel()

	tools := []gating.ToolDescriptor{
		{ID: "a", EstimatedTokens: 900},
		{ID: "b", EstimatedTokens: 800},
		{ID: "c", EstimatedTokens: 700},
	}

	result := ProvisionTools(tools, 10, 1800)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "a", result.Tools[0].ID)
	assert.Equal(t, "b", result.Tools[1].ID)
	assert.Equal(t, 1700, result.TotalTokens)
	assert.True(t, result.GatingApplied)
}

func TestProvisionTools_MaxToolsCut(t *testing.T) {
	t.Parallel()

	tools := []gating.ToolDescriptor{
		{ID: "a", EstimatedTokens: 1},
		{ID: "b", EstimatedTokens: 1},
		{ID: "c", EstimatedTokens: 1},
	}

	result := ProvisionTools(tools, 2, 100000)
	require.Len(t, result.Tools, 2)
	assert.True(t, result.GatingApplied)
}

func TestProvisionTools_FitsUnderBudget(t *testing.T) {
	t.Parallel()

	tools := []gating.ToolDescriptor{
		{ID: "a", EstimatedTokens: 100},
		{ID: "b", EstimatedTokens: 100},
	}

	result := ProvisionTools(tools, 10, 2000)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, 200, result.TotalTokens)
	assert.False(t, result.GatingApplied)
}

func TestProvisionTools_Defaults(t *testing.T) {
	t.Parallel()

	tools := make([]gating.ToolDescriptor, 12)
	for i := range tools {
		tools[i] = gating.ToolDescriptor{ID: string(rune('a' + i)), EstimatedTokens: 1}
	}

	result := ProvisionTools(tools, 0, 0)
	assert.Len(t, result.Tools, DefaultMaxTools)
	assert.True(t, result.GatingApplied)
}

// Budget invariant (spec §8.3): for any provision result, total_tokens <=
// max_tokens AND |tools| <= max_tools, across a range of inputs.
func TestProvisionTools_BudgetInvariant(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tokens            []int
		maxTools, maxTokens int
	}{
		{[]int{900, 800, 700}, 10, 1800},
		{[]int{1, 1, 1, 1, 1}, 2, 100},
		{[]int{5000}, 10, 2000},
		{[]int{}, 10, 2000},
	}

	for _, c := range cases {
		tools := make([]gating.ToolDescriptor, len(c.tokens))
		for i, tok := range c.tokens {
			tools[i] = gating.ToolDescriptor{ID: string(rune('a' + i)), EstimatedTokens: tok}
		}
		result := ProvisionTools(tools, c.maxTools, c.maxTokens)
		assert.LessOrEqual(t, result.TotalTokens, c.maxTokens)
		assert.LessOrEqual(t, len(result.Tools), c.maxTools)
	}
}

type fakeResolver struct {
	tools map[string]gating.ToolDescriptor
}

func (f fakeResolver) Get(id string) (*gating.ToolDescriptor, error) {
	t, ok := f.tools[id]
	if !ok {
		return nil, gating.ErrNotFound
	}
	return &t, nil
}

func TestResolveAndProvision_UnknownTool(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{tools: map[string]gating.ToolDescriptor{
		"known": {ID: "known", EstimatedTokens: 1},
	}}

	_, err := ResolveAndProvision(context.Background(), nil, resolver, []string{"known", "missing"}, 10, 2000)
	require.Error(t, err)
	assert.ErrorIs(t, err, gating.ErrUnknownTool)
}

func TestResolveAndProvision_Success(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{tools: map[string]gating.ToolDescriptor{
		"a": {ID: "a", EstimatedTokens: 10},
		"b": {ID: "b", EstimatedTokens: 10},
	}}

	result, err := ResolveAndProvision(context.Background(), nil, resolver, []string{"a", "b"}, 10, 2000)
	require.NoError(t, err)
	assert.Len(t, result.Tools, 2)
	assert.Equal(t, 20, result.TotalTokens)
}

func TestResolveAndProvision_GateDeniesOneTool(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{tools: map[string]gating.ToolDescriptor{
		"allowed": {ID: "allowed", EstimatedTokens: 10},
		"denied":  {ID: "denied", EstimatedTokens: 10},
	}}
	gate, err := authz.NewGate([]string{
		`permit(principal, action, resource);`,
		`forbid(principal, action == Action::"provision", resource == Tool::"denied");`,
	})
	require.NoError(t, err)

	result, err := ResolveAndProvision(context.Background(), gate, resolver, []string{"allowed", "denied"}, 10, 2000)
	require.NoError(t, err)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "allowed", result.Tools[0].ID)
	assert.True(t, result.GatingApplied, "a denied tool must mark the result gated")
}
