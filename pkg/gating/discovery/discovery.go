// Package discovery implements the Discovery / Gating Engine (spec §4.3):
// turning a natural-language query into a ranked, budget-fit tool list.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/authz"
	"github.com/toolgating/toolgating/pkg/gating/embed"
	"github.com/toolgating/toolgating/pkg/gating/registry"
)

var tracer = otel.Tracer("toolgate/discovery")

// tagBoostPerMatch is the score contribution of each query/tool tag
// intersection (spec §4.3 step 3).
const tagBoostPerMatch = 0.2

// ToolSource is the subset of *registry.Registry the engine depends on.
// Defined as an interface so discovery can be tested against a fake
// registry without spinning up embedding machinery.
type ToolSource interface {
	AllVectors() (ids []string, matrix [][]float32)
	Get(id string) (*gating.ToolDescriptor, error)
	List(filter registry.Filter) []gating.ToolDescriptor
}

// Ranked is one entry of a discover() result: a tool plus the score it
// received for a specific query.
type Ranked struct {
	Tool        gating.ToolDescriptor
	Score       float64
	MatchedTags []string
}

// Result is the full response of a Discover call, including the ephemeral
// query record identifier (spec §3 Query record) the caller can use to
// correlate subsequent provision calls.
type Result struct {
	QueryID   string
	Timestamp time.Time
	Tools     []Ranked
}

// Engine is the Discovery / Gating Engine.
type Engine struct {
	tools    ToolSource
	embedder embed.Client
	gate     *authz.Gate
}

// Option configures optional Engine behavior supplied at construction.
type Option func(*Engine)

// WithGate attaches an authz.Gate: Discover drops any ranked tool the
// caller's principal (spec §authz, authz.PrincipalFromContext) is not
// authorized to discover. A nil gate (the default) discovers everything.
func WithGate(g *authz.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// New returns an Engine backed by tools and embedder. embedder is used only
// to embed query text; it may be nil if callers never pass non-empty query
// text (tag-only discovery still works).
func New(tools ToolSource, embedder embed.Client, opts ...Option) *Engine {
	e := &Engine{tools: tools, embedder: embedder}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Discover ranks every indexed tool against (queryText, tags) and returns
// the top `limit` by score, descending, ties broken by ascending tool ID for
// determinism (spec §4.3, invariant 2 in §8).
func (e *Engine) Discover(ctx context.Context, queryText string, tags []string, limit int) (Result, error) {
	ctx, span := tracer.Start(ctx, "discover", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.Int("gating.discover.tag_count", len(tags)),
		attribute.Int("gating.discover.limit", limit),
	)

	now := time.Now()
	result := Result{QueryID: uuid.NewString(), Timestamp: now}
	span.SetAttributes(attribute.String("gating.discover.query_id", result.QueryID))

	ids, matrix := e.tools.AllVectors()
	if len(ids) == 0 {
		return result, nil
	}

	var query []float32
	if queryText != "" {
		if e.embedder == nil {
			return result, fmt.Errorf("discovery: query text given but no embedder configured")
		}
		q, err := e.embedder.Embed(ctx, queryText)
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("discovery: embed query: %w", err)
		}
		query = q
	}

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	principal := authz.PrincipalFromContext(ctx)
	ranked := make([]Ranked, 0, len(ids))
	for i, id := range ids {
		tool, err := e.tools.Get(id)
		if err != nil {
			// Registry mutated between AllVectors() and Get(); skip rather
			// than fail the whole query.
			continue
		}
		if e.gate != nil && !e.gate.Authorize(ctx, principal, authz.OperationDiscover, tool.ID, nil) {
			continue
		}

		var sim float64
		if query != nil {
			sim = cosine(query, matrix[i])
		}

		matched := matchedTags(tagSet, tool.Tags)
		boost := tagBoostPerMatch * float64(len(matched))
		score := clamp01(sim + boost)

		ranked = append(ranked, Ranked{Tool: *tool, Score: score, MatchedTags: matched})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Tool.ID < ranked[j].Tool.ID
	})

	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	result.Tools = ranked[:limit]
	span.SetAttributes(attribute.Int("gating.discover.result_count", len(result.Tools)))
	return result, nil
}

func matchedTags(queryTags map[string]struct{}, toolTags []string) []string {
	if len(queryTags) == 0 {
		return nil
	}
	var matched []string
	for _, tag := range toolTags {
		if _, ok := queryTags[tag]; ok {
			matched = append(matched, tag)
		}
	}
	return matched
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
