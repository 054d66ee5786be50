// Package authz implements the supplemented Cedar-policy gate: an optional
// per-tool authorization check consulted before a tool is surfaced by
// discover/provision or allowed through execute, grounded on the teacher's
// Cedar-based pkg/authz.
package authz

import (
	"context"
	"fmt"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/toolgating/toolgating/internal/logger"
)

// Operation names the action being gated, mapped onto a Cedar Action entity.
type Operation string

const (
	OperationDiscover Operation = "discover"
	OperationProvision Operation = "provision"
	OperationExecute   Operation = "execute"
)

// Gate evaluates a compiled set of Cedar policies against
// (principal, operation, tool) triples. NewGate refuses an empty policy
// list; the feature is opt-in through a nil *Gate, which callers check
// before calling Authorize and which leaves every operation permitted.
type Gate struct {
	policySet *cedar.PolicySet
}

// NewGate parses policies (each a standalone Cedar policy statement) into a
// single policy set. Returns an error if any policy fails to parse, or if
// policies is empty.
func NewGate(policies []string) (*Gate, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("authz: no policies given")
	}

	ps := cedar.NewPolicySet()
	for i, src := range policies {
		policy, err := cedar.NewPolicyFromBytes(fmt.Sprintf("policy_%d.cedar", i), []byte(src))
		if err != nil {
			return nil, fmt.Errorf("authz: parse policy %d: %w", i, err)
		}
		ps.Store(cedar.PolicyID(fmt.Sprintf("policy_%d", i)), policy)
	}

	return &Gate{policySet: ps}, nil
}

// Authorize reports whether principal may perform operation against toolID.
// args is folded into the Cedar request context so policies can key on
// call arguments (e.g. restricting a destructive tool's allowed parameters).
func (g *Gate) Authorize(_ context.Context, principal string, op Operation, toolID string, args map[string]any) bool {
	req := cedar.Request{
		Principal: cedar.NewEntityUID("Principal", cedar.String(principal)),
		Action:    cedar.NewEntityUID("Action", cedar.String(string(op))),
		Resource:  cedar.NewEntityUID("Tool", cedar.String(toolID)),
		Context:   contextRecord(args),
	}

	decision, _ := g.policySet.IsAuthorized(cedar.EntityMap{}, req)
	allowed := decision == cedar.Allow
	logger.Debugw("authz: decision", "principal", principal, "operation", op, "tool", toolID, "allowed", allowed)
	return allowed
}

func contextRecord(args map[string]any) cedar.Record {
	if len(args) == 0 {
		return cedar.NewRecord(cedar.RecordMap{})
	}
	rm := make(cedar.RecordMap, len(args))
	for k, v := range args {
		if cv, ok := toCedarValue(v); ok {
			rm[cedar.RecordKey(k)] = cv
		}
	}
	return cedar.NewRecord(rm)
}

// toCedarValue converts a decoded JSON argument value into a Cedar value.
// Booleans, strings, integers, float64 values and []string are converted;
// nested objects, []any arrays, nil, and floats that cannot become a Cedar
// decimal are dropped (ok=false).
func toCedarValue(v any) (cedar.Value, bool) {
	switch tv := v.(type) {
	case bool:
		if tv {
			return cedar.True, true
		}
		return cedar.False, true
	case string:
		return cedar.String(tv), true
	case int:
		return cedar.Long(tv), true
	case int64:
		return cedar.Long(tv), true
	case float64:
		if tv == float64(int64(tv)) {
			return cedar.Long(int64(tv)), true
		}
		d, err := cedar.NewDecimalFromFloat(tv)
		if err != nil {
			return nil, false
		}
		return d, true
	case []string:
		vals := make([]cedar.Value, 0, len(tv))
		for _, s := range tv {
			vals = append(vals, cedar.String(s))
		}
		return cedar.NewSet(vals...), true
	default:
		return nil, false
	}
}
