// Package registry implements the Tool Registry (spec §4.1): the
// authoritative in-memory catalog of tool descriptors, their embedding
// vectors, and the tag/backend secondary indices used by discovery and the
// proxy.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/toolgating/toolgating/internal/logger"
	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/embed"
)

// Filter narrows List to tools matching all of its non-empty fields.
type Filter struct {
	Backend string
	Tag     string
}

func (f Filter) matches(t *gating.ToolDescriptor) bool {
	if f.Backend != "" && t.Backend != f.Backend {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// snapshot is the vector-matrix view handed to Discovery. It is replaced
// atomically on every write so readers never observe a torn index: the ids
// slice and the matrix rows are always mutually consistent.
type snapshot struct {
	ids    []string
	matrix [][]float32
}

// Registry is the Tool Registry. Safe for concurrent use: many readers, one
// writer at a time (standard sync.RWMutex), with a snapshot of the
// vector matrix swapped in atomically so Discovery's matrix multiply never
// blocks a concurrent Insert/Delete and never sees a half-built index.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*gating.ToolDescriptor
	byTag     map[string]map[string]struct{}
	byBackend map[string]map[string]struct{}

	snap atomic.Value // holds *snapshot

	embedder embed.Client
}

// New returns an empty Registry. embedder is used by Insert to compute a
// tool's vector when one is not supplied.
func New(embedder embed.Client) *Registry {
	r := &Registry{
		byID:      make(map[string]*gating.ToolDescriptor),
		byTag:     make(map[string]map[string]struct{}),
		byBackend: make(map[string]map[string]struct{}),
		embedder:  embedder,
	}
	r.snap.Store(&snapshot{})
	return r
}

// Insert adds tool to the registry, computing its embedding if Vector is
// nil. Returns gating.ErrDuplicateID (wrapped) if the ID already exists.
func (r *Registry) Insert(ctx context.Context, tool gating.ToolDescriptor) error {
	if tool.ID == "" {
		return fmt.Errorf("registry: insert: %w: empty id", gating.ErrDuplicateID)
	}
	tool.NormalizeTags()

	r.mu.Lock()
	if _, exists := r.byID[tool.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: insert %q: %w", tool.ID, gating.ErrDuplicateID)
	}
	r.mu.Unlock()

	if len(tool.Vector) == 0 && r.embedder != nil {
		text := tool.Name + " " + tool.Description
		if len(tool.Tags) > 0 {
			text += " " + joinTags(tool.Tags)
		}
		vec, err := r.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("registry: embed tool %q: %w", tool.ID, err)
		}
		tool.Vector = vec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the same critical section that covers the mutation:
	// a concurrent Insert could have raced us between the unlock above and
	// here.
	if _, exists := r.byID[tool.ID]; exists {
		return fmt.Errorf("registry: insert %q: %w", tool.ID, gating.ErrDuplicateID)
	}

	stored := tool
	r.byID[tool.ID] = &stored
	r.indexLocked(&stored)
	r.rebuildSnapshotLocked()

	logger.Debugw("registry: tool inserted", "id", tool.ID, "backend", tool.Backend)
	return nil
}

func (r *Registry) indexLocked(t *gating.ToolDescriptor) {
	for _, tag := range t.Tags {
		set, ok := r.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			r.byTag[tag] = set
		}
		set[t.ID] = struct{}{}
	}
	if t.Backend != "" {
		set, ok := r.byBackend[t.Backend]
		if !ok {
			set = make(map[string]struct{})
			r.byBackend[t.Backend] = set
		}
		set[t.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(t *gating.ToolDescriptor) {
	for _, tag := range t.Tags {
		if set, ok := r.byTag[tag]; ok {
			delete(set, t.ID)
			if len(set) == 0 {
				delete(r.byTag, tag)
			}
		}
	}
	if t.Backend != "" {
		if set, ok := r.byBackend[t.Backend]; ok {
			delete(set, t.ID)
			if len(set) == 0 {
				delete(r.byBackend, t.Backend)
			}
		}
	}
}

// rebuildSnapshotLocked must be called with r.mu held (for either read or
// write; it only reads r.byID). It is always called after a mutation while
// the write lock is held.
func (r *Registry) rebuildSnapshotLocked() {
	ids := make([]string, 0, len(r.byID))
	matrix := make([][]float32, 0, len(r.byID))
	for id, t := range r.byID {
		ids = append(ids, id)
		matrix = append(matrix, t.Vector)
	}
	r.snap.Store(&snapshot{ids: ids, matrix: matrix})
}

// Delete removes id from the registry and all secondary indices.
// Idempotent: deleting a missing id is a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.unindexLocked(t)
	r.rebuildSnapshotLocked()
	logger.Debugw("registry: tool deleted", "id", id)
}

// DeleteByBackend removes every tool owned by backend name and returns the
// count removed.
func (r *Registry) DeleteByBackend(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byBackend[name]
	if !ok {
		return 0
	}
	n := 0
	for id := range set {
		if t, exists := r.byID[id]; exists {
			delete(r.byID, id)
			r.unindexLocked(t)
			n++
		}
	}
	delete(r.byBackend, name)
	r.rebuildSnapshotLocked()
	logger.Infow("registry: backend tools removed", "backend", name, "count", n)
	return n
}

// Get returns the tool with id, or gating.ErrNotFound.
func (r *Registry) Get(id string) (*gating.ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("registry: get %q: %w", id, gating.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// List returns every tool matching filter, in unspecified order.
func (r *Registry) List(filter Filter) []gating.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]gating.ToolDescriptor, 0, len(r.byID))
	for _, t := range r.byID {
		if filter.matches(t) {
			out = append(out, *t)
		}
	}
	return out
}

// Clear removes every tool from the registry (spec §6 "DELETE
// /api/tools/clear").
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*gating.ToolDescriptor)
	r.byTag = make(map[string]map[string]struct{})
	r.byBackend = make(map[string]map[string]struct{})
	r.rebuildSnapshotLocked()
	logger.Infow("registry: cleared")
}

// Count returns the number of indexed tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// AllVectors returns a zero-copy-ish view (the slices themselves are not
// copied per row, but the snapshot they come from is immutable: a
// concurrent Insert/Delete builds a new snapshot rather than mutating this
// one) of every indexed id alongside its vector, row-aligned.
func (r *Registry) AllVectors() (ids []string, matrix [][]float32) {
	s := r.snap.Load().(*snapshot)
	return s.ids, s.matrix
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}
