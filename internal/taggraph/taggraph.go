// Package taggraph maintains the tag co-occurrence matrix: a symmetric
// map tag_id -> tag_id -> weight, rebuilt asynchronously from the Store
// after every ingestion batch and swapped in atomically so readers never
// observe a partially rebuilt graph.
package taggraph

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kbe-project/kbe/internal/store"
)

// Graph is a symmetric tag co-occurrence adjacency: Neighbors(a)[b] is the
// number of files tagging both a and b.
type Graph struct {
	edges map[uint64]map[uint64]int
}

func (g *Graph) Neighbors(tagID uint64) map[uint64]int {
	if g == nil {
		return nil
	}
	return g.edges[tagID]
}

func (g *Graph) Weight(a, b uint64) int {
	if g == nil {
		return 0
	}
	return g.edges[a][b]
}

func (g *Graph) Empty() bool {
	return g == nil || len(g.edges) == 0
}

// Registry holds the current Graph snapshot behind an atomic pointer and
// coordinates rebuilds so only one runs at a time.
type Registry struct {
	st      store.Store
	current atomic.Pointer[Graph]

	rebuildMu      sync.Mutex
	rebuildPending bool
}

// New creates a Registry with an empty graph; call Rebuild (or
// RebuildAsync) at least once before Snapshot returns anything useful.
func New(st store.Store) *Registry {
	r := &Registry{st: st}
	r.current.Store(&Graph{edges: make(map[uint64]map[uint64]int)})
	return r
}

// Snapshot returns the current graph. Safe to call concurrently with a
// rebuild in flight: readers always see either the old or new complete
// graph, never a partial one.
func (r *Registry) Snapshot() *Graph {
	return r.current.Load()
}

// Rebuild synchronously recomputes the graph from the Store and swaps it
// in. TagGraphEdges already performs the symmetric self-join aggregation
// in SQL; this just wraps the result in a Graph and stores it.
func (r *Registry) Rebuild(ctx context.Context) error {
	edges, err := r.st.TagGraphEdges(ctx)
	if err != nil {
		return err
	}
	r.current.Store(&Graph{edges: edges})
	return nil
}

// RebuildAsync triggers a background rebuild, coalescing concurrent
// requests: if a rebuild is already pending or running, this is a no-op.
// A change committed after that rebuild has read the Store is picked up by
// the next rebuild, not by this one.
func (r *Registry) RebuildAsync(ctx context.Context) {
	r.rebuildMu.Lock()
	if r.rebuildPending {
		r.rebuildMu.Unlock()
		return
	}
	r.rebuildPending = true
	r.rebuildMu.Unlock()

	go func() {
		defer func() {
			r.rebuildMu.Lock()
			r.rebuildPending = false
			r.rebuildMu.Unlock()
		}()
		if err := r.Rebuild(ctx); err != nil {
			slog.Error("tag graph rebuild failed", slog.Any("error", err))
		}
	}()
}
