package store

import (
	"bufio"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	kberrors "github.com/kbe-project/kbe/internal/errors"
)

// hnswIndex implements ANNIndex over github.com/coder/hnsw. Every insert
// allocates a fresh internal graph key rather than reusing the caller's id
// as the key directly: re-adding an id already present must look like a
// replace, and coder/hnsw's own Delete corrupts the graph when it removes
// the last remaining node. So removal and replacement are both done by
// orphaning the id->key mapping and leaving the old node physically in the
// graph as a tombstone; search filters tombstones out by consulting the
// mapping, never the graph's own membership.
type hnswIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dim   int

	idToKey map[uint64]uint64
	keyToID map[uint64]uint64
	nextKey uint64
}

type hnswMeta struct {
	Dim     int
	IDToKey map[uint64]uint64
	NextKey uint64
}

// NewANNIndex creates an empty ANN index over dimension dim using cosine
// distance. capacity is advisory; coder/hnsw grows its graph as needed.
func NewANNIndex(dim int, capacity int) ANNIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &hnswIndex{
		graph:   graph,
		dim:     dim,
		idToKey: make(map[uint64]uint64),
		keyToID: make(map[uint64]uint64),
	}
}

func (idx *hnswIndex) Dimension() int { return idx.dim }

func (idx *hnswIndex) Add(id uint64, vec []float32) error {
	if len(vec) != idx.dim {
		return kberrors.New(kberrors.CodeQueryDimMismatch, "vector dimension does not match index", nil)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if oldKey, exists := idx.idToKey[id]; exists {
		delete(idx.keyToID, oldKey)
		delete(idx.idToKey, id)
	}

	key := idx.nextKey
	idx.nextKey++

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	idx.graph.Add(hnsw.MakeNode(key, normalized))
	idx.idToKey[id] = key
	idx.keyToID[key] = id
	return nil
}

// Remove tombstones id: the node physically stays in the graph, but the
// id<->key mapping is dropped so Search can never surface it again.
func (idx *hnswIndex) Remove(id uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if key, exists := idx.idToKey[id]; exists {
		delete(idx.keyToID, key)
		delete(idx.idToKey, id)
	}
	return nil
}

func (idx *hnswIndex) Search(query []float32, k int) ([]ScoredID, error) {
	if len(query) != idx.dim {
		return nil, kberrors.New(kberrors.CodeQueryDimMismatch, "query dimension does not match index", nil)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch: tombstoned nodes are skipped, so ask the graph for more
	// than k to still return up to k live results.
	nodes := idx.graph.Search(normalized, k*2+8)

	out := make([]ScoredID, 0, k)
	for _, node := range nodes {
		id, live := idx.keyToID[node.Key]
		if !live {
			continue
		}
		distance := idx.graph.Distance(normalized, node.Value)
		out = append(out, ScoredID{ID: id, Score: distanceToScore(distance)})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (idx *hnswIndex) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := uint64(len(idx.idToKey))
	graphNodes := uint64(idx.graph.Len())
	orphans := uint64(0)
	if graphNodes > total {
		orphans = graphNodes - total
	}
	return IndexStats{Total: total, Orphans: orphans}
}

func (idx *hnswIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return kberrors.New(kberrors.CodeIOPermission, "create index directory", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return kberrors.New(kberrors.CodeIOPermission, "create index temp file", err)
	}
	if err := idx.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return kberrors.Wrap(kberrors.CodeCorruptIndex, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return kberrors.Wrap(kberrors.CodeIOPermission, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return kberrors.Wrap(kberrors.CodeIOPermission, err)
	}

	return idx.saveMeta(path + ".meta")
}

func (idx *hnswIndex) saveMeta(path string) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return kberrors.Wrap(kberrors.CodeIOPermission, err)
	}
	meta := hnswMeta{Dim: idx.dim, IDToKey: idx.idToKey, NextKey: idx.nextKey}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return kberrors.Wrap(kberrors.CodeCorruptSidecar, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return kberrors.Wrap(kberrors.CodeIOPermission, err)
	}
	return os.Rename(tmpPath, path)
}

// LoadANNIndex reads an index previously written by Save. A dimension
// mismatch between dim and the persisted metadata fails closed with
// DimensionMismatchError; any other load failure is treated as Corruption
// by the caller (the Index Registry), which rebuilds from the Store.
func LoadANNIndex(path string, dim int, capacity int) (ANNIndex, error) {
	idx := NewANNIndex(dim, capacity).(*hnswIndex)

	f, err := os.Open(path + ".meta")
	if err != nil {
		return nil, kberrors.Wrap(kberrors.CodeCorruptSidecar, err)
	}
	var meta hnswMeta
	decErr := gob.NewDecoder(f).Decode(&meta)
	f.Close()
	if decErr != nil {
		return nil, kberrors.Wrap(kberrors.CodeCorruptSidecar, decErr)
	}
	if meta.Dim != dim {
		return nil, DimensionMismatchError{Expected: dim, Got: meta.Dim}
	}

	graphFile, err := os.Open(path)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.CodeCorruptIndex, err)
	}
	defer graphFile.Close()

	reader := bufio.NewReader(graphFile)
	if err := idx.graph.Import(reader); err != nil {
		return nil, kberrors.Wrap(kberrors.CodeCorruptIndex, err)
	}

	idx.idToKey = meta.IDToKey
	idx.keyToID = make(map[uint64]uint64, len(meta.IDToKey))
	for id, key := range meta.IDToKey {
		idx.keyToID[key] = id
	}
	idx.nextKey = meta.NextKey

	return idx, nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps coder/hnsw's cosine distance (0 identical, 2
// opposite) onto a descending-is-better similarity score.
func distanceToScore(distance float32) float32 {
	return 1.0 - distance/2.0
}
