// Package store is the persistence layer: a SQLite-backed Store for the
// authoritative data model, and the on-disk ANN index implementation the
// Index Registry manages.
package store

import (
	"context"
	"fmt"
)

// File is a tracked journal file. Created by the ingestion pipeline when a
// new relative path appears; destroyed when the path is unlinked, cascading
// to its Chunks and FileTag edges.
type File struct {
	ID         uint64
	RelPath    string
	DiaryName  string
	Checksum   string // hex-md5 of content
	MTimeMS    int64
	Size       uint64
	UpdatedAtS int64
}

// Chunk is a retrievable unit of a File's content. ChunkIndex is dense and
// 0-based per file; Vector is nil until embedded.
type Chunk struct {
	ID         uint64
	FileID     uint64
	ChunkIndex uint32
	Content    string
	Vector     []float32
}

// Tag is a normalized label extracted from a journal entry. Vector is nil
// until the tag's name has been embedded.
type Tag struct {
	ID     uint64
	Name   string
	Vector []float32
}

// HydratedChunk is the read-side projection returned by hydrate_chunks:
// enough to build a Hit without a second round trip per chunk.
type HydratedChunk struct {
	ChunkID    uint64
	Text       string
	SourcePath string
	DiaryName  string
	UpdatedAtS int64
}

// ChunkWrite is one (chunk_index, text, vector) tuple passed to ReplaceChunks.
type ChunkWrite struct {
	Index  uint32
	Text   string
	Vector []float32 // nil if not yet embedded
}

// ChunkRecord is what IterChunks streams: enough to recover an ANN index.
type ChunkRecord struct {
	ID        uint64
	Vector    []float32
	FileID    uint64
	DiaryName string
}

// TagRecord is what IterTags streams: enough to recover the global tag index
// and to compute Tag-Boost Fusion's per-tag score.
type TagRecord struct {
	ID         uint64
	Name       string
	Vector     []float32
	GlobalFreq int
}

// Store is the authoritative metadata store: one SQLite database in WAL
// mode, holding Files, Chunks, Tags, and FileTag edges exactly as laid out
// in the schema this package creates on Open.
type Store interface {
	// UpsertFile returns the existing file id if RelPath matches, updating
	// its checksum/mtime/size/updated_at; otherwise inserts a new row.
	UpsertFile(ctx context.Context, relPath, diaryName, checksum string, mtimeMS int64, size uint64) (uint64, error)

	// ReplaceChunks deletes a file's existing chunks and inserts writes, in
	// one transaction. Each row's chunk_index is the Index of its ChunkWrite;
	// the store does not renumber them.
	ReplaceChunks(ctx context.Context, fileID uint64, writes []ChunkWrite) ([]uint64, error)

	// ReplaceFileTags is an idempotent replacement of a file's tag edges.
	ReplaceFileTags(ctx context.Context, fileID uint64, tagIDs []uint64) error

	// GetOrCreateTag returns the tag's id and whether it was newly created.
	// vecIfNew is stored only when the tag did not already exist.
	GetOrCreateTag(ctx context.Context, name string, vecIfNew []float32) (id uint64, wasNew bool, err error)

	// SetTagVector updates an existing tag's vector.
	SetTagVector(ctx context.Context, tagID uint64, vec []float32) error

	// HydrateChunks loads display fields for a set of chunk ids, in any order.
	HydrateChunks(ctx context.Context, chunkIDs []uint64) ([]HydratedChunk, error)

	// KVPut/KVGet back the NamedVector cache (diary-name vectors and similar).
	KVPut(ctx context.Context, key string, vec []float32) error
	KVGet(ctx context.Context, key string) ([]float32, bool, error)

	// ListDiaries returns every distinct diary_name currently present.
	ListDiaries(ctx context.Context) ([]string, error)

	// IterChunks streams every chunk with a non-null vector, optionally
	// restricted to one diary (empty string means no filter).
	IterChunks(ctx context.Context, diaryFilter string, fn func(ChunkRecord) error) error

	// IterTags streams every tag with a non-null vector, alongside its
	// global_freq (count of file_tags edges referencing it).
	IterTags(ctx context.Context, fn func(TagRecord) error) error

	// GetFileByRelPath looks up a file's current metadata for the
	// ingestion pipeline's unchanged/changed comparison.
	GetFileByRelPath(ctx context.Context, relPath string) (*File, error)

	// GetFileChunkIDs returns a file's current chunk ids, for handle_delete.
	GetFileChunkIDs(ctx context.Context, fileID uint64) ([]uint64, error)

	// DeleteFile removes a file row, cascading to its chunks and tag edges.
	DeleteFile(ctx context.Context, fileID uint64) error

	// TagGraphEdges returns every (tag_id, tag_id, weight) triple for the
	// Tag Graph rebuild: files co-tagging two distinct tags.
	TagGraphEdges(ctx context.Context) (map[uint64]map[uint64]int, error)

	// TagByID fetches a tag's current name/vector, used by Tag-Boost Fusion.
	TagByID(ctx context.Context, id uint64) (*Tag, error)

	// TagByName looks up a tag by name, returning nil if it does not exist
	// yet. Used by the ingestion pipeline to embed only genuinely new tags.
	TagByName(ctx context.Context, name string) (*Tag, error)

	// TagGlobalFreq returns the number of file_tags edges referencing id.
	TagGlobalFreq(ctx context.Context, id uint64) (int, error)

	Close() error
}

// ANNIndex is a dense-vector approximate nearest neighbor index over a
// fixed dimension D, with cosine or inner-product distance.
type ANNIndex interface {
	// Add inserts (id, vec). Adding an id already present replaces it.
	Add(id uint64, vec []float32) error

	// Remove is best-effort; search must never return a removed id
	// afterward, even if the removal is only a tombstone.
	Remove(id uint64) error

	// Search returns up to k (id, score) pairs ordered by score descending;
	// higher score means more similar.
	Search(query []float32, k int) ([]ScoredID, error)

	Stats() IndexStats

	// Save persists the index atomically (temp file + rename).
	Save(path string) error

	Dimension() int
}

// ScoredID is one ANN search result.
type ScoredID struct {
	ID    uint64
	Score float32
}

// IndexStats reports the current size of an ANN index.
type IndexStats struct {
	Total   uint64
	Orphans uint64
}

// DimensionMismatchError is returned by Load when a persisted index's
// dimension does not match the caller's configured dimension.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: index has %d, expected %d", e.Got, e.Expected)
}
