// Package registry is the Index Registry: it owns the global tag ANN index
// and a diary_name -> ANN index map, lazily loading and transparently
// rebuilding indices from the Store, and coalescing saves the way the
// watcher's Debouncer coalesces file events.
package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kbe-project/kbe/internal/store"
)

// Update is one (id, vector) or (id, removed) change to apply to a diary's
// index after a commit, produced by the ingestion pipeline.
type Update struct {
	ID      uint64
	Vector  []float32 // new vector; ignored when Removed is set
	Removed bool
}

// Registry owns every live ANN index: one global tag index, and one index
// per diary_name, created on first reference and loaded lazily.
type Registry struct {
	st        store.Store
	indexDir  string
	dim       int
	saveDelay time.Duration

	mu       sync.RWMutex
	diaries  map[string]*entry
	globalTag *entry

	closed bool
}

type entry struct {
	name  string // "" for the global tag index
	index store.ANNIndex

	saveMu sync.Mutex // serializes writes/save for this one index
	timer  *time.Timer
}

// New creates a Registry rooted at indexDir. No indices are loaded until
// first referenced.
func New(st store.Store, indexDir string, dim int, saveDelay time.Duration) *Registry {
	return &Registry{
		st:        st,
		indexDir:  indexDir,
		dim:       dim,
		saveDelay: saveDelay,
		diaries:   make(map[string]*entry),
	}
}

func diaryIndexPath(dir, diaryName string) string {
	sum := md5.Sum([]byte(diaryName))
	return filepath.Join(dir, "index_diary_"+hex.EncodeToString(sum[:])+".ann")
}

func globalTagIndexPath(dir string) string {
	return filepath.Join(dir, "index_global_tags.ann")
}

// GetOrLoadDiary returns the diary's index, loading it from disk on first
// reference. A missing or corrupt sidecar is never fatal: the index is
// silently rebuilt by streaming the diary's chunks back out of the Store.
func (r *Registry) GetOrLoadDiary(ctx context.Context, diaryName string) (store.ANNIndex, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if e, ok := r.diaries[diaryName]; ok {
		r.mu.RUnlock()
		return e.index, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.diaries[diaryName]; ok {
		return e.index, nil
	}

	path := diaryIndexPath(r.indexDir, diaryName)
	idx, err := r.loadOrRebuild(ctx, path, diaryName)
	if err != nil {
		return nil, err
	}
	r.diaries[diaryName] = &entry{name: diaryName, index: idx}
	return idx, nil
}

// GlobalTagIndex returns the global tag index, loading or rebuilding it on
// first reference.
func (r *Registry) GlobalTagIndex(ctx context.Context) (store.ANNIndex, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if r.globalTag != nil {
		idx := r.globalTag.index
		r.mu.RUnlock()
		return idx, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.globalTag != nil {
		return r.globalTag.index, nil
	}

	path := globalTagIndexPath(r.indexDir)
	idx, err := r.loadOrRebuildTags(ctx, path)
	if err != nil {
		return nil, err
	}
	r.globalTag = &entry{index: idx}
	return idx, nil
}

func (r *Registry) loadOrRebuild(ctx context.Context, path, diaryName string) (store.ANNIndex, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		idx, loadErr := store.LoadANNIndex(path, r.dim, 0)
		if loadErr == nil {
			return idx, nil
		}
		slog.Warn("diary index load failed, rebuilding from store",
			slog.String("diary", diaryName), slog.Any("error", loadErr))
	}
	return r.rebuildDiaryFromStore(ctx, diaryName)
}

func (r *Registry) loadOrRebuildTags(ctx context.Context, path string) (store.ANNIndex, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		idx, loadErr := store.LoadANNIndex(path, r.dim, 0)
		if loadErr == nil {
			return idx, nil
		}
		slog.Warn("global tag index load failed, rebuilding from store", slog.Any("error", loadErr))
	}
	return r.rebuildTagsFromStore(ctx)
}

func (r *Registry) rebuildDiaryFromStore(ctx context.Context, diaryName string) (store.ANNIndex, error) {
	idx := store.NewANNIndex(r.dim, 0)
	err := r.st.IterChunks(ctx, diaryName, func(rec store.ChunkRecord) error {
		if len(rec.Vector) != r.dim {
			return nil
		}
		return idx.Add(rec.ID, rec.Vector)
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (r *Registry) rebuildTagsFromStore(ctx context.Context) (store.ANNIndex, error) {
	idx := store.NewANNIndex(r.dim, 0)
	err := r.st.IterTags(ctx, func(rec store.TagRecord) error {
		if len(rec.Vector) != r.dim {
			return nil
		}
		return idx.Add(rec.ID, rec.Vector)
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// ApplyDiaryUpdates applies updates to a single diary's index (adds and
// tombstone-removals), then schedules a coalesced save for it. Writes to
// one index are serialized; concurrent reads are unaffected.
func (r *Registry) ApplyDiaryUpdates(ctx context.Context, diaryName string, updates []Update) error {
	idx, err := r.GetOrLoadDiary(ctx, diaryName)
	if err != nil {
		return err
	}

	r.mu.RLock()
	e := r.diaries[diaryName]
	r.mu.RUnlock()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	for _, u := range updates {
		if u.Removed {
			if err := idx.Remove(u.ID); err != nil {
				return err
			}
			continue
		}
		if err := idx.Add(u.ID, u.Vector); err != nil {
			return err
		}
	}

	r.scheduleSave(e, diaryIndexPath(r.indexDir, diaryName))
	return nil
}

// ApplyTagUpdates applies updates to the global tag index and schedules its
// coalesced save.
func (r *Registry) ApplyTagUpdates(ctx context.Context, updates []Update) error {
	idx, err := r.GlobalTagIndex(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	e := r.globalTag
	r.mu.RUnlock()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	for _, u := range updates {
		if u.Removed {
			if err := idx.Remove(u.ID); err != nil {
				return err
			}
			continue
		}
		if err := idx.Add(u.ID, u.Vector); err != nil {
			return err
		}
	}

	r.scheduleSave(e, globalTagIndexPath(r.indexDir))
	return nil
}

// scheduleSave coalesces rapid successive updates to the same index into a
// single save, the way Debouncer coalesces file events: a new update
// within the window resets the timer rather than queuing another save.
// Caller must hold e.saveMu.
func (r *Registry) scheduleSave(e *entry, path string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(r.saveDelay, func() {
		e.saveMu.Lock()
		defer e.saveMu.Unlock()
		if err := e.index.Save(path); err != nil {
			slog.Error("index save failed, retrying with backoff",
				slog.String("path", path), slog.Any("error", err))
			// Retry with backoff without discarding the in-memory index:
			// reschedule the same save, doubling the delay after each failure.
			delay := 2 * r.saveDelay
			var retry func()
			retry = func() {
				e.saveMu.Lock()
				defer e.saveMu.Unlock()
				if err := e.index.Save(path); err != nil {
					slog.Error("index save retry failed", slog.String("path", path), slog.Any("error", err))
					delay *= 2
					e.timer = time.AfterFunc(delay, retry)
				}
			}
			e.timer = time.AfterFunc(delay, retry)
		}
	})
}

// SaveAll immediately and synchronously saves every live index, canceling
// any pending coalesced timers. Used on shutdown.
func (r *Registry) SaveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.globalTag != nil {
		r.globalTag.saveMu.Lock()
		if r.globalTag.timer != nil {
			r.globalTag.timer.Stop()
		}
		record(r.globalTag.index.Save(globalTagIndexPath(r.indexDir)))
		r.globalTag.saveMu.Unlock()
	}
	for name, e := range r.diaries {
		e.saveMu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		record(e.index.Save(diaryIndexPath(r.indexDir, name)))
		e.saveMu.Unlock()
	}
	r.closed = true
	return firstErr
}

// ErrClosed is returned by operations attempted after SaveAll/shutdown.
var ErrClosed = errors.New("registry: closed")
