// Package ingest drives the file-watcher-triggered flush pipeline: batching
// changed paths, diffing them against the Store, chunking and embedding
// what actually changed, committing it in a transaction per flush, then
// pushing the resulting vector updates into the Index Registry and the Tag
// Graph.
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kbe-project/kbe/internal/chunk"
	"github.com/kbe-project/kbe/internal/config"
	"github.com/kbe-project/kbe/internal/embed"
	"github.com/kbe-project/kbe/internal/registry"
	"github.com/kbe-project/kbe/internal/store"
	"github.com/kbe-project/kbe/internal/taggraph"
	"github.com/kbe-project/kbe/internal/watcher"
)

// Pipeline owns the pending/processing path sets and drives flush on the
// configured batch size and window, per file path state machine
// unseen -> pending -> processing -> committed.
type Pipeline struct {
	root    string
	ignore  config.Ignore
	batchWindow time.Duration
	maxBatch    int

	st       store.Store
	chunker  chunk.Chunker
	embedder embed.Embedder
	indices  *registry.Registry
	tags     *taggraph.Registry
	keyword  *store.KeywordIndex
	tagCfg   config.Tags

	w  watcher.Watcher
	wg sync.WaitGroup

	mu         sync.Mutex
	pending    map[string]struct{}
	processing bool
	timer      *time.Timer

	stopCh chan struct{}
}

// New builds a Pipeline. w must not be started yet; Start begins watching.
func New(cfg *config.Config, st store.Store, chunker chunk.Chunker, embedder embed.Embedder,
	indices *registry.Registry, tags *taggraph.Registry, keyword *store.KeywordIndex, w watcher.Watcher) *Pipeline {
	return &Pipeline{
		root:        cfg.RootPath,
		ignore:      cfg.Ignore,
		batchWindow: time.Duration(cfg.Ingest.BatchWindowMS) * time.Millisecond,
		maxBatch:    cfg.Ingest.MaxBatchSize,
		st:          st,
		chunker:     chunker,
		embedder:    embedder,
		indices:     indices,
		tags:        tags,
		keyword:     keyword,
		tagCfg:      cfg.Tags,
		w:           w,
		pending:     make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start begins watching root and, if fullScan is true, enqueues every
// eligible existing file before watching for further changes.
func (p *Pipeline) Start(ctx context.Context, fullScan bool) error {
	if err := p.w.Start(ctx, p.root); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.runEventLoop(ctx)

	if fullScan {
		p.scanExisting()
	}
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (p *Pipeline) Stop() error {
	close(p.stopCh)
	err := p.w.Stop()
	p.wg.Wait()
	return err
}

func (p *Pipeline) scanExisting() {
	_ = filepath.WalkDir(p.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return nil
		}
		if p.shouldIgnore(rel) {
			return nil
		}
		p.enqueue(rel)
		return nil
	})
}

func (p *Pipeline) runEventLoop(ctx context.Context) {
	defer p.wg.Done()
	events := p.w.Events()
	errs := p.w.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handleEvent(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			slog.Warn("ingest: watcher error", slog.Any("error", err))
		case <-p.flushTimerFired():
			p.flush(ctx)
		}
	}
}

// flushTimerFired returns a channel that fires when the debounce timer is
// armed and expires; it is nil (never fires) otherwise.
func (p *Pipeline) flushTimerFired() <-chan time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer == nil {
		return nil
	}
	return p.timer.C
}

func (p *Pipeline) handleEvent(ctx context.Context, ev watcher.FileEvent) {
	if ev.IsDir {
		return
	}
	if p.shouldIgnore(ev.Path) {
		return
	}
	switch ev.Operation {
	case watcher.OpDelete:
		p.handleDelete(ctx, ev.Path)
	default:
		p.enqueue(ev.Path)
	}
}

// enqueue adds a path to pending, flushing immediately once max_batch_size
// is reached or (re)arming the debounce timer otherwise.
func (p *Pipeline) enqueue(relPath string) {
	p.mu.Lock()
	p.pending[relPath] = struct{}{}
	full := p.maxBatch > 0 && len(p.pending) >= p.maxBatch
	if p.timer != nil {
		p.timer.Stop()
	}
	if full {
		p.timer = time.NewTimer(0)
	} else {
		p.timer = time.NewTimer(p.batchWindow)
	}
	p.mu.Unlock()
}

// flush moves up to max_batch_size pending paths into processing, commits
// the resulting change set, and re-arms itself if more work remains.
func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	if p.processing || len(p.pending) == 0 {
		p.timer = nil
		p.mu.Unlock()
		return
	}
	p.processing = true
	batch := p.takeBatch()
	p.timer = nil
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.processing = false
		if len(p.pending) > 0 {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.timer = time.NewTimer(0)
		}
		p.mu.Unlock()
	}()

	if err := p.commitBatch(ctx, batch); err != nil {
		slog.Error("ingest: flush failed, paths remain pending", slog.Any("error", err))
		p.mu.Lock()
		for _, path := range batch {
			p.pending[path] = struct{}{}
		}
		p.mu.Unlock()
	}
}

// takeBatch must be called with p.mu held; it moves up to maxBatch pending
// paths out and returns them.
func (p *Pipeline) takeBatch() []string {
	n := len(p.pending)
	if p.maxBatch > 0 && n > p.maxBatch {
		n = p.maxBatch
	}
	batch := make([]string, 0, n)
	for path := range p.pending {
		if len(batch) >= n {
			break
		}
		batch = append(batch, path)
		delete(p.pending, path)
	}
	return batch
}

type changedDoc struct {
	relPath   string
	diaryName string
	checksum  string
	mtimeMS   int64
	size      uint64
	chunks    []chunk.Chunk
	tagNames  []string
}

// commitBatch implements steps 4-8 of the flush algorithm: diff against
// the Store, chunk and embed what changed, commit, then push index and tag
// graph updates.
func (p *Pipeline) commitBatch(ctx context.Context, batch []string) error {
	var changed []changedDoc
	for _, relPath := range batch {
		doc, isChanged, err := p.diffOne(ctx, relPath)
		if err != nil {
			slog.Warn("ingest: read failed, dropping from batch", slog.String("path", relPath), slog.Any("error", err))
			continue
		}
		if isChanged {
			changed = append(changed, doc)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	chunkTexts, tagNames := flattenForEmbedding(changed)

	var chunkVecs [][]float32
	if len(chunkTexts) > 0 {
		var err error
		chunkVecs, err = p.embedder.EmbedBatch(ctx, chunkTexts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
	}

	newTagNames, err := p.filterNewTagNames(ctx, tagNames)
	if err != nil {
		return fmt.Errorf("filter new tags: %w", err)
	}

	tagVecs := make(map[string][]float32, len(newTagNames))
	if len(newTagNames) > 0 {
		vecs, err := p.embedder.EmbedBatch(ctx, newTagNames)
		if err != nil {
			return fmt.Errorf("embed tags: %w", err)
		}
		for i, name := range newTagNames {
			if i < len(vecs) {
				tagVecs[name] = vecs[i]
			}
		}
	}

	diaryUpdates, tagUpdates, keywordAdds, err := p.commitToStore(ctx, changed, chunkVecs, tagVecs)
	if err != nil {
		return err
	}

	for diaryName, updates := range diaryUpdates {
		if err := p.indices.ApplyDiaryUpdates(ctx, diaryName, updates); err != nil {
			slog.Error("ingest: diary index update failed", slog.String("diary", diaryName), slog.Any("error", err))
		}
	}
	if len(tagUpdates) > 0 {
		if err := p.indices.ApplyTagUpdates(ctx, tagUpdates); err != nil {
			slog.Error("ingest: tag index update failed", slog.Any("error", err))
		}
	}
	if p.keyword != nil && len(keywordAdds) > 0 {
		if err := p.keyword.Index(ctx, keywordAdds); err != nil {
			slog.Error("ingest: keyword index update failed", slog.Any("error", err))
		}
	}

	p.tags.RebuildAsync(ctx)
	return nil
}

// diffOne implements step 4: stat+read the file and compare against the
// Store. The second return value is true only when the content actually
// changed (as opposed to a metadata-only touch or no change at all).
func (p *Pipeline) diffOne(ctx context.Context, relPath string) (changedDoc, bool, error) {
	fullPath := filepath.Join(p.root, relPath)
	info, err := os.Stat(fullPath)
	if err != nil {
		return changedDoc{}, false, err
	}
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return changedDoc{}, false, err
	}

	mtimeMS := info.ModTime().UnixMilli()
	size := uint64(info.Size())
	checksum := md5Hex(content)

	existing, err := p.st.GetFileByRelPath(ctx, relPath)
	if err != nil {
		return changedDoc{}, false, err
	}
	if existing != nil && existing.MTimeMS == mtimeMS && existing.Size == size {
		return changedDoc{}, false, nil
	}
	if existing != nil && existing.Checksum == checksum {
		// Metadata-only touch: update mtime/size via UpsertFile, no content change.
		if _, err := p.st.UpsertFile(ctx, relPath, existing.DiaryName, checksum, mtimeMS, size); err != nil {
			return changedDoc{}, false, err
		}
		return changedDoc{}, false, nil
	}

	chunks, err := p.chunker.Chunk(ctx, &chunk.FileInput{Path: relPath, Content: content})
	if err != nil {
		return changedDoc{}, false, err
	}
	tagNames := chunk.ExtractTags(string(content), p.tagCfg.Blacklist, p.tagCfg.BlacklistSuper)

	return changedDoc{
		relPath:   relPath,
		diaryName: diaryNameForPath(relPath),
		checksum:  checksum,
		mtimeMS:   mtimeMS,
		size:      size,
		chunks:    chunks,
		tagNames:  tagNames,
	}, true, nil
}

// filterNewTagNames drops any name already present in the Store: spec §4.F
// step 5 embeds only unique *new* tags. GetOrCreateTag's vecIfNew is stored
// only when the tag did not already exist, so embedding an existing tag's
// name here would be wasted work whose result is silently discarded.
func (p *Pipeline) filterNewTagNames(ctx context.Context, names map[string]struct{}) ([]string, error) {
	fresh := make([]string, 0, len(names))
	for name := range names {
		existing, err := p.st.TagByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			fresh = append(fresh, name)
		}
	}
	return fresh, nil
}

func flattenForEmbedding(docs []changedDoc) ([]string, map[string]struct{}) {
	var texts []string
	tags := make(map[string]struct{})
	for _, d := range docs {
		for _, c := range d.chunks {
			texts = append(texts, c.Content)
		}
		for _, t := range d.tagNames {
			tags[t] = struct{}{}
		}
	}
	return texts, tags
}

// commitToStore implements step 6: one transaction-worth of work per
// changed file (UpsertFile, ReplaceChunks, tag upserts, ReplaceFileTags),
// and collects the index updates step 7 needs to apply.
func (p *Pipeline) commitToStore(ctx context.Context, docs []changedDoc, chunkVecs [][]float32, tagVecs map[string][]float32) (
	map[string][]registry.Update, []registry.Update, map[uint64]string, error) {

	diaryUpdates := make(map[string][]registry.Update)
	var tagUpdates []registry.Update
	keywordAdds := make(map[uint64]string)

	cursor := 0
	for _, d := range docs {
		fileID, err := p.st.UpsertFile(ctx, d.relPath, d.diaryName, d.checksum, d.mtimeMS, d.size)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("upsert file %s: %w", d.relPath, err)
		}

		writes := make([]store.ChunkWrite, len(d.chunks))
		for i, c := range d.chunks {
			var vec []float32
			if cursor < len(chunkVecs) {
				vec = chunkVecs[cursor]
			}
			cursor++
			writes[i] = store.ChunkWrite{Index: uint32(c.Index), Text: c.Content, Vector: vec}
		}

		oldIDs, err := p.st.GetFileChunkIDs(ctx, fileID)
		if err != nil {
			return nil, nil, nil, err
		}

		newIDs, err := p.st.ReplaceChunks(ctx, fileID, writes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("replace chunks for %s: %w", d.relPath, err)
		}

		for _, oldID := range oldIDs {
			diaryUpdates[d.diaryName] = append(diaryUpdates[d.diaryName], registry.Update{ID: oldID, Removed: true})
		}
		for i, id := range newIDs {
			if i >= len(writes) || writes[i].Vector == nil {
				continue
			}
			diaryUpdates[d.diaryName] = append(diaryUpdates[d.diaryName], registry.Update{ID: id, Vector: writes[i].Vector})
			keywordAdds[id] = writes[i].Text
		}

		tagIDs := make([]uint64, 0, len(d.tagNames))
		for _, name := range d.tagNames {
			id, wasNew, err := p.st.GetOrCreateTag(ctx, name, tagVecs[name])
			if err != nil {
				return nil, nil, nil, fmt.Errorf("get or create tag %q: %w", name, err)
			}
			tagIDs = append(tagIDs, id)
			if wasNew {
				if vec, ok := tagVecs[name]; ok {
					tagUpdates = append(tagUpdates, registry.Update{ID: id, Vector: vec})
				}
			}
		}
		if err := p.st.ReplaceFileTags(ctx, fileID, tagIDs); err != nil {
			return nil, nil, nil, fmt.Errorf("replace file tags for %s: %w", d.relPath, err)
		}
	}

	return diaryUpdates, tagUpdates, keywordAdds, nil
}

// handleDelete implements handle_delete: cascade a removed path out of the
// Store and out of its diary's ANN index.
func (p *Pipeline) handleDelete(ctx context.Context, relPath string) {
	file, err := p.st.GetFileByRelPath(ctx, relPath)
	if err != nil || file == nil {
		return
	}
	chunkIDs, err := p.st.GetFileChunkIDs(ctx, file.ID)
	if err != nil {
		slog.Error("ingest: failed to enumerate chunk ids for delete", slog.String("path", relPath), slog.Any("error", err))
		return
	}
	if err := p.st.DeleteFile(ctx, file.ID); err != nil {
		slog.Error("ingest: delete failed", slog.String("path", relPath), slog.Any("error", err))
		return
	}

	if len(chunkIDs) > 0 {
		updates := make([]registry.Update, len(chunkIDs))
		for i, id := range chunkIDs {
			updates[i] = registry.Update{ID: id, Removed: true}
		}
		if err := p.indices.ApplyDiaryUpdates(ctx, file.DiaryName, updates); err != nil {
			slog.Error("ingest: diary index removal failed", slog.String("diary", file.DiaryName), slog.Any("error", err))
		}
		if p.keyword != nil {
			if err := p.keyword.Delete(ctx, chunkIDs); err != nil {
				slog.Error("ingest: keyword index removal failed", slog.Any("error", err))
			}
		}
	}

	p.tags.RebuildAsync(ctx)
}

// diaryNameForPath returns the path component one level below root: a
// journal organized as diaryA/entry1.md, diaryB/entry2.md has diary names
// "diaryA" and "diaryB". A file directly under root has diary name "".
func diaryNameForPath(relPath string) string {
	relPath = filepath.ToSlash(relPath)
	if idx := strings.IndexByte(relPath, '/'); idx >= 0 {
		return relPath[:idx]
	}
	return ""
}

func md5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// shouldIgnore implements the path filters: any path component matching an
// ignore_folders entry, a basename starting with an ignore_prefix, ending
// with an ignore_suffix, or an extension other than .md/.txt.
func (p *Pipeline) shouldIgnore(relPath string) bool {
	slash := filepath.ToSlash(relPath)
	parts := strings.Split(slash, "/")
	for _, part := range parts {
		for _, folder := range p.ignore.Folders {
			if part == folder {
				return true
			}
		}
	}

	base := filepath.Base(relPath)
	for _, prefix := range p.ignore.Prefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	for _, suffix := range p.ignore.Suffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}

	ext := strings.ToLower(filepath.Ext(base))
	if ext != ".md" && ext != ".txt" {
		return true
	}
	return false
}
