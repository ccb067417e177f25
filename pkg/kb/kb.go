// Package kb is the knowledge base engine's public API: Open an instance
// rooted at a journal tree, and run vector, hybrid, and tag-text search
// against it. It composes the Store, Index Registry, Embedder, Chunker,
// Tag Extractor, Watcher, Ingestion Pipeline, Tag Graph, and Retriever
// into one small surface.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kbe-project/kbe/internal/chunk"
	"github.com/kbe-project/kbe/internal/config"
	"github.com/kbe-project/kbe/internal/embed"
	"github.com/kbe-project/kbe/internal/ingest"
	kberrors "github.com/kbe-project/kbe/internal/errors"
	"github.com/kbe-project/kbe/internal/lock"
	"github.com/kbe-project/kbe/internal/logging"
	"github.com/kbe-project/kbe/internal/registry"
	"github.com/kbe-project/kbe/internal/retriever"
	"github.com/kbe-project/kbe/internal/search"
	"github.com/kbe-project/kbe/internal/store"
	"github.com/kbe-project/kbe/internal/taggraph"
	"github.com/kbe-project/kbe/internal/watcher"
)

// Hit is one search result, re-exported from the retriever package so
// callers never need to import it directly.
type Hit = retriever.Hit

// HybridOptions configures SearchHybrid, re-exported from the retriever
// package.
type HybridOptions = retriever.HybridOptions

// KnowledgeBase is one open instance: one Store, one Index Registry, one
// Tag Graph, one Ingestion Pipeline, one Retriever, all rooted at a single
// store directory guarded by an exclusive process lock.
type KnowledgeBase struct {
	cfg *config.Config

	lock    *lock.InstanceLock
	st      store.Store
	indices *registry.Registry
	tags    *taggraph.Registry
	keyword *store.KeywordIndex
	embedder embed.Embedder
	reranker search.Reranker
	retr     *retriever.Retriever
	pipeline *ingest.Pipeline
	w        watcher.Watcher

	logCleanup func()
}

// Open acquires the instance lock, opens the Store and indices, and starts
// background services (logging, watcher, ingestion pipeline). Returns an
// error without side effects if another process already holds the lock.
func Open(ctx context.Context, cfg *config.Config) (*KnowledgeBase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceLock := lock.New(cfg.StorePath)
	acquired, err := instanceLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, kberrors.New(kberrors.CodeConfigInvalidValue,
			fmt.Sprintf("another process already holds the lock at %s", cfg.StorePath), nil)
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      filepath.Join(cfg.StorePath, "logs", "kbe.log"),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: cfg.Logging.WriteToStderr,
	})
	if err != nil {
		_ = instanceLock.Unlock()
		return nil, err
	}
	slog.SetDefault(logger)

	kbInstance, err := newKnowledgeBase(cfg, instanceLock)
	if err != nil {
		cleanup()
		_ = instanceLock.Unlock()
		return nil, err
	}
	kbInstance.logCleanup = cleanup

	if err := kbInstance.pipeline.Start(ctx, cfg.Ingest.FullScanOnStartup); err != nil {
		kbInstance.Shutdown()
		return nil, err
	}

	return kbInstance, nil
}

func newKnowledgeBase(cfg *config.Config, instanceLock *lock.InstanceLock) (*KnowledgeBase, error) {
	dbPath := filepath.Join(cfg.StorePath, "knowledge_base.sqlite")
	st, err := store.Open(dbPath, cfg.Embedder.Dimension)
	if err != nil {
		return nil, err
	}

	keywordIdx, err := store.NewKeywordIndex(filepath.Join(cfg.StorePath, "keyword_index.bleve"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	indices := registry.New(st, cfg.StorePath, cfg.Embedder.Dimension,
		time.Duration(cfg.Index.SaveDelayMS)*time.Millisecond)
	tags := taggraph.New(st)

	embedderCfg := embed.Config{
		APIURL:            cfg.Embedder.APIURL,
		APIKey:            cfg.Embedder.APIKey,
		Model:             cfg.Embedder.Model,
		Dimension:         cfg.Embedder.Dimension,
		MaxTokensPerBatch: cfg.Embedder.MaxTokens,
		MaxItemsPerBatch:  cfg.Embedder.MaxItems,
		Concurrency:       cfg.Embedder.Concurrency,
	}
	var embedder embed.Embedder = embed.NewHTTPEmbedder(embedderCfg)
	embedder = embed.NewCachedEmbedder(embedder, embed.DefaultEmbeddingCacheSize)

	var reranker search.Reranker = &search.NoOpReranker{}
	if cfg.Rerank.URL != "" {
		reranker = search.NewHTTPReranker(cfg.Rerank.URL, cfg.Rerank.APIKey, cfg.Rerank.Model, cfg.Rerank.MaxTokensPerBatch)
	}

	chunker := chunk.NewMarkdownChunker()
	fsWatcher := watcher.NewFSWatcher(watcher.DefaultOptions())

	pipeline := ingest.New(cfg, st, chunker, embedder, indices, tags, keywordIdx, fsWatcher)

	retr := retriever.New(st, indices, tags, keywordIdx, embedder, reranker, cfg.Tags.ExpandMaxCount)

	if err := tags.Rebuild(context.Background()); err != nil {
		slog.Warn("initial tag graph build failed, will retry after next ingestion batch", slog.Any("error", err))
	}

	return &KnowledgeBase{
		cfg:      cfg,
		lock:     instanceLock,
		st:       st,
		indices:  indices,
		tags:     tags,
		keyword:  keywordIdx,
		embedder: embedder,
		reranker: reranker,
		retr:     retr,
		pipeline: pipeline,
		w:        fsWatcher,
	}, nil
}

// SearchVector runs a pure vector search, optionally boosted by Tag-Boost
// Fusion. diary == "" searches every diary in parallel.
func (kb *KnowledgeBase) SearchVector(ctx context.Context, diary string, queryVec []float32, k int, tagBoost float32) ([]Hit, error) {
	return kb.retr.SearchVector(ctx, diary, queryVec, k, tagBoost)
}

// SearchHybrid runs the BM25-prefiltered hybrid search.
func (kb *KnowledgeBase) SearchHybrid(ctx context.Context, queryText string, k int, opts HybridOptions) ([]Hit, error) {
	return kb.retr.SearchHybrid(ctx, queryText, k, opts)
}

// SearchTagText embeds queryText and searches the global tag index.
func (kb *KnowledgeBase) SearchTagText(ctx context.Context, queryText string, k int) ([]Hit, error) {
	return kb.retr.SearchTagText(ctx, queryText, k)
}

// Shutdown stops the watcher and ingestion pipeline, flushes every ANN
// index to disk, closes the Store and keyword index, and releases the
// instance lock. Safe to call once; subsequent calls are no-ops beyond
// their own error returns.
func (kb *KnowledgeBase) Shutdown() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if kb.pipeline != nil {
		record(kb.pipeline.Stop())
		kb.pipeline = nil
	}
	if kb.indices != nil {
		record(kb.indices.SaveAll())
		kb.indices = nil
	}
	if kb.keyword != nil {
		record(kb.keyword.Close())
		kb.keyword = nil
	}
	if kb.reranker != nil {
		record(kb.reranker.Close())
		kb.reranker = nil
	}
	if kb.st != nil {
		record(kb.st.Close())
		kb.st = nil
	}
	if kb.logCleanup != nil {
		kb.logCleanup()
		kb.logCleanup = nil
	}
	if kb.lock != nil {
		record(kb.lock.Unlock())
		kb.lock = nil
	}
	return firstErr
}
