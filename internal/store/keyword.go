package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"

	kberrors "github.com/kbe-project/kbe/internal/errors"
)

// KeywordIndex is a full-text recall layer over chunk content, used only to
// narrow the candidate set search_hybrid scores by hand: its own bleve
// relevance score is discarded, and only the matched chunk ids are used.
// Computing BM25 from scratch over that narrowed candidate set (k1=1.5,
// b=0.75, IDF local to the set) is the Retriever's job, not this index's.
type KeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type keywordDoc struct {
	Content string `json:"content"`
}

// NewKeywordIndex opens (or creates) a bleve index at path. An empty path
// creates an in-memory index, useful for tests.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	mapping := bleve.NewIndexMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(mapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, kberrors.New(kberrors.CodeIOPermission, "create keyword index directory", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return nil, kberrors.Wrap(kberrors.CodeCorruptIndex, err)
	}

	return &KeywordIndex{index: idx}, nil
}

// Index upserts chunk content for ids, keyed by their decimal chunk id.
func (k *KeywordIndex) Index(ctx context.Context, chunks map[uint64]string) error {
	if len(chunks) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for id, content := range chunks {
		if err := batch.Index(strconv.FormatUint(id, 10), keywordDoc{Content: content}); err != nil {
			return kberrors.Wrap(kberrors.CodeStorageBusy, err)
		}
	}
	return k.index.Batch(batch)
}

// Delete removes chunk ids from the index.
func (k *KeywordIndex) Delete(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(strconv.FormatUint(id, 10))
	}
	return k.index.Batch(batch)
}

// Candidates returns up to limit chunk ids whose content matches any token
// of query, ordered by bleve's own relevance (irrelevant to the final
// score — this is recall, not ranking).
func (k *KeywordIndex) Candidates(ctx context.Context, tokens []string, limit int) ([]uint64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	query := bleve.NewDisjunctionQuery()
	for _, t := range tokens {
		if strings.TrimSpace(t) == "" {
			continue
		}
		mq := bleve.NewMatchQuery(t)
		mq.SetField("content")
		query.AddQuery(mq)
	}

	req := bleve.NewSearchRequest(query)
	req.Size = limit
	req.Fields = nil

	result, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.CodeCorruptIndex, err)
	}

	ids := make([]uint64, 0, len(result.Hits))
	for _, hit := range result.Hits {
		id, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.index.Close()
}
