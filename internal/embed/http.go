package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	kberrors "github.com/kbe-project/kbe/internal/errors"
)

// HTTPEmbedder talks to an OpenAI-compatible embeddings endpoint. It never
// fails a call outright just because one text was dropped for being
// oversize: the gap-preservation policy is skip-and-filter, documented at
// EmbedBatch.
type HTTPEmbedder struct {
	cfg    Config
	client *http.Client
}

// NewHTTPEmbedder builds a client from cfg, filling any zero-valued tunable
// with DefaultConfig's value.
func NewHTTPEmbedder(cfg Config) *HTTPEmbedder {
	def := DefaultConfig()
	if cfg.MaxTokensPerBatch == 0 {
		cfg.MaxTokensPerBatch = def.MaxTokensPerBatch
	}
	if cfg.MaxItemsPerBatch == 0 {
		cfg.MaxItemsPerBatch = def.MaxItemsPerBatch
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SafeTokenFraction == 0 {
		cfg.SafeTokenFraction = def.SafeTokenFraction
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.BaseBackoffMS == 0 {
		cfg.BaseBackoffMS = def.BaseBackoffMS
	}
	return &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *HTTPEmbedder) Dimension() int   { return e.cfg.Dimension }
func (e *HTTPEmbedder) ModelName() string { return e.cfg.Model }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, kberrors.New(kberrors.CodeIOTooLarge, "text exceeds safe token budget", nil)
	}
	return vecs[0], nil
}

// estimateTokens is a cl100k-like approximation: roughly one token per four
// characters of UTF-8 text. It is intentionally not an exact tokenizer —
// the spec permits any compatible estimate as long as the skip threshold
// is applied consistently.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

type packedItem struct {
	globalIndex int
	text        string
	tokens      int
}

type batch struct {
	batchNumber int
	items       []packedItem
}

// EmbedBatch tokenizes, drops oversize texts, greedily packs the remainder
// into token/item-capped batches, and runs those batches concurrently, one
// goroutine per batch, with a weighted semaphore keeping at most Concurrency
// batches in flight. The returned slice always has
// len(texts) entries; an entry for a dropped (oversize) text is nil —
// skip-and-filter, not zero-fill, is this client's documented gap policy.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	maxTokens := int(float64(e.cfg.MaxTokensPerBatch) * e.cfg.SafeTokenFraction)

	items := make([]packedItem, 0, len(texts))
	for i, text := range texts {
		tokens := estimateTokens(text)
		if tokens > maxTokens {
			continue
		}
		items = append(items, packedItem{globalIndex: i, text: text, tokens: tokens})
	}

	batches := packBatches(items, maxTokens, e.cfg.MaxItemsPerBatch)

	results := make([][]float32, len(texts))

	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))
	group, groupCtx := errgroup.WithContext(ctx)

	for _, b := range batches {
		b := b
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			vecs, err := e.runBatchWithRetry(groupCtx, b)
			if err != nil {
				return err
			}
			for i, item := range b.items {
				results[item.globalIndex] = vecs[i]
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// packBatches greedily fills batches up to maxTokens and maxItems, in input
// order, never splitting a single item.
func packBatches(items []packedItem, maxTokens, maxItems int) []batch {
	var batches []batch
	var current []packedItem
	tokenSum := 0

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, batch{batchNumber: len(batches), items: current})
			current = nil
			tokenSum = 0
		}
	}

	for _, item := range items {
		if len(current) > 0 && (tokenSum+item.tokens > maxTokens || len(current) >= maxItems) {
			flush()
		}
		current = append(current, item)
		tokenSum += item.tokens
	}
	flush()
	return batches
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Data []embeddingDatum `json:"data"`
}

func (e *HTTPEmbedder) runBatchWithRetry(ctx context.Context, b batch) ([][]float32, error) {
	texts := make([]string, len(b.items))
	for i, item := range b.items {
		texts[i] = item.text
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		vecs, status, err := e.postBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err

		if status == http.StatusTooManyRequests {
			if !sleepCtx(ctx, time.Duration(5*attempt)*time.Second) {
				return nil, ctx.Err()
			}
			continue
		}
		if status >= 500 || status == 0 {
			backoff := time.Duration(e.cfg.BaseBackoffMS) * time.Millisecond
			for i := 1; i < attempt; i++ {
				backoff *= 2
			}
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
			continue
		}
		// Non-retryable status (4xx other than 429): give up immediately.
		return nil, lastErr
	}
	return nil, kberrors.New(kberrors.CodeIOServerError,
		fmt.Sprintf("embedding batch failed after %d attempts", e.cfg.RetryAttempts), lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *HTTPEmbedder) postBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, 0, kberrors.Wrap(kberrors.CodeConfigInvalidValue, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.APIURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, kberrors.Wrap(kberrors.CodeConfigInvalidValue, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, kberrors.New(kberrors.CodeIOTimeout, "embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, resp.StatusCode, kberrors.New(kberrors.CodeIOServerError,
			fmt.Sprintf("embedding service returned %d: %s", resp.StatusCode, string(data)), nil)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resp.StatusCode, kberrors.Wrap(kberrors.CodeCorruptSidecar, err)
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}
	return out, resp.StatusCode, nil
}
