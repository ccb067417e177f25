package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	kberrors "github.com/kbe-project/kbe/internal/errors"
)

// HTTPReranker is a cross-encoder reranker client for an external
// rerank service, hit per candidate batch during search_hybrid.
type HTTPReranker struct {
	URL               string
	APIKey            string
	Model             string
	MaxTokensPerBatch int

	client *http.Client
}

// NewHTTPReranker builds a reranker client with a 30s-default batch timeout.
func NewHTTPReranker(url, apiKey, model string, maxTokensPerBatch int) *HTTPReranker {
	return &HTTPReranker{
		URL:               url,
		APIKey:            apiKey,
		Model:             model,
		MaxTokensPerBatch: maxTokensPerBatch,
		client:            &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResultItem struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResultItem `json:"results"`
}

// rerankRetryConfig retries a failed rerank call up to twice with short
// exponential backoff before giving up. Every failure is retried: a 4xx
// response other than 429, or an undecodable body, is not told apart from
// a timeout, 429 or 5xx. The caller
// (search_hybrid) keeps each candidate's pre-rerank score and marks it
// un-reranked rather than failing the whole query.
var rerankRetryConfig = kberrors.RetryConfig{
	MaxRetries:   2,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     4 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// Rerank scores documents against query, retrying failed calls.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	var parsed rerankResponse
	err := kberrors.Retry(ctx, rerankRetryConfig, func() error {
		resp, postErr := r.postRerank(ctx, query, documents)
		if postErr != nil {
			return postErr
		}
		parsed = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]RerankResult, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			continue
		}
		results = append(results, RerankResult{
			Index:    item.Index,
			Score:    item.RelevanceScore,
			Document: documents[item.Index],
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (r *HTTPReranker) postRerank(ctx context.Context, query string, documents []string) (rerankResponse, error) {
	body, err := json.Marshal(rerankRequest{Model: r.Model, Query: query, Documents: documents})
	if err != nil {
		return rerankResponse{}, kberrors.Wrap(kberrors.CodeConfigInvalidValue, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return rerankResponse{}, kberrors.Wrap(kberrors.CodeConfigInvalidValue, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return rerankResponse{}, kberrors.New(kberrors.CodeIOTimeout, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rerankResponse{}, kberrors.New(kberrors.CodeIOServerError,
			fmt.Sprintf("rerank service returned %d", resp.StatusCode), nil)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return rerankResponse{}, kberrors.Wrap(kberrors.CodeCorruptSidecar, err)
	}
	return parsed, nil
}

func (r *HTTPReranker) Available(ctx context.Context) bool {
	return r.URL != ""
}

func (r *HTTPReranker) Close() error { return nil }

var _ Reranker = (*HTTPReranker)(nil)
