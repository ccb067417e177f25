package embed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]embeddingDatum, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			data[i] = embeddingDatum{Index: i, Embedding: vec}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(embeddingResponse{Data: data}))
	}))
}

func TestHTTPEmbedder_Embed_ReturnsVector(t *testing.T) {
	srv := newEchoServer(t, 4)
	defer srv.Close()

	e := NewHTTPEmbedder(Config{APIURL: srv.URL, Model: "test-model", Dimension: 4})
	vec, err := e.Embed(t.Context(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 4)
	assert.Equal(t, float32(1), vec[0])
}

func TestHTTPEmbedder_EmbedBatch_PreservesOrder(t *testing.T) {
	srv := newEchoServer(t, 4)
	defer srv.Close()

	e := NewHTTPEmbedder(Config{APIURL: srv.URL, Model: "test-model", Dimension: 4})
	vecs, err := e.EmbedBatch(t.Context(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		require.NotNil(t, v)
		assert.Equal(t, float32(i+1), v[0])
	}
}

func TestHTTPEmbedder_EmbedBatch_EmptyInputReturnsNil(t *testing.T) {
	e := NewHTTPEmbedder(Config{APIURL: "http://unused", Model: "m", Dimension: 4})
	vecs, err := e.EmbedBatch(t.Context(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

// Oversize texts are skip-and-filter: the returned slice keeps len(texts)
// entries with a nil gap for the dropped one, not a shortened slice.
func TestHTTPEmbedder_EmbedBatch_OversizeTextIsSkippedNotDropped(t *testing.T) {
	srv := newEchoServer(t, 4)
	defer srv.Close()

	e := NewHTTPEmbedder(Config{
		APIURL:            srv.URL,
		Model:             "test-model",
		Dimension:         4,
		MaxTokensPerBatch: 1,
		SafeTokenFraction: 1,
	})

	huge := strings.Repeat("x", 10000)
	vecs, err := e.EmbedBatch(t.Context(), []string{"short", huge})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotNil(t, vecs[0])
	assert.Nil(t, vecs[1])
}

func TestHTTPEmbedder_Embed_OversizeTextReturnsError(t *testing.T) {
	srv := newEchoServer(t, 4)
	defer srv.Close()

	e := NewHTTPEmbedder(Config{
		APIURL:            srv.URL,
		Model:             "test-model",
		Dimension:         4,
		MaxTokensPerBatch: 1,
		SafeTokenFraction: 1,
	})

	_, err := e.Embed(t.Context(), strings.Repeat("x", 10000))
	require.Error(t, err)
}

func TestHTTPEmbedder_NonRetryableStatus_FailsImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(Config{APIURL: srv.URL, Model: "m", Dimension: 4, RetryAttempts: 3})
	_, err := e.Embed(t.Context(), "hello")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestHTTPEmbedder_ServerError_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		data := []embeddingDatum{{Index: 0, Embedding: []float32{1, 2, 3, 4}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingResponse{Data: data})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(Config{APIURL: srv.URL, Model: "m", Dimension: 4, RetryAttempts: 3, BaseBackoffMS: 1})
	vec, err := e.Embed(t.Context(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vec)
	assert.Equal(t, 2, calls)
}

func TestEstimateTokens_RoughlyCharsOverFour(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 2, estimateTokens("abcdefgh"))
}

func TestPackBatches_NeverSplitsAnItemAcrossBatches(t *testing.T) {
	items := []packedItem{
		{globalIndex: 0, text: "a", tokens: 5},
		{globalIndex: 1, text: "b", tokens: 5},
		{globalIndex: 2, text: "c", tokens: 5},
	}
	batches := packBatches(items, 8, 10)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Len(t, b.items, 1)
	}
}

func TestPackBatches_RespectsMaxItems(t *testing.T) {
	items := []packedItem{
		{globalIndex: 0, text: "a", tokens: 1},
		{globalIndex: 1, text: "b", tokens: 1},
		{globalIndex: 2, text: "c", tokens: 1},
	}
	batches := packBatches(items, 1000, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].items, 2)
	assert.Len(t, batches[1].items, 1)
}
