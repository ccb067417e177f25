// Package chunk turns a journal entry's raw text into an ordered sequence
// of retrievable chunks, normalizes text prior to embedding, and extracts
// the tag list a file carries on its trailing "Tag:" line.
package chunk

import "context"

// Chunk sizing defaults.
const (
	DefaultMaxChunkTokens = 512 // optimal recall/precision tradeoff for retrieval
	MinChunkTokens        = 100
	tokensPerChar         = 4 // rough cl100k-like approximation
)

// EmptyContentSentinel is substituted for a chunk whose normalized text is
// empty, so every chunk has non-empty content to embed.
const EmptyContentSentinel = "[EMPTY_CONTENT]"

// Chunk is one ordered unit of a file's content, prior to embedding.
// Index is dense and 0-based; Content is already normalized.
type Chunk struct {
	Index   int
	Content string
}

// FileInput is the raw material the chunker splits.
type FileInput struct {
	Path    string
	Content []byte
}

// Chunker splits a file's content into an ordered, deterministic sequence
// of non-empty chunks. The concatenation of the returned chunks' content is
// a superset of the input modulo normalization.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]Chunk, error)
}

func estimateTokens(content string) int {
	n := len(content) / tokensPerChar
	if n == 0 && len(content) > 0 {
		n = 1
	}
	return n
}
