package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kbe-project/kbe/internal/chunk"
	"github.com/kbe-project/kbe/internal/config"
	"github.com/kbe-project/kbe/internal/registry"
	"github.com/kbe-project/kbe/internal/store"
	"github.com/kbe-project/kbe/internal/taggraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

func vec(first float32) []float32 {
	v := make([]float32, testDim)
	v[0] = first
	return v
}

// countingEmbedder records every text it was asked to embed, the way S2's
// no-embedder-calls-on-unchanged-reingest assertion needs to observe.
type countingEmbedder struct {
	calls int
	texts []string
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts = append(c.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = vec(float32(i + 1))
	}
	return out, nil
}

func (c *countingEmbedder) Dimension() int    { return testDim }
func (c *countingEmbedder) ModelName() string { return "counting" }

type testEnv struct {
	root     string
	p        *Pipeline
	st       store.Store
	indices  *registry.Registry
	tags     *taggraph.Registry
	keyword  *store.KeywordIndex
	embedder *countingEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "kbe.sqlite")
	st, err := store.Open(dbPath, testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	indices := registry.New(st, t.TempDir(), testDim, time.Hour)
	tags := taggraph.New(st)
	keyword, err := store.NewKeywordIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = keyword.Close() })

	embedder := &countingEmbedder{}
	cfg := &config.Config{
		RootPath: root,
		Ingest:   config.Ingest{BatchWindowMS: 50, MaxBatchSize: 50},
	}

	p := New(cfg, st, chunk.NewMarkdownChunker(), embedder, indices, tags, keyword, nil)

	return &testEnv{root: root, p: p, st: st, indices: indices, tags: tags, keyword: keyword, embedder: embedder}
}

func (e *testEnv) writeFile(t *testing.T, relPath, content string) {
	t.Helper()
	full := filepath.Join(e.root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// S1 — ingest a new file: it is chunked, embedded, committed, and readable
// back from the Store.
func TestCommitBatch_NewFile_ChunksEmbedsAndCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeFile(t, "diaryA/a.md", "hello world, this is some content.")

	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	file, err := env.st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, "diaryA", file.DiaryName)

	ids, err := env.st.GetFileChunkIDs(ctx, file.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
	assert.Equal(t, 1, env.embedder.calls)
}

// Property 3 — monotone chunk ids for a freshly ingested multi-chunk file.
func TestCommitBatch_NewFile_ChunkIDsAreMonotone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeFile(t, "diaryA/a.md", "line one.\n\nline two.\n\nline three.")

	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	file, err := env.st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	ids, err := env.st.GetFileChunkIDs(ctx, file.ID)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

// S2 — re-ingesting an unchanged file is a no-op: zero embedder calls.
func TestCommitBatch_UnchangedReingest_IsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeFile(t, "diaryA/a.md", "stable content that never changes.")

	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))
	firstCalls := env.embedder.calls
	require.Greater(t, firstCalls, 0)

	// Re-run diffOne/commitBatch against the identical file: mtime+size
	// match, so it's dropped before any chunk/tag work happens.
	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))
	assert.Equal(t, firstCalls, env.embedder.calls)
}

// Property 6 — idempotent ingestion: re-ingesting a file after a real
// content change replaces its chunk set rather than appending to it.
func TestCommitBatch_ReingestSameNewContent_ReplacesNotDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeFile(t, "diaryA/a.md", "version one of the file.")
	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	file, err := env.st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	firstIDs, err := env.st.GetFileChunkIDs(ctx, file.ID)
	require.NoError(t, err)

	// Touch mtime forward and change content, forcing a real re-chunk.
	time.Sleep(10 * time.Millisecond)
	env.writeFile(t, "diaryA/a.md", "version two of the file, with more words now.")
	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	secondIDs, err := env.st.GetFileChunkIDs(ctx, file.ID)
	require.NoError(t, err)
	assert.NotEqual(t, firstIDs, secondIDs)

	// The file still owns exactly one chunk set; the old rows were replaced,
	// not appended alongside.
	all, err := env.st.GetFileChunkIDs(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, secondIDs, all)
}

// S3 — deletion cascades: handleDelete removes the file and its chunks from
// the Store and out of the diary's ANN index.
func TestHandleDelete_RemovesFileChunksAndIndexEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeFile(t, "diaryA/a.md", "content to be deleted soon.")
	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	file, err := env.st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(env.root, "diaryA/a.md")))

	env.p.handleDelete(ctx, "diaryA/a.md")

	gone, err := env.st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	assert.Nil(t, gone)

	ids, err := env.st.GetFileChunkIDs(ctx, file.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleDelete_UnknownPathIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Must not panic or error even though the path was never ingested.
	env.p.handleDelete(ctx, "diaryA/never-existed.md")
}

// Review fix: re-ingesting a file whose tags already exist in the Store
// must not re-embed those tag names.
func TestCommitBatch_ExistingTags_AreNotReembedded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, err := env.st.GetOrCreateTag(ctx, "alpha", vec(1))
	require.NoError(t, err)

	env.writeFile(t, "diaryA/a.md", "some content about alpha things.\n\nTag: alpha")
	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	for _, texts := range [][]string{env.embedder.texts} {
		for _, text := range texts {
			assert.NotEqual(t, "alpha", text, "existing tag name must not be re-embedded")
		}
	}
}

func TestCommitBatch_NewTag_IsEmbeddedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeFile(t, "diaryA/a.md", "some content about beta things.\n\nTag: beta")
	require.NoError(t, env.p.commitBatch(ctx, []string{"diaryA/a.md"}))

	count := 0
	for _, text := range env.embedder.texts {
		if text == "beta" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestShouldIgnore_FiltersNonMarkdownExtensions(t *testing.T) {
	env := newTestEnv(t)
	assert.True(t, env.p.shouldIgnore("diaryA/notes.bin"))
	assert.False(t, env.p.shouldIgnore("diaryA/notes.md"))
}

func TestShouldIgnore_FiltersConfiguredFolder(t *testing.T) {
	env := newTestEnv(t)
	env.p.ignore.Folders = []string{".git"}
	assert.True(t, env.p.shouldIgnore(".git/config.md"))
}

func TestDiaryNameForPath_TopLevelHasEmptyDiary(t *testing.T) {
	assert.Equal(t, "", diaryNameForPath("root.md"))
	assert.Equal(t, "diaryA", diaryNameForPath("diaryA/a.md"))
}
