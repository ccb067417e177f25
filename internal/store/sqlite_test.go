package store

import (
	"context"
	"path/filepath"
	"testing"

	kberrors "github.com/kbe-project/kbe/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

func vec(first float32) []float32 {
	v := make([]float32, testDim)
	v[0] = first
	return v
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbe.sqlite")
	st, err := Open(path, testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// --- S1/S3-adjacent: file + chunk lifecycle ---

func TestSqliteStore_UpsertFile_InsertThenUpdate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id1, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)
	assert.NotZero(t, id1)

	// Given: the same rel_path touched again with new metadata
	id2, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum2", 200, 20)
	require.NoError(t, err)

	// Then: the row is updated in place, not duplicated
	assert.Equal(t, id1, id2)

	f, err := st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "sum2", f.Checksum)
	assert.Equal(t, int64(200), f.MTimeMS)
}

func TestSqliteStore_ReplaceChunks_ReturnsIDsOfStoredChunks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)

	writes := []ChunkWrite{
		{Index: 0, Text: "first", Vector: vec(1)},
		{Index: 1, Text: "second", Vector: vec(2)},
		{Index: 2, Text: "third", Vector: nil},
	}
	ids, err := st.ReplaceChunks(ctx, fileID, writes)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	gotIDs, err := st.GetFileChunkIDs(ctx, fileID)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, gotIDs)
}

func TestSqliteStore_ReplaceChunks_ReplacesPriorSet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)

	_, err = st.ReplaceChunks(ctx, fileID, []ChunkWrite{{Index: 0, Text: "old", Vector: vec(1)}})
	require.NoError(t, err)

	newIDs, err := st.ReplaceChunks(ctx, fileID, []ChunkWrite{{Index: 0, Text: "new", Vector: vec(2)}})
	require.NoError(t, err)

	gotIDs, err := st.GetFileChunkIDs(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, newIDs, gotIDs)
}

// --- Cascade on delete (TESTABLE PROPERTY 5 / S3) ---

func TestSqliteStore_DeleteFile_CascadesChunksAndTags(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)
	_, err = st.ReplaceChunks(ctx, fileID, []ChunkWrite{{Index: 0, Text: "body", Vector: vec(1)}})
	require.NoError(t, err)

	tagID, _, err := st.GetOrCreateTag(ctx, "foo", vec(1))
	require.NoError(t, err)
	tagID2, _, err := st.GetOrCreateTag(ctx, "bar", vec(2))
	require.NoError(t, err)
	require.NoError(t, st.ReplaceFileTags(ctx, fileID, []uint64{tagID, tagID2}))

	before, err := st.TagGraphEdges(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	require.NoError(t, st.DeleteFile(ctx, fileID))

	f, err := st.GetFileByRelPath(ctx, "diaryA/a.md")
	require.NoError(t, err)
	assert.Nil(t, f)

	chunkIDs, err := st.GetFileChunkIDs(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, chunkIDs)

	edges, err := st.TagGraphEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

// --- Dimension discipline (TESTABLE PROPERTY 2) ---

func TestSqliteStore_ReplaceChunks_RejectsWrongDimension(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)

	_, err = st.ReplaceChunks(ctx, fileID, []ChunkWrite{
		{Index: 0, Text: "bad", Vector: []float32{1, 2, 3}},
	})
	require.Error(t, err)
	assert.Equal(t, kberrors.CodeQueryDimMismatch, kberrors.GetCode(err))

	// Then: nothing was durably written
	chunkIDs, err := st.GetFileChunkIDs(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, chunkIDs)
}

func TestSqliteStore_GetOrCreateTag_RejectsWrongDimension(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, _, err := st.GetOrCreateTag(ctx, "badtag", []float32{1, 2})
	require.Error(t, err)
	assert.Equal(t, kberrors.CodeQueryDimMismatch, kberrors.GetCode(err))

	tag, err := st.TagByName(ctx, "badtag")
	require.NoError(t, err)
	assert.Nil(t, tag, "malformed vector must not be durably written")
}

func TestSqliteStore_SetTagVector_RejectsWrongDimension(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tagID, _, err := st.GetOrCreateTag(ctx, "goodtag", nil)
	require.NoError(t, err)

	err = st.SetTagVector(ctx, tagID, []float32{1})
	require.Error(t, err)
	assert.Equal(t, kberrors.CodeQueryDimMismatch, kberrors.GetCode(err))
}

func TestSqliteStore_KVPut_RejectsWrongDimension(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.KVPut(ctx, "diaryA", []float32{1, 2, 3, 4})
	require.Error(t, err)
	assert.Equal(t, kberrors.CodeQueryDimMismatch, kberrors.GetCode(err))

	_, ok, err := st.KVGet(ctx, "diaryA")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSqliteStore_NilVectorsAlwaysAccepted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)

	// A chunk not yet embedded carries a nil vector; this must never fail
	// closed the way a malformed non-nil vector does.
	_, err = st.ReplaceChunks(ctx, fileID, []ChunkWrite{{Index: 0, Text: "body", Vector: nil}})
	require.NoError(t, err)

	_, _, err = st.GetOrCreateTag(ctx, "untouched", nil)
	require.NoError(t, err)
}

// --- Tag lookups (GetOrCreateTag contract + new TagByName) ---

func TestSqliteStore_GetOrCreateTag_ReportsWasNewOnlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id1, wasNew1, err := st.GetOrCreateTag(ctx, "foo", vec(1))
	require.NoError(t, err)
	assert.True(t, wasNew1)

	id2, wasNew2, err := st.GetOrCreateTag(ctx, "foo", vec(99))
	require.NoError(t, err)
	assert.False(t, wasNew2)
	assert.Equal(t, id1, id2)

	// The second call's vector must be discarded, not applied.
	tag, err := st.TagByID(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, float32(1), tag.Vector[0])
}

func TestSqliteStore_TagByName_MissingReturnsNilNoError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tag, err := st.TagByName(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, tag)
}

func TestSqliteStore_TagByName_FindsExistingTag(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, _, err := st.GetOrCreateTag(ctx, "findme", vec(3))
	require.NoError(t, err)

	tag, err := st.TagByName(ctx, "findme")
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, id, tag.ID)
}

// --- Hydrate / Iter round trips ---

func TestSqliteStore_HydrateChunks_ReturnsRequestedFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)
	ids, err := st.ReplaceChunks(ctx, fileID, []ChunkWrite{{Index: 0, Text: "alpha bravo", Vector: vec(1)}})
	require.NoError(t, err)

	rows, err := st.HydrateChunks(ctx, ids)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alpha bravo", rows[0].Text)
	assert.Equal(t, "diaryA/a.md", rows[0].SourcePath)
	assert.Equal(t, "diaryA", rows[0].DiaryName)
}

func TestSqliteStore_IterChunks_SkipsNullVectorsAndFiltersByDiary(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileA, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)
	_, err = st.ReplaceChunks(ctx, fileA, []ChunkWrite{
		{Index: 0, Text: "embedded", Vector: vec(1)},
		{Index: 1, Text: "not embedded yet", Vector: nil},
	})
	require.NoError(t, err)

	fileB, err := st.UpsertFile(ctx, "diaryB/b.md", "diaryB", "sum2", 100, 10)
	require.NoError(t, err)
	_, err = st.ReplaceChunks(ctx, fileB, []ChunkWrite{{Index: 0, Text: "other diary", Vector: vec(2)}})
	require.NoError(t, err)

	var seen []ChunkRecord
	err = st.IterChunks(ctx, "diaryA", func(rec ChunkRecord) error {
		seen = append(seen, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "diaryA", seen[0].DiaryName)
}

func TestSqliteStore_KVPutGet_RoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	v := vec(5)
	require.NoError(t, st.KVPut(ctx, "diaryA", v))

	got, ok, err := st.KVGet(ctx, "diaryA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v, got)

	// Overwrite on conflict.
	v2 := vec(9)
	require.NoError(t, st.KVPut(ctx, "diaryA", v2))
	got2, ok2, err := st.KVGet(ctx, "diaryA")
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, v2, got2)
}

func TestSqliteStore_TagGraphEdges_SymmetricCoOccurrence(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	fileID, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "sum1", 100, 10)
	require.NoError(t, err)
	fooID, _, err := st.GetOrCreateTag(ctx, "foo", nil)
	require.NoError(t, err)
	barID, _, err := st.GetOrCreateTag(ctx, "bar", nil)
	require.NoError(t, err)
	require.NoError(t, st.ReplaceFileTags(ctx, fileID, []uint64{fooID, barID}))

	edges, err := st.TagGraphEdges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, edges[fooID][barID])
	assert.Equal(t, 1, edges[barID][fooID])
}

func TestSqliteStore_ListDiaries_DistinctNames(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertFile(ctx, "diaryA/a.md", "diaryA", "s1", 1, 1)
	require.NoError(t, err)
	_, err = st.UpsertFile(ctx, "diaryA/b.md", "diaryA", "s2", 1, 1)
	require.NoError(t, err)
	_, err = st.UpsertFile(ctx, "diaryB/c.md", "diaryB", "s3", 1, 1)
	require.NoError(t, err)

	diaries, err := st.ListDiaries(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"diaryA", "diaryB"}, diaries)
}
