// Package retriever implements the Retriever's public search operations:
// pure vector search (with optional Tag-Boost Fusion), a BM25-prefiltered
// hybrid search, and a tag-text convenience search.
package retriever

import (
	"context"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kbe-project/kbe/internal/embed"
	"github.com/kbe-project/kbe/internal/fusion"
	"github.com/kbe-project/kbe/internal/registry"
	"github.com/kbe-project/kbe/internal/search"
	"github.com/kbe-project/kbe/internal/store"
	"github.com/kbe-project/kbe/internal/taggraph"
)

// Hit is one retrieval result.
type Hit struct {
	Text          string
	Score         float32
	SourceFile    string
	MatchedTags   []string
	TagMatchCount int
	Reranked      bool
}

// Retriever answers vector and hybrid search queries against the Store,
// the Index Registry, and the tag co-occurrence graph.
type Retriever struct {
	st        store.Store
	indices   *registry.Registry
	tags      *taggraph.Registry
	keyword   *store.KeywordIndex
	embedder  embed.Embedder
	reranker  search.Reranker
	expandMax int
}

// New builds a Retriever. reranker may be nil (rerank is always opt-in via
// HybridOptions.Rerank).
func New(st store.Store, indices *registry.Registry, tags *taggraph.Registry,
	keyword *store.KeywordIndex, embedder embed.Embedder, reranker search.Reranker, tagExpandMaxCount int) *Retriever {
	return &Retriever{
		st:        st,
		indices:   indices,
		tags:      tags,
		keyword:   keyword,
		embedder:  embedder,
		reranker:  reranker,
		expandMax: tagExpandMaxCount,
	}
}

// SearchVector implements search_vector: optional Tag-Boost Fusion, then
// per-diary or parallel-global ANN search, then hydration.
func (r *Retriever) SearchVector(ctx context.Context, diary string, queryVec []float32, k int, tagBoost float32) ([]Hit, error) {
	effective := queryVec
	var fusionInfo *fusion.Info
	if tagBoost > 0 {
		tagIdx, err := r.indices.GlobalTagIndex(ctx)
		if err == nil {
			effective, fusionInfo = fusion.Fuse(ctx, r.st, tagIdx, r.tags.Snapshot(), queryVec, tagBoost, r.expandMax)
		}
	}

	scored, err := r.vectorSearch(ctx, diary, effective, k)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, scored, fusionInfo)
}

func (r *Retriever) vectorSearch(ctx context.Context, diary string, vec []float32, k int) ([]store.ScoredID, error) {
	if diary != "" {
		idx, err := r.indices.GetOrLoadDiary(ctx, diary)
		if err != nil {
			return nil, err
		}
		return idx.Search(vec, k)
	}

	diaries, err := r.st.ListDiaries(ctx)
	if err != nil {
		return nil, err
	}

	// One task per diary index, fully independent of the others; a single
	// diary's search failure does not abort the rest of the fan-out.
	results := make([][]store.ScoredID, len(diaries))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, name := range diaries {
		i, name := i, name
		group.Go(func() error {
			idx, err := r.indices.GetOrLoadDiary(groupCtx, name)
			if err != nil {
				return nil
			}
			hits, err := idx.Search(vec, k)
			if err != nil {
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = group.Wait()

	var merged []store.ScoredID
	for _, hits := range results {
		merged = append(merged, hits...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// SearchTagText embeds query text and searches the global tag index,
// returning matched tag names as hits (Text carries the tag name).
func (r *Retriever) SearchTagText(ctx context.Context, queryText string, k int) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}
	tagIdx, err := r.indices.GlobalTagIndex(ctx)
	if err != nil {
		return nil, err
	}
	scored, err := tagIdx.Search(vec, k)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(scored))
	for _, s := range scored {
		tag, err := r.st.TagByID(ctx, s.ID)
		if err != nil || tag == nil {
			continue
		}
		hits = append(hits, Hit{Text: tag.Name, Score: s.Score})
	}
	return hits, nil
}

func (r *Retriever) hydrate(ctx context.Context, scored []store.ScoredID, info *fusion.Info) ([]Hit, error) {
	if len(scored) == 0 {
		return nil, nil
	}
	ids := make([]uint64, len(scored))
	scoreByID := make(map[uint64]float32, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
		scoreByID[s.ID] = s.Score
	}

	rows, err := r.st.HydrateChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	type scoredHit struct {
		hit     Hit
		chunkID uint64
	}
	scoredHits := make([]scoredHit, 0, len(rows))
	for _, row := range rows {
		h := Hit{
			Text:       row.Text,
			Score:      scoreByID[row.ChunkID],
			SourceFile: row.SourcePath,
		}
		if info != nil {
			h.MatchedTags = info.MatchedTags
			h.TagMatchCount = len(info.MatchedTags)
		}
		scoredHits = append(scoredHits, scoredHit{hit: h, chunkID: row.ChunkID})
	}
	sort.Slice(scoredHits, func(i, j int) bool {
		if scoredHits[i].hit.Score != scoredHits[j].hit.Score {
			return scoredHits[i].hit.Score > scoredHits[j].hit.Score
		}
		return scoredHits[i].chunkID < scoredHits[j].chunkID
	})

	hits := make([]Hit, len(scoredHits))
	for i, sh := range scoredHits {
		hits[i] = sh.hit
	}
	return hits, nil
}

// HybridOptions configures search_hybrid.
type HybridOptions struct {
	Diaries         []string // empty means no diary filter
	SignaturePrefix string   // first line must contain this string if non-empty
	Rerank          bool
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75

	rerankBatchSize = 32
)

type candidateDoc struct {
	chunkID   uint64
	content   string
	vector    []float32
	diaryName string
}

type scoredDoc struct {
	doc   candidateDoc
	bm25  float32
	vec   float32
	final float32
}

// SearchHybrid implements the BM25-prefiltered hybrid search: gather
// keyword-recall candidates, score them by hand with BM25, blend with
// cosine similarity against the query embedding, optionally rerank, then
// hydrate.
func (r *Retriever) SearchHybrid(ctx context.Context, queryText string, k int, opts HybridOptions) ([]Hit, error) {
	tokens := store.Tokenize(queryText)
	tokens = search.ExpandTokens(tokens)

	candidateIDs, err := r.gatherCandidates(ctx, tokens, k)
	if err != nil {
		return nil, err
	}
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	docs, err := r.loadCandidateDocs(ctx, candidateIDs, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	bm25Scores := computeBM25(tokens, docs)

	ranked := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		score := bm25Scores[d.chunkID]
		if score <= 0 {
			continue
		}
		ranked = append(ranked, scoredDoc{doc: d, bm25: score})
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].bm25 > ranked[j].bm25 })
	if len(ranked) > 3*k {
		ranked = ranked[:3*k]
	}

	queryVec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		ranked[i].vec = cosine(queryVec, ranked[i].doc.vector)
		ranked[i].final = 0.6*ranked[i].bm25 + 0.4*ranked[i].vec
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].final > ranked[j].final })
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	reranked := make(map[uint64]bool)
	if opts.Rerank && r.reranker != nil {
		r.applyRerank(ctx, queryText, ranked, reranked)
	}

	ids := make([]uint64, len(ranked))
	scoreByID := make(map[uint64]float32, len(ranked))
	for i, rd := range ranked {
		ids[i] = rd.doc.chunkID
		scoreByID[rd.doc.chunkID] = rd.final
	}

	rows, err := r.st.HydrateChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	type scoredHit struct {
		hit     Hit
		chunkID uint64
	}
	scoredHits := make([]scoredHit, 0, len(rows))
	for _, row := range rows {
		scoredHits = append(scoredHits, scoredHit{
			hit: Hit{
				Text:       row.Text,
				Score:      scoreByID[row.ChunkID],
				SourceFile: row.SourcePath,
				Reranked:   reranked[row.ChunkID],
			},
			chunkID: row.ChunkID,
		})
	}
	sort.Slice(scoredHits, func(i, j int) bool {
		if scoredHits[i].hit.Score != scoredHits[j].hit.Score {
			return scoredHits[i].hit.Score > scoredHits[j].hit.Score
		}
		return scoredHits[i].chunkID < scoredHits[j].chunkID
	})

	hits := make([]Hit, len(scoredHits))
	for i, sh := range scoredHits {
		hits[i] = sh.hit
	}
	return hits, nil
}

// applyRerank reranks in fixed batches of rerankBatchSize documents; the
// batch size does not depend on the documents' token counts. A batch whose rerank call
// fails keeps its pre-rerank final scores and stays unmarked, per the
// documented per-batch-failure fallback.
func (r *Retriever) applyRerank(ctx context.Context, queryText string, ranked []scoredDoc, reranked map[uint64]bool) {
	for start := 0; start < len(ranked); start += rerankBatchSize {
		end := start + rerankBatchSize
		if end > len(ranked) {
			end = len(ranked)
		}
		batch := ranked[start:end]

		docs := make([]string, len(batch))
		for i, b := range batch {
			docs[i] = b.doc.content
		}

		results, err := r.reranker.Rerank(ctx, queryText, docs, 0)
		if err != nil {
			continue
		}
		for _, res := range results {
			if res.Index < 0 || res.Index >= len(batch) {
				continue
			}
			batch[res.Index].final = float32(res.Score)
			reranked[batch[res.Index].doc.chunkID] = true
		}
	}
}

func (r *Retriever) gatherCandidates(ctx context.Context, tokens []string, k int) ([]uint64, error) {
	if r.keyword == nil {
		return nil, nil
	}
	limit := 10 * k
	if limit < 200 {
		limit = 200
	}
	return r.keyword.Candidates(ctx, tokens, limit)
}

func (r *Retriever) loadCandidateDocs(ctx context.Context, ids []uint64, opts HybridOptions) ([]candidateDoc, error) {
	rows, err := r.st.HydrateChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(opts.Diaries))
	for _, d := range opts.Diaries {
		allowed[d] = true
	}

	diarySet := map[string]bool{}
	for _, row := range rows {
		diarySet[row.DiaryName] = true
	}
	vecByID := make(map[uint64][]float32, len(ids))
	for d := range diarySet {
		_ = r.st.IterChunks(ctx, d, func(rec store.ChunkRecord) error {
			vecByID[rec.ID] = rec.Vector
			return nil
		})
	}

	docs := make([]candidateDoc, 0, len(rows))
	for _, row := range rows {
		if len(opts.Diaries) > 0 && !allowed[row.DiaryName] {
			continue
		}
		if opts.SignaturePrefix != "" {
			firstLine := row.Text
			if idx := strings.IndexByte(row.Text, '\n'); idx >= 0 {
				firstLine = row.Text[:idx]
			}
			if !strings.Contains(firstLine, opts.SignaturePrefix) {
				continue
			}
		}
		docs = append(docs, candidateDoc{
			chunkID:   row.ChunkID,
			content:   row.Text,
			vector:    vecByID[row.ChunkID],
			diaryName: row.DiaryName,
		})
	}
	return docs, nil
}

// computeBM25 scores every doc against tokens with k1=1.5, b=0.75, IDF
// computed over the candidate set itself (not the whole corpus).
func computeBM25(tokens []string, docs []candidateDoc) map[uint64]float32 {
	n := len(docs)
	if n == 0 {
		return nil
	}

	docTokens := make([][]string, n)
	var totalLen float64
	for i, d := range docs {
		docTokens[i] = store.Tokenize(d.content)
		totalLen += float64(len(docTokens[i]))
	}
	avgLen := totalLen / float64(n)

	df := make(map[string]int)
	for _, dt := range docTokens {
		seen := make(map[string]bool)
		for _, tok := range dt {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			df[tok]++
		}
	}

	idf := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		d := df[tok]
		idf[tok] = math.Log(1 + (float64(n)-float64(d)+0.5)/(float64(d)+0.5))
	}

	scores := make(map[uint64]float32, n)
	for i, d := range docs {
		tf := make(map[string]int)
		for _, tok := range docTokens[i] {
			tf[tok]++
		}
		docLen := float64(len(docTokens[i]))

		var score float64
		for _, tok := range tokens {
			f := float64(tf[tok])
			if f == 0 {
				continue
			}
			numerator := f * (bm25K1 + 1)
			denominator := f + bm25K1*(1-bm25B+bm25B*docLen/avgLen)
			score += idf[tok] * numerator / denominator
		}
		scores[d.chunkID] = float32(score)
	}
	return scores
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
