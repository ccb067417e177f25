// Package fusion implements Tag-Boost Fusion: nudging a query vector
// toward the centroid of tags the query's own tag-similarity neighborhood
// suggests, so vector search favors chunks tagged consistently with what
// the query is already about.
package fusion

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/kbe-project/kbe/internal/store"
	"github.com/kbe-project/kbe/internal/taggraph"
)

// Info describes how a fusion was computed, for callers that want to
// surface matched tags alongside a Hit.
type Info struct {
	MatchedTags []string
	Boost       float32
	SpikeCount  int
	TotalScore  float32
}

const seedK = 10

// Fuse computes the fused query vector per the tag-boost algorithm. On any
// failure condition (empty seed search, non-positive total score,
// dimension mismatch) it returns the original queryVec unchanged and a nil
// Info — the documented safe fallback.
func Fuse(ctx context.Context, st store.Store, tagIndex store.ANNIndex, graph *taggraph.Graph,
	queryVec []float32, boost float32, expandMaxCount int) ([]float32, *Info) {

	if boost <= 0 {
		return queryVec, nil
	}

	seedHits, err := tagIndex.Search(queryVec, seedK)
	if err != nil || len(seedHits) == 0 {
		return queryVec, nil
	}

	seedSim := make(map[uint64]float32, len(seedHits))
	seedIDs := make(map[uint64]struct{}, len(seedHits))
	for _, h := range seedHits {
		seedSim[h.ID] = h.Score
		seedIDs[h.ID] = struct{}{}
	}

	type expanded struct {
		tagID   uint64
		coWeight float32
	}

	coScore := make(map[uint64]float32)
	if !graph.Empty() {
		for t1, sim := range seedSim {
			for t2, weight := range graph.Neighbors(t1) {
				if _, isSeed := seedIDs[t2]; isSeed {
					continue
				}
				coScore[t2] += float32(weight) * sim
			}
		}
	}

	var candidates []expanded
	if len(coScore) == 0 {
		// Sparse-graph fallback: treat the seed tags themselves as the
		// expansion set with a synthetic co-weight.
		for tagID := range seedIDs {
			candidates = append(candidates, expanded{tagID: tagID, coWeight: 10})
		}
	} else {
		for tagID, score := range coScore {
			candidates = append(candidates, expanded{tagID: tagID, coWeight: score})
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].coWeight > candidates[j].coWeight })
		if expandMaxCount <= 0 {
			expandMaxCount = 30
		}
		if len(candidates) > expandMaxCount {
			candidates = candidates[:expandMaxCount]
		}
	}

	dim := len(queryVec)
	ctxVec := make([]float32, dim)
	var total float32
	var matchedNames []string

	sparseFallback := len(coScore) == 0

	for _, cand := range candidates {
		tag, terr := st.TagByID(ctx, cand.tagID)
		if terr != nil || tag == nil {
			continue
		}

		globalFreq := 100
		if !sparseFallback {
			freq, ferr := st.TagGlobalFreq(ctx, cand.tagID)
			if ferr != nil {
				continue
			}
			globalFreq = freq
		}

		if len(tag.Vector) != dim {
			slog.Warn("fusion: tag vector dimension mismatch, falling back", slog.Uint64("tag_id", cand.tagID))
			return queryVec, nil
		}

		score := float32(math.Pow(float64(cand.coWeight), 2.5)) / float32(math.Log(float64(globalFreq)+2))
		if math.IsNaN(float64(score)) || math.IsInf(float64(score), 0) {
			score = 0
		}
		if score <= 0 {
			continue
		}

		for i := 0; i < dim; i++ {
			ctxVec[i] += score * tag.Vector[i]
		}
		total += score
		matchedNames = append(matchedNames, tag.Name)
	}

	if total <= 0 {
		return queryVec, nil
	}

	for i := range ctxVec {
		ctxVec[i] /= total
	}
	normalize(ctxVec)

	if len(queryVec) != dim {
		return queryVec, nil
	}

	fused := make([]float32, dim)
	for i := 0; i < dim; i++ {
		fused[i] = (1-boost)*queryVec[i] + boost*ctxVec[i]
	}
	normalize(fused)

	return fused, &Info{
		MatchedTags: matchedNames,
		Boost:       boost,
		SpikeCount:  len(candidates),
		TotalScore:  total,
	}
}

func normalize(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
