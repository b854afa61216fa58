package memory

import (
	"math"
	"sort"
	"sync"
)

// vectorIndex is an in-process similarity index over fact embeddings. Vectors
// live in a map guarded by an RWMutex; search is a linear scan scored by
// cosine similarity. At the scale of a per-user fact log this comfortably
// beats running a vector database.
type vectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

type scoredID struct {
	id    string
	score float64
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{vectors: make(map[string][]float32)}
}

func (idx *vectorIndex) put(id string, vec []float32) {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors[id] = cp
}

func (idx *vectorIndex) contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.vectors[id]
	return ok
}

func (idx *vectorIndex) len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// search returns the limit closest entries to query, highest similarity
// first. Entries with no overlap direction (zero or mismatched vectors) are
// skipped.
func (idx *vectorIndex) search(query []float32, limit int) []scoredID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]scoredID, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		score := cosine(query, vec)
		if score <= 0 {
			continue
		}
		hits = append(hits, scoredID{id: id, score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// cosine computes the cosine similarity of two vectors. Mismatched lengths
// and zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
