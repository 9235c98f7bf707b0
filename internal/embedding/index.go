// Package embedding provides an in-memory cosine similarity index over
// signal embedding vectors.
package embedding

import (
	"math"
	"sort"
	"sync"
)

// Match is a single similarity hit.
type Match struct {
	ID    int64
	Score float64
}

// Index stores L2-normalized vectors keyed by signal id. Reads take a shared
// lock; Add is the only writer.
type Index struct {
	mu      sync.RWMutex
	dim     int
	vectors map[int64][]float64
}

// NewIndex creates an index for vectors of the given dimension.
func NewIndex(dim int) *Index {
	if dim <= 0 {
		dim = 384
	}
	return &Index{dim: dim, vectors: make(map[int64][]float64)}
}

// Add inserts or replaces the vector for a signal. Vectors longer than the
// index dimension are truncated, shorter ones zero-padded, then L2-normalized.
// Zero vectors are ignored.
func (ix *Index) Add(id int64, vector []float64) {
	if len(vector) == 0 {
		return
	}

	v := make([]float64, ix.dim)
	copy(v, vector)

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}

	ix.mu.Lock()
	ix.vectors[id] = v
	ix.mu.Unlock()
}

// Remove drops a signal's vector if present.
func (ix *Index) Remove(id int64) {
	ix.mu.Lock()
	delete(ix.vectors, id)
	ix.mu.Unlock()
}

// Search returns up to k matches most similar to the query vector, descending
// by cosine similarity. The signal identified by excludeID is skipped.
func (ix *Index) Search(query []float64, k int, excludeID int64) []Match {
	if len(query) == 0 || k <= 0 {
		return nil
	}

	q := make([]float64, ix.dim)
	copy(q, query)
	var norm float64
	for _, x := range q {
		norm += x * x
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for i := range q {
		q[i] /= norm
	}

	ix.mu.RLock()
	matches := make([]Match, 0, len(ix.vectors))
	for id, v := range ix.vectors {
		if id == excludeID {
			continue
		}
		var dot float64
		for i := range v {
			dot += v[i] * q[i]
		}
		matches = append(matches, Match{ID: id, Score: dot})
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len reports the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}
