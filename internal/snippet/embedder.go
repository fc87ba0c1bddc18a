package snippet

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/fyrsmithlabs/scribed/internal/extraction"
)

// Embedder turns text into a normalized vector for similarity search.
// Real deployments plug in an embedding service; the default below is a
// deterministic term-hash embedding good enough for lexical recall and
// fully offline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder maps token hashes into a fixed-size bag-of-words vector,
// normalized to unit length (the store requires normalized vectors).
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with the given dimension.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

// Embed implements Embedder. Never fails.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range extraction.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dims]++
	}

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq > 0 {
		norm := float32(1 / math.Sqrt(sumSq))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec, nil
}
