package cache

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/cloudwego/eino/components/embedding"
)

// DefaultDimensions of the lexical embedder.
const DefaultDimensions = 256

// LexicalEmbedder is a deterministic hashed bag-of-words embedder used when no embedding model is
// configured. Unigrams and bigrams are hashed into a fixed number of buckets.
type LexicalEmbedder struct {
	Dimensions int
}

var _ embedding.Embedder = LexicalEmbedder{}

func (e LexicalEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	dims := e.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = e.embed(Normalize(text), dims)
	}
	return out, nil
}

func (LexicalEmbedder) embed(normalized string, dims int) []float64 {
	vec := make([]float64, dims)
	terms := tokens(normalized)
	for i, term := range terms {
		vec[bucket(term, dims)] += 1
		if i > 0 {
			vec[bucket(terms[i-1]+" "+term, dims)] += 0.5
		}
	}
	normalize(vec)
	return vec
}

func bucket(term string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return int(h.Sum32() % uint32(dims))
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when they differ in length or either is zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
