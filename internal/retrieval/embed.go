package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Name() string
}

// HashDimensions is the width of HashEmbedder vectors.
const HashDimensions = 384

// HashEmbedder is a deterministic, dependency-free embedder using signed
// feature hashing over word tokens and character trigrams.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder of the given width (HashDimensions when <= 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = HashDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Name() string { return "hash" }

// Embed never fails and never blocks.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	v := make([]float64, h.dims)
	for _, w := range tokenize(text) {
		h.add(v, "w:"+w, 1)
		padded := []rune("#" + w + "#")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(v, "t:"+string(padded[i:i+3]), 0.5)
		}
	}
	return normalize(v), nil
}

func (h *HashEmbedder) add(v []float64, feature string, weight float64) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales v to unit length in place. A zero vector stays zero.
func normalize(v []float64) []float64 {
	var sq float64
	for _, x := range v {
		sq += x * x
	}
	if sq == 0 {
		return v
	}
	n := math.Sqrt(sq)
	for i := range v {
		v[i] /= n
	}
	return v
}

// cosine of two unit vectors, clamped to [0,1].
func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return min(max(dot, 0), 1)
}
