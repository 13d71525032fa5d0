package knowledge

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-dimensionality vector. Real deployments
// plug a model-backed implementation in here; the engine only requires
// that semantically similar text maps to similar vectors.
type Embedder interface {
	Embed(text string) []float32
	Dim() int
}

// DefaultEmbeddingDim is the dimensionality of the bundled hashing
// embedder.
const DefaultEmbeddingDim = 256

// HashingEmbedder is a deterministic feature-hashing embedder: each token
// is hashed into a signed bucket and the result is L2-normalized. Texts
// sharing vocabulary land close under cosine similarity, which is all the
// retrieval layer needs.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dim() int { return e.dim }

func (e *HashingEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dim))
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
}

// cosine returns the cosine similarity of two vectors. Mismatched lengths
// score zero rather than erroring: a dimensionality change mid-corpus is a
// configuration bug, not something to crash retrieval over.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// clampScore maps cosine similarity onto the [0,1] relevance scale where
// 1.0 is identical. Anti-correlated vectors clamp to zero.
func clampScore(sim float64) float64 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
