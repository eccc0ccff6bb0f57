package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultHashDim is the vector size of the hash provider when none is configured.
const DefaultHashDim = 384

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields("a an and are as at be by for from has have in is it of on or that the this to was were who will with") {
		stopwords[w] = struct{}{}
	}
}

type hashProvider struct {
	dim int
}

// NewHash returns an offline provider that embeds text with signed feature
// hashing over normalized word tokens. Texts sharing words get a positive
// cosine similarity; texts with disjoint vocabularies are orthogonal.
func NewHash(dim int) Provider {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &hashProvider{dim: dim}
}

func (p *hashProvider) ModelID() string { return "hash:fnv64a/" + strconv.Itoa(p.dim) }

func (p *hashProvider) Dim() int { return p.dim }

func (p *hashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, p.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[sum%uint64(p.dim)] += sign
	}

	var norm2 float64
	for _, x := range vec {
		norm2 += x * x
	}
	out := make([]float32, p.dim)
	if norm2 == 0 {
		return out, nil
	}
	inv := 1 / math.Sqrt(norm2)
	for i, x := range vec {
		out[i] = float32(x * inv)
	}
	return out, nil
}

// tokenize lowercases text and splits it into words of at least two
// characters, dropping stopwords.
func tokenize(text string) []string {
	text = cases.Lower(language.Und).String(norm.NFKC.String(text))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}
