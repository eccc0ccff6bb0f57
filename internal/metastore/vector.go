package metastore

import (
	"math"

	"github.com/kamusis/persona/internal/errdefs"
)

// Cosine computes cosine similarity between two vectors of equal length.
// A zero vector has similarity 0 with everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errdefs.ErrDimensionMismatch
	}
	var dot float64
	var na float64
	var nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	den := math.Sqrt(na) * math.Sqrt(nb)
	if den == 0 {
		return 0, nil
	}
	return dot / den, nil
}

// CosineDistance is 1 - Cosine(a, b): 0 for identical directions, 2 for opposite ones.
func CosineDistance(a, b []float32) (float64, error) {
	sim, err := Cosine(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}
