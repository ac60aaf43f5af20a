package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when two vectors cannot be compared.
var ErrInvalidVector = errors.New("invalid embedding vector")

// Cosine returns the cosine similarity of a and b in [-1, 1].
func Cosine(a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("%w: dimensions %d and %d", ErrInvalidVector, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("%w: zero vector", ErrInvalidVector)
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0, fmt.Errorf("%w: non-finite similarity", ErrInvalidVector)
	}
	return min(max(sim, -1), 1), nil
}
