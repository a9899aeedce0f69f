package nn

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Softmax returns the normalized exponential of logits, computed in float64
// and shifted by the max for stability.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(vek32.Max(logits))
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// L2Normalize scales v to unit length in place. eps guards the zero vector,
// mirroring F.normalize.
func L2Normalize(v []float32) []float32 {
	const eps = 1e-12
	norm := vek32.Norm(v)
	if norm < eps {
		norm = eps
	}
	vek32.DivNumber_Inplace(v, norm)
	return v
}
