package memory

import (
	"math"
	"time"

	"github.com/rcliao/persona-fleet/internal/embedding"
)

// Score is cosine(query, vec) * exp(-decayRate * ageHours / 24). It reports
// false when vec cannot be scored: missing, a different length than query,
// or zero-norm. Such records are excluded rather than scored as zero.
func Score(query, vec []float32, age time.Duration, decayRate float64) (float64, bool) {
	if len(vec) == 0 || len(vec) != len(query) {
		return 0, false
	}
	if embedding.Norm(vec) == 0 || embedding.Norm(query) == 0 {
		return 0, false
	}
	return embedding.CosineSimilarity(query, vec) * Decay(age, decayRate), true
}

// Decay is a record's importance at the given age: 1.0 when new, falling
// by exp(-decayRate) per day.
func Decay(age time.Duration, decayRate float64) float64 {
	if age < 0 {
		age = 0
	}
	return math.Exp(-decayRate * age.Hours() / 24)
}
