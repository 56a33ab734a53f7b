package audio

import "math"

// RMS returns the root-mean-square amplitude of samples. An empty slice has an
// amplitude of 0. The result is not clamped: a full-scale square wave yields 1.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
