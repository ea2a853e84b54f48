package tracking

import "math"

// CongestionScore maps a present-vehicle count onto [0, maxScore]. The score
// is non-decreasing in count and rounded to one decimal place.
func CongestionScore(count int, unitWeight, maxScore float64) float64 {
	if count <= 0 {
		return 0
	}
	score := math.Round(float64(count)*unitWeight*10) / 10
	return math.Min(score, maxScore)
}
