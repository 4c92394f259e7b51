package proximity

import "math"

const (
	// DefaultDistance is used when no strength is known for an anchor.
	DefaultDistance = 25.0
	// DefaultTxPower is the expected strength at one meter.
	DefaultTxPower = -59
	// DefaultPathLossExponent models free space.
	DefaultPathLossExponent = 2.0

	maxDistance = 100.0
)

// EstimateDistance converts a strength reading to meters with the
// log-distance path-loss model, clamped to the short-range transport's reach.
func EstimateDistance(strength, txPower int, exponent float64) float64 {
	if exponent <= 0 {
		exponent = DefaultPathLossExponent
	}
	d := math.Pow(10, float64(txPower-strength)/(10*exponent))
	switch {
	case math.IsNaN(d) || d <= 0:
		return DefaultDistance
	case d < 0.5:
		return 0.5
	case d > maxDistance:
		return maxDistance
	}
	return d
}
