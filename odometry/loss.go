// Package odometry estimates the camera pose from the matched features of
// one frame: a robust Levenberg-Marquardt refinement embedded in a RANSAC
// inlier-selection loop, followed by a Monte-Carlo estimate of the pose
// covariance.
package odometry

import "math"

// welschAlphaCutoff is the alpha below which the generalized loss switches
// to its Welsch limit.
const welschAlphaCutoff = -100

// GeneralizedLoss is Barron's general and adaptive robust loss (2019).
// alpha controls the shape: 2 is L2, 1 Charbonnier, 0 Cauchy, -2
// Geman-McClure and -infinity Welsch. scale is the standard deviation of
// the inlier errors.
func GeneralizedLoss(err, alpha, scale float64) float64 {
	scaledSquaredError := (err * err) / (scale * scale)

	switch {
	case alpha == 2:
		return 0.5 * scaledSquaredError
	case alpha == 0:
		return math.Log(0.5*scaledSquaredError + 1)
	case alpha < welschAlphaCutoff:
		return 1 - math.Exp(-0.5*scaledSquaredError)
	default:
		abs := math.Abs(alpha - 2)
		internal := scaledSquaredError/abs + 1
		return (abs / alpha) * (math.Pow(internal, alpha/2) - 1)
	}
}
