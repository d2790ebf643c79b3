package odometry

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mcx/rgbdslam/localmap"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/tracking"
)

// covarianceRegularization is added to the covariance diagonal so a
// degenerate sample set never yields an exactly singular matrix.
const covarianceRegularization = 1e-3

// estimatePoseCovariance estimates the 6x6 pose covariance by Monte-Carlo:
// the inlier features are perturbed by their own stored uncertainty, the
// refinement is rerun on each perturbed copy, and the sample covariance of
// the resulting parameter vectors is returned. Fails when fewer than half
// the perturbations produce a valid pose.
func (o *Optimizer) estimatePoseCovariance(optimizedPose spatialmath.Pose, inliers *localmap.Matches) (*mat.SymDense, error) {
	iterations := o.cfg.Optimization.Ransac.CovarianceIterations
	if iterations <= 0 {
		iterations = 100
	}
	if inliers.Count() == 0 {
		return nil, errors.New("cannot estimate covariance without inliers")
	}

	// draw every perturbed copy up front from the single engine source, so
	// the result only depends on the seed, not on goroutine interleaving
	perturbed := make([]*localmap.Matches, iterations)
	for i := range perturbed {
		perturbed[i] = o.perturbMatches(inliers)
	}

	samples := make([][]float64, iterations)
	var accumulatorMu sync.Mutex
	validCount := 0

	var wait sync.WaitGroup
	for i := 0; i < iterations; i++ {
		wait.Add(1)
		iterCopy := i
		viamutils.PanicCapturingGo(func() {
			defer wait.Done()
			pose, ok := o.optimizePose(optimizedPose, perturbed[iterCopy])
			if !ok {
				return
			}
			delta := spatialmath.ScaledAxisFromQuat(
				quat.Mul(pose.Orientation, quat.Conj(optimizedPose.Orientation)))
			sample := []float64{
				pose.Position.X, pose.Position.Y, pose.Position.Z,
				delta.X, delta.Y, delta.Z,
			}
			accumulatorMu.Lock()
			samples[iterCopy] = sample
			validCount++
			accumulatorMu.Unlock()
		})
	}
	wait.Wait()

	if validCount < iterations/2 {
		return nil, errors.Errorf("only %d of %d covariance iterations converged", validCount, iterations)
	}

	data := mat.NewDense(validCount, 6, nil)
	row := 0
	for _, sample := range samples {
		if sample == nil {
			continue
		}
		data.SetRow(row, sample)
		row++
	}
	covariance := mat.NewSymDense(6, nil)
	stat.CovarianceMatrix(covariance, data, nil)
	for i := 0; i < 6; i++ {
		covariance.SetSym(i, i, covariance.At(i, i)+covarianceRegularization)
	}
	if err := spatialmath.CheckCovariance(covariance); err != nil {
		return nil, errors.Wrap(err, "monte-carlo covariance")
	}
	return covariance, nil
}

// perturbMatches draws a perturbed copy of an inlier set: each feature's
// coordinates move by zero-mean Gaussian noise scaled by the square root of
// its stored covariance diagonal.
func (o *Optimizer) perturbMatches(inliers *localmap.Matches) *localmap.Matches {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(o.rnd.Uint64())}

	out := &localmap.Matches{
		Points:   make([]localmap.PointMatch, len(inliers.Points)),
		Points2D: make([]localmap.Point2DMatch, len(inliers.Points2D)),
		Planes:   make([]localmap.PlaneMatch, len(inliers.Planes)),
	}
	for i, match := range inliers.Points {
		match.World = spatialmath.WorldPoint{
			X: match.World.X + normal.Rand()*match.WorldStdDev.X,
			Y: match.World.Y + normal.Rand()*match.WorldStdDev.Y,
			Z: match.World.Z + normal.Rand()*match.WorldStdDev.Z,
		}
		out.Points[i] = match
	}
	for i, match := range inliers.Points2D {
		// the depth uncertainty is too large to be a useful perturbation;
		// only the bearing angles move
		match.Point.Theta = clampFloat(
			match.Point.Theta+normal.Rand()*match.StateStdDev[tracking.ThetaIndex], 0, math.Pi)
		match.Point.Phi = clampFloat(
			match.Point.Phi+normal.Rand()*match.StateStdDev[tracking.PhiIndex], -math.Pi, math.Pi)
		out.Points2D[i] = match
	}
	for i, match := range inliers.Planes {
		match.World.D += normal.Rand() * math.Sqrt(match.CovarianceDiag.Z)
		out.Planes[i] = match
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
