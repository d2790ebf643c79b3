package odometry

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/localmap"
	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
)

// point2DAlphaReduction damps the weight of inverse-depth residuals: their
// depth estimate is far noisier than a measured one.
const point2DAlphaReduction = 0.3

// parallelResidualThreshold is the residual count above which evaluation is
// chunked over goroutines.
const parallelResidualThreshold = 64

// poseFunctor evaluates the mixed-feature residual vector of a candidate
// pose. The parameter vector is (tx, ty, tz, rx, ry, rz): an absolute
// position and a scaled-axis rotation delta composed onto the base
// orientation, so (0, 0, 0) means no rotation change.
type poseFunctor struct {
	points   []localmap.PointMatch
	points2D []localmap.Point2DMatch
	planes   []localmap.PlaneMatch

	baseOrientation quat.Number
	intrinsics      *transform.PinholeCameraIntrinsics
	cfg             *config.Optimization
}

func newPoseFunctor(
	matches *localmap.Matches,
	basePose spatialmath.Pose,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg *config.Optimization,
) *poseFunctor {
	return &poseFunctor{
		points:          matches.Points,
		points2D:        matches.Points2D,
		planes:          matches.Planes,
		baseOrientation: basePose.Orientation,
		intrinsics:      intrinsics,
		cfg:             cfg,
	}
}

func (f *poseFunctor) residualCount() int {
	return 2*len(f.points) + 2*len(f.points2D) + 3*len(f.planes)
}

func (f *poseFunctor) initialGuess(basePose spatialmath.Pose) []float64 {
	return []float64{basePose.Position.X, basePose.Position.Y, basePose.Position.Z, 0, 0, 0}
}

func (f *poseFunctor) poseAt(x []float64) spatialmath.Pose {
	delta := spatialmath.QuatFromScaledAxis(r3.Vector{X: x[3], Y: x[4], Z: x[5]})
	return spatialmath.NewPose(
		r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		quat.Mul(delta, f.baseOrientation),
	)
}

// evaluate fills the residual vector at x. Shared state is read-only; each
// feature writes only its own slots, so chunked parallel evaluation keeps a
// deterministic result.
func (f *poseFunctor) evaluate(x, out []float64) error {
	if len(out) != f.residualCount() {
		return errors.Errorf("residual buffer size %d, want %d", len(out), f.residualCount())
	}
	pose := f.poseAt(x)
	w2c := spatialmath.NewWorldToCamera(pose)

	pointWeight := math.Sqrt(f.cfg.PointErrorMultiplier / math.Max(float64(len(f.points)), 1))
	point2DWeight := point2DAlphaReduction *
		math.Sqrt(f.cfg.PointErrorMultiplier/math.Max(float64(len(f.points2D)), 1))

	work := func(i int) {
		switch {
		case i < len(f.points):
			eu, ev := f.pointResidual(f.points[i], w2c)
			out[2*i] = pointWeight * f.loss(eu)
			out[2*i+1] = pointWeight * f.loss(ev)
		case i < len(f.points)+len(f.points2D):
			j := i - len(f.points)
			eu, ev := f.point2DResidual(f.points2D[j], w2c)
			base := 2*len(f.points) + 2*j
			out[base] = point2DWeight * f.loss(eu)
			out[base+1] = point2DWeight * f.loss(ev)
		default:
			j := i - len(f.points) - len(f.points2D)
			residual := f.planeResidual(f.planes[j], w2c)
			base := 2*len(f.points) + 2*len(f.points2D) + 3*j
			out[base] = residual.X
			out[base+1] = residual.Y
			out[base+2] = residual.Z
		}
	}

	featureCount := len(f.points) + len(f.points2D) + len(f.planes)
	if f.residualCount() < parallelResidualThreshold {
		for i := 0; i < featureCount; i++ {
			work(i)
		}
		return nil
	}

	workers := 4
	chunk := (featureCount + workers - 1) / workers
	var wait sync.WaitGroup
	for w := 0; w < workers; w++ {
		from := w * chunk
		to := from + chunk
		if to > featureCount {
			to = featureCount
		}
		if from >= to {
			continue
		}
		wait.Add(1)
		fromCopy, toCopy := from, to
		viamutils.PanicCapturingGo(func() {
			defer wait.Done()
			for i := fromCopy; i < toCopy; i++ {
				work(i)
			}
		})
	}
	wait.Wait()
	return nil
}

func (f *poseFunctor) loss(err float64) float64 {
	return GeneralizedLoss(err, f.cfg.PointLossAlpha, f.cfg.PointLossScale)
}

// pointResidual is the 2D screen retroprojection error of a 3D point match.
// A point projecting behind the camera saturates the residual.
func (f *poseFunctor) pointResidual(match localmap.PointMatch, w2c *spatialmath.WorldToCamera) (float64, float64) {
	projected, ok := f.intrinsics.WorldToScreen(match.World, w2c)
	if !ok {
		return f.cfg.PointLossScale, f.cfg.PointLossScale
	}
	return match.Screen.U - projected.U, match.Screen.V - projected.V
}

// point2DResidual is the signed screen distance between the observation and
// the retroprojected inverse-depth estimate.
func (f *poseFunctor) point2DResidual(match localmap.Point2DMatch, w2c *spatialmath.WorldToCamera) (float64, float64) {
	world, _ := match.Point.ToWorld()
	projected, ok := f.intrinsics.WorldToScreen(world, w2c)
	if !ok {
		return f.cfg.PointLossScale, f.cfg.PointLossScale
	}
	return match.Screen.U - projected.U, match.Screen.V - projected.V
}

// planeResidual is the (angleX, angleY, distance) error between the world
// plane transformed to camera frame and the observed plane, scaled by the
// per-feature covariance diagonals.
func (f *poseFunctor) planeResidual(match localmap.PlaneMatch, w2c *spatialmath.WorldToCamera) r3.Vector {
	inCamera := match.World.ToCamera(w2c)
	distance := inCamera.ReducedSignedDistance(match.Detected)
	return r3.Vector{
		X: distance.X / math.Sqrt(match.CovarianceDiag.X),
		Y: distance.Y / math.Sqrt(match.CovarianceDiag.Y),
		Z: distance.Z / math.Sqrt(match.CovarianceDiag.Z),
	}
}
