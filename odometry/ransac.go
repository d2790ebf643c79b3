package odometry

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/localmap"
	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
)

// maxRansacIterations caps the iteration count derived from the success
// probability, keeping every frame finite.
const maxRansacIterations = 128

// MatchSets is the inlier/outlier partition produced by the RANSAC loop.
// Outliers are reported as detected-feature indices so the local map can
// stage them as fresh observations.
type MatchSets struct {
	Inliers localmap.Matches

	OutlierPointIndices []int
	OutlierPlaneIndices []int
}

// Optimizer runs the RANSAC-driven pose optimization of one frame.
type Optimizer struct {
	cfg        *config.Config
	intrinsics *transform.PinholeCameraIntrinsics
	rnd        *rand.Rand
	logger     golog.Logger
}

// NewOptimizer returns a pose optimizer.
func NewOptimizer(cfg *config.Config, intrinsics *transform.PinholeCameraIntrinsics, rnd *rand.Rand, logger golog.Logger) *Optimizer {
	return &Optimizer{cfg: cfg, intrinsics: intrinsics, rnd: rnd, logger: logger}
}

// featureRef addresses one match across the three kind-specific lists.
type featureRef struct {
	kind  int // 0 point, 1 point2d, 2 plane
	index int
}

// matchScore is the solvability score of a feature set: each kind
// contributes its count over its declared minimum. A set is solvable when
// the sum reaches one.
func (o *Optimizer) matchScore(points, points2D, planes int) float64 {
	opt := o.cfg.Optimization
	return float64(points)/float64(opt.MinimumPointsForOptimization) +
		float64(points2D)/float64(opt.MinimumPoints2DForOptimization) +
		float64(planes)/float64(opt.MinimumPlanesForOptimization)
}

// ComputeOptimizedPose selects a consensus inlier set over the matches and
// returns the refined pose with its Monte-Carlo covariance. On failure the
// returned pose is the unchanged current pose.
func (o *Optimizer) ComputeOptimizedPose(
	currentPose spatialmath.Pose,
	matches *localmap.Matches,
) (spatialmath.Pose, *MatchSets, error) {
	if o.matchScore(len(matches.Points), len(matches.Points2D), len(matches.Planes)) < 1 {
		return currentPose, nil, errors.Errorf(
			"not enough features for a solvable optimization: %d points, %d 2d points, %d planes",
			len(matches.Points), len(matches.Points2D), len(matches.Planes))
	}

	refs := make([]featureRef, 0, matches.Count())
	for i := range matches.Points {
		refs = append(refs, featureRef{kind: 0, index: i})
	}
	for i := range matches.Points2D {
		refs = append(refs, featureRef{kind: 1, index: i})
	}
	for i := range matches.Planes {
		refs = append(refs, featureRef{kind: 2, index: i})
	}

	iterations := o.ransacIterations()
	bestScore := math.Inf(1)
	var bestPose spatialmath.Pose
	var bestSets *MatchSets
	found := false

	for iter := 0; iter < iterations; iter++ {
		subset := o.drawMinimalSubset(matches, refs)
		pose, ok := o.optimizePose(currentPose, subset)
		if !ok {
			continue
		}

		score, sets := o.scorePose(pose, matches)
		if score < bestScore {
			bestScore = score
			bestPose = pose
			bestSets = sets
			found = true

			inlierProportion := float64(sets.Inliers.Count()) / float64(matches.Count())
			if inlierProportion >= o.cfg.Optimization.Ransac.EarlyStopProportion {
				break
			}
		}
	}

	if !found || o.matchScore(len(bestSets.Inliers.Points), len(bestSets.Inliers.Points2D), len(bestSets.Inliers.Planes)) < 1 {
		return currentPose, nil, errors.New("ransac found no solvable inlier consensus")
	}

	// final refinement over the inlier union; fall back to the best
	// candidate pose when it does not converge
	finalPose := bestPose
	if refined, ok := o.optimizePose(bestPose, &bestSets.Inliers); ok {
		finalPose = refined
		_, bestSets = o.scorePose(finalPose, matches)
	}

	covariance, err := o.estimatePoseCovariance(finalPose, &bestSets.Inliers)
	if err != nil {
		o.logger.Debugw("pose covariance estimation failed", "error", err)
		covariance = currentPose.Covariance
	}
	finalPose.Covariance = covariance
	return finalPose, bestSets, nil
}

// ransacIterations derives the iteration count from the configured success
// probability and inlier fraction.
func (o *Optimizer) ransacIterations() int {
	r := o.cfg.Optimization.Ransac
	minPts := o.cfg.Optimization.MinimumPointsForOptimization
	denominator := math.Log(1 - math.Pow(r.InlierProportion, float64(minPts)))
	if denominator >= 0 {
		return maxRansacIterations
	}
	n := int(math.Ceil(math.Log(1-r.ProbabilityOfSuccess) / denominator))
	if n < 1 {
		return 1
	}
	if n > maxRansacIterations {
		return maxRansacIterations
	}
	return n
}

// drawMinimalSubset samples features without duplicates until the
// solvability score reaches one.
func (o *Optimizer) drawMinimalSubset(matches *localmap.Matches, refs []featureRef) *localmap.Matches {
	shuffled := make([]featureRef, len(refs))
	copy(shuffled, refs)
	o.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	subset := &localmap.Matches{}
	for _, ref := range shuffled {
		switch ref.kind {
		case 0:
			subset.Points = append(subset.Points, matches.Points[ref.index])
		case 1:
			subset.Points2D = append(subset.Points2D, matches.Points2D[ref.index])
		case 2:
			subset.Planes = append(subset.Planes, matches.Planes[ref.index])
		}
		if o.matchScore(len(subset.Points), len(subset.Points2D), len(subset.Planes)) >= 1 {
			break
		}
	}
	return subset
}

// optimizePose runs one LM minimization over a match set. A non-success
// status leaves the caller's pose untouched.
func (o *Optimizer) optimizePose(base spatialmath.Pose, matches *localmap.Matches) (spatialmath.Pose, bool) {
	functor := newPoseFunctor(matches, base, o.intrinsics, &o.cfg.Optimization)
	if functor.residualCount() < 6 {
		return base, false
	}

	x := functor.initialGuess(base)
	opt := o.cfg.Optimization
	status, err := minimizeLM(functor.evaluate, x, functor.residualCount(), LMOptions{
		MaxIterations:  opt.MaximumIterations,
		ErrorPrecision: opt.ErrorPrecision,
		XTol:           opt.SolutionTolerance,
		FTol:           opt.FunctionTolerance,
		GTol:           opt.GradientTolerance,
		Factor:         opt.StepBoundFactor,
	})
	if err != nil || !status.success() {
		o.logger.Debugw("pose optimization did not converge",
			"status", status.String(), "matches", matches.Count(), "error", err)
		return base, false
	}
	return functor.poseAt(x), true
}

// scorePose classifies every match as inlier or outlier under a pose. The
// score sums the per-feature residuals saturated at their kind threshold;
// lower is better.
func (o *Optimizer) scorePose(pose spatialmath.Pose, matches *localmap.Matches) (float64, *MatchSets) {
	w2c := spatialmath.NewWorldToCamera(pose)
	c2w := spatialmath.NewCameraToWorld(pose)
	r := o.cfg.Optimization.Ransac

	score := 0.0
	sets := &MatchSets{}

	for _, match := range matches.Points {
		residual := r.MaxPointInlierErrorPx
		if projected, ok := o.intrinsics.WorldToScreen(match.World, w2c); ok {
			residual = math.Min(projected.Point2D().Distance(match.Screen.Point2D()), r.MaxPointInlierErrorPx)
		}
		score += residual
		if residual < r.MaxPointInlierErrorPx {
			sets.Inliers.Points = append(sets.Inliers.Points, match)
		} else {
			sets.OutlierPointIndices = append(sets.OutlierPointIndices, match.DetectedIndex)
		}
	}

	for _, match := range matches.Points2D {
		residual := math.Min(o.rayDistanceMM(match, c2w), r.MaxPoint2DInlierErrorMM)
		score += residual
		if residual < r.MaxPoint2DInlierErrorMM {
			sets.Inliers.Points2D = append(sets.Inliers.Points2D, match)
		} else {
			sets.OutlierPointIndices = append(sets.OutlierPointIndices, match.DetectedIndex)
		}
	}

	for _, match := range matches.Planes {
		inCamera := match.World.ToCamera(w2c)
		residual := math.Min(math.Abs(inCamera.D-match.Detected.D), r.MaxPlaneInlierErrorMM)
		score += residual
		if residual < r.MaxPlaneInlierErrorMM {
			sets.Inliers.Planes = append(sets.Inliers.Planes, match)
		} else {
			sets.OutlierPlaneIndices = append(sets.OutlierPlaneIndices, match.DetectedIndex)
		}
	}
	return score, sets
}

// rayDistanceMM is the perpendicular distance between the inverse-depth
// estimate and the observed ray, in millimeters.
func (o *Optimizer) rayDistanceMM(match localmap.Point2DMatch, c2w *spatialmath.CameraToWorld) float64 {
	world, _ := match.Point.ToWorld()
	ray := c2w.RotateVector(o.intrinsics.Ray(match.Screen).Vec())
	toPoint := world.Vec().Sub(c2w.Translation())
	along := toPoint.Dot(ray)
	return toPoint.Sub(ray.Mul(along)).Norm()
}
