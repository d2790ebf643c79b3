// Package config holds the camera calibration and the tunable parameters of
// the SLAM engine. A configuration that fails validation is fatal at engine
// construction; everything downstream assumes a valid config.
package config

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Camera models a single pinhole camera calibration, in pixels.
type Camera struct {
	FocalX  float64 `json:"focal_x"`
	FocalY  float64 `json:"focal_y"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
}

// Vec3Config is a 3-vector in configuration files. Distances are in
// millimeters, angles in radians.
type Vec3Config struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Matching groups the keypoint association parameters.
type Matching struct {
	SearchRadiusPx           float64 `json:"match_search_radius_px"`
	SearchCellSizePx         int     `json:"match_search_cell_size_px"`
	MaxMatchDistance         float64 `json:"max_match_distance"`
	KeypointRefreshFrequency int     `json:"keypoint_refresh_frequency"`
}

// Detection groups the primitive and inverse-depth detection parameters.
type Detection struct {
	DepthMapPatchSizePx    int     `json:"depth_map_patch_size_px"`
	MinimumPlaneSeedCount  int     `json:"minimum_plane_seed_count"`
	MinimumCellActivated   int     `json:"minimum_cell_activated"`
	MaximumCosAngle        float64 `json:"primitive_maximum_cos_angle"`
	MaximumMergeDistanceMM float64 `json:"primitive_maximum_merge_distance_mm"`
	DepthSigmaError        float64 `json:"depth_sigma_error"`
	DepthSigmaMargin       float64 `json:"depth_sigma_margin"`
	DepthDiscontinuityMM   float64 `json:"depth_discontinuity_limit_mm"`
	// Plane-vs-cylinder branching thresholds.
	PlaneFitScore           float64 `json:"plane_fit_score"`
	CylinderMinimumCells    int     `json:"cylinder_minimum_cells"`
	CylinderRansacMaxSqrtMM float64 `json:"cylinder_ransac_sqrt_max_distance"`
	CylinderRansacScore     float64 `json:"cylinder_ransac_minimum_score"`

	InverseDepthBaseline      float64 `json:"inverse_depth_baseline"`
	InverseDepthAngleBaseline float64 `json:"inverse_depth_angle_baseline"`
	LinearityThreshold        float64 `json:"inverse_depth_linearity_threshold"`
}

// Mapping groups the local-map lifecycle parameters.
type Mapping struct {
	PointUnmatchedCountToLoose   int     `json:"point_unmatched_count_to_loose"`
	PointStagedAgeConfidence     int     `json:"point_staged_age_confidence"`
	PointAgeConfidence           int     `json:"point_age_confidence"`
	PointMinimumConfidenceForMap float64 `json:"point_minimum_confidence_for_map"`
}

// Ransac groups the inlier selection parameters of the pose RANSAC loop.
type Ransac struct {
	MaxPointInlierErrorPx   float64 `json:"maximum_retroprojection_error_for_point_inliers_px"`
	MaxPlaneInlierErrorMM   float64 `json:"maximum_retroprojection_error_for_plane_inliers_mm"`
	MaxPoint2DInlierErrorMM float64 `json:"maximum_retroprojection_error_for_point_2d_inliers_mm"`
	ProbabilityOfSuccess    float64 `json:"probability_of_success"`
	InlierProportion        float64 `json:"inlier_proportion"`
	EarlyStopProportion     float64 `json:"minimum_inliers_proportion_for_early_stop"`
	CovarianceIterations    int     `json:"covariance_iterations"`
}

// Optimization groups the Levenberg-Marquardt stopping criteria and the
// robust loss parameters.
type Optimization struct {
	MaximumIterations int     `json:"maximum_iterations"`
	ErrorPrecision    float64 `json:"error_precision"`
	SolutionTolerance float64 `json:"tolerance_of_solution_vector_norm"`
	FunctionTolerance float64 `json:"tolerance_of_vector_function"`
	GradientTolerance float64 `json:"tolerance_of_error_function_gradient"`
	StepBoundFactor   float64 `json:"diagonal_step_bound_shift"`

	MinimumPointsForOptimization   int `json:"minimum_points_for_optimization"`
	MinimumPoints2DForOptimization int `json:"minimum_points_2d_for_optimization"`
	MinimumPlanesForOptimization   int `json:"minimum_planes_for_optimization"`

	PointLossAlpha       float64 `json:"point_loss_alpha"`
	PointLossScale       float64 `json:"point_loss_scale"`
	PointErrorMultiplier float64 `json:"point_error_multiplier"`

	Ransac Ransac `json:"ransac"`
}

// Config is the full engine configuration.
type Config struct {
	Camera1 Camera `json:"camera1"`
	Camera2 Camera `json:"camera2"`

	Camera2Translation Vec3Config `json:"camera2_translation"`
	Camera2Rotation    Vec3Config `json:"camera2_rotation"`
	StartingPosition   Vec3Config `json:"starting_position"`
	StartingRotation   Vec3Config `json:"starting_rotation"`

	Matching     Matching     `json:"matching"`
	Detection    Detection    `json:"detection"`
	Mapping      Mapping      `json:"mapping"`
	Optimization Optimization `json:"optimization"`

	// RandomSeed drives every random draw in the engine. With
	// MakeDeterministic set, a fixed seed gives bit-reproducible poses on a
	// single host.
	RandomSeed        uint64 `json:"random_seed"`
	MakeDeterministic bool   `json:"make_deterministic"`
}

// Default returns the built-in configuration, tuned for a structured indoor
// RGB-D sequence at 640x480.
func Default() *Config {
	return &Config{
		Camera1: Camera{
			FocalX:  548.86723733696215,
			FocalY:  549.58402532237187,
			CenterX: 316.49655835885483,
			CenterY: 229.23873484682150,
		},
		Camera2: Camera{
			FocalX:  575.92685448804468,
			FocalY:  576.40791601093247,
			CenterX: 315.15026356388171,
			CenterY: 230.58580662101753,
		},
		Camera2Translation: Vec3Config{X: 11.497548441022023, Y: 35.139088879273231, Z: 21.887459420807019},
		Matching: Matching{
			SearchRadiusPx:           30,
			SearchCellSizePx:         50,
			MaxMatchDistance:         0.7,
			KeypointRefreshFrequency: 5,
		},
		Detection: Detection{
			DepthMapPatchSizePx:     20,
			MinimumPlaneSeedCount:   6,
			MinimumCellActivated:    5,
			MaximumCosAngle:         math.Cos(math.Pi / 10),
			MaximumMergeDistanceMM:  100,
			DepthSigmaError:         1.425e-6,
			DepthSigmaMargin:        12,
			DepthDiscontinuityMM:    10,
			PlaneFitScore:           100,
			CylinderMinimumCells:    5,
			CylinderRansacMaxSqrtMM: 0.04,
			CylinderRansacScore:     75,

			InverseDepthBaseline:      0.001,
			InverseDepthAngleBaseline: 1,
			LinearityThreshold:        0.1,
		},
		Mapping: Mapping{
			PointUnmatchedCountToLoose:   10,
			PointStagedAgeConfidence:     10,
			PointAgeConfidence:           15,
			PointMinimumConfidenceForMap: 0.9,
		},
		Optimization: Optimization{
			MaximumIterations: 1024,
			ErrorPrecision:    0,
			SolutionTolerance: 1e-4,
			FunctionTolerance: 1e-3,
			GradientTolerance: 0,
			StepBoundFactor:   100,

			MinimumPointsForOptimization:   3,
			MinimumPoints2DForOptimization: 6,
			MinimumPlanesForOptimization:   2,

			PointLossAlpha:       2,
			PointLossScale:       100,
			PointErrorMultiplier: 0.5,

			Ransac: Ransac{
				MaxPointInlierErrorPx:   10,
				MaxPlaneInlierErrorMM:   150,
				MaxPoint2DInlierErrorMM: 150,
				ProbabilityOfSuccess:    0.9,
				InlierProportion:        0.6,
				EarlyStopProportion:     0.9,
				CovarianceIterations:    100,
			},
		},
		RandomSeed: 1,
	}
}

// Load reads a JSON configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read configuration %q", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse configuration %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants. An error here is fatal.
func (c *Config) Validate() error {
	if c.Camera1.FocalX <= 0 || c.Camera1.FocalY <= 0 {
		return errors.New("camera1 focal lengths must be positive")
	}
	if c.Detection.DepthMapPatchSizePx <= 0 {
		return errors.New("depth map patch size must be positive")
	}
	if c.Detection.MaximumCosAngle <= 0 || c.Detection.MaximumCosAngle >= 1 {
		return errors.New("primitive maximum cos angle must be in (0, 1)")
	}
	if c.Detection.MaximumMergeDistanceMM <= 0 {
		return errors.New("primitive maximum merge distance must be positive")
	}
	if c.Detection.InverseDepthBaseline <= 0 {
		return errors.New("inverse depth baseline must be positive")
	}
	if c.Mapping.PointStagedAgeConfidence <= 0 || c.Mapping.PointAgeConfidence <= 0 {
		return errors.New("point age confidences must be positive")
	}
	if c.Optimization.PointLossScale <= 0 {
		return errors.New("point loss scale must be positive")
	}
	if c.Optimization.PointErrorMultiplier <= 0 {
		return errors.New("point error multiplier must be positive")
	}
	r := c.Optimization.Ransac
	if r.ProbabilityOfSuccess <= 0 || r.ProbabilityOfSuccess >= 1 {
		return errors.New("ransac probability of success must be in (0, 1)")
	}
	if r.InlierProportion <= 0 || r.InlierProportion >= 1 {
		return errors.New("ransac inlier proportion must be in (0, 1)")
	}
	if r.EarlyStopProportion <= 0 {
		return errors.New("ransac early stop proportion must be positive")
	}
	if c.Optimization.MinimumPointsForOptimization < 3 {
		return errors.New("at least 3 points are required for a solvable optimization")
	}
	return nil
}
