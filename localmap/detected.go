package localmap

import (
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/vision/keypoints"
	"github.com/mcx/rgbdslam/vision/segmentation"
)

// DetectedFeatures joins the outputs of the per-frame detectors before data
// association.
type DetectedFeatures struct {
	Keypoints *keypoints.Handler
	Planes    []segmentation.Plane
	Cylinders []segmentation.Cylinder
}

// TrackedKeypoint is a map feature retroprojected to screen space, handed
// to the optical-flow front end so the next frame can carry its identity
// forward.
type TrackedKeypoint struct {
	ID    FeatureID
	Point spatialmath.ScreenPoint2D
}
