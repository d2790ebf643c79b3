// Package rimage holds the image-side data structures of the engine: the
// rectified depth map, the organized point cloud built from it, and the
// binary-mask morphology used to refine primitive masks.
package rimage

import (
	"math"

	"github.com/pkg/errors"

	"github.com/mcx/rgbdslam/spatialmath"
)

// DepthMap is a rectified depth image. Values are millimeters; zero or NaN
// means no measurement at that pixel.
type DepthMap struct {
	width  int
	height int

	data []float32
}

// NewEmptyDepthMap returns a DepthMap with all pixels missing.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{width: width, height: height, data: make([]float32, width*height)}
}

// NewDepthMap wraps raw row-major millimeter data.
func NewDepthMap(width, height int, data []float32) (*DepthMap, error) {
	if len(data) != width*height {
		return nil, errors.Errorf("depth data size %d does not match %dx%d", len(data), width, height)
	}
	return &DepthMap{width: width, height: height, data: data}, nil
}

// Width is the image width in pixels.
func (dm *DepthMap) Width() int { return dm.width }

// Height is the image height in pixels.
func (dm *DepthMap) Height() int { return dm.height }

// GetDepth returns the depth at (x, y) in millimeters.
func (dm *DepthMap) GetDepth(x, y int) float64 {
	return float64(dm.data[y*dm.width+x])
}

// Set writes the depth at (x, y) in millimeters.
func (dm *DepthMap) Set(x, y int, valMM float64) {
	dm.data[y*dm.width+x] = float32(valMM)
}

// IsValidDepth reports whether the pixel carries a usable measurement.
func (dm *DepthMap) IsValidDepth(x, y int) bool {
	d := dm.GetDepth(x, y)
	return !math.IsNaN(d) && spatialmath.IsDepthValid(d)
}
