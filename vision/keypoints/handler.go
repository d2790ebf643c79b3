package keypoints

import (
	"math"

	"github.com/mcx/rgbdslam/rimage"
	"github.com/mcx/rgbdslam/spatialmath"
)

// HandlerConfig bounds the match queries.
type HandlerConfig struct {
	// SearchCellSizePx is the side of the spatial index cells.
	SearchCellSizePx int
	// MaxMatchDistance is the normalized descriptor distance above which a
	// candidate is rejected; closer to zero is more discriminating.
	MaxMatchDistance float64
}

// Handler indexes the keypoints of one frame for matching. It is immutable
// after construction and safe for concurrent queries.
type Handler struct {
	cfg HandlerConfig

	keypoints   []spatialmath.ScreenPoint
	descriptors []Descriptor
	trackingIDs map[uint64]int

	cellCountX int
	cellCountY int
	grid       [][]int
}

// NewHandler builds the match surface of a frame. points and descriptors
// run in parallel; trackedIDs[i] is the map-feature id the optical flow
// carried onto keypoint i, zero when the keypoint is newly detected. The
// depth of each keypoint is sampled from the rectified depth map.
func NewHandler(
	points []spatialmath.ScreenPoint2D,
	descriptors []Descriptor,
	trackedIDs []uint64,
	depth *rimage.DepthMap,
	cfg HandlerConfig,
) *Handler {
	if cfg.SearchCellSizePx <= 0 {
		cfg.SearchCellSizePx = 50
	}
	h := &Handler{
		cfg:         cfg,
		keypoints:   make([]spatialmath.ScreenPoint, len(points)),
		descriptors: descriptors,
		trackingIDs: make(map[uint64]int, len(points)),
	}
	width, height := 1, 1
	if depth != nil {
		width, height = depth.Width(), depth.Height()
	}
	h.cellCountX = (width + cfg.SearchCellSizePx - 1) / cfg.SearchCellSizePx
	h.cellCountY = (height + cfg.SearchCellSizePx - 1) / cfg.SearchCellSizePx
	h.grid = make([][]int, h.cellCountX*h.cellCountY)

	for i, pt := range points {
		kp := spatialmath.ScreenPoint{U: pt.U, V: pt.V}
		if depth != nil {
			x, y := int(pt.U), int(pt.V)
			if x >= 0 && x < depth.Width() && y >= 0 && y < depth.Height() && depth.IsValidDepth(x, y) {
				kp.DepthMM = depth.GetDepth(x, y)
			}
		}
		h.keypoints[i] = kp
		if i < len(trackedIDs) && trackedIDs[i] != 0 {
			h.trackingIDs[trackedIDs[i]] = i
		}
		if cell, ok := h.cellOf(pt); ok {
			h.grid[cell] = append(h.grid[cell], i)
		}
	}
	return h
}

// Count is the number of indexed keypoints.
func (h *Handler) Count() int { return len(h.keypoints) }

// KeyPoint returns the keypoint at an index, with its sampled depth (zero
// when no valid depth was available).
func (h *Handler) KeyPoint(index int) spatialmath.ScreenPoint { return h.keypoints[index] }

// Descriptor returns the descriptor at an index.
func (h *Handler) Descriptor(index int) Descriptor { return h.descriptors[index] }

// MatchIndex finds the descriptor-nearest unmatched keypoint within radius
// pixels of a projected map point, or InvalidMatchIndex. The winner must
// beat the configured maximum descriptor distance.
func (h *Handler) MatchIndex(
	projected spatialmath.ScreenPoint2D,
	descriptor Descriptor,
	alreadyMatched []bool,
	radius float64,
) int {
	if descriptor.IsEmpty() || radius <= 0 {
		return InvalidMatchIndex
	}

	bestIndex := InvalidMatchIndex
	bestDistance := h.cfg.MaxMatchDistance

	cellRadius := int(math.Ceil(radius/float64(h.cfg.SearchCellSizePx))) + 1
	centerX := int(projected.U) / h.cfg.SearchCellSizePx
	centerY := int(projected.V) / h.cfg.SearchCellSizePx
	for cy := centerY - cellRadius; cy <= centerY+cellRadius; cy++ {
		if cy < 0 || cy >= h.cellCountY {
			continue
		}
		for cx := centerX - cellRadius; cx <= centerX+cellRadius; cx++ {
			if cx < 0 || cx >= h.cellCountX {
				continue
			}
			for _, index := range h.grid[cy*h.cellCountX+cx] {
				if alreadyMatched[index] {
					continue
				}
				if projected.Distance(h.keypoints[index].Point2D()) > radius {
					continue
				}
				dist, err := DescriptorDistance(descriptor, h.descriptors[index])
				if err != nil {
					continue
				}
				if dist < bestDistance {
					bestDistance = dist
					bestIndex = index
				}
			}
		}
	}
	return bestIndex
}

// TrackingMatchIndex returns the keypoint the optical flow carried forward
// for a map feature id, or InvalidMatchIndex. Tracking matches take
// priority over descriptor search.
func (h *Handler) TrackingMatchIndex(featureID uint64, alreadyMatched []bool) int {
	index, ok := h.trackingIDs[featureID]
	if !ok || alreadyMatched[index] {
		return InvalidMatchIndex
	}
	return index
}

func (h *Handler) cellOf(pt spatialmath.ScreenPoint2D) (int, bool) {
	cx := int(pt.U) / h.cfg.SearchCellSizePx
	cy := int(pt.V) / h.cfg.SearchCellSizePx
	if cx < 0 || cx >= h.cellCountX || cy < 0 || cy >= h.cellCountY {
		return 0, false
	}
	return cy*h.cellCountX + cx, true
}
