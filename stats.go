package rgbdslam

import "time"

// statistics accumulates per-stage processing durations, a basic profiler
// for the per-frame pipeline.
type statistics struct {
	frames int

	depthTreatment      time.Duration
	primitiveTreatment  time.Duration
	lineTreatment       time.Duration
	findMatches         time.Duration
	featureOptimization time.Duration
	localMapUpdate      time.Duration
	poseOptimization    time.Duration
}

// Statistics is a snapshot of the mean per-frame stage durations.
type Statistics struct {
	Frames int

	MeanDepthTreatment      time.Duration
	MeanPrimitiveTreatment  time.Duration
	MeanLineTreatment       time.Duration
	MeanFindMatches         time.Duration
	MeanFeatureOptimization time.Duration
	MeanLocalMapUpdate      time.Duration
	MeanPoseComputation     time.Duration
}

// Statistics returns the mean per-frame durations of each pipeline stage.
func (e *Engine) Statistics() Statistics {
	s := Statistics{Frames: e.stats.frames}
	if e.stats.frames == 0 {
		return s
	}
	n := time.Duration(e.stats.frames)
	s.MeanDepthTreatment = e.stats.depthTreatment / n
	s.MeanPrimitiveTreatment = e.stats.primitiveTreatment / n
	s.MeanLineTreatment = e.stats.lineTreatment / n
	s.MeanFindMatches = e.stats.findMatches / n
	s.MeanFeatureOptimization = e.stats.featureOptimization / n
	s.MeanLocalMapUpdate = e.stats.localMapUpdate / n
	s.MeanPoseComputation = e.stats.poseOptimization / n
	return s
}

// ShowStatistics logs the mean per-frame stage durations.
func (e *Engine) ShowStatistics() {
	s := e.Statistics()
	if s.Frames == 0 {
		return
	}
	e.logger.Infow("per-frame treatment statistics",
		"frames", s.Frames,
		"depth", s.MeanDepthTreatment,
		"primitives", s.MeanPrimitiveTreatment,
		"lines", s.MeanLineTreatment,
		"find_matches", s.MeanFindMatches,
		"optimization", s.MeanFeatureOptimization,
		"map_update", s.MeanLocalMapUpdate,
		"total_pose", s.MeanPoseComputation,
	)
}
