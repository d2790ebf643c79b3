// Package localmap owns the staged and local feature sets tracked around
// the camera: matching detected features against them, updating them from
// optimized poses, and running the staged-to-local promotion lifecycle.
package localmap

import "sync/atomic"

// FeatureID identifies a map feature. Zero is reserved as invalid.
type FeatureID uint64

// InvalidFeatureID is never handed out.
const InvalidFeatureID FeatureID = 0

// IDCounter hands out monotonically increasing feature ids. Safe for
// concurrent use.
type IDCounter struct {
	last atomic.Uint64
}

// Next returns a fresh id, always greater than zero.
func (c *IDCounter) Next() FeatureID {
	return FeatureID(c.last.Add(1))
}
