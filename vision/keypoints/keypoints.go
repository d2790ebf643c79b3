// Package keypoints stores the keypoints detected on one frame and answers
// the data-association queries of the local map: spatial descriptor search
// and optical-flow tracking-id lookup.
package keypoints

import (
	"math/bits"

	"github.com/pkg/errors"
)

// InvalidMatchIndex is returned when no keypoint matches a query.
const InvalidMatchIndex = -1

// Descriptor is a binary feature descriptor; distances are Hamming.
type Descriptor []byte

// IsEmpty reports whether the descriptor carries no data.
func (d Descriptor) IsEmpty() bool { return len(d) == 0 }

// DescriptorDistance is the Hamming distance between two descriptors,
// normalized to [0, 1] by the descriptor bit count.
func DescriptorDistance(a, b Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptor sizes differ: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, errors.New("empty descriptors cannot be compared")
	}
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return float64(dist) / float64(len(a)*8), nil
}
