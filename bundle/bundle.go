// Package bundle jointly estimates the shared homography, the global scale
// and every piece pose from one frame of detected polygons.
package bundle

import (
	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/correspond"
	"github.com/swdee/go-tangram/cost"
	"github.com/swdee/go-tangram/geom"
)

// Piece is one observed tangram piece.
type Piece struct {
	// ClassID identifies the piece, 0 to 6
	ClassID int
	// Detected are the polygon vertices in image pixels
	Detected []r2.Point
	// Model are the canonical vertices matched against Detected
	Model []r2.Point
	// ShapeType is triangle, square or parallelogram
	ShapeType string
	// Weight down weights the piece residuals, zero means 1
	Weight float64
	// MirroredModel marks Model as the mirror image of the canonical model
	MirroredModel bool
}

// Inputs is the problem handed to the Solver.
type Inputs struct {
	Pieces []Piece
	// InitialH is the warm start homography, nil means identity
	InitialH *geom.Homography
	// InitialScale is the warm start scale, zero or less triggers estimation
	// from the polygon areas
	InitialScale float64
	// InitialPoses are warm start poses by class id, missing pieces are
	// initialised by SelectPose
	InitialPoses map[int]geom.Pose
	// HPrior and ScalePrior add optional regularisation
	HPrior     *cost.HPrior
	ScalePrior *cost.ScalePrior
	// FixHomography and FixScale hold those parameters at their initial
	// values
	FixHomography bool
	FixScale      bool
}

// Solution is the estimate for one frame. Maps are keyed by class id, an
// absent key means the piece was not observed.
type Solution struct {
	H               geom.Homography
	Scale           float64
	Poses           map[int]geom.Pose
	Errors          map[int]float64
	Correspondences map[int]correspond.Correspondence
	// TrackingQuality is in [0, 1], higher is more consistent
	TrackingQuality  float64
	HomographyLocked bool
	// Timings holds per stage durations in milliseconds
	Timings map[string]float64
	// Iterations is the number of optimizer steps attempted
	Iterations int
	// Converged is false when the iteration budget ran out
	Converged bool
}

// NewSolution returns a Solution with identity homography, unit scale and
// empty maps.
func NewSolution() Solution {
	return Solution{
		H:               geom.Identity(),
		Scale:           1,
		Poses:           make(map[int]geom.Pose),
		Errors:          make(map[int]float64),
		Correspondences: make(map[int]correspond.Correspondence),
		Timings:         make(map[string]float64),
	}
}

// MeanError is the average per piece error, or zero when no piece was
// observed.
func (s Solution) MeanError() float64 {

	if len(s.Errors) == 0 {
		return 0
	}

	var sum float64

	for _, e := range s.Errors {
		sum += e
	}

	return sum / float64(len(s.Errors))
}
