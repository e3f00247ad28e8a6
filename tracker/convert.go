package tracker

import (
	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/geom"
)

// poseOffset returns the index of the theta entry of a piece in the state.
func poseOffset(id int) int {
	return 9 + 3*id
}

// isTheta reports whether state index i holds a piece rotation.
func isTheta(i int) bool {
	return i >= 9 && (i-9)%3 == 0
}

func validPiece(id int) bool {
	return id >= 0 && id < NumPieces
}

// packState flattens a solution into the filter state layout. Pieces not in
// poses are left at zero, ids outside 0 to 6 are ignored.
func packState(h geom.Homography, scale float64, poses map[int]geom.Pose) StateMean {
	mean := make(StateMean, StateSize)

	hp := h.Params()
	copy(mean[:8], hp[:])
	mean[8] = scale

	for id, p := range poses {

		if !validPiece(id) {
			continue
		}

		o := poseOffset(id)
		mean[o] = p.Theta
		mean[o+1] = p.Tx
		mean[o+2] = p.Ty
	}

	return mean
}

// unpackState is the inverse of packState for the observed pieces.
func unpackState(mean StateMean, observed map[int]bool) (geom.Homography, float64, map[int]geom.Pose) {
	var hp [8]float64
	copy(hp[:], mean[:8])

	poses := make(map[int]geom.Pose)

	for id := 0; id < NumPieces; id++ {

		if !observed[id] {
			continue
		}

		o := poseOffset(id)
		poses[id] = geom.Pose{Theta: mean[o], Tx: mean[o+1], Ty: mean[o+2]}
	}

	return geom.HomographyFromParams(hp), mean[8], poses
}

// SolutionToState converts a bundle adjustment solution into a state vector.
func SolutionToState(sol bundle.Solution) StateMean {
	return packState(sol.H, sol.Scale, sol.Poses)
}
