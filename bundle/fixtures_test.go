package bundle

import (
	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/geom"
)

type fixturePiece struct {
	shape string
	model []r2.Point
	pose  geom.Pose
}

// fixture is a seven piece layout with a mild perspective homography.
var fixture = map[int]fixturePiece{
	0: {"parallelogram", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 6, Y: 2}, {X: 2, Y: 2}}, geom.Pose{Theta: 0.1, Tx: 10, Ty: 5}},
	1: {"square", []r2.Point{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 3, Y: 3}, {X: 0, Y: 3}}, geom.Pose{Theta: 0.7, Tx: 40, Ty: 8}},
	2: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 8, Y: 0}, {X: 4, Y: 4}}, geom.Pose{Theta: -0.3, Tx: 5, Ty: 30}},
	3: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 8, Y: 0}, {X: 4, Y: 4}}, geom.Pose{Theta: 2.0, Tx: 60, Ty: 35}},
	4: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 0, Y: 4}}, geom.Pose{Theta: 1.2, Tx: 25, Ty: 55}},
	5: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 2, Y: 2}}, geom.Pose{Theta: -2.4, Tx: 70, Ty: 12}},
	6: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 2, Y: 2}}, geom.Pose{Theta: 3.0, Tx: 50, Ty: 60}},
}

const fixtureScale = 4.0

func fixtureH() geom.Homography {
	return geom.Homography{1.02, 0.05, 100, -0.03, 0.97, 60, 1e-4, 5e-5, 1}
}

// fixtureInputs projects every piece with the given homography, rotating
// the detected vertex order so correspondences must be searched.
func fixtureInputs(h geom.Homography) Inputs {
	var in Inputs

	for id := 0; id < 7; id++ {
		fp := fixture[id]
		det := geom.Project(h, fixtureScale, fp.pose, fp.model)
		shift := id % len(det)
		det = append(det[shift:], det[:shift]...)

		in.Pieces = append(in.Pieces, Piece{
			ClassID:   id,
			Detected:  det,
			Model:     fp.model,
			ShapeType: fp.shape,
		})
	}

	return in
}

func fixturePoses() map[int]geom.Pose {
	out := make(map[int]geom.Pose)

	for id, fp := range fixture {
		out[id] = fp.pose
	}

	return out
}
