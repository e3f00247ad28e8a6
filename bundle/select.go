package bundle

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/correspond"
	"github.com/swdee/go-tangram/geom"
	"gonum.org/v1/gonum/optimize"
)

// SelectParams control the pose hypothesis search.
type SelectParams struct {
	// FScale normalises residuals inside the Huber kernel
	FScale float64
	// AllowMirror also tries the mirrored model for parallelograms, which
	// are the only chiral piece
	AllowMirror bool
	// MaxEvaluations bounds the Nelder-Mead refinement, zero disables it
	MaxEvaluations int
}

// DefaultSelectParams returns the search settings used by the tracker.
func DefaultSelectParams() SelectParams {
	return SelectParams{
		FScale:         10,
		AllowMirror:    true,
		MaxEvaluations: 150,
	}
}

// Selection is the outcome of the pose hypothesis search for one piece.
type Selection struct {
	Pose           geom.Pose
	Correspondence correspond.Correspondence
	// Cost is the mean robust cost per vertex
	Cost float64
	// Model is the vertex set that won, mirrored when
	// Correspondence.MirroredModel is set
	Model []r2.Point
}

// MirrorModel reflects model vertices about the y axis.
func MirrorModel(model []r2.Point) []r2.Point {
	out := make([]r2.Point, len(model))

	for i, p := range model {
		out[i] = r2.Point{X: -p.X, Y: p.Y}
	}

	return out
}

// SelectPose searches correspondence candidates and pose hypotheses for the
// piece given a fixed homography and scale. Every candidate ordering of the
// back projected detection yields a closed form rigid alignment, the hint
// pose is scored as an extra hypothesis and the winner is polished with a
// bounded Nelder-Mead search.
func SelectPose(detected, model []r2.Point, shapeType string, h geom.Homography,
	scale float64, hint *geom.Pose, p SelectParams) Selection {

	sel := Selection{Cost: math.Inf(1), Model: model}

	if hint != nil {
		sel.Pose = *hint
	}

	n := len(detected)

	if n == 0 || n != len(model) {
		return sel
	}

	if p.FScale <= 0 {
		p.FScale = 1
	}

	inv, err := h.Inverse()

	if err != nil {
		inv = geom.Identity()
	}

	plane := make([]r2.Point, n)

	for i, d := range detected {
		plane[i] = inv.Apply(d)
	}

	imgCands := correspond.Candidates(detected, shapeType)
	planeCands := correspond.Candidates(plane, shapeType)

	variants := [][]r2.Point{model}

	if p.AllowMirror && shapeType == "parallelogram" {
		variants = append(variants, MirrorModel(model))
	}

	for vi, mv := range variants {
		scaled := make([]r2.Point, n)

		for i, v := range mv {
			scaled[i] = v.Mul(scale)
		}

		try := func(pose geom.Pose) {
			proj := geom.Project(h, scale, pose, mv)
			idx, c := correspond.Best(proj, imgCands, 1, p.FScale)

			if idx < 0 || c >= sel.Cost {
				return
			}

			sel.Pose = pose
			sel.Cost = c
			sel.Model = mv
			sel.Correspondence = imgCands[idx].Correspondence
			sel.Correspondence.MirroredModel = vi > 0
		}

		for _, pc := range planeCands {
			try(rigidAlign(scaled, pc.Points))
		}

		if hint != nil {
			try(*hint)
		}
	}

	if p.MaxEvaluations > 0 && !math.IsInf(sel.Cost, 1) {
		refinePose(&sel, h, scale, imgCands, p)
	}

	sel.Pose.Theta = geom.WrapAngle(sel.Pose.Theta)
	sel.Cost /= float64(n)

	return sel
}

// refinePose polishes the selected pose with Nelder-Mead, keeping the
// result only if it lowers the cost.
func refinePose(sel *Selection, h geom.Homography, scale float64,
	cands []correspond.Candidate, p SelectParams) {

	model := sel.Model

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			proj := geom.Project(h, scale, geom.Pose{Theta: x[0], Tx: x[1], Ty: x[2]}, model)
			_, c := correspond.Best(proj, cands, 1, p.FScale)
			return c
		},
	}

	settings := &optimize.Settings{FuncEvaluations: p.MaxEvaluations}
	init := []float64{sel.Pose.Theta, sel.Pose.Tx, sel.Pose.Ty}

	result, err := optimize.Minimize(problem, init, settings, &optimize.NelderMead{})

	if result == nil || (err != nil && result.X == nil) {
		return
	}

	if result.F >= sel.Cost {
		return
	}

	pose := geom.Pose{Theta: result.X[0], Tx: result.X[1], Ty: result.X[2]}
	proj := geom.Project(h, scale, pose, model)
	idx, c := correspond.Best(proj, cands, 1, p.FScale)

	if idx < 0 || c >= sel.Cost {
		return
	}

	sel.Pose = pose
	sel.Cost = c
	mirrored := sel.Correspondence.MirroredModel
	sel.Correspondence = cands[idx].Correspondence
	sel.Correspondence.MirroredModel = mirrored
}

// rigidAlign returns the rotation and translation that best maps src onto
// dst in the least squares sense.
func rigidAlign(src, dst []r2.Point) geom.Pose {
	cs := geom.Centroid(src)
	cd := geom.Centroid(dst)

	var sxx, sxy float64

	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		sxx += a.Dot(b)
		sxy += a.Cross(b)
	}

	theta := math.Atan2(sxy, sxx)
	rc := geom.Pose{Theta: theta}.Transform(cs, 1)

	return geom.Pose{
		Theta: theta,
		Tx:    cd.X - rc.X,
		Ty:    cd.Y - rc.Y,
	}
}
