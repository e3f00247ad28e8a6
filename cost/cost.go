// Package cost implements the residual blocks minimised by the bundle
// adjuster. The functions are generic over jet.Scalar so the same code
// produces plain values and exact derivatives.
package cost

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/correspond"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/jet"
)

// Reprojection is the residual block for one piece. Detected points are in
// image pixels, Model points are the canonical vertices.
type Reprojection struct {
	Detected  []r2.Point
	Model     []r2.Point
	ShapeType string
	// Weight scales the squared residual, the residuals are multiplied by
	// its square root
	Weight float64
	// FScale normalises residuals before the Huber kernel used for
	// candidate selection
	FScale float64

	candidates []correspond.Candidate
}

// NewReprojection builds the block and precomputes its candidate orderings.
func NewReprojection(detected, model []r2.Point, shapeType string, weight, fScale float64) *Reprojection {

	if fScale <= 0 {
		fScale = 1
	}

	return &Reprojection{
		Detected:   detected,
		Model:      model,
		ShapeType:  shapeType,
		Weight:     weight,
		FScale:     fScale,
		candidates: correspond.Candidates(detected, shapeType),
	}
}

// NumResiduals is two per model vertex.
func (r *Reprojection) NumResiduals() int {
	return 2 * len(r.Model)
}

// Candidates returns the precomputed detected vertex orderings.
func (r *Reprojection) Candidates() []correspond.Candidate {
	return r.candidates
}

// Project maps the canonical vertices into the image using the shared
// homography parameters h, the global scale and the piece pose
// [theta, tx, ty].
func Project[T jet.Scalar[T]](model []r2.Point, h [8]T, scale T, pose [3]T) [][2]T {
	out := make([][2]T, len(model))

	c := pose[0].Cos()
	s := pose[0].Sin()

	for i, v := range model {
		mx := scale.Scale(v.X)
		my := scale.Scale(v.Y)

		px := c.Mul(mx).Sub(s.Mul(my)).Add(pose[1])
		py := s.Mul(mx).Add(c.Mul(my)).Add(pose[2])

		w := h[6].Mul(px).Add(h[7].Mul(py)).Add(scale.Const(1))

		if math.Abs(w.Real()) < geom.DenominatorEpsilon {
			w = w.Const(geom.DenominatorEpsilon)
		}

		x := h[0].Mul(px).Add(h[1].Mul(py)).Add(h[2])
		y := h[3].Mul(px).Add(h[4].Mul(py)).Add(h[5])

		out[i] = [2]T{x.Div(w), y.Div(w)}
	}

	return out
}

// Evaluate writes the residuals of the block into out, which must hold
// NumResiduals values. The candidate ordering with the lowest Huber cost is
// selected and its linear weighted residuals are written. The index of the
// winning candidate is returned, or -1 when no candidate exists in which
// case out is zeroed.
func Evaluate[T jet.Scalar[T]](r *Reprojection, h [8]T, scale T, pose [3]T, out []T) int {
	zero := scale.Const(0)

	for i := range out {
		out[i] = zero
	}

	if len(r.candidates) == 0 || len(r.Detected) != len(r.Model) {
		return -1
	}

	proj := Project(r.Model, h, scale, pose)
	vals := make([]r2.Point, len(proj))

	for i, p := range proj {
		vals[i] = r2.Point{X: p[0].Real(), Y: p[1].Real()}
	}

	ws := math.Sqrt(r.Weight)
	best, _ := correspond.Best(vals, r.candidates, ws, r.FScale)

	if best < 0 {
		return -1
	}

	cand := r.candidates[best].Points

	for i, p := range proj {
		out[2*i] = p[0].Sub(p[0].Const(cand[i].X)).Scale(ws)
		out[2*i+1] = p[1].Sub(p[1].Const(cand[i].Y)).Scale(ws)
	}

	return best
}

// HPrior pulls the eight homography parameters toward a reference.
type HPrior struct {
	Reference [8]float64
	Lambda    float64
}

// NumResiduals is one per free homography parameter.
func (p HPrior) NumResiduals() int {
	return 8
}

// EvaluateHPrior writes sqrt(lambda)*(h - reference) into out.
func EvaluateHPrior[T jet.Scalar[T]](p HPrior, h [8]T, out []T) {
	w := math.Sqrt(p.Lambda)

	for i := range h {
		out[i] = h[i].Sub(h[i].Const(p.Reference[i])).Scale(w)
	}
}

// ScalePrior pulls the global scale toward a reference.
type ScalePrior struct {
	Reference float64
	Lambda    float64
}

// EvaluateScalePrior returns sqrt(lambda)*(scale - reference).
func EvaluateScalePrior[T jet.Scalar[T]](p ScalePrior, scale T) T {
	return scale.Sub(scale.Const(p.Reference)).Scale(math.Sqrt(p.Lambda))
}
