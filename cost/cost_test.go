package cost

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/jet"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

var triangle = []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 0, Y: 4}}

func floats[T jet.Scalar[T]](v []float64, mk func(float64, int) T) ([8]T, T, [3]T) {
	var h [8]T
	var p [3]T

	for i := 0; i < 8; i++ {
		h[i] = mk(v[i], i)
	}

	for i := 0; i < 3; i++ {
		p[i] = mk(v[9+i], 9+i)
	}

	return h, mk(v[8], 8), p
}

func asFloat(v float64, _ int) jet.Float { return jet.Float(v) }

func groundTruth() (geom.Homography, float64, geom.Pose) {
	return geom.Homography{1.05, 0.03, 120, -0.02, 0.98, 80, 2e-4, -1e-4, 1}, 12, geom.Pose{Theta: 0.4, Tx: 30, Ty: -12}
}

func params(h geom.Homography, s float64, p geom.Pose) []float64 {
	hp := h.Params()
	v := append([]float64{}, hp[:]...)
	return append(v, s, p.Theta, p.Tx, p.Ty)
}

func TestEvaluateZeroAtGroundTruth(t *testing.T) {
	h, s, pose := groundTruth()
	detected := geom.Project(h, s, pose, triangle)

	// detection starts at a different vertex
	detected = append(detected[1:], detected[0])

	r := NewReprojection(detected, triangle, "triangle", 1, 10)
	out := make([]jet.Float, r.NumResiduals())

	hv, sv, pv := floats(params(h, s, pose), asFloat)
	best := Evaluate(r, hv, sv, pv, out)

	require.GreaterOrEqual(t, best, 0)
	assert.Equal(t, 2, r.Candidates()[best].Shift)
	assert.False(t, r.Candidates()[best].Reflected)

	for _, v := range out {
		assert.InDelta(t, 0, float64(v), 1e-9)
	}
}

func TestEvaluateEmptyDetection(t *testing.T) {
	h, s, pose := groundTruth()
	r := NewReprojection(nil, triangle, "triangle", 1, 10)

	out := make([]jet.Float, r.NumResiduals())

	for i := range out {
		out[i] = 99
	}

	hv, sv, pv := floats(params(h, s, pose), asFloat)

	assert.Equal(t, -1, Evaluate(r, hv, sv, pv, out))

	for _, v := range out {
		assert.Zero(t, float64(v))
	}
}

func TestEvaluateVanishingDenominator(t *testing.T) {
	// w = -x/4 + 1 is zero at the vertex (4, 0)
	h := geom.Homography{1, 0, 0, 0, 1, 0, -0.25, 0, 1}
	detected := []r2.Point{{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 0, Y: 5}}

	r := NewReprojection(detected, triangle, "triangle", 1, 10)
	out := make([]jet.Float, r.NumResiduals())

	hv, sv, pv := floats(params(h, 1, geom.Pose{}), asFloat)
	Evaluate(r, hv, sv, pv, out)

	for _, v := range out {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestJetJacobianMatchesFiniteDifference(t *testing.T) {
	h, s, pose := groundTruth()
	detected := geom.Project(h, s, pose, triangle)

	// perturb so residuals are non zero but the winning ordering is stable
	detected[0] = detected[0].Add(r2.Point{X: 1.5, Y: -0.5})
	detected[2] = detected[2].Add(r2.Point{X: -0.7, Y: 0.9})

	r := NewReprojection(detected, triangle, "triangle", 0.8, 10)
	x0 := params(h, s, pose)
	m := r.NumResiduals()

	jets := make([]jet.Jet, m)
	hv, sv, pv := floats(x0, jet.Variable)
	Evaluate(r, hv, sv, pv, jets)

	want := mat.NewDense(m, len(x0), nil)
	fd.Jacobian(want, func(y, x []float64) {
		out := make([]jet.Float, m)
		hf, sf, pf := floats(x, asFloat)
		Evaluate(r, hf, sf, pf, out)

		for i := range out {
			y[i] = float64(out[i])
		}
	}, x0, &fd.JacobianSettings{Formula: fd.Central})

	for i := 0; i < m; i++ {
		for j := 0; j < len(x0); j++ {
			w := want.At(i, j)
			tol := 1e-4 * math.Max(1, math.Abs(w))
			assert.InDelta(t, w, jets[i].D[j], tol, "d r%d / d x%d", i, j)
		}
	}
}

func TestPriors(t *testing.T) {
	ref := [8]float64{1, 0, 10, 0, 1, 20, 0, 0}
	p := HPrior{Reference: ref, Lambda: 4}

	var h [8]jet.Jet

	for i := range h {
		h[i] = jet.Variable(ref[i]+1, i)
	}

	out := make([]jet.Jet, p.NumResiduals())
	EvaluateHPrior(p, h, out)

	for i, r := range out {
		assert.InDelta(t, 2, r.V, 1e-12)
		assert.Equal(t, 2.0, r.D[i])
	}

	sp := ScalePrior{Reference: 3, Lambda: 9}
	res := EvaluateScalePrior(sp, jet.Float(5))
	assert.InDelta(t, 6, float64(res), 1e-12)
}
