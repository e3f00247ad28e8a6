package geom

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomographyParamsRoundTrip(t *testing.T) {
	h := Homography{1.1, 0.02, 30, -0.01, 0.95, 12, 1e-4, -2e-4, 1}
	got := HomographyFromParams(h.Params())
	assert.Equal(t, h, got)
}

func TestHomographyApplyClampsDenominator(t *testing.T) {
	// w = -x + 1 vanishes at x = 1
	h := Homography{1, 0, 0, 0, 1, 0, -1, 0, 1}
	p := h.Apply(r2.Point{X: 1, Y: 2})

	assert.False(t, math.IsInf(p.X, 0) || math.IsNaN(p.X))
	assert.InDelta(t, 1/DenominatorEpsilon, p.X, 1)
}

func TestHomographyInverse(t *testing.T) {
	h := Homography{1.2, 0.1, 40, -0.05, 0.9, 25, 1e-4, 2e-4, 1}
	inv, err := h.Inverse()
	require.NoError(t, err)

	pt := r2.Point{X: 33, Y: -12}
	back := inv.Apply(h.Apply(pt))

	assert.InDelta(t, pt.X, back.X, 1e-9)
	assert.InDelta(t, pt.Y, back.Y, 1e-9)
	assert.Equal(t, 1.0, inv[8])
}

func TestPoseTransform(t *testing.T) {
	p := Pose{Theta: math.Pi / 2, Tx: 10, Ty: 5}
	got := p.Transform(r2.Point{X: 1, Y: 0}, 2)

	assert.InDelta(t, 10, got.X, 1e-12)
	assert.InDelta(t, 7, got.Y, 1e-12)
}

func TestWrapAngle(t *testing.T) {
	assert.InDelta(t, math.Pi, WrapAngle(-math.Pi), 1e-12)
	assert.InDelta(t, 0.5, WrapAngle(0.5+4*math.Pi), 1e-12)
	assert.InDelta(t, -0.5, WrapAngle(-0.5-2*math.Pi), 1e-12)
}

func TestEnsureClockwise(t *testing.T) {
	// counter clockwise on screen
	ccw := []r2.Point{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 0}}
	require.Less(t, SignedArea(ccw), 0.0)

	cw := EnsureClockwise(ccw)
	assert.Greater(t, SignedArea(cw), 0.0)
	assert.Equal(t, ccw[0], r2.Point{X: 0, Y: 0}, "input must not be modified")

	again := EnsureClockwise(cw)
	assert.Equal(t, cw, again)
}

func TestOrderClockwise(t *testing.T) {
	pts := []r2.Point{{X: 1, Y: 1}, {X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	got := OrderClockwise(pts)

	assert.Greater(t, SignedArea(got), 0.0)
	assert.InDelta(t, 1.0, Area(got), 1e-12)
}
