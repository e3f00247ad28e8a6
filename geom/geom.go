// Package geom holds the planar geometry shared by the refiner, the bundle
// adjuster and the tracker: piece poses, the gauge fixed homography and
// polygon orientation helpers.
package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// DenominatorEpsilon is the value substituted for the perspective
// denominator when its magnitude falls below it.
const DenominatorEpsilon = 1e-8

// ErrSingularHomography is returned when a homography can not be inverted.
var ErrSingularHomography = errors.New("homography is singular")

// Pose is the rigid placement of a piece on the canonical plane.
type Pose struct {
	// Theta is the rotation in radians
	Theta float64
	// Tx and Ty are the translation in plane units
	Tx, Ty float64
}

// Transform scales the model point p, rotates it by Theta and translates it.
func (p Pose) Transform(pt r2.Point, scale float64) r2.Point {
	s, c := math.Sincos(p.Theta)
	x := pt.X * scale
	y := pt.Y * scale

	return r2.Point{
		X: c*x - s*y + p.Tx,
		Y: s*x + c*y + p.Ty,
	}
}

// Vector returns the pose as [theta, tx, ty].
func (p Pose) Vector() [3]float64 {
	return [3]float64{p.Theta, p.Tx, p.Ty}
}

// PoseFromVector builds a Pose from [theta, tx, ty].
func PoseFromVector(v [3]float64) Pose {
	return Pose{Theta: v[0], Tx: v[1], Ty: v[2]}
}

// WrapAngle maps an angle into the range (-pi, pi].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)

	if a <= 0 {
		a += 2 * math.Pi
	}

	return a - math.Pi
}

// Homography is a row major 3x3 plane to image transform with H[8] fixed
// at 1, leaving eight free parameters.
type Homography [9]float64

// Identity returns the identity homography.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// HomographyFromParams builds a Homography from its eight free parameters.
func HomographyFromParams(p [8]float64) Homography {
	var h Homography
	copy(h[:8], p[:])
	h[8] = 1
	return h
}

// Params returns the eight free parameters of the homography.
func (h Homography) Params() [8]float64 {
	var p [8]float64
	copy(p[:], h[:8])
	return p
}

// Apply maps a plane point into the image, clamping a vanishing perspective
// denominator to DenominatorEpsilon.
func (h Homography) Apply(pt r2.Point) r2.Point {
	w := h[6]*pt.X + h[7]*pt.Y + h[8]

	if math.Abs(w) < DenominatorEpsilon {
		w = DenominatorEpsilon
	}

	return r2.Point{
		X: (h[0]*pt.X + h[1]*pt.Y + h[2]) / w,
		Y: (h[3]*pt.X + h[4]*pt.Y + h[5]) / w,
	}
}

// Mat returns the homography as a gonum matrix.
func (h Homography) Mat() *mat.Dense {
	data := make([]float64, 9)
	copy(data, h[:])
	return mat.NewDense(3, 3, data)
}

// Inverse returns the inverse homography renormalised so H[8] = 1.
func (h Homography) Inverse() (Homography, error) {

	var inv mat.Dense

	if err := inv.Inverse(h.Mat()); err != nil {
		return Homography{}, fmt.Errorf("error inverting homography: %w", err)
	}

	w := inv.At(2, 2)

	if math.Abs(w) < DenominatorEpsilon {
		return Homography{}, ErrSingularHomography
	}

	var out Homography

	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c) / w
		}
	}

	out[8] = 1

	return out, nil
}

// Project maps canonical model vertices through scale, pose and homography
// into image coordinates.
func Project(h Homography, scale float64, pose Pose, model []r2.Point) []r2.Point {
	out := make([]r2.Point, len(model))

	for i, v := range model {
		out[i] = h.Apply(pose.Transform(v, scale))
	}

	return out
}
