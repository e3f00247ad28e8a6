// Package jet provides the scalar types the residual functions are written
// against. Float evaluates plain values, Jet carries forward mode
// derivatives so one generic residual yields both values and exact
// Jacobians.
package jet

import "math"

// Size is the number of derivative slots carried by a Jet. One reprojection
// block depends on 8 homography parameters, the scale and a 3 parameter
// piece pose.
const Size = 12

// Scalar is the arithmetic required by the generic residual functions.
type Scalar[T any] interface {
	Add(T) T
	Sub(T) T
	Mul(T) T
	Div(T) T
	Neg() T
	Sqrt() T
	Abs() T
	Sin() T
	Cos() T
	// Scale multiplies by a constant
	Scale(float64) T
	// Const lifts a constant into the same algebra as the receiver
	Const(float64) T
	// Real returns the value part
	Real() float64
}

// Float is a plain float64 satisfying Scalar.
type Float float64

func (a Float) Add(b Float) Float { return a + b }
func (a Float) Sub(b Float) Float { return a - b }
func (a Float) Mul(b Float) Float { return a * b }
func (a Float) Div(b Float) Float { return a / b }
func (a Float) Neg() Float { return -a }
func (a Float) Sqrt() Float { return Float(math.Sqrt(float64(a))) }
func (a Float) Abs() Float { return Float(math.Abs(float64(a))) }
func (a Float) Sin() Float { return Float(math.Sin(float64(a))) }
func (a Float) Cos() Float { return Float(math.Cos(float64(a))) }
func (a Float) Scale(k float64) Float { return a * Float(k) }
func (a Float) Const(v float64) Float { return Float(v) }
func (a Float) Real() float64 { return float64(a) }

// Jet is a dual number with Size infinitesimal parts.
type Jet struct {
	V float64
	D [Size]float64
}

// Variable returns a Jet with value v that is the i'th independent variable.
func Variable(v float64, i int) Jet {
	j := Jet{V: v}
	j.D[i] = 1
	return j
}

// Constant returns a Jet with value v and no derivative.
func Constant(v float64) Jet {
	return Jet{V: v}
}

func (a Jet) Add(b Jet) Jet {
	out := Jet{V: a.V + b.V}

	for i := range out.D {
		out.D[i] = a.D[i] + b.D[i]
	}

	return out
}

func (a Jet) Sub(b Jet) Jet {
	out := Jet{V: a.V - b.V}

	for i := range out.D {
		out.D[i] = a.D[i] - b.D[i]
	}

	return out
}

func (a Jet) Mul(b Jet) Jet {
	out := Jet{V: a.V * b.V}

	for i := range out.D {
		out.D[i] = a.D[i]*b.V + a.V*b.D[i]
	}

	return out
}

func (a Jet) Div(b Jet) Jet {
	inv := 1 / b.V
	out := Jet{V: a.V * inv}

	for i := range out.D {
		out.D[i] = (a.D[i] - out.V*b.D[i]) * inv
	}

	return out
}

func (a Jet) Neg() Jet {
	return a.Scale(-1)
}

// Sqrt has no derivative at zero, the derivative part is left at zero there.
func (a Jet) Sqrt() Jet {
	v := math.Sqrt(a.V)
	out := Jet{V: v}

	if v == 0 {
		return out
	}

	k := 0.5 / v

	for i := range out.D {
		out.D[i] = a.D[i] * k
	}

	return out
}

func (a Jet) Abs() Jet {

	if a.V < 0 {
		return a.Neg()
	}

	return a
}

func (a Jet) Sin() Jet {
	s, c := math.Sincos(a.V)
	out := Jet{V: s}

	for i := range out.D {
		out.D[i] = a.D[i] * c
	}

	return out
}

func (a Jet) Cos() Jet {
	s, c := math.Sincos(a.V)
	out := Jet{V: c}

	for i := range out.D {
		out.D[i] = -a.D[i] * s
	}

	return out
}

func (a Jet) Scale(k float64) Jet {
	out := Jet{V: a.V * k}

	for i := range out.D {
		out.D[i] = a.D[i] * k
	}

	return out
}

func (a Jet) Const(v float64) Jet { return Constant(v) }
func (a Jet) Real() float64 { return a.V }
