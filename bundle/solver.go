package bundle

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/correspond"
	"github.com/swdee/go-tangram/cost"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/jet"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultMaxIterations is the iteration budget used when none is given.
const DefaultMaxIterations = 100

const (
	// number of shared parameters, 8 homography plus the scale
	sharedParams = 9
	scaleIndex   = 8
	poseParams   = 3

	// damping bounds and the floor applied to the scaled diagonal
	minLambda   = 1e-10
	maxLambda   = 1e16
	minDiagonal = 1e-6
)

// SolverParams are the Levenberg-Marquardt settings.
type SolverParams struct {
	// FScale normalises residuals inside the correspondence Huber kernel
	FScale float64
	// LossScale enables a Huber loss on each residual block, zero disables
	LossScale float64
	// InitialLambda is the starting damping factor
	InitialLambda float64
	// FunctionTolerance stops when the relative cost decrease falls below it
	FunctionTolerance float64
	// ParameterTolerance stops when the relative step falls below it
	ParameterTolerance float64
	// GradientTolerance stops when the gradient max norm falls below it
	GradientTolerance float64
	// CostTolerance stops when the cost falls below it
	CostTolerance float64
}

// DefaultSolverParams returns the default solver settings.
func DefaultSolverParams() SolverParams {
	return SolverParams{
		FScale:             10,
		LossScale:          0,
		InitialLambda:      1e-4,
		FunctionTolerance:  1e-12,
		ParameterTolerance: 1e-12,
		GradientTolerance:  1e-12,
		CostTolerance:      1e-20,
	}
}

// Solver is a Levenberg-Marquardt bundle adjuster over the shared
// homography, the scale and the per piece poses.
type Solver struct {
	params SolverParams
}

// NewSolver returns a Solver using the given params.
func NewSolver(p SolverParams) *Solver {

	if p.FScale <= 0 {
		p.FScale = 1
	}

	if p.InitialLambda <= 0 {
		p.InitialLambda = 1e-4
	}

	return &Solver{params: p}
}

// Params returns the solver settings.
func (s *Solver) Params() SolverParams {
	return s.params
}

// problem is the flattened least squares problem for one Solve call.
type problem struct {
	pieces    []Piece
	blocks    []*cost.Reprojection
	hPrior    *cost.HPrior
	sPrior    *cost.ScalePrior
	lossScale float64
	// col maps a full parameter index to its column in the Jacobian or -1
	// when the parameter is held fixed
	col   []int
	free  []int
	nRows int
}

func newProblem(in Inputs, pieces []Piece, p SolverParams) *problem {
	pr := &problem{
		pieces:    pieces,
		hPrior:    in.HPrior,
		sPrior:    in.ScalePrior,
		lossScale: p.LossScale,
	}

	for _, pc := range pieces {
		w := pc.Weight

		if w <= 0 {
			w = 1
		}

		b := cost.NewReprojection(pc.Detected, pc.Model, pc.ShapeType, w, p.FScale)
		pr.blocks = append(pr.blocks, b)
		pr.nRows += b.NumResiduals()
	}

	if pr.hPrior != nil && !in.FixHomography {
		pr.nRows += pr.hPrior.NumResiduals()
	} else {
		pr.hPrior = nil
	}

	if pr.sPrior != nil && !in.FixScale {
		pr.nRows++
	} else {
		pr.sPrior = nil
	}

	nFull := sharedParams + poseParams*len(pieces)
	pr.col = make([]int, nFull)

	for i := range pr.col {
		fixed := (i < scaleIndex && in.FixHomography) || (i == scaleIndex && in.FixScale)

		if fixed {
			pr.col[i] = -1
			continue
		}

		pr.col[i] = len(pr.free)
		pr.free = append(pr.free, i)
	}

	return pr
}

// blockCost applies the optional Huber loss to a residual block with
// squared norm sq, returning rho(sq) and the factor the residuals and
// Jacobian rows are scaled by.
func (pr *problem) blockCost(sq float64) (float64, float64) {
	a := pr.lossScale

	if a <= 0 || sq <= a*a {
		return sq, 1
	}

	root := math.Sqrt(sq)

	return 2*a*root - a*a, math.Sqrt(a / root)
}

// totalCost evaluates the total cost 0.5 * sum rho(|r_b|^2) at x.
func (pr *problem) totalCost(x []float64) float64 {
	var total float64

	for b, blk := range pr.blocks {
		h, s, pose := unpackFloat(x, b)
		out := make([]jet.Float, blk.NumResiduals())
		cost.Evaluate(blk, h, s, pose, out)

		var sq float64

		for _, v := range out {
			sq += float64(v) * float64(v)
		}

		rho, _ := pr.blockCost(sq)
		total += 0.5 * rho
	}

	total += 0.5 * pr.priorSquares(x, nil, nil)

	return total
}

// linearize returns the reweighted residual vector, the Jacobian over the
// free parameters and the cost at x.
func (pr *problem) linearize(x []float64) (*mat.VecDense, *mat.Dense, float64) {
	r := mat.NewVecDense(pr.nRows, nil)
	J := mat.NewDense(pr.nRows, len(pr.free), nil)

	var total float64
	row := 0

	for b, blk := range pr.blocks {
		h, s, pose := unpackJet(x, b)
		out := make([]jet.Jet, blk.NumResiduals())
		cost.Evaluate(blk, h, s, pose, out)

		var sq float64

		for _, v := range out {
			sq += v.V * v.V
		}

		rho, k := pr.blockCost(sq)
		total += 0.5 * rho

		for i, v := range out {
			r.SetVec(row+i, k*v.V)

			for local := 0; local < jet.Size; local++ {
				c := pr.col[globalIndex(b, local)]

				if c < 0 || v.D[local] == 0 {
					continue
				}

				J.Set(row+i, c, k*v.D[local])
			}
		}

		row += len(out)
	}

	total += 0.5 * pr.priorSquares(x, r, J)

	return r, J, total
}

// priorSquares returns the summed squared prior residuals, writing rows into
// r and J when they are not nil.
func (pr *problem) priorSquares(x []float64, r *mat.VecDense, J *mat.Dense) float64 {
	var sq float64
	row := pr.nRows

	if pr.sPrior != nil {
		row--
	}

	if pr.hPrior != nil {
		row -= pr.hPrior.NumResiduals()

		var h [8]jet.Float

		for i := range h {
			h[i] = jet.Float(x[i])
		}

		out := make([]jet.Float, 8)
		cost.EvaluateHPrior(*pr.hPrior, h, out)
		w := math.Sqrt(pr.hPrior.Lambda)

		for i, v := range out {
			sq += float64(v) * float64(v)

			if r != nil {
				r.SetVec(row+i, float64(v))
				J.Set(row+i, pr.col[i], w)
			}
		}

		row += 8
	}

	if pr.sPrior != nil {
		v := float64(cost.EvaluateScalePrior(*pr.sPrior, jet.Float(x[scaleIndex])))
		sq += v * v

		if r != nil {
			r.SetVec(row, v)
			J.Set(row, pr.col[scaleIndex], math.Sqrt(pr.sPrior.Lambda))
		}
	}

	return sq
}

// globalIndex maps a local jet slot of block b to the full parameter index.
func globalIndex(b, local int) int {

	if local < sharedParams {
		return local
	}

	return sharedParams + poseParams*b + (local - sharedParams)
}

func unpackFloat(x []float64, b int) ([8]jet.Float, jet.Float, [3]jet.Float) {
	var h [8]jet.Float
	var pose [3]jet.Float

	for i := range h {
		h[i] = jet.Float(x[i])
	}

	for i := range pose {
		pose[i] = jet.Float(x[globalIndex(b, sharedParams+i)])
	}

	return h, jet.Float(x[scaleIndex]), pose
}

func unpackJet(x []float64, b int) ([8]jet.Jet, jet.Jet, [3]jet.Jet) {
	var h [8]jet.Jet
	var pose [3]jet.Jet

	for i := range h {
		h[i] = jet.Variable(x[i], i)
	}

	for i := range pose {
		pose[i] = jet.Variable(x[globalIndex(b, sharedParams+i)], sharedParams+i)
	}

	return h, jet.Variable(x[scaleIndex], scaleIndex), pose
}

// Solve runs bundle adjustment on the inputs for at most maxIterations
// trial steps, zero or less uses DefaultMaxIterations. Pieces without a
// usable detection are ignored. The best parameters found are returned
// even when the budget runs out.
func (s *Solver) Solve(in Inputs, maxIterations int) Solution {

	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	pieces := usablePieces(in.Pieces)
	x := s.initialize(in, pieces)
	pr := newProblem(in, pieces, s.params)

	sol := NewSolution()

	if pr.nRows > 0 && len(pr.free) > 0 {
		sol.Iterations, sol.Converged = s.minimize(pr, x, maxIterations)
	} else {
		sol.Converged = true
	}

	var hp [8]float64
	copy(hp[:], x[:8])
	sol.H = geom.HomographyFromParams(hp)
	sol.Scale = x[scaleIndex]

	for b, pc := range pieces {
		o := globalIndex(b, sharedParams)
		pose := geom.Pose{Theta: geom.WrapAngle(x[o]), Tx: x[o+1], Ty: x[o+2]}
		sol.Poses[pc.ClassID] = pose

		errPx, corr, ok := pieceError(pr.blocks[b], sol.H, sol.Scale, pose)

		if !ok {
			continue
		}

		corr.MirroredModel = pc.MirroredModel
		sol.Errors[pc.ClassID] = errPx
		sol.Correspondences[pc.ClassID] = corr
	}

	return sol
}

// minimize runs the damped Gauss-Newton iterations in place on x.
func (s *Solver) minimize(pr *problem, x []float64, maxIterations int) (int, bool) {
	p := s.params
	lambda := p.InitialLambda
	n := len(pr.free)

	r, J, c := pr.linearize(x)

	trial := make([]float64, len(x))
	step := make([]float64, n)

	for iter := 1; iter <= maxIterations; iter++ {
		var jtj mat.SymDense
		jtj.SymOuterK(1, J.T())

		var g mat.VecDense
		g.MulVec(J.T(), r)

		if c <= p.CostTolerance || floats.Norm(g.RawVector().Data, math.Inf(1)) < p.GradientTolerance {
			return iter - 1, true
		}

		a := mat.NewSymDense(n, nil)
		a.CopySym(&jtj)

		for i := 0; i < n; i++ {
			d := jtj.At(i, i)
			a.SetSym(i, i, d+lambda*math.Max(d, minDiagonal))
		}

		var chol mat.Cholesky

		if ok := chol.Factorize(a); !ok {
			lambda *= 10
			continue
		}

		var delta mat.VecDense

		if err := chol.SolveVecTo(&delta, &g); err != nil {
			lambda *= 10
			continue
		}

		copy(trial, x)

		for i, fi := range pr.free {
			step[i] = -delta.AtVec(i)
			trial[fi] += step[i]
		}

		if pr.col[scaleIndex] >= 0 && trial[scaleIndex] <= 0 {
			lambda *= 10
			continue
		}

		cNew := pr.totalCost(trial)

		if !(cNew < c) {

			if floats.Norm(step, 2) < p.ParameterTolerance*(floats.Norm(x, 2)+p.ParameterTolerance) {
				return iter, true
			}

			lambda *= 4

			if lambda > maxLambda {
				return iter, false
			}

			continue
		}

		decrease := (c - cNew) / math.Max(c, 1e-300)
		copy(x, trial)
		lambda = math.Max(lambda/3, minLambda)

		if decrease < p.FunctionTolerance ||
			floats.Norm(step, 2) < p.ParameterTolerance*(floats.Norm(x, 2)+p.ParameterTolerance) {
			return iter, true
		}

		r, J, c = pr.linearize(x)
	}

	return maxIterations, false
}

// initialize builds the full parameter vector from the warm start, filling
// what is missing with a cold start estimate.
func (s *Solver) initialize(in Inputs, pieces []Piece) []float64 {
	x := make([]float64, sharedParams+poseParams*len(pieces))

	h := geom.Identity()

	if in.InitialH != nil {
		h = *in.InitialH
	}

	hp := h.Params()
	copy(x, hp[:])

	scale := in.InitialScale

	if scale <= 0 {
		scale = EstimateScale(h, pieces)
	}

	x[scaleIndex] = scale

	sp := SelectParams{FScale: s.params.FScale, MaxEvaluations: 0}

	for b, pc := range pieces {
		pose, ok := in.InitialPoses[pc.ClassID]

		if !ok {
			pose = SelectPose(pc.Detected, pc.Model, pc.ShapeType, h, scale, nil, sp).Pose
		}

		o := globalIndex(b, sharedParams)
		x[o] = pose.Theta
		x[o+1] = pose.Tx
		x[o+2] = pose.Ty
	}

	return x
}

// EstimateScale is the median over pieces of the square root of the
// back projected detected area over the model area.
func EstimateScale(h geom.Homography, pieces []Piece) float64 {
	inv, err := h.Inverse()

	if err != nil {
		inv = geom.Identity()
	}

	var ratios []float64

	for _, pc := range pieces {

		if len(pc.Detected) < 3 {
			continue
		}

		plane := make([]r2.Point, len(pc.Detected))

		for i, d := range pc.Detected {
			plane[i] = inv.Apply(d)
		}

		ma := geom.Area(pc.Model)

		if ma <= 0 {
			continue
		}

		ratios = append(ratios, math.Sqrt(geom.Area(plane)/ma))
	}

	if len(ratios) == 0 {
		return 1
	}

	sort.Float64s(ratios)
	m := stat.Quantile(0.5, stat.Empirical, ratios, nil)

	if m <= 0 || math.IsNaN(m) {
		return 1
	}

	return m
}

// usablePieces drops pieces whose detection can not be matched and orders
// the rest by class id.
func usablePieces(in []Piece) []Piece {
	out := make([]Piece, 0, len(in))

	for _, pc := range in {

		if len(pc.Detected) == 0 || len(pc.Detected) != len(pc.Model) {
			continue
		}

		out = append(out, pc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClassID < out[j].ClassID
	})

	return out
}

// pieceError returns the RMS pixel distance between the projected model and
// the winning ordering of the detection, together with that ordering.
func pieceError(blk *cost.Reprojection, h geom.Homography, scale float64, pose geom.Pose) (float64, correspond.Correspondence, bool) {
	x := make([]float64, sharedParams+poseParams)
	hp := h.Params()
	copy(x, hp[:])
	x[scaleIndex] = scale
	x[sharedParams] = pose.Theta
	x[sharedParams+1] = pose.Tx
	x[sharedParams+2] = pose.Ty

	hv, sv, pv := unpackFloat(x, 0)
	out := make([]jet.Float, blk.NumResiduals())
	best := cost.Evaluate(blk, hv, sv, pv, out)

	if best < 0 {
		return 0, correspond.Correspondence{}, false
	}

	ws := math.Sqrt(blk.Weight)
	var sum float64

	for _, v := range out {
		d := float64(v) / ws
		sum += d * d
	}

	rms := math.Sqrt(sum / float64(len(blk.Model)))

	return rms, blk.Candidates()[best].Correspondence, true
}
