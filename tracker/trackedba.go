package tracker

import (
	"math"
	"time"

	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/cost"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/internal/monitoring"
)

// TrackedBAParams configure the tracking orchestrator.
type TrackedBAParams struct {
	// LockingEnabled allows the homography to be frozen once stable
	LockingEnabled bool
	// FramesNeededForLock is the number of consecutive stable frames
	// before locking
	FramesNeededForLock int
	// LockErrorThreshold is the mean piece error in pixels below which a
	// frame counts as stable
	LockErrorThreshold float64
	// UnlockErrorThreshold is the mean piece error in pixels above which a
	// locked homography is released
	UnlockErrorThreshold float64
	// ErrorRejectionThreshold is the mean robust cost per vertex above
	// which a piece is down weighted as an outlier
	ErrorRejectionThreshold float64
	// HUpdateMinImprovement is the relative mean error improvement needed
	// to accept a new homography
	HUpdateMinImprovement float64
	// HUpdateMaxNorm is the largest relative change of the homography
	// parameters that is accepted
	HUpdateMaxNorm float64
	// MaxIterations is the optimizer budget per frame
	MaxIterations int
	// ProcessNoiseScale and MeasurementNoiseScale tune the Kalman tracker
	ProcessNoiseScale     float64
	MeasurementNoiseScale float64
	// OutlierWeight is the residual weight given to outlier pieces
	OutlierWeight float64
	// OutlierCovarianceFactor inflates the measurement noise of outliers
	OutlierCovarianceFactor float64
	// FScale normalises residuals in pixels inside the Huber kernels
	FScale float64
	// MinPiecesWithoutPrior is the piece count below which the homography
	// and scale priors are added
	MinPiecesWithoutPrior int
	// PriorLambdaH and PriorLambdaS weigh the homography and scale priors
	PriorLambdaH float64
	PriorLambdaS float64
	// TwinGroups lists classes with identical shapes whose labels are
	// matched to the tracked pieces every frame
	TwinGroups [][]int
	// TwinSwapMargin is the total centroid distance in pixels a relabelling
	// must save to be applied
	TwinSwapMargin float64
}

// DefaultTrackedBAParams returns the default tracking settings.
func DefaultTrackedBAParams() TrackedBAParams {
	return TrackedBAParams{
		LockingEnabled:          true,
		FramesNeededForLock:     5,
		LockErrorThreshold:      5.0,
		UnlockErrorThreshold:    15.0,
		ErrorRejectionThreshold: 2.0,
		HUpdateMinImprovement:   0.05,
		HUpdateMaxNorm:          0.10,
		MaxIterations:           bundle.DefaultMaxIterations,
		ProcessNoiseScale:       0.01,
		MeasurementNoiseScale:   1.0,
		OutlierWeight:           0.1,
		OutlierCovarianceFactor: 10,
		FScale:                  10,
		MinPiecesWithoutPrior:   3,
		PriorLambdaH:            100,
		PriorLambdaS:            100,
		TwinGroups:              DefaultTwinGroups,
		TwinSwapMargin:          1.0,
	}
}

// TrackedBA runs bundle adjustment per frame with warm starting, outlier
// down weighting, gated homography updates, homography locking and Kalman
// smoothing.
type TrackedBA struct {
	params       TrackedBAParams
	solver       *bundle.Solver
	filter       *KalmanTracker
	selectParams bundle.SelectParams
	// locking state
	locked       bool
	lockedH      geom.Homography
	lockedScale  float64
	framesStable int
	// mean error of the previous emitted solution, -1 before the first frame
	previousMeanError float64
	// last homography and scale that passed the update gate
	hasAccepted   bool
	acceptedH     geom.Homography
	acceptedScale float64
	// timestamp of the previous frame in seconds
	lastTimestamp float64
	// introspection
	lastUsedWarmStart    bool
	lastOptimizationTime time.Duration
	lastRelabel          map[int]int
}

// NewTrackedBA returns an orchestrator in the reset state.
func NewTrackedBA(p TrackedBAParams) *TrackedBA {

	sp := bundle.DefaultSolverParams()
	sp.FScale = p.FScale
	sp.LossScale = p.FScale

	sel := bundle.DefaultSelectParams()
	sel.FScale = p.FScale

	tb := &TrackedBA{
		params:       p,
		solver:       bundle.NewSolver(sp),
		filter:       NewKalmanTracker(p.ProcessNoiseScale, p.MeasurementNoiseScale),
		selectParams: sel,
	}

	tb.Reset()

	return tb
}

// Reset clears the filter, the locking state and the accepted homography.
func (tb *TrackedBA) Reset() {
	tb.filter.Reset()
	tb.locked = false
	tb.lockedH = geom.Identity()
	tb.lockedScale = 1
	tb.framesStable = 0
	tb.previousMeanError = -1
	tb.hasAccepted = false
	tb.acceptedH = geom.Identity()
	tb.acceptedScale = 1
	tb.lastTimestamp = 0
	tb.lastUsedWarmStart = false
	tb.lastOptimizationTime = 0
	tb.lastRelabel = make(map[int]int)
}

// SetLockingEnabled turns locking on or off. Disabling releases any lock
// and clears the stable frame counter.
func (tb *TrackedBA) SetLockingEnabled(enabled bool) {
	tb.params.LockingEnabled = enabled

	if !enabled {
		tb.locked = false
		tb.framesStable = 0
	}
}

// ProcessFrame estimates the solution for one frame of detections captured
// at timestamp seconds. Warm start values in the inputs are used only when
// the orchestrator has no state of its own.
func (tb *TrackedBA) ProcessFrame(in bundle.Inputs, timestamp float64) bundle.Solution {

	start := time.Now()
	timings := make(map[string]float64)

	// Step 1: predict the filter forward to this frame
	if tb.filter.IsInitialized() {
		tb.filter.Predict(timestamp - tb.lastTimestamp)
	}

	tb.lastTimestamp = timestamp

	// swapped labels of identical pieces are undone before anything else
	// uses the class ids
	in.Pieces, tb.lastRelabel = tb.resolveTwins(in.Pieces)

	// Step 2: choose the warm start
	warmH, warmScale, warmPoses := tb.warmStart(in)

	// Step 3: pose and correspondence search with outlier down weighting
	selStart := time.Now()
	pieces, initPoses, outliers := tb.selectPieces(in.Pieces, warmH, warmScale, warmPoses)
	timings["selection"] = millis(time.Since(selStart))

	// a frame without usable pieces carries no evidence, the gate, the
	// filter and the lock state are left as they are
	if len(pieces) == 0 {
		return tb.emitUnobserved(warmH, warmScale, timings, start)
	}

	// Step 4: optimize
	problem := bundle.Inputs{
		Pieces:        pieces,
		InitialH:      &warmH,
		InitialScale:  warmScale,
		InitialPoses:  initPoses,
		FixHomography: tb.locked,
		FixScale:      tb.locked,
	}

	if !tb.locked && tb.lastUsedWarmStart && len(pieces) < tb.params.MinPiecesWithoutPrior {
		problem.HPrior = &cost.HPrior{Reference: warmH.Params(), Lambda: tb.params.PriorLambdaH}
		problem.ScalePrior = &cost.ScalePrior{Reference: warmScale, Lambda: tb.params.PriorLambdaS}
	}

	optStart := time.Now()
	sol := tb.solver.Solve(problem, tb.params.MaxIterations)

	// Step 5: gate the homography update
	if !tb.locked {

		if !tb.params.LockingEnabled || !tb.hasAccepted || tb.acceptHomography(sol) {
			tb.acceptedH = sol.H
			tb.acceptedScale = sol.Scale
			tb.hasAccepted = true
		} else {
			sol = tb.resolvePoses(pieces, sol)
		}
	}

	tb.lastOptimizationTime = time.Since(optStart)
	timings["optimization"] = millis(tb.lastOptimizationTime)

	if len(sol.Errors) > 0 {
		tb.previousMeanError = sol.MeanError()
	}

	// Step 6: adaptive measurement noise and filter update
	filterStart := time.Now()
	tb.updateFilter(sol, outliers, timestamp)
	timings["filter"] = millis(time.Since(filterStart))

	_, _, filtered := tb.filter.State()

	for id := range sol.Poses {

		if p, ok := filtered[id]; ok {
			sol.Poses[id] = p
		}
	}

	// Step 7: locking hysteresis
	tb.updateLock(sol)

	// Step 8: emit
	sol.TrackingQuality = tb.filter.TrackingQuality()
	sol.HomographyLocked = tb.locked
	timings["total"] = millis(time.Since(start))
	sol.Timings = timings

	return sol
}

// emitUnobserved returns the solution of a frame with no usable pieces. It
// reports the accepted homography and scale, or the warm start before any
// homography was accepted.
func (tb *TrackedBA) emitUnobserved(warmH geom.Homography, warmScale float64,
	timings map[string]float64, start time.Time) bundle.Solution {

	sol := bundle.NewSolution()
	sol.H, sol.Scale = warmH, warmScale

	if tb.hasAccepted && !tb.locked {
		sol.H, sol.Scale = tb.acceptedH, tb.acceptedScale
	}

	tb.lastOptimizationTime = 0
	timings["optimization"] = 0
	timings["filter"] = 0
	timings["total"] = millis(time.Since(start))

	sol.TrackingQuality = tb.filter.TrackingQuality()
	sol.HomographyLocked = tb.locked
	sol.Timings = timings

	return sol
}

// warmStart returns the homography, scale and poses the frame starts from.
// A locked homography and scale override any other source.
func (tb *TrackedBA) warmStart(in bundle.Inputs) (geom.Homography, float64, map[int]geom.Pose) {

	h := geom.Identity()
	scale := 0.0
	var poses map[int]geom.Pose

	tb.lastUsedWarmStart = false

	switch {
	case tb.filter.IsInitialized():
		h, scale, poses = tb.filter.State()
		tb.lastUsedWarmStart = true

	case tb.hasAccepted:
		h, scale = tb.acceptedH, tb.acceptedScale
		tb.lastUsedWarmStart = true

	default:
		if in.InitialH != nil {
			h = *in.InitialH
		}

		scale = in.InitialScale
		poses = in.InitialPoses
	}

	if tb.locked {
		h, scale = tb.lockedH, tb.lockedScale
	}

	if scale <= 0 {
		scale = bundle.EstimateScale(h, in.Pieces)
	}

	return h, scale, poses
}

// selectPieces runs the pose hypothesis search for every usable piece,
// down weighting those whose best cost is above the rejection threshold.
func (tb *TrackedBA) selectPieces(in []bundle.Piece, h geom.Homography, scale float64,
	warmPoses map[int]geom.Pose) ([]bundle.Piece, map[int]geom.Pose, map[int]bool) {

	pieces := make([]bundle.Piece, 0, len(in))
	poses := make(map[int]geom.Pose)
	outliers := make(map[int]bool)

	for _, pc := range in {

		if len(pc.Detected) == 0 || len(pc.Detected) != len(pc.Model) {
			continue
		}

		var hint *geom.Pose

		if p, ok := warmPoses[pc.ClassID]; ok {
			hint = &p
		}

		sel := bundle.SelectPose(pc.Detected, pc.Model, pc.ShapeType, h, scale, hint, tb.selectParams)

		pc.Model = sel.Model
		pc.MirroredModel = sel.Correspondence.MirroredModel
		pc.Weight = 1

		if sel.Cost > tb.params.ErrorRejectionThreshold {
			pc.Weight = tb.params.OutlierWeight
			outliers[pc.ClassID] = true
		}

		poses[pc.ClassID] = sel.Pose
		pieces = append(pieces, pc)
	}

	return pieces, poses, outliers
}

// acceptHomography reports whether the candidate solution improves the mean
// error enough while moving the homography little enough.
func (tb *TrackedBA) acceptHomography(sol bundle.Solution) bool {

	if tb.previousMeanError < 0 {
		return true
	}

	improvement := (tb.previousMeanError - sol.MeanError()) / math.Max(tb.previousMeanError, 1e-12)

	return improvement >= tb.params.HUpdateMinImprovement &&
		homographyChange(tb.acceptedH, sol.H) < tb.params.HUpdateMaxNorm
}

// homographyChange is the norm of the parameter change relative to the norm
// of the reference parameters.
func homographyChange(ref, h geom.Homography) float64 {
	rp := ref.Params()
	hp := h.Params()

	var diff, norm float64

	for i := range rp {
		d := hp[i] - rp[i]
		diff += d * d
		norm += rp[i] * rp[i]
	}

	return math.Sqrt(diff) / math.Max(math.Sqrt(norm), 1e-12)
}

// resolvePoses keeps the accepted homography and scale, refitting only the
// piece poses starting from the rejected solution.
func (tb *TrackedBA) resolvePoses(pieces []bundle.Piece, rejected bundle.Solution) bundle.Solution {
	h := tb.acceptedH

	in := bundle.Inputs{
		Pieces:        pieces,
		InitialH:      &h,
		InitialScale:  tb.acceptedScale,
		InitialPoses:  rejected.Poses,
		FixHomography: true,
		FixScale:      true,
	}

	sol := tb.solver.Solve(in, tb.params.MaxIterations)
	sol.Iterations += rejected.Iterations

	return sol
}

// updateFilter feeds the solution to the Kalman tracker with measurement
// noise that grows with the piece error and for outliers.
func (tb *TrackedBA) updateFilter(sol bundle.Solution, outliers map[int]bool, timestamp float64) {

	if !tb.filter.IsInitialized() {

		if len(sol.Poses) > 0 {
			tb.filter.Initialize(sol.H, sol.Scale, sol.Poses, timestamp)
		}

		return
	}

	factors := make(map[int]float64)

	for id, e := range sol.Errors {
		r := e / math.Max(tb.params.LockErrorThreshold, 1e-9)
		f := 1 + r*r

		if outliers[id] {
			f *= tb.params.OutlierCovarianceFactor
		}

		factors[id] = f
	}

	measCov := tb.filter.DefaultMeasurementCovariance(factors)

	if err := tb.filter.Update(sol.H, sol.Scale, sol.Poses, measCov, timestamp); err != nil {
		monitoring.Logf("tracker: filter update failed, reinitializing: %v", err)
		tb.filter.Initialize(sol.H, sol.Scale, sol.Poses, timestamp)
	}
}

// updateLock applies the lock and unlock hysteresis on the mean error.
func (tb *TrackedBA) updateLock(sol bundle.Solution) {

	if !tb.params.LockingEnabled || len(sol.Errors) == 0 {
		return
	}

	meanError := sol.MeanError()

	if tb.locked {

		if meanError > tb.params.UnlockErrorThreshold {
			tb.locked = false
			tb.framesStable = 0
			monitoring.Logf("tracker: homography unlocked, mean error %.2f", meanError)
		}

		return
	}

	if meanError < tb.params.LockErrorThreshold {
		tb.framesStable++
	} else {
		tb.framesStable = 0
	}

	if tb.framesStable >= tb.params.FramesNeededForLock {
		tb.locked = true
		tb.lockedH = tb.acceptedH
		tb.lockedScale = tb.acceptedScale
		monitoring.Logf("tracker: homography locked after %d stable frames, mean error %.2f",
			tb.framesStable, meanError)
	}
}

// Params returns the current settings.
func (tb *TrackedBA) Params() TrackedBAParams {
	return tb.params
}

// IsLockingEnabled reports whether locking is enabled.
func (tb *TrackedBA) IsLockingEnabled() bool {
	return tb.params.LockingEnabled
}

// IsHomographyLocked reports whether the homography is frozen.
func (tb *TrackedBA) IsHomographyLocked() bool {
	return tb.locked
}

// HasInitializedTracker reports whether the Kalman tracker holds a state.
func (tb *TrackedBA) HasInitializedTracker() bool {
	return tb.filter.IsInitialized()
}

// LastUsedWarmStart reports whether the previous frame was warm started.
func (tb *TrackedBA) LastUsedWarmStart() bool {
	return tb.lastUsedWarmStart
}

// LastOptimizationTime is the solver time spent on the previous frame.
func (tb *TrackedBA) LastOptimizationTime() time.Duration {
	return tb.lastOptimizationTime
}

// AcceptedHomography returns the homography and scale that last passed the
// update gate.
func (tb *TrackedBA) AcceptedHomography() (geom.Homography, float64, bool) {
	return tb.acceptedH, tb.acceptedScale, tb.hasAccepted
}

// LastRelabel returns the class ids relabelled in the last frame, detected
// class id to tracked class id.
func (tb *TrackedBA) LastRelabel() map[int]int {
	return tb.lastRelabel
}

// FramesStable is the current count of consecutive stable frames.
func (tb *TrackedBA) FramesStable() int {
	return tb.framesStable
}

// Filter exposes the Kalman tracker for inspection.
func (tb *TrackedBA) Filter() *KalmanTracker {
	return tb.filter
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
