package tracker

import (
	"errors"
	"fmt"
	"math"

	"github.com/swdee/go-tangram/geom"
	"gonum.org/v1/gonum/mat"
)

const (
	// NumPieces is the number of tangram pieces, class ids 0 to 6
	NumPieces = 7
	// StateSize is 8 homography parameters, the scale and a pose per piece
	StateSize = 8 + 1 + 3*NumPieces
	// maxInnovationHistory bounds the innovations kept for TrackingQuality
	maxInnovationHistory = 10
)

// ErrNotInitialized is returned when updating a filter that has no state.
var ErrNotInitialized = errors.New("kalman tracker is not initialized")

// StateMean represents the 1x30 state vector
type StateMean []float64

// StateCov represents the 30x30 state covariance
type StateCov struct {
	*mat.SymDense
}

// KalmanTracker smooths the homography, scale and piece poses over time.
// The state is assumed constant between frames, prediction only grows the
// covariance and the measurement model is the identity over the observed
// entries.
type KalmanTracker struct {
	// scales the per entry process noise variance
	processNoiseScale float64
	// scales the default per entry measurement noise variance
	measurementNoiseScale float64
	// per entry base standard deviation shared by process and measurement
	// noise
	baseStd StateMean
	mean    StateMean
	cov     *StateCov
	// timestamp of the last initialize or update in seconds
	timestamp   float64
	initialized bool
	// pieces that have been observed at least once
	observed map[int]bool
	// normalised innovation magnitudes, oldest first
	innovations []float64
}

// NewKalmanTracker returns an uninitialized KalmanTracker.
func NewKalmanTracker(processNoiseScale, measurementNoiseScale float64) *KalmanTracker {

	kt := &KalmanTracker{
		processNoiseScale:     processNoiseScale,
		measurementNoiseScale: measurementNoiseScale,
	}

	kt.Reset()

	return kt
}

// Reset returns the tracker to the uninitialized state.
func (kt *KalmanTracker) Reset() {
	kt.mean = make(StateMean, StateSize)
	kt.cov = &StateCov{mat.NewSymDense(StateSize, nil)}
	kt.baseStd = baseStd(1)
	kt.timestamp = 0
	kt.initialized = false
	kt.observed = make(map[int]bool)
	kt.innovations = nil
}

// baseStd returns the standard deviation of each state entry. Scale noise is
// relative to the scale the filter was initialised with.
func baseStd(scale float64) StateMean {
	std := make(StateMean, StateSize)

	std[0] = 1e-2 // h00
	std[1] = 1e-2 // h01
	std[2] = 2.0  // h02, x translation in pixels
	std[3] = 1e-2 // h10
	std[4] = 1e-2 // h11
	std[5] = 2.0  // h12, y translation in pixels
	std[6] = 1e-5 // h20 perspective
	std[7] = 1e-5 // h21 perspective
	std[8] = 1e-2 * math.Max(math.Abs(scale), 1e-6)

	for id := 0; id < NumPieces; id++ {
		o := poseOffset(id)
		std[o] = 2e-2  // theta
		std[o+1] = 2.0 // tx
		std[o+2] = 2.0 // ty
	}

	return std
}

// Initialize sets the state from a solution and marks the given pieces as
// observed.
func (kt *KalmanTracker) Initialize(h geom.Homography, scale float64,
	poses map[int]geom.Pose, timestamp float64) {

	kt.Reset()

	kt.baseStd = baseStd(scale)
	kt.mean = packState(h, scale, poses)

	// initial covariance is the measurement noise of a single observation
	for i := 0; i < StateSize; i++ {
		std := kt.baseStd[i]
		kt.cov.SetSym(i, i, std*std*kt.measurementNoiseScale)
	}

	for id := range poses {

		if validPiece(id) {
			kt.observed[id] = true
		}
	}

	kt.timestamp = timestamp
	kt.initialized = true
}

// Predict inflates the covariance by the process noise for an elapsed time
// of dt seconds. The state mean is unchanged.
func (kt *KalmanTracker) Predict(dt float64) {

	if !kt.initialized || dt <= 0 {
		return
	}

	for i := 0; i < StateSize; i++ {
		std := kt.baseStd[i]
		q := std * std * kt.processNoiseScale * dt
		kt.cov.SetSym(i, i, kt.cov.At(i, i)+q)
	}
}

// DefaultMeasurementCovariance returns the diagonal measurement noise with
// each piece block multiplied by its factor. Pieces missing from factors
// use a factor of 1.
func (kt *KalmanTracker) DefaultMeasurementCovariance(factors map[int]float64) *mat.SymDense {
	r := mat.NewSymDense(StateSize, nil)

	for i := 0; i < StateSize; i++ {
		std := kt.baseStd[i]
		r.SetSym(i, i, std*std*kt.measurementNoiseScale)
	}

	for id, f := range factors {

		if !validPiece(id) || f <= 0 {
			continue
		}

		o := poseOffset(id)

		for i := o; i < o+3; i++ {
			r.SetSym(i, i, r.At(i, i)*f)
		}
	}

	return r
}

// Update corrects the state with a measured solution. measCov is the 30x30
// measurement noise, nil uses DefaultMeasurementCovariance. Only the
// homography, the scale and the pieces present in poses are updated. A piece
// seen for the first time is copied into the state without filtering.
func (kt *KalmanTracker) Update(h geom.Homography, scale float64,
	poses map[int]geom.Pose, measCov *mat.SymDense, timestamp float64) error {

	if !kt.initialized {
		return ErrNotInitialized
	}

	if measCov == nil {
		measCov = kt.DefaultMeasurementCovariance(nil)
	}

	measurement := packState(h, scale, poses)

	// indices of the state entries observed by this measurement
	idx := []int{0, 1, 2, 3, 4, 5, 6, 7, 8}

	for id := 0; id < NumPieces; id++ {

		if _, ok := poses[id]; !ok {
			continue
		}

		o := poseOffset(id)

		if !kt.observed[id] {
			kt.seedPiece(id, measurement, measCov)
			continue
		}

		idx = append(idx, o, o+1, o+2)
	}

	m := len(idx)

	// compute the innovation (measurement residual)
	innovation := mat.NewVecDense(m, nil)

	for k, i := range idx {
		d := measurement[i] - kt.mean[i]

		if isTheta(i) {
			d = geom.WrapAngle(d)
		}

		innovation.SetVec(k, d)
	}

	// project the state covariance to measurement space and add the
	// measurement noise
	projectedCov := mat.NewSymDense(m, nil)

	for a, i := range idx {
		for b := a; b < m; b++ {
			j := idx[b]
			projectedCov.SetSym(a, b, kt.cov.At(i, j)+measCov.At(i, j))
		}
	}

	// perform Cholesky factorization of the projected covariance matrix
	chol := mat.Cholesky{}

	if ok := chol.Factorize(projectedCov); !ok {
		return errors.New("failed to factorize projected covariance")
	}

	// B is the cross covariance between the state and the measurement
	B := mat.NewDense(StateSize, m, nil)

	for r := 0; r < StateSize; r++ {
		for k, j := range idx {
			B.Set(r, k, kt.cov.At(r, j))
		}
	}

	// compute the transposed Kalman gain using the Cholesky factorization
	var kalmanGain mat.Dense

	if err := chol.SolveTo(&kalmanGain, B.T()); err != nil {
		return fmt.Errorf("failed to compute kalman gain: %w", err)
	}

	// update the state mean with the innovation
	tmp := mat.NewVecDense(StateSize, nil)
	tmp.MulVec(kalmanGain.T(), innovation)

	for i := 0; i < StateSize; i++ {
		kt.mean[i] += tmp.AtVec(i)
	}

	for _, i := range idx {
		if isTheta(i) {
			kt.mean[i] = geom.WrapAngle(kt.mean[i])
		}
	}

	// update the state covariance, P = P - K S K^T
	temp := mat.NewDense(StateSize, m, nil)
	temp.Mul(kalmanGain.T(), projectedCov)

	temp2 := mat.NewDense(StateSize, StateSize, nil)
	temp2.Mul(temp, &kalmanGain)

	for i := 0; i < StateSize; i++ {
		for j := i; j < StateSize; j++ {
			v := kt.cov.At(i, j) - 0.5*(temp2.At(i, j)+temp2.At(j, i))
			kt.cov.SetSym(i, j, v)
		}
	}

	// normalised innovation magnitude sqrt(y^T S^-1 y / m)
	var w mat.VecDense

	if err := chol.SolveVecTo(&w, innovation); err != nil {
		return fmt.Errorf("failed to whiten innovation: %w", err)
	}

	nis := math.Sqrt(math.Max(mat.Dot(innovation, &w), 0) / float64(m))
	kt.pushInnovation(nis)

	kt.timestamp = timestamp

	return nil
}

// seedPiece copies a first time measurement into the state and resets the
// piece covariance block to the measurement noise.
func (kt *KalmanTracker) seedPiece(id int, measurement StateMean, measCov *mat.SymDense) {
	o := poseOffset(id)

	for i := o; i < o+3; i++ {
		kt.mean[i] = measurement[i]

		for j := 0; j < StateSize; j++ {
			kt.cov.SetSym(i, j, 0)
		}

		kt.cov.SetSym(i, i, measCov.At(i, i))
	}

	kt.observed[id] = true
}

func (kt *KalmanTracker) pushInnovation(v float64) {
	kt.innovations = append(kt.innovations, v)

	if len(kt.innovations) > maxInnovationHistory {
		kt.innovations = kt.innovations[len(kt.innovations)-maxInnovationHistory:]
	}
}

// TrackingQuality maps the recent innovation history to (0, 1]. Recent
// innovations weigh more and larger innovations lower the quality. An
// uninitialized tracker has quality 0.
func (kt *KalmanTracker) TrackingQuality() float64 {

	if !kt.initialized {
		return 0
	}

	if len(kt.innovations) == 0 {
		return 1
	}

	var sum, weights float64

	for i, v := range kt.innovations {
		w := float64(i + 1)
		sum += w * v
		weights += w
	}

	return 1 / (1 + sum/weights)
}

// State returns the filtered homography, scale and the poses of every piece
// observed so far.
func (kt *KalmanTracker) State() (geom.Homography, float64, map[int]geom.Pose) {
	return unpackState(kt.mean, kt.observed)
}

// Mean returns a copy of the state vector.
func (kt *KalmanTracker) Mean() StateMean {
	out := make(StateMean, StateSize)
	copy(out, kt.mean)
	return out
}

// Covariance returns a copy of the state covariance.
func (kt *KalmanTracker) Covariance() *mat.SymDense {
	out := mat.NewSymDense(StateSize, nil)
	out.CopySym(kt.cov)
	return out
}

// InnovationHistory returns a copy of the stored innovation magnitudes,
// oldest first.
func (kt *KalmanTracker) InnovationHistory() []float64 {
	return append([]float64(nil), kt.innovations...)
}

// IsInitialized reports whether the tracker holds a state.
func (kt *KalmanTracker) IsInitialized() bool {
	return kt.initialized
}

// Timestamp returns the time of the last initialize or update in seconds.
func (kt *KalmanTracker) Timestamp() float64 {
	return kt.timestamp
}

// IsObserved reports whether the piece has been observed since
// initialization.
func (kt *KalmanTracker) IsObserved(id int) bool {
	return kt.observed[id]
}
