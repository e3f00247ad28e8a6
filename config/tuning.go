package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/swdee/go-tangram/tracker"
)

// maxTuningSize caps the tuning file read into memory
const maxTuningSize = 1 << 20

var ErrTuningExtension = errors.New("tuning file must have a .json extension")

// Tuning overrides individual TrackedBAParams fields. Fields left out of the
// file stay nil and keep their default.
type Tuning struct {
	LockingEnabled          *bool    `json:"locking_enabled,omitempty"`
	FramesNeededForLock     *int     `json:"frames_needed_for_lock,omitempty"`
	LockErrorThreshold      *float64 `json:"lock_error_threshold,omitempty"`
	UnlockErrorThreshold    *float64 `json:"unlock_error_threshold,omitempty"`
	ErrorRejectionThreshold *float64 `json:"error_rejection_threshold,omitempty"`
	HUpdateMinImprovement   *float64 `json:"h_update_min_improvement,omitempty"`
	HUpdateMaxNorm          *float64 `json:"h_update_max_norm,omitempty"`
	MaxIterations           *int     `json:"max_iterations,omitempty"`
	ProcessNoiseScale       *float64 `json:"process_noise_scale,omitempty"`
	MeasurementNoiseScale   *float64 `json:"measurement_noise_scale,omitempty"`
	OutlierWeight           *float64 `json:"outlier_weight,omitempty"`
	FScale                  *float64 `json:"f_scale,omitempty"`
}

// LoadTuning reads and validates a tuning file.
func LoadTuning(path string) (*Tuning, error) {

	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, ErrTuningExtension
	}

	info, err := os.Stat(path)

	if err != nil {
		return nil, fmt.Errorf("error reading tuning file: %w", err)
	}

	if info.Size() > maxTuningSize {
		return nil, fmt.Errorf("tuning file %s is too large: %d bytes", path, info.Size())
	}

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("error reading tuning file: %w", err)
	}

	var t Tuning

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("error parsing tuning file %s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// Validate checks the set fields are in range.
func (t *Tuning) Validate() error {

	if t.FramesNeededForLock != nil && *t.FramesNeededForLock < 1 {
		return fmt.Errorf("frames_needed_for_lock must be at least 1, got %d", *t.FramesNeededForLock)
	}

	if t.MaxIterations != nil && *t.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", *t.MaxIterations)
	}

	positive := map[string]*float64{
		"lock_error_threshold":      t.LockErrorThreshold,
		"unlock_error_threshold":    t.UnlockErrorThreshold,
		"error_rejection_threshold": t.ErrorRejectionThreshold,
		"h_update_max_norm":         t.HUpdateMaxNorm,
		"process_noise_scale":       t.ProcessNoiseScale,
		"measurement_noise_scale":   t.MeasurementNoiseScale,
		"f_scale":                   t.FScale,
	}

	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}

	if t.HUpdateMinImprovement != nil && (*t.HUpdateMinImprovement < 0 || *t.HUpdateMinImprovement >= 1) {
		return fmt.Errorf("h_update_min_improvement must be in [0, 1), got %v", *t.HUpdateMinImprovement)
	}

	if t.OutlierWeight != nil && (*t.OutlierWeight <= 0 || *t.OutlierWeight > 1) {
		return fmt.Errorf("outlier_weight must be in (0, 1], got %v", *t.OutlierWeight)
	}

	if t.LockErrorThreshold != nil && t.UnlockErrorThreshold != nil &&
		*t.UnlockErrorThreshold < *t.LockErrorThreshold {
		return errors.New("unlock_error_threshold must not be below lock_error_threshold")
	}

	return nil
}

// Apply copies the set fields onto p.
func (t *Tuning) Apply(p *tracker.TrackedBAParams) {

	if t == nil {
		return
	}

	setBool(&p.LockingEnabled, t.LockingEnabled)
	setInt(&p.FramesNeededForLock, t.FramesNeededForLock)
	setFloat(&p.LockErrorThreshold, t.LockErrorThreshold)
	setFloat(&p.UnlockErrorThreshold, t.UnlockErrorThreshold)
	setFloat(&p.ErrorRejectionThreshold, t.ErrorRejectionThreshold)
	setFloat(&p.HUpdateMinImprovement, t.HUpdateMinImprovement)
	setFloat(&p.HUpdateMaxNorm, t.HUpdateMaxNorm)
	setInt(&p.MaxIterations, t.MaxIterations)
	setFloat(&p.ProcessNoiseScale, t.ProcessNoiseScale)
	setFloat(&p.MeasurementNoiseScale, t.MeasurementNoiseScale)
	setFloat(&p.OutlierWeight, t.OutlierWeight)
	setFloat(&p.FScale, t.FScale)
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
