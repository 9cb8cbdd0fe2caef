package gpr

import (
	"errors"
	"fmt"
)

const (
	badInputLength = "gpr: input length mismatch"
	badInOut       = "gpr: inequal number of input and output samples"
	badStorage     = "gpr: bad storage length"
)

var (
	// ErrInvalidParameter is returned when a kernel or noise parameter is
	// non-positive or not a number.
	ErrInvalidParameter = errors.New("gpr: invalid parameter")
	// ErrFactorization is returned when the kernel matrix is singular or
	// near singular.
	ErrFactorization = errors.New("gpr: kernel matrix singular or near singular")
	// ErrCalibration is returned when no calibration restart produced a
	// usable set of hyperparameters.
	ErrCalibration = errors.New("gpr: calibration failed")
	// ErrPrediction is returned when predicting from a model that has not
	// been calibrated or with inputs of the wrong dimension.
	ErrPrediction = errors.New("gpr: prediction failed")
)

// CalibrationError carries the report of a failed calibration. It matches
// ErrCalibration with errors.Is.
type CalibrationError struct {
	Report *Report
	Err    error // cause of the last failed restart, if any
}

func (e *CalibrationError) Error() string {
	if e.Err == nil {
		return ErrCalibration.Error()
	}
	return fmt.Sprintf("%v: %v", ErrCalibration, e.Err)
}

func (e *CalibrationError) Is(target error) bool {
	return target == ErrCalibration
}

func (e *CalibrationError) Unwrap() error {
	return e.Err
}
