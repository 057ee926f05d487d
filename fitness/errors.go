package fitness

import (
	"errors"
	"fmt"
	"math"

	"gonevo/architecture"
	"gonevo/imageproc"
	"gonevo/instr"
	"gonevo/neuralnet"
)

var (
	// ErrMalformed marks an individual whose programs cannot run or disagree on shape.
	ErrMalformed = errors.New("malformed individual")
	// ErrTrainingFault marks a numerical or model fault during training or evaluation.
	ErrTrainingFault = errors.New("training fault")
	// ErrResource marks environment failures that make further evaluation impossible.
	// Models may wrap it to abort the run.
	ErrResource = errors.New("resource unavailable")
)

// Outcome labels how one evaluation ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFault     Outcome = "training_fault"
	OutcomeFatal     Outcome = "fatal"
)

// Worst is the fitness assigned to failed individuals.
func Worst(maximize bool) float64 {
	if maximize {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// classify maps an evaluation error onto the failure taxonomy. Errors that are
// neither resource faults nor recognised shape/program faults count as
// training faults of this individual.
func classify(err error) (Outcome, error) {
	switch {
	case err == nil:
		return OutcomeOK, nil
	case errors.Is(err, ErrResource):
		return OutcomeFatal, err
	case errors.Is(err, ErrMalformed),
		errors.Is(err, instr.ErrSyntax),
		errors.Is(err, imageproc.ErrTransform),
		errors.Is(err, imageproc.ErrShapeMismatch),
		errors.Is(err, architecture.ErrDegenerateShape),
		errors.Is(err, architecture.ErrInvalidLayer),
		errors.Is(err, neuralnet.ErrShapeMismatch):
		if !errors.Is(err, ErrMalformed) {
			err = fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return OutcomeMalformed, err
	default:
		if !errors.Is(err, ErrTrainingFault) {
			err = fmt.Errorf("%w: %w", ErrTrainingFault, err)
		}
		return OutcomeFault, err
	}
}

// guard runs fn and turns a panic inside it into a training fault.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTrainingFault, r)
		}
	}()
	return fn()
}
