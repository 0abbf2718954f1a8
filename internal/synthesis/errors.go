package synthesis

import (
	"errors"
	"fmt"
)

var (
	// ErrGeneration matches every *GenerationError.
	ErrGeneration = errors.New("answer generation failed")

	// ErrVerificationUnavailable is returned when claims could not be checked.
	ErrVerificationUnavailable = errors.New("verification unavailable")

	// ErrNoSources is returned when there is nothing to answer from.
	ErrNoSources = errors.New("no sources to answer from")
)

// GenerationError is an upstream LLM failure.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating answer with %s: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }
