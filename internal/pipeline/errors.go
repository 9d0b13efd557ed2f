package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindCrop          Kind = "crop"
	KindRecognition   Kind = "recognition"
	KindCancellation  Kind = "cancellation"
)

var (
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
	ErrTileTimeout   = errors.New("tile recognition timed out")
	ErrCancelled     = errors.New("pipeline run cancelled")
)

// Error is a pipeline failure with the tile it belongs to. Index is -1 for
// run-level errors.
type Error struct {
	Kind    Kind
	Index   int
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Index >= 0 {
		prefix = fmt.Sprintf("[%s] tile %d", e.Kind, e.Index)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigurationError rejects a run before any tile is scheduled.
func ConfigurationError(message string) *Error {
	return &Error{Kind: KindConfiguration, Index: -1, Message: message, Err: ErrInvalidConfig}
}

// CropError is recorded on a single tile when its band cannot be cut out.
func CropError(index int, message string, err error) *Error {
	return &Error{Kind: KindCrop, Index: index, Message: message, Err: err}
}

// RecognitionError is recorded on a single tile when the service fails or times out.
func RecognitionError(index int, message string, err error) *Error {
	return &Error{Kind: KindRecognition, Index: index, Message: message, Err: err}
}

// CancellationError signals that a run stopped before every tile settled.
func CancellationError(index int, err error) *Error {
	if err == nil {
		err = ErrCancelled
	} else if !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return &Error{Kind: KindCancellation, Index: index, Message: "run cancelled", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
