package model

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

var (
	ErrInvalidClass         = errors.New("invalid class")
	ErrInvalidPrediction    = errors.New("invalid prediction")
	ErrReferenceNotFound    = errors.New("reference glyph not found")
	ErrNoConvLayer          = errors.New("no convolutional layer in backbone")
	ErrArchitectureMismatch = errors.New("architecture mismatch")
	ErrResource             = errors.New("resource error")

	ErrInvalidImage       = glyph.ErrInvalidImage
	ErrCheckpointNotFound = checkpoint.ErrCheckpointNotFound
)

type InvalidClassError struct {
	Class int
}

func (e *InvalidClassError) Error() string {
	return fmt.Sprintf("invalid class %d: must be in [0, %d)", e.Class, NumClasses)
}

func (*InvalidClassError) Unwrap() error {
	return ErrInvalidClass
}

func NewInvalidClassError(class int) error {
	return &InvalidClassError{Class: class}
}

type InvalidPredictionError struct {
	Class      int
	NumClasses int
}

func (e *InvalidPredictionError) Error() string {
	return fmt.Sprintf("predicted class %d outside [0, %d)", e.Class, e.NumClasses)
}

func (*InvalidPredictionError) Unwrap() error {
	return ErrInvalidPrediction
}

type ReferenceNotFoundError struct {
	Class int
	Path  string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("reference glyph for class %d not found at %s", e.Class, e.Path)
}

func (*ReferenceNotFoundError) Unwrap() error {
	return ErrReferenceNotFound
}

func NewReferenceNotFoundError(class int, path string) error {
	return &ReferenceNotFoundError{Class: class, Path: path}
}

type ArchitectureMismatchError struct {
	Want string
	Got  string
}

func (e *ArchitectureMismatchError) Error() string {
	return fmt.Sprintf("architecture mismatch: expected %s, got %s", e.Want, e.Got)
}

func (*ArchitectureMismatchError) Unwrap() error {
	return ErrArchitectureMismatch
}

// ErrorKind groups errors by who has to act on them.
type ErrorKind string

const (
	// KindInput is a problem with the request: bad image, bad class id.
	KindInput ErrorKind = "input"
	// KindModel is a deployment defect: missing or mismatched checkpoints,
	// out-of-range predictions.
	KindModel ErrorKind = "model"
	// KindResource is a transient I/O failure.
	KindResource ErrorKind = "resource"
	KindUnknown  ErrorKind = "unknown"
)

func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidImage), errors.Is(err, ErrInvalidClass):
		return KindInput
	case errors.Is(err, ErrReferenceNotFound):
		return KindInput
	case errors.Is(err, ErrInvalidPrediction),
		errors.Is(err, ErrNoConvLayer),
		errors.Is(err, ErrArchitectureMismatch),
		errors.Is(err, checkpoint.ErrCheckpointNotFound),
		errors.Is(err, checkpoint.ErrCorruptCheckpoint),
		errors.Is(err, checkpoint.ErrIncompatibleFormat),
		errors.Is(err, nn.ErrShape):
		return KindModel
	case errors.Is(err, ErrResource):
		return KindResource
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindResource
	}
	return KindUnknown
}

// Retryable reports whether a caller may retry the failed operation.
func Retryable(err error) bool {
	return KindOf(err) == KindResource
}
