package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrModelNotFound        = errors.New("model not found")
	ErrCatalogParse         = errors.New("catalog parse error")
	ErrDownload             = errors.New("model download failed")
	ErrExtraction           = errors.New("model extraction failed")
	ErrUnsupportedInputType = errors.New("unsupported input type")
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrSubprocessFailure    = errors.New("subprocess failed")
	ErrEncodingOverlap      = errors.New("input intensity range overlaps encoding offsets")
)

// SubprocessError reports a non-zero, non-cancelled exit of an inference
// process. It matches ErrSubprocessFailure.
type SubprocessError struct {
	Path     string
	ExitCode int
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Path, e.ExitCode)
}

func (e *SubprocessError) Is(target error) bool {
	return target == ErrSubprocessFailure
}

// ShapeError reports two voxel arrays that were expected to share dimensions.
// It matches ErrShapeMismatch.
type ShapeError struct {
	Op   string
	Want [3]int
	Got  [3]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %v: want %v, got %v", e.Op, ErrShapeMismatch, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrShapeMismatch
}
