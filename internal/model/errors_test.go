package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/iceball/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestErrors(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("needle pass: %w", &model.SubprocessError{Path: "python3", ExitCode: 2})
	require.ErrorIs(t, err, model.ErrSubprocessFailure)
	var subErr *model.SubprocessError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, 2, subErr.ExitCode)
	require.EqualError(t, err, "needle pass: python3 exited with code 2")

	err = &model.ShapeError{Op: "refine needle", Want: [3]int{1, 2, 3}, Got: [3]int{3, 2, 1}}
	require.ErrorIs(t, err, model.ErrShapeMismatch)
	require.NotErrorIs(t, err, model.ErrSubprocessFailure)
}
