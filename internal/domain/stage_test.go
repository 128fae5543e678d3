package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageFor(t *testing.T) {
	t.Parallel()
	const cl, ul = 10, 20

	assert.Equal(t, StageInitialCalibration, StageFor(1, cl, ul))
	assert.Equal(t, StageInitialCalibration, StageFor(10, cl, ul))
	assert.Equal(t, StageUncertaintyEstimation, StageFor(11, cl, ul))
	assert.Equal(t, StageUncertaintyEstimation, StageFor(20, cl, ul))
	assert.Equal(t, StagePredictionSetConstruction, StageFor(21, cl, ul))
	assert.Equal(t, StagePredictionSetConstruction, StageFor(1000, cl, ul))
}

func TestStageOrdering(t *testing.T) {
	t.Parallel()
	assert.True(t, StageInitialCalibration.Before(StageUncertaintyEstimation))
	assert.True(t, StageUncertaintyEstimation.Before(StagePredictionSetConstruction))
	assert.True(t, StagePredictionSetConstruction.Before(StageFinished))
	assert.False(t, StageFinished.Before(StageInitialCalibration))
}

func TestStageFromInt(t *testing.T) {
	t.Parallel()
	s, err := StageFromInt(2)
	require.NoError(t, err)
	assert.Equal(t, StageUncertaintyEstimation, s)

	_, err = StageFromInt(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = StageFromInt(5)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStageString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "INITIAL_CALIBRATION", StageInitialCalibration.String())
	assert.Equal(t, "UNCERTAINTY_ESTIMATION", StageUncertaintyEstimation.String())
	assert.Equal(t, "PREDICTION_SET_CONSTRUCTION", StagePredictionSetConstruction.String())
	assert.Equal(t, "FINISHED", StageFinished.String())
}

func TestStatusPathSegment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "in_progress", StatusInProgress.PathSegment())
	assert.Equal(t, "timeout", StatusTimeout.PathSegment())
	assert.Equal(t, "completed", StatusCompleted.PathSegment())
}
