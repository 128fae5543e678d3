package uq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

func TestSetAlphaRequiresCalibration(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	err := q.SetAlpha(0.1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotCalibrated)
}

func TestCalibrateLACPoolsSortedScores(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	probs := [][]float64{
		{0.9, 0.1},
		{0.2, 0.8},
		{0.6, 0.4},
	}
	labels := []int{0, 1, 0}
	require.NoError(t, q.Calibrate(probs, labels, true))

	got := q.ConformityScores()
	require.Len(t, got, 3)
	assert.InDelta(t, 0.1, got[0], 1e-12)
	assert.InDelta(t, 0.2, got[1], 1e-12)
	assert.InDelta(t, 0.4, got[2], 1e-12)
}

func TestCalibrateBatchedAccumulates(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	require.NoError(t, q.Calibrate([][]float64{{0.7, 0.3}}, []int{0}, true))
	require.NoError(t, q.Calibrate([][]float64{{0.4, 0.6}}, []int{1}, true))
	assert.Len(t, q.ConformityScores(), 2)

	// Unbatched replaces the pool.
	require.NoError(t, q.Calibrate([][]float64{{0.5, 0.5}}, []int{0}, false))
	assert.Len(t, q.ConformityScores(), 1)
}

func TestCalibrateRejectsBadInput(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	err := q.Calibrate(nil, nil, true)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = q.Calibrate([][]float64{{0.5, 0.5}}, []int{7}, true)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = q.Calibrate([][]float64{{0.5, 0.5}}, []int{0, 1}, true)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSetAlphaQuantile(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	q.Reset([]float64{0.1, 0.2, 0.3, 0.4})

	// q_level = ceil(5*0.5)/4 = 0.75; 'higher' quantile picks 0.4.
	require.NoError(t, q.SetAlpha(0.5))
	assert.InDelta(t, 0.4, q.QHat(), 1e-12)
	assert.InDelta(t, 0.5, q.Alpha(), 1e-12)

	// q_level above 1 is capped.
	require.NoError(t, q.SetAlpha(0.0))
	assert.InDelta(t, 0.4, q.QHat(), 1e-12)

	// High alpha selects a small score: q_level = ceil(5*0.1)/4 = 0.25.
	require.NoError(t, q.SetAlpha(0.9))
	assert.InDelta(t, 0.2, q.QHat(), 1e-12)
}

func TestBuildPredictionSets(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	q.Reset([]float64{0.1, 0.2, 0.3, 0.4})
	require.NoError(t, q.SetAlpha(0.5)) // q_hat = 0.4

	probs := [][]float64{
		{0.7, 0.2, 0.1}, // only class 0 has score <= 0.4
		{0.5, 0.3, 0.2},
	}
	sets, err := q.BuildPredictionSets(probs, false)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, sets[0])
	assert.Equal(t, []bool{false, false, false}, sets[1])

	sets, err = q.BuildPredictionSets(probs, true)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, sets[1], "argmax forced in")
}

func TestBuildPredictionSetsRequiresAlpha(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	q.Reset([]float64{0.1})
	_, err := q.BuildPredictionSets([][]float64{{0.5, 0.5}}, true)
	assert.ErrorIs(t, err, domain.ErrNotCalibrated)
}

func TestGetUncertaintyOpt(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	probs := [][]float64{
		{0.9, 0.1},
		{0.85, 0.15},
		{0.1, 0.9},
		{0.2, 0.8},
	}
	labels := []int{0, 0, 1, 1}
	require.NoError(t, q.Calibrate(probs, labels, true))

	u, alpha, err := q.GetUncertaintyOpt(probs, labels)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u, 0.0)
	assert.LessOrEqual(t, u, 1.0)
	assert.False(t, math.IsNaN(alpha))
	assert.Equal(t, alpha, q.Alpha())
	assert.False(t, math.IsNaN(q.QHat()))
}

func TestGetUncertaintyOptRequiresScores(t *testing.T) {
	t.Parallel()
	q := New(nil, ScoreLAC)
	_, _, err := q.GetUncertaintyOpt([][]float64{{0.5, 0.5}}, []int{0})
	assert.ErrorIs(t, err, domain.ErrNotCalibrated)
}

func TestAPSScores(t *testing.T) {
	t.Parallel()
	row := [][]float64{{0.5, 0.3, 0.2}}

	got := apsCal([]int{1}, row)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.8, got[0], 1e-12)

	all := aps(row)
	assert.InDelta(t, 0.5, all[0][0], 1e-12)
	assert.InDelta(t, 0.8, all[0][1], 1e-12)
	assert.InDelta(t, 1.0, all[0][2], 1e-12)
}

func TestClassConditionalCalibration(t *testing.T) {
	t.Parallel()
	q := New(NumClasses(2), ScoreLAC)
	probs := [][]float64{
		{0.9, 0.1},
		{0.3, 0.7},
		{0.6, 0.4},
	}
	require.NoError(t, q.Calibrate(probs, []int{0, 1, 0}, true))
	assert.Len(t, q.ConformityScores(), 3)
}

func TestCoverageAndMaxSetSize(t *testing.T) {
	t.Parallel()
	sets := [][]bool{
		{true, false, true},
		{false, true, false},
	}
	assert.InDelta(t, 1.0, Coverage([]int{0, 1}, sets), 1e-12)
	assert.InDelta(t, 0.5, Coverage([]int{1, 1}, sets), 1e-12)
	assert.Equal(t, 2, MaxSetSize(sets))
	assert.True(t, math.IsNaN(Coverage(nil, nil)))
}

func TestNaNHelpers(t *testing.T) {
	t.Parallel()
	v := []float64{1, math.NaN(), 3}
	assert.InDelta(t, 2.0, NaNMean(v), 1e-12)
	assert.InDelta(t, 1.0, NaNStd(v), 1e-12)
	assert.True(t, math.IsNaN(NaNMean(nil)))
	assert.True(t, math.IsNaN(NaNStd([]float64{math.NaN()})))
}

func TestQuantileHigher(t *testing.T) {
	t.Parallel()
	sorted := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, quantileHigher(sorted, 0), 1e-12)
	assert.InDelta(t, 5.0, quantileHigher(sorted, 1), 1e-12)
	assert.InDelta(t, 3.0, quantileHigher(sorted, 0.5), 1e-12)
	assert.InDelta(t, 4.0, quantileHigher(sorted, 0.6), 1e-12)
	assert.True(t, math.IsNaN(quantileHigher(nil, 0.5)))
}
