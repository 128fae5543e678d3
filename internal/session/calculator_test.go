package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain/mocks"
)

const (
	testCL = 10
	testUL = 20
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBatch builds one deterministic labeled batch of two-class
// probabilities where the true class is mostly the argmax.
func testBatch(batch, samples int) ([][]float64, []int) {
	probs := make([][]float64, samples)
	labels := make([]int, samples)
	for i := 0; i < samples; i++ {
		pTrue := 0.62 + 0.03*float64((batch+i)%10)
		label := i % 2
		row := make([]float64, 2)
		row[label] = pTrue
		row[1-label] = 1 - pTrue
		probs[i] = row
		labels[i] = label
	}
	return probs, labels
}

func acceptingRepo() *mocks.ScoresRepository {
	repo := &mocks.ScoresRepository{}
	repo.On("Apply", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return repo
}

func TestCalculatorHappyPath(t *testing.T) {
	t.Parallel()
	repo := acceptingRepo()
	calc := NewCalculator("s1", testCL, testUL, repo, discardLogger())

	for b := 0; b < 30; b++ {
		probs, labels := testBatch(b, 16)
		require.NoError(t, calc.ProcessEntry(context.Background(), Entry{BatchIndex: b, Probs: probs, Labels: labels}))

		switch {
		case b+1 < testCL:
			assert.Equal(t, domain.StageInitialCalibration, calc.Stage())
		case b+1 == testCL:
			assert.Equal(t, domain.StageUncertaintyEstimation, calc.Stage(), "transition applies to the next entry")
		case b+1 == testUL:
			assert.Equal(t, domain.StagePredictionSetConstruction, calc.Stage())
		}
	}
	assert.Equal(t, 30, calc.BatchCounter())

	require.NoError(t, calc.Finish(context.Background()))
	results, err := calc.Results()
	require.NoError(t, err)

	assert.Len(t, results.History.Alphas, testUL-testCL)
	assert.Len(t, results.History.Uncertainty, testUL-testCL)
	assert.Len(t, results.History.BatchCoverage, 30-testUL)
	assert.Len(t, results.History.BatchSetSizes, 30-testUL)
	assert.Len(t, results.RawData, (30-testUL)*16)
	assert.False(t, math.IsNaN(results.Metrics.Accuracy))
	assert.GreaterOrEqual(t, results.Metrics.Accuracy, 0.0)
	assert.LessOrEqual(t, results.Metrics.Accuracy, 1.0)
	assert.False(t, math.IsNaN(results.Metrics.Alpha))
	assert.False(t, math.IsNaN(results.Metrics.UncertaintyUpperBound))
	assert.False(t, math.IsNaN(results.Parameters.AlphaStd))
}

func TestCalculatorPersistsPerStage(t *testing.T) {
	t.Parallel()
	repo := &mocks.ScoresRepository{}
	var updates []domain.ScoresUpdate
	repo.On("Apply", mock.Anything, "s1", mock.Anything).Run(func(args mock.Arguments) {
		updates = append(updates, args.Get(2).(domain.ScoresUpdate))
	}).Return(nil)

	calc := NewCalculator("s1", 2, 4, repo, discardLogger())
	for b := 0; b < 5; b++ {
		probs, labels := testBatch(b, 8)
		require.NoError(t, calc.ProcessEntry(context.Background(), Entry{BatchIndex: b, Probs: probs, Labels: labels}))
	}
	require.Len(t, updates, 5)

	// Calibration batches persist scores and the counter only.
	assert.NotEmpty(t, updates[0].Scores)
	assert.Empty(t, updates[0].PushAlphas)
	require.NotNil(t, updates[0].BatchCounter)
	assert.Equal(t, 1, *updates[0].BatchCounter)
	require.NotNil(t, updates[1].Stage)
	assert.Equal(t, domain.StageUncertaintyEstimation, *updates[1].Stage)

	// Uncertainty batches push one alpha and one U each.
	assert.Len(t, updates[2].PushAlphas, 1)
	assert.Len(t, updates[2].PushUncertainties, 1)
	require.NotNil(t, updates[2].Alpha)

	// The UL boundary persists the mean-uncertainty alpha.
	require.NotNil(t, updates[3].Alpha)
	require.NotNil(t, updates[3].Stage)
	assert.Equal(t, domain.StagePredictionSetConstruction, *updates[3].Stage)

	// Prediction batches persist the accuracy counters and appends.
	require.NotNil(t, updates[4].TotalSamples)
	assert.Equal(t, int64(8), *updates[4].TotalSamples)
	assert.Len(t, updates[4].PushCoverages, 1)
	assert.Len(t, updates[4].PushSetSizes, 1)
	assert.Len(t, updates[4].AppendConfidences, 8*4)
}

func TestCalculatorRollbackOnPersistFailure(t *testing.T) {
	t.Parallel()
	repo := &mocks.ScoresRepository{}
	boom := errors.New("db down")
	repo.On("Apply", mock.Anything, "s1", mock.Anything).Return(boom).Once()
	repo.On("Apply", mock.Anything, "s1", mock.Anything).Return(nil)

	calc := NewCalculator("s1", testCL, testUL, repo, discardLogger())
	probs, labels := testBatch(0, 8)

	err := calc.ProcessEntry(context.Background(), Entry{BatchIndex: 0, Probs: probs, Labels: labels})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, calc.BatchCounter())
	assert.Equal(t, domain.StageInitialCalibration, calc.Stage())

	// The failed batch left no partial state behind; a retry succeeds.
	require.NoError(t, calc.ProcessEntry(context.Background(), Entry{BatchIndex: 0, Probs: probs, Labels: labels}))
	assert.Equal(t, 1, calc.BatchCounter())
}

func TestCalculatorRejectsMismatchedEntry(t *testing.T) {
	t.Parallel()
	calc := NewCalculator("s1", testCL, testUL, acceptingRepo(), discardLogger())
	err := calc.ProcessEntry(context.Background(), Entry{Probs: [][]float64{{0.5, 0.5}}, Labels: []int{0, 1}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, 0, calc.BatchCounter())
}

func TestCalculatorRestore(t *testing.T) {
	t.Parallel()
	scores := floats64ToBytes([]float64{0.05, 0.1, 0.2, 0.3})
	repo := &mocks.ScoresRepository{}
	repo.On("Create", mock.Anything, "s1").Return(nil)
	repo.On("Latest", mock.Anything, "s1").Return(domain.ScoresRecord{
		SessionID:    "s1",
		Stage:        domain.StageUncertaintyEstimation,
		BatchCounter: 13,
		Alpha:        0.1,
		Scores:       scores,
		Alphas:       []float64{0.08, 0.09, 0.1},
		Accuracy:     math.NaN(),
	}, nil)
	repo.On("Apply", mock.Anything, "s1", mock.Anything).Return(nil)

	calc := NewCalculator("s1", testCL, testUL, repo, discardLogger())
	require.NoError(t, calc.Restore(context.Background()))

	assert.Equal(t, 13, calc.BatchCounter())
	assert.Equal(t, domain.StageUncertaintyEstimation, calc.Stage())

	// Continue to the end of the uncertainty window; alpha count closes at
	// UL - CL with the restored entries included.
	for b := 13; b < testUL; b++ {
		probs, labels := testBatch(b, 8)
		require.NoError(t, calc.ProcessEntry(context.Background(), Entry{BatchIndex: b, Probs: probs, Labels: labels}))
	}
	require.NoError(t, calc.Finish(context.Background()))
	results, err := calc.Results()
	require.NoError(t, err)
	assert.Len(t, results.History.Alphas, testUL-testCL)
}

func TestCalculatorRestoreFreshSession(t *testing.T) {
	t.Parallel()
	repo := &mocks.ScoresRepository{}
	repo.On("Create", mock.Anything, "s2").Return(nil)
	repo.On("Latest", mock.Anything, "s2").Return(domain.ScoresRecord{
		SessionID: "s2",
		Stage:     domain.StageInitialCalibration,
		Alpha:     math.NaN(),
		Accuracy:  math.NaN(),
	}, nil)
	repo.On("Apply", mock.Anything, "s2", mock.Anything).Return(nil)

	calc := NewCalculator("s2", testCL, testUL, repo, discardLogger())
	require.NoError(t, calc.Restore(context.Background()))
	assert.Equal(t, 0, calc.BatchCounter())
	assert.Equal(t, domain.StageInitialCalibration, calc.Stage())

	// A session that ends before any prediction-set batch keeps the NaN
	// accuracy sentinel all the way into the report.
	require.NoError(t, calc.Finish(context.Background()))
	results, err := calc.Results()
	require.NoError(t, err)
	assert.True(t, math.IsNaN(results.Metrics.Accuracy))
}

func TestCalculatorResultsRequireFinished(t *testing.T) {
	t.Parallel()
	calc := NewCalculator("s1", testCL, testUL, acceptingRepo(), discardLogger())
	_, err := calc.Results()
	assert.ErrorIs(t, err, domain.ErrWrongStage)
}

func TestCalculatorRejectsEntriesAfterFinish(t *testing.T) {
	t.Parallel()
	calc := NewCalculator("s1", testCL, testUL, acceptingRepo(), discardLogger())
	require.NoError(t, calc.Finish(context.Background()))

	probs, labels := testBatch(0, 4)
	err := calc.ProcessEntry(context.Background(), Entry{Probs: probs, Labels: labels})
	assert.ErrorIs(t, err, domain.ErrWrongStage)
}
