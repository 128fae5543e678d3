// Package session implements the per-client orchestration core: the
// listener/supervisor, the session worker, the batch pairer, and the staged
// calibration calculator.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/observability"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/uq"
)

// Entry is one fully paired batch handed to the calculator.
type Entry struct {
	BatchIndex int
	Probs      [][]float64
	Labels     []int
}

// Calculator drives the three-stage conformal pipeline for one session,
// checkpointing every processed batch so the session survives a crash.
// Single writer; owned by exactly one worker.
type Calculator struct {
	sessionID        string
	calibrationLimit int
	uncertaintyLimit int
	repo             domain.ScoresRepository
	q                *uq.Quantifier
	log              *slog.Logger

	stage         domain.CalibrationStage
	batchCounter  int
	alphas        []float64
	uncertainties []float64
	coverages     []float64
	setSizes      []float64
	confidences   []float32
	accuracy      float64
	correctPreds  int64
	totalSamples  int64
}

// NewCalculator builds a calculator with a fresh LAC quantifier.
func NewCalculator(sessionID string, calibrationLimit, uncertaintyLimit int, repo domain.ScoresRepository, log *slog.Logger) *Calculator {
	return &Calculator{
		sessionID:        sessionID,
		calibrationLimit: calibrationLimit,
		uncertaintyLimit: uncertaintyLimit,
		repo:             repo,
		q:                uq.New(nil, uq.ScoreLAC),
		log:              log,
		stage:            domain.StageInitialCalibration,
		accuracy:         math.NaN(),
	}
}

// BatchCounter is the number of batches already processed and persisted.
func (c *Calculator) BatchCounter() int { return c.batchCounter }

// Stage is the stage that will apply to the next processed batch.
func (c *Calculator) Stage() domain.CalibrationStage { return c.stage }

// Restore loads (or idempotently creates) the persisted record and rebuilds
// the in-memory quantifier state from it.
func (c *Calculator) Restore(ctx context.Context) error {
	if err := c.repo.Create(ctx, c.sessionID); err != nil {
		return err
	}
	rec, err := c.repo.Latest(ctx, c.sessionID)
	if err != nil {
		return err
	}
	c.stage = rec.Stage
	c.batchCounter = rec.BatchCounter
	c.alphas = rec.Alphas
	c.uncertainties = rec.Uncertainties
	c.coverages = rec.Coverages
	c.setSizes = rec.SetSizes
	c.confidences = bytesToFloats32(rec.Confidences)
	c.accuracy = rec.Accuracy
	c.correctPreds = rec.CorrectPreds
	c.totalSamples = rec.TotalSamples

	scores, err := bytesToFloats64(rec.Scores)
	if err != nil {
		return fmt.Errorf("op=calculator.restore: %w", err)
	}
	c.q.Reset(scores)
	if !math.IsNaN(rec.Alpha) && len(scores) > 0 {
		if err := c.q.SetAlpha(rec.Alpha); err != nil {
			return err
		}
	}
	c.log.Info("calibration state restored",
		slog.String("session_id", c.sessionID),
		slog.String("stage", c.stage.String()),
		slog.Int("batch_counter", c.batchCounter))
	return nil
}

// ProcessEntry runs one paired batch through the stage that applies to it
// and persists the resulting update atomically. On any failure the
// quantifier is rolled back to its pre-batch snapshot and nothing is
// persisted.
func (c *Calculator) ProcessEntry(ctx context.Context, e Entry) error {
	if c.stage == domain.StageFinished {
		return fmt.Errorf("op=calculator.process_entry: %w: session finished", domain.ErrWrongStage)
	}
	if len(e.Probs) == 0 || len(e.Probs) != len(e.Labels) {
		return fmt.Errorf("op=calculator.process_entry: %w: %d probs vs %d labels",
			domain.ErrInvalidArgument, len(e.Probs), len(e.Labels))
	}

	k := c.batchCounter + 1
	stage := domain.StageFor(k, c.calibrationLimit, c.uncertaintyLimit)
	snap := c.snapshot()

	var err error
	switch stage {
	case domain.StageInitialCalibration:
		err = c.processCalibration(ctx, k, e)
	case domain.StageUncertaintyEstimation:
		err = c.processUncertainty(ctx, k, e)
	default:
		err = c.processPredictionSets(ctx, k, e)
	}
	if err != nil {
		c.rollback(snap)
		return err
	}

	next := domain.StageFor(k+1, c.calibrationLimit, c.uncertaintyLimit)
	if c.stage.Before(next) {
		observability.StageTransitionsTotal.WithLabelValues(next.String()).Inc()
		c.log.Info("stage transition",
			slog.String("session_id", c.sessionID),
			slog.String("stage", next.String()),
			slog.Int("batch_counter", k))
	}
	c.stage = next
	c.batchCounter = k
	return nil
}

func (c *Calculator) processCalibration(ctx context.Context, k int, e Entry) error {
	if err := c.q.Calibrate(e.Probs, e.Labels, true); err != nil {
		return err
	}
	next := domain.StageFor(k+1, c.calibrationLimit, c.uncertaintyLimit)
	counter := k
	return c.repo.Apply(ctx, c.sessionID, domain.ScoresUpdate{
		Stage:        &next,
		BatchCounter: &counter,
		Scores:       floats64ToBytes(c.q.ConformityScores()),
	})
}

func (c *Calculator) processUncertainty(ctx context.Context, k int, e Entry) error {
	u, alpha, err := c.q.GetUncertaintyOpt(e.Probs, e.Labels)
	if err != nil {
		return err
	}
	c.alphas = append(c.alphas, alpha)
	c.uncertainties = append(c.uncertainties, u)

	persistAlpha := c.q.Alpha()
	if k == c.uncertaintyLimit {
		// Boundary: fix alpha to the mean uncertainty over the estimation
		// window before entering prediction-set construction.
		uMean := uq.NaNMean(c.uncertainties)
		if err := c.q.SetAlpha(uMean); err != nil {
			return err
		}
		persistAlpha = uMean
	}

	next := domain.StageFor(k+1, c.calibrationLimit, c.uncertaintyLimit)
	counter := k
	return c.repo.Apply(ctx, c.sessionID, domain.ScoresUpdate{
		Stage:             &next,
		BatchCounter:      &counter,
		Alpha:             &persistAlpha,
		Scores:            floats64ToBytes(c.q.ConformityScores()),
		PushAlphas:        []float64{alpha},
		PushUncertainties: []float64{u},
	})
}

func (c *Calculator) processPredictionSets(ctx context.Context, k int, e Entry) error {
	sets, err := c.q.BuildPredictionSets(e.Probs, true)
	if err != nil {
		return err
	}

	correct := int64(0)
	batchConf := make([]float32, len(e.Probs))
	for i, row := range e.Probs {
		best := 0
		for j, p := range row {
			if p > row[best] {
				best = j
			}
		}
		if best == e.Labels[i] {
			correct++
		}
		batchConf[i] = float32(row[best])
	}

	c.correctPreds += correct
	c.totalSamples += int64(len(e.Probs))
	c.accuracy = float64(c.correctPreds) / float64(c.totalSamples)
	coverage := uq.Coverage(e.Labels, sets)
	maxSize := float64(uq.MaxSetSize(sets))
	c.coverages = append(c.coverages, coverage)
	c.setSizes = append(c.setSizes, maxSize)
	c.confidences = append(c.confidences, batchConf...)

	next := domain.StageFor(k+1, c.calibrationLimit, c.uncertaintyLimit)
	counter := k
	return c.repo.Apply(ctx, c.sessionID, domain.ScoresUpdate{
		Stage:             &next,
		BatchCounter:      &counter,
		Accuracy:          &c.accuracy,
		CorrectPreds:      &c.correctPreds,
		TotalSamples:      &c.totalSamples,
		PushCoverages:     []float64{coverage},
		PushSetSizes:      []float64{maxSize},
		AppendConfidences: floats32ToBytes(batchConf),
	})
}

// Finish transitions the session to its terminal stage and persists it.
func (c *Calculator) Finish(ctx context.Context) error {
	finished := domain.StageFinished
	if err := c.repo.Apply(ctx, c.sessionID, domain.ScoresUpdate{Stage: &finished}); err != nil {
		return err
	}
	if c.stage != domain.StageFinished {
		observability.StageTransitionsTotal.WithLabelValues(finished.String()).Inc()
	}
	c.stage = domain.StageFinished
	return nil
}

// Results assembles the terminal report payload. Valid only after Finish.
func (c *Calculator) Results() (domain.Results, error) {
	if c.stage != domain.StageFinished {
		return domain.Results{}, fmt.Errorf("op=calculator.results: %w: stage %s", domain.ErrWrongStage, c.stage)
	}
	maxSize := math.NaN()
	for _, s := range c.setSizes {
		if math.IsNaN(maxSize) || s > maxSize {
			maxSize = s
		}
	}
	return domain.Results{
		Metrics: domain.ResultMetrics{
			Accuracy:              c.accuracy,
			UncertaintyUpperBound: uq.NaNMean(c.uncertainties),
			EmpiricalCoverage:     uq.NaNMean(c.coverages),
			MaxSetSize:            maxSize,
			Alpha:                 uq.NaNMean(c.alphas),
		},
		History: domain.ResultHistory{
			Alphas:        append([]float64(nil), c.alphas...),
			Uncertainty:   append([]float64(nil), c.uncertainties...),
			BatchCoverage: append([]float64(nil), c.coverages...),
			BatchSetSizes: append([]float64(nil), c.setSizes...),
		},
		RawData: append([]float32(nil), c.confidences...),
		Parameters: domain.ResultParameters{
			AlphaStd: uq.NaNStd(c.alphas),
			UStd:     uq.NaNStd(c.uncertainties),
		},
	}, nil
}

type calcSnapshot struct {
	conformity    []float64
	alpha         float64
	alphas        int
	uncertainties int
	coverages     int
	setSizes      int
	confidences   int
	accuracy      float64
	correctPreds  int64
	totalSamples  int64
}

func (c *Calculator) snapshot() calcSnapshot {
	return calcSnapshot{
		conformity:    append([]float64(nil), c.q.ConformityScores()...),
		alpha:         c.q.Alpha(),
		alphas:        len(c.alphas),
		uncertainties: len(c.uncertainties),
		coverages:     len(c.coverages),
		setSizes:      len(c.setSizes),
		confidences:   len(c.confidences),
		accuracy:      c.accuracy,
		correctPreds:  c.correctPreds,
		totalSamples:  c.totalSamples,
	}
}

func (c *Calculator) rollback(s calcSnapshot) {
	c.q.Reset(s.conformity)
	if !math.IsNaN(s.alpha) && len(s.conformity) > 0 {
		_ = c.q.SetAlpha(s.alpha)
	}
	c.alphas = c.alphas[:s.alphas]
	c.uncertainties = c.uncertainties[:s.uncertainties]
	c.coverages = c.coverages[:s.coverages]
	c.setSizes = c.setSizes[:s.setSizes]
	c.confidences = c.confidences[:s.confidences]
	c.accuracy = s.accuracy
	c.correctPreds = s.correctPreds
	c.totalSamples = s.totalSamples
}

func floats64ToBytes(v []float64) []byte {
	out := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(f))
	}
	return out
}

func bytesToFloats64(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a float64 array", domain.ErrInvalidArgument, len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}

func floats32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToFloats32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
