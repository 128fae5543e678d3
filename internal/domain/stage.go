package domain

import "fmt"

// CalibrationStage is the phase of the per-session conformal pipeline.
// Stages are totally ordered and only ever move forward.
type CalibrationStage int

const (
	StageInitialCalibration CalibrationStage = iota + 1
	StageUncertaintyEstimation
	StagePredictionSetConstruction
	StageFinished
)

// StageFromInt converts a persisted integer back into a stage.
func StageFromInt(v int) (CalibrationStage, error) {
	s := CalibrationStage(v)
	if s < StageInitialCalibration || s > StageFinished {
		return 0, fmt.Errorf("op=stage.from_int: %w: %d", ErrInvalidArgument, v)
	}
	return s, nil
}

// Before reports whether s precedes other in the pipeline order.
func (s CalibrationStage) Before(other CalibrationStage) bool { return s < other }

func (s CalibrationStage) String() string {
	switch s {
	case StageInitialCalibration:
		return "INITIAL_CALIBRATION"
	case StageUncertaintyEstimation:
		return "UNCERTAINTY_ESTIMATION"
	case StagePredictionSetConstruction:
		return "PREDICTION_SET_CONSTRUCTION"
	case StageFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("CalibrationStage(%d)", int(s))
	}
}

// StageFor returns the stage that applies to the k-th paired batch
// (1-based) given the two configured thresholds.
func StageFor(k, calibrationLimit, uncertaintyLimit int) CalibrationStage {
	switch {
	case k <= calibrationLimit:
		return StageInitialCalibration
	case k <= uncertaintyLimit:
		return StageUncertaintyEstimation
	default:
		return StagePredictionSetConstruction
	}
}
