// Package uq implements the conformal-prediction core of the calibration
// pipeline: batched score calibration, alpha discovery by uncertainty
// optimisation, and prediction-set construction.
package uq

import (
	"fmt"
	"math"
	"sort"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// Quantifier is a conformal predictor over class-probability vectors.
// Not safe for concurrent use; each session worker owns one instance.
type Quantifier struct {
	classes     []int
	score       func([][]float64) [][]float64
	calScore    func([]int, [][]float64) []float64
	conformity  []float64
	classScores [][]float64
	alpha       float64
	qHat        float64
}

// New builds a Quantifier for the given class labels. A nil classes slice
// disables class-conditional calibration.
func New(classes []int, score Score) *Quantifier {
	q := &Quantifier{classes: classes}
	switch score {
	case ScoreAPS:
		q.score, q.calScore = aps, apsCal
	default:
		q.score, q.calScore = lac, lacCal
	}
	q.Reset(nil)
	return q
}

// NumClasses builds the 0..n-1 class slice used by image classifiers.
func NumClasses(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Reset replaces the conformity scores and clears alpha and q_hat.
func (q *Quantifier) Reset(conformity []float64) {
	q.conformity = append([]float64(nil), conformity...)
	q.alpha = math.NaN()
	q.qHat = math.NaN()
	q.classScores = nil
	if q.classes != nil {
		q.classScores = make([][]float64, len(q.classes))
	}
}

// ConformityScores exposes the sorted score pool for persistence.
func (q *Quantifier) ConformityScores() []float64 { return q.conformity }

// Alpha is the current miscoverage level; NaN until discovered or set.
func (q *Quantifier) Alpha() float64 { return q.alpha }

// QHat is the current conformal threshold; NaN until alpha is set.
func (q *Quantifier) QHat() float64 { return q.qHat }

// SetAlpha fixes the miscoverage level and derives q_hat from the current
// conformity scores. Requires at least one calibration sample.
func (q *Quantifier) SetAlpha(alpha float64) error {
	n := len(q.conformity)
	if n == 0 {
		return fmt.Errorf("op=uq.set_alpha: %w", domain.ErrNotCalibrated)
	}
	qLevel := math.Ceil(float64(n+1)*(1-alpha)) / float64(n)
	if qLevel > 1.0 {
		qLevel = 1.0
	}
	q.alpha = alpha
	q.qHat = quantileHigher(q.conformity, qLevel)
	return nil
}

// Calibrate folds a batch of labeled probabilities into the score pool.
// With batched=true the new scores are concatenated onto the existing pool.
func (q *Quantifier) Calibrate(yProbs [][]float64, yTrue []int, batched bool) error {
	if len(yProbs) == 0 || len(yProbs) != len(yTrue) {
		return fmt.Errorf("op=uq.calibrate: %w: %d probs vs %d labels", domain.ErrInvalidArgument, len(yProbs), len(yTrue))
	}
	for i, label := range yTrue {
		if label < 0 || label >= len(yProbs[i]) {
			return fmt.Errorf("op=uq.calibrate: %w: label %d outside %d classes", domain.ErrInvalidArgument, label, len(yProbs[i]))
		}
	}
	if q.classes == nil {
		scores := q.calScore(yTrue, yProbs)
		if batched {
			q.conformity = append(q.conformity, scores...)
		} else {
			q.conformity = scores
		}
		sort.Float64s(q.conformity)
		return nil
	}
	for cIdx, class := range q.classes {
		var probs [][]float64
		var labels []int
		for i, label := range yTrue {
			if label == class {
				probs = append(probs, yProbs[i])
				labels = append(labels, label)
			}
		}
		scores := q.calScore(labels, probs)
		if batched {
			q.classScores[cIdx] = sortedCopy(append(q.classScores[cIdx], scores...))
		} else {
			q.classScores[cIdx] = sortedCopy(scores)
		}
	}
	var pooled []float64
	for _, cs := range q.classScores {
		pooled = append(pooled, cs...)
	}
	sort.Float64s(pooled)
	q.conformity = pooled
	return nil
}

// BuildPredictionSets thresholds the per-class scores at q_hat. With
// forceNonEmpty the argmax class is always included.
func (q *Quantifier) BuildPredictionSets(yProbs [][]float64, forceNonEmpty bool) ([][]bool, error) {
	if math.IsNaN(q.qHat) {
		return nil, fmt.Errorf("op=uq.build_prediction_sets: %w", domain.ErrNotCalibrated)
	}
	scores := q.score(yProbs)
	sets := make([][]bool, len(scores))
	for i, row := range scores {
		set := make([]bool, len(row))
		for j, s := range row {
			set[j] = s <= q.qHat
		}
		if forceNonEmpty {
			set[argmax(yProbs[i])] = true
		}
		sets[i] = set
	}
	return sets, nil
}

// GetUncertaintyOpt grid-searches the conformity scores for the alpha that
// minimises the model-uncertainty upper bound, sets it, and returns
// (U, alpha). U is 1 minus the best correctness lower bound.
func (q *Quantifier) GetUncertaintyOpt(yProbs [][]float64, yTrue []int) (float64, float64, error) {
	n := len(q.conformity)
	if n == 0 {
		return 0, 0, fmt.Errorf("op=uq.get_uncertainty_opt: %w", domain.ErrNotCalibrated)
	}
	if len(yProbs) == 0 || len(yProbs) != len(yTrue) {
		return 0, 0, fmt.Errorf("op=uq.get_uncertainty_opt: %w: %d probs vs %d labels", domain.ErrInvalidArgument, len(yProbs), len(yTrue))
	}

	bestAlpha := math.NaN()
	maxLowerBound := 0.0 // P(y = y_true), i.e. 1 - U

	for j, score := range q.conformity {
		qHat := score
		alpha := 1 - float64(j+1)/float64(n+1)

		var sumInv float64
		var nSucc int
		for i, row := range yProbs {
			size := 0
			covered := false
			for cls, p := range row {
				if p >= 1-qHat {
					size++
					if cls == yTrue[i] {
						covered = true
					}
				}
			}
			if covered {
				nSucc++
				sumInv += 1.0 / float64(size)
			}
		}
		var p1Hat float64
		if nSucc > 0 {
			p1Hat = sumInv / float64(nSucc)
		}
		lowerBound := p1Hat * (1 - alpha)
		if lowerBound > maxLowerBound {
			maxLowerBound = lowerBound
			bestAlpha = alpha
		}
	}

	if !math.IsNaN(bestAlpha) {
		if err := q.SetAlpha(bestAlpha); err != nil {
			return 0, 0, err
		}
	}
	return 1 - maxLowerBound, bestAlpha, nil
}

// Coverage is the fraction of samples whose true label is in the set.
func Coverage(yTrue []int, sets [][]bool) float64 {
	if len(yTrue) == 0 {
		return math.NaN()
	}
	covered := 0
	for i, label := range yTrue {
		if label < len(sets[i]) && sets[i][label] {
			covered++
		}
	}
	return float64(covered) / float64(len(yTrue))
}

// MaxSetSize is the largest per-sample set size in the batch.
func MaxSetSize(sets [][]bool) int {
	best := 0
	for _, set := range sets {
		size := 0
		for _, in := range set {
			if in {
				size++
			}
		}
		if size > best {
			best = size
		}
	}
	return best
}

// NaNMean is the mean over non-NaN values; NaN when none remain.
func NaNMean(v []float64) float64 {
	var sum float64
	var n int
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// NaNStd is the population standard deviation over non-NaN values.
func NaNStd(v []float64) float64 {
	mean := NaNMean(v)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	var sum float64
	var n int
	for _, x := range v {
		if !math.IsNaN(x) {
			d := x - mean
			sum += d * d
			n++
		}
	}
	return math.Sqrt(sum / float64(n))
}

// quantileHigher matches numpy's 'higher' interpolation on sorted data.
func quantileHigher(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := q * float64(n-1)
	idx := int(math.Ceil(h))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
