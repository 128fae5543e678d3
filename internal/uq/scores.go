package uq

import "sort"

// Score selects the conformity scoring function.
type Score string

const (
	// ScoreLAC is "least ambiguous set-valued classifier" scoring: 1 - p.
	ScoreLAC Score = "lac"
	// ScoreAPS is adaptive prediction-set scoring: cumulative probability
	// mass of classes at least as likely as the candidate.
	ScoreAPS Score = "aps"
)

// lacCal returns the calibration conformity score 1 - p_true per sample.
func lacCal(yTrue []int, yProbs [][]float64) []float64 {
	out := make([]float64, len(yTrue))
	for i, label := range yTrue {
		out[i] = 1 - yProbs[i][label]
	}
	return out
}

// lac returns 1 - p for every class of every sample.
func lac(yProbs [][]float64) [][]float64 {
	out := make([][]float64, len(yProbs))
	for i, row := range yProbs {
		s := make([]float64, len(row))
		for j, p := range row {
			s[j] = 1 - p
		}
		out[i] = s
	}
	return out
}

// apsCal returns the cumulative mass down to and including the true class.
func apsCal(yTrue []int, yProbs [][]float64) []float64 {
	out := make([]float64, len(yTrue))
	for i, label := range yTrue {
		row := yProbs[i]
		target := row[label]
		var cum float64
		for _, p := range row {
			if p >= target {
				cum += p
			}
		}
		out[i] = cum
	}
	return out
}

// aps returns, per class, the cumulative mass of classes at least as likely.
func aps(yProbs [][]float64) [][]float64 {
	out := make([][]float64, len(yProbs))
	for i, row := range yProbs {
		s := make([]float64, len(row))
		for j, target := range row {
			var cum float64
			for _, p := range row {
				if p >= target {
					cum += p
				}
			}
			s[j] = cum
		}
		out[i] = s
	}
	return out
}

func sortedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}
