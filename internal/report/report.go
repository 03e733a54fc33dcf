// Package report folds unit scores into a video-level report.
package report

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoData is returned when there is nothing to aggregate.
var ErrNoData = errors.New("no scores to aggregate")

// Report is the aggregate of one score sequence. Count always equals the
// length of the sequence it was built from.
type Report struct {
	Count             int     `json:"count"`
	FakeRatio         float64 `json:"fake_ratio"`
	AverageConfidence float64 `json:"average_confidence"`
	StabilityScore    float64 `json:"stability_score"`
	StabilityMethod   Spread  `json:"stability_method"`
	Threshold         float64 `json:"threshold"`
	Verdict           string  `json:"verdict,omitempty"`
	MaxScore          float64 `json:"max_score"`
	MaxIndex          int     `json:"max_index"`
}

// Aggregate computes a Report from scores under policy p.
func Aggregate(scores []float64, p Policy) (*Report, error) {
	if len(scores) == 0 {
		return nil, ErrNoData
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	n := float64(len(scores))
	var sum float64
	fakes := 0
	minScore, maxScore, maxIdx := scores[0], scores[0], 0
	for i, s := range scores {
		if math.IsNaN(s) {
			return nil, fmt.Errorf("aggregate: score %d is NaN", i)
		}
		sum += s
		if s > p.Threshold {
			fakes++
		}
		if s > maxScore {
			maxScore, maxIdx = s, i
		}
		if s < minScore {
			minScore = s
		}
	}
	mean := sum / n

	r := &Report{
		Count:             len(scores),
		FakeRatio:         float64(fakes) / n,
		AverageConfidence: mean,
		StabilityMethod:   p.Spread,
		Threshold:         p.Threshold,
		Verdict:           p.Verdict.Label(mean),
		MaxScore:          maxScore,
		MaxIndex:          maxIdx,
	}

	switch p.Spread {
	case SpreadStdDev:
		var sq float64
		for _, s := range scores {
			sq += (s - mean) * (s - mean)
		}
		r.StabilityScore = math.Sqrt(sq / n)
	default:
		r.StabilityScore = maxScore - minScore
	}
	return r, nil
}
