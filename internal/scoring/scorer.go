// Package scoring turns images into deepfake probabilities.
package scoring

import (
	"context"
	"fmt"
	"image"
	"math"
)

// SyntheticClass is the index of the "fake" class in the classifier's
// output. The bundled worker loads a binary real/fake model where index 1 is
// fake; a model with a different layout must be configured explicitly.
const SyntheticClass = 1

// DefaultInputSize is the square side the classifier was trained on.
const DefaultInputSize = 224

// Classifier returns class probabilities for a normalized RGB image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) ([]float64, error)
}

// Scorer maps an image to the probability that it is synthetic. It holds no
// per-call state; the Classifier is expected to be the shared, already
// loaded model.
type Scorer struct {
	Classifier     Classifier
	InputSize      int
	SyntheticClass int
}

// NewScorer returns a Scorer with the default input size and class index.
func NewScorer(c Classifier) *Scorer {
	return &Scorer{Classifier: c, InputSize: DefaultInputSize, SyntheticClass: SyntheticClass}
}

// Score normalizes input (see Normalize) and returns the synthetic-class
// probability in [0,1].
func (s *Scorer) Score(ctx context.Context, input any) (float64, error) {
	img, err := Normalize(input, s.InputSize)
	if err != nil {
		return 0, err
	}

	probs, err := s.Classifier.Classify(ctx, img)
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	if s.SyntheticClass < 0 || s.SyntheticClass >= len(probs) {
		return 0, fmt.Errorf("classifier returned %d classes, synthetic class is %d", len(probs), s.SyntheticClass)
	}

	p := probs[s.SyntheticClass]
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("synthetic probability %v outside [0,1]", p)
	}
	return p, nil
}
