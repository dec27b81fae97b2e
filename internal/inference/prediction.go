// Package inference builds an image-classification capability from a local
// model directory and dispatches single classification calls to it.
package inference

import (
	"context"
	"fmt"
	"image"
	"sort"
)

// Prediction is one ranked (label, score) pair. Score is in [0, 1].
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier maps an RGB image to predictions ranked by descending score.
// Implementations are read-only after construction.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) ([]Prediction, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, img image.Image) ([]Prediction, error)

func (f ClassifierFunc) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	return f(ctx, img)
}

// Top returns the highest-ranked prediction.
func Top(preds []Prediction) (Prediction, bool) {
	if len(preds) == 0 {
		return Prediction{}, false
	}
	return preds[0], true
}

// FormatConfidence renders a score as a percentage with two decimals.
func FormatConfidence(score float64) string {
	return fmt.Sprintf("%.2f%%", score*100)
}

// IsRanked reports whether preds are ordered by non-increasing score.
func IsRanked(preds []Prediction) bool {
	return sort.SliceIsSorted(preds, func(i, j int) bool { return preds[i].Score > preds[j].Score })
}

// rank sorts by descending score; equal scores keep their label order.
func rank(preds []Prediction) {
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Score > preds[j].Score })
}
