package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"xrayscope/internal/apperr"
	"xrayscope/internal/metrics"
)

var (
	ErrNoClassifier    = errors.New("classifier is not available")
	ErrNilImage        = errors.New("image is nil")
	ErrEmptyPrediction = errors.New("classifier returned no predictions")
	ErrUnranked        = errors.New("classifier returned predictions out of rank order")
	ErrScoreRange      = errors.New("classifier returned a score outside [0, 1]")
)

// Classify invokes c exactly once for img. Every failure, including a panic
// inside the classifier, comes back as an apperr classify error and leaves c
// usable for the next call.
func Classify(ctx context.Context, c Classifier, img image.Image) (preds []Prediction, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			preds = nil
			err = apperr.Classify("invoke", fmt.Errorf("classifier panic: %v", r))
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.Classifications.WithLabelValues(outcome).Inc()
		metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	}()

	if c == nil {
		return nil, apperr.Classify("invoke", ErrNoClassifier)
	}
	if img == nil {
		return nil, apperr.Classify("invoke", ErrNilImage)
	}
	out, err := c.Classify(ctx, img)
	if err != nil {
		if apperr.IsClassify(err) {
			return nil, err
		}
		return nil, apperr.Classify("invoke", err)
	}
	if len(out) == 0 {
		return nil, apperr.Classify("invoke", ErrEmptyPrediction)
	}
	for _, p := range out {
		if math.IsNaN(p.Score) || p.Score < 0 || p.Score > 1 {
			return nil, apperr.Classify("invoke", fmt.Errorf("%w: %s=%v", ErrScoreRange, p.Label, p.Score))
		}
	}
	if !IsRanked(out) {
		return nil, apperr.Classify("invoke", ErrUnranked)
	}
	return append([]Prediction(nil), out...), nil
}
