// Package predictor decides whether a patient's creatinine history indicates
// Acute Kidney Injury. A positive result is advisory and only triggers a page.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/minasoft/aki-detector/internal/storage"
)

// DefaultThreshold is the creatinine ratio at which AKI is flagged.
const DefaultThreshold = 1.5

const (
	acuteWindow    = 7 * 24 * time.Hour
	baselineWindow = 365 * 24 * time.Hour
)

// ErrNoMeasurements is returned for a feature vector without measurements
var ErrNoMeasurements = errors.New("ölçüm yok")

type Predictor interface {
	Predict(ctx context.Context, fv storage.FeatureVector) (bool, error)
}

// Func adapts a plain function to Predictor.
type Func func(ctx context.Context, fv storage.FeatureVector) (bool, error)

func (f Func) Predict(ctx context.Context, fv storage.FeatureVector) (bool, error) {
	return f(ctx, fv)
}

// RatioPredictor compares the latest creatinine result with a reference value:
// the lowest result of the preceding 7 days, or when there is none, the median
// of the results between 8 and 365 days before it.
type RatioPredictor struct {
	Threshold float64
}

func NewRatioPredictor(threshold float64) *RatioPredictor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &RatioPredictor{Threshold: threshold}
}

func (p *RatioPredictor) Predict(ctx context.Context, fv storage.FeatureVector) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	latest, ok := fv.Latest()
	if !ok {
		return false, fmt.Errorf("%w: mrn %s", ErrNoMeasurements, fv.MRN)
	}

	ratio, ok := Ratio(fv.Measurements, latest)
	if !ok {
		return false, nil
	}
	return ratio >= p.Threshold, nil
}

// Ratio returns latest.Value divided by the reference value taken from the
// measurements before it. ok is false when there is no usable reference.
func Ratio(measurements []storage.Measurement, latest storage.Measurement) (float64, bool) {
	var acute, baseline []float64
	for _, m := range measurements {
		if !m.Timestamp.Before(latest.Timestamp) {
			continue
		}
		age := latest.Timestamp.Sub(m.Timestamp)
		switch {
		case age <= acuteWindow:
			acute = append(acute, m.Value)
		case age <= baselineWindow:
			baseline = append(baseline, m.Value)
		}
	}

	var reference float64
	switch {
	case len(acute) > 0:
		reference = minimum(acute)
	case len(baseline) > 0:
		reference = median(baseline)
	default:
		return 0, false
	}

	if reference <= 0 {
		return 0, false
	}
	return latest.Value / reference, true
}

func minimum(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
