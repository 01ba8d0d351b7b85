// Package calibration converts raw meter readings into weight-normalized
// values.
package calibration

import "math"

const (
	// UnitScaleNone keeps the calibrated value in the factor's native unit.
	UnitScaleNone = 1.0
	// UnitScaleMilli converts the calibrated value to milli-units.
	UnitScaleMilli = 1000.0
)

// Pipeline applies a channel factor and a fixed unit scale to a raw reading
// and divides by the operator's reference weight.
type Pipeline struct {
	UnitScale float64
}

func NewPipeline(unitScale float64) Pipeline {
	if unitScale == 0 {
		unitScale = UnitScaleNone
	}
	return Pipeline{UnitScale: unitScale}
}

// Normalize returns the calibrated and normalized values for one reading.
// A nil raw yields two nils. A nil, zero, negative or NaN weight yields a nil
// normalized value: a channel without a weight produces no data.
func (p Pipeline) Normalize(raw *float64, factor float64, weight *float64) (calibrated, normalized *float64) {
	if raw == nil {
		return nil, nil
	}
	scale := p.UnitScale
	if scale == 0 {
		scale = UnitScaleNone
	}
	c := *raw * factor * scale
	calibrated = &c
	if !Weighted(weight) {
		return calibrated, nil
	}
	n := c / *weight
	return calibrated, &n
}

// Weighted reports whether w is usable as a normalization divisor.
func Weighted(w *float64) bool {
	return w != nil && *w > 0 && !math.IsNaN(*w) && !math.IsInf(*w, 0)
}
