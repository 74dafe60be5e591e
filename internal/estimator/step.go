package estimator

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// StepEstimator is an analytic estimator: speed comes from counting steps
// in the vertical world acceleration and multiplying by a fixed step
// length; direction comes from the principal axis of the horizontal
// acceleration. The axis has no sign of its own, so the half-plane
// containing Forward is used.
type StepEstimator struct {
	SampleIntervalMS float64    // nominal spacing of the tensor rows
	StepLength       float64    // metres per step
	PeakThreshold    float64    // vertical acceleration above mean that counts as a step, m/s²
	MinStepGap       float64    // seconds between two steps
	Forward          [2]float64 // half-plane hint for the walking direction
}

// NewStepEstimator returns an estimator with typical walking parameters.
func NewStepEstimator(sampleIntervalMS, stepLength float64) *StepEstimator {
	if stepLength <= 0 {
		stepLength = 0.7
	}
	if sampleIntervalMS <= 0 {
		sampleIntervalMS = 20
	}
	return &StepEstimator{
		SampleIntervalMS: sampleIntervalMS,
		StepLength:       stepLength,
		PeakThreshold:    1.0,
		MinStepGap:       0.3,
		Forward:          [2]float64{1, 0},
	}
}

func (s *StepEstimator) Estimate(ctx context.Context, tensor [][6]float64) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if len(tensor) < 3 {
		return 0, 0, fmt.Errorf("%w: %d rows", ErrShortInput, len(tensor))
	}

	n := len(tensor)
	vert := make([]float64, n)
	hx := make([]float64, n)
	hy := make([]float64, n)
	for i, row := range tensor {
		vert[i] = row[ColAccelZ]
		hx[i] = row[ColAccelX]
		hy[i] = row[ColAccelY]
	}

	steps := s.countSteps(vert)
	if steps == 0 {
		return 0, 0, nil
	}
	duration := float64(n-1) * s.SampleIntervalMS / 1000
	speed := float64(steps) * s.StepLength / duration

	dx, dy := s.direction(hx, hy)
	return speed * dx, speed * dy, nil
}

// countSteps counts upward crossings of mean+PeakThreshold separated by at
// least MinStepGap.
func (s *StepEstimator) countSteps(vert []float64) int {
	mean := stat.Mean(vert, nil)
	level := mean + s.PeakThreshold
	gap := int(math.Ceil(s.MinStepGap * 1000 / s.SampleIntervalMS))

	steps := 0
	last := -gap
	for i := 1; i < len(vert); i++ {
		if vert[i-1] < level && vert[i] >= level && i-last >= gap {
			steps++
			last = i
		}
	}
	return steps
}

// direction returns the unit principal axis of the horizontal
// acceleration, or Forward when the acceleration is isotropic.
func (s *StepEstimator) direction(hx, hy []float64) (float64, float64) {
	cxx := stat.Variance(hx, nil)
	cyy := stat.Variance(hy, nil)
	cxy := stat.Covariance(hx, hy, nil)
	cov := mat.NewSymDense(2, []float64{cxx, cxy, cxy, cyy})

	fx, fy := s.Forward[0], s.Forward[1]
	if norm := math.Hypot(fx, fy); norm > 0 {
		fx, fy = fx/norm, fy/norm
	} else {
		fx, fy = 1, 0
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return fx, fy
	}
	vals := eig.Values(nil)
	if vals[1]-vals[0] < 1e-12 {
		return fx, fy
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues are ascending; the principal axis is the last column
	dx, dy := vecs.At(0, 1), vecs.At(1, 1)
	if norm := math.Hypot(dx, dy); norm > 0 {
		dx, dy = dx/norm, dy/norm
	}
	if dx*fx+dy*fy < 0 {
		dx, dy = -dx, -dy
	}
	return dx, dy
}
