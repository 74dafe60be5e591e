// Package estimator holds the velocity estimator contract used by the
// positioning algorithm and a few implementations of it.
//
// An estimator receives one window as a (N, 6) tensor of world-frame
// readings, each row being rotated gyro x,y,z followed by rotated accel
// x,y,z, and returns the horizontal velocity (m/s) over that window.
package estimator

import (
	"context"
	"errors"
)

// Columns of one tensor row.
const (
	ColGyroX = iota
	ColGyroY
	ColGyroZ
	ColAccelX
	ColAccelY
	ColAccelZ
)

// ErrShortInput is returned when the tensor is too short to estimate from.
var ErrShortInput = errors.New("estimator: input too short")

// VelocityEstimator maps a world-frame window to a horizontal velocity.
type VelocityEstimator interface {
	Estimate(ctx context.Context, tensor [][6]float64) (vx, vy float64, err error)
}

// Func adapts a plain function to VelocityEstimator.
type Func func(ctx context.Context, tensor [][6]float64) (float64, float64, error)

func (f Func) Estimate(ctx context.Context, tensor [][6]float64) (float64, float64, error) {
	return f(ctx, tensor)
}

// Constant always returns the same velocity. Useful for replay checks.
type Constant struct {
	VX, VY float64
}

func (c Constant) Estimate(context.Context, [][6]float64) (float64, float64, error) {
	return c.VX, c.VY, nil
}
