package positioning

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/window"
)

const gravity = 9.80665

// makeWindow builds n samples spaced intervalMS apart starting at start.
// fill sets the sensor content of sample i.
func makeWindow(n int, start, intervalMS int64, fill func(i int, s *imu.Sample)) window.Window {
	w := make(window.Window, n)
	for i := range w {
		w[i].Timestamp = start + int64(i)*intervalMS
		w[i].Accel = [3]float64{0, 0, gravity}
		if fill != nil {
			fill(i, &w[i])
		}
	}
	return w
}

func zeroVelocity() estimator.VelocityEstimator { return estimator.Constant{} }

func TestNewPDRRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name string
		est  estimator.VelocityEstimator
		opts []Option
	}{
		{"nil estimator", nil, nil},
		{"zero window", zeroVelocity(), []Option{WithWindowSize(0)}},
		{"step above window", zeroVelocity(), []Option{WithWindowSize(10), WithSlideStep(11)}},
		{"zero step", zeroVelocity(), []Option{WithSlideStep(0)}},
		{"zero half window", zeroVelocity(), []Option{WithResetHalfWindow(0)}},
		{"zero first interval", zeroVelocity(), []Option{WithFirstSampleInterval(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPDR(tt.est, tt.opts...)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestPDRInitialState(t *testing.T) {
	p, err := NewPDR(zeroVelocity())
	require.NoError(t, err)

	st := p.State()
	assert.True(t, st.FirstWindow)
	assert.Equal(t, DefaultInitialVarianceFloor, st.MinVariance)
	assert.Equal(t, DefaultResetHalfWindow, st.ResetHalfWindow)
	assert.Zero(t, st.X)
	assert.Zero(t, st.Y)
}

func TestPDRIntegratesVelocityOverWindowDuration(t *testing.T) {
	p, err := NewPDR(estimator.Constant{VX: 1, VY: 0.5})
	require.NoError(t, err)

	ctx := context.Background()
	var pos Position
	for k := 0; k < 3; k++ {
		pos, err = p.Estimate(ctx, makeWindow(50, int64(k)*200, 20, nil))
		require.NoError(t, err)
	}

	// each window spans 49 * 20 ms
	assert.InDelta(t, 3*0.98, pos.X, 1e-9)
	assert.InDelta(t, 3*0.49, pos.Y, 1e-9)
	assert.Zero(t, pos.Z)
	assert.Equal(t, uint64(3), p.Stats().Integrated)
}

func TestPDRResetsOnEveryWindowWhenVarianceKeepsFalling(t *testing.T) {
	p, err := NewPDR(zeroVelocity())
	require.NoError(t, err)

	ctx := context.Background()
	const windows = 8
	for k := 0; k < windows; k++ {
		amp := 2.0 / float64(k+1)
		w := makeWindow(50, int64(k)*200, 20, func(i int, s *imu.Sample) {
			sign := 1.0
			if i%2 == 1 {
				sign = -1
			}
			s.Accel = [3]float64{0, 0, gravity + sign*amp}
		})
		_, err := p.Estimate(ctx, w)
		require.NoError(t, err)

		assert.Equal(t, uint64(k+1), p.Stats().GravityResets, "window %d", k)
		assert.InDelta(t, amp*amp, p.State().MinVariance, 1e-9)
	}
}

func TestPDRResetPolicyNearStaticAndSteady(t *testing.T) {
	ctx := context.Background()

	t.Run("near static resets every window", func(t *testing.T) {
		p, err := NewPDR(zeroVelocity())
		require.NoError(t, err)
		for k := 0; k < 4; k++ {
			_, err := p.Estimate(ctx, makeWindow(50, int64(k)*200, 20, nil))
			require.NoError(t, err)
		}
		assert.Equal(t, uint64(4), p.Stats().GravityResets)
	})

	t.Run("steady motion resets only once", func(t *testing.T) {
		p, err := NewPDR(zeroVelocity())
		require.NoError(t, err)
		for k := 0; k < 4; k++ {
			w := makeWindow(50, int64(k)*200, 20, func(i int, s *imu.Sample) {
				if i%2 == 1 {
					s.Accel[2] += 1
				}
			})
			_, err := p.Estimate(ctx, w)
			require.NoError(t, err)
		}
		assert.Equal(t, uint64(1), p.Stats().GravityResets)
		assert.InDelta(t, 0.25, p.State().MinVariance, 1e-9)
	})
}

func TestPDRPropagatesOnlyNewSamples(t *testing.T) {
	p, err := NewPDR(zeroVelocity(), WithSlideStep(10))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.Estimate(ctx, makeWindow(50, 0, 20, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), p.Stats().Propagated)

	for k := 1; k <= 5; k++ {
		_, err = p.Estimate(ctx, makeWindow(50, int64(k)*200, 20, nil))
		require.NoError(t, err)
		assert.Equal(t, uint64(50+10*k), p.Stats().Propagated)
	}
}

func TestPDRGapBetweenDisjointWindows(t *testing.T) {
	p, err := NewPDR(zeroVelocity(), WithWindowSize(10), WithSlideStep(10), WithResetHalfWindow(5))
	require.NoError(t, err)

	turn := func(_ int, s *imu.Sample) { s.Gyro[2] = 0.5 }
	ctx := context.Background()
	_, err = p.Estimate(ctx, makeWindow(10, 0, 20, turn))
	require.NoError(t, err)
	// 100 ms gap between the last sample (180) and the next window
	_, err = p.Estimate(ctx, makeWindow(10, 280, 20, turn))
	require.NoError(t, err)

	// 200 ms for the first window, then 100 + 9*20 ms
	wantYaw := 0.5 * 0.48 * 180 / math.Pi
	assert.InDelta(t, wantYaw, p.Pose().Yaw, 0.05)
	assert.Equal(t, uint64(20), p.Stats().Propagated)
}

func TestPDRTensorLayout(t *testing.T) {
	ctx := context.Background()

	t.Run("level device keeps vectors", func(t *testing.T) {
		var got [][6]float64
		est := estimator.Func(func(_ context.Context, tensor [][6]float64) (float64, float64, error) {
			got = tensor
			return 0, 0, nil
		})
		p, err := NewPDR(est)
		require.NoError(t, err)

		_, err = p.Estimate(ctx, makeWindow(50, 0, 20, nil))
		require.NoError(t, err)
		require.Len(t, got, 50)
		for _, row := range got {
			assert.InDeltaSlice(t, []float64{0, 0, 0, 0, 0, gravity}, row[:], 1e-9)
		}
	})

	t.Run("gyro columns first", func(t *testing.T) {
		var got [][6]float64
		est := estimator.Func(func(_ context.Context, tensor [][6]float64) (float64, float64, error) {
			got = tensor
			return 0, 0, nil
		})
		p, err := NewPDR(est)
		require.NoError(t, err)

		w := makeWindow(50, 0, 20, func(_ int, s *imu.Sample) {
			s.Gyro = [3]float64{0.06, 0, 0.08}
		})
		_, err = p.Estimate(ctx, w)
		require.NoError(t, err)
		require.Len(t, got, 50)
		for _, row := range got {
			assert.InDelta(t, 0.1, math.Sqrt(row[0]*row[0]+row[1]*row[1]+row[2]*row[2]), 1e-9)
			assert.InDelta(t, gravity, math.Sqrt(row[3]*row[3]+row[4]*row[4]+row[5]*row[5]), 1e-9)
		}
	})
}

func TestPDRFiniteGuard(t *testing.T) {
	tests := []struct {
		name   string
		vx, vy float64
	}{
		{"nan x", math.NaN(), 1},
		{"nan y", 1, math.NaN()},
		{"inf x", math.Inf(1), 1},
		{"neg inf y", 1, math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
				calls++
				if calls == 1 {
					return 1, 1, nil
				}
				return tt.vx, tt.vy, nil
			})
			p, err := NewPDR(est)
			require.NoError(t, err)

			ctx := context.Background()
			before, err := p.Estimate(ctx, makeWindow(50, 0, 20, nil))
			require.NoError(t, err)

			after, err := p.Estimate(ctx, makeWindow(50, 200, 20, nil))
			assert.ErrorIs(t, err, ErrNumericAnomaly)
			assert.Equal(t, before, after)
			assert.Equal(t, before.X, p.State().X)
			assert.Equal(t, before.Y, p.State().Y)
			assert.Equal(t, uint64(1), p.Stats().NonFinite)
		})
	}
}

func TestPDRInferenceFailureKeepsPosition(t *testing.T) {
	boom := errors.New("model unavailable")
	fail := false
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		if fail {
			return 0, 0, boom
		}
		return 2, 0, nil
	})
	p, err := NewPDR(est)
	require.NoError(t, err)

	ctx := context.Background()
	before, err := p.Estimate(ctx, makeWindow(50, 0, 20, nil))
	require.NoError(t, err)

	fail = true
	after, err := p.Estimate(ctx, makeWindow(50, 200, 20, nil))
	assert.ErrorIs(t, err, ErrInferenceFailure)
	assert.ErrorContains(t, err, "model unavailable")
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(1), p.Stats().InferenceFailures)

	// the attitude kept moving, so the next window integrates normally
	fail = false
	next, err := p.Estimate(ctx, makeWindow(50, 400, 20, nil))
	require.NoError(t, err)
	assert.InDelta(t, before.X+2*0.98, next.X, 1e-9)
	assert.Equal(t, uint64(70), p.Stats().Propagated)
}

func TestPDRCancelledEstimateIsNotAFailure(t *testing.T) {
	est := estimator.Func(func(ctx context.Context, _ [][6]float64) (float64, float64, error) {
		return 0, 0, ctx.Err()
	})
	p, err := NewPDR(est)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Estimate(ctx, makeWindow(50, 0, 20, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.Stats().InferenceFailures)
}

func TestPDRRejectsWrongWindowLength(t *testing.T) {
	p, err := NewPDR(zeroVelocity())
	require.NoError(t, err)

	_, err = p.Estimate(context.Background(), makeWindow(49, 0, 20, nil))
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, p.State().FirstWindow)
}

func TestPDRResetReturnsToOrigin(t *testing.T) {
	p, err := NewPDR(estimator.Constant{VX: 1})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.Estimate(ctx, makeWindow(50, 0, 20, nil))
	require.NoError(t, err)
	require.NotZero(t, p.State().X)

	p.Reset()
	st := p.State()
	assert.Zero(t, st.X)
	assert.True(t, st.FirstWindow)
	assert.Equal(t, DefaultInitialVarianceFloor, st.MinVariance)
	assert.Equal(t, Stats{}, p.Stats())

	// a fresh run propagates the whole first window again
	_, err = p.Estimate(ctx, makeWindow(50, 0, 20, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), p.Stats().Propagated)
}

func TestPDRPoseOfLevelDevice(t *testing.T) {
	p, err := NewPDR(zeroVelocity())
	require.NoError(t, err)

	_, err = p.Estimate(context.Background(), makeWindow(50, 0, 20, nil))
	require.NoError(t, err)

	pose := p.Pose()
	assert.InDelta(t, 0, pose.Roll, 1e-6)
	assert.InDelta(t, 0, pose.Pitch, 1e-6)
	assert.InDelta(t, 0, pose.Yaw, 1e-6)
}
