// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package positioning

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/orientation"
	"github.com/relabs-tech/pdr_locator/internal/window"
)

// State is the integration state carried across the windows of one run.
type State struct {
	X, Y, Z         float64
	FirstWindow     bool
	MinVariance     float64
	ResetHalfWindow int
}

// Stats counts what happened to the windows of one run.
type Stats struct {
	Windows           uint64 `json:"windows"`
	Integrated        uint64 `json:"integrated"`
	Propagated        uint64 `json:"propagated"` // gyro samples folded into the attitude
	GravityResets     uint64 `json:"gravity_resets"`
	NonFinite         uint64 `json:"non_finite"`
	InferenceFailures uint64 `json:"inference_failures"`
}

// propagationRow is one gyroscope step fed to the attitude tracker.
type propagationRow struct {
	dt         float64 // ms
	gx, gy, gz float64
}

// PDR rotates every window into the world frame with a gyro-propagated
// attitude, asks the velocity estimator for the horizontal velocity and
// integrates it over the window duration.
type PDR struct {
	est     estimator.VelocityEstimator
	cfg     settings
	tracker *orientation.Tracker

	state State
	stats Stats
	last  int64 // timestamp of the newest propagated sample

	// scratch reused across windows
	accel [][3]float64
	mags  []float64
	rows  []propagationRow
}

// NewPDR validates the options and returns an algorithm at the origin.
func NewPDR(est estimator.VelocityEstimator, opts ...Option) (*PDR, error) {
	if est == nil {
		return nil, fmt.Errorf("%w: nil velocity estimator", ErrConfiguration)
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.windowSize <= 0:
		return nil, fmt.Errorf("%w: window size %d", ErrConfiguration, cfg.windowSize)
	case cfg.slideStep <= 0 || cfg.slideStep > cfg.windowSize:
		return nil, fmt.Errorf("%w: slide step %d for window %d", ErrConfiguration, cfg.slideStep, cfg.windowSize)
	case cfg.resetHalfWindow <= 0:
		return nil, fmt.Errorf("%w: reset half window %d", ErrConfiguration, cfg.resetHalfWindow)
	case cfg.firstSampleInterval <= 0:
		return nil, fmt.Errorf("%w: first sample interval %v", ErrConfiguration, cfg.firstSampleInterval)
	}

	p := &PDR{
		est:     est,
		cfg:     cfg,
		tracker: orientation.NewTracker(cfg.windowSize),
		accel:   make([][3]float64, cfg.windowSize),
		mags:    make([]float64, cfg.windowSize),
		rows:    make([]propagationRow, 0, cfg.windowSize),
	}
	p.Reset()
	return p, nil
}

// Reset moves back to the origin and forgets the attitude. Counters are
// cleared too.
func (p *PDR) Reset() {
	p.tracker.Reset()
	p.state = State{
		FirstWindow:     true,
		MinVariance:     p.cfg.varianceFloor,
		ResetHalfWindow: p.cfg.resetHalfWindow,
	}
	p.stats = Stats{}
	p.last = 0
}

func (p *PDR) State() State { return p.state }
func (p *PDR) Stats() Stats { return p.stats }

// Pose is the current attitude as roll/pitch/yaw degrees.
func (p *PDR) Pose() orientation.Pose {
	return orientation.PoseFromQuaternion(p.tracker.Current())
}

func (p *PDR) position() Position {
	return Position{X: p.state.X, Y: p.state.Y, Z: p.state.Z}
}

// Estimate folds one window into the position. On an estimator error or a
// non-finite velocity the position is returned unchanged together with an
// error wrapping ErrInferenceFailure or ErrNumericAnomaly. The attitude is
// always propagated so later windows stay consistent.
func (p *PDR) Estimate(ctx context.Context, w window.Window) (Position, error) {
	n := p.cfg.windowSize
	if len(w) != n {
		return p.position(), fmt.Errorf("%w: window of %d samples, want %d", ErrConfiguration, len(w), n)
	}
	p.stats.Windows++

	for i, s := range w {
		p.accel[i] = s.Accel
		p.mags[i] = math.Sqrt(s.Accel[0]*s.Accel[0] + s.Accel[1]*s.Accel[1] + s.Accel[2]*s.Accel[2])
	}

	if p.state.FirstWindow {
		p.tracker.Initialize(p.accel)
	}
	p.buildRows(w)

	_, variance := stat.PopMeanVariance(p.mags, nil)
	if p.shouldReset(variance) {
		p.tracker.ResetFromGravity(p.resetSpan())
		p.stats.GravityResets++
	}

	for _, r := range p.rows {
		if err := p.tracker.Update(r.dt, r.gx, r.gy, r.gz); err != nil {
			return p.position(), err
		}
	}
	p.stats.Propagated += uint64(len(p.rows))
	p.state.FirstWindow = false

	vx, vy, err := p.est.Estimate(ctx, p.buildTensor(w))
	if err != nil {
		if ctx.Err() != nil {
			return p.position(), ctx.Err()
		}
		p.stats.InferenceFailures++
		return p.position(), fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}
	if !finite(vx) || !finite(vy) {
		p.stats.NonFinite++
		return p.position(), fmt.Errorf("%w: (%v, %v)", ErrNumericAnomaly, vx, vy)
	}

	dt := w.DurationSeconds()
	p.state.X += vx * dt
	p.state.Y += vy * dt
	p.stats.Integrated++
	return p.position(), nil
}

// buildRows fills the propagation cache. The first window of a run
// propagates every sample; afterwards only the SlideStep newest samples
// are new, the rest were folded into the history by earlier windows.
// Only the very first sample of a run has no predecessor.
func (p *PDR) buildRows(w window.Window) {
	p.rows = p.rows[:0]
	start := 0
	if !p.state.FirstWindow {
		start = len(w) - p.cfg.slideStep
	}
	for i := start; i < len(w); i++ {
		var dt float64
		switch {
		case i > 0:
			dt = float64(w[i].Timestamp - w[i-1].Timestamp)
		case p.state.FirstWindow:
			dt = float64(p.cfg.firstSampleInterval.Milliseconds())
		default:
			dt = float64(w[0].Timestamp - p.last)
		}
		g := w[i].Gyro
		p.rows = append(p.rows, propagationRow{dt: dt, gx: g[0], gy: g[1], gz: g[2]})
	}
	p.last = w[len(w)-1].Timestamp
}

// shouldReset applies the gravity reset policy: a new variance minimum or
// a near-static window.
func (p *PDR) shouldReset(variance float64) bool {
	reset := false
	if variance < p.state.MinVariance {
		p.state.MinVariance = variance
		reset = true
	}
	if variance < p.cfg.nearStatic {
		reset = true
	}
	return reset
}

// resetSpan is the 2*ResetHalfWindow accelerometer samples centred on the
// middle of the window, clamped to the window.
func (p *PDR) resetSpan() [][3]float64 {
	mid := len(p.accel) / 2
	lo := max(mid-p.state.ResetHalfWindow, 0)
	hi := min(mid+p.state.ResetHalfWindow, len(p.accel))
	return p.accel[lo:hi]
}

// buildTensor rotates each sample into the world frame with the attitude
// recorded for it. Row layout: gyro x,y,z then accel x,y,z. The tensor is
// freshly allocated so estimators may keep it.
func (p *PDR) buildTensor(w window.Window) [][6]float64 {
	tensor := make([][6]float64, len(w))
	quats := p.tracker.Latest(len(w))
	offset := len(w) - len(quats)
	for i, s := range w {
		q := orientation.Identity
		switch {
		case len(quats) == 0:
		case i < offset:
			q = quats[0]
		default:
			q = quats[i-offset]
		}
		g := orientation.Rotate(q, s.Gyro)
		a := orientation.Rotate(q, s.Accel)
		tensor[i] = [6]float64{g[0], g[1], g[2], a[0], a[1], a[2]}
	}
	return tensor
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
