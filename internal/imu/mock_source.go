// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Walker generates smooth synthetic samples of a device held flat by a
// walking pedestrian: gravity on z, a vertical bounce and a forward surge
// at the step frequency, and a slow constant turn rate.
type Walker struct {
	IntervalMS int64   // sample spacing
	StepHz     float64 // steps per second
	Bounce     float64 // vertical acceleration amplitude, m/s²
	Surge      float64 // forward acceleration amplitude, m/s²
	TurnRate   float64 // yaw rate, rad/s

	t int64
	n int64
}

// NewWalker returns a walker starting at timestamp start (ms).
func NewWalker(start int64, intervalMS int64) *Walker {
	return &Walker{
		IntervalMS: intervalMS,
		StepHz:     1.8,
		Bounce:     1.5,
		Surge:      0.8,
		TurnRate:   0.05,
		t:          start,
	}
}

// Next returns the next sample.
func (w *Walker) Next() Sample {
	elapsed := float64(w.n*w.IntervalMS) / 1000
	phase := 2 * math.Pi * w.StepHz * elapsed
	s := Sample{
		Timestamp: w.t,
		Accel: [3]float64{
			w.Surge * math.Sin(phase+math.Pi/2),
			0.1 * math.Sin(phase/2),
			standardGravity + w.Bounce*math.Sin(phase),
		},
		Gyro: [3]float64{
			0.05 * math.Sin(phase),
			0.05 * math.Cos(phase),
			w.TurnRate,
		},
		Mag: [3]float64{22, 5, -40},
	}
	w.n++
	w.t += w.IntervalMS
	return s
}

// MockSource feeds Walker samples at the walker's interval.
type MockSource struct {
	walker *Walker

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// NewMockSource creates a mock source producing one sample every interval.
func NewMockSource(interval time.Duration) *MockSource {
	ms := interval.Milliseconds()
	if ms <= 0 {
		ms = 5
	}
	return &MockSource{walker: NewWalker(time.Now().UnixMilli(), ms)}
}

func (m *MockSource) Start(sensors []SensorType, push func(Sample)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return errors.New("mock source: already started")
	}
	m.done = make(chan struct{})
	m.stopped = make(chan struct{})

	go func(done, stopped chan struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(time.Duration(m.walker.IntervalMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				push(m.walker.Next().Masked(sensors))
			}
		}
	}(m.done, m.stopped)
	return nil
}

func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return nil
	}
	close(m.done)
	<-m.stopped
	m.done, m.stopped = nil, nil
	return nil
}
