// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"errors"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrNotInitialized is returned by Update before Initialize.
var ErrNotInitialized = errors.New("orientation: tracker not initialized")

// Tracker propagates the device attitude from gyroscope rates and keeps
// an append-only history of canonical quaternions, one per update.
type Tracker struct {
	q           quat.Number
	initialized bool

	history []quat.Number
	total   int // entries ever appended
	retain  int

	a   *mat.Dense
	cur *mat.VecDense
	nxt *mat.VecDense
}

// NewTracker returns a tracker that keeps at least retain history entries
// readable through Latest. retain <= 0 keeps everything.
func NewTracker(retain int) *Tracker {
	return &Tracker{
		q:      Identity,
		retain: retain,
		a:      mat.NewDense(4, 4, nil),
		cur:    mat.NewVecDense(4, nil),
		nxt:    mat.NewVecDense(4, nil),
	}
}

// Initialize sets the attitude from the mean gravity direction of the
// given accelerometer samples, with zero yaw.
func (t *Tracker) Initialize(accel [][3]float64) {
	t.q = Normalize(FromGravity(GravityDirection(accel), 0))
	t.initialized = true
}

// Initialized reports whether Initialize has been called since the last Reset.
func (t *Tracker) Initialized() bool { return t.initialized }

// Update integrates one gyroscope reading (rad/s) over dtMillis and
// appends the result to the history.
func (t *Tracker) Update(dtMillis, gx, gy, gz float64) error {
	if !t.initialized {
		return ErrNotInitialized
	}

	h := dtMillis / 2000
	x, y, z := gx*h, gy*h, gz*h
	t.a.SetRow(0, []float64{1, -x, -y, -z})
	t.a.SetRow(1, []float64{x, 1, z, -y})
	t.a.SetRow(2, []float64{y, -z, 1, x})
	t.a.SetRow(3, []float64{z, y, -x, 1})

	t.cur.SetVec(0, t.q.Real)
	t.cur.SetVec(1, t.q.Imag)
	t.cur.SetVec(2, t.q.Jmag)
	t.cur.SetVec(3, t.q.Kmag)
	t.nxt.MulVec(t.a, t.cur)

	t.q = Normalize(quat.Number{
		Real: t.nxt.AtVec(0),
		Imag: t.nxt.AtVec(1),
		Jmag: t.nxt.AtVec(2),
		Kmag: t.nxt.AtVec(3),
	})
	t.save()
	return nil
}

func (t *Tracker) save() {
	t.history = append(t.history, Canonical(t.q))
	t.total++
	if t.retain > 0 && len(t.history) > 2*t.retain {
		n := copy(t.history, t.history[len(t.history)-t.retain:])
		t.history = t.history[:n]
	}
}

// ResetFromGravity re-anchors pitch and roll to the gravity direction of
// the given accelerometer samples, keeping the current yaw. Past history
// entries are left as they were.
func (t *Tracker) ResetFromGravity(accel [][3]float64) {
	yaw := Yaw(t.q)
	t.q = Normalize(FromGravity(GravityDirection(accel), yaw))
}

// Current is the live attitude estimate (not canonicalized).
func (t *Tracker) Current() quat.Number { return t.q }

// Latest returns up to n of the most recent history entries, oldest first.
// The slice is a copy.
func (t *Tracker) Latest(n int) []quat.Number {
	if n > len(t.history) {
		n = len(t.history)
	}
	if n <= 0 {
		return nil
	}
	out := make([]quat.Number, n)
	copy(out, t.history[len(t.history)-n:])
	return out
}

// Len is the number of entries appended since the last Reset.
func (t *Tracker) Len() int { return t.total }

// Reset returns the tracker to its uninitialized state with an empty history.
func (t *Tracker) Reset() {
	t.q = Identity
	t.initialized = false
	t.history = t.history[:0]
	t.total = 0
}
