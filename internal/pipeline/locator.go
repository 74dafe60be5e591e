// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package pipeline runs the locator: a sample source feeds a window
// buffer, a single worker turns windows into positions and publishes them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/orientation"
	"github.com/relabs-tech/pdr_locator/internal/positioning"
	"github.com/relabs-tech/pdr_locator/internal/window"
)

var (
	ErrNotIdle     = errors.New("pipeline: locator is not idle")
	ErrNotRunning  = errors.New("pipeline: locator is not running")
	ErrStopTimeout = errors.New("pipeline: worker did not stop in time")
)

// State of the locator. Idle is both the initial and the final state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is published once per processed window.
type Result struct {
	RunID     uuid.UUID            `json:"run_id"`
	Seq       uint64               `json:"seq"`
	Timestamp int64                `json:"t"` // last sample of the window, ms
	Algorithm string               `json:"algorithm"`
	Position  positioning.Position `json:"position"`
	Pose      orientation.Pose     `json:"pose"`
}

// Stats describes the current (or last) run.
type Stats struct {
	RunID     uuid.UUID         `json:"run_id"`
	Algorithm string            `json:"algorithm"`
	Windows   uint64            `json:"windows"`
	Published uint64            `json:"published"`
	Skipped   uint64            `json:"skipped"`
	Anomalies uint64            `json:"anomalies"`
	Panics    uint64            `json:"panics"`
	Recorded  uint64            `json:"recorded"`
	LastError string            `json:"last_error,omitempty"`
	Positions positioning.Stats `json:"positioning"`
}

// run holds everything that lives for one Start/Stop cycle. A worker that
// outlives its Stop only ever touches its own run.
type run struct {
	id     uuid.UUID
	kind   positioning.Kind
	buf    *window.Buffer
	alg    positioning.Algorithm
	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   Stats
	handled uint64 // windows taken and then published or skipped
}

func (r *run) note(update func(*Stats), err error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	update(&r.stats)
	if err != nil {
		r.stats.LastError = err.Error()
	}
}

func (r *run) snapshot() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// Locator owns the sample source, the window buffer and the algorithm of
// the current run.
type Locator struct {
	src  imu.Source
	est  estimator.VelocityEstimator
	opts options

	// lifecycle serializes Start and Stop; mu is only held briefly so
	// State never waits on a slow source.
	lifecycle sync.Mutex
	mu        sync.Mutex // guards state, cur and algs
	state     State
	cur       *run
	algs      map[positioning.Kind]positioning.Algorithm

	latest  atomic.Pointer[run] // current or last run, for Stats
	results chan Result
}

// New validates the configuration and returns an idle locator. est may be
// nil when only collect-only runs are started.
func New(src imu.Source, est estimator.VelocityEstimator, opts ...Option) (*Locator, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil sample source", positioning.ErrConfiguration)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := window.New(o.windowSize, o.slideStep); err != nil {
		return nil, err
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = DefaultStopTimeout
	}
	if o.resultBuffer < 0 {
		o.resultBuffer = 0
	}
	return &Locator{
		src:     src,
		est:     est,
		opts:    o,
		algs:    make(map[positioning.Kind]positioning.Algorithm),
		results: make(chan Result, o.resultBuffer),
	}, nil
}

// Results delivers one Result per processed window. The channel is the
// same for the lifetime of the locator and is never closed.
func (l *Locator) Results() <-chan Result { return l.results }

func (l *Locator) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats describes the current run, or the last one when idle.
func (l *Locator) Stats() Stats {
	r := l.latest.Load()
	if r == nil {
		return Stats{}
	}
	return r.snapshot()
}

func (l *Locator) current() *run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// Pending reports how many windows of the current run are waiting for the
// worker.
func (l *Locator) Pending() int {
	r := l.current()
	if r == nil {
		return 0
	}
	return r.buf.Pending()
}

// Drained reports whether the current run has published or skipped every
// window its buffer emitted so far. It is true when no run is active.
func (l *Locator) Drained() bool {
	r := l.current()
	if r == nil {
		return true
	}
	emitted := r.buf.Emitted()
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.handled >= emitted
}

// algorithm returns the cached algorithm for kind, reset to the origin.
// Called with l.mu held.
func (l *Locator) algorithm(kind positioning.Kind) (positioning.Algorithm, error) {
	if alg, ok := l.algs[kind]; ok {
		alg.Reset()
		return alg, nil
	}
	opts := append([]positioning.Option(nil), l.opts.algOpts...)
	opts = append(opts,
		positioning.WithWindowSize(l.opts.windowSize),
		positioning.WithSlideStep(l.opts.slideStep))
	alg, err := positioning.New(kind, l.est, opts...)
	if err != nil {
		return nil, err
	}
	l.algs[kind] = alg
	return alg, nil
}

// Start begins a run of the named algorithm. The run is bound to ctx:
// cancelling it ends the worker, Stop is still needed to release the
// source. The locator reports Running while the source starts; a failed
// source start returns it to Idle.
func (l *Locator) Start(ctx context.Context, name string) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	r, runCtx, err := l.begin(ctx, name)
	if err != nil {
		return err
	}
	go l.work(runCtx, r)

	if err := l.src.Start(r.kind.RequiredSensors(), l.pusher(r)); err != nil {
		r.buf.Close()
		r.cancel()
		<-r.done
		l.mu.Lock()
		l.cur = nil
		l.state = StateIdle
		l.mu.Unlock()
		return fmt.Errorf("pipeline: start source: %w", err)
	}
	Logf("pipeline: run %s started (%s, window %d/%d)", r.id, r.kind, l.opts.windowSize, l.opts.slideStep)
	return nil
}

// begin checks the Idle precondition and moves to Running with a fresh run
// bound to a context derived from ctx.
func (l *Locator) begin(ctx context.Context, name string) (*run, context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotIdle, l.state)
	}
	kind, err := positioning.ParseKind(name)
	if err != nil {
		return nil, nil, err
	}
	buf, err := window.New(l.opts.windowSize, l.opts.slideStep)
	if err != nil {
		return nil, nil, err
	}
	alg, err := l.algorithm(kind)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	id := uuid.New()
	r := &run{
		id:     id,
		kind:   kind,
		buf:    buf,
		alg:    alg,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  Stats{RunID: id, Algorithm: kind.String()},
	}
	l.latest.Store(r)
	l.cur = r
	l.state = StateRunning
	return r, runCtx, nil
}

// pusher is the callback handed to the source.
func (l *Locator) pusher(r *run) func(imu.Sample) {
	rec := l.opts.recorder
	var recErrLogged bool
	return func(s imu.Sample) {
		if rec != nil {
			if err := rec.Record(s); err != nil {
				if !recErrLogged {
					Logf("pipeline: record sample: %v", err)
					recErrLogged = true
				}
			} else {
				r.note(func(s *Stats) { s.Recorded++ }, nil)
			}
		}
		// ErrClosed only means the run is stopping
		_ = r.buf.Push(s)
	}
}

// Stop ends the current run and returns to Idle. The source is stopped
// first, then the buffer is closed and the worker is given StopTimeout
// to exit. The locator is Idle when Stop returns, even on error.
func (l *Locator) Stop() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.mu.Lock()
	if l.state != StateRunning {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	l.state = StateStopping
	r := l.cur
	l.mu.Unlock()

	var errs []error
	if err := l.src.Stop(); err != nil {
		Logf("pipeline: stop source: %v", err)
		errs = append(errs, fmt.Errorf("pipeline: stop source: %w", err))
	}
	r.buf.Close()
	r.cancel()

	timer := time.NewTimer(l.opts.stopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		Logf("pipeline: run %s: worker still busy after %v", r.id, l.opts.stopTimeout)
		errs = append(errs, ErrStopTimeout)
		// the stuck worker still owns the algorithm; the next run gets a new one
		l.mu.Lock()
		delete(l.algs, r.kind)
		l.mu.Unlock()
	}

	if rec := l.opts.recorder; rec != nil {
		if err := rec.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: flush recorder: %w", err))
		}
	}

	l.mu.Lock()
	l.cur = nil
	l.state = StateIdle
	l.mu.Unlock()

	st := r.snapshot()
	Logf("pipeline: run %s stopped: %d windows, %d published, %d skipped, %d anomalies",
		r.id, st.Windows, st.Published, st.Skipped, st.Anomalies)
	return errors.Join(errs...)
}

// posed is implemented by algorithms that track an attitude.
type posed interface {
	Pose() orientation.Pose
}

// counted is implemented by algorithms that keep their own counters.
type counted interface {
	Stats() positioning.Stats
}

func (l *Locator) work(ctx context.Context, r *run) {
	defer close(r.done)

	var (
		seq  uint64
		last positioning.Position
	)
	for {
		w, err := r.buf.Take(ctx)
		if err != nil {
			// ErrClosed or ctx cancelled: both end the run
			return
		}

		pos, err := l.estimate(ctx, r, w)
		if ctx.Err() != nil {
			// stopped mid-estimate: nothing of this window is reported
			return
		}
		r.note(func(s *Stats) {
			s.Windows++
			if c, ok := r.alg.(counted); ok {
				s.Positions = c.Stats()
			}
		}, nil)

		switch {
		case err == nil:
			last = pos
		case errors.Is(err, positioning.ErrNumericAnomaly):
			Logf("pipeline: run %s: window at %d: %v", r.id, w.Last(), err)
			r.note(func(s *Stats) { s.Anomalies++ }, err)
			pos = last
		default:
			Logf("pipeline: run %s: window at %d skipped: %v", r.id, w.Last(), err)
			r.note(func(s *Stats) {
				s.Skipped++
				r.handled++
			}, err)
			continue
		}

		res := Result{
			RunID:     r.id,
			Seq:       seq,
			Timestamp: w.Last(),
			Algorithm: r.kind.String(),
			Position:  pos,
		}
		if p, ok := r.alg.(posed); ok {
			res.Pose = p.Pose()
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case l.results <- res:
			seq++
			r.note(func(s *Stats) {
				s.Published++
				r.handled++
			}, nil)
		case <-ctx.Done():
			return
		}
	}
}

// estimate runs one window, turning a panic into ErrNumericAnomaly so a
// single bad window cannot take the worker down.
func (l *Locator) estimate(ctx context.Context, r *run, w window.Window) (pos positioning.Position, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.note(func(s *Stats) { s.Panics++ }, nil)
			err = fmt.Errorf("%w: panic: %v", positioning.ErrNumericAnomaly, v)
		}
	}()
	return r.alg.Estimate(ctx, w)
}
