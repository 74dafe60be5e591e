package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/positioning"
)

func TestMain(m *testing.M) {
	SetLogger(nil)
	os.Exit(m.Run())
}

// fakeSource hands the push callback to the test.
type fakeSource struct {
	mu       sync.Mutex
	push     func(imu.Sample)
	sensors  []imu.SensorType
	startErr error
	stopErr  error
	started  int
	stopped  int
}

func (f *fakeSource) Start(sensors []imu.SensorType, push func(imu.Sample)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.sensors = sensors
	f.push = push
	f.started++
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push = nil
	f.stopped++
	return f.stopErr
}

// emit pushes n samples 20 ms apart, starting at index from.
func (f *fakeSource) emit(from, n int, rng *rand.Rand) {
	f.mu.Lock()
	push := f.push
	f.mu.Unlock()
	for i := from; i < from+n; i++ {
		s := imu.Sample{Timestamp: int64(i) * 20, Accel: [3]float64{0, 0, 9.80665}}
		if rng != nil {
			for j := 0; j < 3; j++ {
				s.Accel[j] += rng.NormFloat64() * 3
				s.Gyro[j] = rng.NormFloat64()
				s.Mag[j] = rng.NormFloat64() * 40
			}
		}
		push(s)
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	rows    int
	flushes int
}

func (r *fakeRecorder) Record(imu.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows++
	return nil
}

func (r *fakeRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func collect(t *testing.T, l *Locator, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	for len(out) < n {
		select {
		case r := <-l.Results():
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d results, want %d", len(out), n)
		}
	}
	return out
}

func assertNoResult(t *testing.T, l *Locator) {
	t.Helper()
	select {
	case r := <-l.Results():
		t.Fatalf("unexpected result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, estimator.Constant{})
	assert.ErrorIs(t, err, positioning.ErrConfiguration)

	_, err = New(&fakeSource{}, estimator.Constant{}, WithWindow(10, 20))
	assert.ErrorIs(t, err, positioning.ErrConfiguration)

	l, err := New(&fakeSource{}, estimator.Constant{})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, l.State())
	assert.Equal(t, DefaultStopTimeout, l.opts.stopTimeout)
	assert.Equal(t, DefaultResultBuffer, cap(l.Results()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestCollectOnlyPublishesOrigin(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "collect-only"))
	assert.Equal(t, StateRunning, l.State())
	assert.Equal(t, []imu.SensorType{imu.Accelerometer, imu.Gyroscope, imu.Magnetometer}, src.sensors)

	src.emit(0, 120, rand.New(rand.NewSource(1)))
	results := collect(t, l, 8)
	for i, r := range results {
		assert.Equal(t, positioning.Position{}, r.Position)
		assert.Equal(t, uint64(i), r.Seq)
		assert.Equal(t, int64(49+10*i)*20, r.Timestamp)
		assert.Equal(t, results[0].RunID, r.RunID)
		assert.Equal(t, "collect-only", r.Algorithm)
	}
	assertNoResult(t, l)

	require.NoError(t, l.Stop())
	assert.Equal(t, StateIdle, l.State())
	assert.Equal(t, 1, src.stopped)
	st := l.Stats()
	assert.Equal(t, uint64(8), st.Windows)
	assert.Equal(t, uint64(8), st.Published)
}

func TestStopWhileWaitingForWindow(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, estimator.Constant{VX: 1})
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 30, nil) // not enough for a window

	start := time.Now()
	require.NoError(t, l.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateIdle, l.State())
	assertNoResult(t, l)
}

func TestLifecyclePreconditions(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, estimator.Constant{})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Stop(), ErrNotRunning)

	ctx := context.Background()
	require.NoError(t, l.Start(ctx, "pdr-oriented"))
	first := l.Stats().RunID
	assert.ErrorIs(t, l.Start(ctx, "collect-only"), ErrNotIdle)
	require.NoError(t, l.Stop())
	assert.ErrorIs(t, l.Stop(), ErrNotRunning)

	require.NoError(t, l.Start(ctx, "pdr-oriented"))
	second := l.Stats().RunID
	require.NoError(t, l.Stop())

	assert.NotEqual(t, uuid.Nil, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, src.started)
}

func TestStartUnknownAlgorithm(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, estimator.Constant{})
	require.NoError(t, err)

	err = l.Start(context.Background(), "kalman")
	assert.ErrorIs(t, err, positioning.ErrUnknownAlgorithm)
	assert.Equal(t, StateIdle, l.State())
	assert.Zero(t, src.started)
}

func TestStartWithoutEstimator(t *testing.T) {
	l, err := New(&fakeSource{}, nil)
	require.NoError(t, err)

	err = l.Start(context.Background(), "pdr-oriented")
	assert.ErrorIs(t, err, positioning.ErrConfiguration)
	assert.Equal(t, StateIdle, l.State())
}

func TestSourceStartFailureRollsBack(t *testing.T) {
	src := &fakeSource{startErr: errors.New("no such device")}
	l, err := New(src, estimator.Constant{})
	require.NoError(t, err)

	err = l.Start(context.Background(), "pdr-oriented")
	assert.ErrorContains(t, err, "no such device")
	assert.Equal(t, StateIdle, l.State())

	src.mu.Lock()
	src.startErr = nil
	src.mu.Unlock()
	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	require.NoError(t, l.Stop())
}

func TestSourceStopErrorStillIdles(t *testing.T) {
	src := &fakeSource{stopErr: errors.New("port busy")}
	l, err := New(src, estimator.Constant{})
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	err = l.Stop()
	assert.ErrorContains(t, err, "port busy")
	assert.Equal(t, StateIdle, l.State())
}

func TestPDRRunIntegrates(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, estimator.Constant{VX: 1, VY: -1})
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	assert.Equal(t, []imu.SensorType{imu.Accelerometer, imu.Gyroscope}, src.sensors)
	src.emit(0, 70, nil)

	results := collect(t, l, 3)
	for i, r := range results {
		assert.InDelta(t, float64(i+1)*0.98, r.Position.X, 1e-9)
		assert.InDelta(t, -float64(i+1)*0.98, r.Position.Y, 1e-9)
		assert.InDelta(t, 0, r.Pose.Roll, 1e-6)
	}
	require.NoError(t, l.Stop())

	// a new run starts at the origin again
	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 50, nil)
	r := collect(t, l, 1)[0]
	assert.InDelta(t, 0.98, r.Position.X, 1e-9)
	assert.Zero(t, r.Seq)
	require.NoError(t, l.Stop())
}

func TestInferenceFailuresSkipWindows(t *testing.T) {
	var calls int
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		calls++
		if calls%2 == 0 {
			return 0, 0, errors.New("model timeout")
		}
		return 1, 0, nil
	})
	src := &fakeSource{}
	l, err := New(src, est)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 100, nil) // six windows

	results := collect(t, l, 3)
	require.Eventually(t, func() bool { return l.Stats().Windows == 6 }, time.Second, 5*time.Millisecond)
	assertNoResult(t, l)

	for i, r := range results {
		assert.Equal(t, uint64(i), r.Seq)
		assert.InDelta(t, float64(i+1)*0.98, r.Position.X, 1e-9)
	}
	st := l.Stats()
	assert.Equal(t, uint64(3), st.Skipped)
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(3), st.Positions.InferenceFailures)
	assert.Contains(t, st.LastError, "model timeout")
	require.NoError(t, l.Stop())
}

func TestNonFiniteVelocityPublishesLastPosition(t *testing.T) {
	var calls int
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		calls++
		if calls == 1 {
			return 1, 1, nil
		}
		return math.NaN(), 1, nil
	})
	src := &fakeSource{}
	l, err := New(src, est)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 70, nil)

	results := collect(t, l, 3)
	assert.Equal(t, results[0].Position, results[1].Position)
	assert.Equal(t, results[0].Position, results[2].Position)
	require.NoError(t, l.Stop())
	assert.Equal(t, uint64(2), l.Stats().Anomalies)
	assert.Equal(t, uint64(2), l.Stats().Positions.NonFinite)
}

func TestPanickingEstimatorDoesNotKillWorker(t *testing.T) {
	var calls int
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		calls++
		if calls == 2 {
			panic("index out of range")
		}
		return 1, 0, nil
	})
	src := &fakeSource{}
	l, err := New(src, est)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 70, nil)

	results := collect(t, l, 3)
	assert.InDelta(t, 0.98, results[0].Position.X, 1e-9)
	assert.Equal(t, results[0].Position, results[1].Position)
	assert.InDelta(t, 2*0.98, results[2].Position.X, 1e-9)
	require.NoError(t, l.Stop())

	st := l.Stats()
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(1), st.Anomalies)
	assert.Contains(t, st.LastError, "index out of range")
}

func TestStopTimeout(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		entered <- struct{}{}
		<-release
		return 0, 0, nil
	})
	src := &fakeSource{}
	l, err := New(src, est, WithStopTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer close(release)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 50, nil)
	<-entered

	start := time.Now()
	err = l.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateIdle, l.State())
}

func TestParentContextEndsWorker(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, estimator.Constant{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx, "pdr-oriented"))
	cancel()

	require.NoError(t, l.Stop())
	assert.Equal(t, StateIdle, l.State())
}

func TestRecorderCapturesEverySample(t *testing.T) {
	rec := &fakeRecorder{}
	src := &fakeSource{}
	l, err := New(src, nil, WithRecorder(rec))
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "CollectData"))
	src.emit(0, 64, rand.New(rand.NewSource(2)))
	collect(t, l, 2)
	require.NoError(t, l.Stop())

	assert.Equal(t, 64, rec.rows)
	assert.Equal(t, 1, rec.flushes)
	assert.Equal(t, uint64(64), l.Stats().Recorded)
}

func TestCustomWindow(t *testing.T) {
	src := &fakeSource{}
	l, err := New(src, estimator.Constant{VX: 1}, WithWindow(20, 5), WithResultBuffer(1))
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 20, nil)
	r := collect(t, l, 1)[0]
	assert.InDelta(t, 19*0.02, r.Position.X, 1e-9)
	require.NoError(t, l.Stop())
}

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("pipeline: hello")
	assert.Equal(t, "pipeline: hello", got)

	got = ""
	SetLogger(nil)
	Logf("pipeline: muted")
	assert.Empty(t, got)
}

func TestDrainedWaitsForSlowEstimator(t *testing.T) {
	est := estimator.Func(func(ctx context.Context, _ [][6]float64) (float64, float64, error) {
		select {
		case <-time.After(60 * time.Millisecond):
		case <-ctx.Done():
		}
		return 1, 0, nil
	})
	src := &fakeSource{}
	l, err := New(src, est)
	require.NoError(t, err)
	assert.True(t, l.Drained())

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 100, nil) // six windows, all queued at once
	assert.False(t, l.Drained())
	assert.Positive(t, l.Pending())

	require.Eventually(t, l.Drained, 3*time.Second, 5*time.Millisecond)
	st := l.Stats()
	assert.Equal(t, uint64(6), st.Windows)
	assert.Equal(t, uint64(6), st.Published)
	assert.Zero(t, l.Pending())
	require.NoError(t, l.Stop())
	assert.Len(t, collect(t, l, 6), 6)
}

func TestDrainedCountsSkippedWindows(t *testing.T) {
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		return 0, 0, errors.New("model offline")
	})
	src := &fakeSource{}
	l, err := New(src, est)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 70, nil)
	require.Eventually(t, l.Drained, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), l.Stats().Skipped)
	require.NoError(t, l.Stop())
}

func TestStuckWorkerDoesNotLeakIntoNextRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	est := estimator.Func(func(context.Context, [][6]float64) (float64, float64, error) {
		entered <- struct{}{}
		<-release
		return 1, 0, nil
	})
	src := &fakeSource{}
	l, err := New(src, est, WithStopTimeout(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background(), "pdr-oriented"))
	src.emit(0, 50, nil)
	<-entered
	require.ErrorIs(t, l.Stop(), ErrStopTimeout)

	require.NoError(t, l.Start(context.Background(), "collect-only"))
	second := l.Stats()
	close(release)

	// the old worker finishes its estimate but reports nothing
	assertNoResult(t, l)
	st := l.Stats()
	assert.Equal(t, second.RunID, st.RunID)
	assert.Zero(t, st.Windows)
	assert.Zero(t, st.Published)
	require.NoError(t, l.Stop())
}

// slowStartSource blocks in Start until gate is closed.
type slowStartSource struct {
	fakeSource
	gate chan struct{}
}

func (s *slowStartSource) Start(sensors []imu.SensorType, push func(imu.Sample)) error {
	<-s.gate
	return s.fakeSource.Start(sensors, push)
}

func TestStateDoesNotWaitForSourceStart(t *testing.T) {
	src := &slowStartSource{gate: make(chan struct{})}
	l, err := New(src, estimator.Constant{})
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- l.Start(context.Background(), "pdr-oriented") }()

	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)
	stopped := make(chan error, 1)
	go func() { stopped <- l.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the source was still starting")
	case <-time.After(30 * time.Millisecond):
	}

	close(src.gate)
	require.NoError(t, <-started)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateIdle, l.State())
	assert.Equal(t, 1, src.stopped)
}
