package pipeline

import (
	"time"

	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/positioning"
	"github.com/relabs-tech/pdr_locator/internal/window"
)

const (
	DefaultStopTimeout  = 2 * time.Second
	DefaultResultBuffer = 64
)

// Recorder receives every raw sample of a run. *imu.Recorder satisfies it.
type Recorder interface {
	Record(s imu.Sample) error
	Flush() error
}

type options struct {
	windowSize   int
	slideStep    int
	stopTimeout  time.Duration
	resultBuffer int
	algOpts      []positioning.Option
	recorder     Recorder
}

func defaultOptions() options {
	return options{
		windowSize:   window.DefaultWindowSize,
		slideStep:    window.DefaultSlideStep,
		stopTimeout:  DefaultStopTimeout,
		resultBuffer: DefaultResultBuffer,
	}
}

type Option func(*options)

// WithWindow sets the window size and slide step used by every run.
func WithWindow(size, step int) Option {
	return func(o *options) {
		o.windowSize = size
		o.slideStep = step
	}
}

// WithStopTimeout bounds how long Stop waits for the worker.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

func WithResultBuffer(n int) Option {
	return func(o *options) { o.resultBuffer = n }
}

// WithAlgorithmOptions are passed to the positioning algorithm. Window
// size and slide step always follow WithWindow.
func WithAlgorithmOptions(opts ...positioning.Option) Option {
	return func(o *options) { o.algOpts = append(o.algOpts, opts...) }
}

// WithRecorder captures the raw samples of every run.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}
