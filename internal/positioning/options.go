package positioning

import (
	"time"

	"github.com/relabs-tech/pdr_locator/internal/window"
)

const (
	DefaultNearStaticThreshold  = 0.005
	DefaultInitialVarianceFloor = 1000.0
	DefaultResetHalfWindow      = 25
	DefaultFirstSampleInterval  = 20 * time.Millisecond
)

type settings struct {
	windowSize          int
	slideStep           int
	nearStatic          float64
	varianceFloor       float64
	resetHalfWindow     int
	firstSampleInterval time.Duration
}

func defaultSettings() settings {
	return settings{
		windowSize:          window.DefaultWindowSize,
		slideStep:           window.DefaultSlideStep,
		nearStatic:          DefaultNearStaticThreshold,
		varianceFloor:       DefaultInitialVarianceFloor,
		resetHalfWindow:     DefaultResetHalfWindow,
		firstSampleInterval: DefaultFirstSampleInterval,
	}
}

// Option configures a PDR algorithm.
type Option func(*settings)

// WithWindowSize must match the size of the windows fed to Estimate.
func WithWindowSize(n int) Option { return func(s *settings) { s.windowSize = n } }

// WithSlideStep must match the buffer's slide step: it is the number of
// new samples each window after the first contributes to the attitude.
func WithSlideStep(n int) Option { return func(s *settings) { s.slideStep = n } }

func WithNearStaticThreshold(v float64) Option { return func(s *settings) { s.nearStatic = v } }

func WithInitialVarianceFloor(v float64) Option { return func(s *settings) { s.varianceFloor = v } }

func WithResetHalfWindow(n int) Option { return func(s *settings) { s.resetHalfWindow = n } }

// WithFirstSampleInterval sets the dt used for the very first sample of a run.
func WithFirstSampleInterval(d time.Duration) Option {
	return func(s *settings) { s.firstSampleInterval = d }
}
