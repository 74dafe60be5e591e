// Package positioning turns windows of IMU samples into a cumulative
// planar position.
package positioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/window"
)

var (
	// ErrConfiguration is shared with the window package so a single
	// errors.Is check covers both sizing and algorithm selection.
	ErrConfiguration    = window.ErrConfiguration
	ErrUnknownAlgorithm = fmt.Errorf("%w: unknown algorithm", ErrConfiguration)
	ErrInferenceFailure = errors.New("positioning: velocity estimation failed")
	ErrNumericAnomaly   = errors.New("positioning: non-finite velocity")
)

// Position is a planar displacement from the run origin, in metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Algorithm estimates the position after each window. It is driven by a
// single goroutine and is not safe for concurrent use.
type Algorithm interface {
	Estimate(ctx context.Context, w window.Window) (Position, error)
	// Reset returns the algorithm to the origin with a fresh attitude.
	Reset()
}

// Kind names one of the available algorithms.
type Kind int

const (
	KindPDROriented Kind = iota
	KindCollectOnly
)

var kindNames = map[Kind]string{
	KindPDROriented: "pdr-oriented",
	KindCollectOnly: "collect-only",
}

var kindAliases = map[string]Kind{
	"pdr-oriented": KindPDROriented,
	"pdrlocalori":  KindPDROriented,
	"collect-only": KindCollectOnly,
	"collectdata":  KindCollectOnly,
}

var requiredSensors = map[Kind][]imu.SensorType{
	KindPDROriented: {imu.Accelerometer, imu.Gyroscope},
	KindCollectOnly: {imu.Accelerometer, imu.Gyroscope, imu.Magnetometer},
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RequiredSensors lists the sensors a run of this kind registers with the
// sample source. The returned slice is a copy.
func (k Kind) RequiredSensors() []imu.SensorType {
	return append([]imu.SensorType(nil), requiredSensors[k]...)
}

// ParseKind resolves an algorithm name. Matching ignores case and
// surrounding space.
func ParseKind(name string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return k, nil
}

// New builds the algorithm for kind. est is only used by KindPDROriented.
func New(kind Kind, est estimator.VelocityEstimator, opts ...Option) (Algorithm, error) {
	switch kind {
	case KindPDROriented:
		return NewPDR(est, opts...)
	case KindCollectOnly:
		return CollectOnly{}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, kind)
	}
}

// CollectOnly is used for raw data capture. Every window yields the origin
// and its sensor content is never read.
type CollectOnly struct{}

func (CollectOnly) Estimate(ctx context.Context, _ window.Window) (Position, error) {
	return Position{}, ctx.Err()
}

func (CollectOnly) Reset() {}
