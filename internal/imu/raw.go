package imu

import "math"

// IMURaw is the raw MPU9250 payload published by the inertial producer:
// accel and gyro in counts, mag in µT×10.
type IMURaw struct {
	Source string `json:"source"` // "left" or "right"

	Ax int16 `json:"ax"` // accel
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`

	Gx int16 `json:"gx"` // gyro
	Gy int16 `json:"gy"`
	Gz int16 `json:"gz"`

	Mx int16 `json:"mx"` // magnetometer
	My int16 `json:"my"`
	Mz int16 `json:"mz"`
}

const standardGravity = 9.80665

// RawScale converts raw counts to SI units.
type RawScale struct {
	AccelLSBPerG   float64 // 16384 at ±2g
	GyroLSBPerDegS float64 // 131 at ±250°/s
	MagLSBPerUT    float64 // 10, the producer stores µT×10
}

// DefaultRawScale matches the producer's default ranges.
var DefaultRawScale = RawScale{
	AccelLSBPerG:   16384,
	GyroLSBPerDegS: 131,
	MagLSBPerUT:    10,
}

// RawScaleForRanges returns the scale for the MPU9250 range codes used
// in the config file (accel 0-3 = ±2/4/8/16g, gyro 0-3 = ±250/500/1000/2000°/s).
func RawScaleForRanges(accelRange, gyroRange byte) RawScale {
	s := DefaultRawScale
	if accelRange <= 3 {
		s.AccelLSBPerG = 16384 / float64(int(1)<<accelRange)
	}
	if gyroRange <= 3 {
		s.GyroLSBPerDegS = 131 / float64(int(1)<<gyroRange)
	}
	return s
}

// ToSample converts a raw reading taken at ts milliseconds.
func (r IMURaw) ToSample(ts int64, scale RawScale) Sample {
	a := standardGravity / scale.AccelLSBPerG
	g := math.Pi / 180 / scale.GyroLSBPerDegS
	m := 1 / scale.MagLSBPerUT
	return Sample{
		Timestamp: ts,
		Accel:     [3]float64{float64(r.Ax) * a, float64(r.Ay) * a, float64(r.Az) * a},
		Gyro:      [3]float64{float64(r.Gx) * g, float64(r.Gy) * g, float64(r.Gz) * g},
		Mag:       [3]float64{float64(r.Mx) * m, float64(r.My) * m, float64(r.Mz) * m},
	}
}
