// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"fmt"
	"strconv"
	"strings"
)

// Sample is one timestamped IMU reading. Values are SI: accel in m/s²,
// gyro in rad/s, mag in µT. Mag is zero-filled when the magnetometer is
// not in use.
type Sample struct {
	Timestamp int64      `json:"t"` // milliseconds, non-decreasing within a session
	Accel     [3]float64 `json:"accel"`
	Gyro      [3]float64 `json:"gyro"`
	Mag       [3]float64 `json:"mag"`
}

// SensorType identifies one of the sensors a sample is assembled from.
type SensorType int

const (
	Accelerometer SensorType = iota
	Gyroscope
	Magnetometer
)

func (t SensorType) String() string {
	switch t {
	case Accelerometer:
		return "accelerometer"
	case Gyroscope:
		return "gyroscope"
	case Magnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("sensor(%d)", int(t))
	}
}

// Source produces samples. Start registers the requested sensors and
// begins calling push from the source's own goroutine; Stop unregisters
// them and returns once push will no longer be called.
type Source interface {
	Start(sensors []SensorType, push func(Sample)) error
	Stop() error
}

// Masked returns a copy of s with the channels of sensors that are not
// listed zero-filled.
func (s Sample) Masked(sensors []SensorType) Sample {
	var accel, gyro, mag bool
	for _, t := range sensors {
		switch t {
		case Accelerometer:
			accel = true
		case Gyroscope:
			gyro = true
		case Magnetometer:
			mag = true
		}
	}
	out := Sample{Timestamp: s.Timestamp}
	if accel {
		out.Accel = s.Accel
	}
	if gyro {
		out.Gyro = s.Gyro
	}
	if mag {
		out.Mag = s.Mag
	}
	return out
}

// CSVHeader is the column layout of a recorded sample row.
func CSVHeader() []string {
	return []string{"timestamp", "ax", "ay", "az", "gx", "gy", "gz", "mx", "my", "mz"}
}

// Fields renders s as the ten CSV fields of a recorded row.
func (s Sample) Fields() []string {
	out := make([]string, 0, 10)
	out = append(out, strconv.FormatInt(s.Timestamp, 10))
	for _, v := range [][3]float64{s.Accel, s.Gyro, s.Mag} {
		for _, c := range v {
			out = append(out, strconv.FormatFloat(c, 'g', -1, 64))
		}
	}
	return out
}

// ParseFields decodes a recorded row. Rows with seven fields (no
// magnetometer) are accepted and zero-fill Mag.
func ParseFields(fields []string) (Sample, error) {
	if len(fields) != 10 && len(fields) != 7 {
		return Sample{}, fmt.Errorf("sample row: want 7 or 10 fields, got %d", len(fields))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		// Some loggers write the timestamp as a float.
		f, ferr := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if ferr != nil {
			return Sample{}, fmt.Errorf("sample row: timestamp %q: %w", fields[0], err)
		}
		ts = int64(f)
	}

	var vals [9]float64
	for i := 1; i < len(fields); i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return Sample{}, fmt.Errorf("sample row: column %d %q: %w", i, fields[i], err)
		}
		vals[i-1] = v
	}

	return Sample{
		Timestamp: ts,
		Accel:     [3]float64{vals[0], vals[1], vals[2]},
		Gyro:      [3]float64{vals[3], vals[4], vals[5]},
		Mag:       [3]float64{vals[6], vals[7], vals[8]},
	}, nil
}

// ParseLine decodes one comma separated row, e.g. a line read from a
// serial port.
func ParseLine(line string) (Sample, error) {
	return ParseFields(strings.Split(strings.TrimSpace(line), ","))
}
