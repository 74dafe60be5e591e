package orientation

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/num/quat"
)

// Identity is the zero rotation.
var Identity = quat.Number{Real: 1}

// Normalize scales q to unit norm. A zero quaternion becomes Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Canonical returns q with a non-negative real part. q and -q describe
// the same rotation.
func Canonical(q quat.Number) quat.Number {
	if q.Real < 0 {
		return quat.Scale(-1, q)
	}
	return q
}

// FromEuler converts yaw, pitch and roll (radians) with the half-angle
// formula.
func FromEuler(yaw, pitch, roll float64) quat.Number {
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)

	return quat.Number{
		Real: cy*cr*cp + sy*sr*sp,
		Imag: cy*sr*cp - sy*cr*sp,
		Jmag: cy*cr*sp + sy*sr*cp,
		Kmag: sy*cr*cp - cy*sr*sp,
	}
}

// FromGravity builds the attitude whose pitch and roll align the unit
// gravity direction g, keeping the given yaw.
func FromGravity(g [3]float64, yaw float64) quat.Number {
	pitch := math.Atan2(-g[0], g[2])
	roll := math.Atan2(g[1], math.Sqrt(g[0]*g[0]+g[2]*g[2]))
	return FromEuler(yaw, pitch, roll)
}

// Yaw extracts the heading angle (radians) of q.
func Yaw(q quat.Number) float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
}

// Rotate applies q to v: q ⊗ (0, v) ⊗ q⁻¹.
func Rotate(q quat.Number, v [3]float64) [3]float64 {
	p := quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2]}
	r := quat.Mul(quat.Mul(q, p), quat.Inv(q))
	return [3]float64{r.Imag, r.Jmag, r.Kmag}
}

// GravityDirection is the mean of the accelerometer samples, normalized.
// The mean is returned unscaled when its norm is zero.
func GravityDirection(accel [][3]float64) [3]float64 {
	var g [3]float64
	if len(accel) == 0 {
		return g
	}
	for _, a := range accel {
		g[0] += a[0]
		g[1] += a[1]
		g[2] += a[2]
	}
	n := float64(len(accel))
	g[0], g[1], g[2] = g[0]/n, g[1]/n, g[2]/n

	if norm := floats.Norm(g[:], 2); norm != 0 {
		floats.Scale(1/norm, g[:])
	}
	return g
}
