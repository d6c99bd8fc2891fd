// Package geometry provides the affine value types shared by the alignment pipeline.
package geometry

import (
	"encoding/json"
	"fmt"
	"math"
)

// Point2D represents a 2D point with floating-point coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns p + other.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns p - other.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point2D) Scale(factor float64) Point2D {
	return Point2D{X: p.X * factor, Y: p.Y * factor}
}

// AffineTransform represents a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{A: 1, D: 1}
}

// Translation returns a translation transform.
func Translation(tx, ty float64) AffineTransform {
	return AffineTransform{A: 1, D: 1, TX: tx, TY: ty}
}

// Rotation returns a rotation transform around the origin.
func Rotation(radians float64) AffineTransform {
	cos := math.Cos(radians)
	sin := math.Sin(radians)
	return AffineTransform{A: cos, B: -sin, C: sin, D: cos}
}

// Apply applies the transform to a point.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Compose returns this transform composed with another (this * other).
// The result applies other first, then t.
func (t AffineTransform) Compose(other AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Det returns the determinant of the linear part.
func (t AffineTransform) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Inverse returns the inverse transform, if it exists.
func (t AffineTransform) Inverse() (AffineTransform, bool) {
	det := t.Det()
	if math.Abs(det) < 1e-10 {
		return AffineTransform{}, false
	}

	invDet := 1.0 / det
	return AffineTransform{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}

// IsFinite reports whether every coefficient is a finite number.
func (t AffineTransform) IsFinite() bool {
	for _, v := range t.coefficients() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Degenerate reports whether the transform cannot map a section into a frame:
// non-finite coefficients or a (near) singular linear part.
func (t AffineTransform) Degenerate() bool {
	return !t.IsFinite() || math.Abs(t.Det()) < 1e-9
}

// RotationAngle returns the rotation of the linear part in radians.
func (t AffineTransform) RotationAngle() float64 {
	return math.Atan2(t.C, t.A)
}

// ApproxEqual compares coefficients with an absolute tolerance.
func (t AffineTransform) ApproxEqual(other AffineTransform, tol float64) bool {
	a, b := t.coefficients(), other.coefficients()
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func (t AffineTransform) coefficients() [6]float64 {
	return [6]float64{t.A, t.B, t.TX, t.C, t.D, t.TY}
}

// ToMatrix returns the transform as a [2][3]float64 array.
func (t AffineTransform) ToMatrix() [2][3]float64 {
	return [2][3]float64{
		{t.A, t.B, t.TX},
		{t.C, t.D, t.TY},
	}
}

// FromMatrix creates an AffineTransform from a [2][3]float64 array.
func FromMatrix(m [2][3]float64) AffineTransform {
	return AffineTransform{
		A: m[0][0], B: m[0][1], TX: m[0][2],
		C: m[1][0], D: m[1][1], TY: m[1][2],
	}
}

// String formats the transform as its two matrix rows.
func (t AffineTransform) String() string {
	return fmt.Sprintf("[[%.6g %.6g %.6g] [%.6g %.6g %.6g]]", t.A, t.B, t.TX, t.C, t.D, t.TY)
}

// MarshalJSON writes the transform in matrix form.
func (t AffineTransform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ToMatrix())
}

// UnmarshalJSON reads the matrix form written by MarshalJSON.
func (t *AffineTransform) UnmarshalJSON(data []byte) error {
	var m [2][3]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("affine matrix: %w", err)
	}
	*t = FromMatrix(m)
	return nil
}
