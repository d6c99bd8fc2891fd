package compose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"stackalign/pkg/geometry"
)

// MaxBiasOrder is the highest supported drift polynomial order.
const MaxBiasOrder = 4

// BiasFit describes the drift removed from a frame. Coefficients are in
// ascending powers of the normalized section index (z - Center) / Spread.
type BiasFit struct {
	Order  int
	Points int
	Center float64
	Spread float64
	TX     []float64
	TY     []float64
	Rot    []float64
	// ResidualRMS is the RMS translation of the corrected transforms.
	ResidualRMS float64
}

// correctBias fits a polynomial over section index to the translation and
// rotation of every chained section and removes it in place. The order is
// lowered when there are too few sections to determine it.
func correctBias(entries []Entry, order int) (*BiasFit, error) {
	if order < 0 {
		return nil, fmt.Errorf("bias order %d", order)
	}

	var idx []int
	for _, e := range entries {
		if e.Valid && (e.Status == StatusAnchor || e.Status == StatusAligned) {
			idx = append(idx, e.Section)
		}
	}
	n := len(idx)
	if n == 0 {
		return &BiasFit{Order: order}, nil
	}
	deg := min(order, n-1)

	zs := make([]float64, n)
	for i, z := range idx {
		zs[i] = float64(z)
	}
	center := stat.Mean(zs, nil)
	spread := 0.0
	for _, z := range zs {
		spread = math.Max(spread, math.Abs(z-center))
	}
	if spread == 0 {
		spread = 1
	}

	xs := make([]float64, n)
	tx := make([]float64, n)
	ty := make([]float64, n)
	rot := make([]float64, n)
	for i, z := range idx {
		a := entries[z].Affine
		xs[i] = (zs[i] - center) / spread
		tx[i] = a.TX
		ty[i] = a.TY
		rot[i] = a.RotationAngle()
	}

	fit := &BiasFit{Order: deg, Points: n, Center: center, Spread: spread}
	var err error
	if fit.TX, err = polyFit(xs, tx, deg); err != nil {
		return nil, fmt.Errorf("fit x drift: %w", err)
	}
	if fit.TY, err = polyFit(xs, ty, deg); err != nil {
		return nil, fmt.Errorf("fit y drift: %w", err)
	}
	if fit.Rot, err = polyFit(xs, rot, deg); err != nil {
		return nil, fmt.Errorf("fit rotation drift: %w", err)
	}

	sq := make([]float64, n)
	for i, z := range idx {
		corrected := removeDrift(entries[z].Affine,
			polyEval(fit.TX, xs[i]), polyEval(fit.TY, xs[i]), polyEval(fit.Rot, xs[i]))
		entries[z].Affine = corrected
		sq[i] = corrected.TX*corrected.TX + corrected.TY*corrected.TY
	}
	fit.ResidualRMS = math.Sqrt(stat.Mean(sq, nil))
	return fit, nil
}

// removeDrift rotates the linear part by -rot and subtracts (dx, dy) from the translation.
func removeDrift(a geometry.AffineTransform, dx, dy, rot float64) geometry.AffineTransform {
	linear := geometry.AffineTransform{A: a.A, B: a.B, C: a.C, D: a.D}
	out := geometry.Rotation(-rot).Compose(linear)
	out.TX = a.TX - dx
	out.TY = a.TY - dy
	return out
}

// polyFit returns least-squares coefficients c[0..deg] of y ≈ Σ c[p]·x^p.
func polyFit(x, y []float64, deg int) ([]float64, error) {
	n := len(x)
	A := mat.NewDense(n, deg+1, nil)
	for i := range x {
		v := 1.0
		for p := 0; p <= deg; p++ {
			A.Set(i, p, v)
			v *= x[i]
		}
	}
	b := mat.NewVecDense(n, append([]float64(nil), y...))

	var c mat.VecDense
	if err := c.SolveVec(A, b); err != nil {
		return nil, err
	}
	out := make([]float64, deg+1)
	for p := range out {
		out[p] = c.AtVec(p)
	}
	return out, nil
}

func polyEval(c []float64, x float64) float64 {
	v := 0.0
	for p := len(c) - 1; p >= 0; p-- {
		v = v*x + c[p]
	}
	return v
}
