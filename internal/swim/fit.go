package swim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"stackalign/pkg/geometry"
)

// FitAffine computes the affine mapping src onto dst. Three pairs are solved
// exactly; more are solved in the least-squares sense.
func FitAffine(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(src) != len(dst) {
		return geometry.AffineTransform{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return geometry.AffineTransform{}, fmt.Errorf("need at least 3 points, got %d", len(src))
	}
	if len(src) == 3 {
		return computeAffineFromPoints(src, dst)
	}
	return computeAffineLeastSquares(src, dst)
}

// computeAffineFromPoints computes an affine transform from exactly 3 point pairs.
func computeAffineFromPoints(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	// [x', y'] = [a, b, tx; c, d, ty] * [x, y, 1]
	A := mat.NewDense(6, 6, nil)
	B := mat.NewVecDense(6, nil)
	fillSystem(A, B, src, dst)

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return geometry.AffineTransform{}, fmt.Errorf("collinear points: %w", err)
	}
	return fromParams(&params), nil
}

// computeAffineLeastSquares solves the overdetermined system with QR.
func computeAffineLeastSquares(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	n := len(src)
	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)
	fillSystem(A, B, src, dst)

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return geometry.AffineTransform{}, err
	}
	return fromParams(&params), nil
}

func fillSystem(A *mat.Dense, B *mat.VecDense, src, dst []geometry.Point2D) {
	for i := range src {
		x, y := src[i].X, src[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}
}

func fromParams(p *mat.VecDense) geometry.AffineTransform {
	return geometry.AffineTransform{
		A:  p.AtVec(0),
		B:  p.AtVec(1),
		TX: p.AtVec(2),
		C:  p.AtVec(3),
		D:  p.AtVec(4),
		TY: p.AtVec(5),
	}
}

// MeanResidual returns the mean distance between transform(src) and dst.
func MeanResidual(src, dst []geometry.Point2D, transform geometry.AffineTransform) float64 {
	if len(src) != len(dst) || len(src) == 0 {
		return math.Inf(1)
	}

	var total float64
	for i := range src {
		total += transform.Apply(src[i]).Distance(dst[i])
	}
	return total / float64(len(src))
}
