package swim

import (
	"context"
	"fmt"
	"time"

	"stackalign/internal/settings"
	"stackalign/pkg/geometry"
)

// PointCorrelator fits Manual correspondences directly, without refining them
// against the pixels. It is used when no image backend is available and as the
// fallback for Manual sections.
type PointCorrelator struct {
	// Now stamps results; defaults to time.Now.
	Now func() time.Time
}

// Correlate implements Correlator.
func (p PointCorrelator) Correlate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m, ok := req.Settings.Method.(settings.Manual)
	if !ok {
		return Result{}, fmt.Errorf("point correlator: section %d uses %s method", req.Section, req.Settings.Method.Kind())
	}
	if err := req.Settings.Ready(); err != nil {
		return Result{}, err
	}

	ref, mov := ManualPairs(m)
	affine, err := FitAffine(ref, mov)
	if err != nil {
		return Result{}, fmt.Errorf("point correlator: section %d: %w", req.Section, err)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return Result{
		Affine:     affine,
		SNR:        []float64{snrFromResidual(MeanResidual(ref, mov, affine))},
		ComputedAt: now(),
		LogRef:     req.JobID,
	}, nil
}

// ManualPairs returns the filled slots as parallel reference/moving point lists, in slot order.
func ManualPairs(m settings.Manual) (ref, mov []geometry.Point2D) {
	for _, p := range m.Points {
		if p.Set {
			ref = append(ref, p.Ref)
			mov = append(mov, p.Mov)
		}
	}
	return ref, mov
}

// snrFromResidual maps a fit residual in pixels onto a bounded quality score.
func snrFromResidual(residual float64) float64 {
	return 100 / (1 + residual)
}
