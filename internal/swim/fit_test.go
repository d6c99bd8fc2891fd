package swim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackalign/internal/settings"
	"stackalign/pkg/geometry"
)

func TestFitAffineExact(t *testing.T) {
	want := geometry.AffineTransform{A: 1.02, B: -0.05, TX: 12, C: 0.04, D: 0.98, TY: -7}
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}}
	dst := make([]geometry.Point2D, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	got, err := FitAffine(src, dst)
	require.NoError(t, err)
	assert.True(t, got.ApproxEqual(want, 1e-9), "got %v", got)
	assert.InDelta(t, 0, MeanResidual(src, dst, got), 1e-9)
}

func TestFitAffineLeastSquares(t *testing.T) {
	want := geometry.Translation(3, 4).Compose(geometry.Rotation(0.1))
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 0, Y: 50}, {X: 50, Y: 50}, {X: 25, Y: 10}}
	dst := make([]geometry.Point2D, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}
	got, err := FitAffine(src, dst)
	require.NoError(t, err)
	assert.True(t, got.ApproxEqual(want, 1e-9), "got %v", got)
}

func TestFitAffineRejects(t *testing.T) {
	_, err := FitAffine([]geometry.Point2D{{X: 1}}, []geometry.Point2D{{X: 1}, {X: 2}})
	assert.Error(t, err)

	two := []geometry.Point2D{{X: 0}, {X: 1}}
	_, err = FitAffine(two, two)
	assert.Error(t, err)

	collinear := []geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}}
	_, err = FitAffine(collinear, collinear)
	assert.Error(t, err)
}

func TestPointCorrelator(t *testing.T) {
	shift := geometry.Translation(5, -2)
	m := settings.Manual{Window: 64}
	for i, p := range []geometry.Point2D{{X: 10, Y: 10}, {X: 200, Y: 15}, {X: 90, Y: 180}} {
		m = m.SetPoint(i, p, shift.Apply(p))
	}
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pc := PointCorrelator{Now: func() time.Time { return stamp }}

	res, err := pc.Correlate(context.Background(), Request{JobID: "job-1", Section: 3, Settings: settings.Swim{Reference: 2, Method: m}})
	require.NoError(t, err)
	assert.True(t, res.Affine.ApproxEqual(shift, 1e-9))
	assert.Len(t, res.SNR, 1)
	assert.Equal(t, stamp, res.ComputedAt)
	assert.Equal(t, "job-1", res.LogRef)

	_, err = pc.Correlate(context.Background(), Request{Settings: settings.Swim{Method: m.ClearPoint(2)}})
	assert.ErrorIs(t, err, settings.ErrInsufficientCorrespondence)

	_, err = pc.Correlate(context.Background(), Request{Settings: settings.Default()})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pc.Correlate(ctx, Request{Settings: settings.Swim{Method: m}})
	assert.ErrorIs(t, err, context.Canceled)
}
