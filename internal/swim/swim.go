// Package swim defines the contract with the correlation backend and the
// types it produces. The backend itself is external; this package only fits
// affines from correspondences and describes requests and results.
package swim

import (
	"context"
	"time"

	"stackalign/internal/settings"
	"stackalign/pkg/geometry"
)

// Request describes one pairwise correlation: align Image to RefImage at a level.
type Request struct {
	JobID     string
	Section   int
	Reference int
	Level     int
	Scale     int // downsampling factor of the level, 1 = full resolution
	Image     string
	RefImage  string
	Settings  settings.Swim
}

// Result is the output of one correlation. Affine maps reference image
// coordinates to coordinates in the section being aligned.
type Result struct {
	Affine     geometry.AffineTransform `json:"affine"`
	SNR        []float64                `json:"snr"`
	ComputedAt time.Time                `json:"computed_at"`
	LogRef     string                   `json:"log_ref,omitempty"`
}

// Correlator runs the pixel correlation for one request.
type Correlator interface {
	Correlate(ctx context.Context, req Request) (Result, error)
}

// CorrelatorFunc adapts a function to the Correlator interface.
type CorrelatorFunc func(ctx context.Context, req Request) (Result, error)

// Correlate implements Correlator.
func (f CorrelatorFunc) Correlate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
