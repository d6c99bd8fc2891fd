// Package cvswim is an OpenCV phase-correlation implementation of
// swim.Correlator. It estimates a whole-image shift, refines it per quadrant
// (or per manual point) and fits an affine to the matches.
package cvswim

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"stackalign/internal/settings"
	"stackalign/internal/swim"
	"stackalign/pkg/geometry"
)

// Correlator correlates image files with gocv.PhaseCorrelate.
type Correlator struct {
	logger *zap.Logger
}

// New returns a correlator. A nil logger is replaced with a no-op one.
func New(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{logger: logger}
}

// match pairs a reference point with its location in the moving image.
type match struct {
	ref, mov geometry.Point2D
	response float64
}

// Correlate implements swim.Correlator. The returned affine maps reference
// pixel coordinates at the request's level to moving-image coordinates.
func (c *Correlator) Correlate(ctx context.Context, req swim.Request) (swim.Result, error) {
	if err := req.Settings.Ready(); err != nil {
		return swim.Result{}, err
	}
	ref, err := loadGray(req.RefImage, req.Scale)
	if err != nil {
		return swim.Result{}, err
	}
	defer ref.Close()
	mov, err := loadGray(req.Image, req.Scale)
	if err != nil {
		return swim.Result{}, err
	}
	defer mov.Close()
	if err := ctx.Err(); err != nil {
		return swim.Result{}, err
	}

	var matches []match
	switch m := req.Settings.Method.(type) {
	case settings.Grid:
		matches, err = c.grid(ctx, ref, mov, m)
	case settings.Manual:
		matches, err = c.manual(ctx, ref, mov, m)
	default:
		err = fmt.Errorf("unsupported method %T", req.Settings.Method)
	}
	if err != nil {
		return swim.Result{}, err
	}

	src := make([]geometry.Point2D, len(matches))
	dst := make([]geometry.Point2D, len(matches))
	snr := make([]float64, len(matches))
	for i, mt := range matches {
		src[i], dst[i], snr[i] = mt.ref, mt.mov, mt.response
	}
	affine, err := swim.FitAffine(src, dst)
	if err != nil {
		return swim.Result{}, err
	}

	c.logger.Debug("correlated",
		zap.Int("section", req.Section),
		zap.Int("reference", req.Reference),
		zap.Int("level", req.Level),
		zap.Float64("residual", swim.MeanResidual(src, dst, affine)))
	return swim.Result{Affine: affine, SNR: snr, ComputedAt: time.Now()}, nil
}

// grid iterates a whole-image shift estimate, then correlates one window per
// active quadrant around the shifted quadrant centre.
func (c *Correlator) grid(ctx context.Context, ref, mov gocv.Mat, g settings.Grid) ([]match, error) {
	if g.Clobber {
		clobber(&ref, g.ClobberSize)
		clobber(&mov, g.ClobberSize)
	}

	size := image.Pt(ref.Cols(), ref.Rows())
	center := geometry.NewPoint2D(float64(size.X)/2, float64(size.Y)/2)
	var shift geometry.Point2D
	for i := 0; i < max(1, g.Iterations); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, err := correlateAt(ref, mov, center, center.Add(shift), g.WindowFull)
		if err != nil {
			return nil, fmt.Errorf("whole-image pass %d: %w", i, err)
		}
		shift = mt.mov.Sub(mt.ref)
	}

	var out []match
	for _, q := range g.Quadrants.Quadrants() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := quadrantCenter(q, size)
		mt, err := correlateAt(ref, mov, p, p.Add(shift), g.WindowQuad)
		if err != nil {
			return nil, fmt.Errorf("quadrant %s: %w", q, err)
		}
		out = append(out, mt)
	}
	return out, nil
}

// manual refines each filled point pair with a window around it.
func (c *Correlator) manual(ctx context.Context, ref, mov gocv.Mat, m settings.Manual) ([]match, error) {
	src, dst := swim.ManualPairs(m)
	out := make([]match, len(src))
	for i := range src {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, err := correlateAt(ref, mov, src[i], dst[i], m.Window)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		out[i] = mt
	}
	return out, nil
}

// correlateAt phase-correlates a window of the reference centred on refAt with
// a window of the moving image centred on movAt and returns where refAt lands
// in the moving image.
func correlateAt(ref, mov gocv.Mat, refAt, movAt geometry.Point2D, window int) (match, error) {
	refSize := image.Pt(ref.Cols(), ref.Rows())
	movSize := image.Pt(mov.Cols(), mov.Rows())
	side := min(window, refSize.X, refSize.Y, movSize.X, movSize.Y)
	if side < 8 {
		return match{}, fmt.Errorf("window %d too small for %v and %v", window, refSize, movSize)
	}
	rr := windowAt(refAt, side, refSize)
	mr := windowAt(movAt, side, movSize)

	a := region(ref, rr)
	defer a.Close()
	b := region(mov, mr)
	defer b.Close()
	none := gocv.NewMat()
	defer none.Close()

	d, response := gocv.PhaseCorrelate(a, b, none)
	offset := geometry.NewPoint2D(float64(mr.Min.X-rr.Min.X), float64(mr.Min.Y-rr.Min.Y))
	return match{
		ref:      refAt,
		mov:      refAt.Add(offset).Add(geometry.NewPoint2D(float64(d.X), float64(d.Y))),
		response: response,
	}, nil
}

// region copies r out of m so the correlation sees a continuous buffer.
func region(m gocv.Mat, r image.Rectangle) gocv.Mat {
	view := m.Region(r)
	defer view.Close()
	return view.Clone()
}

// windowAt returns the side x side rectangle centred as close to p as the
// image bounds allow.
func windowAt(p geometry.Point2D, side int, bounds image.Point) image.Rectangle {
	x := int(p.X+0.5) - side/2
	y := int(p.Y+0.5) - side/2
	x = max(0, min(x, bounds.X-side))
	y = max(0, min(y, bounds.Y-side))
	return image.Rect(x, y, x+side, y+side)
}

// quadrantCenter is the centre of one quarter of the image.
func quadrantCenter(q settings.Quadrant, size image.Point) geometry.Point2D {
	x, y := float64(size.X)/4, float64(size.Y)/4
	switch q {
	case settings.TopRight:
		x *= 3
	case settings.BottomLeft:
		y *= 3
	case settings.BottomRight:
		x *= 3
		y *= 3
	}
	return geometry.NewPoint2D(x, y)
}

// clobber suppresses isolated bright and dark defects with a median filter.
func clobber(m *gocv.Mat, size int) {
	if size < 1 {
		return
	}
	k := 2*size + 1
	if k > 5 {
		// OpenCV only supports float input up to a 5x5 median.
		k = 5
	}
	filtered := gocv.NewMat()
	gocv.MedianBlur(*m, &filtered, k)
	filtered.CopyTo(m)
	filtered.Close()
}
