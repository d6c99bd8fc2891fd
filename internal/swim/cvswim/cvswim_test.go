package cvswim

import (
	"context"
	"image"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackalign/internal/settings"
	"stackalign/internal/swim"
	"stackalign/pkg/geometry"
)

// texture writes a smoothed random image whose content is offset by (dx, dy).
func texture(t *testing.T, path string, size, dx, dy int) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	const pad = 32
	n := size + 2*pad
	noise := make([]float64, n*n)
	for i := range noise {
		noise[i] = rng.Float64()
	}
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx, sy := x-dx+pad, y-dy+pad
			var v float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					v += noise[(sy+ky)*n+sx+kx]
				}
			}
			img.Pix[y*img.Stride+x] = uint8(v / 9 * 255)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func gridSettings() settings.Swim {
	g := settings.DefaultGrid()
	g.WindowFull = 128
	g.WindowQuad = 64
	g.Iterations = 2
	return settings.Swim{Reference: 0, Method: g}
}

func TestIdenticalImagesGiveIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	texture(t, path, 256, 0, 0)

	res, err := New(nil).Correlate(context.Background(), swim.Request{
		Section: 1, Reference: 0, Scale: 1,
		Image: path, RefImage: path,
		Settings: gridSettings(),
	})
	require.NoError(t, err)
	assert.True(t, res.Affine.ApproxEqual(geometry.Identity(), 1e-3), "%v", res.Affine)
	assert.Len(t, res.SNR, 4)
}

func TestShiftedImagesGiveTranslation(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.png")
	mov := filepath.Join(dir, "mov.png")
	texture(t, ref, 256, 0, 0)
	texture(t, mov, 256, 6, -4)

	res, err := New(nil).Correlate(context.Background(), swim.Request{
		Section: 1, Reference: 0, Scale: 1,
		Image: mov, RefImage: ref,
		Settings: gridSettings(),
	})
	require.NoError(t, err)
	a := res.Affine
	assert.InDelta(t, 1, a.A, 0.02)
	assert.InDelta(t, 1, a.D, 0.02)
	assert.InDelta(t, 0, a.B, 0.02)
	assert.InDelta(t, 0, a.C, 0.02)
	assert.InDelta(t, 6, math.Abs(a.TX), 1)
	assert.InDelta(t, 4, math.Abs(a.TY), 1)
}

func TestScaleReducesImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	texture(t, path, 256, 0, 0)

	m, err := loadGray(path, 4)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 64, m.Cols())
	assert.Equal(t, 64, m.Rows())
}

func TestCorrelateRejectsUnreadySettings(t *testing.T) {
	_, err := New(nil).Correlate(context.Background(), swim.Request{
		Settings: settings.Swim{Method: settings.Manual{Window: 32}},
	})
	assert.ErrorIs(t, err, settings.ErrInsufficientCorrespondence)
}

func TestWindowAtStaysInBounds(t *testing.T) {
	bounds := image.Pt(100, 80)
	for _, tc := range []struct {
		name string
		p    geometry.Point2D
		want image.Rectangle
	}{
		{"centred", geometry.NewPoint2D(50, 40), image.Rect(34, 24, 66, 56)},
		{"top left", geometry.NewPoint2D(2, 3), image.Rect(0, 0, 32, 32)},
		{"bottom right", geometry.NewPoint2D(99, 79), image.Rect(68, 48, 100, 80)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, windowAt(tc.p, 32, bounds))
		})
	}
}

func TestQuadrantCenters(t *testing.T) {
	size := image.Pt(400, 200)
	assert.Equal(t, geometry.NewPoint2D(100, 50), quadrantCenter(settings.TopLeft, size))
	assert.Equal(t, geometry.NewPoint2D(300, 50), quadrantCenter(settings.TopRight, size))
	assert.Equal(t, geometry.NewPoint2D(100, 150), quadrantCenter(settings.BottomLeft, size))
	assert.Equal(t, geometry.NewPoint2D(300, 150), quadrantCenter(settings.BottomRight, size))
}
