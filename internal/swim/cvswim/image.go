package cvswim

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// loadGray decodes an image file into a single-channel float Mat reduced by
// the level's scale factor. The caller closes the Mat.
func loadGray(path string, scale int) (gocv.Mat, error) {
	file, err := os.Open(path)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	gray, ok := img.(*image.Gray)
	if !ok {
		b := img.Bounds()
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}

	full, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert %s: %w", path, err)
	}
	defer full.Close()

	src := full
	if scale > 1 {
		small := gocv.NewMat()
		defer small.Close()
		f := 1 / float64(scale)
		gocv.Resize(full, &small, image.Point{}, f, f, gocv.InterpolationArea)
		src = small
	}

	out := gocv.NewMat()
	src.ConvertTo(&out, gocv.MatTypeCV32F)
	return out, nil
}
