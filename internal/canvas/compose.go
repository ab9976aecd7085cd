package canvas

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"golang.org/x/image/draw"
)

const (
	SeparatorWidth = 10
	JPEGQuality    = 95
	MaxImages      = 4
)

var (
	ErrNoImages = errors.New("no images to compose")

	background = image.NewUniform(color.White)
)

// Compose lays out 1 to 4 images on a single canvas. Images beyond the fourth are ignored.
//
// One image is copied as is. Two images sit side by side in a canvas as wide as the first
// image. Three or four images put the first at full size on the left and stack the rest
// at a third of its size on the right, padding missing slots with blank tiles.
func Compose(images []image.Image) (*image.RGBA, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if len(images) > MaxImages {
		images = images[:MaxImages]
	}
	for i, img := range images {
		if img == nil || img.Bounds().Empty() {
			return nil, fmt.Errorf("image %d is empty", i+1)
		}
	}

	switch len(images) {
	case 1:
		return single(images[0]), nil
	case 2:
		return pair(images[0], images[1]), nil
	default:
		return grid(images), nil
	}
}

func single(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

func pair(first, second image.Image) *image.RGBA {
	baseW := first.Bounds().Dx()
	maxRatio := 0.0
	for _, img := range []image.Image{first, second} {
		if r := aspect(img); r > maxRatio {
			maxRatio = r
		}
	}

	targetH := int(float64(baseW+SeparatorWidth) / (2 * maxRatio))
	if targetH < 1 {
		targetH = 1
	}
	targetW := (baseW - SeparatorWidth) / 2
	if targetW < 1 {
		targetW = 1
	}

	canvas := blank(baseW, targetH)
	for i, img := range []image.Image{first, second} {
		ratio := aspect(img)
		h := targetH
		w := int(float64(h) * ratio)
		if w > targetW {
			w = targetW
			h = int(float64(w) / ratio)
		}
		if w < 1 || h < 1 {
			continue
		}
		x := i*(targetW+SeparatorWidth) + (targetW-w)/2
		y := (targetH - h) / 2
		scaleInto(canvas, image.Rect(x, y, x+w, y+h), img)
	}
	return canvas
}

func grid(images []image.Image) *image.RGBA {
	base := images[0].Bounds()
	baseW, baseH := base.Dx(), base.Dy()
	smallW, smallH := baseW/3, baseH/3

	canvas := blank(baseW+smallW+SeparatorWidth, baseH)
	draw.Draw(canvas, image.Rect(0, 0, baseW, baseH), images[0], base.Min, draw.Src)

	for i := 1; i < MaxImages; i++ {
		x := baseW + SeparatorWidth
		y := (i - 1) * (smallH + SeparatorWidth)
		slot := image.Rect(x, y, x+smallW, y+smallH)
		if i < len(images) && smallW > 0 && smallH > 0 {
			scaleInto(canvas, slot, images[i])
			continue
		}
		draw.Draw(canvas, slot, background, image.Point{}, draw.Src)
	}
	return canvas
}

func blank(w, h int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), background, image.Point{}, draw.Src)
	return canvas
}

// scaleInto resamples src into r, clipping anything that falls outside dst.
func scaleInto(dst *image.RGBA, r image.Rectangle, src image.Image) {
	tile := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.CatmullRom.Scale(tile, tile.Bounds(), src, src.Bounds(), draw.Src, nil)
	draw.Draw(dst, r, tile, image.Point{}, draw.Src)
}

func aspect(img image.Image) float64 {
	b := img.Bounds()
	return float64(b.Dx()) / float64(b.Dy())
}

func EncodeJPEG(w io.Writer, img image.Image) error {
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}
