package mask

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

const (
	// DiffThreshold is the luma difference above which a pixel counts as marked.
	DiffThreshold = 30

	closeIterations = 2
	openIterations  = 1
)

// DifferenceMask marks pixels where marked differs from original. The marked image is
// resampled to the original's bounds when their sizes differ.
func DifferenceMask(original, marked image.Image) *image.Gray {
	bounds := original.Bounds()
	marked = fitTo(marked, bounds)

	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	mb := marked.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r1, g1, b1, _ := original.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r2, g2, b2, _ := marked.At(mb.Min.X+x, mb.Min.Y+y).RGBA()
			if luma(absDiff(r1, r2), absDiff(g1, g2), absDiff(b1, b2)) > DiffThreshold {
				out.Pix[y*out.Stride+x] = 0xff
			}
		}
	}

	out = dilate(out, closeIterations)
	out = erode(out, closeIterations)
	out = erode(out, openIterations)
	out = dilate(out, openIterations)
	return out
}

func fitTo(img image.Image, bounds image.Rectangle) image.Image {
	if img.Bounds().Dx() == bounds.Dx() && img.Bounds().Dy() == bounds.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func absDiff(a, b uint32) uint32 {
	a >>= 8
	b >>= 8
	if a > b {
		return a - b
	}
	return b - a
}

func luma(r, g, b uint32) uint8 {
	return uint8((299*r + 587*g + 114*b + 500) / 1000)
}

// dilate and erode use a 3x3 square kernel. Pixels outside the image never contribute.
func dilate(src *image.Gray, iterations int) *image.Gray {
	return morph(src, iterations, func(cur, v uint8) uint8 {
		if v > cur {
			return v
		}
		return cur
	}, 0)
}

func erode(src *image.Gray, iterations int) *image.Gray {
	return morph(src, iterations, func(cur, v uint8) uint8 {
		if v < cur {
			return v
		}
		return cur
	}, 0xff)
}

func morph(src *image.Gray, iterations int, pick func(cur, v uint8) uint8, seed uint8) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	cur := src
	for i := 0; i < iterations; i++ {
		next := image.NewGray(cur.Rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				acc := seed
				for dy := -1; dy <= 1; dy++ {
					yy := y + dy
					if yy < 0 || yy >= h {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						xx := x + dx
						if xx < 0 || xx >= w {
							continue
						}
						acc = pick(acc, cur.Pix[yy*cur.Stride+xx])
					}
				}
				next.Pix[y*next.Stride+x] = acc
			}
		}
		cur = next
	}
	return cur
}

// Invert returns the bitwise NOT of m.
func Invert(m *image.Gray) *image.Gray {
	out := image.NewGray(m.Rect)
	for i, v := range m.Pix {
		out.Pix[i] = ^v
	}
	return out
}

// Blank returns an all-zero mask of the given size.
func Blank(width, height int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, width, height))
}

// ToGray converts any image into a grayscale mask using luma.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}
