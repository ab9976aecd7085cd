package mask

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	DefaultClusters = 3

	maxSamples       = 16384
	kmeansIterations = 20
)

type Cluster struct {
	Color color.RGBA
	Count int
}

// DominantColors groups pixel colors into k clusters with k-means and returns the
// centroids ordered by population. Seeding is deterministic.
func DominantColors(img image.Image, k int) []Cluster {
	if k <= 0 {
		k = DefaultClusters
	}
	samples := samplePixels(img)
	if len(samples) == 0 {
		return nil
	}
	if k > len(samples) {
		k = len(samples)
	}

	sorted := append([][3]float64(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lumaF(sorted[i]) < lumaF(sorted[j])
	})
	centroids := make([][3]float64, k)
	for i := range centroids {
		centroids[i] = sorted[(2*i+1)*len(sorted)/(2*k)]
	}

	assign := make([]int, len(samples))
	counts := make([]int, k)
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i := range counts {
			counts[i] = 0
		}
		for i, s := range samples {
			best, bestDist := 0, math.MaxFloat64
			for c, ctr := range centroids {
				if d := dist2(s, ctr); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
			counts[best]++
		}

		sums := make([][3]float64, k)
		for i, s := range samples {
			c := assign[i]
			sums[c][0] += s[0]
			sums[c][1] += s[1]
			sums[c][2] += s[2]
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			n := float64(counts[c])
			centroids[c] = [3]float64{sums[c][0] / n, sums[c][1] / n, sums[c][2] / n}
		}
		if !changed && iter > 0 {
			break
		}
	}

	out := make([]Cluster, k)
	for c, ctr := range centroids {
		out[c] = Cluster{
			Color: color.RGBA{R: clamp8(ctr[0]), G: clamp8(ctr[1]), B: clamp8(ctr[2]), A: 0xff},
			Count: counts[c],
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// ContrastColor returns the color opposite to the image's mean in CIE Lab: lightness is
// mirrored and both chroma axes are negated. The result is clamped to the sRGB gamut.
func ContrastColor(img image.Image) color.RGBA {
	b := img.Bounds()
	var sumL, sumA, sumB float64
	n := 0
	step := sampleStep(b)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			c, _ := colorful.MakeColor(opaque(img.At(x, y)))
			l, a, bb := c.Lab()
			sumL += l
			sumA += a
			sumB += bb
			n++
		}
	}
	if n == 0 {
		return color.RGBA{R: 0xff, A: 0xff}
	}
	nf := float64(n)
	target := colorful.Lab(1-sumL/nf, -sumA/nf, -sumB/nf).Clamped()
	r, g, bl := target.RGB255()
	return color.RGBA{R: r, G: g, B: bl, A: 0xff}
}

func samplePixels(img image.Image) [][3]float64 {
	b := img.Bounds()
	step := sampleStep(b)
	out := make([][3]float64, 0, maxSamples)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, [3]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8)})
		}
	}
	return out
}

func sampleStep(b image.Rectangle) int {
	total := b.Dx() * b.Dy()
	if total <= maxSamples {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(total) / maxSamples)))
}

func opaque(c color.Color) color.Color {
	r, g, b, _ := c.RGBA()
	return color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}
}

func dist2(a, b [3]float64) float64 {
	dr, dg, db := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dr*dr + dg*dg + db*db
}

func lumaF(p [3]float64) float64 {
	return 0.299*p[0] + 0.587*p[1] + 0.114*p[2]
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}
