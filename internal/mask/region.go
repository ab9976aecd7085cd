package mask

import "image"

// MinRegionArea is the smallest filled area, in pixels, kept by RegionMask.
const MinRegionArea = 50

type region struct {
	pixels []int
	bounds image.Rectangle
	area   int
}

// RegionMask keeps the largest external region of a binary mask and fills its interior.
// It returns false when no region is larger than MinRegionArea.
func RegionMask(bin *image.Gray) (*image.Gray, bool) {
	var best *region
	for _, r := range components(bin) {
		r.area = filledArea(bin, r)
		if r.area <= MinRegionArea {
			continue
		}
		if best == nil || r.area > best.area {
			best = r
		}
	}
	if best == nil {
		return Blank(bin.Rect.Dx(), bin.Rect.Dy()), false
	}
	return fillRegion(bin, best), true
}

// components labels 8-connected foreground regions.
func components(bin *image.Gray) []*region {
	w, h := bin.Rect.Dx(), bin.Rect.Dy()
	seen := make([]bool, w*h)
	var out []*region
	stack := make([]int, 0, 64)

	for start := 0; start < w*h; start++ {
		if seen[start] || bin.Pix[(start/w)*bin.Stride+start%w] == 0 {
			continue
		}
		r := &region{bounds: image.Rect(start%w, start/w, start%w+1, start/w+1)}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r.pixels = append(r.pixels, p)
			x, y := p%w, p/w
			r.bounds = r.bounds.Union(image.Rect(x, y, x+1, y+1))
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					q := ny*w + nx
					if seen[q] || bin.Pix[ny*bin.Stride+nx] == 0 {
						continue
					}
					seen[q] = true
					stack = append(stack, q)
				}
			}
		}
		out = append(out, r)
	}
	return out
}

// outside floods the background reachable from the padded border of the region's bounds.
// Cells not reached belong to the region or to holes enclosed by it.
func outside(bin *image.Gray, r *region) ([]bool, int, int) {
	w := bin.Rect.Dx()
	pw, ph := r.bounds.Dx()+2, r.bounds.Dy()+2
	member := make([]bool, pw*ph)
	for _, p := range r.pixels {
		x, y := p%w-r.bounds.Min.X+1, p/w-r.bounds.Min.Y+1
		member[y*pw+x] = true
	}

	reached := make([]bool, pw*ph)
	stack := []int{0}
	reached[0] = true
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p%pw, p/pw
		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= pw || ny >= ph {
				continue
			}
			q := ny*pw + nx
			if reached[q] || member[q] {
				continue
			}
			reached[q] = true
			stack = append(stack, q)
		}
	}
	return reached, pw, ph
}

func filledArea(bin *image.Gray, r *region) int {
	reached, pw, ph := outside(bin, r)
	area := 0
	for y := 1; y < ph-1; y++ {
		for x := 1; x < pw-1; x++ {
			if !reached[y*pw+x] {
				area++
			}
		}
	}
	return area
}

func fillRegion(bin *image.Gray, r *region) *image.Gray {
	out := Blank(bin.Rect.Dx(), bin.Rect.Dy())
	reached, pw, ph := outside(bin, r)
	for y := 1; y < ph-1; y++ {
		for x := 1; x < pw-1; x++ {
			if reached[y*pw+x] {
				continue
			}
			ox, oy := x-1+r.bounds.Min.X, y-1+r.bounds.Min.Y
			out.Pix[oy*out.Stride+ox] = 0xff
		}
	}
	return out
}
