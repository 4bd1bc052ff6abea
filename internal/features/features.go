// Package features is the default keypoint matcher used for pattern
// classification. It finds high-gradient keypoints, describes each with a
// normalized 8x8 patch summary, and counts mutual nearest-neighbour matches
// under an L2 distance cutoff.
package features

import (
	"errors"
	"image"
	"math"
	"sort"
)

const (
	// DescriptorSize is the number of components per descriptor.
	DescriptorSize = 64
	// DescriptorNorm is the L2 norm every descriptor is scaled to, so that
	// distance cutoffs land in the same 0..~725 range as SIFT descriptors.
	DescriptorNorm = 512

	patchRadius  = 8
	cellSize     = 8
	minResponse  = 400.0
	defaultLimit = 500
)

// ErrImageTooSmall is returned when no patch fits inside the image.
var ErrImageTooSmall = errors.New("image too small for feature extraction")

// Keypoint is a detected interest point.
type Keypoint struct {
	X, Y     int
	Response float64
}

// Descriptors holds the keypoints of one image and their descriptors.
type Descriptors struct {
	Keypoints []Keypoint
	Vectors   [][DescriptorSize]float32
}

// Len returns the number of descriptors.
func (d Descriptors) Len() int { return len(d.Vectors) }

// Matcher is the brute-force cross-checked matcher.
type Matcher struct {
	MaxKeypoints int
}

// NewMatcher returns a Matcher with the default keypoint limit.
func NewMatcher() *Matcher {
	return &Matcher{MaxKeypoints: defaultLimit}
}

// Describe detects keypoints in img and computes their descriptors.
// Uniform images yield zero descriptors and no error.
func (m *Matcher) Describe(img *image.Gray) (Descriptors, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 2*patchRadius+3 || h < 2*patchRadius+3 {
		return Descriptors{}, ErrImageTooSmall
	}

	at := func(x, y int) float64 {
		return float64(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}

	// One candidate per cell: the strongest Sobel response inside it.
	var candidates []Keypoint
	for cy := patchRadius; cy < h-patchRadius; cy += cellSize {
		for cx := patchRadius; cx < w-patchRadius; cx += cellSize {
			best := Keypoint{Response: -1}
			for y := cy; y < min(cy+cellSize, h-patchRadius); y++ {
				for x := cx; x < min(cx+cellSize, w-patchRadius); x++ {
					gx := at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) - at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
					gy := at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) - at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)
					if r := gx*gx + gy*gy; r > best.Response {
						best = Keypoint{X: x, Y: y, Response: r}
					}
				}
			}
			if best.Response >= minResponse {
				candidates = append(candidates, best)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Response > candidates[j].Response
	})
	limit := m.MaxKeypoints
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := Descriptors{}
	for _, kp := range candidates {
		vec, ok := describePatch(at, kp.X, kp.Y)
		if !ok {
			continue
		}
		out.Keypoints = append(out.Keypoints, kp)
		out.Vectors = append(out.Vectors, vec)
	}
	return out, nil
}

// describePatch averages the 16x16 patch around (x,y) into 2x2 blocks,
// removes the mean, and scales to DescriptorNorm.
func describePatch(at func(x, y int) float64, x, y int) ([DescriptorSize]float32, bool) {
	var raw [DescriptorSize]float64
	mean := 0.0
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			px, py := x-patchRadius+bx*2, y-patchRadius+by*2
			v := (at(px, py) + at(px+1, py) + at(px, py+1) + at(px+1, py+1)) / 4
			raw[by*8+bx] = v
			mean += v
		}
	}
	mean /= DescriptorSize

	norm := 0.0
	for i := range raw {
		raw[i] -= mean
		norm += raw[i] * raw[i]
	}
	var vec [DescriptorSize]float32
	if norm == 0 {
		return vec, false
	}
	scale := DescriptorNorm / math.Sqrt(norm)
	for i := range raw {
		vec[i] = float32(raw[i] * scale)
	}
	return vec, true
}

// CountGoodMatches counts cross-checked nearest-neighbour matches between
// test and pattern whose L2 distance is below maxDistance.
func (m *Matcher) CountGoodMatches(test, pattern Descriptors, maxDistance float64) (int, error) {
	if test.Len() == 0 || pattern.Len() == 0 {
		return 0, nil
	}
	testBest := nearest(test.Vectors, pattern.Vectors)
	patternBest := nearest(pattern.Vectors, test.Vectors)

	count := 0
	for i, match := range testBest {
		if patternBest[match.index].index != i {
			continue
		}
		if match.distance < maxDistance {
			count++
		}
	}
	return count, nil
}

type neighbour struct {
	index    int
	distance float64
}

// nearest returns, for each vector in from, its nearest vector in to.
// Ties keep the lowest index.
func nearest(from, to [][DescriptorSize]float32) []neighbour {
	out := make([]neighbour, len(from))
	for i := range from {
		best := neighbour{index: -1, distance: math.Inf(1)}
		for j := range to {
			d := squaredDistance(&from[i], &to[j])
			if d < best.distance {
				best = neighbour{index: j, distance: d}
			}
		}
		best.distance = math.Sqrt(best.distance)
		out[i] = best
	}
	return out
}

func squaredDistance(a, b *[DescriptorSize]float32) float64 {
	var sum float32
	for k := 0; k < DescriptorSize; k++ {
		d := a[k] - b[k]
		sum += d * d
	}
	return float64(sum)
}
