package filehandler

import "image"

// GrayHistogram counts pixels per 8-bit intensity value.
type GrayHistogram struct {
	Bins  [256]int
	Total int
}

// ComputeGrayHistogram builds the intensity histogram of img.
func ComputeGrayHistogram(img *image.Gray) GrayHistogram {
	var h GrayHistogram
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			h.Bins[row[x]]++
		}
	}
	h.Total = b.Dx() * b.Dy()
	return h
}

// FractionAtOrBelow returns the fraction of pixels with intensity <= v.
func (h GrayHistogram) FractionAtOrBelow(v uint8) float64 {
	if h.Total == 0 {
		return 0
	}
	n := 0
	for i := 0; i <= int(v); i++ {
		n += h.Bins[i]
	}
	return float64(n) / float64(h.Total)
}

// FractionAtOrAbove returns the fraction of pixels with intensity >= v.
func (h GrayHistogram) FractionAtOrAbove(v uint8) float64 {
	if h.Total == 0 {
		return 0
	}
	n := 0
	for i := int(v); i < 256; i++ {
		n += h.Bins[i]
	}
	return float64(n) / float64(h.Total)
}
