package filehandler

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// LoadImage decodes an image file of any registered format.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filepath.Base(path), err)
	}
	log.Trace().Str("path", path).Str("format", format).Msg("Image decoded")
	return img, nil
}

// LoadGray decodes an image file and converts it to 8-bit grayscale.
func LoadGray(path string) (*image.Gray, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return ToGray(img), nil
}

// ToGray converts img to grayscale using luma weights 0.299/0.587/0.114.
// A *image.Gray input is returned unchanged.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := gray.Pix[y*gray.Stride:]
			for x := 0; x < b.Dx(); x++ {
				r, g, bl := uint32(src[x*4]), uint32(src[x*4+1]), uint32(src[x*4+2])
				dst[x] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
			}
		}
		return gray
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return gray
}

// ToRGBA returns img as *image.RGBA anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// WritePNG encodes img losslessly to path, creating parent directories.
// The file is written to a temporary name first so readers never see a
// partially encoded frame.
func WritePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*.png")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close PNG: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize PNG: %w", err)
	}
	return nil
}

// ImageMetadata holds the EXIF fields logged for pattern images.
type ImageMetadata struct {
	CameraMake  string
	CameraModel string
	DateTaken   time.Time
	HasDate     bool
}

// ExtractImageMetadata reads EXIF metadata with the imagemeta library.
// Formats without EXIF (most PNGs) return an error, which callers treat
// as "no metadata".
func ExtractImageMetadata(filePath string) (*ImageMetadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	exifData, err := imagemeta.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	metadata := &ImageMetadata{
		CameraMake:  strings.TrimSpace(exifData.Make),
		CameraModel: strings.TrimSpace(exifData.Model),
	}
	if !exifData.DateTimeOriginal().IsZero() {
		metadata.DateTaken = exifData.DateTimeOriginal()
		metadata.HasDate = true
	} else if !exifData.CreateDate().IsZero() {
		metadata.DateTaken = exifData.CreateDate()
		metadata.HasDate = true
	}
	return metadata, nil
}
