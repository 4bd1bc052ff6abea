package filehandler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// DefaultThumbnailMaxDimension is the maximum dimension (width or height) for thumbnails.
const DefaultThumbnailMaxDimension = 400

// ThumbnailGenerator writes PNG previews of uploaded assets into Dir.
type ThumbnailGenerator struct {
	Dir          string
	MaxDimension int

	// FirstFrame decodes the first frame of a video. Defaults to ffmpeg.
	FirstFrame func(ctx context.Context, videoPath string) (image.Image, error)
}

// NewThumbnailGenerator creates a generator writing into dir.
func NewThumbnailGenerator(dir string, maxDimension int) *ThumbnailGenerator {
	if maxDimension <= 0 {
		maxDimension = DefaultThumbnailMaxDimension
	}
	return &ThumbnailGenerator{Dir: dir, MaxDimension: maxDimension, FirstFrame: ExtractFirstFrame}
}

// ThumbnailName returns the file name used for the thumbnail of asset id of the given kind.
func ThumbnailName(id, kind string) string {
	return fmt.Sprintf("%s_%s_thumbnail.png", id, kind)
}

// Generate produces a thumbnail for assetPath and returns its file name.
// ok is false when no preview could be produced; that is a valid outcome
// (corrupt video, zero frames) and is only logged.
func (g *ThumbnailGenerator) Generate(ctx context.Context, assetPath, id, kind string, isVideo bool) (name string, ok bool) {
	img, err := g.firstImage(ctx, assetPath, isVideo)
	if err != nil {
		log.Warn().Err(err).
			Str("path", assetPath).
			Str("kind", kind).
			Bool("video", isVideo).
			Msg("Thumbnail not generated")
		return "", false
	}

	name = ThumbnailName(id, kind)
	if err := WritePNG(filepath.Join(g.Dir, name), ScaleToFit(img, g.MaxDimension)); err != nil {
		log.Warn().Err(err).Str("path", assetPath).Msg("Failed to write thumbnail")
		return "", false
	}

	log.Debug().
		Str("asset", filepath.Base(assetPath)).
		Str("thumbnail", name).
		Msg("Thumbnail generated")
	return name, true
}

// firstImage decodes an image asset or the first frame of a video asset.
func (g *ThumbnailGenerator) firstImage(ctx context.Context, assetPath string, isVideo bool) (image.Image, error) {
	if isVideo {
		return g.FirstFrame(ctx, assetPath)
	}
	return LoadImage(assetPath)
}

// ScaleToFit downsizes img so neither side exceeds maxDimension, preserving
// aspect ratio. Smaller images are returned as-is.
func ScaleToFit(img image.Image, maxDimension int) image.Image {
	bounds := img.Bounds()
	newWidth, newHeight := calculateThumbnailDimensions(bounds.Dx(), bounds.Dy(), maxDimension)
	if newWidth == bounds.Dx() && newHeight == bounds.Dy() {
		return img
	}
	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}

// ExtractFirstFrame decodes only the first frame of a video using ffmpeg.
func ExtractFirstFrame(ctx context.Context, videoPath string) (image.Image, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: video thumbnails require ffmpeg")
	}
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video not readable: %w", err)
	}

	// ffmpeg -i input.mp4 -frames:v 1 -f image2pipe -vcodec png pipe:1
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-v", "error",
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("video %s has no decodable frames", filepath.Base(videoPath))
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extracted frame: %w", err)
	}
	return img, nil
}

// calculateThumbnailDimensions calculates new dimensions maintaining aspect ratio.
func calculateThumbnailDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}

	if width > height {
		newHeight := int(float64(height) * float64(maxDimension) / float64(width))
		return maxDimension, max(newHeight, 1)
	}

	newWidth := int(float64(width) * float64(maxDimension) / float64(height))
	return max(newWidth, 1), maxDimension
}
