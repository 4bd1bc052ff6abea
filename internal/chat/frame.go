// Package chat holds the content detectors that ask a vision model whether a
// frame shows disqualifying content.
package chat

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/fpang/depth-curator/internal/filehandler"
)

const (
	// maxFrameDimension bounds the frame sent to the model.
	maxFrameDimension = 1024
	frameJPEGQuality  = 85
	frameMIMEType     = "image/jpeg"
)

// encodeFrame scales img down to maxFrameDimension and encodes it as JPEG.
func encodeFrame(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, filehandler.ScaleToFit(img, maxFrameDimension), &jpeg.Options{Quality: frameJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
