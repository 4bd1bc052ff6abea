// Package filehandler provides media file handling for curator assets:
// extension tables, image decoding, first-frame thumbnails, ffprobe
// metadata, and forward-only video frame readers backed by ffmpeg.
package filehandler

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SupportedImageExtensions defines the file extensions accepted for pattern images.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// SupportedVideoExtensions defines the file extensions accepted for raw and depth streams.
var SupportedVideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// GetMIMEType returns the MIME type for a given file extension.
func GetMIMEType(ext string) (string, error) {
	ext = strings.ToLower(ext)
	if mimeType, ok := SupportedImageExtensions[ext]; ok {
		return mimeType, nil
	}
	if mimeType, ok := SupportedVideoExtensions[ext]; ok {
		return mimeType, nil
	}
	return "", fmt.Errorf("unsupported file extension: %s", ext)
}

// IsImage returns true if the file extension corresponds to an image.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}

// IsVideo returns true if the file extension corresponds to a video.
func IsVideo(ext string) bool {
	_, ok := SupportedVideoExtensions[strings.ToLower(ext)]
	return ok
}

// IsVideoPath is IsVideo applied to the extension of path.
func IsVideoPath(path string) bool {
	return IsVideo(filepath.Ext(path))
}
