package cascade

import (
	"fmt"
	"image"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fpang/depth-curator/internal/filehandler"
)

// Output subfolder names for the two streams.
const (
	RawDir   = "raw"
	DepthDir = "realsense"
)

var unsafeCategoryChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// FrameName returns the zero-padded base name of frame index i.
func FrameName(i int) string {
	return fmt.Sprintf("frame_%05d", i)
}

// CategoryDir turns a category label into a safe folder name.
func CategoryDir(category string) string {
	name := strings.Trim(unsafeCategoryChars.ReplaceAllString(category, "_"), " .")
	if name == "" {
		return CategoryUncategorized
	}
	return name
}

// Sink writes accepted frame pairs under Root as
// <category>/raw/frame_NNNNN.png and <category>/realsense/frame_NNNNN.png.
// File names are unique per frame index and directory creation is
// idempotent, so concurrent writes for different frames are safe.
type Sink struct {
	Root string
}

// Write stores the frame pair with index i under category and returns the
// two written paths relative to Root.
func (s *Sink) Write(i int, category string, raw, depth image.Image) ([]string, error) {
	dir := CategoryDir(category)
	name := FrameName(i) + ".png"
	rel := []string{
		filepath.Join(dir, RawDir, name),
		filepath.Join(dir, DepthDir, name),
	}
	for j, img := range []image.Image{raw, depth} {
		if err := filehandler.WritePNG(filepath.Join(s.Root, rel[j]), img); err != nil {
			return nil, fmt.Errorf("write %s: %w", rel[j], err)
		}
	}
	return rel, nil
}
