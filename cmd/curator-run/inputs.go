package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fpang/depth-curator/internal/cli"
	"github.com/fpang/depth-curator/internal/config"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/pipeline"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
)

// inputs are the local files of one run.
type inputs struct {
	Raw      string
	Depth    string
	Patterns []string
}

var videoPatterns = []string{"*.mp4", "*.mov", "*.avi", "*.webm", "*.mkv"}

// pickInputs fills missing inputs through native file dialogs.
func pickInputs(in inputs) (inputs, error) {
	pickVideo := func(title string) (string, error) {
		return zenity.SelectFile(
			zenity.Title(title),
			zenity.FileFilters{{Name: "Video files", Patterns: videoPatterns}},
		)
	}

	var err error
	if in.Raw == "" {
		if in.Raw, err = pickVideo("Select the raw RGB video"); err != nil {
			return in, pickError(err)
		}
	}
	if in.Depth == "" {
		if in.Depth, err = pickVideo("Select the depth video"); err != nil {
			return in, pickError(err)
		}
	}
	if len(in.Patterns) == 0 {
		selected, err := zenity.SelectFileMultiple(
			zenity.Title("Select pattern images (cancel for none)"),
			zenity.FileFilters{{Name: "Images", Patterns: []string{"*.png", "*.jpg", "*.jpeg", "*.bmp", "*.tif", "*.tiff"}}},
		)
		if err != nil && !errors.Is(err, zenity.ErrCanceled) {
			return in, pickError(err)
		}
		in.Patterns = selected
	}
	log.Info().Str("raw", in.Raw).Str("depth", in.Depth).Int("patterns", len(in.Patterns)).Msg("Inputs picked via native dialog")
	return in, nil
}

func pickError(err error) error {
	if errors.Is(err, zenity.ErrCanceled) {
		return errors.New("selection canceled")
	}
	return fmt.Errorf("file picker failed: %w", err)
}

// expandPatterns resolves pattern arguments to image files. Directories
// contribute their supported images in name order.
func expandPatterns(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", arg, err)
		}
		if !info.IsDir() {
			if !filehandler.IsImage(filepath.Ext(arg)) {
				return nil, fmt.Errorf("pattern %s: not a supported image", arg)
			}
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("pattern directory %s: %w", arg, err)
		}
		var names []string
		for _, e := range entries {
			if e.Type().IsRegular() && filehandler.IsImage(filepath.Ext(e.Name())) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			out = append(out, filepath.Join(arg, n))
		}
	}
	return out, nil
}

// buildSnapshot validates the inputs through an in-memory session so the
// same threshold and stage rules apply as over HTTP.
func buildSnapshot(in inputs, thresholds map[string]string, disabled []string, cfg config.Config) (pipeline.Snapshot, error) {
	store := session.NewStore("")
	sess := store.Create()

	for name, value := range thresholds {
		if _, err := store.SetThreshold(sess.ID, name, value); err != nil {
			return pipeline.Snapshot{}, err
		}
	}
	if len(disabled) > 0 {
		toggles := make(map[string]bool, len(disabled))
		for _, name := range disabled {
			toggles[strings.TrimSpace(name)] = false
		}
		if _, err := store.SetStages(sess.ID, toggles); err != nil {
			return pipeline.Snapshot{}, err
		}
	}

	for kind, path := range map[session.Kind]string{session.KindRaw: in.Raw, session.KindDepth: in.Depth} {
		if path == "" {
			continue
		}
		if !filehandler.IsVideoPath(path) {
			return pipeline.Snapshot{}, fmt.Errorf("%s: not a supported video", path)
		}
		path, err := cli.ResolveFile(path)
		if err != nil {
			return pipeline.Snapshot{}, err
		}
		if _, err := store.AttachAsset(sess.ID, kind, session.Asset{ID: string(kind), Name: filepath.Base(path), Path: path}); err != nil {
			return pipeline.Snapshot{}, err
		}
	}

	patterns, err := expandPatterns(in.Patterns)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	for i, p := range patterns {
		asset := session.Asset{ID: fmt.Sprintf("pattern-%d", i), Name: filepath.Base(p), Path: p}
		if _, err := store.AttachAsset(sess.ID, session.KindPattern, asset); err != nil {
			return pipeline.Snapshot{}, err
		}
	}

	final, err := store.Get(sess.ID)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	snap := pipeline.SnapshotFrom(final, cfg.MinGoodMatches, cfg.DetectTimeout)
	if err := snap.Validate(); err != nil {
		return pipeline.Snapshot{}, err
	}
	return snap, nil
}
