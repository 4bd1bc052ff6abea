package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCreateAndGet(t *testing.T) {
	s := NewStore(t.TempDir())
	created := s.Create()

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Thresholds != DefaultThresholds() {
		t.Errorf("Thresholds = %+v, want defaults", got.Thresholds)
	}
	if got.Stages != DefaultStages() {
		t.Errorf("Stages = %+v, want defaults", got.Stages)
	}
	if got.Raw != nil || got.Depth != nil || len(got.Patterns) != 0 {
		t.Error("new session has assets")
	}

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID
	s.AttachAsset(id, KindPattern, Asset{ID: "p1", Name: "p1.png", Path: writeFile(t, dir, "p1.png")})

	got, _ := s.Get(id)
	got.Patterns[0].Name = "mutated"
	got.Thresholds.BlackCutoff = 99

	again, _ := s.Get(id)
	if again.Patterns[0].Name != "p1.png" || again.Thresholds.BlackCutoff != 30 {
		t.Error("mutating a Get() result changed the stored session")
	}
}

func TestSetThresholdCoercion(t *testing.T) {
	tests := []struct {
		name    string
		param   string
		value   any
		wantErr bool
		check   func(Thresholds) bool
	}{
		{"float text", "solid_percentage", "0.75", false, func(th Thresholds) bool { return th.SolidPercentage == 0.75 }},
		{"int text", "black_cutoff", "42", false, func(th Thresholds) bool { return th.BlackCutoff == 42 }},
		{"json number", "pattern_distance", float64(150), false, func(th Thresholds) bool { return th.PatternDistance == 150 }},
		{"json.Number", "white_cutoff", json.Number("200"), false, func(th Thresholds) bool { return th.WhiteCutoff == 200 }},
		{"legacy alias", "Pattern Thresholding", "250", false, func(th Thresholds) bool { return th.PatternDistance == 250 }},
		{"legacy solid alias", "solid_threshold", "0.5", false, func(th Thresholds) bool { return th.SolidPercentage == 0.5 }},
		{"prompt", "object_prompt", "Is there a car? Say False if not.", false, func(th Thresholds) bool { return th.DetectionPrompt == "Is there a car? Say False if not." }},
		{"garbage text", "black_cutoff", "abc", true, nil},
		{"decimal for int field", "black_cutoff", "30.5", true, nil},
		{"int text with junk", "pattern_distance", "12px", true, nil},
		{"percentage out of range", "solid_percentage", "1.5", true, nil},
		{"cutoff out of range", "white_cutoff", 300, true, nil},
		{"empty prompt", "detection_prompt", "  ", true, nil},
		{"prompt not string", "detection_prompt", 5.0, true, nil},
		{"bool value", "pattern_distance", true, true, nil},
		{"unknown name", "gamma", "1", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(t.TempDir())
			id := s.Create().ID
			got, err := s.SetThreshold(id, tt.param, tt.value)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("SetThreshold() error = %v, want ValidationError", err)
				}
				sess, _ := s.Get(id)
				if sess.Thresholds != DefaultThresholds() {
					t.Errorf("thresholds mutated on error: %+v", sess.Thresholds)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetThreshold() error = %v", err)
			}
			if !tt.check(got) {
				t.Errorf("SetThreshold() = %+v", got)
			}
		})
	}
}

func TestSetThresholdUnknownSession(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.SetThreshold("missing", "black_cutoff", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetThreshold(unknown session) error = %v, want ErrNotFound", err)
	}
}

func TestSetStages(t *testing.T) {
	s := NewStore(t.TempDir())
	id := s.Create().ID

	got, err := s.SetStages(id, map[string]bool{"Model Object Detection": false, "pattern_match": false})
	if err != nil {
		t.Fatalf("SetStages() error = %v", err)
	}
	want := Stages{SolidColor: true, ContentFilter: false, PatternMatch: false}
	if got != want {
		t.Errorf("SetStages() = %+v, want %+v", got, want)
	}

	if _, err := s.SetStages(id, map[string]bool{"solid_color": false, "teleport": true}); err == nil {
		t.Fatal("SetStages(unknown) error = nil, want error")
	}
	sess, _ := s.Get(id)
	if sess.Stages != want {
		t.Errorf("stages partially applied after rejected update: %+v", sess.Stages)
	}

	if _, err := s.SetStageEnabled(id, "solid_color", false); err != nil {
		t.Fatalf("SetStageEnabled() error = %v", err)
	}
	sess, _ = s.Get(id)
	if sess.Stages.SolidColor {
		t.Error("SolidColor still enabled")
	}
}

func TestRestoreDefaults(t *testing.T) {
	s := NewStore(t.TempDir())
	id := s.Create().ID
	s.SetThreshold(id, "pattern_distance", "12.5")
	s.SetThreshold(id, "solid_percentage", "0.9")
	s.SetThreshold(id, "black_cutoff", "1")
	s.SetThreshold(id, "white_cutoff", "2")
	s.SetThreshold(id, "detection_prompt", "x")
	s.SetStages(id, map[string]bool{"solid_color": false, "content_filter": false, "pattern_match": false})

	sess, err := s.RestoreDefaults(id)
	if err != nil {
		t.Fatalf("RestoreDefaults() error = %v", err)
	}
	want := Thresholds{PatternDistance: 200, SolidPercentage: 0.60, BlackCutoff: 30, WhiteCutoff: 225, DetectionPrompt: DefaultDetectionPrompt}
	if sess.Thresholds != want {
		t.Errorf("Thresholds = %+v, want %+v", sess.Thresholds, want)
	}
	if sess.Stages != DefaultStages() {
		t.Errorf("Stages = %+v, want all enabled", sess.Stages)
	}
}

func TestAttachAssetReplacesRaw(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID

	first := writeFile(t, dir, "a.mp4")
	thumbA := writeFile(t, dir, "a_raw_thumbnail.png")
	if _, err := s.AttachAsset(id, KindRaw, Asset{ID: "a", Name: "a.mp4", Path: first, Thumbnail: filepath.Base(thumbA)}); err != nil {
		t.Fatalf("AttachAsset() error = %v", err)
	}
	second := writeFile(t, dir, "b.mp4")
	sess, err := s.AttachAsset(id, KindRaw, Asset{ID: "b", Name: "b.mp4", Path: second})
	if err != nil {
		t.Fatalf("AttachAsset() error = %v", err)
	}
	if sess.Raw.Path != second {
		t.Errorf("Raw.Path = %q, want %q", sess.Raw.Path, second)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Error("replaced raw file still exists")
	}
	if _, err := os.Stat(thumbA); !os.IsNotExist(err) {
		t.Error("replaced raw thumbnail still exists")
	}
}

func TestPinnedFilesOutliveTheirAsset(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID

	first := writeFile(t, dir, "a.mp4")
	s.AttachAsset(id, KindRaw, Asset{ID: "a", Name: "a.mp4", Path: first})
	pattern := writeFile(t, dir, "mug.png")
	s.AttachAsset(id, KindPattern, Asset{ID: "mug", Name: "mug.png", Path: pattern})

	// Two jobs hold the same inputs.
	s.Pin(first, pattern)
	s.Pin(first, pattern)

	second := writeFile(t, dir, "b.mp4")
	if _, err := s.AttachAsset(id, KindRaw, Asset{ID: "b", Name: "b.mp4", Path: second}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClearAsset(id, KindPattern, ""); err != nil {
		t.Fatal(err)
	}
	s.Release(first, pattern)
	for _, p := range []string{first, pattern} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed while still pinned: %v", p, err)
		}
	}

	s.Release(first, pattern)
	for _, p := range []string{first, pattern} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after its last pin was released", p)
		}
	}

	// Releasing an unpinned path never deletes it.
	s.Release(second)
	if _, err := os.Stat(second); err != nil {
		t.Errorf("unpinned attached file removed: %v", err)
	}
}

func TestReattachCancelsDeferredRemoval(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID
	path := writeFile(t, dir, "raw.mp4")
	s.AttachAsset(id, KindRaw, Asset{ID: "a", Name: "raw.mp4", Path: path})

	s.Pin(path)
	s.ClearAsset(id, KindRaw, "")
	if _, err := s.AttachAsset(id, KindRaw, Asset{ID: "a", Name: "raw.mp4", Path: path}); err != nil {
		t.Fatal(err)
	}
	s.Release(path)

	if _, err := os.Stat(path); err != nil {
		t.Errorf("re-attached file removed on release: %v", err)
	}
}

func TestAttachAssetRequiresFile(t *testing.T) {
	s := NewStore(t.TempDir())
	id := s.Create().ID
	if _, err := s.AttachAsset(id, KindDepth, Asset{ID: "x", Path: "/does/not/exist.mp4"}); err == nil {
		t.Error("AttachAsset(missing file) error = nil, want error")
	}
	sess, _ := s.Get(id)
	if sess.Depth != nil {
		t.Error("session references a file that does not exist")
	}
}

func TestClearPatterns(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID
	var paths []string
	for _, name := range []string{"p1", "p2", "p3"} {
		path := writeFile(t, dir, name+".png")
		paths = append(paths, path)
		thumb := writeFile(t, dir, name+"_pattern_thumbnail.png")
		s.AttachAsset(id, KindPattern, Asset{ID: name, Name: name + ".png", Path: path, Thumbnail: filepath.Base(thumb)})
	}

	sess, err := s.ClearAsset(id, KindPattern, "p2")
	if err != nil {
		t.Fatalf("ClearAsset(p2) error = %v", err)
	}
	if len(sess.Patterns) != 2 || sess.Patterns[0].ID != "p1" || sess.Patterns[1].ID != "p3" {
		t.Errorf("Patterns after single clear = %+v", sess.Patterns)
	}
	if _, err := os.Stat(paths[1]); !os.IsNotExist(err) {
		t.Error("p2 file still exists")
	}
	if got := sess.Thumbnails()[KindPattern]; len(got) != 2 {
		t.Errorf("pattern thumbnails = %v, want 2", got)
	}

	if _, err := s.ClearAsset(id, KindPattern, "nope"); err == nil {
		t.Error("ClearAsset(unknown item) error = nil, want error")
	}

	sess, err = s.ClearAsset(id, KindPattern, "")
	if err != nil {
		t.Fatalf("ClearAsset(all) error = %v", err)
	}
	if len(sess.Patterns) != 0 {
		t.Errorf("Patterns after clear all = %d, want 0", len(sess.Patterns))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "p1_pattern_thumbnail.png")); !os.IsNotExist(err) {
		t.Error("pattern thumbnail still exists")
	}
}

func TestClearRaw(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID
	path := writeFile(t, dir, "raw.mp4")
	s.AttachAsset(id, KindRaw, Asset{ID: "r", Name: "raw.mp4", Path: path})

	sess, err := s.ClearAsset(id, KindRaw, "")
	if err != nil {
		t.Fatalf("ClearAsset(raw) error = %v", err)
	}
	if sess.Raw != nil {
		t.Error("Raw still set")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("raw file still exists")
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"dataset":   KindRaw,
		"raw":       KindRaw,
		"mirror":    KindDepth,
		"realsense": KindDepth,
		"Pattern":   KindPattern,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("audio"); err == nil {
		t.Error("ParseKind(audio) error = nil, want error")
	}
}

func TestConcurrentThresholdUpdatesSameSession(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := s.Create().ID

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetThreshold(id, "black_cutoff", "10")
		}()
		go func(i int) {
			defer wg.Done()
			name := filepath.Join(dir, "p"+string(rune('a'+i%26))+string(rune('a'+i/26))+".png")
			os.WriteFile(name, nil, 0644)
			s.AttachAsset(id, KindPattern, Asset{ID: filepath.Base(name), Name: filepath.Base(name), Path: name})
		}(i)
	}
	wg.Wait()

	sess, _ := s.Get(id)
	if len(sess.Patterns) != 50 {
		t.Errorf("Patterns = %d, want 50 (lost updates)", len(sess.Patterns))
	}
	if sess.Thresholds.BlackCutoff != 10 {
		t.Errorf("BlackCutoff = %d, want 10", sess.Thresholds.BlackCutoff)
	}
}
