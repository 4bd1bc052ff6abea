package jobs

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID(IDPrefix)
	if !strings.HasPrefix(id, IDPrefix) || len(id) != len(IDPrefix)+32 {
		t.Errorf("GenerateID() = %q", id)
	}
	if !ValidID(id) {
		t.Errorf("ValidID(%q) = false", id)
	}
	if GenerateID(IDPrefix) == id {
		t.Error("GenerateID() returned the same id twice")
	}
	for _, bad := range []string{"", "pipe-", "pipe-XYZ", "../etc/passwd"} {
		if ValidID(bad) {
			t.Errorf("ValidID(%q) = true", bad)
		}
	}
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		path       string
		wantID     string
		wantAction string
		wantOK     bool
	}{
		{"/api/pipeline/pipe-abc/status", "pipe-abc", "status", true},
		{"/api/pipeline/abc/status", "pipe-abc", "status", true},
		{"/api/pipeline/pipe-abc", "", "", false},
		{"/api/pipeline//status", "", "", false},
		{"/api/pipeline/a/b/c", "", "", false},
		{"/api/other/pipe-abc/status", "", "", false},
	}
	for _, tt := range tests {
		id, action, ok := ParseRoute(tt.path, "/api/pipeline/", IDPrefix)
		if id != tt.wantID || action != tt.wantAction || ok != tt.wantOK {
			t.Errorf("ParseRoute(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, id, action, ok, tt.wantID, tt.wantAction, tt.wantOK)
		}
	}
}

func newTestRegistry() (*Registry, *time.Time) {
	r := NewRegistry()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r, &clock
}

func TestLifecycleCompleted(t *testing.T) {
	r, _ := newTestRegistry()
	rec := r.Create("s1")
	if rec.State != StateQueued {
		t.Fatalf("Create() state = %s", rec.State)
	}
	if err := r.Start(rec.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Progress(rec.ID, Progress{FramesProcessed: 3}); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	got, _ := r.Get(rec.ID)
	if got.State != StateRunning || got.Progress.FramesProcessed != 3 || got.Elapsed != nil {
		t.Fatalf("running record = %+v", got)
	}

	res := Result{FramesProcessed: 7, FramesAccepted: 2, FramesRejected: 5, ArchiveName: rec.ID + ".zip",
		Categories: map[string]int{"mug": 2}}
	if err := r.Complete(rec.ID, res, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, err := r.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateCompleted || got.Result == nil || got.Result.ArchiveName != rec.ID+".zip" {
		t.Fatalf("completed record = %+v", got)
	}
	if got.Elapsed == nil || *got.Elapsed <= 0 {
		t.Errorf("Elapsed = %v, want positive", got.Elapsed)
	}
	if got.Progress.FramesProcessed != 7 {
		t.Errorf("Progress.FramesProcessed = %d, want 7", got.Progress.FramesProcessed)
	}

	// Returned copies are detached from the registry.
	got.Result.Categories["mug"] = 99
	again, _ := r.Get(rec.ID)
	if again.Result.Categories["mug"] != 2 {
		t.Error("Get() leaked internal map")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	r, _ := newTestRegistry()
	rec := r.Create("s1")
	r.Start(rec.ID)
	if err := r.CompleteNoOutput(rec.ID, Result{FramesProcessed: 4, ArchiveName: "x.zip"}, "nothing accepted"); err != nil {
		t.Fatalf("CompleteNoOutput() error = %v", err)
	}
	got, _ := r.Get(rec.ID)
	if got.Result.ArchiveName != "" {
		t.Errorf("no-output job has archive %q", got.Result.ArchiveName)
	}

	for name, op := range map[string]func() error{
		"start":    func() error { return r.Start(rec.ID) },
		"progress": func() error { return r.Progress(rec.ID, Progress{}) },
		"complete": func() error { return r.Complete(rec.ID, Result{}, "") },
		"fail":     func() error { return r.Fail(rec.ID, "late") },
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s after terminal: error = %v, want ErrInvalidTransition", name, err)
		}
	}
	after, _ := r.Get(rec.ID)
	if after.State != StateCompletedNoOutput || after.Error != "" {
		t.Errorf("record mutated after terminal state: %+v", after)
	}
}

func TestInvalidTransitions(t *testing.T) {
	r, _ := newTestRegistry()
	rec := r.Create("s1")
	if err := r.Complete(rec.ID, Result{}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete(queued) error = %v", err)
	}
	if err := r.Progress(rec.ID, Progress{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Progress(queued) error = %v", err)
	}
	if err := r.Fail(rec.ID, "queue full"); err != nil {
		t.Errorf("Fail(queued) error = %v", err)
	}
	got, _ := r.Get(rec.ID)
	if got.State != StateFailed || got.Error != "queue full" {
		t.Errorf("record = %+v", got)
	}
	if got.Elapsed != nil {
		t.Error("Elapsed set for a job that never started")
	}
	if _, err := r.Get("pipe-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
	if err := r.Start("pipe-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Start(missing) error = %v", err)
	}
}

func TestListBySession(t *testing.T) {
	r, _ := newTestRegistry()
	a := r.Create("s1")
	r.Create("s2")
	b := r.Create("s1")

	got := r.ListBySession("s1")
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Errorf("ListBySession(s1) = %+v", got)
	}
	if len(r.ListBySession("none")) != 0 {
		t.Error("ListBySession(none) not empty")
	}
}

func TestConcurrentTerminalTransition(t *testing.T) {
	r := NewRegistry()
	rec := r.Create("s1")
	r.Start(rec.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = r.Complete(rec.ID, Result{}, "ok")
			} else {
				err = r.Fail(rec.ID, "boom")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d terminal transitions succeeded, want exactly 1", wins)
	}
}
