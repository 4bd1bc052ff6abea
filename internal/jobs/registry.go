// Package jobs tracks the lifecycle of pipeline runs.
//
// A record moves queued -> running -> one of completed, completed_no_output
// or failed. A queued record may also fail directly when it never reaches a
// worker. Terminal records are never modified again.
package jobs

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/fpang/depth-curator/internal/keyed"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a mutation does not follow the state machine.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// State is a job lifecycle state.
type State string

const (
	StateQueued            State = "queued"
	StateRunning           State = "running"
	StateCompleted         State = "completed"
	StateCompletedNoOutput State = "completed_no_output"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompletedNoOutput || s == StateFailed
}

// Progress is updated while a job is running.
type Progress struct {
	FramesProcessed int `json:"frames_processed"`
	FramesAccepted  int `json:"frames_accepted"`
	FramesRejected  int `json:"frames_rejected"`
}

// Result is attached when a job completes.
type Result struct {
	FramesProcessed int            `json:"frames_processed"`
	FramesAccepted  int            `json:"frames_accepted"`
	FramesRejected  int            `json:"frames_rejected"`
	RejectedByStage map[string]int `json:"rejected_by_stage,omitempty"`
	Categories      map[string]int `json:"categories,omitempty"`
	ArchiveName     string         `json:"archive_name,omitempty"`
	ArchivePath     string         `json:"-"`
	ArchiveBytes    int64          `json:"archive_bytes,omitempty"`
	RemoteURL       string         `json:"remote_url,omitempty"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.RejectedByStage = maps.Clone(r.RejectedByStage)
	c.Categories = maps.Clone(r.Categories)
	return &c
}

// Record is the externally visible state of one job.
type Record struct {
	ID        string     `json:"job_id"`
	SessionID string     `json:"session_id"`
	State     State      `json:"state"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// Elapsed is computed on read when both StartedAt and EndedAt are set.
	Elapsed  *float64 `json:"elapsed_seconds,omitempty"`
	Progress Progress `json:"progress"`
	Result   *Result  `json:"result,omitempty"`
}

func (r *Record) clone() Record {
	c := *r
	c.Result = r.Result.clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if c.StartedAt != nil && c.EndedAt != nil {
		secs := c.EndedAt.Sub(*c.StartedAt).Seconds()
		c.Elapsed = &secs
	}
	return c
}

// Registry is the process-wide job store. Mutations on one job are
// serialized; different jobs never share a lock.
type Registry struct {
	records *keyed.Map[*Record]
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: keyed.New[*Record](0), now: time.Now}
}

// Create registers a new queued job for sessionID and returns its record.
func (r *Registry) Create(sessionID string) Record {
	for {
		rec := &Record{
			ID:        GenerateID(IDPrefix),
			SessionID: sessionID,
			State:     StateQueued,
			Message:   "Queued",
			CreatedAt: r.now(),
		}
		if r.records.Insert(rec.ID, rec) {
			return rec.clone()
		}
	}
}

// Get returns a copy of the job's record.
func (r *Registry) Get(id string) (Record, error) {
	var out Record
	if !r.records.View(id, func(rec **Record) { out = (*rec).clone() }) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, nil
}

// ListBySession returns copies of every job launched for sessionID, oldest first.
func (r *Registry) ListBySession(sessionID string) []Record {
	var out []Record
	for _, id := range r.records.Keys() {
		r.records.View(id, func(rec **Record) {
			if (*rec).SessionID == sessionID {
				out = append(out, (*rec).clone())
			}
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// transition applies fn if the job is currently in one of from.
func (r *Registry) transition(id string, from []State, fn func(rec *Record)) error {
	var err error
	found := r.records.With(id, func(rec **Record) {
		cur := (*rec).State
		for _, s := range from {
			if cur == s {
				next := (*rec).clone()
				next.Elapsed = nil
				fn(&next)
				*rec = &next
				return
			}
		}
		err = fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, cur)
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// Start moves a queued job to running.
func (r *Registry) Start(id string) error {
	return r.transition(id, []State{StateQueued}, func(rec *Record) {
		now := r.now()
		rec.State = StateRunning
		rec.Message = "Processing frames"
		rec.StartedAt = &now
	})
}

// Progress records intermediate counts on a running job.
func (r *Registry) Progress(id string, p Progress) error {
	return r.transition(id, []State{StateRunning}, func(rec *Record) {
		rec.Progress = p
	})
}

// Complete marks a running job as completed with an archive.
func (r *Registry) Complete(id string, res Result, message string) error {
	return r.finish(id, StateCompleted, res, message)
}

// CompleteNoOutput marks a running job as completed without any output files.
func (r *Registry) CompleteNoOutput(id string, res Result, message string) error {
	res.ArchiveName, res.ArchivePath, res.ArchiveBytes, res.RemoteURL = "", "", 0, ""
	return r.finish(id, StateCompletedNoOutput, res, message)
}

func (r *Registry) finish(id string, state State, res Result, message string) error {
	return r.transition(id, []State{StateRunning}, func(rec *Record) {
		now := r.now()
		rec.State = state
		rec.Message = message
		rec.EndedAt = &now
		rec.Result = res.clone()
		rec.Progress = Progress{
			FramesProcessed: res.FramesProcessed,
			FramesAccepted:  res.FramesAccepted,
			FramesRejected:  res.FramesRejected,
		}
	})
}

// Fail marks a queued or running job as failed with errMsg.
func (r *Registry) Fail(id, errMsg string) error {
	return r.transition(id, []State{StateQueued, StateRunning}, func(rec *Record) {
		now := r.now()
		rec.State = StateFailed
		rec.Message = "Pipeline failed"
		rec.Error = errMsg
		rec.EndedAt = &now
	})
}
