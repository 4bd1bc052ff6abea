// Package pipeline runs the classification cascade over every frame pair of
// a session's two videos as a background job on a bounded worker pool.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/fpang/depth-curator/internal/cascade"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/jobutil"
	"github.com/rs/zerolog/log"
)

// FrameSource is a forward-only cursor over decoded frames. Next returns
// io.EOF once the stream is exhausted.
type FrameSource interface {
	Next() (image.Image, error)
	Close() error
}

// OpenFunc opens a video file as a FrameSource.
type OpenFunc func(ctx context.Context, path string) (FrameSource, error)

// OpenVideo decodes a video file with ffmpeg.
func OpenVideo(ctx context.Context, path string) (FrameSource, error) {
	v, err := filehandler.OpenVideo(ctx, path)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Publisher uploads a finished archive and returns a download URL.
type Publisher interface {
	Publish(ctx context.Context, localPath, name string) (key, url string, err error)
}

// AssetPinner keeps input files on disk while a job that reads them is
// queued or running.
type AssetPinner interface {
	Pin(paths ...string)
	Release(paths ...string)
}

// Options configures an Orchestrator.
type Options struct {
	RunsDir     string
	ArchivesDir string
	Workers     int
	QueueSize   int
	// Compression is the ZIP method ID for archives.
	Compression uint16
	// Publisher is optional.
	Publisher Publisher
	// Open defaults to OpenVideo.
	Open OpenFunc
	// LoadPattern defaults to filehandler.LoadGray.
	LoadPattern func(path string) (*image.Gray, error)
	// Pins is optional. Launched snapshots pin their inputs until the run
	// reaches a terminal state.
	Pins AssetPinner
}

type task struct {
	jobID string
	snap  Snapshot
}

// Orchestrator accepts launches and executes them on a fixed set of workers.
type Orchestrator struct {
	jobs *jobs.Registry
	eval *cascade.Evaluator
	opts Options

	queue  chan task
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator and starts its workers.
func New(registry *jobs.Registry, eval *cascade.Evaluator, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Open == nil {
		opts.Open = OpenVideo
	}
	if opts.LoadPattern == nil {
		opts.LoadPattern = filehandler.LoadGray
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		jobs:   registry,
		eval:   eval,
		opts:   opts,
		queue:  make(chan task, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	log.Info().Int("workers", opts.Workers).Int("queue_size", opts.QueueSize).Msg("Starting pipeline worker pool")
	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i + 1)
	}
	return o
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for t := range o.queue {
		log.Debug().Int("worker", id).Str("job", t.jobID).Msg("Worker picked up job")
		o.Run(o.ctx, t.jobID, t.snap)
		o.release(t.snap)
	}
	log.Debug().Int("worker", id).Msg("Worker stopped")
}

// Launch validates snap, registers a queued job and hands it to the worker
// pool. It never blocks on the run itself.
func (o *Orchestrator) Launch(snap Snapshot) (string, error) {
	if err := snap.Validate(); err != nil {
		return "", err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return "", ErrShuttingDown
	}

	rec := o.jobs.Create(snap.SessionID)
	if o.opts.Pins != nil {
		o.opts.Pins.Pin(snap.Paths()...)
	}
	select {
	case o.queue <- task{jobID: rec.ID, snap: snap}:
		log.Info().
			Str("job", rec.ID).
			Str("sessionId", snap.SessionID).
			Int("patterns", len(snap.Patterns)).
			Msg("Pipeline job queued")
		return rec.ID, nil
	default:
		o.release(snap)
		jobutil.SetJobError(snap.SessionID, rec.ID, ErrQueueFull.Error(), o.jobs.Fail)
		return "", fmt.Errorf("%w (job %s)", ErrQueueFull, rec.ID)
	}
}

func (o *Orchestrator) release(snap Snapshot) {
	if o.opts.Pins != nil {
		o.opts.Pins.Release(snap.Paths()...)
	}
}

// Shutdown stops accepting launches and waits for queued and running jobs.
// If ctx expires first, running jobs are canceled and ctx's error returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		log.Info().Msg("Pipeline worker pool stopped")
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
