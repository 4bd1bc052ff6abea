package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fpang/depth-curator/internal/archive"
	"github.com/fpang/depth-curator/internal/cascade"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/jobutil"
	"github.com/fpang/depth-curator/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RejectionLogName is written into every run's output root.
const RejectionLogName = "removed_images.txt"

const rejectionLogHeader = "Images removed because they are mostly black or white or contain natural objects"

// patternLoadConcurrency bounds parallel pattern decoding.
const patternLoadConcurrency = 4

type rejection struct {
	frame  string
	reason string
}

// Run executes jobID synchronously. Every outcome, including a panic, ends
// in a terminal job state.
func (o *Orchestrator) Run(ctx context.Context, jobID string, snap Snapshot) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job", jobID).Msg("Pipeline run panicked")
			jobutil.SetJobError(snap.SessionID, jobID, fmt.Sprintf("panic: %v", r), o.jobs.Fail)
		}
	}()

	if err := o.jobs.Start(jobID); err != nil {
		log.Warn().Err(err).Str("job", jobID).Msg("Cannot start job")
		return
	}

	res, err := o.execute(ctx, jobID, snap)
	outcome := string(jobs.StateCompleted)
	switch {
	case err != nil:
		outcome = string(jobs.StateFailed)
		jobutil.SetJobError(snap.SessionID, jobID, err.Error(), o.jobs.Fail)
	case res.ArchiveName == "":
		outcome = string(jobs.StateCompletedNoOutput)
		err = o.jobs.CompleteNoOutput(jobID, res, fmt.Sprintf("Processed %d frames; none were accepted", res.FramesProcessed))
	default:
		err = o.jobs.Complete(jobID, res, fmt.Sprintf("Processed %d frames: %d accepted, %d rejected",
			res.FramesProcessed, res.FramesAccepted, res.FramesRejected))
	}
	if err != nil && outcome != string(jobs.StateFailed) {
		log.Error().Err(err).Str("job", jobID).Msg("Failed to record job completion")
	}

	elapsed := time.Since(start)
	metrics.New(metrics.Namespace).
		Dimension("Outcome", outcome).
		Metric("FramesProcessed", float64(res.FramesProcessed), metrics.UnitCount).
		Metric("FramesAccepted", float64(res.FramesAccepted), metrics.UnitCount).
		Metric("FramesRejected", float64(res.FramesRejected), metrics.UnitCount).
		Duration("PipelineRunMs", elapsed).
		Property("jobId", jobID).
		Flush()

	log.Info().
		Str("job", jobID).
		Str("outcome", outcome).
		Int("processed", res.FramesProcessed).
		Int("accepted", res.FramesAccepted).
		Int("rejected", res.FramesRejected).
		Dur("duration", elapsed).
		Msg("Pipeline run finished")
}

func (o *Orchestrator) execute(ctx context.Context, jobID string, snap Snapshot) (jobs.Result, error) {
	res := jobs.Result{
		RejectedByStage: map[string]int{},
		Categories:      map[string]int{},
	}

	outRoot := filepath.Join(o.opts.RunsDir, jobID)
	if err := os.MkdirAll(outRoot, 0755); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}

	var patterns []cascade.Pattern
	if snap.Cascade.PatternMatch {
		patterns = o.loadPatterns(ctx, snap.Patterns)
		log.Info().Str("job", jobID).Int("patterns", len(patterns)).Msg("Patterns prepared")
	}

	raw, err := o.opts.Open(ctx, snap.RawPath)
	if err != nil {
		return res, fmt.Errorf("failed to open raw video: %w", err)
	}
	defer raw.Close()
	depth, err := o.opts.Open(ctx, snap.DepthPath)
	if err != nil {
		return res, fmt.Errorf("failed to open depth video: %w", err)
	}
	defer depth.Close()

	sink := &cascade.Sink{Root: outRoot}
	var rejected []rejection
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rawFrame, depthFrame, ok, err := nextPair(raw, depth)
		if err != nil {
			return res, fmt.Errorf("frame %d: %w", i, err)
		}
		if !ok {
			break
		}

		v := o.eval.Evaluate(ctx, rawFrame, depthFrame, patterns, snap.Cascade)
		res.FramesProcessed++
		if v.Accepted {
			if _, err := sink.Write(i, v.Category, rawFrame, depthFrame); err != nil {
				return res, err
			}
			res.FramesAccepted++
			res.Categories[cascade.CategoryDir(v.Category)]++
		} else {
			res.FramesRejected++
			res.RejectedByStage[string(v.Stage)]++
			rejected = append(rejected, rejection{frame: cascade.FrameName(i), reason: v.Reason})
		}

		o.jobs.Progress(jobID, jobs.Progress{
			FramesProcessed: res.FramesProcessed,
			FramesAccepted:  res.FramesAccepted,
			FramesRejected:  res.FramesRejected,
		})
	}

	if err := writeRejectionLog(filepath.Join(outRoot, RejectionLogName), rejected); err != nil {
		return res, err
	}
	if res.FramesAccepted == 0 {
		return res, nil
	}

	name := jobID + ".zip"
	archivePath := filepath.Join(o.opts.ArchivesDir, name)
	sum, err := archive.Directory(ctx, outRoot, archivePath, o.opts.Compression)
	if err != nil {
		return res, err
	}
	res.ArchiveName = name
	res.ArchivePath = archivePath
	res.ArchiveBytes = sum.Bytes

	if o.opts.Publisher != nil {
		_, url, err := o.opts.Publisher.Publish(ctx, archivePath, name)
		if err != nil {
			// The local archive stays downloadable.
			log.Warn().Err(err).Str("job", jobID).Msg("Archive publish failed")
		} else {
			res.RemoteURL = url
		}
	}
	return res, nil
}

// nextPair reads one frame from each stream. ok is false once either stream
// is exhausted.
func nextPair(raw, depth FrameSource) (rawFrame, depthFrame image.Image, ok bool, err error) {
	rawFrame, err = raw.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("read raw frame: %w", err)
	}
	depthFrame, err = depth.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("read depth frame: %w", err)
	}
	return rawFrame, depthFrame, true, nil
}

// loadPatterns decodes pattern images concurrently and describes them once.
// Patterns that cannot be decoded or described are skipped.
func (o *Orchestrator) loadPatterns(ctx context.Context, refs []PatternRef) []cascade.Pattern {
	grays := make([]*image.Gray, len(refs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(patternLoadConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			gray, err := o.opts.LoadPattern(ref.Path)
			if err != nil {
				log.Warn().Err(err).Str("pattern", ref.Name).Msg("Skipping undecodable pattern")
				return nil
			}
			if meta, err := filehandler.ExtractImageMetadata(ref.Path); err == nil && meta.CameraModel != "" {
				log.Debug().Str("pattern", ref.Name).Str("camera", meta.CameraModel).Msg("Pattern metadata")
			}
			grays[i] = gray
			return nil
		})
	}
	g.Wait()

	loaded := make([]cascade.Pattern, 0, len(refs))
	for i, ref := range refs {
		if grays[i] != nil {
			loaded = append(loaded, cascade.Pattern{Name: ref.Name, Gray: grays[i]})
		}
	}
	prepared, errs := cascade.PreparePatterns(o.eval.Matcher, loaded)
	for _, err := range errs {
		log.Warn().Err(err).Msg("Skipping pattern without usable features")
	}
	return prepared
}

func writeRejectionLog(path string, rejected []rejection) error {
	var b strings.Builder
	b.WriteString(rejectionLogHeader)
	b.WriteString("\n")
	for _, r := range rejected {
		fmt.Fprintf(&b, "frame image: %s, Reason: %s\n", r.frame, r.reason)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write rejection log: %w", err)
	}
	return nil
}
