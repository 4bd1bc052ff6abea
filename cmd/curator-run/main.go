package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fpang/depth-curator/internal/archive"
	"github.com/fpang/depth-curator/internal/cascade"
	"github.com/fpang/depth-curator/internal/chat"
	"github.com/fpang/depth-curator/internal/cli"
	"github.com/fpang/depth-curator/internal/config"
	"github.com/fpang/depth-curator/internal/features"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/logging"
	"github.com/fpang/depth-curator/internal/metrics"
	"github.com/fpang/depth-curator/internal/pipeline"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// CLI flags
var (
	configFlag     string
	rawFlag        string
	depthFlag      string
	patternFlags   []string
	outFlag        string
	pickFlag       bool
	thresholdFlags map[string]string
	disableFlags   []string
	detectorFlag   string
	modelFlag      string
	minMatchesFlag int
	publishFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "curator-run",
	Short: "Curate frame pairs from a local RGB and depth video",
	Long: `Curator Run executes the classification cascade over two local videos
without the HTTP service. Accepted frame pairs are sorted into pattern
category folders, rejected frames are listed in removed_images.txt, and the
output is packaged into a ZIP archive.

Examples:
  curator-run --raw rgb.mp4 --depth depth.mp4 --patterns ./patterns
  curator-run --pick
  curator-run --raw rgb.mp4 --depth depth.mp4 --disable content_filter,pattern_match
  curator-run --raw rgb.mp4 --depth depth.mp4 -p mug.png -t black_threshold=20`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVar(&rawFlag, "raw", "", "Raw RGB video")
	rootCmd.Flags().StringVar(&depthFlag, "depth", "", "Aligned depth video")
	rootCmd.Flags().StringSliceVarP(&patternFlags, "patterns", "p", nil, "Pattern images or directories of them")
	rootCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Data directory for runs and archives (default from config)")
	rootCmd.Flags().BoolVar(&pickFlag, "pick", false, "Choose inputs with native file dialogs")
	rootCmd.Flags().StringToStringVarP(&thresholdFlags, "threshold", "t", nil, "Threshold overrides, e.g. black_threshold=20")
	rootCmd.Flags().StringSliceVar(&disableFlags, "disable", nil, "Stages to disable (solid_color, content_filter, pattern_match)")
	rootCmd.Flags().StringVar(&detectorFlag, "detector", "", "Content detector backend (gemini or ollama)")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Detector model name")
	rootCmd.Flags().IntVar(&minMatchesFlag, "min-matches", 0, "Minimum good matches for a pattern label")
	rootCmd.Flags().BoolVar(&publishFlag, "publish", false, "Upload the archive to the configured S3 bucket")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	metrics.SetService("curator-run")

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	flags := cmd.Flags()
	if flags.Changed("out") {
		cfg.DataDir = outFlag
	}
	if flags.Changed("detector") {
		cfg.Detector = detectorFlag
	}
	if flags.Changed("model") {
		cfg.Model = modelFlag
	}
	if flags.Changed("min-matches") {
		cfg.MinGoodMatches = minMatchesFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	in := inputs{Raw: rawFlag, Depth: depthFlag, Patterns: patternFlags}
	if pickFlag {
		if in, err = pickInputs(in); err != nil {
			log.Fatal().Err(err).Msg("Input selection failed")
		}
	}
	if err := filehandler.CheckFFmpegAvailable(); err != nil {
		log.Fatal().Err(err).Msg("ffmpeg is required")
	}

	snap, err := buildSnapshot(in, thresholdFlags, disableFlags, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid run input")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eval := &cascade.Evaluator{Matcher: features.NewMatcher()}
	if snap.Cascade.ContentFilter {
		detector, err := chat.NewDetector(ctx, cfg)
		if err != nil {
			cli.HandleValidationError(err)
		}
		eval.Detector = detector
	}

	layout := cfg.Layout()
	if err := layout.Ensure(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directories")
	}
	method, err := archive.Method(cfg.Compression)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid compression")
	}
	opts := pipeline.Options{
		RunsDir:     layout.Runs,
		ArchivesDir: layout.Archives,
		Workers:     1,
		Compression: method,
	}
	if publishFlag {
		if cfg.S3Bucket == "" {
			log.Fatal().Msg("--publish requires s3_bucket in config or CURATOR_S3_BUCKET")
		}
		p, err := archive.NewS3Publisher(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.PresignExpiry)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure S3 archive publishing")
		}
		opts.Publisher = p
	}

	registry := jobs.NewRegistry()
	orch := pipeline.New(registry, eval, opts)
	defer orch.Shutdown(context.Background())

	rec := registry.Create(snap.SessionID)
	fmt.Printf("Running job %s over %s and %s\n", rec.ID, filepath.Base(snap.RawPath), filepath.Base(snap.DepthPath))
	start := time.Now()
	orch.Run(ctx, rec.ID, snap)

	final, err := registry.Get(rec.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Job record lost")
	}
	printReport(final, filepath.Join(layout.Runs, rec.ID), time.Since(start))
	if final.State == jobs.StateFailed {
		os.Exit(1)
	}
}

func printReport(rec jobs.Record, outRoot string, elapsed time.Duration) {
	fmt.Println()
	fmt.Printf("State:     %s\n", rec.State)
	if rec.Error != "" {
		fmt.Printf("Error:     %s\n", rec.Error)
	}
	fmt.Printf("Output:    %s\n", outRoot)
	fmt.Printf("Elapsed:   %s\n", cli.FormatDurationShort(elapsed))
	if rec.Result == nil {
		return
	}
	r := rec.Result
	fmt.Printf("Frames:    %d processed, %d accepted, %d rejected\n", r.FramesProcessed, r.FramesAccepted, r.FramesRejected)
	fmt.Printf("Rate:      %s\n", cli.FormatFrameRate(r.FramesProcessed, elapsed))
	for _, k := range sortedKeys(r.Categories) {
		fmt.Printf("  %-24s %d\n", k, r.Categories[k])
	}
	for _, k := range sortedKeys(r.RejectedByStage) {
		fmt.Printf("  rejected by %-12s %d\n", k, r.RejectedByStage[k])
	}
	if r.ArchivePath != "" {
		fmt.Printf("Archive:   %s (%d bytes)\n", r.ArchivePath, r.ArchiveBytes)
	}
	if r.RemoteURL != "" {
		fmt.Printf("Download:  %s\n", r.RemoteURL)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
