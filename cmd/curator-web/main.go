package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fpang/depth-curator/internal/archive"
	"github.com/fpang/depth-curator/internal/cascade"
	"github.com/fpang/depth-curator/internal/chat"
	"github.com/fpang/depth-curator/internal/config"
	"github.com/fpang/depth-curator/internal/features"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/logging"
	"github.com/fpang/depth-curator/internal/metrics"
	"github.com/fpang/depth-curator/internal/pipeline"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/fpang/depth-curator/internal/upload"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// commitHash is set at build time via -ldflags.
var commitHash = "dev"

// CLI flags
var (
	configFlag   string
	portFlag     int
	dataDirFlag  string
	workersFlag  int
	detectorFlag string
	modelFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "curator-web",
	Short: "HTTP service that curates paired RGB and depth video frames",
	Long: `Curator Web accepts chunked uploads of a raw RGB video, an aligned depth
video and pattern images, then runs the classification cascade over every
frame pair as a background job and serves the resulting archive.

Examples:
  curator-web
  curator-web --port 9090 --data-dir /var/lib/curator
  curator-web --config curator.yaml --detector ollama`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "Directory for uploads, runs and archives")
	rootCmd.Flags().IntVar(&workersFlag, "workers", 0, "Concurrent pipeline runs")
	rootCmd.Flags().StringVar(&detectorFlag, "detector", "", "Content detector backend (gemini or ollama)")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Detector model name")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDirFlag
	}
	if flags.Changed("workers") {
		cfg.Workers = workersFlag
	}
	if flags.Changed("detector") {
		cfg.Detector = detectorFlag
	}
	if flags.Changed("model") {
		cfg.Model = modelFlag
	}
	return cfg, cfg.Validate()
}

func runMain(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	logging.Init()
	metrics.SetService("curator-web")

	cfg, err := loadConfig(cmd)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if err := filehandler.CheckFFmpegAvailable(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg not found; video thumbnails and pipeline runs will fail")
	}

	ctx := context.Background()
	detector, err := chat.NewDetector(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Content detector unavailable; frames reaching the content filter will be rejected")
	}

	var publisher pipeline.Publisher
	if cfg.S3Bucket != "" {
		p, err := archive.NewS3Publisher(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.PresignExpiry)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure S3 archive publishing")
		}
		publisher = p
	}

	s, err := newServer(cfg, detector, publisher, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	logging.NewStartupLogger("curator-web").
		CommitHash(commitHash).
		Dir("data", cfg.DataDir).
		S3Bucket("archives", cfg.S3Bucket).
		SSMParam("apiKey", cfg.SSMAPIKeyParam).
		Feature("contentDetector", detector != nil).
		Feature("s3Publish", publisher != nil).
		Config("detector", cfg.Detector).
		Config("model", cfg.Model).
		Config("workers", fmt.Sprint(cfg.Workers)).
		Config("compression", cfg.Compression).
		InitDuration(time.Since(initStart)).
		Log()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: drain HTTP first, then the worker pool.
	idle := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if err := s.pipeline.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Pipeline shutdown incomplete")
		}
		close(idle)
	}()

	log.Info().Int("port", cfg.Port).Msg("Starting web server")
	fmt.Printf("\n  Depth Curator API: http://localhost:%d/api/health\n\n", cfg.Port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-idle
}

// newServer wires the registries and workers. open overrides video decoding
// when non-nil.
func newServer(cfg config.Config, detector chat.Detector, publisher pipeline.Publisher, open pipeline.OpenFunc) (*server, error) {
	layout := cfg.Layout()
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	method, err := archive.Method(cfg.Compression)
	if err != nil {
		return nil, err
	}
	assembler, err := upload.NewAssembler(layout.Chunks, layout.Assets)
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(layout.Thumbnails)
	thumbs := filehandler.NewThumbnailGenerator(layout.Thumbnails, cfg.ThumbnailMaxDim)
	registry := jobs.NewRegistry()

	eval := &cascade.Evaluator{Matcher: features.NewMatcher()}
	if detector != nil {
		eval.Detector = detector
	}

	return &server{
		cfg:      cfg,
		layout:   layout,
		sessions: sessions,
		intake:   upload.NewIntake(assembler, thumbs, sessions),
		thumbs:   thumbs,
		jobs:     registry,
		pipeline: pipeline.New(registry, eval, pipeline.Options{
			RunsDir:     layout.Runs,
			ArchivesDir: layout.Archives,
			Workers:     cfg.Workers,
			QueueSize:   cfg.QueueSize,
			Compression: method,
			Publisher:   publisher,
			Open:        open,
			Pins:        sessions,
		}),
	}, nil
}
