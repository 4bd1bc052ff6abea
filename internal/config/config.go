// Package config resolves runtime configuration for the curator binaries.
// Values come from built-in defaults, then an optional YAML file, then
// CURATOR_* environment variables. Command-line flags are applied last by
// the cobra commands that own them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Detector backends.
const (
	DetectorGemini = "gemini"
	DetectorOllama = "ollama"
)

// Archive compression methods.
const (
	CompressionDeflate = "deflate"
	CompressionZstd    = "zstd"
)

// Config is the full runtime configuration.
type Config struct {
	Port    int      `yaml:"port"`
	Origins []string `yaml:"origins"`
	DataDir string   `yaml:"data_dir"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	Detector       string        `yaml:"detector"`
	Model          string        `yaml:"model"`
	OllamaURL      string        `yaml:"ollama_url"`
	DetectTimeout  time.Duration `yaml:"detect_timeout"`
	MinGoodMatches int           `yaml:"min_good_matches"`

	ThumbnailMaxDim int    `yaml:"thumbnail_max_dim"`
	Compression     string `yaml:"compression"`

	S3Bucket      string        `yaml:"s3_bucket"`
	S3Prefix      string        `yaml:"s3_prefix"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`

	SSMAPIKeyParam string `yaml:"ssm_api_key_param"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            8080,
		Origins:         []string{"http://localhost:5173"},
		DataDir:         "curator-data",
		Workers:         2,
		QueueSize:       16,
		Detector:        DetectorGemini,
		Model:           "gemini-3-flash-preview",
		OllamaURL:       "http://localhost:11434",
		DetectTimeout:   30 * time.Second,
		MinGoodMatches:  1,
		ThumbnailMaxDim: 400,
		Compression:     CompressionDeflate,
		S3Prefix:        "archives/",
		PresignExpiry:   time.Hour,
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then with environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CURATOR_DATA_DIR", &c.DataDir)
	str("CURATOR_DETECTOR", &c.Detector)
	str("GEMINI_MODEL", &c.Model)
	str("CURATOR_OLLAMA_URL", &c.OllamaURL)
	str("CURATOR_COMPRESSION", &c.Compression)
	str("CURATOR_S3_BUCKET", &c.S3Bucket)
	str("CURATOR_S3_PREFIX", &c.S3Prefix)
	str("CURATOR_SSM_API_KEY_PARAM", &c.SSMAPIKeyParam)
	if v, ok := lookup("CURATOR_ORIGINS"); ok && v != "" {
		c.Origins = splitList(v)
	}

	for key, dst := range map[string]*int{
		"CURATOR_PORT":             &c.Port,
		"CURATOR_WORKERS":          &c.Workers,
		"CURATOR_QUEUE_SIZE":       &c.QueueSize,
		"CURATOR_MIN_GOOD_MATCHES": &c.MinGoodMatches,
		"CURATOR_THUMBNAIL_MAX":    &c.ThumbnailMaxDim,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := dur("CURATOR_DETECT_TIMEOUT", &c.DetectTimeout); err != nil {
		return err
	}
	return dur("CURATOR_PRESIGN_EXPIRY", &c.PresignExpiry)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.DataDir == "":
		return fmt.Errorf("data_dir is required")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.QueueSize < 0:
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	case c.DetectTimeout <= 0:
		return fmt.Errorf("detect_timeout must be positive")
	case c.MinGoodMatches < 1:
		return fmt.Errorf("min_good_matches must be at least 1, got %d", c.MinGoodMatches)
	case c.ThumbnailMaxDim < 16:
		return fmt.Errorf("thumbnail_max_dim must be at least 16, got %d", c.ThumbnailMaxDim)
	}
	if c.Detector != DetectorGemini && c.Detector != DetectorOllama {
		return fmt.Errorf("unknown detector %q", c.Detector)
	}
	if c.Compression != CompressionDeflate && c.Compression != CompressionZstd {
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}

// Layout is the on-disk directory structure under DataDir.
type Layout struct {
	Chunks     string
	Assets     string
	Thumbnails string
	Runs       string
	Archives   string
}

// Layout derives the storage directories from DataDir.
func (c Config) Layout() Layout {
	return Layout{
		Chunks:     filepath.Join(c.DataDir, "chunks"),
		Assets:     filepath.Join(c.DataDir, "assets"),
		Thumbnails: filepath.Join(c.DataDir, "thumbnails"),
		Runs:       filepath.Join(c.DataDir, "runs"),
		Archives:   filepath.Join(c.DataDir, "archives"),
	}
}

// Ensure creates every directory in the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Chunks, l.Assets, l.Thumbnails, l.Runs, l.Archives} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
