package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curator.yaml")
	yamlText := "port: 9090\nworkers: 4\ndetector: ollama\ndetect_timeout: 5s\norigins:\n  - http://a\n  - http://b\n"
	if err := os.WriteFile(path, []byte(yamlText), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.Detector != DetectorOllama {
		t.Errorf("Detector = %q, want %q", cfg.Detector, DetectorOllama)
	}
	if cfg.DetectTimeout != 5*time.Second {
		t.Errorf("DetectTimeout = %v, want 5s", cfg.DetectTimeout)
	}
	if len(cfg.Origins) != 2 {
		t.Errorf("Origins = %v, want 2 entries", cfg.Origins)
	}
	if cfg.MinGoodMatches != 1 {
		t.Errorf("MinGoodMatches = %d, want default 1", cfg.MinGoodMatches)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CURATOR_PORT":           "7000",
		"CURATOR_ORIGINS":        "http://x, http://y ,",
		"CURATOR_DETECT_TIMEOUT": "2s",
		"CURATOR_COMPRESSION":    "zstd",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Port)
	}
	if len(cfg.Origins) != 2 || cfg.Origins[1] != "http://y" {
		t.Errorf("Origins = %v, want [http://x http://y]", cfg.Origins)
	}
	if cfg.DetectTimeout != 2*time.Second {
		t.Errorf("DetectTimeout = %v, want 2s", cfg.DetectTimeout)
	}
	if cfg.Compression != CompressionZstd {
		t.Errorf("Compression = %q, want zstd", cfg.Compression)
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "CURATOR_WORKERS" {
			return "many", true
		}
		return "", false
	}
	cfg := Default()
	if err := cfg.applyEnv(lookup); err == nil {
		t.Error("applyEnv() with non-numeric workers = nil, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"unknown detector", func(c *Config) { c.Detector = "llava" }},
		{"unknown compression", func(c *Config) { c.Compression = "lz4" }},
		{"zero min matches", func(c *Config) { c.MinGoodMatches = 0 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLayoutEnsure(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	l := cfg.Layout()
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	for _, dir := range []string{l.Chunks, l.Assets, l.Thumbnails, l.Runs, l.Archives} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created", dir)
		}
	}
}
