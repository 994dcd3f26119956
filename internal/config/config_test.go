package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090
  allowed_origins: ["http://localhost:5173"]
store:
  path: "/data/store"
transcoder:
  ffmpeg_path: "/usr/bin/ffmpeg"
detector:
  command: "/opt/detector/run"
  args: ["--model", "yolov8n"]
logging:
  level: "debug"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Expected addr '127.0.0.1:9090', got '%s'", cfg.Addr())
	}
	if cfg.Store.Path != "/data/store" {
		t.Errorf("Expected store path '/data/store', got '%s'", cfg.Store.Path)
	}
	if cfg.Transcoder.FFmpegPath != "/usr/bin/ffmpeg" {
		t.Errorf("Expected ffmpeg path '/usr/bin/ffmpeg', got '%s'", cfg.Transcoder.FFmpegPath)
	}
	if cfg.Detector.Command != "/opt/detector/run" {
		t.Errorf("Expected detector command '/opt/detector/run', got '%s'", cfg.Detector.Command)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("Expected debug level, got %v", cfg.LogLevel())
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	if err := os.WriteFile(configPath, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Expected default addr '0.0.0.0:8080', got '%s'", cfg.Addr())
	}
	if cfg.Transcoder.FFmpegPath != "ffmpeg" {
		t.Errorf("Expected default ffmpeg path, got '%s'", cfg.Transcoder.FFmpegPath)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("Expected default info level, got %v", cfg.LogLevel())
	}
}

func TestLoadMalformed(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	if err := os.WriteFile(configPath, []byte("server: [not a map"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Expected parse error for malformed config")
	}
}
