package settings

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st.Settings(), slog.Default())
}

func validSettings(t *testing.T) Settings {
	s := Default()
	s.DiskBaseDir = t.TempDir()
	return s
}

func TestLoadDefaultsWhenEmpty(t *testing.T) {
	m := setupManager(t)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	s := m.Get()
	if s.DiskCleanupCapacityPct != 90 {
		t.Errorf("Expected default capacity 90, got %d", s.DiskCleanupCapacityPct)
	}
	if s.StreamVerifyTimeoutMS != 15000 {
		t.Errorf("Expected default verify timeout, got %d", s.StreamVerifyTimeoutMS)
	}
}

func TestUpdatePersists(t *testing.T) {
	m := setupManager(t)

	s := validSettings(t)
	s.DetectionEnable = true
	s.DetectionModel = "yolov8n"
	s.MLRestartSchedule = "03:30"
	if err := m.Update(s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got := m.Get()
	if !got.DetectionEnable || got.DetectionModel != "yolov8n" {
		t.Error("Update not reflected in Get")
	}

	if err := m.Load(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := m.Get(); got.MLRestartSchedule != "03:30" {
		t.Errorf("Update not persisted, got %q", got.MLRestartSchedule)
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	m := setupManager(t)

	s := validSettings(t)
	if err := m.Update(s); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	first := m.Get()

	if err := m.Update(s); err != nil {
		t.Fatalf("Second update failed: %v", err)
	}
	if !reflect.DeepEqual(m.Get(), first) {
		t.Error("Identical updates diverged")
	}
}

func TestNormalizeStripsTrailingSlash(t *testing.T) {
	m := setupManager(t)

	s := validSettings(t)
	dir := s.DiskBaseDir
	s.DiskBaseDir = dir + "/"
	s.DetectionFramesPath = "frames/"
	if err := m.Update(s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got := m.Get()
	if got.DiskBaseDir != dir {
		t.Errorf("Trailing slash kept: %q", got.DiskBaseDir)
	}
	if got.DetectionFramesPath != "frames" {
		t.Errorf("Frames path not normalized: %q", got.DetectionFramesPath)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	base := validSettings(t)

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"missing disk dir", func(s *Settings) { s.DiskBaseDir = "" }},
		{"nonexistent disk dir", func(s *Settings) { s.DiskBaseDir = "/does/not/exist" }},
		{"capacity over 99", func(s *Settings) { s.DiskCleanupCapacityPct = 100 }},
		{"negative capacity", func(s *Settings) { s.DiskCleanupCapacityPct = -1 }},
		{"bad schedule", func(s *Settings) { s.MLRestartSchedule = "25:99" }},
		{"schedule missing colon", func(s *Settings) { s.MLRestartSchedule = "0330" }},
		{"filter without tag", func(s *Settings) {
			s.DetectionTagFilters = []TagFilter{{MinProbability: 0.5}}
		}},
		{"filter probability above one", func(s *Settings) {
			s.DetectionTagFilters = []TagFilter{{Tag: "person", MinProbability: 1.5}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	s := base
	s.MLRestartSchedule = "23:59"
	s.DetectionTagFilters = []TagFilter{{Tag: "person", MinProbability: 0.6}}
	if err := s.Validate(); err != nil {
		t.Errorf("Valid settings rejected: %v", err)
	}
}
