// Package settings manages the store-backed runtime settings
// singleton.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

// storeKey is the singleton's key inside the settings namespace.
const storeKey = "config"

var scheduleRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// TagFilter keeps a movement in the Filtered view when any frame
// reported the tag at or above the probability floor.
type TagFilter struct {
	Tag            string  `json:"tag"`
	MinProbability float64 `json:"min_probability"`
}

// Settings is the operator-editable runtime configuration.
type Settings struct {
	DiskBaseDir            string `json:"disk_base_dir"`
	DiskCleanupIntervalMin int    `json:"disk_cleanup_interval_min"`
	DiskCleanupCapacityPct int    `json:"disk_cleanup_capacity_pct"`

	DetectionEnable     bool        `json:"detection_enable"`
	DetectionModel      string      `json:"detection_model"`
	DetectionTargetHW   string      `json:"detection_target_hw,omitempty"`
	DetectionFramesPath string      `json:"detection_frames_path"`
	DetectionTagFilters []TagFilter `json:"detection_tag_filters"`

	MLRestartSchedule string `json:"ml_restart_schedule"`

	ShutdownTimeoutMS     int `json:"shutdown_timeout_ms"`
	StreamVerifyTimeoutMS int `json:"stream_verify_timeout_ms"`
}

// Default returns the settings used until an operator saves their own.
func Default() Settings {
	return Settings{
		DiskBaseDir:            "/data/nvr",
		DiskCleanupIntervalMin: 10,
		DiskCleanupCapacityPct: 90,
		DetectionFramesPath:    "frames",
		ShutdownTimeoutMS:      5000,
		StreamVerifyTimeoutMS:  15000,
	}
}

// FramesDir is the absolute path extracted frames are written to.
func (s Settings) FramesDir() string {
	return filepath.Join(s.DiskBaseDir, s.DetectionFramesPath)
}

// Normalize strips trailing separators the contract forbids.
func (s *Settings) Normalize() {
	s.DiskBaseDir = strings.TrimRight(s.DiskBaseDir, "/")
	s.DetectionFramesPath = strings.Trim(s.DetectionFramesPath, "/")
}

// Validate checks the invariants the API promises before a save.
func (s *Settings) Validate() error {
	if s.DiskBaseDir == "" {
		return errors.New("disk_base_dir is required")
	}
	fi, err := os.Stat(s.DiskBaseDir)
	if err != nil {
		return fmt.Errorf("disk_base_dir %s does not exist", s.DiskBaseDir)
	}
	if !fi.IsDir() {
		return fmt.Errorf("disk_base_dir %s is not a directory", s.DiskBaseDir)
	}
	if s.DiskCleanupCapacityPct < 0 || s.DiskCleanupCapacityPct > 99 {
		return fmt.Errorf("disk_cleanup_capacity_pct %d out of range 0..99", s.DiskCleanupCapacityPct)
	}
	if s.MLRestartSchedule != "" && !scheduleRe.MatchString(s.MLRestartSchedule) {
		return fmt.Errorf("ml_restart_schedule %q is not HH:MM", s.MLRestartSchedule)
	}
	for _, f := range s.DetectionTagFilters {
		if f.Tag == "" {
			return errors.New("detection_tag_filters entry missing tag")
		}
		if f.MinProbability < 0 || f.MinProbability > 1 {
			return fmt.Errorf("min_probability %v for tag %s out of range", f.MinProbability, f.Tag)
		}
	}
	return nil
}

// Manager caches the singleton and owns its persistence.
type Manager struct {
	ns     *store.Namespace
	logger *slog.Logger

	mu      sync.RWMutex
	current Settings
}

func NewManager(ns *store.Namespace, logger *slog.Logger) *Manager {
	return &Manager{
		ns:      ns,
		logger:  logger.With("component", "settings"),
		current: Default(),
	}
}

// Load reads the stored settings, seeding defaults on first boot.
func (m *Manager) Load() error {
	data, err := m.ns.Get(storeKey)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("No stored settings, keeping defaults")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	s.Normalize()

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

// Get returns the current settings snapshot.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates, persists, and installs new settings. Saving the
// same settings twice is a no-op by construction.
func (m *Manager) Update(s Settings) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(&s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := m.ns.Put(storeKey, data); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.logger.Info("Settings updated",
		"disk_base_dir", s.DiskBaseDir,
		"detection_enable", s.DetectionEnable,
		"capacity_pct", s.DiskCleanupCapacityPct)
	return nil
}
