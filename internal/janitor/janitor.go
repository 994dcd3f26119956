// Package janitor reclaims disk space by deleting the oldest capture
// files across all watched camera folders, then evicting the movement
// records whose footage is gone.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

// TargetDeleteAll is the capacity sentinel that removes every watched
// file and every matching movement. Used for camera resets.
const TargetDeleteAll = -1

// Request describes one cleanup run.
type Request struct {
	// BaseDir is the disk whose occupancy is measured.
	BaseDir string
	// Folders maps camera key to its segment folder (relative to
	// BaseDir) for every non-deleted, streaming-enabled camera in
	// scope.
	Folders map[string]string
	// FramesDir is the extracted-frames folder, relative to BaseDir.
	// Empty means frames are not watched on this run.
	FramesDir string
	// TargetPct is the occupancy to clean down to, or TargetDeleteAll.
	TargetPct int
}

// Report summarizes one cleanup run.
type Report struct {
	FilesDeleted     int
	BytesDeleted     int64
	MovementsDeleted int
	CutoffMS         int64
}

// Status is the durable per-camera record of the last cleanup run.
type Status struct {
	CameraKey        string `json:"camera_key"`
	LastRunMS        int64  `json:"last_run_ms"`
	FilesDeleted     int    `json:"files_deleted"`
	BytesDeleted     int64  `json:"bytes_deleted"`
	CutoffMS         int64  `json:"cutoff_ms"`
	MovementsDeleted int    `json:"movements_deleted"`
}

// fileEntry is one deletion candidate.
type fileEntry struct {
	path   string
	modMS  int64
	size   int64
	folder string
}

// folderTally accumulates per-folder deletion results.
type folderTally struct {
	files    int
	bytes    int64
	newestMS int64
}

// Janitor owns disk cleanup. Runs are serialized; the control loop and
// the API share one instance.
type Janitor struct {
	movements *movement.Repo
	status    *store.Namespace
	logger    *slog.Logger

	// usage is swappable so tests can fake occupancy.
	usage func(path string) (*disk.UsageStat, error)

	mu sync.Mutex
}

func New(movements *movement.Repo, status *store.Namespace, logger *slog.Logger) *Janitor {
	return &Janitor{
		movements: movements,
		status:    status,
		logger:    logger.With("component", "janitor"),
		usage:     disk.Usage,
	}
}

// Run executes one cleanup pass: delete oldest files until occupancy
// is at or under the target, then batch-delete the movement records
// older than the newest deleted file. In-flight movements are never
// evicted.
func (j *Janitor) Run(ctx context.Context, req Request) (*Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	report := &Report{}

	folders := j.watchList(req)
	entries, err := collectFiles(req.BaseDir, folders)
	if err != nil {
		return nil, err
	}

	tallies, err := j.deleteFiles(ctx, req, entries, report)
	if err != nil {
		return nil, err
	}

	// The cutoff is the newest modification time among deleted files,
	// across every cleared folder.
	for _, tally := range tallies {
		if tally.newestMS > report.CutoffMS {
			report.CutoffMS = tally.newestMS
		}
	}

	deletedPerCamera, err := j.deleteMovements(ctx, req, report)
	if err != nil {
		return nil, err
	}

	if err := j.writeStatus(req, tallies, deletedPerCamera, nowMS, report.CutoffMS); err != nil {
		return nil, err
	}

	metrics.JanitorLastRun.Set(float64(nowMS) / 1000)
	j.logger.Info("Disk cleanup finished",
		"target_pct", req.TargetPct,
		"files_deleted", report.FilesDeleted,
		"bytes_deleted", report.BytesDeleted,
		"movements_deleted", report.MovementsDeleted,
		"cutoff_ms", report.CutoffMS)
	return report, nil
}

// watchList resolves the set of folders to scan, keyed by the folder
// name relative to the base dir. The frames folder joins the set when
// not already a camera folder.
func (j *Janitor) watchList(req Request) []string {
	seen := make(map[string]bool)
	var folders []string
	for _, folder := range req.Folders {
		if folder == "" || seen[folder] {
			continue
		}
		seen[folder] = true
		folders = append(folders, folder)
	}
	if req.FramesDir != "" && !seen[req.FramesDir] {
		folders = append(folders, req.FramesDir)
	}
	sort.Strings(folders)
	return folders
}

// collectFiles gathers every regular file in the watched folders,
// oldest first. Unreadable folders are skipped; they may not exist yet.
func collectFiles(baseDir string, folders []string) ([]fileEntry, error) {
	var entries []fileEntry
	for _, folder := range folders {
		dir := filepath.Join(baseDir, folder)
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range dirEntries {
			if de.IsDir() {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			entries = append(entries, fileEntry{
				path:   filepath.Join(dir, de.Name()),
				modMS:  info.ModTime().UnixMilli(),
				size:   info.Size(),
				folder: folder,
			})
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].modMS < entries[k].modMS })
	return entries, nil
}

// deleteFiles removes the globally oldest files until occupancy drops
// to the target, or removes everything when the target is the
// delete-all sentinel.
func (j *Janitor) deleteFiles(ctx context.Context, req Request, entries []fileEntry, report *Report) (map[string]*folderTally, error) {
	tallies := make(map[string]*folderTally)

	var used, total uint64
	if req.TargetPct != TargetDeleteAll {
		stat, err := j.usage(req.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to measure disk usage at %s: %w", req.BaseDir, err)
		}
		used, total = stat.Used, stat.Total
		if total == 0 {
			return nil, fmt.Errorf("disk at %s reports zero capacity", req.BaseDir)
		}
		if occupancyPct(used, total) <= float64(req.TargetPct) {
			return tallies, nil
		}
		j.logger.Info("Disk over capacity target",
			"used_pct", occupancyPct(used, total),
			"target_pct", req.TargetPct)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if req.TargetPct != TargetDeleteAll && occupancyPct(used, total) <= float64(req.TargetPct) {
			break
		}

		if err := os.Remove(entry.path); err != nil {
			j.logger.Warn("Failed to delete file", "path", entry.path, "error", err)
			continue
		}

		tally := tallies[entry.folder]
		if tally == nil {
			tally = &folderTally{}
			tallies[entry.folder] = tally
		}
		tally.files++
		tally.bytes += entry.size
		if entry.modMS > tally.newestMS {
			tally.newestMS = entry.modMS
		}

		report.FilesDeleted++
		report.BytesDeleted += entry.size
		metrics.JanitorFilesDeleted.Inc()
		metrics.JanitorBytesDeleted.Add(float64(entry.size))
		if used >= uint64(entry.size) {
			used -= uint64(entry.size)
		}
	}
	return tallies, nil
}

// deleteMovements evicts movement records for the requested cameras in
// one atomic batch. Records still pending or processing are skipped:
// their footage may already be gone, which is a lost-data signal worth
// a warning, but the detection pipeline owns their lifecycle.
func (j *Janitor) deleteMovements(ctx context.Context, req Request, report *Report) (map[string]int, error) {
	perCamera := make(map[string]int)
	deleteAll := req.TargetPct == TargetDeleteAll
	if report.CutoffMS == 0 && !deleteAll {
		return perCamera, nil
	}

	opts := store.IterOptions{}
	if !deleteAll {
		opts.LTE = movement.FormatKey(report.CutoffMS)
	}

	var keys []string
	err := j.movements.Iterate(opts, func(m *movement.Movement) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, watched := req.Folders[m.CameraKey]; !watched {
			return true, nil
		}
		if m.ProcessingState == movement.StatePending || m.ProcessingState == movement.StateProcessing {
			j.logger.Warn("Skipping in-flight movement during cleanup; its footage may be gone",
				"movement", m.Key,
				"camera", m.CameraKey,
				"state", m.ProcessingState)
			return true, nil
		}
		keys = append(keys, m.Key)
		perCamera[m.CameraKey]++
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan movements for cleanup: %w", err)
	}

	if len(keys) == 0 {
		return perCamera, nil
	}
	if err := j.movements.DeleteBatch(keys); err != nil {
		return nil, fmt.Errorf("failed to delete movements: %w", err)
	}

	report.MovementsDeleted = len(keys)
	metrics.JanitorMovementsDeleted.Add(float64(len(keys)))
	return perCamera, nil
}

// writeStatus overwrites each camera's DiskStatus row with this run's
// results.
func (j *Janitor) writeStatus(req Request, tallies map[string]*folderTally, deleted map[string]int, nowMS, cutoffMS int64) error {
	for cameraKey, folder := range req.Folders {
		status := Status{
			CameraKey:        cameraKey,
			LastRunMS:        nowMS,
			CutoffMS:         cutoffMS,
			MovementsDeleted: deleted[cameraKey],
		}
		if tally := tallies[folder]; tally != nil {
			status.FilesDeleted = tally.files
			status.BytesDeleted = tally.bytes
		}

		data, err := json.Marshal(&status)
		if err != nil {
			return fmt.Errorf("failed to marshal disk status for %s: %w", cameraKey, err)
		}
		if err := j.status.Put(cameraKey, data); err != nil {
			return fmt.Errorf("failed to persist disk status for %s: %w", cameraKey, err)
		}
	}
	return nil
}

// Statuses returns every camera's last cleanup record.
func (j *Janitor) Statuses() ([]Status, error) {
	var out []Status
	err := j.status.Iterate(store.IterOptions{}, func(key string, value []byte) (bool, error) {
		var s Status
		if err := json.Unmarshal(value, &s); err != nil {
			return false, fmt.Errorf("failed to decode disk status %s: %w", key, err)
		}
		s.CameraKey = key
		out = append(out, s)
		return true, nil
	})
	return out, err
}

func occupancyPct(used, total uint64) float64 {
	return float64(used) / float64(total) * 100
}
