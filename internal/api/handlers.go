package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/detect"
	"github.com/Vigil-NVR/VigilNVR/internal/janitor"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/settings"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

const (
	defaultPageLimit = 200
	maxPageLimit     = 10000
)

// movementsPage is the GET /api/movements response.
type movementsPage struct {
	Config     pageConfig           `json:"config"`
	Cameras    []camera.Camera      `json:"cameras"`
	Movements  []*movement.Movement `json:"movements"`
	HasMore    bool                 `json:"hasMore"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// pageConfig always carries the current settings so clients never need
// a second round trip to render the listing.
type pageConfig struct {
	Settings settings.Settings `json:"settings"`
}

func (s *Server) handleMovements(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(w, s.logger, "limit must be a positive integer")
			return
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		limit = n
	}

	cursor := r.URL.Query().Get("cursor")
	if cursor != "" && !ValidMovementKey(cursor) {
		BadRequest(w, s.logger, "cursor is not a movement key")
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "Movement", "Time", "Filtered":
	default:
		BadRequest(w, s.logger, "mode must be Movement, Filtered, or Time")
		return
	}

	cfg := s.settings.Get()
	var filters []settings.TagFilter
	if mode == "Filtered" {
		filters = cfg.DetectionTagFilters
	}

	page := movementsPage{
		Config:    pageConfig{Settings: cfg},
		Movements: make([]*movement.Movement, 0, limit),
	}

	// Newest first. The scan keeps going past limit matches by one
	// record so hasMore is exact without a second query.
	err := s.movements.Iterate(store.IterOptions{Reverse: true, LT: cursor}, func(m *movement.Movement) (bool, error) {
		if filters != nil && !m.MatchesFilters(filters) {
			return true, nil
		}
		if len(page.Movements) == limit {
			page.HasMore = true
			return false, nil
		}
		page.Movements = append(page.Movements, m)
		return true, nil
	})
	if err != nil {
		InternalError(w, s.logger, "failed to list movements", err)
		return
	}
	if page.HasMore {
		page.NextCursor = page.Movements[len(page.Movements)-1].Key
	}

	// Tombstoned cameras stay in the listing so old movements still
	// resolve to a name.
	for _, cam := range s.cameras.List(true) {
		page.Cameras = append(page.Cameras, cam.ClientView())
	}

	JSON(w, http.StatusOK, page)
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var incoming settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		BadRequest(w, s.logger, "invalid settings JSON: "+err.Error())
		return
	}
	incoming.Normalize()
	if err := incoming.Validate(); err != nil {
		BadRequest(w, s.logger, err.Error())
		return
	}
	if err := s.settings.Update(incoming); err != nil {
		InternalError(w, s.logger, "failed to save settings", err)
		return
	}
	Created(w, s.settings.Get())
}

func (s *Server) handleCameraCreate(w http.ResponseWriter, r *http.Request) {
	var incoming camera.Camera
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		BadRequest(w, s.logger, "invalid camera JSON: "+err.Error())
		return
	}
	if errs := ValidateCamera(&incoming); errs.HasErrors() {
		BadRequest(w, s.logger, errs.Error())
		return
	}

	cam, err := s.cameras.Create(incoming)
	if err != nil {
		InternalError(w, s.logger, "failed to create camera", err)
		return
	}
	Created(w, cam.ClientView())
}

// cameraActionResult is the POST /api/camera/{key} response. Cleanup
// is present only for the purging variants.
type cameraActionResult struct {
	Camera  camera.Camera   `json:"camera"`
	Cleanup *cleanupSummary `json:"cleanup,omitempty"`
}

type cleanupSummary struct {
	FilesDeleted     int   `json:"files_deleted"`
	BytesDeleted     int64 `json:"bytes_deleted"`
	MovementsDeleted int   `json:"movements_deleted"`
	CutoffMS         int64 `json:"cutoff_ms"`
}

func summarize(rep *janitor.Report) *cleanupSummary {
	return &cleanupSummary{
		FilesDeleted:     rep.FilesDeleted,
		BytesDeleted:     rep.BytesDeleted,
		MovementsDeleted: rep.MovementsDeleted,
		CutoffMS:         rep.CutoffMS,
	}
}

func (s *Server) handleCameraAction(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !ValidCameraKey(key) {
		BadRequest(w, s.logger, "invalid camera key")
		return
	}
	current, err := s.cameras.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w, "camera not found")
			return
		}
		InternalError(w, s.logger, "failed to load camera", err)
		return
	}

	delopt := r.URL.Query().Get("delopt")
	switch delopt {
	case "", "reset", "del", "delall":
	default:
		BadRequest(w, s.logger, "delopt must be reset, del, or delall")
		return
	}

	// Every variant stops the camera's transcoder first; plain updates
	// may change the source, and the control loop restarts it on the
	// next tick from the fresh record.
	s.streams.Stop(key)
	s.poller.Forget(key)

	if delopt == "" {
		var incoming camera.Camera
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			BadRequest(w, s.logger, "invalid camera JSON: "+err.Error())
			return
		}
		if errs := ValidateCamera(&incoming); errs.HasErrors() {
			BadRequest(w, s.logger, errs.Error())
			return
		}
		updated, err := s.cameras.Update(key, incoming)
		if err != nil {
			InternalError(w, s.logger, "failed to update camera", err)
			return
		}
		JSON(w, http.StatusOK, cameraActionResult{Camera: updated.ClientView()})
		return
	}

	s.tracker.Drop(key)

	result := cameraActionResult{}
	if delopt == "reset" || delopt == "delall" {
		report, err := s.janitor.Run(r.Context(), janitor.Request{
			BaseDir:   current.Disk,
			Folders:   map[string]string{key: current.Folder},
			TargetPct: janitor.TargetDeleteAll,
		})
		if err != nil {
			InternalError(w, s.logger, "camera cleanup failed", err)
			return
		}
		result.Cleanup = summarize(report)
	}

	if delopt == "del" || delopt == "delall" {
		if err := s.cameras.Tombstone(key); err != nil {
			InternalError(w, s.logger, "failed to tombstone camera", err)
			return
		}
	}

	final, err := s.cameras.Get(key)
	if err != nil {
		InternalError(w, s.logger, "failed to reload camera", err)
		return
	}
	result.Camera = final.ClientView()
	JSON(w, http.StatusOK, result)
}

// cameraStats is one camera's slice of the GET /api/stats response.
type cameraStats struct {
	Total  int        `json:"total"`
	Oldest string     `json:"oldest,omitempty"`
	Newest string     `json:"newest,omitempty"`
	PerDay []dayCount `json:"perDay"`
}

type dayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type tally struct {
		stats  *cameraStats
		perDay map[string]int
	}
	byCamera := make(map[string]*tally)

	err := s.movements.Iterate(store.IterOptions{}, func(m *movement.Movement) (bool, error) {
		t, ok := byCamera[m.CameraKey]
		if !ok {
			t = &tally{stats: &cameraStats{Oldest: m.Key}, perDay: make(map[string]int)}
			byCamera[m.CameraKey] = t
		}
		t.stats.Total++
		t.stats.Newest = m.Key
		day := time.UnixMilli(m.StartDateMS).Format("2006-01-02")
		t.perDay[day]++
		return true, nil
	})
	if err != nil {
		InternalError(w, s.logger, "failed to scan movements", err)
		return
	}

	out := make(map[string]*cameraStats, len(byCamera))
	for key, t := range byCamera {
		days := make([]string, 0, len(t.perDay))
		for day := range t.perDay {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			t.stats.PerDay = append(t.stats.PerDay, dayCount{Date: day, Count: t.perDay[day]})
		}
		out[key] = t.stats
	}

	JSON(w, http.StatusOK, out)
}

func (s *Server) handleDiskStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.janitor.Statuses()
	if err != nil {
		InternalError(w, s.logger, "failed to read disk status", err)
		return
	}
	JSON(w, http.StatusOK, statuses)
}

func (s *Server) handleDiskCleanup(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Get()

	target := cfg.DiskCleanupCapacityPct
	if raw := r.URL.Query().Get("target"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < janitor.TargetDeleteAll || n > 99 {
			BadRequest(w, s.logger, "target must be a percentage 0..99")
			return
		}
		target = n
	}

	report, err := s.janitor.Run(r.Context(), janitor.Request{
		BaseDir:   cfg.DiskBaseDir,
		Folders:   s.cameras.WatchSet(),
		FramesDir: cfg.DetectionFramesPath,
		TargetPct: target,
	})
	if err != nil {
		InternalError(w, s.logger, "disk cleanup failed", err)
		return
	}
	JSON(w, http.StatusOK, summarize(report))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultPageLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			BadRequest(w, s.logger, "n must be a positive integer")
			return
		}
		n = v
	}
	JSON(w, http.StatusOK, s.ring.Recent(n))
}

// healthStatus is the GET /api/health response.
type healthStatus struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Cameras       int           `json:"cameras"`
	EventClients  int           `json:"event_clients"`
	Processes     int           `json:"processes"`
	Detection     detect.Status `json:"detection"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, healthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Cameras:       len(s.cameras.Active()),
		EventClients:  s.events.SubscriberCount(),
		Processes:     s.sup.Count(),
		Detection:     s.dispatcher.Status(),
	})
}
