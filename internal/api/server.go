package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/detect"
	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/janitor"
	"github.com/Vigil-NVR/VigilNVR/internal/logging"
	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
	"github.com/Vigil-NVR/VigilNVR/internal/motion"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/process"
	"github.com/Vigil-NVR/VigilNVR/internal/settings"
	"github.com/Vigil-NVR/VigilNVR/internal/streaming"
)

// Deps are the control-plane components the HTTP surface exposes.
type Deps struct {
	Cameras    *camera.Registry
	Movements  *movement.Repo
	Settings   *settings.Manager
	Events     *events.Service
	Janitor    *janitor.Janitor
	Dispatcher *detect.Dispatcher
	Streams    *streaming.Controller
	Tracker    *movement.Tracker
	Poller     *motion.Poller
	Supervisor *process.Supervisor
	Ring       *logging.Ring

	FFmpegPath     string
	AllowedOrigins []string
}

// Server handles the NVR's HTTP traffic: control endpoints, the
// movement event stream, and media serving.
type Server struct {
	cameras    *camera.Registry
	movements  *movement.Repo
	settings   *settings.Manager
	events     *events.Service
	janitor    *janitor.Janitor
	dispatcher *detect.Dispatcher
	streams    *streaming.Controller
	tracker    *movement.Tracker
	poller     *motion.Poller
	sup        *process.Supervisor
	ring       *logging.Ring

	ffmpegPath string
	origins    []string
	logger     *slog.Logger
	startedAt  time.Time

	// usage is swappable so tests can fake disk occupancy.
	usage func(path string) (*disk.UsageStat, error)

	hub      *hub
	upgrader websocket.Upgrader
	feedID   string

	// quit releases long-lived SSE handlers so the HTTP listener can
	// drain during shutdown.
	quit      chan struct{}
	closeOnce sync.Once
}

// NewServer wires the HTTP surface and starts the websocket hub.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cameras:    deps.Cameras,
		movements:  deps.Movements,
		settings:   deps.Settings,
		events:     deps.Events,
		janitor:    deps.Janitor,
		dispatcher: deps.Dispatcher,
		streams:    deps.Streams,
		tracker:    deps.Tracker,
		poller:     deps.Poller,
		sup:        deps.Supervisor,
		ring:       deps.Ring,
		ffmpegPath: deps.FFmpegPath,
		origins:    deps.AllowedOrigins,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
		usage:      disk.Usage,
		quit:       make(chan struct{}),
	}
	s.hub = newHub(s.logger)
	s.upgrader = newUpgrader(deps.AllowedOrigins)
	go s.hub.run()

	id, ch := s.events.Subscribe()
	s.feedID = id
	go s.feedHub(ch)

	return s
}

// Close detaches from the event stream and drops SSE and websocket
// clients. The HTTP listener itself is owned by the caller.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.events.Unsubscribe(s.feedID)
		s.hub.stop()
	})
}

// Routes builds the router. Control endpoints carry a request deadline;
// the event stream and media routes are long-lived and manage their own
// lifetimes.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/api/movements", s.handleMovements)
		r.Post("/api/settings", s.handleSettingsUpdate)
		r.Post("/api/camera/new", s.handleCameraCreate)
		r.Post("/api/camera/{key}", s.handleCameraAction)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/diskstatus", s.handleDiskStatus)
		r.Post("/api/diskcleanup", s.handleDiskCleanup)
		r.Get("/api/logs", s.handleLogs)
		r.Get("/api/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Get("/api/movements/stream", s.handleMovementStream)
	r.Get("/api/movements/ws", s.handleMovementSocket)

	r.Get("/video/live/{cameraKey}/{file}", s.handleLiveMedia)
	r.Get("/video/{start}/{seconds}/{cameraKey}/{file}", s.handleClipMedia)
	r.Get("/mp4/{start}/{seconds}/{cameraKey}", s.handleClipExport)
	r.Get("/image/{movementKey}", s.handleMovementImage)
	r.Get("/frame/{movementKey}/{file}", s.handleFrame)

	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.origins) == 0 {
		return []string{"*"}
	}
	return s.origins
}
