// Package main is the NVR daemon: HLS capture, motion tracking, object
// detection, disk retention, and the HTTP surface in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/api"
	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/config"
	"github.com/Vigil-NVR/VigilNVR/internal/control"
	"github.com/Vigil-NVR/VigilNVR/internal/core"
	"github.com/Vigil-NVR/VigilNVR/internal/detect"
	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/janitor"
	"github.com/Vigil-NVR/VigilNVR/internal/logging"
	"github.com/Vigil-NVR/VigilNVR/internal/motion"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/process"
	"github.com/Vigil-NVR/VigilNVR/internal/settings"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
	"github.com/Vigil-NVR/VigilNVR/internal/streaming"
)

// logRingSize bounds the in-memory log tail served by /api/logs.
const logRingSize = 1000

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("Failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.LogLevel())
	ring := logging.NewRing(logRingSize)
	handler := logging.NewHandler(ring, slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("Starting NVR", "addr", cfg.Addr(), "store", cfg.Store.Path)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	bus, err := core.NewEventBus(logger)
	if err != nil {
		logger.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}

	eventService := events.NewService(bus, logger)
	if err := eventService.Start(); err != nil {
		logger.Error("Failed to start event service", "error", err)
		os.Exit(1)
	}

	settingsMgr := settings.NewManager(st.Settings(), logger)
	if err := settingsMgr.Load(); err != nil {
		logger.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	registry := camera.NewRegistry(st.Cameras(), logger)
	if err := registry.Load(); err != nil {
		logger.Error("Failed to load cameras", "error", err)
		os.Exit(1)
	}

	movements := movement.NewRepo(st.Movements())
	sup := process.NewSupervisor(logger)

	ffmpegPath := cfg.Transcoder.FFmpegPath
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		logger.Warn("Transcoder binary not found, capture and export will fail until it appears",
			"path", ffmpegPath)
	}

	streams := streaming.NewController(sup, ffmpegPath, logger)
	poller := motion.NewPoller(logger)
	jan := janitor.New(movements, st.DiskStatus(), logger)

	dispatcher := detect.NewDispatcher(sup, movements, registry, eventService, settingsMgr.Get, ffmpegPath,
		detect.Command{Path: cfg.Detector.Command, Args: cfg.Detector.Args}, logger)
	tracker := movement.NewTracker(movements, eventService, dispatcher, logger)

	dispatcher.Start()
	if err := dispatcher.Recover(); err != nil {
		logger.Error("Failed to recover unfinished movements", "error", err)
	}

	apiServer := api.NewServer(api.Deps{
		Cameras:        registry,
		Movements:      movements,
		Settings:       settingsMgr,
		Events:         eventService,
		Janitor:        jan,
		Dispatcher:     dispatcher,
		Streams:        streams,
		Tracker:        tracker,
		Poller:         poller,
		Supervisor:     sup,
		Ring:           ring,
		FFmpegPath:     ffmpegPath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	// No WriteTimeout: the event stream and media downloads are
	// long-lived. Control endpoints carry their own deadline in the
	// router.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	loop := control.New(control.Deps{
		Cameras:    registry,
		Settings:   settingsMgr,
		Streams:    streams,
		Poller:     poller,
		Tracker:    tracker,
		Janitor:    jan,
		Dispatcher: dispatcher,
	}, logger)
	loop.Start()

	cfg.OnChange(func(c *config.Config) {
		levelVar.Set(c.LogLevel())
	})
	if *configPath != "" {
		if err := cfg.Watch(); err != nil {
			logger.Warn("Config watch unavailable", "error", err)
		}
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	// Event clients are dropped first so the listener can drain, then
	// the control plane winds down, children are reaped, and the store
	// closes last.
	apiServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	cancel()

	loop.Stop()

	shutdownTimeout := time.Duration(settingsMgr.Get().ShutdownTimeoutMS) * time.Millisecond
	sup.Shutdown(shutdownTimeout)

	eventService.Stop()
	bus.Stop()

	if err := st.Close(); err != nil {
		logger.Error("Store close failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
