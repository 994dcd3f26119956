// Package control drives the NVR's periodic work: one ticker walks the
// cameras to supervise streams, poll motion, and feed the movement
// tracker, schedules disk cleanup, and heartbeats the detection
// pipeline.
package control

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/detect"
	"github.com/Vigil-NVR/VigilNVR/internal/janitor"
	"github.com/Vigil-NVR/VigilNVR/internal/motion"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/settings"
	"github.com/Vigil-NVR/VigilNVR/internal/streaming"
)

const tickInterval = time.Second

// Deps collects the components the loop drives each tick.
type Deps struct {
	Cameras    *camera.Registry
	Settings   *settings.Manager
	Streams    *streaming.Controller
	Poller     *motion.Poller
	Tracker    *movement.Tracker
	Janitor    *janitor.Janitor
	Dispatcher *detect.Dispatcher
}

// Loop owns the tick schedule. Per-camera work runs in short-lived
// goroutines guarded by a busy flag, so a camera blocked on a slow
// poll or stream verification never stalls the others or the ticker.
type Loop struct {
	cameras    *camera.Registry
	settings   *settings.Manager
	streams    *streaming.Controller
	poller     *motion.Poller
	tracker    *movement.Tracker
	janitor    *janitor.Janitor
	dispatcher *detect.Dispatcher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	busy         map[string]bool
	cleanRunning bool
	lastCleanup  time.Time

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
	stopCh       chan struct{}
	doneCh       chan struct{}

	now func() time.Time
}

func New(deps Deps, logger *slog.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cameras:    deps.Cameras,
		settings:   deps.Settings,
		streams:    deps.Streams,
		poller:     deps.Poller,
		tracker:    deps.Tracker,
		janitor:    deps.Janitor,
		dispatcher: deps.Dispatcher,
		logger:     logger.With("component", "control"),
		ctx:        ctx,
		cancel:     cancel,
		busy:       make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the ticker goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop halts the ticker, waits for in-flight camera work, then tears
// down streams and the detection pipeline. The caller closes the
// store afterwards.
func (l *Loop) Stop() {
	l.shuttingDown.Store(true)
	close(l.stopCh)
	<-l.doneCh

	l.cancel()
	l.wg.Wait()

	l.streams.StopAll()
	l.dispatcher.Stop()
	l.logger.Info("Control loop stopped")
}

func (l *Loop) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick(l.now())
		}
	}
}

// tick fans the due work out. Never blocks on a camera.
func (l *Loop) tick(now time.Time) {
	if l.shuttingDown.Load() {
		return
	}

	for _, cam := range l.cameras.Active() {
		if !l.acquire(cam.Key) {
			continue
		}
		l.wg.Add(1)
		go func(cam *camera.Camera) {
			defer l.wg.Done()
			defer l.release(cam.Key)
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Camera service panic", "camera", cam.Key, "panic", r)
				}
			}()
			l.serviceCamera(cam, now)
		}(cam)
	}

	l.maybeCleanup(now)
	l.dispatcher.Tick(now)
}

func (l *Loop) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[key] {
		return false
	}
	l.busy[key] = true
	return true
}

func (l *Loop) release(key string) {
	l.mu.Lock()
	delete(l.busy, key)
	l.mu.Unlock()
}

// serviceCamera runs one camera's slice of the tick: transcoder
// supervision first, then a motion poll when due.
func (l *Loop) serviceCamera(cam *camera.Camera, now time.Time) {
	nowMS := now.UnixMilli()
	streamAlive := l.ensureStream(cam, nowMS)
	l.pollMotion(cam, streamAlive, nowMS)
}

// ensureStream reconciles the camera's transcoder with its config and
// reports whether a verified stream is up. Start failures trip the
// camera's breaker so a dead source is retried with backoff instead of
// every second.
func (l *Loop) ensureStream(cam *camera.Camera, nowMS int64) bool {
	if !cam.EnableStreaming {
		if l.streams.Alive(cam.Key) {
			l.streams.Stop(cam.Key)
		}
		return false
	}
	source := cam.SourceURL()
	if source == "" {
		return false
	}

	if !l.streams.Alive(cam.Key) && !l.poller.Allowed(cam.Key, nowMS) {
		return false
	}

	verifyTimeout := time.Duration(l.settings.Get().StreamVerifyTimeoutMS) * time.Millisecond
	spec := streaming.Spec{CameraKey: cam.Key, Source: source, Dir: cam.Dir()}
	if err := l.streams.Ensure(l.ctx, spec, verifyTimeout); err != nil {
		l.poller.MarkFailed(cam.Key, nowMS)
		l.logger.Error("Stream supervision failed",
			"camera", cam.Key,
			"source", streaming.SanitizeSourceURL(source),
			"error", err)
		return false
	}
	return true
}

// pollMotion issues one motion check when the camera is due and feeds
// the outcome to the tracker.
func (l *Loop) pollMotion(cam *camera.Camera, streamAlive bool, nowMS int64) {
	if !cam.Pollable() {
		return
	}
	if cam.EnableStreaming {
		// Movements are cut against live segments; without a stream
		// there is nothing to record, and a fresh stream gets a grace
		// period for the playlist to settle.
		if !streamAlive {
			return
		}
		if l.streams.Uptime(cam.Key) < time.Duration(cam.SecMovementStartupDelay)*time.Second {
			return
		}
	}
	if !l.poller.TryBegin(cam.Key, cam.PollFrequencyMS, nowMS) {
		return
	}

	motion, err := l.poller.Check(l.ctx, cam)
	l.poller.Finish(cam.Key, err == nil, nowMS)
	if err != nil {
		l.logger.Warn("Motion poll failed", "camera", cam.Key, "error", err)
		return
	}

	observedSeq := int64(-1)
	if seq, err := streaming.CurrentSequence(cam.PlaylistPath()); err == nil {
		observedSeq = seq
	}

	if err := l.tracker.Observe(cam, motion, observedSeq, nowMS); err != nil {
		l.logger.Error("Movement tracking failed", "camera", cam.Key, "error", err)
	}
}

// maybeCleanup kicks a janitor run when the interval has elapsed.
// Capacity 0 or a non-positive interval disables scheduled cleanup.
func (l *Loop) maybeCleanup(now time.Time) {
	cfg := l.settings.Get()
	if cfg.DiskCleanupCapacityPct <= 0 || cfg.DiskCleanupIntervalMin <= 0 {
		return
	}

	l.mu.Lock()
	due := !l.cleanRunning &&
		now.Sub(l.lastCleanup) >= time.Duration(cfg.DiskCleanupIntervalMin)*time.Minute
	if due {
		l.cleanRunning = true
		l.lastCleanup = now
	}
	l.mu.Unlock()
	if !due {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			l.cleanRunning = false
			l.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("Disk cleanup panic", "panic", r)
			}
		}()

		_, err := l.janitor.Run(l.ctx, janitor.Request{
			BaseDir:   cfg.DiskBaseDir,
			Folders:   l.cameras.WatchSet(),
			FramesDir: cfg.DetectionFramesPath,
			TargetPct: cfg.DiskCleanupCapacityPct,
		})
		if err != nil {
			l.logger.Error("Scheduled disk cleanup failed", "error", err)
		}
	}()
}
