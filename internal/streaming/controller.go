// Package streaming runs the per-camera capture transcoders and the
// HLS plumbing around their output.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
	"github.com/Vigil-NVR/VigilNVR/internal/process"
)

// stallBound is how long the live playlist may go without an update
// before the transcoder is treated as wedged.
const stallBound = 10 * time.Second

// stopTimeout bounds the graceful window when tearing a stream down.
const stopTimeout = 5 * time.Second

// Spec identifies one camera's capture job.
type Spec struct {
	CameraKey string
	Source    string
	Dir       string
}

type stream struct {
	handle    *process.Handle
	playlist  string
	startedAt time.Time
}

// Controller owns one transcoder per streaming camera.
type Controller struct {
	supervisor *process.Supervisor
	ffmpegPath string
	logger     *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

func NewController(supervisor *process.Supervisor, ffmpegPath string, logger *slog.Logger) *Controller {
	return &Controller{
		supervisor: supervisor,
		ffmpegPath: ffmpegPath,
		logger:     logger.With("component", "streaming"),
		streams:    make(map[string]*stream),
	}
}

// Ensure brings the camera's transcoder to a running, verified state.
// Called every control tick; cheap when the stream is already healthy.
// A stalled playlist gets the process killed so the next tick
// respawns it.
func (c *Controller) Ensure(ctx context.Context, spec Spec, verifyTimeout time.Duration) error {
	c.mu.Lock()
	st := c.streams[spec.CameraKey]
	c.mu.Unlock()

	if st != nil && st.handle.Alive() {
		if IsStreamCurrent(st.playlist, stallBound) {
			return nil
		}
		c.logger.Warn("Stream stalled, killing transcoder",
			"camera", spec.CameraKey,
			"playlist", st.playlist)
		st.handle.Kill()
		c.drop(spec.CameraKey, st)
		metrics.StreamRestartsTotal.Inc()
		return fmt.Errorf("%w: %s", ErrStreamStale, spec.CameraKey)
	}
	if st != nil {
		// Process died on its own since the last tick.
		c.drop(spec.CameraKey, st)
		metrics.StreamRestartsTotal.Inc()
	}

	return c.start(ctx, spec, verifyTimeout)
}

func (c *Controller) start(ctx context.Context, spec Spec, verifyTimeout time.Duration) error {
	if spec.Source == "" {
		return fmt.Errorf("camera %s has no stream source", spec.CameraKey)
	}
	if err := os.MkdirAll(spec.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create stream directory: %w", err)
	}

	seed := time.Now().Unix() - EpochOffset
	args := HLSArgs(spec.Source, spec.Dir, seed)

	logger := c.logger.With("camera", spec.CameraKey)
	logger.Info("Starting stream transcoder", "source", SanitizeSourceURL(spec.Source), "seed", seed)

	h, err := c.supervisor.Spawn(process.Spec{
		Kind: process.KindStream,
		Name: "stream:" + spec.CameraKey,
		Path: c.ffmpegPath,
		Args: args,
		StderrLine: func(line string) {
			if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				logger.Warn("Transcoder output", "line", line)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to spawn transcoder: %w", err)
	}

	st := &stream{
		handle:    h,
		playlist:  filepath.Join(spec.Dir, PlaylistName),
		startedAt: time.Now(),
	}
	c.mu.Lock()
	c.streams[spec.CameraKey] = st
	c.mu.Unlock()

	if err := VerifyStream(ctx, h, st.playlist, verifyTimeout); err != nil {
		logger.Error("Stream verification failed", "error", err, "stderr", h.StderrTail())
		h.Kill()
		c.drop(spec.CameraKey, st)
		return fmt.Errorf("stream verification failed for %s: %w", spec.CameraKey, err)
	}

	logger.Info("Stream verified", "playlist", st.playlist)
	return nil
}

// drop removes the tracked stream if it is still the current one.
func (c *Controller) drop(cameraKey string, st *stream) {
	c.mu.Lock()
	if c.streams[cameraKey] == st {
		delete(c.streams, cameraKey)
	}
	c.mu.Unlock()
}

// Alive reports whether the camera's transcoder is running.
func (c *Controller) Alive(cameraKey string) bool {
	c.mu.Lock()
	st := c.streams[cameraKey]
	c.mu.Unlock()
	return st != nil && st.handle.Alive()
}

// Uptime returns how long the camera's stream has been up, zero when
// it is not running.
func (c *Controller) Uptime(cameraKey string) time.Duration {
	c.mu.Lock()
	st := c.streams[cameraKey]
	c.mu.Unlock()
	if st == nil || !st.handle.Alive() {
		return 0
	}
	return time.Since(st.startedAt)
}

// Stop tears down the camera's transcoder, graceful then forced.
func (c *Controller) Stop(cameraKey string) {
	c.mu.Lock()
	st := c.streams[cameraKey]
	delete(c.streams, cameraKey)
	c.mu.Unlock()

	if st == nil {
		return
	}
	if err := st.handle.Stop(stopTimeout); err != nil {
		c.logger.Warn("Failed to stop transcoder", "camera", cameraKey, "error", err)
	}
}

// StopAll tears down every transcoder. Used at shutdown.
func (c *Controller) StopAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.streams))
	for key := range c.streams {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			c.Stop(key)
		}(key)
	}
	wg.Wait()
}

// SanitizeSourceURL strips embedded credentials for logging.
func SanitizeSourceURL(source string) string {
	for _, proto := range []string{"rtsp://", "rtmp://", "http://", "https://"} {
		if strings.HasPrefix(source, proto) {
			rest := strings.TrimPrefix(source, proto)
			if at := strings.Index(rest, "@"); at != -1 && !strings.Contains(rest[:at], "/") {
				return proto + "***:***@" + rest[at+1:]
			}
		}
	}
	return source
}

