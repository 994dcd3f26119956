// Package detect runs the object-detection pipeline: a long-lived
// worker child speaking a line protocol, per-movement frame extractors,
// and the dispatcher that owns the queue between them.
package detect

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/process"
)

// workerName is the worker's registry name in the process supervisor.
const workerName = "detect:worker"

// Detection is one object the worker found in a frame.
type Detection struct {
	Object      string  `json:"object"`
	Probability float64 `json:"probability"`
}

// Response is the worker's JSON result line for one frame.
type Response struct {
	Image      string      `json:"image"`
	Detections []Detection `json:"detections"`
}

// workerSinks receive the worker's protocol events. All callbacks run
// on the supervisor's reader goroutines.
type workerSinks struct {
	OnReady    func()
	OnResponse func(Response)
	OnExit     func(code int, signaled bool)
}

// Worker wraps the detection child process. The protocol: the child
// prints READY once, then for each image path written to its stdin it
// echoes IMAGE:<path> and emits exactly one JSON result line.
type Worker struct {
	handle *process.Handle
	logger *slog.Logger
	sinks  workerSinks
}

// startWorker spawns the detection child and wires its stdout into the
// sinks.
func startWorker(sup *process.Supervisor, command string, args []string, logger *slog.Logger, sinks workerSinks) (*Worker, error) {
	w := &Worker{
		logger: logger.With("component", "detect.worker"),
		sinks:  sinks,
	}

	h, err := sup.Spawn(process.Spec{
		Kind:       process.KindWorker,
		Name:       workerName,
		Path:       command,
		Args:       args,
		NeedStdin:  true,
		StdoutLine: w.consumeLine,
		StderrLine: func(line string) {
			w.logger.Debug("Worker stderr", "line", line)
		},
		OnExit: sinks.OnExit,
	})
	if err != nil {
		return nil, err
	}
	w.handle = h
	return w, nil
}

// consumeLine demultiplexes one stdout line: READY, the IMAGE: echo,
// or a JSON result.
func (w *Worker) consumeLine(line string) {
	switch {
	case line == "READY":
		// Runs on the supervisor's reader goroutine, possibly before
		// startWorker has stored the handle.
		w.logger.Info("Worker ready")
		w.sinks.OnReady()
	case strings.HasPrefix(line, "IMAGE:"):
		w.logger.Debug("Worker accepted frame", "path", strings.TrimPrefix(line, "IMAGE:"))
	case strings.HasPrefix(line, "{"):
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			w.logger.Warn("Failed to decode worker response", "line", line, "error", err)
			return
		}
		w.sinks.OnResponse(resp)
	default:
		w.logger.Debug("Worker stdout", "line", line)
	}
}

// SendFrame writes one image path to the worker's stdin.
func (w *Worker) SendFrame(path string) error {
	return w.handle.WriteLine(path)
}

// Alive reports whether the child is still running.
func (w *Worker) Alive() bool {
	return w.handle.Alive()
}

// StderrTail returns the child's trailing stderr for error reports.
func (w *Worker) StderrTail() string {
	return w.handle.StderrTail()
}

// Stop asks the child to exit, killing it after timeout.
func (w *Worker) Stop(timeout time.Duration) error {
	return w.handle.Stop(timeout)
}
