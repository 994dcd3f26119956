package streaming

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/process"
)

var (
	// ErrProcessExited means the transcoder died before its output
	// became fresh.
	ErrProcessExited = errors.New("transcoder exited during verification")
	// ErrVerifyTimeout means the output never became fresh in time.
	ErrVerifyTimeout = errors.New("timed out waiting for stream output")
	// ErrStreamStale flags a live transcoder whose playlist stopped
	// updating.
	ErrStreamStale = errors.New("stream playlist is stale")
)

const (
	verifyPollInterval = 250 * time.Millisecond
	freshnessBound     = 5 * time.Second
)

// VerifyStream waits for the transcoder's output file to exist with a
// fresh mtime. Returns nil once the stream is producing, an error when
// the process dies first or the timeout passes.
func VerifyStream(ctx context.Context, h *process.Handle, path string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(verifyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrVerifyTimeout
		case <-ticker.C:
			if !h.Alive() {
				return ErrProcessExited
			}
			if IsStreamCurrent(path, freshnessBound) {
				return nil
			}
		}
	}
}

// IsStreamCurrent reports whether path exists and was modified within
// maxAge. Used both during startup verification and for ongoing stall
// detection.
func IsStreamCurrent(path string, maxAge time.Duration) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) <= maxAge
}
