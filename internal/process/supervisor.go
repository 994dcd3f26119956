// Package process manages the NVR's child processes: per-camera
// transcoders, per-movement frame extractors, one-shot exports, and the
// detection worker. Every spawned process lives in a registry so
// shutdown can terminate the whole tree.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
)

// Kind labels a child process for logs and metrics.
type Kind string

const (
	KindStream  Kind = "stream"
	KindExtract Kind = "extract"
	KindExport  Kind = "export"
	KindWorker  Kind = "worker"
)

// stderrTailBytes is how much trailing stderr is kept per process for
// error reporting.
const stderrTailBytes = 512

// maxLineBytes bounds a single stdout/stderr line; transcoder progress
// lines can get long.
const maxLineBytes = 256 * 1024

// Spec describes one child process to spawn.
type Spec struct {
	Kind Kind
	// Name identifies the process in the registry, e.g. "stream:C123".
	Name string
	Path string
	Args []string
	Dir  string

	// Per-line sinks. Nil sinks discard the stream. Stderr is always
	// tail-captured for error reporting regardless of the sink.
	StdoutLine func(line string)
	StderrLine func(line string)

	// NeedStdin opens a pipe for WriteLine.
	NeedStdin bool

	// OnExit runs after the process is unregistered.
	OnExit func(code int, signaled bool)
}

// Result is the outcome of a run-to-completion invocation.
type Result struct {
	ExitCode int
	Signaled bool
	Stdout   []byte
	Stderr   []byte
}

// Handle is a live child process.
type Handle struct {
	name   string
	kind   Kind
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	alive    bool
	exitCode int
	signaled bool
	tail     *tailBuffer

	done chan struct{}
}

// Supervisor owns the process registry.
type Supervisor struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*Handle
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger: logger.With("component", "process"),
		procs:  make(map[string]*Handle),
	}
}

// Spawn starts a child process and registers it. The returned handle
// stays valid after exit; Alive reports the current state.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	s.mu.Lock()
	if existing, ok := s.procs[spec.Name]; ok && existing.Alive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("process %q is already running", spec.Name)
	}
	s.mu.Unlock()

	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}

	h := &Handle{
		name:   spec.Name,
		kind:   spec.Kind,
		logger: s.logger.With("name", spec.Name, "kind", spec.Kind),
		cmd:    cmd,
		tail:   newTailBuffer(stderrTailBytes),
		done:   make(chan struct{}),
	}

	var stdin io.WriteCloser
	if spec.NeedStdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		h.stdin = stdin
	}

	var stdout io.ReadCloser
	if spec.StdoutLine != nil {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	h.alive = true
	metrics.ProcessSpawnsTotal.WithLabelValues(string(spec.Kind)).Inc()

	s.mu.Lock()
	s.procs[spec.Name] = h
	s.mu.Unlock()

	h.logger.Info("Process started", "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	if stdout != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			scanLines(stdout, spec.StdoutLine, nil)
		}()
	}
	readers.Add(1)
	go func() {
		defer readers.Done()
		scanLines(stderr, spec.StderrLine, h.tail)
	}()

	go s.await(h, spec, &readers)

	return h, nil
}

// await reaps the process once its pipes drain, classifies the exit,
// and unregisters the handle.
func (s *Supervisor) await(h *Handle, spec Spec, readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	code := 0
	signaled := false
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			signaled = code == -1
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.alive = false
	h.exitCode = code
	h.signaled = signaled
	tail := h.tail.String()
	h.mu.Unlock()

	// 0 is success, 255 is the transcoder's answer to a quit request,
	// signal death means we asked for it.
	graceful := code == 0 || code == 255 || signaled
	if graceful {
		h.logger.Info("Process exited", "code", code, "signaled", signaled)
	} else {
		h.logger.Error("Process exited abnormally", "code", code, "stderr", tail)
	}
	metrics.ProcessExitsTotal.WithLabelValues(string(h.kind), fmt.Sprintf("%t", graceful)).Inc()

	s.mu.Lock()
	if s.procs[h.name] == h {
		delete(s.procs, h.name)
	}
	s.mu.Unlock()

	close(h.done)

	if spec.OnExit != nil {
		spec.OnExit(code, signaled)
	}
}

// Run executes a command to completion with captured output. Meant for
// short-lived work like MP4 exports; ctx bounds the runtime.
func (s *Supervisor) Run(ctx context.Context, kind Kind, path string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	metrics.ProcessSpawnsTotal.WithLabelValues(string(kind)).Inc()
	err := cmd.Run()

	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Signaled = res.ExitCode == -1
		} else {
			return nil, fmt.Errorf("failed to run %s: %w", path, err)
		}
	}

	graceful := res.ExitCode == 0 || res.ExitCode == 255 || res.Signaled
	metrics.ProcessExitsTotal.WithLabelValues(string(kind), fmt.Sprintf("%t", graceful)).Inc()

	return res, nil
}

// Get returns the registered handle for name, or nil.
func (s *Supervisor) Get(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[name]
}

// Count returns the number of live registered processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Shutdown terminates every registered process: interrupt, wait up to
// timeout, then kill. Blocks until all processes are reaped.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	s.logger.Info("Shutting down child processes", "count", len(handles))

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Stop(timeout); err != nil {
				s.logger.Warn("Failed to stop process", "name", h.name, "error", err)
			}
		}(h)
	}
	wg.Wait()
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed after the process has exited and been unregistered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitState returns the exit code and signal flag. ok is false while
// the process is still running.
func (h *Handle) ExitState() (code int, signaled bool, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive {
		return 0, false, false
	}
	return h.exitCode, h.signaled, true
}

// StderrTail returns the captured trailing stderr.
func (h *Handle) StderrTail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tail.String()
}

// WriteLine writes one newline-terminated line to the child's stdin.
func (h *Handle) WriteLine(line string) error {
	h.mu.Lock()
	stdin := h.stdin
	alive := h.alive
	h.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("process %s has no stdin pipe", h.name)
	}
	if !alive {
		return fmt.Errorf("process %s has exited", h.name)
	}
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("failed to write to %s: %w", h.name, err)
	}
	return nil
}

// Stop requests a graceful exit, then force-kills after timeout.
func (h *Handle) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.alive || h.cmd.Process == nil {
		h.mu.Unlock()
		return nil
	}
	proc := h.cmd.Process
	stdin := h.stdin
	h.mu.Unlock()

	// Closing stdin first lets line-protocol children exit on EOF.
	if stdin != nil {
		_ = stdin.Close()
	}

	if err := proc.Signal(os.Interrupt); err != nil {
		h.logger.Warn("Failed to send interrupt signal", "error", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Force killing process")
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill %s: %w", h.name, err)
		}
		<-h.done
		return nil
	}
}

// Kill terminates the process immediately.
func (h *Handle) Kill() {
	h.mu.Lock()
	alive := h.alive
	proc := h.cmd.Process
	h.mu.Unlock()

	if alive && proc != nil {
		_ = proc.Kill()
		<-h.done
	}
}

// scanLines drains a pipe line by line into the sink and optional tail
// capture. Returns when the pipe closes.
func scanLines(r io.Reader, sink func(string), tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if tail != nil {
			tail.Write(scanner.Bytes())
		}
		if sink != nil && line != "" {
			sink(line)
		}
	}
}

// tailBuffer keeps the newest max bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.data = append(b.data, '\n')
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
