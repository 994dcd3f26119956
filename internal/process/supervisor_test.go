package process

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor(slog.Default())
	t.Cleanup(func() { s.Shutdown(2 * time.Second) })
	return s
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for process exit")
	}
}

func TestSpawnCollectsOutput(t *testing.T) {
	s := setupSupervisor(t)

	var mu sync.Mutex
	var stdout []string
	h, err := s.Spawn(Spec{
		Kind: KindExport,
		Name: "echo-test",
		Path: "/bin/sh",
		Args: []string{"-c", "echo hello; echo world; echo oops >&2"},
		StdoutLine: func(line string) {
			mu.Lock()
			stdout = append(stdout, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	waitDone(t, h)

	code, signaled, ok := h.ExitState()
	if !ok {
		t.Fatal("Expected exit state after Done")
	}
	if code != 0 || signaled {
		t.Errorf("Expected clean exit, got code=%d signaled=%t", code, signaled)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stdout) != 2 || stdout[0] != "hello" || stdout[1] != "world" {
		t.Errorf("Unexpected stdout lines: %v", stdout)
	}
	if !strings.Contains(h.StderrTail(), "oops") {
		t.Errorf("Expected stderr tail to contain oops, got %q", h.StderrTail())
	}
}

func TestExitUnregisters(t *testing.T) {
	s := setupSupervisor(t)

	h, err := s.Spawn(Spec{Kind: KindExport, Name: "true-test", Path: "/bin/sh", Args: []string{"-c", "true"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, h)

	if got := s.Get("true-test"); got != nil {
		t.Error("Expected handle to be unregistered after exit")
	}
	if s.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", s.Count())
	}
}

func TestSpawnDuplicateName(t *testing.T) {
	s := setupSupervisor(t)

	h, err := s.Spawn(Spec{Kind: KindStream, Name: "dup", Path: "/bin/sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if _, err := s.Spawn(Spec{Kind: KindStream, Name: "dup", Path: "/bin/sleep", Args: []string{"30"}}); err == nil {
		t.Error("Expected duplicate name to be rejected")
	}

	if err := h.Stop(time.Second); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestWriteLine(t *testing.T) {
	s := setupSupervisor(t)

	lines := make(chan string, 10)
	h, err := s.Spawn(Spec{
		Kind:       KindWorker,
		Name:       "echo-worker",
		Path:       "/bin/sh",
		Args:       []string{"-c", `while read l; do echo "GOT:$l"; done`},
		NeedStdin:  true,
		StdoutLine: func(line string) { lines <- line },
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := h.WriteLine("frame1.jpg"); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}

	select {
	case line := <-lines:
		if line != "GOT:frame1.jpg" {
			t.Errorf("Unexpected echo: %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for echo")
	}

	// Stop closes stdin; the read loop exits cleanly on EOF.
	if err := h.Stop(2 * time.Second); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if h.Alive() {
		t.Error("Expected process to be dead after Stop")
	}
}

func TestStopInterruptsSleeper(t *testing.T) {
	s := setupSupervisor(t)

	h, err := s.Spawn(Spec{Kind: KindStream, Name: "sleeper", Path: "/bin/sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	start := time.Now()
	if err := h.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop took too long: %v", elapsed)
	}

	_, signaled, ok := h.ExitState()
	if !ok || !signaled {
		t.Error("Expected signal death from interrupt")
	}
}

func TestStopForceKillsStubborn(t *testing.T) {
	s := setupSupervisor(t)

	// Children get their own /dev/null output so a straggler cannot
	// hold our stderr pipe open past the kill.
	h, err := s.Spawn(Spec{
		Kind: KindWorker,
		Name: "stubborn",
		Path: "/bin/sh",
		Args: []string{"-c", `trap "" INT; while :; do sleep 0.1 >/dev/null 2>&1; done`},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	if err := h.Stop(500 * time.Millisecond); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.Alive() {
		t.Error("Expected process to be dead after force kill")
	}
}

func TestOnExitCallback(t *testing.T) {
	s := setupSupervisor(t)

	exits := make(chan int, 1)
	h, err := s.Spawn(Spec{
		Kind:   KindExtract,
		Name:   "failing",
		Path:   "/bin/sh",
		Args:   []string{"-c", "exit 7"},
		OnExit: func(code int, signaled bool) { exits <- code },
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, h)

	select {
	case code := <-exits:
		if code != 7 {
			t.Errorf("Expected exit code 7, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit never fired")
	}
}

func TestStderrTailBounded(t *testing.T) {
	s := setupSupervisor(t)

	h, err := s.Spawn(Spec{
		Kind: KindExtract,
		Name: "chatty",
		Path: "/bin/sh",
		Args: []string{"-c", `i=0; while [ $i -lt 100 ]; do echo "stderr line $i padding padding padding" >&2; i=$((i+1)); done`},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, h)

	tail := h.StderrTail()
	if len(tail) > stderrTailBytes {
		t.Errorf("Tail exceeds bound: %d bytes", len(tail))
	}
	if !strings.Contains(tail, "line 99") {
		t.Errorf("Tail missing newest output: %q", tail)
	}
}

func TestRunCapturesResult(t *testing.T) {
	s := setupSupervisor(t)

	res, err := s.Run(context.Background(), KindExport, "/bin/sh", "-c", "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("Unexpected stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("Unexpected stderr: %q", res.Stderr)
	}
}

func TestRunHonorsContext(t *testing.T) {
	s := setupSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := s.Run(ctx, KindExport, "/bin/sleep", "30")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Signaled {
		t.Error("Expected signaled exit after context deadline")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run outlived its context: %v", elapsed)
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	s := NewSupervisor(slog.Default())

	for _, name := range []string{"a", "b", "c"} {
		if _, err := s.Spawn(Spec{Kind: KindStream, Name: name, Path: "/bin/sleep", Args: []string{"30"}}); err != nil {
			t.Fatalf("Spawn %s failed: %v", name, err)
		}
	}
	if s.Count() != 3 {
		t.Fatalf("Expected 3 processes, got %d", s.Count())
	}

	s.Shutdown(2 * time.Second)

	if s.Count() != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", s.Count())
	}
}
