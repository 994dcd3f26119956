package streaming

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/process"
)

// fakeTranscoder writes a script that takes the real transcoder argv,
// keeps the playlist (last argument) fresh, and exits on interrupt.
func fakeTranscoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := `#!/bin/sh
for a; do playlist=$a; done
trap 'exit 0' INT TERM
while :; do
  echo "#EXTM3U" > "$playlist"
  sleep 0.2 >/dev/null 2>&1
done
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake transcoder: %v", err)
	}
	return path
}

// brokenTranscoder exits immediately with an error.
func brokenTranscoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broken-ffmpeg")
	script := "#!/bin/sh\necho 'Connection refused' >&2\nexit 1\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write broken transcoder: %v", err)
	}
	return path
}

func setupController(t *testing.T, ffmpegPath string) *Controller {
	t.Helper()
	s := process.NewSupervisor(slog.Default())
	t.Cleanup(func() { s.Shutdown(2 * time.Second) })
	return NewController(s, ffmpegPath, slog.Default())
}

func TestEnsureStartsAndVerifies(t *testing.T) {
	c := setupController(t, fakeTranscoder(t))
	dir := t.TempDir()

	spec := Spec{CameraKey: "C1", Source: "rtsp://10.0.0.5/stream", Dir: dir}
	if err := c.Ensure(context.Background(), spec, 5*time.Second); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	if !c.Alive("C1") {
		t.Error("Expected stream to be alive")
	}
	if c.Uptime("C1") <= 0 {
		t.Error("Expected positive uptime")
	}
	if _, err := os.Stat(filepath.Join(dir, PlaylistName)); err != nil {
		t.Errorf("Playlist not written: %v", err)
	}

	// Second tick with a healthy stream is a no-op.
	if err := c.Ensure(context.Background(), spec, 5*time.Second); err != nil {
		t.Errorf("Ensure on healthy stream failed: %v", err)
	}

	c.Stop("C1")
	if c.Alive("C1") {
		t.Error("Expected stream to be stopped")
	}
}

func TestEnsureFailsWhenTranscoderDies(t *testing.T) {
	c := setupController(t, brokenTranscoder(t))

	spec := Spec{CameraKey: "C2", Source: "rtsp://10.0.0.9/stream", Dir: t.TempDir()}
	err := c.Ensure(context.Background(), spec, 5*time.Second)
	if err == nil {
		t.Fatal("Expected verification failure")
	}
	if c.Alive("C2") {
		t.Error("Dead stream still tracked as alive")
	}
}

func TestEnsureRejectsEmptySource(t *testing.T) {
	c := setupController(t, "/bin/true")

	err := c.Ensure(context.Background(), Spec{CameraKey: "C3", Dir: t.TempDir()}, time.Second)
	if err == nil {
		t.Fatal("Expected error for empty source")
	}
}

func TestStopAll(t *testing.T) {
	c := setupController(t, fakeTranscoder(t))

	for _, key := range []string{"C4", "C5"} {
		spec := Spec{CameraKey: key, Source: "rtsp://10.0.0.5/stream", Dir: t.TempDir()}
		if err := c.Ensure(context.Background(), spec, 5*time.Second); err != nil {
			t.Fatalf("Ensure %s failed: %v", key, err)
		}
	}

	c.StopAll()

	if c.Alive("C4") || c.Alive("C5") {
		t.Error("Expected all streams stopped")
	}
}
