package camera

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

func setupRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := NewRegistry(st.Cameras(), slog.Default())
	if err := r.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r, st
}

func TestCreateCamera(t *testing.T) {
	r, _ := setupRegistry(t)
	disk := t.TempDir()

	cam, err := r.Create(Camera{Name: "porch", Folder: "porch", Disk: disk, EnableStreaming: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if cam.Key == "" || cam.Key[0] != 'C' {
		t.Errorf("Bad key format: %q", cam.Key)
	}
	if _, err := os.Stat(cam.Dir()); err != nil {
		t.Errorf("Camera folder not created: %v", err)
	}
	if cam.PollFrequencyMS < 1000 {
		t.Error("Defaults not applied")
	}

	got, err := r.Get(cam.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "porch" {
		t.Errorf("Expected porch, got %s", got.Name)
	}
}

func TestCreateBumpsCollidingKeys(t *testing.T) {
	r, _ := setupRegistry(t)
	disk := t.TempDir()

	first, err := r.Create(Camera{Name: "a", Folder: "a", Disk: disk})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := r.Create(Camera{Name: "b", Folder: "b", Disk: disk})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if first.Key == second.Key {
		t.Errorf("Duplicate camera keys: %s", first.Key)
	}
}

func TestUpdatePreservesServerFields(t *testing.T) {
	r, _ := setupRegistry(t)
	cam, err := r.Create(Camera{Name: "porch", Folder: "porch", Disk: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.SetLastProcessed(cam.Key, "000001700000"); err != nil {
		t.Fatalf("SetLastProcessed failed: %v", err)
	}

	// A client trying to smuggle state fields through an update.
	updated, err := r.Update(cam.Key, Camera{
		Name:                          "porch-renamed",
		Folder:                        "porch",
		Disk:                          cam.Disk,
		StateLastProcessedMovementKey: "999999999999",
		Delete:                        true,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.Name != "porch-renamed" {
		t.Errorf("Editable field not updated: %s", updated.Name)
	}
	if updated.StateLastProcessedMovementKey != "000001700000" {
		t.Errorf("Server-owned field overwritten: %s", updated.StateLastProcessedMovementKey)
	}
	if updated.Delete {
		t.Error("Client set the tombstone through an update")
	}
}

func TestUpdateMissingCamera(t *testing.T) {
	r, _ := setupRegistry(t)
	if _, err := r.Update("C404", Camera{Name: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTombstone(t *testing.T) {
	r, _ := setupRegistry(t)
	cam, err := r.Create(Camera{Name: "porch", Folder: "porch", Disk: t.TempDir(), EnableStreaming: true, EnableMovement: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := r.Tombstone(cam.Key); err != nil {
		t.Fatalf("Tombstone failed: %v", err)
	}

	got, err := r.Get(cam.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Delete || got.EnableStreaming || got.EnableMovement {
		t.Error("Tombstone did not disable the camera")
	}

	if len(r.Active()) != 0 {
		t.Error("Tombstoned camera still listed as active")
	}
	if len(r.List(true)) != 1 {
		t.Error("Tombstoned camera missing from full list")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	r, st := setupRegistry(t)
	cam, err := r.Create(Camera{Name: "porch", Folder: "porch", Disk: t.TempDir()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh := NewRegistry(st.Cameras(), slog.Default())
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := fresh.Get(cam.Key)
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.Name != "porch" {
		t.Errorf("Expected porch after reload, got %s", got.Name)
	}
}

func TestWatchSetFiltersDisabled(t *testing.T) {
	r, _ := setupRegistry(t)
	disk := t.TempDir()

	cam, err := r.Create(Camera{Name: "a", Folder: "a", Disk: disk, EnableStreaming: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Create(Camera{Name: "b", Folder: "b", Disk: disk}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	watch := r.WatchSet()
	if len(watch) != 1 || watch[cam.Key] != "a" {
		t.Errorf("Expected {%s: a}, got %v", cam.Key, watch)
	}
}
