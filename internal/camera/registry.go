package camera

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

// Registry is the in-memory camera cache over the store. The control
// loop and the API mutate cameras only through it, so readers always
// see a consistent record.
type Registry struct {
	ns     *store.Namespace
	logger *slog.Logger

	mu      sync.RWMutex
	cameras map[string]*Camera
}

func NewRegistry(ns *store.Namespace, logger *slog.Logger) *Registry {
	return &Registry{
		ns:      ns,
		logger:  logger.With("component", "cameras"),
		cameras: make(map[string]*Camera),
	}
}

// Load reads every camera record into the cache. Called once at boot.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cameras = make(map[string]*Camera)
	err := r.ns.Iterate(store.IterOptions{}, func(key string, value []byte) (bool, error) {
		var cam Camera
		if err := json.Unmarshal(value, &cam); err != nil {
			r.logger.Error("Skipping unreadable camera record", "key", key, "error", err)
			return true, nil
		}
		cam.Key = key
		r.cameras[key] = &cam
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to load cameras: %w", err)
	}

	r.logger.Info("Cameras loaded", "count", len(r.cameras))
	return nil
}

// Create allocates a key, fills defaults, makes the segment folder,
// and persists the record.
func (r *Registry) Create(cam Camera) (*Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cam.Key = NewKey(time.Now(), func(key string) bool {
		_, exists := r.cameras[key]
		return exists
	})
	cam.Delete = false
	cam.StateLastProcessedMovementKey = ""
	cam.ApplyDefaults()

	if err := os.MkdirAll(cam.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create camera folder: %w", err)
	}
	if err := r.put(&cam); err != nil {
		return nil, err
	}

	r.cameras[cam.Key] = &cam
	r.logger.Info("Camera created", "key", cam.Key, "name", cam.Name, "folder", cam.Folder)
	return &cam, nil
}

// Update overwrites client-editable fields. Server-owned state fields
// from the stored record are preserved.
func (r *Registry) Update(key string, incoming Camera) (*Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.cameras[key]
	if !ok {
		return nil, store.ErrNotFound
	}

	incoming.Key = key
	incoming.Delete = current.Delete
	incoming.StateLastProcessedMovementKey = current.StateLastProcessedMovementKey
	incoming.ApplyDefaults()

	if err := r.put(&incoming); err != nil {
		return nil, err
	}
	r.cameras[key] = &incoming
	return &incoming, nil
}

// Tombstone marks the camera deleted. The record stays so historical
// movements keep resolving.
func (r *Registry) Tombstone(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cam, ok := r.cameras[key]
	if !ok {
		return store.ErrNotFound
	}
	clone := *cam
	clone.Delete = true
	clone.EnableStreaming = false
	clone.EnableMovement = false

	if err := r.put(&clone); err != nil {
		return err
	}
	r.cameras[key] = &clone
	r.logger.Info("Camera tombstoned", "key", key)
	return nil
}

// SetLastProcessed records the newest movement key the detection
// pipeline finished for this camera.
func (r *Registry) SetLastProcessed(key, movementKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cam, ok := r.cameras[key]
	if !ok {
		return store.ErrNotFound
	}
	clone := *cam
	clone.StateLastProcessedMovementKey = movementKey

	if err := r.put(&clone); err != nil {
		return err
	}
	r.cameras[key] = &clone
	return nil
}

// Get returns a copy of the camera record.
func (r *Registry) Get(key string) (*Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cam, ok := r.cameras[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *cam
	return &clone, nil
}

// List returns copies of all cameras sorted by key, tombstoned ones
// included when withDeleted is set.
func (r *Registry) List(withDeleted bool) []*Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Camera, 0, len(r.cameras))
	for _, cam := range r.cameras {
		if cam.Delete && !withDeleted {
			continue
		}
		clone := *cam
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Active returns the non-tombstoned cameras the control loop walks.
func (r *Registry) Active() []*Camera {
	return r.List(false)
}

// WatchSet maps camera key to segment folder for non-tombstoned,
// streaming-enabled cameras. The janitor scans exactly this set.
func (r *Registry) WatchSet() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for key, cam := range r.cameras {
		if cam.Delete || !cam.EnableStreaming {
			continue
		}
		out[key] = cam.Folder
	}
	return out
}

// ActiveKeys returns the keys of non-tombstoned cameras as a set.
func (r *Registry) ActiveKeys() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.cameras))
	for key, cam := range r.cameras {
		if !cam.Delete {
			out[key] = true
		}
	}
	return out
}

func (r *Registry) put(cam *Camera) error {
	data, err := json.Marshal(cam)
	if err != nil {
		return fmt.Errorf("failed to marshal camera %s: %w", cam.Key, err)
	}
	if err := r.ns.Put(cam.Key, data); err != nil {
		return fmt.Errorf("failed to persist camera %s: %w", cam.Key, err)
	}
	return nil
}
