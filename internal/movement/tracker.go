package movement

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

// Enqueuer receives closed movements for detection processing.
type Enqueuer interface {
	Enqueue(movementKey string)
}

// Tracker runs the per-camera movement state machine. The control
// loop is its only caller, so per-camera observations never
// interleave.
type Tracker struct {
	repo    *Repo
	events  *events.Service
	enqueue Enqueuer
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]string // camera key -> open movement key
}

func NewTracker(repo *Repo, ev *events.Service, enqueue Enqueuer, logger *slog.Logger) *Tracker {
	return &Tracker{
		repo:    repo,
		events:  ev,
		enqueue: enqueue,
		logger:  logger.With("component", "tracker"),
		active:  make(map[string]string),
	}
}

// ActiveMovement returns the camera's open movement key, if any.
func (t *Tracker) ActiveMovement(cameraKey string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.active[cameraKey]
	return key, ok
}

// Drop forgets the camera's open movement without closing it. Used
// when a camera is deleted or reset.
func (t *Tracker) Drop(cameraKey string) {
	t.mu.Lock()
	delete(t.active, cameraKey)
	t.mu.Unlock()
}

// Observe feeds one poll outcome into the state machine. observedSeq
// is the newest live playlist sequence, negative when unreadable.
// nowMS is the poll timestamp.
func (t *Tracker) Observe(cam *camera.Camera, motion bool, observedSeq int64, nowMS int64) error {
	t.mu.Lock()
	current := t.active[cam.Key]
	t.mu.Unlock()

	if current == "" {
		if !motion {
			return nil
		}
		return t.open(cam, observedSeq, nowMS)
	}
	return t.advance(cam, current, motion, observedSeq, nowMS)
}

func (t *Tracker) open(cam *camera.Camera, observedSeq, nowMS int64) error {
	// Two cameras can trip in the same millisecond; bump until the
	// key is free so start_date_ms keeps matching the key.
	for t.repo.Exists(FormatKey(nowMS)) {
		nowMS++
	}

	var startSegment *int64
	if observedSeq >= 0 {
		seq := observedSeq
		startSegment = &seq
	}

	m := New(cam.Key, nowMS, startSegment)
	data, err := t.repo.Put(m)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.active[cam.Key] = m.Key
	t.mu.Unlock()

	metrics.MovementsOpened.Inc()
	t.logger.Info("Movement opened",
		"camera", cam.Key,
		"movement", m.Key,
		"start_segment", observedSeq)
	t.events.PublishNew(cam.Key, m.Key, data)
	return nil
}

func (t *Tracker) advance(cam *camera.Camera, key string, motion bool, observedSeq, nowMS int64) error {
	m, err := t.repo.Get(key)
	if err != nil {
		// The record can vanish under us if the janitor ran a full
		// reset; forget it and start clean.
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("Open movement disappeared", "camera", cam.Key, "movement", key)
			t.Drop(cam.Key)
			return nil
		}
		return err
	}

	m.PollCount++
	if motion {
		m.ConsecutivePollsWithoutMovement = 0
		if observedSeq >= 0 {
			m.UpdateSeconds(observedSeq)
		}
	} else {
		m.ConsecutivePollsWithoutMovement++
	}

	quiet := m.ConsecutivePollsWithoutMovement >= cam.PollsWithoutMovement
	tooLong := m.Seconds >= int64(cam.SecMaxSingleMovement)
	if quiet || tooLong {
		return t.close(cam, m, observedSeq, nowMS, quiet)
	}

	data, err := t.repo.Put(m)
	if err != nil {
		return err
	}
	// Every poll while open is announced, so clients watching an event
	// see its poll counters move even during quiet stretches.
	t.events.PublishUpdate(cam.Key, m.Key, data)
	return nil
}

// close finalizes the movement in a single write, announces it, and
// hands it to the detection queue.
func (t *Tracker) close(cam *camera.Camera, m *Movement, observedSeq, nowMS int64, quiet bool) error {
	if observedSeq >= 0 {
		seq := observedSeq
		m.EndSegment = &seq
		m.UpdateSeconds(seq)
	}
	m.DetectionEndedAt = nowMS

	data, err := t.repo.Put(m)
	if err != nil {
		return err
	}

	t.Drop(cam.Key)

	reason := "quiet"
	if !quiet {
		reason = "max_duration"
	}
	metrics.MovementsClosed.WithLabelValues(reason).Inc()
	t.logger.Info("Movement closed",
		"camera", cam.Key,
		"movement", m.Key,
		"seconds", m.Seconds,
		"polls", m.PollCount,
		"reason", reason)

	// The closing poll still announces the final counters before the
	// completion event, matching every other poll while open.
	t.events.PublishUpdate(cam.Key, m.Key, data)
	t.events.PublishComplete(cam.Key, m.Key, data)
	if t.enqueue != nil {
		t.enqueue.Enqueue(m.Key)
	}
	return nil
}
