package movement

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/core"
	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

type captureQueue struct {
	mu   sync.Mutex
	keys []string
}

func (q *captureQueue) Enqueue(key string) {
	q.mu.Lock()
	q.keys = append(q.keys, key)
	q.mu.Unlock()
}

func (q *captureQueue) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.keys...)
}

type trackerFixture struct {
	tracker *Tracker
	repo    *Repo
	queue   *captureQueue
	events  chan *events.Event
}

func setupTracker(t *testing.T) *trackerFixture {
	t.Helper()

	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus, err := core.NewEventBus(slog.Default())
	if err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	t.Cleanup(bus.Stop)

	ev := events.NewService(bus, slog.Default())
	if err := ev.Start(); err != nil {
		t.Fatalf("Failed to start event service: %v", err)
	}
	t.Cleanup(ev.Stop)
	_, ch := ev.Subscribe()

	repo := NewRepo(st.Movements())
	queue := &captureQueue{}
	return &trackerFixture{
		tracker: NewTracker(repo, ev, queue, slog.Default()),
		repo:    repo,
		queue:   queue,
		events:  ch,
	}
}

func (f *trackerFixture) nextEvent(t *testing.T) *events.Event {
	t.Helper()
	select {
	case event := <-f.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for event")
		return nil
	}
}

func testCamera() *camera.Camera {
	return &camera.Camera{
		Key:                  "C1",
		Name:                 "porch",
		PollsWithoutMovement: 2,
		SecMaxSingleMovement: 60,
	}
}

func TestIdleWithoutMotionStaysIdle(t *testing.T) {
	f := setupTracker(t)

	if err := f.tracker.Observe(testCamera(), false, 100, 1_756_000_000_000); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if _, open := f.tracker.ActiveMovement("C1"); open {
		t.Error("Tracker opened a movement without motion")
	}
}

func TestMotionOpensMovement(t *testing.T) {
	f := setupTracker(t)
	nowMS := int64(1_756_000_000_000)

	if err := f.tracker.Observe(testCamera(), true, 100, nowMS); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	key, open := f.tracker.ActiveMovement("C1")
	if !open {
		t.Fatal("Expected an open movement")
	}
	if key != FormatKey(nowMS) {
		t.Errorf("Expected key %s, got %s", FormatKey(nowMS), key)
	}

	m, err := f.repo.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.StartDateMS != nowMS {
		t.Errorf("start_date_ms %d does not match key time %d", m.StartDateMS, nowMS)
	}
	if m.StartSegment == nil || *m.StartSegment != 100 {
		t.Error("Start segment not recorded")
	}
	if m.PollCount != 1 || m.ProcessingState != StatePending {
		t.Errorf("Unexpected open state: %+v", m)
	}

	event := f.nextEvent(t)
	if event.Type != events.TypeMovementNew {
		t.Errorf("Expected movement_new, got %s", event.Type)
	}
	if event.MovementKey != key || event.CameraKey != "C1" {
		t.Errorf("Event keys wrong: %+v", event)
	}
}

func TestLifecycleQuietClose(t *testing.T) {
	f := setupTracker(t)
	cam := testCamera()
	nowMS := int64(1_756_000_000_000)

	// Open, one ongoing motion poll, then two quiet polls close it.
	steps := []struct {
		motion bool
		seq    int64
	}{
		{true, 100},
		{true, 103},
		{false, 104},
		{false, 105},
	}
	for i, s := range steps {
		if err := f.tracker.Observe(cam, s.motion, s.seq, nowMS+int64(i)*1000); err != nil {
			t.Fatalf("Observe step %d failed: %v", i, err)
		}
	}

	if _, open := f.tracker.ActiveMovement("C1"); open {
		t.Error("Tracker still active after close")
	}

	key := FormatKey(nowMS)
	m, err := f.repo.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.EndSegment == nil || *m.EndSegment != 105 {
		t.Fatalf("End segment not recorded: %+v", m)
	}
	if m.Seconds != (105-100)*2 {
		t.Errorf("Expected seconds %d, got %d", (105-100)*2, m.Seconds)
	}
	if m.PollCount != 4 {
		t.Errorf("Expected 4 polls, got %d", m.PollCount)
	}
	if m.ConsecutivePollsWithoutMovement != 2 {
		t.Errorf("Expected 2 quiet polls, got %d", m.ConsecutivePollsWithoutMovement)
	}
	if m.DetectionEndedAt == 0 {
		t.Error("detection_ended_at not set")
	}

	if got := f.queue.all(); len(got) != 1 || got[0] != key {
		t.Errorf("Expected %s enqueued, got %v", key, got)
	}

	// One update per poll while open, the closing poll included.
	want := []events.Type{
		events.TypeMovementNew,
		events.TypeMovementUpdate,
		events.TypeMovementUpdate,
		events.TypeMovementUpdate,
		events.TypeMovementComplete,
	}
	for i, expected := range want {
		event := f.nextEvent(t)
		if event.Type != expected {
			t.Fatalf("Event %d: expected %s, got %s", i, expected, event.Type)
		}
	}
}

func TestQuietPollResetOnMotion(t *testing.T) {
	f := setupTracker(t)
	cam := testCamera()
	nowMS := int64(1_756_000_000_000)

	f.mustObserve(t, cam, true, 100, nowMS)
	f.mustObserve(t, cam, false, 101, nowMS+1000)
	f.mustObserve(t, cam, true, 102, nowMS+2000)

	m, err := f.repo.Get(FormatKey(nowMS))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.ConsecutivePollsWithoutMovement != 0 {
		t.Errorf("Quiet counter not reset: %d", m.ConsecutivePollsWithoutMovement)
	}
	if _, open := f.tracker.ActiveMovement("C1"); !open {
		t.Error("Movement closed despite renewed motion")
	}
}

func TestMaxDurationClosesDuringMotion(t *testing.T) {
	f := setupTracker(t)
	cam := testCamera()
	nowMS := int64(1_756_000_000_000)

	f.mustObserve(t, cam, true, 100, nowMS)
	// 30 segments of growth is 60 seconds, the camera's cap.
	f.mustObserve(t, cam, true, 130, nowMS+60_000)

	if _, open := f.tracker.ActiveMovement("C1"); open {
		t.Error("Movement still open past the duration cap")
	}

	m, err := f.repo.Get(FormatKey(nowMS))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Seconds != 60 {
		t.Errorf("Expected 60 seconds, got %d", m.Seconds)
	}
	if m.EndSegment == nil || *m.EndSegment != 130 {
		t.Error("End segment not recorded on duration close")
	}
}

func TestSingleActiveMovementPerCamera(t *testing.T) {
	f := setupTracker(t)
	cam := testCamera()
	nowMS := int64(1_756_000_000_000)

	for i := 0; i < 5; i++ {
		f.mustObserve(t, cam, true, 100+int64(i), nowMS+int64(i)*1000)
	}

	count, err := f.repo.ns.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected a single movement record, got %d", count)
	}
}

func TestKeyCollisionBumps(t *testing.T) {
	f := setupTracker(t)
	nowMS := int64(1_756_000_000_000)

	other := New("C9", nowMS, nil)
	if _, err := f.repo.Put(other); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	f.mustObserve(t, testCamera(), true, 100, nowMS)

	key, _ := f.tracker.ActiveMovement("C1")
	if key != FormatKey(nowMS+1) {
		t.Errorf("Expected bumped key %s, got %s", FormatKey(nowMS+1), key)
	}
	m, err := f.repo.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.StartDateMS != nowMS+1 {
		t.Errorf("start_date_ms %d does not match bumped key", m.StartDateMS)
	}
}

func TestVanishedMovementRecovers(t *testing.T) {
	f := setupTracker(t)
	cam := testCamera()
	nowMS := int64(1_756_000_000_000)

	f.mustObserve(t, cam, true, 100, nowMS)
	if err := f.repo.Delete(FormatKey(nowMS)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if err := f.tracker.Observe(cam, true, 101, nowMS+1000); err != nil {
		t.Fatalf("Observe after vanish failed: %v", err)
	}
	if _, open := f.tracker.ActiveMovement("C1"); open {
		t.Error("Tracker kept pointing at a deleted movement")
	}
}

func (f *trackerFixture) mustObserve(t *testing.T, cam *camera.Camera, motion bool, seq, nowMS int64) {
	t.Helper()
	if err := f.tracker.Observe(cam, motion, seq, nowMS); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
}
