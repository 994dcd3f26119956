package detect

import (
	"log/slog"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/process"
	"github.com/Vigil-NVR/VigilNVR/internal/settings"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

// workerStopTimeout bounds how long a worker gets to exit on its own
// before being killed.
const workerStopTimeout = 5 * time.Second

// Command names the detection worker binary and its arguments.
type Command struct {
	Path string
	Args []string
}

// Status is a point-in-time snapshot of the pipeline for health
// reporting.
type Status struct {
	WorkerAlive     bool   `json:"worker_alive"`
	WorkerReady     bool   `json:"worker_ready"`
	WorkerStartedMS int64  `json:"worker_started_ms,omitempty"`
	QueueDepth      int    `json:"queue_depth"`
	CurrentKey      string `json:"current_movement_key,omitempty"`
	FramesInFlight  int    `json:"frames_in_flight"`
	PendingFrames   int    `json:"pending_frames"`
	RestartPending  bool   `json:"restart_pending"`
	LastRestartDate string `json:"last_restart_date,omitempty"`
}

// workerEvent carries worker lifecycle notifications into the loop.
// gen ties the event to the worker generation that produced it so exits
// of replaced workers are ignored.
type workerEvent struct {
	gen      int
	ready    bool
	exited   bool
	code     int
	signaled bool
}

// job is the movement currently being processed.
type job struct {
	m         *movement.Movement
	extractor *extraction

	extractorClosed bool

	// pendingFrames are extracted frames not yet written to the
	// worker, either because it is not READY or ingestion is paused
	// for a scheduled restart. Nothing is ever dropped.
	pendingFrames []string

	// inFlight maps frame paths written to the worker onto their
	// send time (ms) until the matching response arrives.
	inFlight map[string]int64
}

// dispatchState is the loop-private pipeline state. Only run() touches
// it.
type dispatchState struct {
	queue   []string
	current *job

	worker      *Worker
	workerGen   int
	workerReady bool
	everStarted bool

	workerStartedMS int64
	restartPending  bool
	lastRestartDate string
}

// Dispatcher owns the detection ordering: a FIFO queue of movement
// keys, one movement in processing at a time, and the worker's
// in-flight frame bookkeeping. External code talks to it through
// messages; all state lives inside the run loop.
type Dispatcher struct {
	sup      *process.Supervisor
	repo     *movement.Repo
	registry *camera.Registry
	events   *events.Service
	settings func() settings.Settings
	logger   *slog.Logger

	ffmpegPath string
	command    Command

	enqueueCh chan string
	respCh    chan Response
	workerCh  chan workerEvent
	extractCh chan extractEvent
	tickCh    chan time.Time
	statusCh  chan chan Status
	stopCh    chan struct{}
	doneCh    chan struct{}

	now func() time.Time
}

// NewDispatcher wires the pipeline together. settingsFn is read on
// every tick so operator changes apply without a restart.
func NewDispatcher(sup *process.Supervisor, repo *movement.Repo, registry *camera.Registry, ev *events.Service, settingsFn func() settings.Settings, ffmpegPath string, command Command, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sup:        sup,
		repo:       repo,
		registry:   registry,
		events:     ev,
		settings:   settingsFn,
		logger:     logger.With("component", "detect"),
		ffmpegPath: ffmpegPath,
		command:    command,
		enqueueCh:  make(chan string, 16),
		respCh:     make(chan Response, 64),
		workerCh:   make(chan workerEvent, 4),
		extractCh:  make(chan extractEvent, 64),
		tickCh:     make(chan time.Time, 1),
		statusCh:   make(chan chan Status),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop shuts the loop down: the current extraction and the worker are
// terminated with bounded waits. Movements left in processing are
// re-dispatched by Recover on the next boot.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// Enqueue queues a movement for detection. Safe from any goroutine;
// a no-op once the dispatcher is stopping.
func (d *Dispatcher) Enqueue(movementKey string) {
	select {
	case d.enqueueCh <- movementKey:
	case <-d.stopCh:
	}
}

// Tick drives the restart schedule and worker supervision. Called by
// the control loop; a tick is dropped rather than queued when the loop
// is busy.
func (d *Dispatcher) Tick(now time.Time) {
	select {
	case d.tickCh <- now:
	case <-d.stopCh:
	default:
	}
}

// Status reports the pipeline snapshot for the health endpoint.
func (d *Dispatcher) Status() Status {
	reply := make(chan Status, 1)
	select {
	case d.statusCh <- reply:
		return <-reply
	case <-d.stopCh:
		return Status{}
	}
}

// Recover re-queues every movement the last run left unfinished,
// oldest first. Called once after Start.
func (d *Dispatcher) Recover() error {
	var keys []string
	err := d.repo.Iterate(store.IterOptions{}, func(m *movement.Movement) (bool, error) {
		if m.ProcessingState == movement.StatePending || m.ProcessingState == movement.StateProcessing {
			keys = append(keys, m.Key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		d.logger.Info("Recovering unfinished movements", "count", len(keys))
	}
	for _, key := range keys {
		d.Enqueue(key)
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	st := &dispatchState{}
	for {
		select {
		case key := <-d.enqueueCh:
			d.handleEnqueue(st, key)
		case resp := <-d.respCh:
			d.handleResponse(st, resp)
		case ev := <-d.workerCh:
			d.handleWorkerEvent(st, ev)
		case ev := <-d.extractCh:
			d.handleExtractEvent(st, ev)
		case now := <-d.tickCh:
			d.handleTick(st, now)
		case reply := <-d.statusCh:
			reply <- d.snapshot(st)
		case <-d.stopCh:
			d.shutdown(st)
			return
		}
	}
}

func (d *Dispatcher) nowMS() int64 {
	return d.now().UnixMilli()
}

func (d *Dispatcher) snapshot(st *dispatchState) Status {
	s := Status{
		WorkerReady:     st.workerReady,
		WorkerStartedMS: st.workerStartedMS,
		QueueDepth:      len(st.queue),
		RestartPending:  st.restartPending,
		LastRestartDate: st.lastRestartDate,
	}
	if st.worker != nil {
		s.WorkerAlive = st.worker.Alive()
	}
	if st.current != nil {
		s.CurrentKey = st.current.m.Key
		s.FramesInFlight = len(st.current.inFlight)
		s.PendingFrames = len(st.current.pendingFrames)
	}
	return s
}

func (d *Dispatcher) handleEnqueue(st *dispatchState, key string) {
	if st.current != nil && st.current.m.Key == key {
		return
	}
	for _, queued := range st.queue {
		if queued == key {
			return
		}
	}
	st.queue = append(st.queue, key)
	metrics.DetectionQueueDepth.Set(float64(len(st.queue)))
	d.maybeDispatch(st)
}

// maybeDispatch pops the queue head into processing when nothing is.
func (d *Dispatcher) maybeDispatch(st *dispatchState) {
	for st.current == nil && len(st.queue) > 0 {
		key := st.queue[0]
		st.queue = st.queue[1:]
		metrics.DetectionQueueDepth.Set(float64(len(st.queue)))

		m, err := d.repo.Get(key)
		if err == store.ErrNotFound {
			// Evicted between enqueue and dispatch (camera purge).
			d.logger.Warn("Queued movement no longer exists", "movement", key)
			continue
		}
		if err != nil {
			d.logger.Error("Failed to load queued movement", "movement", key, "error", err)
			st.queue = append([]string{key}, st.queue...)
			metrics.DetectionQueueDepth.Set(float64(len(st.queue)))
			return
		}

		nowMS := d.nowMS()
		m.ProcessingState = movement.StateProcessing
		m.ProcessingStartedAt = nowMS
		m.ProcessingAttempts++
		m.DetectionStatus = movement.DetectionStarting
		if _, err := d.repo.Put(m); err != nil {
			d.logger.Error("Failed to mark movement processing", "movement", key, "error", err)
			st.queue = append([]string{key}, st.queue...)
			metrics.DetectionQueueDepth.Set(float64(len(st.queue)))
			return
		}

		st.current = &job{m: m, inFlight: make(map[string]int64)}
		d.logger.Info("Processing movement",
			"movement", key,
			"camera", m.CameraKey,
			"attempt", m.ProcessingAttempts)

		if err := d.startExtractor(st); err != nil {
			d.failCurrent(st, err.Error())
			continue
		}
	}
}

// startExtractor resolves the camera folder and spawns the frame
// extractor for the current movement.
func (d *Dispatcher) startExtractor(st *dispatchState) error {
	m := st.current.m
	cam, err := d.registry.Get(m.CameraKey)
	if err != nil {
		return err
	}
	s := d.settings()
	ex, err := startExtraction(d.sup, d.ffmpegPath, m, cam.Dir(), s.FramesDir(), d.extractCh, d.logger)
	if err != nil {
		return err
	}
	st.current.extractor = ex
	return nil
}

func (d *Dispatcher) handleWorkerEvent(st *dispatchState, ev workerEvent) {
	if ev.gen != st.workerGen {
		return
	}

	if ev.ready {
		st.workerReady = true
		d.flushFrames(st)
		return
	}

	if !ev.exited {
		return
	}

	// Unexpected death. Scheduled restarts stop the worker
	// synchronously and bump the generation first, so their exits
	// never land here.
	d.logger.Error("Detection worker exited unexpectedly",
		"code", ev.code, "signaled", ev.signaled)
	tail := ""
	if st.worker != nil {
		tail = st.worker.StderrTail()
	}
	st.worker = nil
	st.workerReady = false

	if st.current != nil {
		d.failCurrent(st, "detection worker exited: "+tail)
	}
	if st.restartPending {
		// The drain target died on its own; finish the restart
		// bookkeeping and let the next tick respawn.
		st.lastRestartDate = d.now().Format("2006-01-02")
		st.restartPending = false
	}
	d.maybeDispatch(st)
}

func (d *Dispatcher) handleTick(st *dispatchState, now time.Time) {
	s := d.settings()

	if s.DetectionEnable && st.worker == nil {
		cause := ""
		if st.everStarted {
			cause = "exit"
		}
		d.spawnWorker(st, now, s, cause)
	}

	d.checkRestartDue(st, now, s)
	// Retries a completion whose store put failed; a no-op otherwise.
	d.maybeComplete(st)
	d.maybeDispatch(st)
}

// checkRestartDue flips restart_pending when the local clock has
// crossed the schedule and no restart happened today.
func (d *Dispatcher) checkRestartDue(st *dispatchState, now time.Time, s settings.Settings) {
	if s.MLRestartSchedule == "" || st.restartPending || st.worker == nil {
		return
	}
	hhmm := now.Format("15:04")
	today := now.Format("2006-01-02")
	if hhmm < s.MLRestartSchedule || st.lastRestartDate == today {
		return
	}

	st.restartPending = true
	d.logger.Info("Detection worker restart pending", "schedule", s.MLRestartSchedule)

	if st.current == nil || len(st.current.inFlight) == 0 {
		d.completeRestart(st, now, s)
	}
}

// completeRestart terminates the drained worker, stamps the date, and
// spawns the replacement.
func (d *Dispatcher) completeRestart(st *dispatchState, now time.Time, s settings.Settings) {
	d.logger.Info("Restarting detection worker on schedule")
	if st.worker != nil {
		if err := st.worker.Stop(workerStopTimeout); err != nil {
			d.logger.Warn("Failed to stop detection worker", "error", err)
		}
		st.worker = nil
		st.workerReady = false
	}
	st.lastRestartDate = now.Format("2006-01-02")
	st.restartPending = false
	d.spawnWorker(st, now, s, "scheduled")
}

func (d *Dispatcher) spawnWorker(st *dispatchState, now time.Time, s settings.Settings, cause string) {
	st.workerGen++
	gen := st.workerGen

	sinks := workerSinks{
		OnReady: func() {
			select {
			case d.workerCh <- workerEvent{gen: gen, ready: true}:
			case <-d.stopCh:
			}
		},
		OnResponse: func(resp Response) {
			select {
			case d.respCh <- resp:
			case <-d.stopCh:
			}
		},
		OnExit: func(code int, signaled bool) {
			select {
			case d.workerCh <- workerEvent{gen: gen, exited: true, code: code, signaled: signaled}:
			case <-d.stopCh:
			}
		},
	}

	// Model selection rides the argv so a settings change takes effect
	// on the next worker start.
	args := append([]string(nil), d.command.Args...)
	if s.DetectionModel != "" {
		args = append(args, "--model", s.DetectionModel)
	}
	if s.DetectionTargetHW != "" {
		args = append(args, "--target-hw", s.DetectionTargetHW)
	}

	w, err := startWorker(d.sup, d.command.Path, args, d.logger, sinks)
	if err != nil {
		d.logger.Error("Failed to start detection worker", "error", err)
		return
	}

	st.worker = w
	st.workerReady = false
	st.workerStartedMS = now.UnixMilli()

	// A worker freshly started past today's schedule needs no restart
	// until tomorrow.
	if !st.everStarted && s.MLRestartSchedule != "" && now.Format("15:04") >= s.MLRestartSchedule && st.lastRestartDate == "" {
		st.lastRestartDate = now.Format("2006-01-02")
	}
	if st.everStarted && cause != "" {
		metrics.WorkerRestartsTotal.WithLabelValues(cause).Inc()
	}
	st.everStarted = true
}

func (d *Dispatcher) shutdown(st *dispatchState) {
	if st.current != nil && st.current.extractor != nil {
		st.current.extractor.stop()
	}
	if st.worker != nil {
		if err := st.worker.Stop(workerStopTimeout); err != nil {
			d.logger.Warn("Failed to stop detection worker", "error", err)
		}
	}
}
