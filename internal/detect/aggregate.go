package detect

import (
	"path/filepath"

	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
	"github.com/Vigil-NVR/VigilNVR/internal/movement"
)

// handleExtractEvent applies extractor output to the current job.
// Stale extractions (an aborted movement flushing its last events
// after replacement) are dropped.
func (d *Dispatcher) handleExtractEvent(st *dispatchState, ev extractEvent) {
	if st.current == nil || ev.movementKey != st.current.m.Key {
		return
	}
	cur := st.current
	m := cur.m

	if ev.framePath != "" {
		if m.DetectionStatus == movement.DetectionStarting {
			m.DetectionStatus = movement.DetectionExtracting
			d.persist(m)
		}
		cur.pendingFrames = append(cur.pendingFrames, ev.framePath)
		d.flushFrames(st)
		return
	}

	if !ev.closed {
		return
	}
	cur.extractorClosed = true
	cur.extractor = nil
	d.logger.Info("Frame extraction finished",
		"movement", m.Key,
		"frames", ev.frameCount,
		"sent", m.FramesSentToML)

	if ev.err != nil && m.FramesReceivedFromML == 0 {
		d.failCurrent(st, ev.err.Error())
		d.maybeDispatch(st)
		return
	}
	if ev.err != nil {
		d.logger.Warn("Extractor failed after partial results",
			"movement", m.Key, "error", ev.err)
	}
	d.maybeComplete(st)
}

// handleResponse folds one worker result into the owning movement.
func (d *Dispatcher) handleResponse(st *dispatchState, resp Response) {
	metrics.FramesReceived.Inc()

	if st.current == nil {
		d.logger.Warn("Detection response with no movement in processing", "image", resp.Image)
		return
	}
	cur := st.current
	sentAt, ok := cur.inFlight[resp.Image]
	if !ok {
		d.logger.Warn("Detection response for unknown frame", "image", resp.Image)
		return
	}
	delete(cur.inFlight, resp.Image)

	m := cur.m
	elapsed := d.nowMS() - sentAt
	if elapsed < 0 {
		elapsed = 0
	}
	metrics.DetectionLatency.Observe(float64(elapsed))

	m.FramesReceivedFromML++
	m.MLTotalProcessingTimeMS += elapsed
	if elapsed > m.MLMaxProcessingTimeMS {
		m.MLMaxProcessingTimeMS = elapsed
	}
	image := filepath.Base(resp.Image)
	for _, det := range resp.Detections {
		m.FoldDetection(det.Object, det.Probability, image)
	}
	d.persist(m)

	if st.restartPending && len(cur.inFlight) == 0 {
		d.completeRestart(st, d.now(), d.settings())
	}
	d.maybeComplete(st)
}

// flushFrames writes pending frame paths to the worker. Ingestion
// pauses while a restart is pending or the worker is not READY; the
// frames stay queued, nothing is dropped.
func (d *Dispatcher) flushFrames(st *dispatchState) {
	if st.current == nil || st.worker == nil || !st.workerReady || st.restartPending {
		return
	}
	cur := st.current
	m := cur.m
	for len(cur.pendingFrames) > 0 {
		path := cur.pendingFrames[0]
		if err := st.worker.SendFrame(path); err != nil {
			// The worker is going away; its exit event settles the
			// movement.
			d.logger.Warn("Failed to send frame to worker", "path", path, "error", err)
			return
		}
		cur.pendingFrames = cur.pendingFrames[1:]
		cur.inFlight[path] = d.nowMS()
		m.FramesSentToML++
		metrics.FramesSent.Inc()
		if m.DetectionStatus == movement.DetectionExtracting {
			m.DetectionStatus = movement.DetectionAnalyzing
			d.persist(m)
		}
	}
}

// maybeComplete closes the current job once the extractor is done and
// every sent frame has been answered, then dispatches the next. Kept
// idempotent so a failed completion put retries on the next tick.
func (d *Dispatcher) maybeComplete(st *dispatchState) {
	cur := st.current
	if cur == nil || !cur.extractorClosed || len(cur.pendingFrames) > 0 || len(cur.inFlight) > 0 {
		return
	}
	m := cur.m
	m.DetectionStatus = movement.DetectionComplete
	m.ProcessingState = movement.StateCompleted
	m.ProcessingCompletedAt = d.nowMS()

	data, err := d.repo.Put(m)
	if err != nil {
		d.logger.Error("Failed to complete movement", "movement", m.Key, "error", err)
		return
	}

	d.events.PublishComplete(m.CameraKey, m.Key, data)
	metrics.MovementsProcessed.WithLabelValues("completed").Inc()
	d.setLastProcessed(m)
	d.logger.Info("Movement processed",
		"movement", m.Key,
		"camera", m.CameraKey,
		"frames_sent", m.FramesSentToML,
		"frames_received", m.FramesReceivedFromML)

	st.current = nil
	d.maybeDispatch(st)
}

// failCurrent abandons the movement in processing. It never
// dispatches; callers decide when to pull the next movement.
func (d *Dispatcher) failCurrent(st *dispatchState, reason string) {
	cur := st.current
	if cur == nil {
		return
	}
	if cur.extractor != nil {
		cur.extractor.stop()
		cur.extractor = nil
	}

	m := cur.m
	m.ProcessingState = movement.StateFailed
	m.ProcessingError = reason
	m.ProcessingCompletedAt = d.nowMS()
	if _, err := d.repo.Put(m); err != nil {
		d.logger.Error("Failed to persist movement failure", "movement", m.Key, "error", err)
	}

	d.logger.Error("Movement processing failed",
		"movement", m.Key,
		"camera", m.CameraKey,
		"error", reason)
	metrics.MovementsProcessed.WithLabelValues("failed").Inc()
	d.setLastProcessed(m)
	st.current = nil
}

func (d *Dispatcher) persist(m *movement.Movement) {
	if _, err := d.repo.Put(m); err != nil {
		d.logger.Error("Failed to persist movement", "movement", m.Key, "error", err)
	}
}

func (d *Dispatcher) setLastProcessed(m *movement.Movement) {
	if err := d.registry.SetLastProcessed(m.CameraKey, m.Key); err != nil {
		d.logger.Warn("Failed to record last processed movement",
			"camera", m.CameraKey, "error", err)
	}
}
