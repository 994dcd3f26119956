// Package motion polls cameras for their hardware motion state and
// guards each camera behind a failure breaker.
package motion

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
)

const (
	// requestTimeout bounds one motion poll round trip.
	requestTimeout = 5 * time.Second
	// backoffBase doubles per consecutive failure up to backoffMax.
	backoffBase = 2 * time.Second
	backoffMax  = 60 * time.Second
)

// breaker is the per-camera poll guard.
type breaker struct {
	inProgress   bool
	failed       bool
	retryAfterMS int64
	attempts     int
	lastPollMS   int64
}

// Poller issues motion state requests and tracks per-camera breaker
// state. One poll per camera may be outstanding at a time; outcomes
// are therefore serial per camera.
type Poller struct {
	client *http.Client
	tokens *tokenCache
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewPoller(logger *slog.Logger) *Poller {
	return &Poller{
		client:   &http.Client{Timeout: requestTimeout},
		tokens:   newTokenCache(),
		logger:   logger.With("component", "motion"),
		breakers: make(map[string]*breaker),
	}
}

// TryBegin claims a poll slot for the camera. False when a poll is in
// flight, the breaker is backing off, or the camera is not due yet.
func (p *Poller) TryBegin(cameraKey string, pollFrequencyMS int, nowMS int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.breakers[cameraKey]
	if b == nil {
		b = &breaker{}
		p.breakers[cameraKey] = b
	}

	if b.inProgress {
		return false
	}
	if b.failed && nowMS < b.retryAfterMS {
		return false
	}
	if b.lastPollMS != 0 && nowMS-b.lastPollMS < int64(pollFrequencyMS) {
		return false
	}

	b.inProgress = true
	b.lastPollMS = nowMS
	return true
}

// Finish releases the camera's poll slot. Success closes the breaker;
// failure trips it with exponential backoff.
func (p *Poller) Finish(cameraKey string, success bool, nowMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.breakers[cameraKey]
	if b == nil {
		return
	}
	b.inProgress = false
	if success {
		b.failed = false
		b.attempts = 0
		return
	}
	b.attempts++
	b.failed = true
	b.retryAfterMS = nowMS + backoff(b.attempts).Milliseconds()
	metrics.MotionBreakerTrips.Inc()
}

// MarkFailed trips the breaker without a poll, used when stream
// verification shows the camera unreachable.
func (p *Poller) MarkFailed(cameraKey string, nowMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.breakers[cameraKey]
	if b == nil {
		b = &breaker{}
		p.breakers[cameraKey] = b
	}
	b.attempts++
	b.failed = true
	b.retryAfterMS = nowMS + backoff(b.attempts).Milliseconds()
	metrics.MotionBreakerTrips.Inc()
}

// Allowed reports whether the breaker permits work for the camera.
func (p *Poller) Allowed(cameraKey string, nowMS int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.breakers[cameraKey]
	if b == nil {
		return true
	}
	return !b.failed || nowMS >= b.retryAfterMS
}

// Failing reports whether the camera's breaker is currently tripped.
func (p *Poller) Failing(cameraKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.breakers[cameraKey]
	return b != nil && b.failed
}

// Forget drops breaker state for a removed camera.
func (p *Poller) Forget(cameraKey string) {
	p.mu.Lock()
	delete(p.breakers, cameraKey)
	p.mu.Unlock()
	p.tokens.Forget(cameraKey)
}

// Check asks the camera whether motion is present right now.
func (p *Poller) Check(ctx context.Context, cam *camera.Camera) (bool, error) {
	moved, err := p.checkReolink(ctx, cam)
	if err != nil {
		metrics.MotionPollsTotal.WithLabelValues("error").Inc()
		// Tokens are cheap to re-acquire and a stale one is the most
		// common failure, so drop it on any error.
		p.tokens.Forget(cam.Key)
		return false, err
	}
	if moved {
		metrics.MotionPollsTotal.WithLabelValues("movement").Inc()
	} else {
		metrics.MotionPollsTotal.WithLabelValues("no_movement").Inc()
	}
	return moved, nil
}

func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase << (attempts - 1)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}
