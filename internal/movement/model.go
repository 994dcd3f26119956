// Package movement holds the motion event records and the per-camera
// tracker that produces them.
package movement

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Vigil-NVR/VigilNVR/internal/settings"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
)

// Processing states.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Detection lifecycle stages.
const (
	DetectionStarting   = "starting"
	DetectionExtracting = "extracting"
	DetectionAnalyzing  = "analyzing"
	DetectionComplete   = "complete"
)

// FormatKey renders a movement key: the millisecond epoch zero-padded
// to at least 12 digits, so keys sort chronologically.
func FormatKey(ms int64) string {
	return fmt.Sprintf("%012d", ms)
}

// ParseKey recovers the millisecond timestamp from a movement key.
func ParseKey(key string) (int64, error) {
	if len(key) < 12 {
		return 0, fmt.Errorf("movement key %q too short", key)
	}
	ms, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("movement key %q is not numeric: %w", key, err)
	}
	return ms, nil
}

// TagStat aggregates every frame detection of one tag within a
// movement.
type TagStat struct {
	Tag                 string  `json:"tag"`
	MaxProbability      float64 `json:"max_probability"`
	Count               int     `json:"count"`
	MaxProbabilityImage string  `json:"max_probability_image"`
}

// DetectionOutput is the movement's accumulated ML result.
type DetectionOutput struct {
	Tags []TagStat `json:"tags"`
}

// Movement is one contiguous span of detected motion on a camera.
type Movement struct {
	Key         string `json:"key"`
	CameraKey   string `json:"camera_key"`
	StartDateMS int64  `json:"start_date_ms"`

	StartSegment *int64 `json:"start_segment"`
	EndSegment   *int64 `json:"end_segment"`
	Seconds      int64  `json:"seconds"`

	PollCount                       int `json:"poll_count"`
	ConsecutivePollsWithoutMovement int `json:"consecutive_polls_without_movement"`

	ProcessingState string `json:"processing_state"`

	DetectionStatus       string `json:"detection_status,omitempty"`
	DetectionStartedAt    int64  `json:"detection_started_at,omitempty"`
	DetectionEndedAt      int64  `json:"detection_ended_at,omitempty"`
	ProcessingStartedAt   int64  `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt int64  `json:"processing_completed_at,omitempty"`
	ProcessingError       string `json:"processing_error,omitempty"`
	ProcessingAttempts    int    `json:"processing_attempts,omitempty"`

	FramesSentToML          int   `json:"frames_sent_to_ml,omitempty"`
	FramesReceivedFromML    int   `json:"frames_received_from_ml,omitempty"`
	MLTotalProcessingTimeMS int64 `json:"ml_total_processing_time_ms,omitempty"`
	MLMaxProcessingTimeMS   int64 `json:"ml_max_processing_time_ms,omitempty"`

	DetectionOutput *DetectionOutput `json:"detection_output,omitempty"`
}

// New opens a movement at nowMS. startSegment may be nil when the live
// playlist was unreadable at open time.
func New(cameraKey string, nowMS int64, startSegment *int64) *Movement {
	return &Movement{
		Key:                FormatKey(nowMS),
		CameraKey:          cameraKey,
		StartDateMS:        nowMS,
		StartSegment:       startSegment,
		PollCount:          1,
		ProcessingState:    StatePending,
		DetectionStartedAt: nowMS,
	}
}

// UpdateSeconds recomputes the running duration against the observed
// newest segment.
func (m *Movement) UpdateSeconds(observedSegment int64) {
	if m.StartSegment == nil || observedSegment < *m.StartSegment {
		return
	}
	m.Seconds = (observedSegment - *m.StartSegment) * 2
}

// FoldDetection merges one frame detection into the tag aggregate:
// count rises by one, max probability and its source image update when
// beaten.
func (m *Movement) FoldDetection(tag string, probability float64, image string) {
	if m.DetectionOutput == nil {
		m.DetectionOutput = &DetectionOutput{}
	}
	for i := range m.DetectionOutput.Tags {
		stat := &m.DetectionOutput.Tags[i]
		if stat.Tag != tag {
			continue
		}
		stat.Count++
		if probability > stat.MaxProbability {
			stat.MaxProbability = probability
			stat.MaxProbabilityImage = image
		}
		return
	}
	m.DetectionOutput.Tags = append(m.DetectionOutput.Tags, TagStat{
		Tag:                 tag,
		MaxProbability:      probability,
		Count:               1,
		MaxProbabilityImage: image,
	})
}

// MatchesFilters reports whether any aggregated tag clears at least
// one filter threshold. Movements with no detections never match.
func (m *Movement) MatchesFilters(filters []settings.TagFilter) bool {
	if m.DetectionOutput == nil || len(filters) == 0 {
		return false
	}
	for _, f := range filters {
		for _, stat := range m.DetectionOutput.Tags {
			if stat.Tag == f.Tag && stat.MaxProbability >= f.MinProbability {
				return true
			}
		}
	}
	return false
}

// Repo wraps the movements namespace with the JSON codec.
type Repo struct {
	ns *store.Namespace
}

func NewRepo(ns *store.Namespace) *Repo {
	return &Repo{ns: ns}
}

// Get loads one movement.
func (r *Repo) Get(key string) (*Movement, error) {
	data, err := r.ns.Get(key)
	if err != nil {
		return nil, err
	}
	var m Movement
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode movement %s: %w", key, err)
	}
	m.Key = key
	return &m, nil
}

// Exists reports whether a movement key is taken.
func (r *Repo) Exists(key string) bool {
	_, err := r.ns.Get(key)
	return err == nil
}

// Put persists the movement and returns the stored JSON, which event
// publishers reuse so clients see exactly the durable record.
func (r *Repo) Put(m *Movement) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal movement %s: %w", m.Key, err)
	}
	if err := r.ns.Put(m.Key, data); err != nil {
		return nil, fmt.Errorf("failed to persist movement %s: %w", m.Key, err)
	}
	return data, nil
}

// Delete removes one movement record.
func (r *Repo) Delete(key string) error {
	return r.ns.Delete(key)
}

// DeleteBatch removes a set of movements atomically.
func (r *Repo) DeleteBatch(keys []string) error {
	return r.ns.DeleteBatch(keys)
}

// Iterate walks movement records through the store iterator.
func (r *Repo) Iterate(opts store.IterOptions, fn func(m *Movement) (bool, error)) error {
	return r.ns.Iterate(opts, func(key string, value []byte) (bool, error) {
		var m Movement
		if err := json.Unmarshal(value, &m); err != nil {
			return false, fmt.Errorf("failed to decode movement %s: %w", key, err)
		}
		m.Key = key
		return fn(&m)
	})
}
