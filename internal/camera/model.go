// Package camera holds the camera records and their runtime registry.
package camera

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/streaming"
)

// Camera is one configured video source. State fields prefixed
// state_ are server-owned and never accepted from clients.
type Camera struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	Disk   string `json:"disk"`

	StreamSource string `json:"stream_source,omitempty"`
	IP           string `json:"ip,omitempty"`
	Password     string `json:"password,omitempty"`
	MotionURL    string `json:"motion_url,omitempty"`

	EnableStreaming bool `json:"enable_streaming"`
	EnableMovement  bool `json:"enable_movement"`
	Delete          bool `json:"delete"`

	PollFrequencyMS         int   `json:"poll_frequency_ms"`
	PollsWithoutMovement    int   `json:"polls_without_movement"`
	SecMaxSingleMovement    int   `json:"sec_max_single_movement"`
	SegmentsPriorToMovement int64 `json:"segments_prior_to_movement"`
	SegmentsPostMovement    int64 `json:"segments_post_movement"`
	SecMovementStartupDelay int   `json:"sec_movement_startup_delay"`

	StateLastProcessedMovementKey string `json:"state_last_processed_movement_key,omitempty"`
}

// FormatKey renders a camera key for the given time.
func FormatKey(t time.Time) string {
	return "C" + strconv.FormatInt(t.Unix()-streaming.EpochOffset, 10)
}

// NewKey allocates an unused camera key near now, bumping by one
// second while taken reports a collision.
func NewKey(now time.Time, taken func(key string) bool) string {
	seconds := now.Unix() - streaming.EpochOffset
	key := "C" + strconv.FormatInt(seconds, 10)
	for taken(key) {
		seconds++
		key = "C" + strconv.FormatInt(seconds, 10)
	}
	return key
}

// Dir is the camera's on-disk segment folder.
func (c *Camera) Dir() string {
	return filepath.Join(c.Disk, c.Folder)
}

// PlaylistPath is the camera's live playlist file.
func (c *Camera) PlaylistPath() string {
	return filepath.Join(c.Dir(), streaming.PlaylistName)
}

// SourceURL returns the stream input: the explicit source when set,
// otherwise the RTSP URL derived from ip/password.
func (c *Camera) SourceURL() string {
	if c.StreamSource != "" {
		return c.StreamSource
	}
	if c.IP == "" {
		return ""
	}
	return fmt.Sprintf("rtsp://admin:%s@%s:554/h264Preview_01_main", c.Password, c.IP)
}

// Pollable reports whether motion polling makes sense for this camera.
func (c *Camera) Pollable() bool {
	if c.Delete || !c.EnableMovement {
		return false
	}
	return c.MotionURL != "" || c.IP != ""
}

// ClientView returns a copy safe to hand to API clients: credentials
// and address are stripped.
func (c *Camera) ClientView() Camera {
	view := *c
	view.IP = ""
	view.Password = ""
	return view
}

// ApplyDefaults fills tunables a client left at zero.
func (c *Camera) ApplyDefaults() {
	if c.PollFrequencyMS < 1000 {
		c.PollFrequencyMS = 1000
	}
	if c.PollsWithoutMovement <= 0 {
		c.PollsWithoutMovement = 2
	}
	if c.PollsWithoutMovement > 10 {
		c.PollsWithoutMovement = 10
	}
	if c.SecMaxSingleMovement < 60 {
		c.SecMaxSingleMovement = 60
	}
	if c.SecMovementStartupDelay <= 0 {
		c.SecMovementStartupDelay = 10
	}
}
