package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
)

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds every rejected field of one request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any field was rejected.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var (
	cameraKeyRe = regexp.MustCompile(`^C[0-9]+$`)
	folderRe    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	segmentRe   = regexp.MustCompile(`^stream[0-9]+\.ts$`)
	frameRe     = regexp.MustCompile(`^mov[0-9]{12,}_[0-9]+\.jpg$`)
)

// ValidateCamera checks the client-editable fields of a camera record.
// Folder names become path components, so their charset is strict.
func ValidateCamera(cam *camera.Camera) ValidationErrors {
	var errs ValidationErrors

	if cam.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "camera name is required"})
	} else if len(cam.Name) > 100 {
		errs = append(errs, ValidationError{Field: "name", Message: "camera name must be at most 100 characters"})
	}

	if cam.Folder == "" {
		errs = append(errs, ValidationError{Field: "folder", Message: "segment folder is required"})
	} else if !folderRe.MatchString(cam.Folder) {
		errs = append(errs, ValidationError{Field: "folder", Message: "folder must contain only letters, numbers, underscores, and hyphens"})
	}

	if cam.Disk == "" {
		errs = append(errs, ValidationError{Field: "disk", Message: "disk path is required"})
	}

	if cam.StreamSource != "" {
		if msg := checkSourceURL(cam.StreamSource); msg != "" {
			errs = append(errs, ValidationError{Field: "stream_source", Message: msg})
		}
	}
	if cam.MotionURL != "" {
		if msg := checkMotionURL(cam.MotionURL); msg != "" {
			errs = append(errs, ValidationError{Field: "motion_url", Message: msg})
		}
	}

	return errs
}

func checkSourceURL(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return "invalid URL format"
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "rtmp", "http", "https":
	default:
		return fmt.Sprintf("unsupported stream protocol %q; supported: rtsp, rtsps, rtmp, http, https", u.Scheme)
	}
	if u.Host == "" {
		return "stream source must include a host"
	}
	return ""
}

func checkMotionURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid URL format"
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "motion URL must be http or https"
	}
	if u.Host == "" {
		return "motion URL must include a host"
	}
	return ""
}

// ValidCameraKey reports whether key has the generated camera key shape.
func ValidCameraKey(key string) bool {
	return len(key) <= 20 && cameraKeyRe.MatchString(key)
}

// ValidMovementKey reports whether key is a zero-padded millisecond key.
func ValidMovementKey(key string) bool {
	if len(key) < 12 || len(key) > 20 {
		return false
	}
	for _, c := range key {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidSegmentName reports whether file names an HLS artifact a camera
// folder may serve: the live playlist or one numbered segment.
func ValidSegmentName(file string) bool {
	return file == "stream.m3u8" || segmentRe.MatchString(file)
}

// ValidFrameName reports whether file names an extracted frame owned by
// the given movement. The prefix check pins the file to the movement
// and the charset rules out traversal.
func ValidFrameName(movementKey, file string) bool {
	if !frameRe.MatchString(file) {
		return false
	}
	return strings.HasPrefix(file, "mov"+movementKey+"_")
}
