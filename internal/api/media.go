package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/process"
	"github.com/Vigil-NVR/VigilNVR/internal/store"
	"github.com/Vigil-NVR/VigilNVR/internal/streaming"
)

const (
	playlistContentType = "application/x-mpegURL"
	segmentContentType  = "video/MP2T"
)

// serveSegmentFile hands back one validated HLS artifact from dir.
// The content type is pinned before ServeFile so the sniffer never
// guesses at playlist text.
func serveSegmentFile(w http.ResponseWriter, r *http.Request, dir, file string) {
	if file == streaming.PlaylistName {
		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", segmentContentType)
	}
	http.ServeFile(w, r, filepath.Join(dir, file))
}

func (s *Server) handleLiveMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "cameraKey")
	file := chi.URLParam(r, "file")

	if !ValidCameraKey(key) {
		BadRequest(w, s.logger, "invalid camera key")
		return
	}
	if !ValidSegmentName(file) {
		BadRequest(w, s.logger, "invalid segment name")
		return
	}
	cam, err := s.cameras.Get(key)
	if err != nil {
		NotFound(w, "camera not found")
		return
	}
	serveSegmentFile(w, r, cam.Dir(), file)
}

// clipParams are the shared path/query pieces of the clip endpoints.
type clipParams struct {
	start   int64
	seconds int64
	preseq  int64
	postseq int64
}

func parseClipParams(r *http.Request) (clipParams, error) {
	var p clipParams
	var err error

	if p.start, err = strconv.ParseInt(chi.URLParam(r, "start"), 10, 64); err != nil || p.start < 0 {
		return p, errors.New("start must be a segment number")
	}
	if p.seconds, err = strconv.ParseInt(chi.URLParam(r, "seconds"), 10, 64); err != nil || p.seconds < 0 {
		return p, errors.New("seconds must be a non-negative integer")
	}

	q := r.URL.Query()
	if raw := q.Get("preseq"); raw != "" {
		if p.preseq, err = strconv.ParseInt(raw, 10, 64); err != nil || p.preseq < 0 {
			return p, errors.New("preseq must be a non-negative integer")
		}
	}
	if raw := q.Get("postseq"); raw != "" {
		if p.postseq, err = strconv.ParseInt(raw, 10, 64); err != nil || p.postseq < 0 {
			return p, errors.New("postseq must be a non-negative integer")
		}
	}
	return p, nil
}

func (s *Server) handleClipMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "cameraKey")
	file := chi.URLParam(r, "file")

	if !ValidCameraKey(key) {
		BadRequest(w, s.logger, "invalid camera key")
		return
	}
	if !ValidSegmentName(file) {
		BadRequest(w, s.logger, "invalid segment name")
		return
	}
	p, err := parseClipParams(r)
	if err != nil {
		BadRequest(w, s.logger, err.Error())
		return
	}
	cam, err := s.cameras.Get(key)
	if err != nil {
		NotFound(w, "camera not found")
		return
	}

	if file == streaming.PlaylistName {
		playlist := streaming.BuildClipPlaylist(p.start, p.seconds, p.preseq, p.postseq)
		w.Header().Set("Content-Type", playlistContentType)
		_, _ = w.Write([]byte(playlist))
		return
	}
	serveSegmentFile(w, r, cam.Dir(), file)
}

func (s *Server) handleClipExport(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "cameraKey")
	if !ValidCameraKey(key) {
		BadRequest(w, s.logger, "invalid camera key")
		return
	}
	p, err := parseClipParams(r)
	if err != nil {
		BadRequest(w, s.logger, err.Error())
		return
	}
	cam, err := s.cameras.Get(key)
	if err != nil {
		NotFound(w, "camera not found")
		return
	}

	// Missing segments are skipped so a clip spanning a janitor cutoff
	// still exports whatever footage is left.
	first, last := streaming.ClipRange(p.start, p.seconds, p.preseq, p.postseq)
	var segments []string
	for n := first; n <= last; n++ {
		path := filepath.Join(cam.Dir(), streaming.SegmentName(n))
		if _, err := os.Stat(path); err == nil {
			segments = append(segments, path)
		}
	}
	if len(segments) == 0 {
		NotFound(w, "no segments in range")
		return
	}

	tmpDir, err := os.MkdirTemp("", "nvr-export-")
	if err != nil {
		InternalError(w, s.logger, "failed to stage export", err)
		return
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	listPath := filepath.Join(tmpDir, "segments.txt")
	if err := os.WriteFile(listPath, streaming.ConcatList(segments), 0644); err != nil {
		InternalError(w, s.logger, "failed to stage export", err)
		return
	}

	outPath := filepath.Join(tmpDir, "clip.mp4")
	res, err := s.sup.Run(r.Context(), process.KindExport, s.ffmpegPath, streaming.ExportArgs(listPath, outPath)...)
	if err != nil {
		InternalError(w, s.logger, "export transcode failed", err)
		return
	}
	if res.ExitCode != 0 {
		InternalError(w, s.logger, "export transcode failed",
			fmt.Errorf("exit %d: %s", res.ExitCode, lastLine(res.Stderr)))
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s_%d_%ds.mp4"`, key, p.start, p.seconds))
	http.ServeFile(w, r, outPath)
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (s *Server) handleMovementImage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "movementKey")
	if !ValidMovementKey(key) {
		BadRequest(w, s.logger, "invalid movement key")
		return
	}
	m, err := s.movements.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w, "movement not found")
			return
		}
		InternalError(w, s.logger, "failed to load movement", err)
		return
	}

	framesDir := s.settings.Get().FramesDir()

	// Prefer the frame that carried the strongest detection; fall back
	// to the movement's first extracted frame.
	if name := bestDetectionImage(m.DetectionOutput); name != "" && ValidFrameName(key, name) {
		path := filepath.Join(framesDir, name)
		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Content-Type", "image/jpeg")
			http.ServeFile(w, r, path)
			return
		}
	}

	name, err := firstFrame(framesDir, key)
	if err != nil {
		NotFound(w, "no frames for movement")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, filepath.Join(framesDir, name))
}

// bestDetectionImage picks the frame behind the single strongest tag
// detection, empty when the movement has none.
func bestDetectionImage(out *movement.DetectionOutput) string {
	if out == nil {
		return ""
	}
	var best string
	var bestProb float64
	for _, stat := range out.Tags {
		if stat.MaxProbabilityImage != "" && stat.MaxProbability >= bestProb {
			best = stat.MaxProbabilityImage
			bestProb = stat.MaxProbability
		}
	}
	return best
}

// firstFrame returns the lowest-numbered extracted frame for the
// movement, or an error when none exist.
func firstFrame(framesDir, movementKey string) (string, error) {
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return "", err
	}
	prefix := "mov" + movementKey + "_"
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(names)
	return names[0], nil
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "movementKey")
	file := chi.URLParam(r, "file")

	if !ValidMovementKey(key) {
		BadRequest(w, s.logger, "invalid movement key")
		return
	}
	if !ValidFrameName(key, file) {
		BadRequest(w, s.logger, "invalid frame name")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, filepath.Join(s.settings.Get().FramesDir(), file))
}
