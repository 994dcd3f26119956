package detect

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/movement"
	"github.com/Vigil-NVR/VigilNVR/internal/process"
	"github.com/Vigil-NVR/VigilNVR/internal/streaming"
)

// frameScanInterval is how often the frames folder is polled for new
// output while the extractor runs.
const frameScanInterval = 200 * time.Millisecond

// maxErrLines bounds the captured non-progress stderr lines.
const maxErrLines = 8

// progressRe matches the transcoder's running frame counter.
var progressRe = regexp.MustCompile(`frame=\s*(\d+)`)

// extractEvent is one extractor notification to the dispatcher: either
// a newly written frame or the close report.
type extractEvent struct {
	movementKey string
	framePath   string

	closed     bool
	frameCount int
	err        error
}

// extraction dumps one movement's segment range to JPEG frames and
// publishes each new frame path as it appears on disk.
type extraction struct {
	movementKey string
	framesDir   string
	prefix      string
	listPath    string
	handle      *process.Handle
	logger      *slog.Logger

	events chan<- extractEvent
	quit   chan struct{}
	once   sync.Once

	seen map[string]bool

	mu       sync.Mutex
	frames   int
	errLines []string
}

// startExtraction spawns the frame dump for m and begins watching the
// frames folder. The movement's segment range is read from the files
// still on disk; the janitor may have taken the leading edge.
func startExtraction(sup *process.Supervisor, ffmpegPath string, m *movement.Movement, segmentsDir, framesDir string, events chan<- extractEvent, logger *slog.Logger) (*extraction, error) {
	if m.StartSegment == nil || m.EndSegment == nil {
		return nil, fmt.Errorf("movement %s has no segment range", m.Key)
	}
	first, last := *m.StartSegment, *m.EndSegment
	if last < first {
		return nil, fmt.Errorf("movement %s segment range %d..%d is inverted", m.Key, first, last)
	}

	var paths []string
	for n := first; n <= last; n++ {
		p := filepath.Join(segmentsDir, streaming.SegmentName(n))
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("movement %s has no segments on disk in %d..%d", m.Key, first, last)
	}

	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frames folder: %w", err)
	}

	list, err := os.CreateTemp("", "nvr-extract-*.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to create segment list: %w", err)
	}
	if _, err := list.Write(streaming.ConcatList(paths)); err != nil {
		_ = list.Close()
		_ = os.Remove(list.Name())
		return nil, fmt.Errorf("failed to write segment list: %w", err)
	}
	if err := list.Close(); err != nil {
		_ = os.Remove(list.Name())
		return nil, fmt.Errorf("failed to close segment list: %w", err)
	}

	e := &extraction{
		movementKey: m.Key,
		framesDir:   framesDir,
		prefix:      "mov" + m.Key + "_",
		listPath:    list.Name(),
		logger:      logger.With("component", "detect.extract", "movement", m.Key),
		events:      events,
		quit:        make(chan struct{}),
		seen:        make(map[string]bool),
	}

	outPattern := filepath.Join(framesDir, e.prefix+"%04d.jpg")
	handle, err := sup.Spawn(process.Spec{
		Kind:       process.KindExtract,
		Name:       "extract:" + m.Key,
		Path:       ffmpegPath,
		Args:       streaming.FrameArgs(e.listPath, outPattern),
		StderrLine: e.consumeStderr,
	})
	if err != nil {
		_ = os.Remove(e.listPath)
		return nil, fmt.Errorf("failed to start extractor: %w", err)
	}
	e.handle = handle

	e.logger.Info("Extracting frames", "segments", len(paths), "range_first", first, "range_last", last)
	go e.watch()
	return e, nil
}

// stop abandons the extraction: the process is killed and no further
// events are emitted.
func (e *extraction) stop() {
	e.once.Do(func() { close(e.quit) })
	e.handle.Kill()
}

// consumeStderr tracks the frame counter and keeps non-progress lines
// for error reports. Runs on the supervisor's reader goroutine.
func (e *extraction) consumeStderr(line string) {
	if match := progressRe.FindStringSubmatch(line); match != nil {
		n, err := strconv.Atoi(match[1])
		if err == nil {
			e.mu.Lock()
			if n > e.frames {
				e.frames = n
			}
			e.mu.Unlock()
		}
		return
	}
	e.mu.Lock()
	if len(e.errLines) < maxErrLines {
		e.errLines = append(e.errLines, strings.TrimSpace(line))
	}
	e.mu.Unlock()
}

func (e *extraction) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *extraction) errorText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.errLines, "; ")
}

// watch polls the frames folder until the process exits, then does a
// final sweep and reports the close.
func (e *extraction) watch() {
	ticker := time.NewTicker(frameScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.scan(false)
		case <-e.handle.Done():
			e.scan(true)
			_ = os.Remove(e.listPath)

			code, signaled, _ := e.handle.ExitState()
			var err error
			if code != 0 && !signaled {
				err = fmt.Errorf("extractor exited with code %d: %s", code, e.errorText())
			}
			e.emit(extractEvent{
				movementKey: e.movementKey,
				closed:      true,
				frameCount:  e.frameCount(),
				err:         err,
			})
			return
		case <-e.quit:
			_ = os.Remove(e.listPath)
			return
		}
	}
}

// scan publishes frames that appeared since the last pass. While the
// process runs the lexically newest candidate is withheld, as it may
// still be mid-write; the final sweep takes everything.
func (e *extraction) scan(final bool) {
	entries, err := os.ReadDir(e.framesDir)
	if err != nil {
		e.logger.Warn("Failed to scan frames folder", "error", err)
		return
	}

	var fresh []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, e.prefix) || e.seen[name] {
			continue
		}
		fresh = append(fresh, name)
	}
	sort.Strings(fresh)
	if !final && len(fresh) > 0 {
		fresh = fresh[:len(fresh)-1]
	}

	for _, name := range fresh {
		e.seen[name] = true
		e.emit(extractEvent{
			movementKey: e.movementKey,
			framePath:   filepath.Join(e.framesDir, name),
		})
	}
}

func (e *extraction) emit(ev extractEvent) {
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}
