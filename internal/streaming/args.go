package streaming

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// HLSArgs builds the transcoder arguments for continuous capture:
// stream copy into 2-second TS segments plus a rolling playlist.
// startNumber seeds the segment sequence so numbering keeps increasing
// across restarts.
func HLSArgs(source, dir string, startNumber int64) []string {
	args := []string{"-hide_banner", "-loglevel", "info"}

	// Input processing flags for reliability (must come BEFORE -i)
	args = append(args,
		"-fflags", "+genpts+discardcorrupt",
		"-avoid_negative_ts", "make_zero",
	)

	if strings.HasPrefix(source, "rtsp://") {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000",
		)
	}

	args = append(args, "-i", source)

	// Segments are never deleted by the transcoder; the janitor owns
	// retention so clip playback can reach back in time.
	args = append(args,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "10",
		"-start_number", strconv.FormatInt(startNumber, 10),
		"-hls_segment_filename", filepath.Join(dir, "stream%d.ts"),
		filepath.Join(dir, PlaylistName),
	)

	return args
}

// ExportArgs builds the one-shot remux invocation turning a concat
// list of TS segments into a single MP4.
func ExportArgs(listPath, outPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outPath,
	}
}

// FrameArgs builds the extractor invocation: decode a concat list of TS
// segments and dump one JPEG per keyframe. loglevel stays at info so
// the frame counter lines appear on stderr.
func FrameArgs(listPath, outPattern string) []string {
	return []string{
		"-hide_banner", "-loglevel", "info",
		"-f", "concat",
		"-safe", "0",
		"-skip_frame", "nokey",
		"-i", listPath,
		"-vsync", "vfr",
		"-q:v", "2",
		"-y",
		outPattern,
	}
}

// ConcatList renders the concat-demuxer input for the given segment
// paths. Single quotes in paths are escaped per the demuxer's rules.
func ConcatList(paths []string) []byte {
	var b strings.Builder
	for _, p := range paths {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return []byte(b.String())
}
