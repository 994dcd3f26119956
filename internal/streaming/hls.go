package streaming

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PlaylistName is the live playlist file written into each camera
// folder.
const PlaylistName = "stream.m3u8"

// EpochOffset is subtracted from unix seconds when seeding segment
// numbers and generating camera keys, keeping both compact while
// preserving order.
const EpochOffset int64 = 1_600_000_000

// SegmentName returns the on-disk name of segment n.
func SegmentName(n int64) string {
	return fmt.Sprintf("stream%d.ts", n)
}

// Playlist is the subset of a live HLS playlist the trackers care
// about.
type Playlist struct {
	MediaSequence  int64
	TargetDuration int
	SegmentCount   int
}

// NewestSegment returns the sequence number of the last entry in the
// playlist window.
func (p *Playlist) NewestSegment() int64 {
	if p.SegmentCount == 0 {
		return p.MediaSequence
	}
	return p.MediaSequence + int64(p.SegmentCount) - 1
}

// ReadPlaylist parses the live playlist at path.
func ReadPlaylist(path string) (*Playlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	p := &Playlist{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad media sequence in %s: %w", path, err)
			}
			p.MediaSequence = n
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err == nil {
				p.TargetDuration = n
			}
		case line != "" && !strings.HasPrefix(line, "#"):
			p.SegmentCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// CurrentSequence returns the newest segment number in the live
// playlist at path.
func CurrentSequence(path string) (int64, error) {
	p, err := ReadPlaylist(path)
	if err != nil {
		return 0, err
	}
	return p.NewestSegment(), nil
}

// ClipRange computes the inclusive segment span covering a recorded
// clip: seconds of footage from startSegment at 2 s per segment, with
// preseq of lead-in and postseq of tail.
func ClipRange(startSegment, seconds, preseq, postseq int64) (first, last int64) {
	first = startSegment - preseq
	last = startSegment + (seconds+1)/2 + postseq - 1
	if last < first {
		last = first
	}
	return first, last
}

// BuildClipPlaylist synthesizes a fixed VOD playlist over the clip
// range. Segment URIs are relative so the playlist plays from any
// mount point.
func BuildClipPlaylist(startSegment, seconds, preseq, postseq int64) string {
	first, last := ClipRange(startSegment, seconds, preseq, postseq)

	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n")
	playlist.WriteString("#EXT-X-VERSION:3\n")
	playlist.WriteString("#EXT-X-TARGETDURATION:2\n")
	playlist.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", first))
	playlist.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for n := first; n <= last; n++ {
		playlist.WriteString("#EXTINF:2.000000,\n")
		playlist.WriteString(SegmentName(n) + "\n")
	}

	playlist.WriteString("#EXT-X-ENDLIST\n")
	return playlist.String()
}
