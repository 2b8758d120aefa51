package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/sink"
)

// FileOptions configure a looped file pipeline. Frame files are numbered
// from 1 to FrameCount and named by Pattern inside Dir.
type FileOptions struct {
	Dir        string
	Pattern    string
	FrameCount int
	FPS        int

	// Optional Opus frames, one per 20ms
	AudioPattern    string
	AudioFrameCount int
}

// FileSource replays pre-encoded frame files in a loop at a fixed rate
type FileSource struct {
	opts FileOptions

	video      *time.Ticker
	audio      *time.Ticker
	audioTicks <-chan time.Time

	videoIdx int
	audioIdx int

	closed chan struct{}
}

// OpenFiles validates the first frame and starts the pacing tickers
func OpenFiles(opts FileOptions) (*FileSource, error) {
	if opts.FrameCount <= 0 {
		return nil, errors.New("frame count must be positive")
	}
	if opts.FPS <= 0 {
		opts.FPS = 25
	}

	first := filepath.Join(opts.Dir, fmt.Sprintf(opts.Pattern, 1))
	if _, err := os.Stat(first); err != nil {
		return nil, fmt.Errorf("failed to open frame files: %w", err)
	}

	s := &FileSource{
		opts:     opts,
		video:    time.NewTicker(time.Second / time.Duration(opts.FPS)),
		videoIdx: 1,
		audioIdx: 1,
		closed:   make(chan struct{}),
	}

	if opts.AudioPattern != "" && opts.AudioFrameCount > 0 {
		s.audio = time.NewTicker(20 * time.Millisecond)
		s.audioTicks = s.audio.C
	}

	return s, nil
}

// ReadUnit implements sink.Source
func (s *FileSource) ReadUnit(ctx context.Context, buf []byte) (sink.Unit, error) {
	select {
	case <-ctx.Done():
		return sink.Unit{}, ctx.Err()
	case <-s.closed:
		return sink.Unit{}, sink.ErrSourceClosed
	case at := <-s.video.C:
		name := fmt.Sprintf(s.opts.Pattern, s.videoIdx)
		s.videoIdx = s.videoIdx%s.opts.FrameCount + 1
		return s.readFile(name, model.TrackVideo, buf, at)
	case at := <-s.audioTicks:
		name := fmt.Sprintf(s.opts.AudioPattern, s.audioIdx)
		s.audioIdx = s.audioIdx%s.opts.AudioFrameCount + 1
		return s.readFile(name, model.TrackAudio, buf, at)
	}
}

func (s *FileSource) readFile(name string, track model.TrackID, buf []byte, at time.Time) (sink.Unit, error) {
	f, err := os.Open(filepath.Join(s.opts.Dir, name))
	if err != nil {
		return sink.Unit{}, fmt.Errorf("failed to read frame: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return sink.Unit{}, fmt.Errorf("failed to stat frame: %w", err)
	}

	size := int(info.Size())
	n, err := io.ReadFull(f, buf[:min(size, len(buf))])
	if err != nil {
		return sink.Unit{}, fmt.Errorf("failed to read frame %s: %w", name, err)
	}

	return sink.Unit{
		Track:      track,
		Size:       n,
		Truncated:  size > n,
		CapturedAt: at,
	}, nil
}

// Close implements sink.Source
func (s *FileSource) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	s.video.Stop()
	if s.audio != nil {
		s.audio.Stop()
	}
	return nil
}
