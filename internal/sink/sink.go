// Package sink pulls access units from a media source and hands them to the
// dispatcher one at a time.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/Harshitk-cp/camrelay/internal/fanout"
	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/model"
)

// DefaultMaxFrameSize caps a single access unit
const DefaultMaxFrameSize = 10 * 1024 * 1024

// ErrSourceClosed is returned by sources that end without an error
var ErrSourceClosed = errors.New("source closed")

// Unit describes an access unit a source copied into the sink buffer
type Unit struct {
	Track      model.TrackID
	Size       int
	Truncated  bool
	CapturedAt time.Time
}

// Source produces encoded access units.
// ReadUnit copies the next unit into buf, truncating it to len(buf), and
// blocks until one is available, the source ends or ctx is done.
type Source interface {
	ReadUnit(ctx context.Context, buf []byte) (Unit, error)
	Close() error
}

// Dispatcher receives frames from the sink
type Dispatcher interface {
	Dispatch(source string, f *model.Frame) fanout.Result
}

// Sink owns the pull loop for one encoder pipeline
type Sink struct {
	name      string
	substream model.Substream
	source    Source
	dispatch  Dispatcher
	metrics   metrics.Collector
	log       logging.LeveledLogger

	buf []byte

	frames    atomic.Uint64
	truncated atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

// Options configure a sink
type Options struct {
	MaxFrameSize int
	Metrics      metrics.Collector
}

// New creates a sink for the pipeline producing substream sub
func New(name string, sub model.Substream, src Source, d Dispatcher, factory logging.LoggerFactory, opts Options) *Sink {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	return &Sink{
		name:      name,
		substream: sub,
		source:    src,
		dispatch:  d,
		metrics:   opts.Metrics,
		log:       factory.NewLogger("sink"),
		buf:       make([]byte, opts.MaxFrameSize),
		done:      make(chan struct{}),
	}
}

// Name returns the pipeline name
func (s *Sink) Name() string {
	return s.name
}

// Run pulls units until the source ends or ctx is cancelled. Every unit is
// dispatched synchronously before the next pull. The source is closed on
// return. Cancellation returns nil; a source end returns an error wrapping
// the source's terminal error.
func (s *Sink) Run(ctx context.Context) error {
	defer s.finish()

	s.log.Infof("pipeline %s started (%s)", s.name, s.substream)

	for {
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
			return nil
		}

		unit, err := s.source.ReadUnit(ctx, s.buf)
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(ctx.Err())
				return nil
			}
			if errors.Is(err, io.EOF) {
				err = ErrSourceClosed
			}
			err = fmt.Errorf("pipeline %s: %w", s.name, err)
			s.setErr(err)
			s.metrics.SourceClosed(s.name)
			s.log.Warnf("%v", err)
			return err
		}

		if unit.Truncated {
			s.truncated.Add(1)
			s.metrics.FrameTruncated(s.name)
			s.log.Warnf("pipeline %s: %s frame truncated to %d bytes", s.name, unit.Track, unit.Size)
		}

		frame := model.Frame{
			Track:      unit.Track,
			Substream:  s.substream,
			Data:       s.buf[:unit.Size],
			CapturedAt: unit.CapturedAt,
		}
		s.dispatch.Dispatch(s.name, &frame)
		s.frames.Add(1)
	}
}

// Done is closed when the pull loop has stopped
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the pull loop stopped, nil while it runs
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the number of dispatched and truncated frames
func (s *Sink) Stats() (frames, truncated uint64) {
	return s.frames.Load(), s.truncated.Load()
}

func (s *Sink) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Sink) finish() {
	if err := s.source.Close(); err != nil {
		s.log.Debugf("pipeline %s: close source: %v", s.name, err)
	}
	s.doneOnce.Do(func() { close(s.done) })
	s.log.Infof("pipeline %s stopped", s.name)
}

// CopyUnit copies data into buf and reports the copied size and whether data
// was cut short
func CopyUnit(buf, data []byte) (int, bool) {
	n := copy(buf, data)
	return n, n < len(data)
}
