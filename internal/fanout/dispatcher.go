// Package fanout delivers each incoming access unit to every viewer session
// that has selected the frame's substream.
package fanout

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/Harshitk-cp/camrelay/internal/codec"
	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/session"
)

// WriteError is a per-session transport failure. It never stops delivery to
// other sessions.
type WriteError struct {
	PeerID string
	Track  model.TrackID
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s frame to %s: %v", e.Track, e.PeerID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Result summarizes one dispatch
type Result struct {
	Flags     model.FrameFlags
	Forwarded int
	Failed    int
	Switched  int
}

// Dispatcher fans frames out over a session registry.
// Dispatch may be called concurrently from several source workers.
type Dispatcher struct {
	registry *session.Registry
	metrics  metrics.Collector
	log      logging.LeveledLogger

	// OnWriteError, when set, is called inline for every failed write
	OnWriteError func(*WriteError)

	buffers sync.Pool
}

// NewDispatcher creates a dispatcher
func NewDispatcher(registry *session.Registry, collector metrics.Collector, factory logging.LoggerFactory) *Dispatcher {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Dispatcher{
		registry: registry,
		metrics:  collector,
		log:      factory.NewLogger("fanout"),
		buffers: sync.Pool{
			New: func() any {
				b := make([]byte, 0, 64*1024)
				return &b
			},
		},
	}
}

// Dispatch classifies in and forwards it to every matching session.
// in.Data is only read during the call and in itself is not modified.
func (d *Dispatcher) Dispatch(source string, in *model.Frame) Result {
	start := time.Now()

	f := *in
	if f.CapturedAt.IsZero() {
		f.CapturedAt = start
	}

	var buf *[]byte
	if f.Track == model.TrackVideo {
		f.Flags = codec.ClassifyAccessUnit(f.Data)

		if !codec.HasStartCode(f.Data) {
			buf = d.buffers.Get().(*[]byte)
			*buf = codec.WithStartCode(*buf, f.Data)
			f.Data = *buf
		}
	} else {
		f.Flags = model.FlagNone
	}

	res := Result{Flags: f.Flags}
	track := f.Track.String()

	d.registry.ForEach(func(s *session.Session) {
		if s.Writer == nil || s.Closed() {
			return
		}

		out, switched, ok := s.Admit(&f)
		if switched {
			res.Switched++
			d.metrics.SubstreamSwitched(f.Substream.String())
			d.log.Debugf("session %s switched to %s at keyframe", s.PeerID, f.Substream)
		}
		if !ok {
			return
		}

		if err := s.Writer.WriteFrame(&out); err != nil {
			res.Failed++
			werr := &WriteError{PeerID: s.PeerID, Track: f.Track, Err: err}
			d.metrics.FrameWriteFailed(track)
			d.log.Warnf("%v", werr)
			if d.OnWriteError != nil {
				d.OnWriteError(werr)
			}
			return
		}

		res.Forwarded++
		d.metrics.FrameForwarded(track, f.Substream.String())
	})

	if buf != nil {
		*buf = (*buf)[:0]
		d.buffers.Put(buf)
	}

	d.metrics.FrameDispatched(source, track, f.Flags.String(), len(f.Data), time.Since(start))

	return res
}
