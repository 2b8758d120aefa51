package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/model"
)

var (
	// ErrQueueFull is returned when a viewer is not draining its queue
	ErrQueueFull = errors.New("send queue full")

	// ErrPeerClosed is returned for writes after the peer is closed
	ErrPeerClosed = errors.New("peer closed")
)

// SampleWriter is a local track that accepts encoded samples
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

type queuedSample struct {
	track    model.TrackID
	data     []byte
	duration time.Duration
}

// QueuedWriter decouples the dispatcher from the network. WriteFrame copies
// the frame into a bounded queue and returns immediately; a goroutine
// drains the queue into the tracks.
type QueuedWriter struct {
	video   SampleWriter
	audio   SampleWriter
	queue   chan queuedSample
	metrics metrics.Collector
	log     logging.LeveledLogger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewQueuedWriter starts a writer draining into video and audio.
// audio may be nil.
func NewQueuedWriter(video, audio SampleWriter, size int, collector metrics.Collector, log logging.LeveledLogger) *QueuedWriter {
	if size <= 0 {
		size = 64
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	w := &QueuedWriter{
		video:   video,
		audio:   audio,
		queue:   make(chan queuedSample, size),
		metrics: collector,
		log:     log,
		done:    make(chan struct{}),
	}
	go w.drain()

	return w
}

// WriteFrame implements session.FrameWriter
func (w *QueuedWriter) WriteFrame(f *model.Frame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrPeerClosed
	}

	if f.Track == model.TrackAudio && w.audio == nil {
		return nil
	}

	sample := queuedSample{
		track:    f.Track,
		data:     append([]byte(nil), f.Data...),
		duration: f.Duration,
	}

	select {
	case w.queue <- sample:
		return nil
	default:
		w.metrics.FrameDropped(f.Track.String(), "queue_full")
		return ErrQueueFull
	}
}

func (w *QueuedWriter) drain() {
	defer close(w.done)

	for s := range w.queue {
		track := w.video
		if s.track == model.TrackAudio {
			track = w.audio
		}

		err := track.WriteSample(media.Sample{Data: s.data, Duration: s.duration})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			w.log.Warnf("write %s sample: %v", s.track, err)
		}
	}
}

// Close stops accepting frames and waits for the queue to drain
func (w *QueuedWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
}
