package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"

	"github.com/Harshitk-cp/camrelay/internal/model"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples []media.Sample
	block   chan struct{}
	err     error
}

func (t *fakeTrack) WriteSample(s media.Sample) error {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, s)
	return t.err
}

func (t *fakeTrack) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

func testLogger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("test")
}

func TestQueuedWriterCopiesAndDrains(t *testing.T) {
	video := &fakeTrack{}
	audio := &fakeTrack{}
	w := NewQueuedWriter(video, audio, 8, nil, testLogger())

	data := []byte{0, 0, 0, 1, 0x65}
	require.NoError(t, w.WriteFrame(&model.Frame{Track: model.TrackVideo, Data: data, Duration: 40 * time.Millisecond}))
	require.NoError(t, w.WriteFrame(&model.Frame{Track: model.TrackAudio, Data: []byte{0xfc}, Duration: 20 * time.Millisecond}))

	// the caller may reuse its buffer right away
	data[4] = 0xff

	w.Close()

	require.Equal(t, 1, video.count())
	require.Equal(t, 1, audio.count())
	require.Equal(t, byte(0x65), video.samples[0].Data[4])
	require.Equal(t, 40*time.Millisecond, video.samples[0].Duration)
	require.Equal(t, 20*time.Millisecond, audio.samples[0].Duration)
}

func TestQueuedWriterFullQueue(t *testing.T) {
	video := &fakeTrack{block: make(chan struct{})}
	w := NewQueuedWriter(video, nil, 1, nil, testLogger())

	f := &model.Frame{Track: model.TrackVideo, Data: []byte{0x41}}

	// the first sample is picked up by the drain goroutine and blocks there
	require.NoError(t, w.WriteFrame(f))
	require.Eventually(t, func() bool {
		return w.WriteFrame(f) == nil
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, w.WriteFrame(f), ErrQueueFull)

	close(video.block)
	w.Close()
	require.Equal(t, 2, video.count())
}

func TestQueuedWriterClosed(t *testing.T) {
	w := NewQueuedWriter(&fakeTrack{}, nil, 4, nil, testLogger())
	w.Close()
	w.Close()

	err := w.WriteFrame(&model.Frame{Track: model.TrackVideo, Data: []byte{1}})
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestQueuedWriterAudioWithoutTrack(t *testing.T) {
	video := &fakeTrack{}
	w := NewQueuedWriter(video, nil, 4, nil, testLogger())
	require.NoError(t, w.WriteFrame(&model.Frame{Track: model.TrackAudio, Data: []byte{1}}))
	w.Close()
	require.Zero(t, video.count())
}

func TestQueuedWriterTrackErrorsDoNotStopDrain(t *testing.T) {
	video := &fakeTrack{err: errors.New("packetize")}
	w := NewQueuedWriter(video, nil, 4, nil, testLogger())
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteFrame(&model.Frame{Track: model.TrackVideo, Data: []byte{1}}))
	}
	w.Close()
	require.Equal(t, 3, video.count())
}
