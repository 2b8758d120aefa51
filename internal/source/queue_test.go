package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/sink"
)

func TestUnitQueue(t *testing.T) {
	q := newUnitQueue(2)
	now := time.Now()

	require.True(t, q.push(model.TrackVideo, []byte{1, 2, 3}, now))
	require.True(t, q.push(model.TrackAudio, []byte{4}, now))
	require.False(t, q.push(model.TrackVideo, []byte{5}, now))
	require.Equal(t, uint64(1), q.dropped.Load())

	buf := make([]byte, 2)
	u, err := q.read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, model.TrackVideo, u.Track)
	require.Equal(t, 2, u.Size)
	require.True(t, u.Truncated)
	require.Equal(t, []byte{1, 2}, buf)

	boom := errors.New("teardown")
	q.fail(boom)
	require.False(t, q.push(model.TrackVideo, []byte{6}, now))

	// buffered unit survives the close
	u, err = q.read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, model.TrackAudio, u.Track)

	_, err = q.read(context.Background(), buf)
	require.ErrorIs(t, err, boom)
}

func TestUnitQueueDefaultError(t *testing.T) {
	q := newUnitQueue(0)
	q.fail(nil)
	_, err := q.read(context.Background(), make([]byte, 8))
	require.ErrorIs(t, err, sink.ErrSourceClosed)
}

func TestUnitQueueContext(t *testing.T) {
	q := newUnitQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.read(ctx, make([]byte, 8))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
