package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/sink"
)

// DefaultQueueSize is the number of units a push-driven source buffers
// between its network callback and the sink
const DefaultQueueSize = 128

type pendingUnit struct {
	track model.TrackID
	data  []byte
	at    time.Time
}

// unitQueue hands units from a callback-driven client to the sink pull loop
type unitQueue struct {
	ch        chan pendingUnit
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error

	dropped atomic.Uint64
}

func newUnitQueue(size int) *unitQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &unitQueue{
		ch:     make(chan pendingUnit, size),
		closed: make(chan struct{}),
	}
}

// push enqueues data without blocking. data must not be reused by the caller.
func (q *unitQueue) push(track model.TrackID, data []byte, at time.Time) bool {
	select {
	case <-q.closed:
		return false
	default:
	}

	select {
	case q.ch <- pendingUnit{track: track, data: data, at: at}:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// fail ends the queue; buffered units are still delivered first
func (q *unitQueue) fail(err error) {
	if err == nil {
		err = sink.ErrSourceClosed
	}
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.err = err
		q.mu.Unlock()
		close(q.closed)
	})
}

func (q *unitQueue) read(ctx context.Context, buf []byte) (sink.Unit, error) {
	select {
	case u := <-q.ch:
		return q.copyOut(u, buf), nil
	default:
	}

	select {
	case <-ctx.Done():
		return sink.Unit{}, ctx.Err()
	case u := <-q.ch:
		return q.copyOut(u, buf), nil
	case <-q.closed:
		// drain what raced in before the close
		select {
		case u := <-q.ch:
			return q.copyOut(u, buf), nil
		default:
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		return sink.Unit{}, q.err
	}
}

func (q *unitQueue) copyOut(u pendingUnit, buf []byte) sink.Unit {
	n, truncated := sink.CopyUnit(buf, u.data)
	return sink.Unit{
		Track:      u.track,
		Size:       n,
		Truncated:  truncated,
		CapturedAt: u.at,
	}
}
