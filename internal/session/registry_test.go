package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(0)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add(New(fmt.Sprintf("p%d", i), nil, Options{})))
	}
	require.Equal(t, 5, r.Len())

	require.ErrorIs(t, r.Add(New("p2", nil, Options{})), ErrSessionExists)

	s, ok := r.Remove("p1")
	require.True(t, ok)
	require.Equal(t, "p1", s.PeerID)
	require.Equal(t, 4, r.Len())

	_, ok = r.Get("p1")
	require.False(t, ok)
	_, ok = r.Remove("p1")
	require.False(t, ok)

	// swap-remove moves the last entry into the hole
	ids := []string{}
	r.ForEach(func(s *Session) { ids = append(ids, s.PeerID) })
	require.Equal(t, []string{"p0", "p4", "p2", "p3"}, ids)
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Add(New("a", nil, Options{})))
	require.NoError(t, r.Add(New("b", nil, Options{})))

	err := r.Add(New("c", nil, Options{}))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, r.Len())
	_, ok := r.Get("c")
	require.False(t, ok)

	r.Remove("a")
	require.NoError(t, r.Add(New("c", nil, Options{})))
	require.Equal(t, 2, r.Cap())
}

func TestRegistrySnapshotIsStable(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Add(New("a", nil, Options{})))
	require.NoError(t, r.Add(New("b", nil, Options{})))

	snap := r.Snapshot()
	r.Remove("a")
	require.NoError(t, r.Add(New("c", nil, Options{})))

	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].PeerID)
	require.Equal(t, "b", snap[1].PeerID)
}

func TestRegistryConcurrentReaders(t *testing.T) {
	r := NewRegistry(0)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r.ForEach(func(s *Session) {
					// every observed entry is fully built
					assert.NotEmpty(t, s.PeerID)
				})
			}
		}()
	}

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, r.Add(New(id, nil, Options{})))
		if i%2 == 0 {
			r.Remove(id)
		}
	}

	close(stop)
	wg.Wait()
	require.Equal(t, 100, r.Len())
}
