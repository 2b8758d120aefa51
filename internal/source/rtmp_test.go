package source

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/Harshitk-cp/camrelay/internal/sink"
)

func TestRTMPSubscriptions(t *testing.T) {
	srv := NewRTMPServer("127.0.0.1:0", logging.NewDefaultLoggerFactory())
	require.Equal(t, "127.0.0.1:0", srv.Address())

	first := srv.Subscribe("/live/main", false, 4)
	second := srv.Subscribe("/live/main", false, 4)

	// resubscribing closes the previous pipeline
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := first.ReadUnit(ctx, make([]byte, 8))
	require.ErrorIs(t, err, sink.ErrSourceClosed)

	srv.mu.Lock()
	require.Same(t, second, srv.subscriptions["/live/main"])
	srv.mu.Unlock()

	require.NoError(t, second.Close())
	srv.mu.Lock()
	require.Empty(t, srv.subscriptions)
	srv.mu.Unlock()

	// a closed pipeline refuses publishers
	require.False(t, second.attach(nil))
}
