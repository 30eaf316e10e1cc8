package shutdown

import (
	"github.com/stretchr/testify/require"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestCoordinatorRequest(t *testing.T) {
	coord := NewCoordinator()
	require.False(t, coord.Requested())
	select {
	case <-coord.Done():
		require.Fail(t, "done channel closed before request")
	default:
	}

	coord.RequestStop()
	require.True(t, coord.Requested())
	select {
	case <-coord.Done():
	case <-time.After(1 * time.Second):
		require.Fail(t, "done channel not closed after request")
	}

	// requesting again must be a no-op, not a double close
	coord.RequestStop()
	require.True(t, coord.Requested())
}

func TestCoordinatorConcurrentRequest(t *testing.T) {
	coord := NewCoordinator()
	numRoutines := 20
	var wg sync.WaitGroup
	wg.Add(numRoutines)
	for i := 0; i < numRoutines; i++ {
		go func() {
			defer wg.Done()
			coord.RequestStop()
		}()
	}
	wg.Wait()
	require.True(t, coord.Requested())
	<-coord.Done()
}

func TestProcessCoordinatorIsSingleton(t *testing.T) {
	require.Same(t, Process(), Process())
}

func TestSignalHandlerRequestsProcessCoordinator(t *testing.T) {
	InstallSignalHandler()
	// installing twice must not panic or re-register
	InstallSignalHandler()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-Process().Done():
	case <-time.After(5 * time.Second):
		require.Fail(t, "process coordinator not requested after SIGTERM")
	}
	require.True(t, Process().Requested())
}
