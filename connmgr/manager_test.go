package connmgr

import (
	"github.com/lyager/rpcz/common"
	"github.com/lyager/rpcz/shutdown"
	"github.com/lyager/rpcz/testutils"
	"github.com/lyager/rpcz/transport"
	"github.com/stretchr/testify/require"
	"net"
	"sync/atomic"
	"testing"
)

func newTestManager(t *testing.T, conf Conf) *ConnectionManager {
	t.Helper()
	// A private coordinator keeps process-wide stop state out of tests
	if conf.Stopper == nil {
		conf.Stopper = shutdown.NewCoordinator()
	}
	m := NewConnectionManagerWithConf(conf)
	t.Cleanup(m.Stop)
	return m
}

// freePortEndpoint returns a tcp endpoint nothing is listening on.
func freePortEndpoint(t *testing.T) string {
	t.Helper()
	list, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := list.Addr().String()
	require.NoError(t, list.Close())
	return "tcp://" + address
}

func TestManagerStartsAndJoinsGoroutines(t *testing.T) {
	base := common.RunningGRCount()
	m := NewConnectionManagerWithConf(Conf{Workers: 3, Stopper: shutdown.NewCoordinator()})
	require.Equal(t, 3, m.WorkerCount())
	// 3 workers plus the two routing goroutines
	testutils.WaitUntil(t, func() (bool, error) {
		return common.RunningGRCount() >= base+5, nil
	})
	m.Stop()
	testutils.WaitForRunningGRs(t, base)
}

func TestWorkerCount(t *testing.T) {
	for _, workers := range []int{1, 2, 8} {
		m := newTestManager(t, Conf{Workers: workers})
		require.Equal(t, workers, m.WorkerCount())
	}
	// Defaults to a single worker
	m := newTestManager(t, Conf{})
	require.Equal(t, 1, m.WorkerCount())
}

func TestConnectMalformedEndpoint(t *testing.T) {
	m := newTestManager(t, Conf{Workers: 2})
	for _, endpoint := range []string{"not-a-valid-uri", "", "udp://127.0.0.1:5555", "tcp://"} {
		conn, err := m.Connect(endpoint)
		require.Error(t, err, "endpoint %q should not connect", endpoint)
		require.Nil(t, conn)
	}
}

func TestConnectUnboundEndpointSucceeds(t *testing.T) {
	m := newTestManager(t, Conf{Workers: 2})

	// Nothing listens on either endpoint. Connect still succeeds, requests
	// resolve through their deadlines until a peer appears.
	conn, err := m.Connect(freePortEndpoint(t))
	require.NoError(t, err)
	require.NotNil(t, conn)

	conn, err = m.Connect("inproc://unbound")
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestConnectIdempotent(t *testing.T) {
	m := newTestManager(t, Conf{Workers: 2})
	conn1, err := m.Connect("inproc://twice")
	require.NoError(t, err)
	conn2, err := m.Connect("inproc://twice")
	require.NoError(t, err)
	require.NotNil(t, conn1)
	require.NotNil(t, conn2)
	require.Equal(t, conn1.Endpoint(), conn2.Endpoint())
}

func TestConnectRegistersWithEveryWorker(t *testing.T) {
	list, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = list.Close()
	})
	var accepted int64
	common.Go(func() {
		for {
			conn, err := list.Accept()
			if err != nil {
				return
			}
			atomic.AddInt64(&accepted, 1)
			_ = conn.Close()
		}
	})

	m := newTestManager(t, Conf{Workers: 3})
	conn, err := m.Connect("tcp://" + list.Addr().String())
	require.NoError(t, err)
	require.NotNil(t, conn)

	// Each worker dials its own connection to the endpoint
	testutils.WaitUntil(t, func() (bool, error) {
		return atomic.LoadInt64(&accepted) == 3, nil
	})
}

func TestConnectAfterStop(t *testing.T) {
	m := newTestManager(t, Conf{Workers: 1})
	m.Stop()
	conn, err := m.Connect("inproc://after-stop")
	require.ErrorIs(t, err, ErrStopped)
	require.Nil(t, conn)
}

func TestStopIdempotent(t *testing.T) {
	m := NewConnectionManagerWithConf(Conf{Workers: 2, Stopper: shutdown.NewCoordinator()})
	m.Stop()
	m.Stop()
}

func TestStopLeavesExternalContextOpen(t *testing.T) {
	tctx := transport.NewContext()
	t.Cleanup(func() {
		_ = tctx.Close()
	})
	m := NewConnectionManagerWithContext(tctx, 1)
	m.Stop()

	// The shared context must still be usable after the manager is gone
	srv, err := tctx.NewServer("inproc://still-open", func(frames [][]byte) ([][]byte, error) {
		return frames, nil
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
}

func TestManagersShareInprocNamespace(t *testing.T) {
	tctx := transport.NewContext()
	t.Cleanup(func() {
		_ = tctx.Close()
	})
	startServer(t, tctx, "inproc://namespace", echoHandler)

	// Two managers over the same context reach the same inproc server
	m1 := newTestManager(t, Conf{Workers: 1, TransportContext: tctx})
	m2 := newTestManager(t, Conf{Workers: 2, TransportContext: tctx})

	for _, m := range []*ConnectionManager{m1, m2} {
		conn, err := m.Connect("inproc://namespace")
		require.NoError(t, err)
		resp := &PendingResponse{}
		conn.SendRequest([][]byte{[]byte("ns")}, resp, -1, nil)
		require.Equal(t, WaitStoppedByCondition, conn.WaitUntil(WhenDone(resp)))
		require.Equal(t, Done, resp.Status())
		require.Equal(t, [][]byte{[]byte("ns")}, resp.Reply())
	}
}

func TestReleaseCurrentWithoutDispatcher(t *testing.T) {
	m := newTestManager(t, Conf{Workers: 1})
	m.ReleaseCurrent()
}
