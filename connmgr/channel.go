package connmgr

import (
	"github.com/pkg/errors"
	"github.com/timandy/routine"
)

// ErrDeadlineExceeded is returned by RpcChannel.Call when the deadline
// elapses before a reply is observed.
var ErrDeadlineExceeded = errors.New("rpc deadline exceeded")

// ErrInterrupted is returned by RpcChannel.Call when the wait is cut short by
// a process stop before the call resolves.
var ErrInterrupted = errors.New("rpc call interrupted")

// RpcChannel turns the asynchronous request surface into a blocking call. A
// channel is bound to the goroutine that created it and panics if used from
// another one, its correctness depends on draining the creator's own
// completions.
type RpcChannel interface {
	// Call sends the request and blocks until it resolves. While blocked it
	// drains the goroutine's other completions too, so their closures may run
	// during a Call.
	Call(request [][]byte, deadlineMS int64) ([][]byte, error)
}

type rpcChannel struct {
	conn Connection
	goid int64
}

func newRpcChannel(conn Connection) RpcChannel {
	return &rpcChannel{conn: conn, goid: routine.Goid()}
}

func (c *rpcChannel) Call(request [][]byte, deadlineMS int64) ([][]byte, error) {
	c.checkGoroutine()
	resp := &PendingResponse{}
	c.conn.SendRequest(request, resp, deadlineMS, nil)
	c.conn.WaitUntil(WhenDone(resp))
	switch resp.Status() {
	case Done:
		return resp.Reply(), nil
	case DeadlineExceeded:
		return nil, ErrDeadlineExceeded
	default:
		return nil, ErrInterrupted
	}
}

func (c *rpcChannel) checkGoroutine() {
	if routine.Goid() != c.goid {
		panic("rpc channel used from a goroutine other than the one that created it")
	}
}
