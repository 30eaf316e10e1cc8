package connmgr

// WaitResult says why a WaitUntil call returned.
type WaitResult int

const (
	// WaitStoppedByCondition means the stopping condition reported stop.
	WaitStoppedByCondition WaitResult = iota
	// WaitStoppedBySignal means a process-wide stop was requested.
	WaitStoppedBySignal
	// WaitNothingPending means a nil condition was given and the calling
	// goroutine had nothing left in flight.
	WaitNothingPending
)

func (r WaitResult) String() string {
	switch r {
	case WaitStoppedByCondition:
		return "stopped by condition"
	case WaitStoppedBySignal:
		return "stopped by signal"
	case WaitNothingPending:
		return "nothing pending"
	default:
		return "unknown"
	}
}

// Connection is a pooled handle to one endpoint. Handles are cheap, hold no
// state of their own and may be used from any goroutine. All real work is
// delegated to the calling goroutine's dispatcher, so completions land back
// on the goroutine that submitted the request.
type Connection interface {
	// SendRequest submits the request without blocking. resp transitions to
	// Active before the call returns and must stay reachable until the
	// closure has run. A deadlineMS of -1 (or any negative value) means no
	// deadline. The closure, if not nil, runs on this goroutine during a
	// later WaitUntil.
	SendRequest(frames [][]byte, resp *PendingResponse, deadlineMS int64, closure Closure)
	// WaitUntil blocks the calling goroutine, draining completions for every
	// request this goroutine has submitted through the manager, not just
	// requests on this Connection, until cond is satisfied or a process stop
	// is requested. This is the only place closures run.
	WaitUntil(cond StoppingCondition) WaitResult
	// MakeChannel returns a call-style adapter bound to the calling
	// goroutine. The adapter must not be shared across goroutines.
	MakeChannel() RpcChannel
	Endpoint() string
}

type connection struct {
	m  *ConnectionManager
	ep string
}

func (c *connection) SendRequest(frames [][]byte, resp *PendingResponse, deadlineMS int64, closure Closure) {
	c.m.dispatcher().submit(c.ep, frames, resp, deadlineMS, closure)
}

func (c *connection) WaitUntil(cond StoppingCondition) WaitResult {
	return c.m.dispatcher().waitUntil(cond)
}

func (c *connection) MakeChannel() RpcChannel {
	return newRpcChannel(c)
}

func (c *connection) Endpoint() string {
	return c.ep
}
