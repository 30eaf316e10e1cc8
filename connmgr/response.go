package connmgr

// ResponseStatus is the lifecycle state of one in-flight request.
type ResponseStatus int

const (
	// Inactive means the response has not been submitted yet.
	Inactive ResponseStatus = iota
	// Active means the request has been handed to the pool and no terminal
	// event has been observed.
	Active
	// Done means a reply has been attached. Terminal.
	Done
	// DeadlineExceeded means the deadline elapsed before a reply was
	// observed. Terminal.
	DeadlineExceeded
)

func (s ResponseStatus) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Done:
		return "done"
	case DeadlineExceeded:
		return "deadline-exceeded"
	default:
		return "unknown"
	}
}

// PendingResponse tracks one request's lifecycle and holds its eventual reply.
// The caller allocates it (the zero value is ready to use) and owns it. The
// pool only writes into it from the goroutine that submitted the request,
// while that goroutine is draining completions inside WaitUntil, so reading it
// after its closure has run needs no synchronisation.
type PendingResponse struct {
	status ResponseStatus
	reply  [][]byte
}

func (r *PendingResponse) Status() ResponseStatus {
	return r.status
}

// Reply returns the reply frames. Empty unless Status is Done.
func (r *PendingResponse) Reply() [][]byte {
	return r.reply
}

// Terminal reports whether the response has reached Done or DeadlineExceeded.
func (r *PendingResponse) Terminal() bool {
	return r.status == Done || r.status == DeadlineExceeded
}

func (r *PendingResponse) setActive() {
	if r.status != Inactive {
		panic("response submitted twice")
	}
	r.status = Active
}

func (r *PendingResponse) resolve(reply [][]byte) {
	if r.status != Active {
		panic("response resolved in status " + r.status.String())
	}
	r.status = Done
	r.reply = reply
}

func (r *PendingResponse) expire() {
	if r.status != Active {
		panic("response expired in status " + r.status.String())
	}
	r.status = DeadlineExceeded
}

// Closure is a completion callback bound to one PendingResponse. It runs
// exactly once on the goroutine that submitted the request, inside that
// goroutine's WaitUntil, for success and timeout alike, so it should inspect
// the status rather than assume success. A nil Closure is allowed.
type Closure func(*PendingResponse)
