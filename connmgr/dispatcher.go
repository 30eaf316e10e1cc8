package connmgr

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
	"time"
)

type inflightRequest struct {
	resp    *PendingResponse
	closure Closure
	// unix nanos, zero when the request has no deadline
	deadline int64
}

// dispatcher is the per-goroutine side of the pool. Exactly one exists per
// goroutine that has called into the manager, created on first use, and all
// of its fields are touched only by that goroutine. Replies are parked in
// recvCh by the reply routing loop and drained here during waitUntil, which
// is what keeps the submit and completion paths lock-free.
type dispatcher struct {
	id        uint64
	m         *ConnectionManager
	recvCh    chan replyEvent
	reqSeq    uint64
	inflight  map[uint64]*inflightRequest
	deadlines *treemap.Map
}

func newDispatcher(m *ConnectionManager) *dispatcher {
	d := &dispatcher{
		id:        m.dispatcherSeq.Add(1),
		m:         m,
		recvCh:    make(chan replyEvent, m.conf.ReplyQueueSize),
		inflight:  make(map[uint64]*inflightRequest),
		deadlines: treemap.NewWith(utils.Int64Comparator),
	}
	select {
	case m.replyIntake <- replyIntakeMsg{kind: intakeRegister, dispatcherID: d.id, recvCh: d.recvCh}:
	case <-m.replyStopCh:
	}
	return d
}

func (d *dispatcher) submit(endpoint string, frames [][]byte, resp *PendingResponse, deadlineMS int64,
	closure Closure) {
	d.reqSeq++
	id := d.reqSeq
	resp.setActive()
	now := time.Now().UnixNano()
	var deadline int64
	if deadlineMS >= 0 {
		deadline = now + deadlineMS*int64(time.Millisecond)
	}
	env := requestEnvelope{
		dispatcherID: d.id,
		requestID:    id,
		endpoint:     endpoint,
		frames:       common.ByteSlicesCopy(frames),
	}
	// A stopped pool will never carry the request, give it an already
	// elapsed deadline so the owner's next drain expires it. The pre-check
	// matters because submitCh is buffered and would accept the message
	// even with nothing left to drain it.
	if d.m.isStopped() {
		deadline = now
	} else {
		select {
		case d.m.submitCh <- submitMsg{kind: submitRequest, env: env}:
		case <-d.m.stopCh:
			deadline = now
		}
	}
	d.inflight[id] = &inflightRequest{resp: resp, closure: closure, deadline: deadline}
	if deadline != 0 {
		d.addDeadline(deadline, id)
	}
}

// waitUntil drains completions for this goroutine until cond is satisfied or
// a process stop is requested. A nil cond drains whatever is in flight and
// returns as soon as nothing is pending. The condition is re-evaluated after
// every completion, so closures that mutate state observed by it take effect
// immediately.
func (d *dispatcher) waitUntil(cond StoppingCondition) WaitResult {
	for {
		if d.m.stopper.Requested() {
			return WaitStoppedBySignal
		}
		if cond != nil && cond.ShouldStop() {
			return WaitStoppedByCondition
		}
		if d.resolveNextExpired(time.Now().UnixNano()) {
			continue
		}
		select {
		case ev := <-d.recvCh:
			d.resolveReply(ev)
			continue
		default:
		}
		if cond == nil && len(d.inflight) == 0 {
			return WaitNothingPending
		}
		select {
		case ev := <-d.recvCh:
			d.resolveReply(ev)
		case <-time.After(d.pollTimeout(time.Now().UnixNano())):
		case <-d.m.stopper.Done():
			return WaitStoppedBySignal
		}
	}
}

func (d *dispatcher) resolveReply(ev replyEvent) {
	req, ok := d.inflight[ev.requestID]
	if !ok {
		// Request already expired, late replies are dropped.
		log.Debugf("dropping late reply for request %d", ev.requestID)
		return
	}
	delete(d.inflight, ev.requestID)
	d.removeDeadline(req.deadline, ev.requestID)
	req.resp.resolve(ev.frames)
	if req.closure != nil {
		req.closure(req.resp)
	}
}

// resolveNextExpired expires at most one request, the one with the earliest
// elapsed deadline, so the stopping condition is re-evaluated between
// completions.
func (d *dispatcher) resolveNextExpired(now int64) bool {
	k, v := d.deadlines.Min()
	if k == nil {
		return false
	}
	deadline := k.(int64)
	if deadline > now {
		return false
	}
	ids := v.([]uint64)
	id := ids[0]
	if len(ids) == 1 {
		d.deadlines.Remove(deadline)
	} else {
		d.deadlines.Put(deadline, ids[1:])
	}
	req := d.inflight[id]
	delete(d.inflight, id)
	req.resp.expire()
	if req.closure != nil {
		req.closure(req.resp)
	}
	return true
}

// pollTimeout bounds how long waitUntil sleeps: the configured poll interval,
// shortened if an in-flight deadline lands sooner.
func (d *dispatcher) pollTimeout(now int64) time.Duration {
	timeout := d.m.conf.PollInterval
	if k, _ := d.deadlines.Min(); k != nil {
		if until := time.Duration(k.(int64) - now); until < timeout {
			timeout = until
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

func (d *dispatcher) addDeadline(deadline int64, id uint64) {
	var ids []uint64
	if v, ok := d.deadlines.Get(deadline); ok {
		ids = v.([]uint64)
	}
	d.deadlines.Put(deadline, append(ids, id))
}

func (d *dispatcher) removeDeadline(deadline int64, id uint64) {
	if deadline == 0 {
		return
	}
	v, ok := d.deadlines.Get(deadline)
	if !ok {
		return
	}
	ids := v.([]uint64)
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		d.deadlines.Remove(deadline)
	} else {
		d.deadlines.Put(deadline, ids)
	}
}

// release expires everything still in flight, running the closures on the
// calling goroutine, and detaches the dispatcher from the reply routing loop.
func (d *dispatcher) release() {
	select {
	case d.m.replyIntake <- replyIntakeMsg{kind: intakeUnregister, dispatcherID: d.id}:
	case <-d.m.replyStopCh:
	}
	for id, req := range d.inflight {
		delete(d.inflight, id)
		req.resp.expire()
		if req.closure != nil {
			req.closure(req.resp)
		}
	}
	d.deadlines.Clear()
}
