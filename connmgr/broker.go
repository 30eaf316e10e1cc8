package connmgr

import (
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
)

type submitKind int

const (
	submitRequest submitKind = iota
	submitConnect
)

// submitMsg travels from caller goroutines to the request routing loop.
// Exactly one of env / conn is populated, per kind.
type submitMsg struct {
	kind submitKind
	env  requestEnvelope
	conn connectRequest
}

// requestEnvelope carries one request into the worker pool. The dispatcher id
// doubles as the routing key: requests from the same dispatcher always land on
// the same worker, which preserves per-goroutine submission order on the wire.
type requestEnvelope struct {
	dispatcherID uint64
	requestID    uint64
	endpoint     string
	frames       [][]byte
}

type connectRequest struct {
	endpoint string
	fut      *common.CountDownFuture
}

type intakeKind int

const (
	intakeRegister intakeKind = iota
	intakeUnregister
	intakeDeliver
)

// replyIntakeMsg travels to the reply routing loop. Dispatchers register and
// unregister their receive channels through the same channel replies arrive
// on, so a registration is always processed before any reply addressed to it.
type replyIntakeMsg struct {
	kind         intakeKind
	dispatcherID uint64
	requestID    uint64
	frames       [][]byte
	recvCh       chan replyEvent
}

type replyEvent struct {
	requestID uint64
	frames    [][]byte
}

// requestLoop fans caller submissions into the worker pool. Connect control
// messages are broadcast to every worker, requests go to the worker the
// originating dispatcher is pinned to. It is the only closer of the worker
// queues.
func (m *ConnectionManager) requestLoop(ready chan<- struct{}) {
	ready <- struct{}{}
	for {
		select {
		case msg := <-m.submitCh:
			if !m.routeSubmit(msg) {
				return
			}
		case <-m.stopCh:
			m.closeWorkerQueues()
			return
		}
	}
}

func (m *ConnectionManager) routeSubmit(msg submitMsg) bool {
	switch msg.kind {
	case submitConnect:
		for _, w := range m.workers {
			select {
			case w.queue <- msg:
			case <-m.stopCh:
				m.closeWorkerQueues()
				return false
			}
		}
	case submitRequest:
		w := m.workers[int(msg.env.dispatcherID)%len(m.workers)]
		select {
		case w.queue <- msg:
		case <-m.stopCh:
			m.closeWorkerQueues()
			return false
		}
	}
	return true
}

func (m *ConnectionManager) closeWorkerQueues() {
	for _, w := range m.workers {
		close(w.queue)
	}
}

// replyLoop fans replies out to the receive channel of the dispatcher that
// issued the request. It outlives the workers so their read callbacks always
// have somewhere to deliver, and must never block: a full receive channel
// means the owning goroutine is not draining, and the reply is dropped there
// rather than stall every other dispatcher.
func (m *ConnectionManager) replyLoop(ready chan<- struct{}) {
	ready <- struct{}{}
	routes := make(map[uint64]chan replyEvent)
	for {
		select {
		case msg := <-m.replyIntake:
			switch msg.kind {
			case intakeRegister:
				routes[msg.dispatcherID] = msg.recvCh
			case intakeUnregister:
				delete(routes, msg.dispatcherID)
			case intakeDeliver:
				recvCh, ok := routes[msg.dispatcherID]
				if !ok {
					log.Debugf("dropping reply for released dispatcher %d", msg.dispatcherID)
					continue
				}
				select {
				case recvCh <- replyEvent{requestID: msg.requestID, frames: msg.frames}:
				default:
					log.Warnf("receive queue of dispatcher %d is full, dropping reply for request %d",
						msg.dispatcherID, msg.requestID)
				}
			}
		case <-m.replyStopCh:
			return
		}
	}
}
