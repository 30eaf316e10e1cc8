package connmgr

import (
	log "github.com/lyager/rpcz/logger"
	"github.com/lyager/rpcz/transport"
	"sync"
)

// worker owns real outbound connections. All of its state except pending is
// confined to the worker goroutine; pending is also touched by connection
// read goroutines delivering replies.
type worker struct {
	id      int
	m       *ConnectionManager
	queue   chan submitMsg
	conns   map[string]transport.Conn
	pending *pendingReplies
	corrSeq uint64
}

func newWorker(id int, m *ConnectionManager, queueSize int) *worker {
	return &worker{
		id:      id,
		m:       m,
		queue:   make(chan submitMsg, queueSize),
		conns:   make(map[string]transport.Conn),
		pending: newPendingReplies(),
	}
}

func (w *worker) run(ready chan<- struct{}) {
	ready <- struct{}{}
	for msg := range w.queue {
		switch msg.kind {
		case submitConnect:
			w.handleConnect(msg.conn)
		case submitRequest:
			w.handleSend(msg.env)
		}
	}
	w.closeConns()
}

// handleConnect opens an outbound connection to the endpoint if the peer is
// reachable. An unreachable peer is not an error at connect time, the dial is
// retried when the first request for the endpoint arrives, so requests to a
// peer that never appears resolve through their deadline.
func (w *worker) handleConnect(req connectRequest) {
	defer req.fut.CountDown(nil)
	if _, ok := w.conns[req.endpoint]; ok {
		return
	}
	conn, err := w.m.tctx.Dial(req.endpoint, w.handleReply)
	if err != nil {
		log.Debugf("deferring connection to %s: %v", req.endpoint, err)
		return
	}
	w.conns[req.endpoint] = conn
}

func (w *worker) handleSend(env requestEnvelope) {
	conn, err := w.connectionFor(env.endpoint)
	if err != nil {
		log.Warnf("cannot reach %s, dropping request: %v", env.endpoint, err)
		return
	}
	w.corrSeq++
	correlationID := w.corrSeq
	w.pending.add(correlationID, replyRoute{dispatcherID: env.dispatcherID, requestID: env.requestID})
	if err := conn.SendRequest(correlationID, env.frames); err != nil {
		w.pending.remove(correlationID)
		w.dropConn(env.endpoint, conn)
		log.Warnf("failed to send request to %s: %v", env.endpoint, err)
	}
}

func (w *worker) connectionFor(endpoint string) (transport.Conn, error) {
	if conn, ok := w.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := w.m.tctx.Dial(endpoint, w.handleReply)
	if err != nil {
		return nil, err
	}
	w.conns[endpoint] = conn
	return conn, nil
}

// dropConn discards a connection that failed a send so the next request
// redials instead of hitting a dead socket again.
func (w *worker) dropConn(endpoint string, conn transport.Conn) {
	delete(w.conns, endpoint)
	if err := conn.Close(); err != nil {
		log.Debugf("failed to close connection to %s: %v", endpoint, err)
	}
}

// handleReply runs on a connection read goroutine. It forwards the reply to
// the routing loop addressed to the dispatcher that issued the request.
// Replies that cannot be matched belong to requests already abandoned in a
// shutdown race and are dropped.
func (w *worker) handleReply(correlationID uint64, frames [][]byte) error {
	route, ok := w.pending.remove(correlationID)
	if !ok {
		log.Debugf("dropping reply with unknown correlation id %d", correlationID)
		return nil
	}
	select {
	case w.m.replyIntake <- replyIntakeMsg{
		kind:         intakeDeliver,
		dispatcherID: route.dispatcherID,
		requestID:    route.requestID,
		frames:       frames,
	}:
	case <-w.m.stopCh:
	}
	return nil
}

func (w *worker) closeConns() {
	for endpoint, conn := range w.conns {
		if err := conn.Close(); err != nil {
			log.Warnf("failed to close connection to %s: %v", endpoint, err)
		}
	}
}

type replyRoute struct {
	dispatcherID uint64
	requestID    uint64
}

// pendingReplies maps the correlation ids a worker has put on the wire to the
// dispatcher waiting for each reply. Connection read goroutines resolve
// against it concurrently with the worker adding entries.
type pendingReplies struct {
	lock   sync.Mutex
	routes map[uint64]replyRoute
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{routes: make(map[uint64]replyRoute)}
}

func (p *pendingReplies) add(correlationID uint64, route replyRoute) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.routes[correlationID] = route
}

func (p *pendingReplies) remove(correlationID uint64) (replyRoute, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	route, ok := p.routes[correlationID]
	if ok {
		delete(p.routes, correlationID)
	}
	return route, ok
}
