// Copyright 2024 The Rpcz Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connmgr pools a small, fixed number of outbound connections behind
// an asynchronous request/response surface that any number of goroutines can
// share without locking. Each calling goroutine gets its own dispatcher with
// a private lane into the pool, requests it submits are answered back on the
// same goroutine, and completions only ever run while it sits in WaitUntil.
package connmgr

import (
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
	"github.com/lyager/rpcz/shutdown"
	"github.com/lyager/rpcz/transport"
	"github.com/pkg/errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultWorkers        = 1
	DefaultQueueSize      = 128
	DefaultReplyQueueSize = 128
	DefaultPollInterval   = 100 * time.Millisecond
)

// ErrStopped is returned by Connect once the manager has been stopped.
var ErrStopped = errors.New("connection manager is stopped")

type Conf struct {
	// Workers is the number of pool goroutines owning outbound connections.
	Workers int
	// QueueSize bounds the submission channel and each worker's queue.
	QueueSize int
	// ReplyQueueSize bounds each dispatcher's receive channel. Replies
	// arriving while it is full are dropped and resolve via the deadline.
	ReplyQueueSize int
	// PollInterval bounds how long WaitUntil sleeps between re-evaluating
	// its stopping condition when nothing is arriving.
	PollInterval time.Duration
	// TransportContext, when set, is used instead of a context owned by the
	// manager and is not closed on Stop.
	TransportContext *transport.Context
	// Stopper is the coordinator WaitUntil observes for process-wide stop.
	// Defaults to the process coordinator.
	Stopper *shutdown.Coordinator
}

func (c *Conf) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ReplyQueueSize <= 0 {
		c.ReplyQueueSize = DefaultReplyQueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Stopper == nil {
		c.Stopper = shutdown.Process()
	}
}

// ConnectionManager owns the worker pool, the two routing goroutines and,
// unless one was supplied, the transport context. Create one per process or
// per distinct transport configuration, Connect to endpoints through it and
// Stop it when done.
type ConnectionManager struct {
	conf          Conf
	tctx          *transport.Context
	ownsContext   bool
	stopper       *shutdown.Coordinator
	workers       []*worker
	submitCh      chan submitMsg
	replyIntake   chan replyIntakeMsg
	stopCh        chan struct{}
	replyStopCh   chan struct{}
	coreGroup     sync.WaitGroup
	replyGroup    sync.WaitGroup
	stopLock      sync.Mutex
	stopped       bool
	dispatchers   common.GRLocal
	dispatcherSeq atomic.Uint64
}

// NewConnectionManager creates a manager with the given number of workers and
// a transport context of its own. It does not return until every worker and
// routing goroutine is running.
func NewConnectionManager(workers int) *ConnectionManager {
	return NewConnectionManagerWithConf(Conf{Workers: workers})
}

// NewConnectionManagerWithContext creates a manager on an externally owned
// transport context. The context is shared, Stop does not close it.
func NewConnectionManagerWithContext(tctx *transport.Context, workers int) *ConnectionManager {
	return NewConnectionManagerWithConf(Conf{Workers: workers, TransportContext: tctx})
}

func NewConnectionManagerWithConf(conf Conf) *ConnectionManager {
	conf.ApplyDefaults()
	m := &ConnectionManager{
		conf:        conf,
		tctx:        conf.TransportContext,
		stopper:     conf.Stopper,
		submitCh:    make(chan submitMsg, conf.QueueSize),
		replyIntake: make(chan replyIntakeMsg, conf.ReplyQueueSize),
		stopCh:      make(chan struct{}),
		replyStopCh: make(chan struct{}),
		dispatchers: common.NewGRLocal(),
	}
	if m.tctx == nil {
		m.tctx = transport.NewContext()
		m.ownsContext = true
	}
	for i := 0; i < conf.Workers; i++ {
		m.workers = append(m.workers, newWorker(i, m, conf.QueueSize))
	}
	ready := make(chan struct{}, conf.Workers+2)
	m.coreGroup.Add(conf.Workers + 1)
	for _, w := range m.workers {
		w := w
		common.Go(func() {
			defer m.coreGroup.Done()
			w.run(ready)
		})
	}
	common.Go(func() {
		defer m.coreGroup.Done()
		m.requestLoop(ready)
	})
	m.replyGroup.Add(1)
	common.Go(func() {
		defer m.replyGroup.Done()
		m.replyLoop(ready)
	})
	for i := 0; i < conf.Workers+2; i++ {
		<-ready
	}
	return m
}

// Connect registers the endpoint with every worker and returns a handle for
// it. It returns a nil Connection if the endpoint string is malformed or the
// manager is stopped. An endpoint that parses but is not currently listening
// still connects, requests to it resolve through their deadlines until the
// peer appears. Connecting twice to the same endpoint is allowed and yields
// independent handles over the same pooled connections.
func (m *ConnectionManager) Connect(endpoint string) (Connection, error) {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	canonical := ep.String()
	if m.isStopped() {
		return nil, ErrStopped
	}
	done := make(chan error, 1)
	fut := common.NewCountDownFuture(m.conf.Workers, func(err error) {
		done <- err
	})
	msg := submitMsg{kind: submitConnect, conn: connectRequest{endpoint: canonical, fut: fut}}
	select {
	case m.submitCh <- msg:
	case <-m.stopCh:
		return nil, ErrStopped
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-m.stopCh:
		return nil, ErrStopped
	}
	return &connection{m: m, ep: canonical}, nil
}

// WorkerCount returns the worker pool size given at construction. Routing
// goroutines are not counted and the value never changes over the manager's
// lifetime.
func (m *ConnectionManager) WorkerCount() int {
	return m.conf.Workers
}

// ReleaseCurrent tears down the calling goroutine's dispatcher. Requests it
// still has in flight expire as DeadlineExceeded and their closures run here,
// a final drain on the owning goroutine. Call it before a goroutine that has
// used the manager exits, the dispatcher is not reclaimed otherwise.
func (m *ConnectionManager) ReleaseCurrent() {
	v, ok := m.dispatchers.Get()
	if !ok {
		return
	}
	v.(*dispatcher).release()
	m.dispatchers.Delete()
}

// Stop shuts the pool down: workers and the request router first, the reply
// router once they have exited, then the owned transport context. Callers
// must have stopped submitting, a request submitted during or after Stop is
// never sent and expires on its owner's next WaitUntil. Idempotent.
func (m *ConnectionManager) Stop() {
	m.stopLock.Lock()
	defer m.stopLock.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.coreGroup.Wait()
	close(m.replyStopCh)
	m.replyGroup.Wait()
	if m.ownsContext {
		if err := m.tctx.Close(); err != nil {
			log.Warnf("failed to close transport context: %v", err)
		}
	}
}

func (m *ConnectionManager) isStopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) dispatcher() *dispatcher {
	return m.dispatchers.GetOrCreate(func() any {
		return newDispatcher(m)
	}).(*dispatcher)
}
