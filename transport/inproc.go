package transport

import (
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
	"github.com/pkg/errors"
	"sync"
)

const inprocBufferSize = 100

// inprocServer serves requests from connections in the same process. It is
// registered in its context's registry under a name, connections dial it by
// that name. Mainly used in testing and for wiring components of one process
// together without sockets.
type inprocServer struct {
	ctx     *Context
	name    string
	handler RequestHandler
	lock    sync.Mutex
	started bool
	stopped bool
	conns   map[*inprocConn]struct{}
}

func (c *Context) newInprocServer(name string, handler RequestHandler) *inprocServer {
	return &inprocServer{
		ctx:     c,
		name:    name,
		handler: handler,
		conns:   map[*inprocConn]struct{}{},
	}
}

func (s *inprocServer) Start() error {
	s.ctx.lock.Lock()
	defer s.ctx.lock.Unlock()
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	if _, exists := s.ctx.inproc[s.name]; exists {
		return errors.Errorf("inproc server already bound at '%s'", s.name)
	}
	s.ctx.inproc[s.name] = s
	s.started = true
	s.stopped = false
	return nil
}

func (s *inprocServer) Stop() error {
	s.ctx.lock.Lock()
	delete(s.ctx.inproc, s.name)
	s.ctx.lock.Unlock()
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return nil
	}
	s.started = false
	s.stopped = true
	var conns []*inprocConn
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.lock.Unlock()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			// Ignore
		}
	}
	return nil
}

func (s *inprocServer) Address() string {
	return s.name
}

func (c *Context) dialInproc(name string, handler ReplyHandler) (Conn, error) {
	c.lock.Lock()
	srv, ok := c.inproc[name]
	c.lock.Unlock()
	if !ok {
		return nil, errors.Errorf("no inproc server bound at '%s'", name)
	}
	return srv.newConn(handler)
}

func (s *inprocServer) newConn(handler ReplyHandler) (*inprocConn, error) {
	conn := &inprocConn{
		srv:     s,
		handler: handler,
		msgChan: make(chan inprocDelivery, inprocBufferSize),
	}
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return nil, errors.Errorf("inproc server at '%s' is stopped", s.name)
	}
	s.conns[conn] = struct{}{}
	s.lock.Unlock()
	conn.start()
	return conn, nil
}

func (s *inprocServer) removeConn(conn *inprocConn) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.conns, conn)
}

type inprocDelivery struct {
	correlationID uint64
	frames        [][]byte
}

type inprocConn struct {
	srv     *inprocServer
	handler ReplyHandler
	lock    sync.Mutex
	stopped bool
	msgChan chan inprocDelivery
	stopWG  sync.WaitGroup
}

func (c *inprocConn) start() {
	c.stopWG.Add(1)
	common.Go(c.deliverLoop)
}

// deliverLoop handles requests serially so one connection's requests are
// replied to in the order they were sent, same as the socket transport.
func (c *inprocConn) deliverLoop() {
	defer c.stopWG.Done()
	for del := range c.msgChan {
		reply, err := c.srv.handler(del.frames)
		if err != nil {
			if errors.Is(err, ErrNoReply) {
				continue
			}
			log.Errorf("request handler failed: %v", err)
			continue
		}
		if err := c.handler(del.correlationID, common.ByteSlicesCopy(reply)); err != nil {
			log.Errorf("failed to deliver reply: %v", err)
		}
	}
}

func (c *inprocConn) SendRequest(correlationID uint64, frames [][]byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	c.msgChan <- inprocDelivery{
		correlationID: correlationID,
		frames:        common.ByteSlicesCopy(frames),
	}
	return nil
}

func (c *inprocConn) Close() error {
	c.closeChannel()
	c.stopWG.Wait()
	c.srv.removeConn(c)
	return nil
}

func (c *inprocConn) closeChannel() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.msgChan)
}
