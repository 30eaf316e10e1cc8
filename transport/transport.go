package transport

import (
	"crypto/tls"
	"github.com/pkg/errors"
	"sync"
)

// ReplyHandler is called by a connection's read loop for every reply that
// arrives. Frames are owned by the callee. Returning an error tears the
// connection down, so handlers that merely don't recognise a correlation id
// should drop the reply and return nil.
type ReplyHandler func(correlationID uint64, frames [][]byte) error

// RequestHandler handles one request on a server and returns the reply frames.
// Returning ErrNoReply suppresses the reply without logging, any other error is
// logged and the requester times out.
type RequestHandler func(frames [][]byte) ([][]byte, error)

// ErrNoReply tells a server not to reply to a request. Used by servers that
// deliberately stay mute, e.g. when exercising requester deadlines.
var ErrNoReply = errors.New("no reply")

// Conn is the requester end of a connection. Implementations are safe for use
// by a single writer goroutine, replies are delivered on the connection's own
// read goroutine.
type Conn interface {
	// SendRequest writes one correlated request. Frames must not be modified
	// after the call returns.
	SendRequest(correlationID uint64, frames [][]byte) error
	Close() error
}

type Server interface {
	Start() error
	Stop() error
	Address() string
}

// Context owns the resources connections are created from: the in-process
// endpoint registry and the client TLS configuration. Connections and servers
// made from the same context can reach each other over inproc endpoints.
// The zero value is not usable, create one with NewContext.
type Context struct {
	lock      sync.Mutex
	inproc    map[string]*inprocServer
	clientTLS *tls.Config
	serverTLS ServerTLSConfig
	closed    bool
}

func NewContext() *Context {
	return &Context{
		inproc: map[string]*inprocServer{},
	}
}

// NewContextWithTLS creates a context whose tcp and ws connections and servers
// use the given TLS configurations. Either side may be disabled.
func NewContextWithTLS(clientConf ClientTLSConfig, serverConf ServerTLSConfig) (*Context, error) {
	goTLS, err := clientConf.ToGoTLSConfig()
	if err != nil {
		return nil, err
	}
	ctx := NewContext()
	ctx.clientTLS = goTLS
	ctx.serverTLS = serverConf
	return ctx, nil
}

// Dial connects to the endpoint and starts delivering replies to handler.
func (c *Context) Dial(endpoint string, handler ReplyHandler) (Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return nil, errors.New("context is closed")
	}
	switch ep.Scheme {
	case SchemeTCP:
		return dialSocket(ep.Address, c.clientTLS, handler)
	case SchemeInproc:
		return c.dialInproc(ep.Address, handler)
	case SchemeWS:
		return dialWS(ep.Address, c.clientTLS, handler)
	default:
		// ParseEndpoint only lets known schemes through
		panic("unreachable")
	}
}

// NewServer creates a server bound to the endpoint. The server does not accept
// connections until Start is called.
func (c *Context) NewServer(endpoint string, handler RequestHandler) (Server, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case SchemeTCP:
		return newSocketServer(ep.Address, c.serverTLS, handler), nil
	case SchemeInproc:
		return c.newInprocServer(ep.Address, handler), nil
	case SchemeWS:
		return newWSServer(ep.Address, c.serverTLS, handler), nil
	default:
		panic("unreachable")
	}
}

// Close stops any inproc servers still registered and fails further dials.
// Socket and websocket servers are stopped by their owners.
func (c *Context) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	var servers []*inprocServer
	for _, srv := range c.inproc {
		servers = append(servers, srv)
	}
	c.lock.Unlock()
	for _, srv := range servers {
		if err := srv.Stop(); err != nil {
			return err
		}
	}
	return nil
}
