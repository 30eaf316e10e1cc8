package transport

import (
	"crypto/tls"
	"github.com/gorilla/websocket"
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
	"github.com/pkg/errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Websocket messages carry the message body without the 4 byte length prefix,
// the protocol preserves message boundaries itself.

// Client

type wsConn struct {
	lock         sync.Mutex
	conn         *websocket.Conn
	handler      ReplyHandler
	writeTimeout time.Duration
	closeGroup   sync.WaitGroup
	closed       bool
}

func dialWS(address string, tlsConf *tls.Config, handler ReplyHandler) (Conn, error) {
	scheme := "ws"
	if tlsConf != nil {
		scheme = "wss"
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConf,
		HandshakeTimeout: dialTimeout,
	}
	conn, _, err := dialer.Dial(scheme+"://"+address, nil)
	if err != nil {
		return nil, convertNetworkError(err)
	}
	wc := &wsConn{
		conn:         conn,
		handler:      handler,
		writeTimeout: defaultWriteTimeout,
	}
	wc.start()
	return wc, nil
}

func (w *wsConn) start() {
	w.closeGroup.Add(1)
	common.Go(func() {
		defer w.closeGroup.Done()
		for {
			msgType, data, err := w.conn.ReadMessage()
			if err != nil {
				if !w.isClosed() && !isWSClosedErr(err) {
					log.Errorf("failed to read reply message: %v", err)
				}
				break
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			correlationID, frames, err := DecodeMessage(data)
			if err != nil {
				log.Errorf("failed to decode reply message: %v", err)
				break
			}
			if err := w.handler(correlationID, frames); err != nil {
				log.Errorf("failed to deliver reply: %v", err)
				break
			}
		}
		if err := w.conn.Close(); err != nil {
			// Ignore
		}
	})
}

func (w *wsConn) isClosed() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.closed
}

func (w *wsConn) SendRequest(correlationID uint64, frames [][]byte) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return errors.New("connection closed")
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	buff := EncodeMessage(correlationID, frames)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, buff[4:]); err != nil {
		return convertNetworkError(err)
	}
	return nil
}

func (w *wsConn) Close() error {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return nil
	}
	w.closed = true
	if err := w.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		// Ignore - the peer may already be gone
	}
	err := w.conn.Close()
	w.lock.Unlock()
	w.closeGroup.Wait()
	return err
}

// Server

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// not browser facing, any origin may connect
		return true
	},
}

type wsServer struct {
	lock        sync.RWMutex
	address     string
	tlsConf     ServerTLSConfig
	handler     RequestHandler
	started     bool
	listener    net.Listener
	httpServer  *http.Server
	serveGroup  sync.WaitGroup
	connections sync.Map
}

func newWSServer(address string, tlsConf ServerTLSConfig, handler RequestHandler) *wsServer {
	return &wsServer{
		address: address,
		tlsConf: tlsConf,
		handler: handler,
	}
}

func (s *wsServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	if s.tlsConf.Enabled {
		tlsConfig, err := s.tlsConf.ToGoTLSConfig()
		if err != nil {
			if err2 := list.Close(); err2 != nil {
				// Ignore
			}
			return err
		}
		list = tls.NewListener(list, tlsConfig)
	}
	s.listener = list
	s.address = list.Addr().String()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}
	s.started = true
	s.serveGroup.Add(1)
	common.Go(func() {
		defer s.serveGroup.Done()
		if err := s.httpServer.Serve(list); err != nil && err != http.ErrServerClosed {
			log.Errorf("websocket server failed: %v", err)
		}
	})
	log.Debugf("started websocket server on address %s", s.address)
	return nil
}

func (s *wsServer) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	if err := s.httpServer.Close(); err != nil {
		// Ignore
	}
	s.serveGroup.Wait()
	// Closing the http server does not touch upgraded connections, they are
	// hijacked from it, so close them ourselves
	s.connections.Range(func(conn, _ interface{}) bool {
		conn.(*wsServerConn).stop()
		return true
	})
	s.started = false
	return nil
}

func (s *wsServer) Address() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.address
}

func (s *wsServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("failed to upgrade websocket connection: %v", err)
		return
	}
	c := &wsServerConn{
		s:    s,
		conn: conn,
	}
	s.connections.Store(c, struct{}{})
	c.start()
}

type wsServerConn struct {
	s          *wsServer
	conn       *websocket.Conn
	closeGroup sync.WaitGroup
	lock       sync.Mutex
	closed     bool
}

func (c *wsServerConn) start() {
	c.closeGroup.Add(1)
	common.Go(c.readLoop)
}

func (c *wsServerConn) readLoop() {
	defer c.closeGroup.Done()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !isWSClosedErr(err) {
				log.Errorf("error in reading from server connection: %v", err)
			}
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := c.handleMessage(data); err != nil {
			log.Errorf("failed to handle websocket message: %v", err)
			break
		}
	}
	if err := c.conn.Close(); err != nil {
		// Ignore
	}
	c.cleanUp()
}

func (c *wsServerConn) handleMessage(buff []byte) error {
	correlationID, frames, err := DecodeMessage(buff)
	if err != nil {
		return err
	}
	reply, err := c.s.handler(frames)
	if err != nil {
		if errors.Is(err, ErrNoReply) {
			return nil
		}
		log.Errorf("request handler failed: %v", err)
		return nil
	}
	buff = EncodeMessage(correlationID, reply)
	return c.writeMessage(buff[4:])
}

func (c *wsServerConn) writeMessage(buff []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buff)
}

func (c *wsServerConn) cleanUp() {
	c.s.connections.Delete(c)
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

func (c *wsServerConn) stop() {
	c.lock.Lock()
	c.closed = true
	if err := c.conn.Close(); err != nil {
		// Ignore
	}
	c.lock.Unlock()
	c.closeGroup.Wait()
}

func isWSClosedErr(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return isClosedConnErr(err)
}
