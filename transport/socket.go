package transport

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"github.com/lyager/rpcz/common"
	log "github.com/lyager/rpcz/logger"
	"github.com/pkg/errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	readBuffSize        = 8 * 1024
	dialTimeout         = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Client

type socketConn struct {
	lock         sync.Mutex
	conn         net.Conn
	handler      ReplyHandler
	writeTimeout time.Duration
	closeGroup   sync.WaitGroup
	closed       bool
}

func dialSocket(address string, tlsConf *tls.Config, handler ReplyHandler) (Conn, error) {
	var netConn net.Conn
	var tcpConn *net.TCPConn
	if tlsConf != nil {
		var err error
		netConn, err = tls.Dial("tcp", address, tlsConf)
		if err != nil {
			return nil, convertNetworkError(err)
		}
		rawConn := netConn.(*tls.Conn).NetConn()
		tcpConn = rawConn.(*net.TCPConn)
	} else {
		d := net.Dialer{Timeout: dialTimeout}
		var err error
		netConn, err = d.Dial("tcp", address)
		if err != nil {
			return nil, convertNetworkError(err)
		}
		tcpConn = netConn.(*net.TCPConn)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return nil, err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return nil, err
	}
	sc := &socketConn{
		conn:         netConn,
		handler:      handler,
		writeTimeout: defaultWriteTimeout,
	}
	sc.start()
	return sc, nil
}

func convertNetworkError(err error) error {
	return errors.Errorf("transport error: %v", err)
}

func (s *socketConn) start() {
	s.closeGroup.Add(1)
	common.Go(func() {
		defer s.readPanicHandler()
		defer s.closeGroup.Done()
		if err := readMessages(s.conn, s.handleReply); err != nil {
			if !isClosedConnErr(err) {
				log.Errorf("failed to read reply message: %v", err)
			}
			if err := s.conn.Close(); err != nil {
				// Ignore
			}
		}
	})
}

func (s *socketConn) readPanicHandler() {
	if r := recover(); r != nil {
		log.Errorf("failure in connection read loop: %v", r)
		if err := s.conn.Close(); err != nil {
			// Ignore
		}
	}
}

func (s *socketConn) handleReply(buff []byte) error {
	correlationID, frames, err := DecodeMessage(buff)
	if err != nil {
		return err
	}
	return s.handler(correlationID, frames)
}

func (s *socketConn) SendRequest(correlationID uint64, frames [][]byte) error {
	return s.writeMessage(EncodeMessage(correlationID, frames))
}

func (s *socketConn) writeMessage(buff []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errors.New("connection closed")
	}
	// Set a write deadline so the write doesn't block for a long time in case the other side of the TCP connection
	// disappears
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(buff); err != nil {
		return convertNetworkError(err)
	}
	return nil
}

func (s *socketConn) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	err := s.conn.Close()
	s.lock.Unlock()
	s.closeGroup.Wait()
	return err
}

// Server

type socketServer struct {
	lock                sync.RWMutex
	address             string
	tlsConf             ServerTLSConfig
	handler             RequestHandler
	started             bool
	listener            net.Listener
	acceptLoopExitGroup sync.WaitGroup
	connections         sync.Map
}

func newSocketServer(address string, tlsConf ServerTLSConfig, handler RequestHandler) *socketServer {
	return &socketServer{
		address: address,
		tlsConf: tlsConf,
		handler: handler,
	}
}

func (s *socketServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := s.createNetworkListener()
	if err != nil {
		return err
	}
	s.listener = list
	// the configured address may have port 0, the listener knows the real one
	s.address = list.Addr().String()
	s.started = true
	s.acceptLoopExitGroup.Add(1)
	common.Go(s.acceptLoop)
	log.Debugf("started socket server on address %s", s.address)
	return nil
}

func (s *socketServer) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		// Ignore
	}
	// Wait for accept loop to exit
	s.acceptLoopExitGroup.Wait()
	// Now close connections
	s.connections.Range(func(conn, _ interface{}) bool {
		conn.(*socketServerConn).stop()
		return true
	})
	s.started = false
	return nil
}

func (s *socketServer) Address() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.address
}

func (s *socketServer) createNetworkListener() (net.Listener, error) {
	list, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, err
	}
	if s.tlsConf.Enabled {
		tlsConfig, err := s.tlsConf.ToGoTLSConfig()
		if err != nil {
			if err2 := list.Close(); err2 != nil {
				// Ignore
			}
			return nil, err
		}
		list = tls.NewListener(list, tlsConfig)
	}
	return list, nil
}

func (s *socketServer) acceptLoop() {
	defer s.acceptLoopExitGroup.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Ok - was closed
			break
		}
		c := &socketServerConn{
			s:    s,
			conn: conn,
		}
		s.connections.Store(c, struct{}{})
		c.start()
	}
}

func (s *socketServer) removeConnection(conn *socketServerConn) {
	s.connections.Delete(conn)
}

type socketServerConn struct {
	s          *socketServer
	conn       net.Conn
	closeGroup sync.WaitGroup
	lock       sync.Mutex
	closed     bool
}

func (c *socketServerConn) start() {
	c.closeGroup.Add(1)
	common.Go(c.readLoop)
}

func (c *socketServerConn) readLoop() {
	defer c.readPanicHandler()
	defer c.closeGroup.Done()
	if err := readMessages(c.conn, c.handleMessage); err != nil {
		// Closed connection errors are normal on server shutdown - we ignore them
		if !isClosedConnErr(err) {
			log.Errorf("error in reading from server connection: %v", err)
		}
		if err := c.conn.Close(); err != nil {
			// Ignore
		}
	}
	c.cleanUp()
}

// handleMessage runs on the read loop so requests from one connection are
// handled, and replied to, in arrival order.
func (c *socketServerConn) handleMessage(buff []byte) error {
	correlationID, frames, err := DecodeMessage(buff)
	if err != nil {
		return err
	}
	reply, err := c.s.handler(frames)
	if err != nil {
		if errors.Is(err, ErrNoReply) {
			return nil
		}
		// No reply travels back, the requester resolves via its deadline
		log.Errorf("request handler failed: %v", err)
		return nil
	}
	return c.writeMessage(EncodeMessage(correlationID, reply))
}

func (c *socketServerConn) writeMessage(buff []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	_, err := c.conn.Write(buff)
	return err
}

func (c *socketServerConn) cleanUp() {
	c.s.removeConnection(c)
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

func (c *socketServerConn) readPanicHandler() {
	// We use a custom panic handler as we don't want the server to panic and crash if it receives a malformed
	// request which has insufficient bytes in the buffer which would cause a runtime error: index out of range panic
	if r := recover(); r != nil {
		// Log using fmt as logger might be cleaned up and unusable by this point
		fmt.Printf("failure in connection read loop: %v\n", r)
		if err := c.conn.Close(); err != nil {
			// Ignore
		}
		c.cleanUp()
	}
}

func (c *socketServerConn) stop() {
	c.lock.Lock()
	c.closed = true
	if err := c.conn.Close(); err != nil {
		// Do nothing - connection might already have been closed (e.g. from client)
	}
	c.lock.Unlock()
	c.closeGroup.Wait()
}

func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// readMessages reads messages that are length prefixed with a big-endian 32 bit integer and calls the provided
// message handler with each message body
func readMessages(conn net.Conn, messageHandler func([]byte) error) error {
	buff := make([]byte, readBuffSize)
	var err error
	var readPos, n int
	for {
		// read the message size
		bytesRequired := 4 - readPos
		if bytesRequired > 0 {
			n, err = io.ReadAtLeast(conn, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		totSize := 4 + int(binary.BigEndian.Uint32(buff))
		bytesRequired = totSize - readPos
		if bytesRequired > 0 {
			// If we haven't already read enough bytes, read the entire message body
			if totSize > len(buff) {
				// buffer isn't big enough, resize it
				nb := make([]byte, totSize)
				copy(nb, buff)
				buff = nb
			}
			n, err = io.ReadAtLeast(conn, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		// Note that the buffer is reused so it's up to the handler to copy any data out of the message before
		// it returns
		err = messageHandler(buff[4:totSize])
		if err != nil {
			break
		}
		remainingBytes := readPos - totSize
		if remainingBytes > 0 {
			// Bytes for another message(s) have already been read, don't throw these away
			if remainingBytes < totSize {
				// we can copy directly as no overlap
				copy(buff, buff[totSize:readPos])
			} else {
				// too many bytes remaining, we have to create a new buffer
				nb := make([]byte, len(buff))
				copy(nb, buff[totSize:readPos])
				buff = nb
			}
		}
		readPos = remainingBytes
	}
	if err == io.EOF {
		return nil
	}
	return err
}
