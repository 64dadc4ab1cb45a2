package tcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loopwire/reactor/log"
	"github.com/loopwire/reactor/loop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Server accepts inbound connections on one listen address, fanning each
// one out to a fixed worker pool so a given Connection's I/O always runs
// on the same loop. Grounded on muduo's TcpServer.cc.
type Server struct {
	baseLoop *loop.EventLoop
	ipPort   string
	name     string
	acceptor *Acceptor
	pool     *loop.ThreadPool

	ConnectionCallback    ConnectionCallback
	MessageCallback       MessageCallback
	WriteCompleteCallback WriteCompleteCallback

	mu          sync.Mutex
	connections map[string]*Connection
	nextConnID  int

	started int32
}

// NewServer constructs a Server listening on addr once Start is called.
// numThreads is the size of the worker pool (0 means the accept loop
// itself services every connection).
func NewServer(base *loop.EventLoop, name, addr string, reusePort bool, numThreads int) (*Server, error) {
	s := &Server{
		baseLoop:              base,
		ipPort:                addr,
		name:                  name,
		pool:                  loop.NewThreadPool(base, numThreads),
		ConnectionCallback:    defaultConnectionCallback,
		MessageCallback:       defaultMessageCallback,
		connections:           make(map[string]*Connection),
		nextConnID:            1,
	}
	acc, err := NewAcceptor(base, addr, reusePort)
	if err != nil {
		return nil, err
	}
	acc.NewConnectionCallback = s.newConnection
	s.acceptor = acc
	return s, nil
}

// Name returns the server's configured name, used as a connection-name
// prefix.
func (s *Server) Name() string { return s.name }

// ListenAddr returns the configured listen address.
func (s *Server) ListenAddr() string { return s.ipPort }

// BoundAddr returns the socket's actual bound address, useful when
// ListenAddr used port 0 to request an ephemeral port.
func (s *Server) BoundAddr() (net.Addr, error) {
	return s.acceptor.Addr()
}

// Start starts the worker pool and begins listening. Idempotent.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}
	if err := s.pool.Start(); err != nil {
		return errors.Wrap(err, "tcp: start server thread pool")
	}
	var listenErr error
	s.baseLoop.RunInLoop(func() {
		listenErr = s.acceptor.Listen()
	})
	return listenErr
}

// Stop quits every worker loop's EventLoopThread. Established connections
// already handed out are not forcibly closed; callers that want a clean
// shutdown should ForceClose each Connection first.
func (s *Server) Stop() {
	s.pool.Stop()
}

func (s *Server) newConnection(fd int, peerAddr net.Addr) {
	s.baseLoop.AssertInLoopGoroutine()
	ioLoop := s.pool.GetNextLoop()

	s.mu.Lock()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++
	s.mu.Unlock()

	log.Infof("tcp: server %s accepted %s from %s", s.name, connName, peerAddr)

	localAddr, err := localAddrOf(fd)
	if err != nil {
		log.Warnf("tcp: getsockname on accepted fd failed: %v", err)
	}

	conn := NewConnection(ioLoop, connName, fd, localAddr, peerAddr)
	conn.ConnectionCallback = s.ConnectionCallback
	conn.MessageCallback = s.MessageCallback
	conn.WriteCompleteCallback = s.WriteCompleteCallback
	conn.CloseCallback = s.removeConnection

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.EstablishConnection)
}

func (s *Server) removeConnection(conn *Connection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *Server) removeConnectionInLoop(conn *Connection) {
	s.baseLoop.AssertInLoopGoroutine()
	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()
	log.Infof("tcp: server %s removed %s", s.name, conn.Name())
	conn.loop.QueueInLoop(conn.DestroyConnection)
}

// Connections returns a snapshot of the currently established connections.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

func localAddrOf(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}
