package tcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopwire/reactor/log"
	"github.com/loopwire/reactor/loop"
	"golang.org/x/sys/unix"
)

// Client drives a single outbound connection, auto-reconnecting through
// Connector's backoff unless Stop has been called. Grounded on muduo's
// TcpClient (not retrieved into the pack; the reconnect-on-close wiring
// follows directly from Connector.cc + TcpConnection.cc's closeCallback
// contract, the same way TcpServer wires newConnection/removeConnection).
type Client struct {
	loop       *loop.EventLoop
	name       string
	connector  *Connector
	retryCount int32

	ConnectionCallback    ConnectionCallback
	MessageCallback       MessageCallback
	WriteCompleteCallback WriteCompleteCallback

	mu        sync.Mutex
	conn      *Connection
	connected int32
	retry     bool
	stopped   int32
}

// NewClient constructs a Client that will dial serverAddr once Start is
// called.
func NewClient(l *loop.EventLoop, name string, serverAddr *net.TCPAddr) *Client {
	c := &Client{
		loop:                  l,
		name:                  name,
		retry:                 true,
		ConnectionCallback:    defaultConnectionCallback,
		MessageCallback:       defaultMessageCallback,
	}
	c.connector = NewConnector(l, serverAddr, func(d time.Duration, cb func()) { l.RunAfter(d, cb) })
	c.connector.NewConnectionCallback = c.newConnection
	return c
}

// SetRetry toggles whether the client reconnects after an established
// connection closes. Default is true. Failed dial attempts are retried by
// the Connector whatever this flag says.
func (c *Client) SetRetry(on bool) { c.retry = on }

// Start begins dialing.
func (c *Client) Start() {
	c.connector.Start()
}

// Stop cancels any in-flight dial/retry and, once connected, force-closes
// the active connection without triggering a reconnect.
func (c *Client) Stop() {
	atomic.StoreInt32(&c.stopped, 1)
	c.connector.Stop()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.ForceClose()
	}
}

// Connection returns the currently established connection, or nil if not
// connected.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ConnectCount returns how many times this client has successfully
// established a connection, for diagnostics.
func (c *Client) ConnectCount() int32 { return atomic.LoadInt32(&c.retryCount) }

func (c *Client) newConnection(fd int) {
	c.loop.AssertInLoopGoroutine()

	peerSA, _ := unix.Getpeername(fd)
	localSA, _ := unix.Getsockname(fd)

	connName := c.name
	atomic.AddInt32(&c.retryCount, 1)

	conn := NewConnection(c.loop, connName, fd, sockaddrToTCPAddr(localSA), sockaddrToTCPAddr(peerSA))
	conn.ConnectionCallback = c.ConnectionCallback
	conn.MessageCallback = c.MessageCallback
	conn.WriteCompleteCallback = c.WriteCompleteCallback
	conn.CloseCallback = c.removeConnection

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	atomic.StoreInt32(&c.connected, 1)

	conn.EstablishConnection()
}

// Connected reports whether the client currently has an established
// connection.
func (c *Client) Connected() bool { return atomic.LoadInt32(&c.connected) == 1 }

func (c *Client) removeConnection(conn *Connection) {
	c.loop.AssertInLoopGoroutine()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	atomic.StoreInt32(&c.connected, 0)

	conn.loop.QueueInLoop(conn.DestroyConnection)

	if c.retry && atomic.LoadInt32(&c.stopped) == 0 {
		log.Infof("tcp: client %s reconnecting to %s", c.name, c.connector.serverAddr)
		c.connector.Restart()
	}
}
