package tcp

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/loopwire/reactor/buffer"
	"github.com/loopwire/reactor/channel"
	"github.com/loopwire/reactor/internal/sockopt"
	"github.com/loopwire/reactor/log"
	"golang.org/x/sys/unix"
)

type connState int32

const (
	connConnecting connState = iota
	connConnected
	connDisconnecting
	connDisconnected
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connConnected:
		return "connected"
	case connDisconnecting:
		return "disconnecting"
	case connDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// defaultHighWaterMark matches muduo's TcpConnection default of 64MiB.
const defaultHighWaterMark = 64 * 1024 * 1024

// Connection is one established TCP connection: its fd, Channel,
// input/output Buffers, and the user callbacks driving it. Grounded on
// muduo's TcpConnection.cc.
type Connection struct {
	loop loopHandle
	name string
	fd   int

	stateVal int32 // connState, atomic so Connected() is readable off-loop
	reading  bool

	chann *channel.Channel

	localAddr net.Addr
	peerAddr  net.Addr

	input  *buffer.Buffer
	output *buffer.Buffer

	highWaterMark int

	ConnectionCallback    ConnectionCallback
	MessageCallback       MessageCallback
	WriteCompleteCallback WriteCompleteCallback
	HighWaterMarkCallback HighWaterMarkCallback
	CloseCallback         CloseCallback

	// Context is free for an owning TcpServer/TcpClient or application to
	// stash per-connection state, mirroring muduo's boost::any context.
	Context interface{}
}

// NewConnection wraps an already-connected, non-blocking fd. The
// connection starts in the connecting state; the owner calls
// EstablishConnection once it has finished wiring callbacks.
func NewConnection(l loopHandle, name string, fd int, localAddr, peerAddr net.Addr) *Connection {
	c := &Connection{
		loop:                  l,
		name:                  name,
		fd:                    fd,
		stateVal:              int32(connConnecting),
		reading:               true,
		localAddr:             localAddr,
		peerAddr:              peerAddr,
		input:                 buffer.New(buffer.InitialSize),
		output:                buffer.New(buffer.InitialSize),
		highWaterMark:         defaultHighWaterMark,
		ConnectionCallback:    defaultConnectionCallback,
		MessageCallback:       defaultMessageCallback,
	}
	c.chann = channel.New(l, fd)
	c.chann.SetReadCallback(c.handleRead)
	c.chann.SetWriteCallback(c.handleWrite)
	c.chann.SetCloseCallback(c.handleClose)
	c.chann.SetErrorCallback(c.handleError)
	c.chann.Tie(func() bool { return c.state() != connDisconnected })
	sockopt.SetKeepAlive(fd, true)
	return c
}

// Name returns the connection's owner-assigned identifier.
func (c *Connection) Name() string { return c.name }

// LocalAddr returns the local endpoint.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// PeerAddr returns the remote endpoint.
func (c *Connection) PeerAddr() net.Addr { return c.peerAddr }

// Fd returns the underlying file descriptor.
func (c *Connection) Fd() int { return c.fd }

// Connected reports whether the connection is currently established. Safe
// from any goroutine.
func (c *Connection) Connected() bool { return c.state() == connConnected }

// Input returns the connection's read buffer, valid to inspect only from
// within a MessageCallback running on the owning loop.
func (c *Connection) Input() *buffer.Buffer { return c.input }

// Output returns the connection's write buffer.
func (c *Connection) Output() *buffer.Buffer { return c.output }

// SetHighWaterMark overrides the default 64MiB queued-output threshold.
func (c *Connection) SetHighWaterMark(n int) { c.highWaterMark = n }

// SetTCPNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *Connection) SetTCPNoDelay(on bool) error {
	return sockopt.SetTCPNoDelay(c.fd, on)
}

// SetKeepAlivePeriod overrides the OS-default keepalive idle time and probe
// interval, both set to period. NewConnection already enables plain
// SO_KEEPALIVE with kernel defaults; call this when those defaults (often
// two hours before the first probe) are too slow for the application.
func (c *Connection) SetKeepAlivePeriod(period time.Duration) error {
	return sockopt.SetKeepAlivePeriod(c.fd, period)
}

// TCPInfo returns the kernel's TCP_INFO snapshot for this connection,
// restoring a muduo feature the distilled spec dropped.
func (c *Connection) TCPInfo() (*unix.TCPInfo, error) {
	return unix.GetsockoptTCPInfo(c.fd, unix.SOL_TCP, unix.TCP_INFO)
}

func (c *Connection) state() connState { return connState(atomic.LoadInt32(&c.stateVal)) }
func (c *Connection) setState(s connState) { atomic.StoreInt32(&c.stateVal, int32(s)) }

// EstablishConnection transitions connecting -> connected, wires the
// channel into the poller, and fires ConnectionCallback. Must run on the
// owning loop's goroutine.
func (c *Connection) EstablishConnection() {
	c.loop.AssertInLoopGoroutine()
	c.setState(connConnected)
	c.chann.EnableReading()
	c.ConnectionCallback(c)
}

// DestroyConnection tears the channel out of the poller and closes the
// underlying fd; if still connected it transitions to disconnected and
// fires ConnectionCallback first. Must run on the owning loop's
// goroutine. Channel.Remove only deregisters the fd from the poller, it
// never owns or closes it (muduo leaves that to TcpConnection's
// destructor; the Go rendering has no destructor, so this method is the
// one place the fd is ever closed).
func (c *Connection) DestroyConnection() {
	c.loop.AssertInLoopGoroutine()
	if c.state() == connConnected {
		c.setState(connDisconnected)
		c.chann.DisableAll()
		c.ConnectionCallback(c)
	}
	c.chann.Remove()
	unix.Close(c.fd)
}

// Send queues p for writing. Safe from any goroutine; writes that can't
// complete synchronously are buffered and finished from handleWrite.
func (c *Connection) Send(p []byte) {
	if c.state() != connConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(p)
		return
	}
	cp := append([]byte(nil), p...)
	c.loop.RunInLoop(func() { c.sendInLoop(cp) })
}

// SendString is a convenience wrapper around Send.
func (c *Connection) SendString(s string) { c.Send([]byte(s)) }

func (c *Connection) sendInLoop(data []byte) {
	c.loop.AssertInLoopGoroutine()
	if c.state() == connDisconnected {
		log.Warnf("tcp: Send on disconnected connection %s, dropping", c.name)
		return
	}

	var nwrote int
	faultError := false
	remaining := len(data)

	if !c.chann.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if err == nil {
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.WriteCompleteCallback != nil {
				cb := c.WriteCompleteCallback
				c.loop.RunInLoop(func() { cb(c) })
			}
		} else if err != unix.EAGAIN {
			log.Errorf("tcp: write failed on %s: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.output.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.HighWaterMarkCallback != nil {
			cb := c.HighWaterMarkCallback
			total := oldLen + remaining
			c.loop.RunInLoop(func() { cb(c, total) })
		}
		c.output.Append(data[nwrote:])
		if !c.chann.IsWriting() {
			c.chann.EnableWriting()
		}
	}
}

// Shutdown half-closes the write side once any queued output has
// drained; reads continue until the peer closes too.
func (c *Connection) Shutdown() {
	if c.state() != connConnected {
		return
	}
	c.setState(connDisconnecting)
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *Connection) shutdownInLoop() {
	c.loop.AssertInLoopGoroutine()
	if !c.chann.IsWriting() {
		unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}

// ForceClose closes the connection immediately, regardless of queued
// output, by synthesizing the same path a 0-byte read takes.
func (c *Connection) ForceClose() {
	s := c.state()
	if s == connConnected || s == connDisconnecting {
		c.setState(connDisconnecting)
		c.loop.RunInLoop(c.handleClose)
	}
}

// StartRead (re)enables read interest after a prior StopRead.
func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.chann.IsReading() {
			c.chann.EnableReading()
			c.reading = true
		}
	})
}

// StopRead disables read interest without closing the connection, e.g.
// to apply read-side backpressure.
func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.chann.IsReading() {
			c.chann.DisableReading()
			c.reading = false
		}
	})
}

func (c *Connection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopGoroutine()
	n, err := c.input.ReadFd(c.fd)
	switch {
	case n > 0:
		if c.MessageCallback != nil {
			c.MessageCallback(c, receiveTime)
		}
	case n == 0 && err == nil:
		c.handleClose()
	default:
		if err != unix.EAGAIN {
			log.Errorf("tcp: read failed on %s: %v", c.name, err)
			c.handleError()
		}
	}
}

func (c *Connection) handleWrite() {
	c.loop.AssertInLoopGoroutine()
	if !c.chann.IsWriting() {
		log.Warnf("tcp: spurious writable on %s, down already", c.name)
		return
	}
	n, err := unix.Write(c.fd, c.output.Peek())
	if err != nil {
		log.Errorf("tcp: write failed on %s: %v", c.name, err)
		return
	}
	c.output.Retrieve(n)
	if c.output.ReadableBytes() == 0 {
		c.chann.DisableWriting()
		if c.WriteCompleteCallback != nil {
			cb := c.WriteCompleteCallback
			c.loop.RunInLoop(func() { cb(c) })
		}
		if c.state() == connDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	c.loop.AssertInLoopGoroutine()
	s := c.state()
	if s != connConnected && s != connDisconnecting {
		return
	}
	c.setState(connDisconnected)
	c.chann.DisableAll()
	c.ConnectionCallback(c)
	if c.CloseCallback != nil {
		c.CloseCallback(c)
	}
}

func (c *Connection) handleError() {
	err := sockopt.GetSockError(c.fd)
	log.Errorf("tcp: error callback on %s, SO_ERROR=%v", c.name, err)
}
