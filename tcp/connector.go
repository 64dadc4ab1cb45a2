package tcp

import (
	"net"
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/loopwire/reactor/internal/sockopt"
	"github.com/loopwire/reactor/log"
	"golang.org/x/sys/unix"
)

// connectorState is Connector's lifecycle, mirroring muduo's
// Connector::States.
type connectorState int

const (
	stateDisconnected connectorState = iota
	stateConnecting
	stateConnected
)

const (
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// ConnectorNewConnectionFunc receives a freshly connected fd, with the
// Connector already in stateConnected, on successful dial.
type ConnectorNewConnectionFunc func(fd int)

// Connector drives a non-blocking outbound connect with exponential
// backoff and self-connect detection, grounded on muduo's Connector.cc.
type Connector struct {
	loop       loopHandle
	runAfter   func(d time.Duration, cb func())
	serverAddr *net.TCPAddr

	connect    bool
	state      connectorState
	retryDelay time.Duration
	chann      *channel.Channel

	NewConnectionCallback ConnectorNewConnectionFunc
}

// NewConnector builds a Connector targeting serverAddr. runAfter schedules
// a one-shot retry on the owning loop (wired by TcpClient to the concrete
// EventLoop's RunAfter, which loopHandle deliberately doesn't expose since
// Acceptor has no need for it). Call Start to begin dialing.
func NewConnector(l loopHandle, serverAddr *net.TCPAddr, runAfter func(time.Duration, func())) *Connector {
	return &Connector{
		loop:       l,
		runAfter:   runAfter,
		serverAddr: serverAddr,
		state:      stateDisconnected,
		retryDelay: initRetryDelay,
	}
}

// Start begins (or resumes) dialing. Safe to call from any goroutine.
func (c *Connector) Start() {
	c.connect = true
	c.loop.RunInLoop(c.startInLoop)
}

// Stop cancels any in-flight dial or pending retry. Safe to call from any
// goroutine.
func (c *Connector) Stop() {
	c.connect = false
	c.loop.RunInLoop(c.stopInLoop)
}

// Restart tears down current state and starts dialing again from the
// initial retry delay.
func (c *Connector) Restart() {
	c.loop.AssertInLoopGoroutine()
	c.state = stateDisconnected
	c.retryDelay = initRetryDelay
	c.connect = true
	c.startInLoop()
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoopGoroutine()
	if c.state != stateDisconnected {
		return
	}
	if c.connect {
		c.dial()
	}
}

func (c *Connector) stopInLoop() {
	c.loop.AssertInLoopGoroutine()
	if c.state == stateConnecting {
		c.state = stateDisconnected
		fd := c.removeAndResetChannel()
		unix.Close(fd)
	}
}

func (c *Connector) dial() {
	family := unix.AF_INET
	if c.serverAddr.IP != nil && c.serverAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := sockopt.NewNonblockingSocket(family)
	if err != nil {
		log.Errorf("tcp: connector socket() failed: %v", err)
		return
	}

	err = connectSocket(fd, c.serverAddr)
	switch {
	case err == nil, err == unix.EINPROGRESS, err == unix.EINTR, err == unix.EISCONN:
		c.connecting(fd)
	case err == unix.EAGAIN, err == unix.EADDRINUSE, err == unix.EADDRNOTAVAIL,
		err == unix.ECONNREFUSED, err == unix.ENETUNREACH:
		c.retry(fd)
	default:
		log.Errorf("tcp: connect() failed: %v", err)
		unix.Close(fd)
	}
}

func (c *Connector) connecting(fd int) {
	c.state = stateConnecting
	c.chann = channel.New(c.loop, fd)
	c.chann.SetWriteCallback(c.handleWrite)
	c.chann.SetErrorCallback(c.handleError)
	c.chann.EnableWriting()
}

func (c *Connector) removeAndResetChannel() int {
	c.chann.DisableAll()
	c.chann.Remove()
	fd := c.chann.Fd()
	c.chann = nil
	return fd
}

func (c *Connector) handleWrite() {
	if c.state != stateConnecting {
		return
	}
	fd := c.removeAndResetChannel()

	if err := sockopt.GetSockError(fd); err != nil {
		log.Warnf("tcp: connector SO_ERROR after writable: %v", err)
		c.retry(fd)
		return
	}
	if sockopt.IsSelfConnect(fd) {
		log.Warnf("tcp: connector self-connect detected, retrying")
		c.retry(fd)
		return
	}

	// Re-check after the blocking-free work above: Stop() clears c.connect
	// directly on whichever goroutine calls it, so it may have run between
	// the writable wake-up and this point, in which case connect is now
	// false.
	c.state = stateConnected
	if c.connect {
		if c.NewConnectionCallback != nil {
			c.NewConnectionCallback(fd)
		}
	} else {
		unix.Close(fd)
	}
}

func (c *Connector) handleError() {
	if c.state != stateConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	err := sockopt.GetSockError(fd)
	log.Warnf("tcp: connector error callback, SO_ERROR=%v", err)
	c.retry(fd)
}

func (c *Connector) retry(fd int) {
	unix.Close(fd)
	c.state = stateDisconnected
	if !c.connect {
		return
	}
	delay := c.retryDelay
	log.Infof("tcp: retrying connect to %s in %s", c.serverAddr, delay)
	if c.runAfter != nil {
		c.runAfter(delay, c.startInLoop)
	}
	if c.retryDelay *= 2; c.retryDelay > maxRetryDelay {
		c.retryDelay = maxRetryDelay
	}
}

func connectSocket(fd int, addr *net.TCPAddr) error {
	if addr.IP != nil && addr.IP.To4() != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], addr.IP.To4())
		sa.Port = addr.Port
		return unix.Connect(fd, &sa)
	}
	var sa unix.SockaddrInet6
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To16())
	}
	sa.Port = addr.Port
	return unix.Connect(fd, &sa)
}
