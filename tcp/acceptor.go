// Package tcp implements the listen/connect/established-connection
// lifecycle built on top of channel, loop and buffer: Acceptor, Connector,
// TcpConnection, and the TcpServer/TcpClient façades that wire them
// together.
package tcp

import (
	"net"
	"os"
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/loopwire/reactor/internal/sockopt"
	"github.com/loopwire/reactor/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewConnectionFunc is invoked with a freshly accepted fd and its peer
// address. The acceptor hands ownership of fd to the callback; if no
// callback is installed the fd is closed immediately.
type NewConnectionFunc func(fd int, peerAddr net.Addr)

// Acceptor owns one listening socket and its Channel, grounded on
// muduo's Acceptor.cc including its EMFILE idle-fd trick: when accept4
// fails because the process is out of file descriptors, a pre-opened
// spare fd is closed, immediately reused to accept-and-drop the pending
// connection, then reopened, so the listening socket doesn't spin in a
// busy readable loop until an fd frees up elsewhere.
type Acceptor struct {
	loop    loopHandle
	fd      int
	family  int
	chann   *channel.Channel
	reuseLn net.Listener
	reuseFd *os.File

	listening bool
	idleFd    int

	NewConnectionCallback NewConnectionFunc
}

// loopHandle is the subset of EventLoop an Acceptor/Connector/TcpConnection
// needs; kept minimal so tcp never imports loop's concrete type directly
// beyond what's passed in by the caller (TcpServer/TcpClient do hold a
// *loop.EventLoop, but the lower-level types only need this).
type loopHandle interface {
	channel.Loop
	RunInLoop(f func())
	QueueInLoop(f func())
	AssertInLoopGoroutine()
	IsInLoopGoroutine() bool
}

// NewAcceptor creates a listening socket bound to addr (host:port),
// optionally with SO_REUSEPORT set.
func NewAcceptor(l loopHandle, addr string, reusePort bool) (*Acceptor, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tcp: resolve listen address")
	}
	family := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	var fd int
	var reuseLn net.Listener
	var reuseFd *os.File
	if reusePort {
		fd, reuseLn, reuseFd, err = reuseportSocket(addr)
		if err != nil {
			return nil, err
		}
	} else {
		fd, err = sockopt.NewNonblockingSocket(family)
		if err != nil {
			return nil, err
		}
		if err := sockopt.SetReuseAddr(fd, true); err != nil {
			unix.Close(fd)
			return nil, err
		}
		if err := bindSocket(fd, tcpAddr); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	idleFd, err := unix.Open(sockopt.IdleFdPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if reuseFd != nil {
			reuseFd.Close() // closes fd too; it's the same descriptor
		} else {
			unix.Close(fd)
		}
		if reuseLn != nil {
			reuseLn.Close()
		}
		return nil, errors.Wrap(err, "tcp: open idle fd placeholder")
	}

	a := &Acceptor{
		loop:    l,
		fd:      fd,
		family:  family,
		reuseLn: reuseLn,
		reuseFd: reuseFd,
		idleFd:  idleFd,
	}
	a.chann = channel.New(l, fd)
	a.chann.SetReadCallback(func(time.Time) { a.handleRead() })
	return a, nil
}

// reuseportSocket obtains a listening fd with SO_REUSEPORT set via the
// pack's go_reuseport helper, the same way the teacher's own evio
// listener detached a net.Listener's fd in its system() method: Listen,
// then grab the backing *os.File and use its fd directly with our own
// poller instead of net's blocking Accept. Both the listener and the
// File must be kept alive for as long as the fd is in use.
func reuseportSocket(addr string) (int, net.Listener, *os.File, error) {
	ln, err := sockopt.ReuseportListen("tcp", addr)
	if err != nil {
		return -1, nil, nil, errors.Wrap(err, "tcp: reuseport listen")
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, nil, nil, errors.New("tcp: reuseport listener is not a *net.TCPListener")
	}
	file, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return -1, nil, nil, errors.Wrap(err, "tcp: detach reuseport listener fd")
	}
	fd := int(file.Fd())
	if err := sockopt.SetNonblockCloexec(fd); err != nil {
		file.Close()
		ln.Close()
		return -1, nil, nil, err
	}
	return fd, ln, file, nil
}

// Listen starts listening and registers interest in readability. Must run
// on the owning loop's goroutine.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopGoroutine()
	if err := unix.Listen(a.fd, unix.SOMAXCONN); err != nil {
		return errors.Wrap(err, "listen")
	}
	a.listening = true
	a.chann.EnableReading()
	return nil
}

// Addr returns the bound local address.
func (a *Acceptor) Addr() (net.Addr, error) {
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return nil, errors.Wrap(err, "getsockname")
	}
	return sockaddrToTCPAddr(sa), nil
}

// Close tears down the listening socket and its channel.
func (a *Acceptor) Close() error {
	a.chann.DisableAll()
	a.chann.Remove()
	unix.Close(a.idleFd)
	if a.reuseLn != nil {
		a.reuseLn.Close()
	}
	// a.reuseFd, if set, wraps the same fd as a.fd: closing it here (via
	// os.File.Close) and skipping the raw unix.Close below avoids a
	// double-close of one descriptor number.
	if a.reuseFd != nil {
		return a.reuseFd.Close()
	}
	return unix.Close(a.fd)
}

func (a *Acceptor) handleRead() {
	a.loop.AssertInLoopGoroutine()
	connFd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		peerAddr := sockaddrToTCPAddr(sa)
		if a.NewConnectionCallback != nil {
			a.NewConnectionCallback(connFd, peerAddr)
		} else {
			unix.Close(connFd)
		}
		return
	}

	log.Warnf("tcp: accept4 failed: %v", err)
	if errors.Is(err, unix.EMFILE) {
		unix.Close(a.idleFd)
		a.idleFd, _, _ = unix.Accept(a.fd)
		unix.Close(a.idleFd)
		a.idleFd, err = unix.Open(sockopt.IdleFdPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			log.Errorf("tcp: reopen idle fd failed: %v", err)
		}
	}
}

func bindSocket(fd int, addr *net.TCPAddr) error {
	if addr.IP != nil && addr.IP.To4() != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], addr.IP.To4())
		sa.Port = addr.Port
		return errors.Wrap(unix.Bind(fd, &sa), "bind")
	}
	var sa unix.SockaddrInet6
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To16())
	}
	sa.Port = addr.Port
	return errors.Wrap(unix.Bind(fd, &sa), "bind")
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return &net.TCPAddr{}
	}
}
