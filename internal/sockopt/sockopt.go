// Package sockopt holds the raw socket-creation and socket-option helpers
// shared by Acceptor, Connector and TcpConnection, grounded on muduo's
// SocketsOps.cc and on the teacher's own inline syscalls in evio_linux.go.
package sockopt

import (
	"net"
	"time"

	"github.com/pkg/errors"
	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"
)

// IdleFdPath is the placeholder file Acceptor keeps open so it always has
// one spare fd to burn when accept4 fails with EMFILE.
const IdleFdPath = "/dev/null"

// NewNonblockingSocket creates a non-blocking, close-on-exec TCP socket for
// the given address family (unix.AF_INET or unix.AF_INET6).
func NewNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	return fd, nil
}

// SetReuseAddr sets or clears SO_REUSEADDR.
func SetReuseAddr(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on)), "SO_REUSEADDR")
}

// SetReusePort sets or clears SO_REUSEPORT.
func SetReusePort(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on)), "SO_REUSEPORT")
}

// SetKeepAlive enables SO_KEEPALIVE on an accepted connection.
func SetKeepAlive(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on)), "SO_KEEPALIVE")
}

// SetTCPNoDelay toggles Nagle's algorithm.
func SetTCPNoDelay(fd int, on bool) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on)), "TCP_NODELAY")
}

// SetNonblockCloexec applies O_NONBLOCK|FD_CLOEXEC to an fd obtained from a
// path where SOCK_NONBLOCK/SOCK_CLOEXEC couldn't be requested at creation
// (e.g. a fd handed back from net.Listener.File()).
func SetNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrap(err, "O_NONBLOCK")
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return errors.Wrap(err, "FD_CLOEXEC")
	}
	return nil
}

// GetSockError returns the pending SO_ERROR for fd, used by Connector after
// a writable wake-up to learn whether a non-blocking connect succeeded.
func GetSockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "SO_ERROR")
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// IsSelfConnect reports whether fd's local and peer (address, port) tuples
// are identical, which happens when a non-blocking connect to a loopback
// port races with the kernel's own ephemeral port choice. Grounded on
// muduo's sockets::isSelfConnect in Connector.cc.
func IsSelfConnect(fd int) bool {
	local, err := unix.Getsockname(fd)
	if err != nil {
		return false
	}
	peer, err := unix.Getpeername(fd)
	if err != nil {
		return false
	}
	return sockaddrEqual(local, peer)
}

func sockaddrEqual(a, b unix.Sockaddr) bool {
	switch av := a.(type) {
	case *unix.SockaddrInet4:
		bv, ok := b.(*unix.SockaddrInet4)
		return ok && av.Port == bv.Port && av.Addr == bv.Addr
	case *unix.SockaddrInet6:
		bv, ok := b.(*unix.SockaddrInet6)
		return ok && av.Port == bv.Port && av.Addr == bv.Addr
	default:
		return false
	}
}

// ReuseportListen listens on network/addr with SO_REUSEPORT set, using the
// same third-party helper the teacher uses for its own reuseport listen
// path (kevwan-evio's reuseportListen).
func ReuseportListen(network, addr string) (net.Listener, error) {
	return reuseport.Listen(network, addr)
}

// TCPKeepAliveSeconds converts a duration to whole seconds for the
// TCP_KEEPIDLE/TCP_KEEPINTVL sockopts, which both take an integer number
// of seconds rather than a time.Duration.
func TCPKeepAliveSeconds(d time.Duration) int {
	return int(d / time.Second)
}

// SetKeepAlivePeriod enables SO_KEEPALIVE and sets how long the connection
// must be idle before the kernel starts sending keepalive probes
// (TCP_KEEPIDLE) and how often it repeats them (TCP_KEEPINTVL), restoring
// the tunable-period keepalive muduo's TcpConnection.setTcpNoDelay sibling
// setKeepAlive leaves to the OS default. Linux-specific, like the rest of
// this package.
func SetKeepAlivePeriod(fd int, period time.Duration) error {
	if err := SetKeepAlive(fd, true); err != nil {
		return err
	}
	secs := TCPKeepAliveSeconds(period)
	if secs <= 0 {
		secs = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
		return errors.Wrap(err, "TCP_KEEPIDLE")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
		return errors.Wrap(err, "TCP_KEEPINTVL")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
