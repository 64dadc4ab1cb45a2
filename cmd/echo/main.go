// Command echo runs a TCP server that echoes back every line a peer sends.
// It mirrors examples/simple/echo/echo.cc from the reference C++ reactor:
// one Server, one connection/message callback pair, logging connect and
// disconnect events.
package main

import (
	"flag"
	"time"

	"github.com/loopwire/reactor/log"
	"github.com/loopwire/reactor/loop"
	"github.com/loopwire/reactor/tcp"
)

// newEchoServer wires up the EchoServer's callbacks. Split out from main
// so it can be exercised directly in a test without going through
// flag.Parse/base.Loop: NewServer only needs base for later callback
// scheduling, not for anything that requires running on base's own
// goroutine, so it must be safe to call before base.Loop() ever starts
// (and before any goroutine is bound as base's owner).
func newEchoServer(base *loop.EventLoop, addr string, threads int) (*tcp.Server, error) {
	srv, err := tcp.NewServer(base, "EchoServer", addr, true, threads)
	if err != nil {
		return nil, err
	}
	srv.ConnectionCallback = func(conn *tcp.Connection) {
		log.Infof("echo: %s -> %s is %v", conn.PeerAddr(), conn.LocalAddr(), conn.Connected())
	}
	srv.MessageCallback = func(conn *tcp.Connection, when time.Time) {
		msg := conn.Input().RetrieveAllAsString()
		log.Infof("echo: %s echoing %d bytes received at %s", conn.Name(), len(msg), when)
		conn.SendString(msg)
	}
	return srv, nil
}

func main() {
	addr := flag.String("addr", ":2007", "address to listen on")
	threads := flag.Int("threads", 4, "number of I/O worker loops")
	flag.Parse()

	base, err := loop.New()
	if err != nil {
		log.Fatalf("echo: construct base loop: %v", err)
	}
	defer base.Close()

	srv, err := newEchoServer(base, *addr, *threads)
	if err != nil {
		log.Fatalf("echo: construct server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("echo: start server: %v", err)
	}
	base.Loop()
}
