package main

import (
	"net"
	"testing"
	"time"

	"github.com/loopwire/reactor/loop"
	"github.com/stretchr/testify/require"
)

// TestNewEchoServerConstructsBeforeLoopStarts checks the construction order
// main() relies on: newEchoServer must build a working *tcp.Server
// synchronously, before base.Loop() ever runs on any goroutine. Building it
// through base.RunInLoop instead (queuing it to run once a loop goroutine
// exists) previously left the caller's local variable nil forever, since
// nothing was draining the queue yet.
func TestNewEchoServerConstructsBeforeLoopStarts(t *testing.T) {
	base, err := loop.New()
	require.NoError(t, err)
	defer base.Close()

	srv, err := newEchoServer(base, "127.0.0.1:0", 1)
	require.NoError(t, err)
	require.NotNil(t, srv)

	require.NoError(t, srv.Start())

	done := make(chan struct{})
	go func() {
		base.Loop()
		close(done)
	}()
	defer func() {
		base.Quit()
		<-done
	}()
	time.Sleep(20 * time.Millisecond)

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	payload := []byte("hello\n")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, payload, buf)
}
