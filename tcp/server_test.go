package tcp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loopwire/reactor/internal/poller"
	"github.com/loopwire/reactor/loop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestServer(t *testing.T, name string, numThreads int) (*Server, func()) {
	t.Helper()
	base, err := loop.New(loop.WithPollerKind(poller.KindPoll), loop.WithPollTimeout(50*time.Millisecond))
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		base.Loop()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	var srv *Server
	base.RunInLoop(func() {
		srv, err = NewServer(base, name, "127.0.0.1:0", false, numThreads)
	})
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	time.Sleep(20 * time.Millisecond)

	return srv, func() {
		srv.Stop()
		base.Quit()
		<-done
		base.Close()
	}
}

func TestEchoRoundTrip(t *testing.T) {
	srv, stop := newTestServer(t, "echo", 2)
	defer stop()
	srv.MessageCallback = func(conn *Connection, _ time.Time) {
		conn.Send(conn.Input().Peek())
		conn.Input().RetrieveAll()
	}

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("hello reactor\n")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPingPongThroughput(t *testing.T) {
	srv, stop := newTestServer(t, "pingpong", 1)
	defer stop()
	srv.MessageCallback = func(conn *Connection, _ time.Time) {
		conn.Send(conn.Input().Peek())
		conn.Input().RetrieveAll()
	}

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	ping := []byte("ping")
	buf := make([]byte, len(ping))
	const rounds = 200
	for i := 0; i < rounds; i++ {
		_, err := conn.Write(ping)
		require.NoError(t, err)
		n, err := readFull(conn, buf)
		require.NoError(t, err)
		require.Equal(t, ping, buf[:n])
	}
}

// TestConnectionTeardownClosesFd checks that DestroyConnection actually
// closes the accepted fd rather than just deregistering it from the
// poller: once the peer closes and the server has finished tearing the
// connection down, a second close on the same fd number must fail with
// EBADF.
func TestConnectionTeardownClosesFd(t *testing.T) {
	srv, stop := newTestServer(t, "teardown", 1)
	defer stop()

	established := make(chan *Connection, 1)
	removed := make(chan struct{}, 1)
	srv.ConnectionCallback = func(conn *Connection) {
		if conn.Connected() {
			established <- conn
		} else {
			removed <- struct{}{}
		}
	}

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)

	var serverConn *Connection
	select {
	case serverConn = <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	fd := serverConn.Fd()

	require.NoError(t, conn.Close())

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never tore down the connection after the peer closed")
	}
	// DestroyConnection runs asynchronously (QueueInLoop) right after the
	// ConnectionCallback(down) call above, so give it a moment to land.
	time.Sleep(50 * time.Millisecond)

	require.Error(t, unix.Close(fd), "fd should already be closed by DestroyConnection")
}

// TestShutdownHalfClosesWriteSide checks Connection.Shutdown(): the server
// stops writing to the client (the client reads EOF) but keeps reading, so
// data the client sends after the server's half-close still arrives.
func TestShutdownHalfClosesWriteSide(t *testing.T) {
	srv, stop := newTestServer(t, "halfclose", 1)
	defer stop()

	received := make(chan string, 1)
	srv.ConnectionCallback = func(conn *Connection) {
		if conn.Connected() {
			conn.Shutdown()
		}
	}
	srv.MessageCallback = func(conn *Connection, _ time.Time) {
		received <- conn.Input().RetrieveAllAsString()
	}

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	// The server has shut down its write side, so a read here must see EOF
	// (0 bytes, io.EOF) rather than any data or a reset.
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err)

	// The server's read side is still open: it must still receive this.
	payload := []byte("still writable\n")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, string(payload), got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data sent after the half-close")
	}

	require.NoError(t, conn.Close())
}

// TestSetKeepAlivePeriodSucceeds checks that overriding the keepalive idle
// time/probe interval on a live accepted connection is accepted by the
// kernel.
func TestSetKeepAlivePeriodSucceeds(t *testing.T) {
	srv, stop := newTestServer(t, "keepalive", 1)
	defer stop()

	established := make(chan *Connection, 1)
	srv.ConnectionCallback = func(conn *Connection) {
		if conn.Connected() {
			established <- conn
		}
	}

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var serverConn *Connection
	select {
	case serverConn = <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	require.NoError(t, serverConn.SetKeepAlivePeriod(30*time.Second))
}

func TestRoundRobinFanOut(t *testing.T) {
	srv, stop := newTestServer(t, "fanout", 4)
	defer stop()

	var mu sync.Mutex
	seen := make(map[*Connection]struct{})

	established := make(chan struct{}, 12)
	srv.ConnectionCallback = func(conn *Connection) {
		if !conn.Connected() {
			return
		}
		mu.Lock()
		seen[conn] = struct{}{}
		mu.Unlock()
		established <- struct{}{}
	}

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	var conns []net.Conn
	for i := 0; i < 12; i++ {
		c, err := net.DialTimeout("tcp", addr.String(), time.Second)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for i := 0; i < 12; i++ {
		select {
		case <-established:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 12 established callbacks, got %d", i)
		}
	}

	counts := make(map[*loop.EventLoop]int)
	for _, l := range srv.pool.AllLoops() {
		counts[l] = 0
	}
	srv.mu.Lock()
	for _, c := range srv.connections {
		// each Connection's loopHandle is one of the pool's worker loops
		counts[c.loop.(*loop.EventLoop)]++
	}
	srv.mu.Unlock()

	require.Len(t, counts, 4)
	for l, n := range counts {
		require.Equalf(t, 3, n, "loop %p should own exactly 3 connections", l)
	}
}
