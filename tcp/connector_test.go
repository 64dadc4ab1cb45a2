package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestConnectorRetryDelayDoublesAndCaps drives Connector.retry directly
// (white-box, same package) to check the exponential backoff schedule
// without waiting out real wall-clock delays: 500ms, 1s, 2s, 4s, 8s, 16s,
// 30s, 30s, ... per spec.
func TestConnectorRetryDelayDoublesAndCaps(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var scheduled []time.Duration
	c := NewConnector(l, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, func(d time.Duration, cb func()) {
		scheduled = append(scheduled, d)
	})
	c.connect = true

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for range want {
		c.retry(-1)
	}
	require.Equal(t, want, scheduled)
}

// TestConnectorStopCancelsRetry checks that once Stop has run (connect_
// == false), a subsequent retry does not schedule another attempt.
func TestConnectorStopCancelsRetry(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var scheduled []time.Duration
	c := NewConnector(l, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, func(d time.Duration, cb func()) {
		scheduled = append(scheduled, d)
	})
	c.connect = true
	c.retry(-1)
	require.Len(t, scheduled, 1)

	c.connect = false
	c.retry(-1)
	require.Len(t, scheduled, 1, "no further retry should be scheduled once Stop has run")
}

// TestConnectorConnectRefusedRetries dials a closed local port end to end
// and checks the Connector reaches its retry path instead of wedging.
func TestConnectorConnectRefusedRetries(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	closedPort := unusedPort(t)
	retried := make(chan time.Duration, 1)

	var c *Connector
	l.RunInLoop(func() {
		c = NewConnector(l, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: closedPort},
			func(d time.Duration, cb func()) { retried <- d })
	})
	time.Sleep(10 * time.Millisecond)
	c.Start()

	select {
	case d := <-retried:
		require.Equal(t, 500*time.Millisecond, d)
	case <-time.After(2 * time.Second):
		t.Fatal("connector never reached its retry path against a closed port")
	}
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
