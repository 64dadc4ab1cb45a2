// Command pingpong is a throughput benchmark client modeled on
// original_source/pingpong/client.cc: it opens sessionCount connections to
// a server across a pool of worker loops, has each session send a
// blockSize message and bounce whatever comes back, and after timeout
// tallies total bytes/messages read across every session.
package main

import (
	"flag"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/loopwire/reactor/loop"
	"github.com/loopwire/reactor/log"
	"github.com/loopwire/reactor/tcp"
)

type session struct {
	client       *tcp.Client
	bytesRead    int64
	messagesRead int64
}

func (s *session) onConnection(conn *tcp.Connection, message string, connected *int32, total int32, onAllConnected func()) {
	if conn.Connected() {
		conn.SetTCPNoDelay(true)
		conn.SendString(message)
		if atomic.AddInt32(connected, 1) == total {
			onAllConnected()
		}
	}
}

func (s *session) onMessage(conn *tcp.Connection) {
	n := conn.Input().ReadableBytes()
	payload := conn.Input().RetrieveAllAsString()
	atomic.AddInt64(&s.messagesRead, 1)
	atomic.AddInt64(&s.bytesRead, int64(n))
	conn.SendString(payload)
}

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", 2007, "server port")
	threads := flag.Int("threads", 4, "client worker loops")
	blockSize := flag.Int("block", 4096, "message size in bytes")
	sessionCount := flag.Int("sessions", 10, "number of concurrent connections")
	seconds := flag.Int("seconds", 10, "benchmark duration")
	flag.Parse()

	base, err := loop.New()
	if err != nil {
		log.Fatalf("pingpong: construct base loop: %v", err)
	}
	defer base.Close()

	pool := loop.NewThreadPool(base, *threads)
	if err := pool.Start(); err != nil {
		log.Fatalf("pingpong: start worker pool: %v", err)
	}
	defer pool.Stop()

	message := make([]byte, *blockSize)
	for i := range message {
		message[i] = byte(i % 128)
	}
	msg := string(message)

	addr := &net.TCPAddr{IP: net.ParseIP(*host), Port: *port}

	sessions := make([]*session, *sessionCount)
	var connected int32
	done := make(chan struct{})
	var closeOnce int32

	announceDone := func() {
		if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			close(done)
		}
	}

	for i := 0; i < *sessionCount; i++ {
		ioLoop := pool.GetNextLoop()
		sess := &session{}
		sess.client = tcp.NewClient(ioLoop, fmt.Sprintf("C%05d", i), addr)
		sess.client.ConnectionCallback = func(conn *tcp.Connection) {
			sess.onConnection(conn, msg, &connected, int32(*sessionCount), func() {
				log.Infof("pingpong: all %d sessions connected", *sessionCount)
			})
		}
		sess.client.MessageCallback = func(conn *tcp.Connection, _ time.Time) {
			sess.onMessage(conn)
		}
		sessions[i] = sess
		sess.client.Start()
	}

	base.RunAfter(time.Duration(*seconds)*time.Second, func() {
		for _, sess := range sessions {
			sess.client.Stop()
		}
		base.RunAfter(200*time.Millisecond, func() {
			var totalBytes, totalMessages int64
			for _, sess := range sessions {
				totalBytes += atomic.LoadInt64(&sess.bytesRead)
				totalMessages += atomic.LoadInt64(&sess.messagesRead)
			}
			log.Infof("pingpong: %d total bytes read", totalBytes)
			log.Infof("pingpong: %d total messages read", totalMessages)
			if totalMessages > 0 {
				log.Infof("pingpong: %.2f average message size", float64(totalBytes)/float64(totalMessages))
			}
			mib := float64(totalBytes) / float64(*seconds) / (1024 * 1024)
			log.Infof("pingpong: %.2f MiB/s throughput", mib)
			announceDone()
			base.Quit()
		})
	})

	base.Loop()
}
