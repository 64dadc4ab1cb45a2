package tcp

import "time"

// ConnectionCallback fires once when a connection is established and
// again, with Connected() now false, when it is torn down.
type ConnectionCallback func(conn *Connection)

// MessageCallback fires whenever new bytes have been read into the
// connection's input buffer; the callback is responsible for Retrieve-ing
// whatever it consumes.
type MessageCallback func(conn *Connection, receiveTime time.Time)

// WriteCompleteCallback fires once all bytes of a Send have reached the
// socket: either the direct write inside Send wrote everything, or the
// output buffer has fully drained afterwards.
type WriteCompleteCallback func(conn *Connection)

// HighWaterMarkCallback fires when the output buffer's queued bytes cross
// above HighWaterMark on a single Send.
type HighWaterMarkCallback func(conn *Connection, queuedBytes int)

// CloseCallback fires once, after ConnectionCallback's tear-down call, so
// an owner (TcpServer/TcpClient) can remove the connection from its
// bookkeeping. Not meant for application code.
type CloseCallback func(conn *Connection)

func defaultConnectionCallback(conn *Connection) {}

func defaultMessageCallback(conn *Connection, _ time.Time) {
	conn.Input().RetrieveAll()
}
