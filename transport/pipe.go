package transport

import "net"

// Pipe returns two in-memory, synchronous Streams wired directly to each
// other, the way tests exercise a Peer/Server pair without a real socket.
func Pipe() (Stream, Stream) {
	a, b := net.Pipe()
	return a, b
}
