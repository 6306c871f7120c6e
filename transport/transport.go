// Package transport defines the link boundary the transfer engine writes to
// and reads from. The engine treats an implementation as the only source and
// sink of bytes; connection establishment and addressing stay behind it.
package transport

import "fmt"

// Broadcast is the peer address meaning "every reachable peer"
const Broadcast = ""

// Handler receives one inbound wire frame and the peer it arrived from.
// Implementations must invoke it from a single goroutine so frame order per
// link is preserved.
type Handler func(frameBytes []byte, fromPeer string)

// Transport abstracts peer-to-peer frame I/O over the physical link
type Transport interface {
	// Send writes one frame to a peer, or to all reachable peers when peer
	// is Broadcast. Failures are LinkErrors: the caller retries, it does not
	// surface them.
	Send(peer string, frameBytes []byte) error

	// SetHandler registers the inbound frame callback. Must be called before
	// frames start flowing.
	SetHandler(h Handler)

	// Peers lists the addresses currently reachable
	Peers() []string

	// LocalAddr returns this node's own peer address
	LocalAddr() string

	// Close shuts the link down; subsequent Sends fail
	Close() error
}

// LinkError wraps a transport write failure. It triggers the normal retry
// path and is not surfaced as a hard failure until attempts are exhausted.
type LinkError struct {
	Peer string
	Err  error
}

func (e *LinkError) Error() string {
	if e.Peer == Broadcast {
		return fmt.Sprintf("transport: broadcast failed: %v", e.Err)
	}
	return fmt.Sprintf("transport: send to %s failed: %v", e.Peer, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
