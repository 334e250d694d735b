// Package port provides MessagePort-style bidirectional endpoints.
//
// A pair of entangled ports is the only communication primitive between
// the caller-facing side of the engine and its isolated execution side.
// Each Post delivers exactly one logical message; delivery order is
// preserved per pair; ports can themselves be transferred inside a
// message, which is how auction replies find their way back to callers.
package port

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Post after either endpoint has been closed.
var ErrClosed = errors.New("port: closed")

// Message is one logical delivery on a port.
type Message struct {
	// Data is the encoded payload.
	Data []byte
	// Ports are endpoints transferred alongside the payload.
	Ports []*Port
	// Malformed signals a deserialization failure on the sending side,
	// distinct from any payload.
	Malformed bool
}

// Port is one endpoint of an entangled pair.
type Port struct {
	send chan<- Message
	recv <-chan Message

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// buffer bounds the number of undelivered messages per direction. Post
// blocks once the peer falls this far behind.
const buffer = 64

// NewPair creates two entangled ports. Messages posted on one are received
// on the other, in post order.
func NewPair() (*Port, *Port) {
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &Port{send: ab, recv: ba, done: aDone, peerDone: bDone}
	b := &Port{send: ba, recv: ab, done: bDone, peerDone: aDone}
	return a, b
}

// Post delivers one message to the peer endpoint. It blocks while the peer
// is this far behind and fails once either endpoint is closed.
func (p *Port) Post(m Message) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	default:
	}

	select {
	case p.send <- m:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	}
}

// Recv returns the channel of incoming messages. Receivers must also watch
// Done to observe closure.
func (p *Port) Recv() <-chan Message {
	return p.recv
}

// Done is closed when this endpoint is closed.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// PeerDone is closed when the peer endpoint is closed; this is the
// channel's terminal signal.
func (p *Port) PeerDone() <-chan struct{} {
	return p.peerDone
}

// Close shuts this endpoint down. Closing is idempotent and unblocks any
// pending Post on either side.
func (p *Port) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
