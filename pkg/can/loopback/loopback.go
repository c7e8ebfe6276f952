// Package loopback is an in-process CAN bus with no real hardware and no
// network: it wires two Buses directly together so frames sent on one are
// delivered to the other. It is meant for tests and local experimentation
// that exercise the full TX/RX state machine without a kernel CAN
// interface or a TCP bridge broker, distinct from pkg/can/virtual's
// TCP-bridged backend.
package loopback

import (
	"sync"

	isotp "github.com/christiansandberg/isotp-go"
)

// Bus is one end of an in-process loopback pair. The zero value is not
// usable; construct a connected pair with NewPair.
type Bus struct {
	mu       sync.Mutex
	peer     *Bus
	listener isotp.FrameListener
}

// NewPair returns two Buses wired directly to each other: a frame sent on
// a is delivered to b's subscribed listener, and vice versa.
func NewPair() (a, b *Bus) {
	a, b = &Bus{}, &Bus{}
	a.peer, b.peer = b, a
	return a, b
}

// Connect is a no-op: a loopback pair is always connected once created.
func (b *Bus) Connect(...any) error { return nil }

// Disconnect detaches this end from its peer so further sends are dropped.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peer = nil
	return nil
}

// Send hands frame directly to the peer's subscribed listener, if any.
func (b *Bus) Send(frame isotp.Frame) error {
	b.mu.Lock()
	peer := b.peer
	b.mu.Unlock()
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	listener := peer.listener
	peer.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
	return nil
}

// Subscribe registers the listener that receives frames sent by the peer.
func (b *Bus) Subscribe(listener isotp.FrameListener) error {
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	return nil
}
