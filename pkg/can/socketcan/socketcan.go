// Package socketcan wraps github.com/brutella/can to back an isotp.Bus
// onto a Linux SocketCAN interface.
package socketcan

import (
	sockcan "github.com/brutella/can"
	isotp "github.com/christiansandberg/isotp-go"
)

func init() {
	isotp.RegisterInterface("socketcan", NewBus)
}

// Bus is an isotp.Bus backed by a kernel SocketCAN interface.
type Bus struct {
	bus        *sockcan.Bus
	rxCallback isotp.FrameListener
}

// Connect implements isotp.Bus.
func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

// Disconnect implements isotp.Bus.
func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

// Send implements isotp.Bus.
func (b *Bus) Send(frame isotp.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

// Subscribe implements isotp.Bus.
func (b *Bus) Subscribe(rxCallback isotp.FrameListener) error {
	b.rxCallback = rxCallback
	// brutella/can dispatches to anything with a Handle(sockcan.Frame) method.
	b.bus.Subscribe(b)
	return nil
}

// Handle satisfies brutella/can's own listener interface and forwards the
// frame to whatever was registered via Subscribe.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.rxCallback.Handle(isotp.Frame{ID: frame.ID, DLC: frame.Length, Data: frame.Data})
}

// NewBus opens a SocketCAN bus on the named interface (e.g. "can0").
func NewBus(name string) (isotp.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}
