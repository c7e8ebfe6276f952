// Package socketcanv2 is a raw AF_CAN/SOCK_RAW backend for isotp.Bus,
// bypassing brutella/can's socketcan package to exercise golang.org/x/sys
// directly: a second socketcan backend, kept alongside pkg/can/socketcan,
// for callers who want receive-own-messages and kernel filtering
// (SetReceiveOwn, SetFilters) that the higher-level wrapper doesn't
// expose.
package socketcanv2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	isotp "github.com/christiansandberg/isotp-go"
	"golang.org/x/sys/unix"
)

const SocketCANFrameSize = 16

func init() {
	isotp.RegisterInterface("socketcanv2", NewBus)
}

type canFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

// Bus is a raw SocketCAN backend using an AF_CAN/SOCK_RAW socket directly.
type Bus struct {
	f          *os.File
	fd         int
	rxCallback isotp.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewBus opens a raw SocketCAN socket on the named interface. The
// interface must already be up (e.g. "ip link set can0 up").
func NewBus(channel string) (isotp.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}
	readTimeout := unix.NsecToTimeval((100 * time.Millisecond).Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &readTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		return nil, err
	}
	return &Bus{fd: fd, logger: slog.Default().With("component", "socketcanv2")}, nil
}

// Connect implements isotp.Bus.
func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.f = os.NewFile(uintptr(b.fd), fmt.Sprintf("fd %d", b.fd))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// Disconnect implements isotp.Bus.
func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return b.f.Close()
}

// Send implements isotp.Bus.
func (b *Bus) Send(frame isotp.Frame) error {
	raw := &canFrame{id: frame.ID, dlc: frame.DLC, data: frame.Data}
	rawBytes := (*(*[SocketCANFrameSize]byte)(unsafe.Pointer(raw)))[:]
	n, err := b.f.Write(rawBytes)
	if n != SocketCANFrameSize || err != nil {
		return fmt.Errorf("isotp: socketcanv2 write: %w", err)
	}
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {
	rx := make([]byte, SocketCANFrameSize)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("exiting CAN bus reception, closed")
			return
		default:
			n, err := b.f.Read(rx)
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			if n != SocketCANFrameSize || err != nil {
				b.logger.Info("exiting CAN bus reception", "error", err)
				return
			}
			raw := (*canFrame)(unsafe.Pointer(&rx[0]))
			if b.rxCallback != nil {
				b.rxCallback.Handle(isotp.Frame{ID: raw.id, DLC: raw.dlc, Data: raw.data})
			}
		}
	}
}

// Subscribe implements isotp.Bus.
func (b *Bus) Subscribe(rxCallback isotp.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

// SetReceiveOwn toggles CAN_RAW_RECV_OWN_MSGS, useful in loopback tests.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	b.logger.Info("setting option 'CAN_RAW_RECV_OWN_MSGS'", "fd", b.fd, "enabled", enabled)
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}

// SetFilters installs kernel-side CAN ID filters.
func (b *Bus) SetFilters(filters []unix.CanFilter) error {
	b.logger.Info("setting option 'CAN_RAW_FILTER'", "fd", b.fd, "filters", filters)
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
