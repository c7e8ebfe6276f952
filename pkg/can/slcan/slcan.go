// Package slcan is an isotp.Bus backend for LAWICEL/SLCAN serial-line CAN
// dongles, talking the same plain-ASCII command set those adapters share
// (CANUSB, CANtact in slcan mode, candleLight's slcan firmware, ...):
// "t" (11-bit id) and "T" (29-bit id) frame lines terminated by CR, "O"/"C" to open/close
// the CAN channel, "S<n>" to pick a bitrate.
package slcan

import (
	"bufio"
	"fmt"
	"log/slog"
	"sync"

	isotp "github.com/christiansandberg/isotp-go"
	serial "github.com/daedaluz/goserial"
)

func init() {
	isotp.RegisterInterface("slcan", NewBus)
}

// bitrateCodes maps a nominal bitrate to the SLCAN "Sn" code, per the
// LAWICEL command reference.
var bitrateCodes = map[int]byte{
	10_000:   '0',
	20_000:   '1',
	50_000:   '2',
	100_000:  '3',
	125_000:  '4',
	250_000:  '5',
	500_000:  '6',
	800_000:  '7',
	1000_000: '8',
}

// Bus is an isotp.Bus backed by a serial SLCAN dongle.
type Bus struct {
	logger  *slog.Logger
	device  string
	bitrate int

	mu      sync.Mutex
	port    *serial.Port
	reader  *bufio.Reader
	handler isotp.FrameListener

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBus constructs an unopened SLCAN bus for the given serial device
// (e.g. "/dev/ttyUSB0"). Bitrate defaults to 500kbit/s; use NewBusWithBitrate
// for another nominal rate.
func NewBus(device string) (isotp.Bus, error) {
	return NewBusWithBitrate(device, 500_000)
}

// NewBusWithBitrate constructs an unopened SLCAN bus at a specific
// nominal bitrate.
func NewBusWithBitrate(device string, bitrate int) (isotp.Bus, error) {
	if _, ok := bitrateCodes[bitrate]; !ok {
		return nil, fmt.Errorf("isotp: slcan: unsupported bitrate %d", bitrate)
	}
	return &Bus{
		device:  device,
		bitrate: bitrate,
		stop:    make(chan struct{}),
		logger:  slog.Default().With("component", "slcan", "device", device),
	}, nil
}

// Connect opens the serial device, configures the channel bitrate, and
// opens the CAN channel.
func (b *Bus) Connect(...any) error {
	port, err := serial.Open(b.device, serial.NewOptions().SetReadTimeout(-1))
	if err != nil {
		return fmt.Errorf("isotp: slcan: open %s: %w", b.device, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return fmt.Errorf("isotp: slcan: configure %s: %w", b.device, err)
	}
	b.port = port
	b.reader = bufio.NewReader(readerFunc(port.Read))

	if err := b.writeCommand(fmt.Sprintf("S%c", bitrateCodes[b.bitrate])); err != nil {
		return err
	}
	if err := b.writeCommand("O"); err != nil {
		return err
	}

	b.stop = make(chan struct{})
	b.wg.Add(1)
	go b.receiveLoop()
	return nil
}

// Disconnect closes the CAN channel and the serial device.
func (b *Bus) Disconnect() error {
	if b.port == nil {
		return nil
	}
	_ = b.writeCommand("C")
	close(b.stop)
	b.wg.Wait()
	return b.port.Close()
}

// Send implements isotp.Bus, encoding frame as an SLCAN "t"/"T" line.
func (b *Bus) Send(frame isotp.Frame) error {
	id := frame.ID &^ isotp.CanEffFlag
	var line string
	if frame.ID&isotp.CanEffFlag != 0 {
		line = fmt.Sprintf("T%08X%d", id, frame.DLC)
	} else {
		line = fmt.Sprintf("t%03X%d", id, frame.DLC)
	}
	for i := 0; i < int(frame.DLC); i++ {
		line += fmt.Sprintf("%02X", frame.Data[i])
	}
	return b.writeCommand(line)
}

// Subscribe implements isotp.Bus.
func (b *Bus) Subscribe(handler isotp.FrameListener) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return nil
}

func (b *Bus) writeCommand(cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.port.Write(append([]byte(cmd), '\r'))
	return err
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		line, err := b.reader.ReadString('\r')
		if err != nil {
			b.logger.Info("exiting slcan reception", "error", err)
			return
		}
		frame, ok := parseLine(line)
		if !ok {
			continue
		}
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}

// parseLine decodes one SLCAN "t"/"T" frame line. A trailing CR, if
// present, is ignored.
func parseLine(line string) (isotp.Frame, bool) {
	if len(line) < 2 {
		return isotp.Frame{}, false
	}
	extended := false
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		extended = true
		idLen = 8
	default:
		return isotp.Frame{}, false
	}
	if len(line) < 1+idLen+1 {
		return isotp.Frame{}, false
	}
	var id uint32
	if _, err := fmt.Sscanf(line[1:1+idLen], hexScanFmt(idLen), &id); err != nil {
		return isotp.Frame{}, false
	}
	dlc := line[1+idLen] - '0'
	if dlc > 8 {
		return isotp.Frame{}, false
	}
	frame := isotp.Frame{ID: id, DLC: dlc}
	if extended {
		frame.ID |= isotp.CanEffFlag
	}
	dataStart := 1 + idLen + 1
	for i := 0; i < int(dlc) && dataStart+2 <= len(line); i++ {
		var b byte
		fmt.Sscanf(line[dataStart:dataStart+2], "%02X", &b)
		frame.Data[i] = b
		dataStart += 2
	}
	return frame, true
}

func hexScanFmt(n int) string {
	switch n {
	case 3:
		return "%03X"
	default:
		return "%08X"
	}
}

// readerFunc adapts a (p []byte) (int, error) method value to io.Reader.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
