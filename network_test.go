package isotp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackBus connects two Networks directly in-process, without any real
// CAN hardware, for exercising the full TX/RX state machine in tests.
type loopbackBus struct {
	peer     *loopbackBus
	listener FrameListener
}

func newLoopbackPair() (*loopbackBus, *loopbackBus) {
	a := &loopbackBus{}
	b := &loopbackBus{}
	a.peer, b.peer = b, a
	return a, b
}

func (l *loopbackBus) Connect(...any) error { return nil }
func (l *loopbackBus) Disconnect() error    { return nil }

func (l *loopbackBus) Send(frame Frame) error {
	if l.peer != nil && l.peer.listener != nil {
		l.peer.listener.Handle(frame)
	}
	return nil
}

func (l *loopbackBus) Subscribe(listener FrameListener) error {
	l.listener = listener
	return nil
}

func newTestPair(t *testing.T) (*Network, *Network) {
	t.Helper()
	busA, busB := newLoopbackPair()
	netA := NewNetwork(busA, "test-a")
	netB := NewNetwork(busB, "test-b")
	require.NoError(t, netA.Open())
	require.NoError(t, netB.Open())
	t.Cleanup(func() {
		netA.Close()
		netB.Close()
	})
	return netA, netB
}

func TestSingleFrameRoundTrip(t *testing.T) {
	netA, netB := newTestPair(t)

	rA, wA, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	rB, wB, err := netB.OpenConnection(0x200, 0x100, false, Profile{})
	require.NoError(t, err)
	_ = rA

	require.NoError(t, wA.Write([]byte("hi")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := rB.Read(ctx, 4095)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), payload)
	_ = wB
}

func TestMultiFrameRoundTrip(t *testing.T) {
	netA, netB := newTestPair(t)

	_, wA, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	rB, _, err := netB.OpenConnection(0x200, 0x100, false, Profile{})
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, wA.Write(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := rB.Read(ctx, 4095)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMultiFrameRespectsBlockSize(t *testing.T) {
	netA, netB := newTestPair(t)

	_, wA, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	// B advertises BlockSize=2: A must wait for a fresh FC every 2 CFs.
	rB, _, err := netB.OpenConnection(0x200, 0x100, false, Profile{BlockSize: 2})
	require.NoError(t, err)

	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, wA.Write(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := rB.Read(ctx, 4095)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPushProtocolView(t *testing.T) {
	netA, netB := newTestPair(t)

	received := make(chan []byte, 1)
	_, err := netB.CreateConnection(0x200, 0x100, false, Profile{}, func() Protocol {
		return &recordingProtocol{received: received}
	})
	require.NoError(t, err)

	_, wA, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	require.NoError(t, wA.Write([]byte("push")))

	select {
	case payload := <-received:
		assert.Equal(t, []byte("push"), payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for push delivery")
	}
}

type recordingProtocol struct {
	received chan []byte
}

func (p *recordingProtocol) ConnectionMade(*Connection)  {}
func (p *recordingProtocol) DataReceived(payload []byte) { p.received <- payload }
func (p *recordingProtocol) ConnectionLost(err error)    {}

func TestDuplicateRxIdRejected(t *testing.T) {
	netA, _ := newTestPair(t)

	_, _, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	_, _, err = netA.OpenConnection(0x101, 0x200, false, Profile{})
	assert.ErrorIs(t, err, ErrDuplicateRxId)
}

func TestUnroutedFrameIsDropped(t *testing.T) {
	netA, netB := newTestPair(t)

	rB, _, err := netB.OpenConnection(0x200, 0x100, false, Profile{})
	require.NoError(t, err)

	// Nothing on netB has rx id 0x999, so a frame delivered there is
	// dropped rather than matched to the 0x100 connection.
	var frame Frame
	buildSingleFrame(&frame, []byte("x"), nil)
	frame.ID = 0x999
	netA.bus.(*loopbackBus).peer.listener.Handle(frame)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = rB.Read(ctx, 4095)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestConcurrentConnectionsDoNotInterfere opens two independent connection
// pairs on the same bus and writes through both at once: frames from one
// pair must not corrupt the other's reassembly, even interleaved at frame
// granularity.
func TestConcurrentConnectionsDoNotInterfere(t *testing.T) {
	netA, netB := newTestPair(t)

	_, wA1, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	rB1, _, err := netB.OpenConnection(0x200, 0x100, false, Profile{})
	require.NoError(t, err)

	_, wA2, err := netA.OpenConnection(0x101, 0x201, false, Profile{})
	require.NoError(t, err)
	rB2, _, err := netB.OpenConnection(0x201, 0x101, false, Profile{})
	require.NoError(t, err)

	payload1 := bytes.Repeat([]byte{0xAA}, 60)
	payload2 := bytes.Repeat([]byte{0x55}, 90)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errs <- wA1.Write(payload1) }()
	go func() { defer wg.Done(); errs <- wA2.Write(payload2) }()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got1, err := rB1.Read(ctx, 4095)
	require.NoError(t, err)
	got2, err := rB2.Read(ctx, 4095)
	require.NoError(t, err)

	assert.Equal(t, payload1, got1)
	assert.Equal(t, payload2, got2)
}

// failingBus wraps a loopbackBus and fails the first Send after armed with
// a fixed adapter-level error, then behaves normally.
type failingBus struct {
	*loopbackBus
	once sync.Once
	err  error
}

func (b *failingBus) Send(frame Frame) error {
	var failed error
	b.once.Do(func() { failed = b.err })
	if failed != nil {
		return failed
	}
	return b.loopbackBus.Send(frame)
}

func TestAdapterErrorClosesWholeNetwork(t *testing.T) {
	busA, busB := newLoopbackPair()
	failing := &failingBus{loopbackBus: busA, err: errors.New("bus wedged")}
	netA := NewNetwork(failing, "test-failing-a")
	netB := NewNetwork(busB, "test-failing-b")
	require.NoError(t, netA.Open())
	require.NoError(t, netB.Open())
	t.Cleanup(func() {
		netA.Close()
		netB.Close()
	})

	_, wA1, err := netA.OpenConnection(0x100, 0x200, false, Profile{})
	require.NoError(t, err)
	rA2, _, err := netA.OpenConnection(0x101, 0x201, false, Profile{})
	require.NoError(t, err)

	// Triggers the injected adapter failure, which must tear down the
	// whole network, not just this one write.
	require.NoError(t, wA1.Write([]byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = rA2.Read(ctx, 4095)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
