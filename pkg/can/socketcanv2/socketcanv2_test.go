package socketcanv2

import (
	"testing"
	"time"

	isotp "github.com/christiansandberg/isotp-go"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func createBus(t *testing.T) *Bus {
	t.Helper()
	sock, err := NewBus("vcan0")
	if err != nil {
		t.Skipf("vcan0 unavailable: %v", err)
	}
	b := sock.(*Bus)
	assert.Nil(t, b.Connect())
	assert.Nil(t, b.SetReceiveOwn(true))
	return b
}

func TestConnectDisconnect(t *testing.T) {
	sock, err := NewBus("vcan0")
	if err != nil {
		t.Skipf("vcan0 unavailable: %v", err)
	}
	assert.Nil(t, sock.Connect())
	assert.Nil(t, sock.Disconnect())
}

type frameListener struct {
	frames []isotp.Frame
}

func (f *frameListener) Handle(frame isotp.Frame) {
	f.frames = append(f.frames, frame)
}

func TestSendReceive(t *testing.T) {
	can0 := createBus(t)
	can1 := createBus(t)
	defer can0.Disconnect()
	defer can1.Disconnect()

	listener := &frameListener{}
	assert.Nil(t, can1.Subscribe(listener))
	for i := 0; i < 50; i++ {
		assert.Nil(t, can0.Send(isotp.NewFrame(0x100, 8)))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, listener.frames, 50)
}

func TestFilterNoReception(t *testing.T) {
	can0 := createBus(t)
	can1 := createBus(t)
	defer can0.Disconnect()
	defer can1.Disconnect()

	listener := &frameListener{}
	assert.Nil(t, can1.Subscribe(listener))
	assert.Nil(t, can1.SetFilters([]unix.CanFilter{{Id: 0x50, Mask: 0x7FF}}))
	for i := 0; i < 50; i++ {
		assert.Nil(t, can0.Send(isotp.NewFrame(0x100, 8)))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, listener.frames, 0)
}
