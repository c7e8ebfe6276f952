package isotp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSingleFrame(t *testing.T) {
	var frame Frame
	buildSingleFrame(&frame, []byte{1, 2, 3}, nil)
	assert.Equal(t, uint8(4), frame.DLC)
	assert.Equal(t, byte(0x03), frame.Data[0])
	assert.Equal(t, []byte{1, 2, 3}, frame.Data[1:4])
}

func TestBuildSingleFramePadded(t *testing.T) {
	var frame Frame
	pad := byte(0xAA)
	buildSingleFrame(&frame, []byte{1, 2, 3}, &pad)
	assert.Equal(t, uint8(8), frame.DLC)
	assert.Equal(t, byte(0xAA), frame.Data[7])
}

func TestBuildFirstFrame(t *testing.T) {
	var frame Frame
	lead := []byte{1, 2, 3, 4, 5, 6}
	buildFirstFrame(&frame, 20, lead)
	assert.Equal(t, uint8(8), frame.DLC)
	assert.Equal(t, byte(0x10), frame.Data[0]&0xF0)
	length := int(frame.Data[0]&0x0F)<<8 | int(frame.Data[1])
	assert.Equal(t, 20, length)
	assert.Equal(t, lead, frame.Data[2:8])
}

func TestBuildConsecutiveFrame(t *testing.T) {
	var frame Frame
	buildConsecutiveFrame(&frame, 5, []byte{9, 9}, nil)
	assert.Equal(t, byte(0x25), frame.Data[0])
	assert.Equal(t, uint8(3), frame.DLC)
}

func TestBuildFlowControl(t *testing.T) {
	var frame Frame
	buildFlowControl(&frame, flowContinueToSend, 8, 0x0A, nil)
	assert.Equal(t, byte(0x30), frame.Data[0])
	assert.Equal(t, byte(8), frame.Data[1])
	assert.Equal(t, byte(0x0A), frame.Data[2])
	assert.Equal(t, uint8(3), frame.DLC)
}

func TestStminEncodeDecodeMillis(t *testing.T) {
	for _, ms := range []int{0, 1, 50, 127} {
		b := stminEncode(stmin{value: ms})
		got := stminDecode(b)
		assert.False(t, got.micros)
		assert.Equal(t, ms, got.value)
	}
}

func TestStminEncodeMicrosSteps(t *testing.T) {
	b := stminEncode(stmin{value: 500, micros: true})
	assert.Equal(t, byte(0xF5), b)
	got := stminDecode(b)
	assert.True(t, got.micros)
	assert.Equal(t, 500, got.value)
}

func TestStminDecodeReservedFallsBackTo127ms(t *testing.T) {
	got := stminDecode(0x80)
	assert.False(t, got.micros)
	assert.Equal(t, 127, got.value)

	got = stminDecode(0xFA)
	assert.Equal(t, 127, got.value)
}
