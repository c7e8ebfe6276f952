package loopback_test

import (
	"context"
	"testing"
	"time"

	isotp "github.com/christiansandberg/isotp-go"
	"github.com/christiansandberg/isotp-go/pkg/can/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairRoundTrip(t *testing.T) {
	busA, busB := loopback.NewPair()
	netA := isotp.NewNetwork(busA, "loopback-a")
	netB := isotp.NewNetwork(busB, "loopback-b")
	require.NoError(t, netA.Open())
	require.NoError(t, netB.Open())
	t.Cleanup(func() {
		netA.Close()
		netB.Close()
	})

	_, wA, err := netA.OpenConnection(0x100, 0x200, false, isotp.Profile{})
	require.NoError(t, err)
	rB, _, err := netB.OpenConnection(0x200, 0x100, false, isotp.Profile{})
	require.NoError(t, err)

	require.NoError(t, wA.Write([]byte("loopback")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := rB.Read(ctx, 4095)
	require.NoError(t, err)
	assert.Equal(t, []byte("loopback"), payload)
}
