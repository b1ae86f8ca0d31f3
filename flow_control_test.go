package mqtt5

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowControllerWindow(t *testing.T) {
	f := NewFlowController(2)

	assert.True(t, f.CanSend())
	assert.True(t, f.TryAcquire())
	assert.True(t, f.TryAcquire())
	assert.False(t, f.TryAcquire(), "window exhausted")
	assert.False(t, f.CanSend())
	assert.Equal(t, uint16(2), f.InFlight())

	f.Release()
	assert.True(t, f.TryAcquire())
}

func TestFlowControllerZeroDefaults(t *testing.T) {
	f := NewFlowController(0)
	assert.Equal(t, uint16(65535), f.ReceiveMaximum())

	f.SetReceiveMaximum(0)
	assert.Equal(t, uint16(65535), f.ReceiveMaximum())
}

func TestFlowControllerSeed(t *testing.T) {
	f := NewFlowController(5)
	f.Seed(3)
	assert.Equal(t, uint16(3), f.InFlight())

	f.Reset()
	assert.Zero(t, f.InFlight())
}

func TestFlowControllerReleaseFloorsAtZero(t *testing.T) {
	f := NewFlowController(1)
	f.Release()
	assert.Zero(t, f.InFlight())
}
