package mqtt5

import (
	"errors"
	"sync"
)

// ErrQuotaExceeded reports that the send quota is exhausted.
var ErrQuotaExceeded = errors.New("receive quota exceeded")

// FlowController tracks the in-flight QoS > 0 window against a receive
// maximum. The engine holds one seeded from the server's CONNACK.
type FlowController struct {
	mu             sync.Mutex
	receiveMaximum uint16
	inFlight       uint16
}

// NewFlowController creates a flow controller. A zero receive maximum
// means the protocol default of 65535.
func NewFlowController(receiveMaximum uint16) *FlowController {
	if receiveMaximum == 0 {
		receiveMaximum = 65535
	}
	return &FlowController{receiveMaximum: receiveMaximum}
}

// ReceiveMaximum returns the current window bound.
func (f *FlowController) ReceiveMaximum() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiveMaximum
}

// SetReceiveMaximum updates the window bound from CONNACK.
func (f *FlowController) SetReceiveMaximum(maximum uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maximum == 0 {
		maximum = 65535
	}
	f.receiveMaximum = maximum
}

// InFlight returns the number of unacknowledged QoS > 0 publishes.
func (f *FlowController) InFlight() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// CanSend reports whether the window has room.
func (f *FlowController) CanSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight < f.receiveMaximum
}

// TryAcquire claims one window slot if available.
func (f *FlowController) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight >= f.receiveMaximum {
		return false
	}
	f.inFlight++
	return true
}

// Release frees one window slot.
func (f *FlowController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
}

// Seed sets the in-flight count directly. Used at connection start, just
// before retry replay, when the entries about to be replayed already
// occupy window slots.
func (f *FlowController) Seed(inFlight uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = inFlight
}

// Reset clears the in-flight count for a fresh connection.
func (f *FlowController) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = 0
}
