package isotp

import (
	"errors"
	"time"
)

// sendRetryInterval is how often a frame blocked by ErrWouldBlock is
// retried while waiting for the adapter to drain.
const sendRetryInterval = 2 * time.Millisecond

// transmit sends frame on the connection's bus, queuing and retrying on
// ErrWouldBlock until N_As (defaultNAs) elapses, per the Bus contract.
// onSent runs once the frame is actually accepted. onAbort runs with
// ErrTransmitTimeout if N_As expires while still retrying. Any other
// adapter error fails the caller with ErrAdapter via onAbort and also
// tears down the whole Network: a real adapter failure isn't specific to
// one in-flight message.
func (c *Connection) transmit(frame Frame, onSent func(), onAbort func(err error)) {
	c.transmitUntil(frame, onSent, onAbort, time.Now().Add(defaultNAs))
}

func (c *Connection) transmitUntil(frame Frame, onSent func(), onAbort func(error), deadline time.Time) {
	if c.isClosed() {
		return
	}
	err := c.net.bus.Send(frame)
	switch {
	case err == nil:
		c.stats.FramesSent++
		framesSent.WithLabelValues(c.net.name).Inc()
		onSent()
	case errors.Is(err, ErrWouldBlock):
		if !time.Now().Before(deadline) {
			c.stats.Timeouts++
			onAbort(ErrTransmitTimeout)
			return
		}
		c.net.sched.schedule(sendRetryInterval, func() {
			c.transmitUntil(frame, onSent, onAbort, deadline)
		})
	default:
		c.log.WithError(err).Error("adapter send failed")
		onAbort(ErrAdapter)
		c.net.failFatal(err)
	}
}
