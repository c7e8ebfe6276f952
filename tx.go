package isotp

import "time"

// tx.go implements the TX half of the ISO-TP state machine:
// Single/First/Consecutive Frame construction, Flow Control handling,
// N_Bs timing and STmin pacing. Every function here runs
// exclusively on the connection's scheduler goroutine; none of it takes
// a lock.

// enqueueWrite accepts a queued payload and, if the TX half is idle,
// starts sending it immediately. Otherwise it waits its turn behind
// whatever is already in flight: a connection only ever has one message
// in flight at a time.
func (c *Connection) enqueueWrite(job *writeJob) {
	if c.isClosed() {
		failJob(job, ErrConnectionClosed)
		return
	}
	c.txQueue.Push(job)
	c.pumpTx()
}

// pumpTx starts the next queued write if the TX half is idle.
func (c *Connection) pumpTx() {
	if c.txState != txIdle || c.isClosed() {
		return
	}
	job, ok := c.txQueue.Pop()
	if !ok {
		return
	}
	c.startTx(job)
}

func (c *Connection) startTx(job *writeJob) {
	c.txCurrent = job
	c.txBuf = job.payload
	c.txCursor = 0
	c.txSeq = 1
	c.txBlockCount = 0
	c.waitCount = 0
	// Blocks pumpTx from starting another job while this frame is still
	// being (re)tried against the adapter.
	c.txState = txSending

	close(job.accepted)

	if len(c.txBuf) <= pciMaxSingleFrameLen {
		var frame Frame
		buildSingleFrame(&frame, c.txBuf, c.desc.padding)
		c.sendFrame(frame, func() { c.completeTxJob(nil) })
		return
	}

	var frame Frame
	lead := c.txBuf[:6]
	buildFirstFrame(&frame, len(c.txBuf), lead)
	c.txCursor = 6
	c.sendFrame(frame, func() {
		c.txState = txWaitFC
		c.armTxTimer(defaultNBs, c.onFlowControlTimeout)
	})
}

// handleFlowControl processes an inbound Flow Control frame. It is a
// no-op if the TX half is not currently waiting on one.
func (c *Connection) handleFlowControl(status flowStatus, bs uint8, stminByte uint8) {
	if c.txState != txWaitFC && c.txState != txWaitFCAgain {
		return
	}
	c.cancelTxTimer()

	switch status {
	case flowOverflow:
		c.completeTxJob(ErrPeerBufferOverflow)
	case flowWait:
		c.waitCount++
		if c.waitCount > int(c.desc.local.wftMax()) {
			c.completeTxJob(ErrFlowControlWaitOverflow)
			return
		}
		c.txState = txWaitFCAgain
		c.armTxTimer(defaultNBs, c.onFlowControlTimeout)
	case flowContinueToSend:
		c.bsPeer = bs
		c.stminPeer = stminDecode(stminByte)
		c.txBlockCount = 0
		c.waitCount = 0
		c.txState = txSending
		c.sendNextConsecutiveFrame()
	default:
		c.completeTxJob(ErrProtocol)
	}
}

func (c *Connection) onFlowControlTimeout() {
	c.stats.Timeouts++
	c.completeTxJob(ErrFlowControlTimeout)
}

// sendNextConsecutiveFrame sends one Consecutive Frame and, depending on
// the peer's advertised block size, either schedules the next one after
// STmin or goes back to waiting for another Flow Control frame.
func (c *Connection) sendNextConsecutiveFrame() {
	remaining := c.txBuf[c.txCursor:]
	n := len(remaining)
	if n > 7 {
		n = 7
	}
	chunk := remaining[:n]

	var frame Frame
	buildConsecutiveFrame(&frame, c.txSeq, chunk, c.desc.padding)
	c.sendFrame(frame, func() {
		c.txCursor += n
		c.txSeq = (c.txSeq + 1) & 0x0F
		c.txBlockCount++

		if c.txCursor >= len(c.txBuf) {
			c.completeTxJob(nil)
			return
		}

		if c.bsPeer != 0 && c.txBlockCount >= c.bsPeer {
			c.txBlockCount = 0
			c.txState = txWaitFC
			c.armTxTimer(defaultNBs, c.onFlowControlTimeout)
			return
		}

		delay := c.stminPeer.duration()
		if delay <= 0 {
			c.sendNextConsecutiveFrame()
			return
		}
		c.txTimer = c.net.sched.schedule(delay, c.sendNextConsecutiveFrame)
	})
}

// completeTxJob finishes the in-flight write with err (nil on success),
// reports a non-fatal err to the application, and starts the next queued
// write, if any.
func (c *Connection) completeTxJob(err error) {
	c.cancelTxTimer()
	job := c.txCurrent
	c.txCurrent = nil
	c.txState = txIdle
	c.txBuf = nil
	c.txCursor = 0

	if job != nil {
		if err == nil {
			c.stats.PayloadsSent++
			payloadsSent.WithLabelValues(c.net.name).Inc()
		} else {
			c.stats.ProtocolErrors++
			transportErrors.WithLabelValues(c.net.name, errorKind(err)).Inc()
			c.sink.notifyError(err)
		}
		job.done <- err
	}
	c.pumpTx()
}

func (c *Connection) abortTxLocked(err error) {
	if c.txCurrent == nil {
		return
	}
	c.completeTxJob(err)
}

func (c *Connection) armTxTimer(delay time.Duration, cb func()) {
	c.txTimer = c.net.sched.schedule(delay, cb)
}

func (c *Connection) cancelTxTimer() {
	c.net.sched.cancel(c.txTimer)
	c.txTimer = nil
}

// sendFrame transmits frame and invokes onSent once it has actually been
// accepted by the bus, retrying on backpressure and aborting the in-flight
// job with ErrTransmitTimeout or ErrAdapter if it never is; see transmit.
func (c *Connection) sendFrame(frame Frame, onSent func()) {
	frame.ID = c.desc.txID
	if c.desc.extendedID {
		frame.ID |= CanEffFlag
	}
	c.transmit(frame, onSent, c.completeTxJob)
}
