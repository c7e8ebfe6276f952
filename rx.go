package isotp

import "time"

// rx.go implements the RX half of the ISO-TP state machine: frame
// classification, reassembly, Flow Control generation, N_Cr timing and
// sequence validation. Like tx.go, everything here runs on the
// connection's scheduler goroutine.

// onFrame is the single entry point for every inbound frame addressed to
// this connection's rx id (routed here by Network.Handle).
func (c *Connection) onFrame(frame Frame) {
	if c.isClosed() || frame.DLC == 0 {
		return
	}
	c.stats.FramesReceived++
	framesReceived.WithLabelValues(c.net.name).Inc()

	pci := pciType(frame.Data[0] >> 4)
	switch pci {
	case pciSingleFrame:
		c.handleSingleFrame(frame)
	case pciFirstFrame:
		c.handleFirstFrame(frame)
	case pciConsecutiveFrame:
		c.handleConsecutiveFrame(frame)
	case pciFlowControl:
		length := int(frame.DLC)
		if length < 3 {
			return
		}
		status := flowStatus(frame.Data[0] & 0x0F)
		c.handleFlowControl(status, frame.Data[1], frame.Data[2])
	}
}

func (c *Connection) handleSingleFrame(frame Frame) {
	length := int(frame.Data[0] & 0x0F)
	if length == 0 || length > pciMaxSingleFrameLen || int(frame.DLC) < 1+length {
		c.reportProtocolError()
		return
	}
	// A Single Frame always restarts reassembly: it wins
	// over whatever RX state (even mid-ASSEMBLING) was active before.
	if c.rxState == rxAssembling {
		c.abortRx(ErrProtocol)
	}
	payload := append([]byte(nil), frame.Data[1:1+length]...)
	c.stats.PayloadsReceived++
	payloadsReceived.WithLabelValues(c.net.name).Inc()
	c.sink.deliver(payload)
}

func (c *Connection) handleFirstFrame(frame Frame) {
	if frame.DLC < 8 {
		c.reportProtocolError()
		return
	}
	total := int(frame.Data[0]&0x0F)<<8 | int(frame.Data[1])
	if total < 8 || total > pciMaxPayloadLen {
		c.reportProtocolError()
		return
	}

	// A new First Frame always restarts reassembly, discarding whatever was
	// in progress.
	if c.rxState == rxAssembling {
		c.abortRx(ErrProtocol)
	}

	c.rxBuf = make([]byte, 0, total)
	c.rxBuf = append(c.rxBuf, frame.Data[2:8]...)
	c.rxTotalLen = total
	c.rxExpectedSeq = 1
	c.rxBlockCount = 0
	c.rxWaitCount = 0
	c.rxState = rxAssembling

	c.sendFlowControl(flowContinueToSend)
	c.armRxTimer(defaultNCr, c.onReassemblyTimeout)
}

func (c *Connection) handleConsecutiveFrame(frame Frame) {
	if c.rxState != rxAssembling {
		// Stray CF with nothing in progress: silently ignored.
		return
	}
	seq := frame.Data[0] & 0x0F
	if seq != c.rxExpectedSeq {
		c.abortRx(ErrSequence)
		return
	}
	c.cancelRxTimer()

	remaining := c.rxTotalLen - len(c.rxBuf)
	n := int(frame.DLC) - 1
	if n > remaining {
		n = remaining
	}
	if n < 0 {
		n = 0
	}
	c.rxBuf = append(c.rxBuf, frame.Data[1:1+n]...)
	c.rxExpectedSeq = (c.rxExpectedSeq + 1) & 0x0F
	c.rxBlockCount++

	if len(c.rxBuf) >= c.rxTotalLen {
		payload := c.rxBuf
		c.rxBuf = nil
		c.rxState = rxIdle
		c.stats.PayloadsReceived++
		payloadsReceived.WithLabelValues(c.net.name).Inc()
		c.sink.deliver(payload)
		return
	}

	bs := c.desc.local.BlockSize
	if bs != 0 && c.rxBlockCount >= bs {
		c.rxBlockCount = 0
		c.sendFlowControl(flowContinueToSend)
	}
	c.armRxTimer(defaultNCr, c.onReassemblyTimeout)
}

func (c *Connection) onReassemblyTimeout() {
	c.stats.Timeouts++
	c.abortRx(ErrReassemblyTimeout)
}

// abortRx discards any in-progress reassembly. A nil err means a clean
// reset (e.g. on Close) and does not notify the application.
func (c *Connection) abortRx(err error) {
	if c.rxState != rxAssembling {
		return
	}
	c.cancelRxTimer()
	c.rxBuf = nil
	c.rxState = rxIdle
	if err != nil {
		if err == ErrSequence {
			c.stats.SequenceErrors++
		}
		c.stats.ProtocolErrors++
		transportErrors.WithLabelValues(c.net.name, errorKind(err)).Inc()
		c.sink.notifyError(err)
	}
}

func (c *Connection) reportProtocolError() {
	c.stats.ProtocolErrors++
	transportErrors.WithLabelValues(c.net.name, errorKind(ErrProtocol)).Inc()
	c.sink.notifyError(ErrProtocol)
}

func (c *Connection) sendFlowControl(status flowStatus) {
	var frame Frame
	bs := c.desc.local.BlockSize
	stminByte := stminEncode(c.desc.local.stmin())
	buildFlowControl(&frame, status, bs, stminByte, c.desc.padding)
	frame.ID = c.desc.txID
	if c.desc.extendedID {
		frame.ID |= CanEffFlag
	}
	c.transmit(frame, func() {}, func(err error) {
		c.log.WithError(err).Warn("flow control send failed")
	})
}

func (c *Connection) armRxTimer(delay time.Duration, cb func()) {
	c.rxTimer = c.net.sched.schedule(delay, cb)
}

func (c *Connection) cancelRxTimer() {
	c.net.sched.cancel(c.rxTimer)
	c.rxTimer = nil
}
