package isotp

import "errors"

// Error kinds surfaced to the application. Per-message
// aborts (everything but ErrConnectionClosed / ErrAdapter) never close the
// connection: the next inbound First Frame or outbound Write starts a
// fresh exchange.
var (
	// ErrProtocol signals a malformed PCI or impossible framing. The
	// offending frame is dropped and the connection survives.
	ErrProtocol = errors.New("isotp: protocol error")

	// ErrSequence signals a Consecutive Frame sequence-number mismatch.
	// The in-progress reassembly is aborted.
	ErrSequence = errors.New("isotp: consecutive frame sequence error")

	// ErrFlowControlTimeout signals N_Bs expiry while waiting for a Flow
	// Control frame. The in-progress send is aborted.
	ErrFlowControlTimeout = errors.New("isotp: timed out waiting for flow control")

	// ErrReassemblyTimeout signals N_Cr expiry while waiting for the next
	// Consecutive Frame. The in-progress reassembly is aborted.
	ErrReassemblyTimeout = errors.New("isotp: timed out waiting for consecutive frame")

	// ErrFlowControlWaitOverflow signals that the peer sent more WAIT
	// frames than wftmax allows. The in-progress send is aborted.
	ErrFlowControlWaitOverflow = errors.New("isotp: too many flow control wait frames")

	// ErrPeerBufferOverflow signals the peer sent FC.OVFLW. The
	// in-progress send is aborted.
	ErrPeerBufferOverflow = errors.New("isotp: peer reported buffer overflow")

	// ErrTransmitTimeout signals the adapter failed to accept a frame
	// within N_As.
	ErrTransmitTimeout = errors.New("isotp: adapter transmit timeout")

	// ErrConnectionClosed is returned by any operation on a connection
	// that has been closed, and delivered to pending reads/writes at
	// close time.
	ErrConnectionClosed = errors.New("isotp: connection closed")

	// ErrAdapter wraps an error propagated from the Bus. It is fatal for
	// the whole Network.
	ErrAdapter = errors.New("isotp: adapter error")

	// ErrWouldBlock is returned by Bus.Send when the adapter's internal
	// transmit buffer is full and the caller should queue and retry.
	ErrWouldBlock = errors.New("isotp: would block")

	// ErrDuplicateRxId is returned by Network.CreateConnection when the
	// requested rx id is already bound to another connection.
	ErrDuplicateRxId = errors.New("isotp: rx id already in use")

	// ErrPayloadTooLarge is returned by Write when the payload exceeds
	// the 4095-byte ISO-TP maximum. Write also returns it for an empty
	// payload.
	ErrPayloadTooLarge = errors.New("isotp: payload exceeds 4095 bytes")
)
