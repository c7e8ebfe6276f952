package isotp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/christiansandberg/isotp-go/internal/queue"
	log "github.com/sirupsen/logrus"
)

// Default timer values, expressed as durations; ISO-TP's own N_As/N_Bs/
// N_Cr budgets are all in the low seconds. Declared as variables, not
// constants, so tests can shrink them instead of waiting out the full
// timeout on every run.
var (
	defaultNBs = 1000 * time.Millisecond
	defaultNCr = 1000 * time.Millisecond
	defaultNAs = 1000 * time.Millisecond
)

const defaultWftMax = 10

// stmin is a parsed STmin value: either a whole number of milliseconds
// (0..127) or, when micros is set, a number of microseconds (100..900, in
// 100us steps).
type stmin struct {
	value  int
	micros bool
}

func (s stmin) duration() time.Duration {
	if s.micros {
		return time.Duration(s.value) * time.Microsecond
	}
	return time.Duration(s.value) * time.Millisecond
}

// Profile is the local flow-control profile a connection advertises to
// its peer: how much data the peer may send per block, how fast, and how
// many WAIT frames we will tolerate while stalling. The zero Profile
// means "no block limit, no separation time, abort after the default
// number of WAIT frames".
type Profile struct {
	BlockSize uint8 // 0 = unlimited
	StMinMs   int   // 0..127ms; ignored if StMinUs is set
	StMinUs   int   // 100..900us in 100us steps; takes precedence over StMinMs
	WftMax    uint8 // 0 = use the library default (10)
	Padding   *byte // non-nil pads every frame to 8 bytes with this value
}

func (p Profile) stmin() stmin {
	if p.StMinUs > 0 {
		return stmin{value: p.StMinUs, micros: true}
	}
	return stmin{value: p.StMinMs}
}

func (p Profile) wftMax() uint8 {
	if p.WftMax == 0 {
		return defaultWftMax
	}
	return p.WftMax
}

// descriptor is the immutable-after-creation identity and local profile of
// one connection.
type descriptor struct {
	txID       uint32
	rxID       uint32
	padding    *byte
	extendedID bool
	local      Profile
}

type txState uint8

const (
	txIdle txState = iota
	txWaitFC
	txSending
	txWaitFCAgain
)

type rxState uint8

const (
	rxIdle rxState = iota
	rxAssembling
)

// writeJob is one payload queued by Writer.Write, waiting its turn on the
// connection's serial TX queue.
type writeJob struct {
	payload  []byte
	accepted chan struct{} // closed once the job starts being sent
	done     chan error    // receives the final outcome (send completion or abort)
}

// sink is how a connection hands reassembled payloads, and non-fatal
// per-message errors, up to the application. Exactly one of protocolSink
// or pullSink backs a given connection, selected by which of
// Network.CreateConnection / Network.OpenConnection created it.
type sink interface {
	deliver(payload []byte)
	notifyError(err error)
	closeWith(err error)
}

// Connection is one ISO-TP logical connection: a (tx id, rx id) pair with
// independent TX and RX half state machines sharing one descriptor.
type Connection struct {
	desc descriptor
	net  *Network
	log  *log.Entry

	mu     sync.Mutex // guards closed only; all other fields live on the scheduler goroutine
	closed bool

	sink sink

	// TX half
	txState      txState
	txQueue      *queue.Queue[*writeJob]
	txCurrent    *writeJob
	txBuf        []byte
	txCursor     int
	txSeq        uint8
	bsPeer       uint8
	stminPeer    stmin
	txBlockCount uint8
	waitCount    int
	txTimer      *timerHandle

	// RX half
	rxState       rxState
	rxBuf         []byte
	rxCursor      int
	rxExpectedSeq uint8
	rxBlockCount  uint8
	rxWaitCount   int
	rxTotalLen    int
	rxTimer       *timerHandle

	stats Stats
}

// Stats is a read-only snapshot of per-connection counters.
type Stats struct {
	FramesSent       uint64
	FramesReceived   uint64
	PayloadsSent     uint64
	PayloadsReceived uint64
	SequenceErrors   uint64
	Timeouts         uint64
	ProtocolErrors   uint64
}

// Stats returns a snapshot of this connection's counters.
func (c *Connection) Stats() Stats {
	result := make(chan Stats, 1)
	c.net.sched.post(func() { result <- c.stats })
	return <-result
}

func newConnection(net *Network, desc descriptor, s sink) *Connection {
	c := &Connection{
		desc:    desc,
		net:     net,
		sink:    s,
		txQueue: queue.NewQueue[*writeJob](4),
		log: protocolLogger.WithFields(log.Fields{
			"tx": fmt.Sprintf("%x", desc.txID),
			"rx": fmt.Sprintf("%x", desc.rxID),
		}),
	}
	return c
}

// TxID returns this connection's outbound CAN identifier.
func (c *Connection) TxID() uint32 { return c.desc.txID }

// RxID returns this connection's inbound CAN identifier.
func (c *Connection) RxID() uint32 { return c.desc.rxID }

// Close tears the connection down: pending timers are cancelled, queued
// writes fail with ErrConnectionClosed, any in-progress RX buffer is
// discarded, and the connection is removed from its Network.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	c.net.sched.post(func() {
		c.abortRx(nil)
		c.abortTxLocked(ErrConnectionClosed)
		for {
			job, ok := c.txQueue.Pop()
			if !ok {
				break
			}
			failJob(job, ErrConnectionClosed)
		}
		c.cancelTxTimer()
		c.cancelRxTimer()
		c.sink.closeWith(ErrConnectionClosed)
		close(done)
	})
	<-done
	c.net.removeConnection(c.desc.rxID)
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// --- Protocol (push) view ---------------------------------------------

// Protocol is the push-style application view of a connection.
// Implementations are produced by a ProtocolFactory, one per connection.
type Protocol interface {
	ConnectionMade(transport *Connection)
	DataReceived(payload []byte)
	ConnectionLost(reason error)
}

// ErrorReceiver is an optional extension of Protocol. When implemented,
// ReceivedError is called for every non-fatal per-message abort
// (ProtocolError, SequenceError, ReassemblyTimeout, FlowControlTimeout,
// FlowControlWaitOverflow, PeerBufferOverflow, TransmitTimeout); the
// connection survives these. It is also called with ErrAdapter when the
// adapter rejects one of this connection's frames (the whole Network is
// then closed), and with ErrConnectionClosed when Close aborts a send in
// flight. It is purely a notification. Modeled as an optional
// interface since most protocols only care about successfully
// reassembled payloads.
type ErrorReceiver interface {
	ReceivedError(err error)
}

// ProtocolFactory builds a new Protocol instance for a freshly created
// connection.
type ProtocolFactory func() Protocol

type protocolSink struct {
	proto Protocol
}

func (s *protocolSink) deliver(payload []byte) { s.proto.DataReceived(payload) }

func (s *protocolSink) notifyError(err error) {
	if er, ok := s.proto.(ErrorReceiver); ok {
		er.ReceivedError(err)
	}
}

func (s *protocolSink) closeWith(err error) { s.proto.ConnectionLost(err) }

// --- Stream (pull) view --------------------------------------------------

// Reader is the pull-style read half of a connection.
type Reader struct {
	conn *Connection
	mu   sync.Mutex
	buf  *queue.Queue[[]byte]
	wake chan struct{}

	closed   bool
	closeErr error
	lastErr  error
}

// Writer is the pull-style write half of a connection.
type Writer struct {
	conn    *Connection
	lastJob *writeJob
}

type pullSink struct {
	reader *Reader
}

func (s *pullSink) deliver(payload []byte) {
	r := s.reader
	r.mu.Lock()
	r.buf.Push(payload)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (s *pullSink) notifyError(err error) {
	r := s.reader
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (s *pullSink) closeWith(err error) {
	r := s.reader
	r.mu.Lock()
	r.closed = true
	r.closeErr = err
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close tears down the underlying connection. Pending and future Read
// calls return ErrConnectionClosed once anything buffered is drained.
func (r *Reader) Close() error { return r.conn.Close() }

// Read returns the next complete payload. max is advisory: a payload
// larger than max is still returned whole. Read returns a
// non-fatal transport error (SequenceError, ReassemblyTimeout, ...) at
// most once per occurrence and keeps the connection usable afterwards; it
// returns ErrConnectionClosed once the connection is torn down and there
// is nothing left buffered.
func (r *Reader) Read(ctx context.Context, max int) ([]byte, error) {
	_ = max
	for {
		r.mu.Lock()
		if payload, ok := r.buf.Pop(); ok {
			r.mu.Unlock()
			return payload, nil
		}
		if err := r.lastErr; err != nil {
			r.lastErr = nil
			r.mu.Unlock()
			return nil, err
		}
		if r.closed {
			err := r.closeErr
			r.mu.Unlock()
			return nil, err
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Write enqueues a payload for transmission. It never blocks beyond
// handing the job to the connection's scheduler goroutine; use Drain to
// wait for backpressure.
func (w *Writer) Write(payload []byte) error {
	if len(payload) < 1 || len(payload) > pciMaxPayloadLen {
		return ErrPayloadTooLarge
	}
	if w.conn.isClosed() {
		return ErrConnectionClosed
	}
	job := &writeJob{
		payload:  append([]byte(nil), payload...),
		accepted: make(chan struct{}),
		done:     make(chan error, 1),
	}
	w.conn.net.sched.post(func() {
		w.conn.enqueueWrite(job)
	})
	w.lastJob = job
	return nil
}

// Drain waits until the most recently written payload has been accepted
// by the state machine, i.e. dequeued and handed to the TX half.
func (w *Writer) Drain(ctx context.Context) error {
	job := w.lastJob
	if job == nil {
		return nil
	}
	select {
	case <-job.accepted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failJob(job *writeJob, err error) {
	select {
	case <-job.accepted:
	default:
		close(job.accepted)
	}
	job.done <- err
}
