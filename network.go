package isotp

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/christiansandberg/isotp-go/internal/queue"
)

// Network owns one Bus and demultiplexes its inbound frames across every
// open Connection by rx id, running all connection state machines on a
// single scheduler goroutine so no connection needs its own lock. It is
// the library's top-level entry point: one bus, many logical ISO-TP
// connections.
type Network struct {
	name  string
	bus   Bus
	sched *scheduler

	mu          sync.RWMutex
	connections map[uint32]*Connection // keyed by rx id

	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	closeOnce sync.Once
	closeErr  error
	fatalOnce sync.Once

	log *slog.Logger
}

// NewNetwork wraps bus with the ISO-TP demultiplexer. bus must not yet be
// connected; call Open to connect it and start processing frames. name
// labels this network's metrics and log lines; it defaults to "default"
// so a process running a single Network needs no setup.
func NewNetwork(bus Bus, name string) *Network {
	if name == "" {
		name = "default"
	}
	return &Network{
		name:        name,
		bus:         bus,
		sched:       newScheduler(64),
		connections: make(map[uint32]*Connection),
		log:         slog.Default().With("component", "isotp-network", "network", name),
	}
}

// Open connects the underlying bus, subscribes the demultiplexer, and
// starts the scheduler goroutine. args are passed through to Bus.Connect.
func (n *Network) Open(args ...any) error {
	if err := n.bus.Connect(args...); err != nil {
		return fmt.Errorf("isotp: connect bus: %w", err)
	}
	if err := n.bus.Subscribe(n); err != nil {
		return fmt.Errorf("isotp: subscribe to bus: %w", err)
	}
	n.stop = make(chan struct{})
	n.running = true
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sched.run(n.stop)
	}()
	n.log.Info("network open")
	return nil
}

// Close stops the scheduler, closes every open connection, and
// disconnects the bus. Safe to call more than once, and safe to call
// concurrently with a failFatal-triggered close.
func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		conns := make([]*Connection, 0, len(n.connections))
		for _, c := range n.connections {
			conns = append(conns, c)
		}
		n.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}

		if n.running {
			close(n.stop)
			n.wg.Wait()
			n.running = false
		}
		n.log.Info("network closed")
		n.closeErr = n.bus.Disconnect()
	})
	return n.closeErr
}

// failFatal tears down the whole network after an adapter error that
// isn't mere backpressure (ErrWouldBlock): every connection is closed and
// the bus disconnected, matching ErrAdapter's documented fatal semantics.
// Safe to call from the scheduler goroutine itself — the actual teardown
// runs on a separate goroutine, so it can safely wait for the scheduler
// to drain and stop.
func (n *Network) failFatal(err error) {
	n.fatalOnce.Do(func() {
		n.log.Error("adapter error, closing network", "err", err)
		go n.Close()
	})
}

// Handle implements FrameListener: every inbound CAN frame is posted to
// the scheduler and routed to the connection whose rx id matches the
// frame's identifier. A frame for an unknown id is silently dropped.
func (n *Network) Handle(frame Frame) {
	id := frame.ID &^ CanEffFlag
	n.sched.post(func() {
		n.mu.RLock()
		c, ok := n.connections[id]
		n.mu.RUnlock()
		if !ok {
			framesDropped.WithLabelValues(n.name).Inc()
			return
		}
		c.onFrame(frame)
	})
}

// CreateConnection opens a new connection with a push-style Protocol
// application view. factory is called once, synchronously, to produce
// the Protocol that receives ConnectionMade/DataReceived/ConnectionLost
// callbacks.
func (n *Network) CreateConnection(txID, rxID uint32, extended bool, profile Profile, factory ProtocolFactory) (*Connection, error) {
	desc := descriptor{txID: txID, rxID: rxID, extendedID: extended, local: profile, padding: profile.Padding}
	proto := factory()
	c := newConnection(n, desc, &protocolSink{proto: proto})
	if err := n.addConnection(c); err != nil {
		return nil, err
	}
	proto.ConnectionMade(c)
	return c, nil
}

// OpenConnection opens a new connection with a pull-style Reader/Writer
// application view.
func (n *Network) OpenConnection(txID, rxID uint32, extended bool, profile Profile) (*Reader, *Writer, error) {
	desc := descriptor{txID: txID, rxID: rxID, extendedID: extended, local: profile, padding: profile.Padding}
	r := &Reader{wake: make(chan struct{}, 1), buf: queue.NewQueue[[]byte](4)}
	c := newConnection(n, desc, &pullSink{reader: r})
	r.conn = c
	if err := n.addConnection(c); err != nil {
		return nil, nil, err
	}
	return r, &Writer{conn: c}, nil
}

func (n *Network) addConnection(c *Connection) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.connections[c.desc.rxID]; exists {
		return ErrDuplicateRxId
	}
	n.connections[c.desc.rxID] = c
	openConnections.WithLabelValues(n.name).Inc()
	return nil
}

func (n *Network) removeConnection(rxID uint32) {
	n.mu.Lock()
	_, existed := n.connections[rxID]
	delete(n.connections, rxID)
	n.mu.Unlock()
	if existed {
		openConnections.WithLabelValues(n.name).Dec()
	}
}
