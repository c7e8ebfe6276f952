package isotp

import (
	"sync/atomic"
	"time"
)

// timerHandle identifies a scheduled one-shot callback (C2). Cancellation
// after the callback has already fired is a no-op and never blocks: it
// only prevents a callback that has not yet run from running.
type timerHandle struct {
	timer     *time.Timer
	cancelled int32
}

// scheduler runs one-shot timers whose callbacks are always delivered
// through events, the same serialized channel that inbound frames and
// application commands use — so a fired timer never races a frame handler
// or another timer for the same connection. This is the Go analogue of the
// teacher's ticker-driven background loop (pkg/node/controller.go),
// specialised to one-shot deadlines instead of a fixed period, since N_Bs/
// N_Cr/STmin are deadlines relative to an event, not a periodic tick.
type scheduler struct {
	events chan func()
}

func newScheduler(bufferSize int) *scheduler {
	return &scheduler{events: make(chan func(), bufferSize)}
}

// post enqueues fn to run on the scheduler's single loop. Safe to call from
// any goroutine.
func (s *scheduler) post(fn func()) {
	s.events <- fn
}

// schedule arranges for cb to run on the scheduler's loop after delay.
// Resolution is whatever the Go runtime timer wheel provides, which is
// well under a millisecond on every platform this library targets; sub-
// millisecond STmin values (0xF1..0xF9) are honored to that same
// precision and never busy-wait.
func (s *scheduler) schedule(delay time.Duration, cb func()) *timerHandle {
	h := &timerHandle{}
	h.timer = time.AfterFunc(delay, func() {
		if atomic.LoadInt32(&h.cancelled) == 1 {
			return
		}
		s.post(func() {
			if atomic.LoadInt32(&h.cancelled) == 1 {
				return
			}
			cb()
		})
	})
	return h
}

// cancel stops a pending callback. It never waits for an in-flight
// callback to finish.
func (s *scheduler) cancel(h *timerHandle) {
	if h == nil {
		return
	}
	atomic.StoreInt32(&h.cancelled, 1)
	h.timer.Stop()
}

// run drains events until stop is closed. It is the single execution
// context in which every connection's state mutations happen (§5): frame
// handlers, timer callbacks and application write requests all arrive here
// serialized, so no connection needs its own lock.
func (s *scheduler) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case fn := <-s.events:
			fn()
		}
	}
}
