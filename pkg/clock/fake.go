package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// with the clock set to their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending map[uint64]*fakeEvent
	changed *sync.Cond
}

type fakeEvent struct {
	id       uint64
	at       time.Time
	fn       func()
	ch       chan time.Time
	interval time.Duration
}

// NewFake returns a FakeClock starting at start.
func NewFake(start time.Time) *FakeClock {
	c := &FakeClock{now: start, pending: make(map[uint64]*fakeEvent)}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run when the clock passes now+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	ev := c.schedule(&fakeEvent{fn: f}, d)
	return fakeTimer{clock: c, id: ev.id}
}

// NewTicker registers a repeating event every d.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ev := c.schedule(&fakeEvent{ch: make(chan time.Time, 1), interval: d}, d)
	return fakeTicker{clock: c, ev: ev}
}

func (c *FakeClock) schedule(ev *fakeEvent, d time.Duration) *fakeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ev.id = c.seq
	ev.at = c.now.Add(d)
	c.pending[ev.id] = ev
	c.changed.Broadcast()
	return ev
}

func (c *FakeClock) cancel(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	c.changed.Broadcast()
	return true
}

// Advance moves the clock forward by d, firing every event whose deadline
// is reached. Callbacks must not call Advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		ev := c.nextDueLocked(target)
		if ev == nil {
			break
		}
		c.now = ev.at
		if ev.interval > 0 {
			ev.at = ev.at.Add(ev.interval)
			select {
			case ev.ch <- c.now:
			default:
			}
			continue
		}
		delete(c.pending, ev.id)
		c.changed.Broadcast()
		c.mu.Unlock()
		ev.fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeEvent {
	var next *fakeEvent
	for _, ev := range c.pending {
		if ev.at.After(target) {
			continue
		}
		if next == nil || ev.at.Before(next.at) || (ev.at.Equal(next.at) && ev.id < next.id) {
			next = ev
		}
	}
	return next
}

// Pending returns the number of scheduled events.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// BlockUntil waits until at least n events are scheduled. Tests use it to
// avoid advancing before a goroutine has registered its timer or ticker.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

type fakeTimer struct {
	clock *FakeClock
	id    uint64
}

func (t fakeTimer) Stop() bool { return t.clock.cancel(t.id) }

type fakeTicker struct {
	clock *FakeClock
	ev    *fakeEvent
}

func (t fakeTicker) C() <-chan time.Time { return t.ev.ch }
func (t fakeTicker) Stop()               { t.clock.cancel(t.ev.id) }
